package pkgbatch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// Preparer turns a source record into a build target.
type Preparer interface {
	Prepare(ctx context.Context, rec SourceRecord) (BuildTarget, error)
}

// PackageDriver runs the build sequence for a target.
type PackageDriver interface {
	Do(mode Mode, t BuildTarget) error
}

// Orchestrator feeds records read from input through the fetcher and the
// driver, one at a time. The first failure stops the run.
type Orchestrator struct {
	Config  RunConfig
	Fetcher Preparer
	Driver  PackageDriver
}

// parseRecord splits an input line. ok is false for blank and comment lines.
func parseRecord(line string) (rec SourceRecord, ok bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return SourceRecord{}, false
	}
	return SourceRecord{URL: fields[0], ConfigureArgs: fields[1:]}, true
}

// Run processes input until EOF or the first failure.
func (o *Orchestrator) Run(ctx context.Context, input io.Reader) error {
	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, ok := parseRecord(scanner.Text())
		if !ok {
			continue
		}

		target, err := o.Fetcher.Prepare(ctx, rec)
		if err != nil {
			return err
		}
		if err := o.Driver.Do(o.Config.Mode, target); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	return nil
}
