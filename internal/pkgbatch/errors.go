package pkgbatch

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ExitError carries an explicit process exit status.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// StepError reports a failed external step for one package.
type StepError struct {
	Step    string   // configure, build, install, uninstall, download, extract
	Package string   // base name of the package tree or archive
	Args    []string // arguments handed to the step, when relevant
	Err     error
}

func (e *StepError) Error() string {
	if len(e.Args) > 0 {
		return fmt.Sprintf("%s of %s failed (args: %s): %v", e.Step, e.Package, strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("%s of %s failed: %v", e.Step, e.Package, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// ExitCode maps an error returned by the run to a process exit status.
// Failed external commands propagate their own status verbatim.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	var cmdErr *exec.ExitError
	if errors.As(err, &cmdErr) {
		if code := cmdErr.ExitCode(); code > 0 {
			return code
		}
	}
	return 1
}
