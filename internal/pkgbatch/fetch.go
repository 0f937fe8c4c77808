package pkgbatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/schollz/progressbar/v3"
)

// SourceRecord is one parsed input line.
type SourceRecord struct {
	URL           string
	ConfigureArgs []string
}

// BuildTarget is what the fetcher hands to the package driver.
type BuildTarget struct {
	Dir           string
	ConfigureArgs []string
}

// DownloadFunc fetches rawURL into the file dest.
type DownloadFunc func(ctx context.Context, rawURL, dest string) error

// Fetcher makes sure a source archive is cached, extracts it and finds the
// build tree inside.
type Fetcher struct {
	Cache         *Cache
	ForceDownload bool
	Download      DownloadFunc
	Out           io.Writer
}

// Prepare runs the fetch pipeline for one record.
func (f *Fetcher) Prepare(ctx context.Context, rec SourceRecord) (BuildTarget, error) {
	name, err := archiveName(rec.URL)
	if err != nil {
		return BuildTarget{}, &StepError{Step: "download", Package: rec.URL, Err: err}
	}

	unlock, err := f.Cache.Lock(name)
	if err != nil {
		return BuildTarget{}, &StepError{Step: "download", Package: name, Err: err}
	}
	defer unlock()

	if f.ForceDownload {
		debugf(f.Out, "Removing cached %s before download\n", name)
		if err := f.Cache.Remove(name); err != nil {
			return BuildTarget{}, &StepError{Step: "download", Package: name, Err: err}
		}
	}

	archivePath := f.Cache.Path(name)
	if !f.Cache.Has(name) {
		step(f.Out, "Fetching source: %s\n", name)
		if err := f.Download(ctx, rec.URL, archivePath); err != nil {
			// never leave a partial archive behind, it would count as cached
			_ = os.Remove(archivePath)
			fail(f.Out, "Failed to download %s from %s\n", name, rec.URL)
			return BuildTarget{}, &StepError{Step: "download", Package: name, Err: err}
		}
	} else {
		step(f.Out, "Using cached %s\n", name)
	}

	step(f.Out, "Extracting %s\n", name)
	members, err := listArchive(ctx, archivePath, f.Out)
	if err != nil {
		fail(f.Out, "Failed to read %s: %v\n", name, err)
		return BuildTarget{}, &StepError{Step: "extract", Package: name, Err: err}
	}
	dest := extractDir(f.Cache.Dir, name, members)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		fail(f.Out, "Failed to create %s: %v\n", dest, err)
		return BuildTarget{}, &StepError{Step: "extract", Package: name, Err: err}
	}

	names, err := extractArchive(ctx, archivePath, dest, f.Out)
	if err != nil {
		fail(f.Out, "Failed to extract %s: %v\n", name, err)
		return BuildTarget{}, &StepError{Step: "extract", Package: name, Err: err}
	}

	dir, err := locateEntryPoint(dest, names)
	if err != nil {
		fail(f.Out, "Cannot locate build tree in %s: %v\n", name, err)
		return BuildTarget{}, &StepError{Step: "extract", Package: name, Err: err}
	}
	debugf(f.Out, "Build tree for %s: %s\n", name, dir)

	return BuildTarget{Dir: dir, ConfigureArgs: rec.ConfigureArgs}, nil
}

// downloader picks the transport for a URL: s3:// goes through the SDK,
// everything else through the first available of curl, wget or the native
// HTTP client. A failing tool is not retried with the next one.
type downloader struct {
	Out      io.Writer
	Progress bool
	S3       S3Settings
	lookPath func(string) (string, error)
}

func newDownloader(w io.Writer, progress bool, s3cfg S3Settings) *downloader {
	return &downloader{Out: w, Progress: progress, S3: s3cfg, lookPath: exec.LookPath}
}

func (d *downloader) Fetch(ctx context.Context, rawURL, dest string) error {
	if strings.HasPrefix(rawURL, "s3://") {
		return downloadS3(ctx, d.S3, rawURL, dest)
	}

	if _, err := d.lookPath("curl"); err == nil {
		cmd := exec.CommandContext(ctx, "curl", "-L", "--fail", "-#", "-o", dest, rawURL)
		cmd.Stdout = d.Out
		cmd.Stderr = os.Stderr
		debugf(d.Out, "Downloading %s -> %s with curl\n", rawURL, dest)
		return cmd.Run()
	}

	if _, err := d.lookPath("wget"); err == nil {
		cmd := exec.CommandContext(ctx, "wget", "-nv", "-O", dest, rawURL)
		cmd.Stdout = d.Out
		cmd.Stderr = d.Out
		debugf(d.Out, "Downloading %s -> %s with wget\n", rawURL, dest)
		return cmd.Run()
	}

	debugf(d.Out, "curl and wget not found, using native Go HTTP client\n")
	return downloadHTTP(ctx, newHTTPClient(), rawURL, dest, d.progressWriter)
}

func (d *downloader) progressWriter(size int64, name string) io.Writer {
	if !d.Progress {
		return io.Discard
	}
	return progressbar.DefaultBytes(size, name)
}

func newHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// Some upstream mirrors are slow to complete the handshake.
	transport.TLSHandshakeTimeout = 30 * time.Second
	return &http.Client{Transport: transport}
}

// downloadHTTP streams rawURL into dest, replacing dest atomically once the
// body has been read completely.
func downloadHTTP(ctx context.Context, client *http.Client, rawURL, dest string, progress func(int64, string) io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("invalid download request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("native http get failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status: %s", resp.Status)
	}

	return writeAtomically(dest, resp.Body, resp.ContentLength, progress)
}

func writeAtomically(dest string, body io.Reader, size int64, progress func(int64, string) io.Writer) error {
	out, err := renameio.TempFile(filepath.Dir(dest), dest)
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", dest, err)
	}
	defer out.Cleanup()

	var w io.Writer = out
	if progress != nil {
		w = io.MultiWriter(out, progress(size, "downloading"))
	}
	if _, err := io.Copy(w, body); err != nil {
		return fmt.Errorf("failed to write to destination file: %w", err)
	}
	return out.CloseAtomicallyReplace()
}
