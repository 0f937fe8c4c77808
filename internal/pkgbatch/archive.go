package pkgbatch

import (
	"archive/tar"
	"bytes"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"
)

// extractArchive unpacks archivePath into dest and returns the member paths
// it contains, relative to dest. System tar is preferred; the pure-Go reader
// takes over when tar is missing or cannot read the archive.
func extractArchive(ctx context.Context, archivePath, dest string, w io.Writer) ([]string, error) {
	if _, err := exec.LookPath("tar"); err == nil {
		names, err := extractWithSystemTar(ctx, archivePath, dest)
		if err == nil {
			debugf(w, "Used system tar\n")
			return names, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		debugf(w, "system tar failed on %s: %v, falling back to internal extractor\n", archivePath, err)
	}
	return extractNative(archivePath, dest, w)
}

func extractWithSystemTar(ctx context.Context, archivePath, dest string) ([]string, error) {
	var out bytes.Buffer
	list := exec.CommandContext(ctx, "tar", "-tf", archivePath)
	list.Stdout = &out
	list.Stderr = io.Discard
	if err := list.Run(); err != nil {
		return nil, fmt.Errorf("tar -tf failed: %w", err)
	}

	var stderr bytes.Buffer
	x := exec.CommandContext(ctx, "tar", "-xf", archivePath, "-C", dest)
	x.Stderr = &stderr
	if err := x.Run(); err != nil {
		return nil, fmt.Errorf("tar -xf failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	return splitLines(out.String()), nil
}

// listArchive returns the member paths of archivePath without extracting it.
func listArchive(ctx context.Context, archivePath string, w io.Writer) ([]string, error) {
	if _, err := exec.LookPath("tar"); err == nil {
		var out bytes.Buffer
		list := exec.CommandContext(ctx, "tar", "-tf", archivePath)
		list.Stdout = &out
		list.Stderr = io.Discard
		err := list.Run()
		if err == nil {
			return splitLines(out.String()), nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		debugf(w, "tar -tf failed on %s, listing with internal reader\n", archivePath)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", archivePath, err)
	}
	defer f.Close()

	r, closeFn, err := decompressor(filepath.Base(archivePath), f)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var names []string
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return names, nil
		}
		if err != nil {
			return nil, fmt.Errorf("error reading tar header in %s: %w", archivePath, err)
		}
		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		names = append(names, hdr.Name)
	}
}

// archiveSuffixes are stripped from an archive name to name its own
// extraction directory.
var archiveSuffixes = []string{".tar.gz", ".tgz", ".tar.bz2", ".tbz2", ".tar.xz", ".txz", ".tar.zst", ".tzst", ".tar"}

// extractDir picks where an archive is unpacked. Archives wrapping
// everything in one top-level directory go straight into cacheDir; anything
// else gets a directory of its own named after the archive, so build trees
// never share an installation marker.
func extractDir(cacheDir, archive string, names []string) string {
	var tops []string
	for _, name := range names {
		clean := strings.TrimPrefix(name, "./")
		if clean == "" || clean == "." {
			continue
		}
		top, _, nested := strings.Cut(clean, "/")
		if !nested {
			// a plain file or link at the archive root
			tops = nil
			break
		}
		if !slices.Contains(tops, top) {
			tops = append(tops, top)
		}
	}
	if len(tops) == 1 {
		return cacheDir
	}

	stem := archive
	for _, suffix := range archiveSuffixes {
		if s, ok := strings.CutSuffix(archive, suffix); ok {
			stem = s
			break
		}
	}
	if stem == archive || stem == "" {
		stem = archive + ".src"
	}
	return filepath.Join(cacheDir, stem)
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// decompressor picks a reader for the archive based on its file name.
func decompressor(name string, f io.Reader) (io.Reader, func(), error) {
	noop := func() {}
	switch {
	case strings.HasSuffix(name, ".tar.gz") || strings.HasSuffix(name, ".tgz"):
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create gzip reader for %s: %w", name, err)
		}
		return gz, func() { gz.Close() }, nil
	case strings.HasSuffix(name, ".tar.bz2") || strings.HasSuffix(name, ".tbz2"):
		return bzip2.NewReader(f), noop, nil
	case strings.HasSuffix(name, ".tar.xz") || strings.HasSuffix(name, ".txz"):
		xr, err := xz.NewReader(f)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create xz reader for %s: %w", name, err)
		}
		return xr, noop, nil
	case strings.HasSuffix(name, ".tar.zst") || strings.HasSuffix(name, ".tzst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create zstd reader for %s: %w", name, err)
		}
		return zr, zr.Close, nil
	case strings.HasSuffix(name, ".tar"):
		return f, noop, nil
	default:
		return nil, nil, fmt.Errorf("unsupported archive format: %s", name)
	}
}

// extractNative extracts a (possibly compressed) tar archive in place,
// overwriting files left by an earlier extraction.
func extractNative(archivePath, dest string, w io.Writer) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", archivePath, err)
	}
	defer f.Close()

	r, closeFn, err := decompressor(filepath.Base(archivePath), f)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	dest, err = filepath.Abs(dest)
	if err != nil {
		return nil, err
	}

	var names []string
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading tar header in %s: %w", archivePath, err)
		}

		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}

		target := filepath.Join(dest, hdr.Name)
		if target != dest && !strings.HasPrefix(target, dest+string(os.PathSeparator)) {
			return nil, fmt.Errorf("illegal file path in archive: %s", hdr.Name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create parent dir for %s: %w", target, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)|0o700); err != nil {
				return nil, fmt.Errorf("failed to create dir %s: %w", target, err)
			}
		case tar.TypeReg:
			// An earlier extraction may have left a read-only copy behind.
			_ = os.Remove(target)
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return nil, fmt.Errorf("failed to create file %s: %w", target, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return nil, fmt.Errorf("failed to write file %s: %w", target, err)
			}
			out.Close()
			if err := os.Chtimes(target, hdr.AccessTime, hdr.ModTime); err != nil {
				debugf(w, "Warning: failed to set times for %s: %v\n", target, err)
			}
		case tar.TypeSymlink:
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil && !errors.Is(err, os.ErrExist) {
				return nil, fmt.Errorf("failed to create symlink %s -> %s: %w", target, hdr.Linkname, err)
			}
			mtime := unix.NsecToTimeval(hdr.ModTime.UnixNano())
			if err := unix.Lutimes(target, []unix.Timeval{mtime, mtime}); err != nil {
				debugf(w, "Warning: failed to set times for symlink %s: %v\n", target, err)
			}
		case tar.TypeLink:
			_ = os.Remove(target)
			if err := os.Link(filepath.Join(dest, hdr.Linkname), target); err != nil {
				return nil, fmt.Errorf("failed to create hard link %s -> %s: %w", target, hdr.Linkname, err)
			}
		default:
			debugf(w, "Skipping unsupported tar entry type %c: %s\n", hdr.Typeflag, hdr.Name)
			continue
		}
		names = append(names, hdr.Name)
	}
	return names, nil
}

// locateEntryPoint picks the build tree among the extracted member paths:
// the directory holding a file named configure. Nested configure scripts
// (bundled sub-projects) lose against the shallowest one; two candidates at
// the same depth are ambiguous.
func locateEntryPoint(dest string, names []string) (string, error) {
	var best []string
	bestDepth := -1
	for _, name := range names {
		if strings.HasSuffix(name, "/") {
			continue
		}
		clean := path.Clean(strings.TrimPrefix(name, "./"))
		if path.Base(clean) != EntryPointName {
			continue
		}
		dir := path.Dir(clean)
		depth := 0
		if dir != "." {
			depth = strings.Count(dir, "/") + 1
		}
		switch {
		case bestDepth == -1 || depth < bestDepth:
			best = []string{dir}
			bestDepth = depth
		case depth == bestDepth && !slices.Contains(best, dir):
			best = append(best, dir)
		}
	}

	switch len(best) {
	case 0:
		return "", fmt.Errorf("no %s script found in archive", EntryPointName)
	case 1:
		return filepath.Abs(filepath.Join(dest, filepath.FromSlash(best[0])))
	default:
		return "", fmt.Errorf("ambiguous build tree: %s found in %s", EntryPointName, strings.Join(best, ", "))
	}
}
