package pkgbatch

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Cache is the on-disk directory holding downloaded archives, keyed by the
// last path segment of their source URL. Extracted trees live beside them.
type Cache struct {
	Dir string
}

// Init creates the cache directory if it does not exist yet.
func (c *Cache) Init() error {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory %s: %w", c.Dir, err)
	}
	return nil
}

// archiveName derives the cache file name from a source URL. Query strings
// and fragments are not part of the name.
func archiveName(rawURL string) (string, error) {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Scheme != "" {
		p = u.Path
	}
	name := path.Base(p)
	if name == "." || name == "/" || name == "" {
		return "", fmt.Errorf("cannot derive an archive name from %q", rawURL)
	}
	return name, nil
}

// Path returns the cache location of name.
func (c *Cache) Path(name string) string {
	return filepath.Join(c.Dir, name)
}

// Has reports whether name is already cached.
func (c *Cache) Has(name string) bool {
	info, err := os.Stat(c.Path(name))
	return err == nil && info.Mode().IsRegular()
}

// Remove deletes a cached archive. A missing entry is not an error.
func (c *Cache) Remove(name string) error {
	if err := os.Remove(c.Path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove cached %s: %w", name, err)
	}
	return nil
}

// Lock takes an exclusive lock for name, blocking until other pkgbatch
// processes sharing the cache release it. The returned func unlocks.
func (c *Cache) Lock(name string) (func(), error) {
	lockPath := c.Path(name) + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to acquire lock for %s: %w", name, err)
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
