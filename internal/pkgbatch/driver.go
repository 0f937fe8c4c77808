package pkgbatch

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Driver runs the configure/make sequence for one build tree.
type Driver struct {
	User          Runner // configure and build
	Root          Runner // install, elevated unless already root
	Admin         Runner // uninstall, always through the privilege wrapper
	Make          string
	Jobs          int
	PkgConfigPath string
	Out           io.Writer
}

func (d *Driver) command(dir, name string, args ...string) *exec.Cmd {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "PKG_CONFIG_PATH="+d.PkgConfigPath)
	cmd.Stdout = d.Out
	return cmd
}

// markerPath is the installation marker inside a build tree.
func markerPath(dir string) string {
	return filepath.Join(dir, MarkerName)
}

func isInstalled(dir string) bool {
	_, err := os.Stat(markerPath(dir))
	return err == nil
}

// touchMarker creates the marker or refreshes its timestamps.
func touchMarker(dir string) error {
	p := markerPath(dir)
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write install marker %s: %w", p, err)
	}
	f.Close()
	now := time.Now()
	return os.Chtimes(p, now, now)
}

// Do drives one build tree in the given mode.
func (d *Driver) Do(mode Mode, t BuildTarget) error {
	if mode == ModeUninstall {
		return d.uninstall(t)
	}
	return d.install(t)
}

func (d *Driver) install(t BuildTarget) error {
	pkg := filepath.Base(t.Dir)

	if isInstalled(t.Dir) {
		step(d.Out, "%s is already installed\n", pkg)
		return touchMarker(t.Dir)
	}

	step(d.Out, "Configuring %s\n", pkg)
	configure := d.command(t.Dir, "./"+EntryPointName, t.ConfigureArgs...)
	if err := d.User.Run(configure); err != nil {
		fail(d.Out, "Configure failed for %s with arguments: %s\n", pkg, strings.Join(t.ConfigureArgs, " "))
		return &StepError{Step: "configure", Package: pkg, Args: t.ConfigureArgs, Err: err}
	}

	step(d.Out, "Building %s\n", pkg)
	var makeArgs []string
	if d.Jobs > 0 {
		makeArgs = append(makeArgs, fmt.Sprintf("-j%d", d.Jobs))
	}
	if err := d.User.Run(d.command(t.Dir, d.Make, makeArgs...)); err != nil {
		fail(d.Out, "Build failed for %s\n", pkg)
		return &StepError{Step: "build", Package: pkg, Err: err}
	}

	step(d.Out, "Installing %s\n", pkg)
	if err := d.Root.Run(d.command(t.Dir, d.Make, "install")); err != nil {
		fail(d.Out, "Install failed for %s\n", pkg)
		return &StepError{Step: "install", Package: pkg, Err: err}
	}

	if err := touchMarker(t.Dir); err != nil {
		return err
	}
	step(d.Out, "%s installed successfully\n", pkg)
	return nil
}

func (d *Driver) uninstall(t BuildTarget) error {
	pkg := filepath.Base(t.Dir)

	step(d.Out, "Uninstalling %s\n", pkg)
	if err := d.Admin.Run(d.command(t.Dir, d.Make, "uninstall")); err != nil {
		fail(d.Out, "Uninstall failed for %s\n", pkg)
		return &StepError{Step: "uninstall", Package: pkg, Err: err}
	}

	if err := os.Remove(markerPath(t.Dir)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove install marker: %w", err)
	}
	step(d.Out, "%s uninstalled successfully\n", pkg)
	return nil
}
