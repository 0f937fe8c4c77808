package pkgbatch

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/require"
)

// makeTarGz builds a gzip compressed tar holding files (name -> content).
// Names ending in "/" become directories.
func makeTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := pgzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, name := range sortedKeys(files) {
		content := files[name]
		if strings.HasSuffix(name, "/") {
			require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeDir, Mode: 0o755}))
			continue
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o755,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// directories sort before their contents
	slices.Sort(keys)
	return keys
}

// exitErr returns a genuine *exec.ExitError carrying code.
func exitErr(t *testing.T, code int) error {
	t.Helper()
	err := exec.Command("sh", "-c", fmt.Sprintf("exit %d", code)).Run()
	var ee *exec.ExitError
	require.True(t, errors.As(err, &ee), "expected an exit error from sh")
	return err
}

// stepOf names the build step a driver command belongs to.
func stepOf(args []string) string {
	switch {
	case args[0] == "./configure":
		return "configure"
	case len(args) > 1 && args[len(args)-1] == "install":
		return "install"
	case len(args) > 1 && args[len(args)-1] == "uninstall":
		return "uninstall"
	default:
		return "build"
	}
}

type recordedCmd struct {
	Step string
	Args []string
	Dir  string
	Env  []string
}

// fakeRunner records commands instead of running them. A step listed in
// failOn fails with the given exit code.
type fakeRunner struct {
	t      *testing.T
	log    *[]recordedCmd
	failOn map[string]int
	// failAfter lets the Nth (1-based) matching call fail instead of the first.
	failAfter map[string]int
	seen      map[string]int
}

func newFakeRunner(t *testing.T, log *[]recordedCmd) *fakeRunner {
	return &fakeRunner{t: t, log: log, failOn: map[string]int{}, failAfter: map[string]int{}, seen: map[string]int{}}
}

func (f *fakeRunner) Run(cmd *exec.Cmd) error {
	s := stepOf(cmd.Args)
	*f.log = append(*f.log, recordedCmd{Step: s, Args: cmd.Args, Dir: cmd.Dir, Env: cmd.Env})
	f.seen[s]++
	code, ok := f.failOn[s]
	if !ok {
		return nil
	}
	if n, ok := f.failAfter[s]; ok && f.seen[s] != n {
		return nil
	}
	return exitErr(f.t, code)
}

func steps(log []recordedCmd) []string {
	out := make([]string, 0, len(log))
	for _, c := range log {
		out = append(out, c.Step)
	}
	return out
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}
