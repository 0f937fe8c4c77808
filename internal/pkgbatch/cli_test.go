package pkgbatch

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		want     RunConfig
		wantHelp bool
		wantErr  string
	}{
		{name: "install", args: []string{"install"}, want: RunConfig{Mode: ModeInstall}},
		{name: "uninstall", args: []string{"uninstall"}, want: RunConfig{Mode: ModeUninstall}},
		{
			name: "install with everything",
			args: []string{"-D", "install", "--docker", "/opt/lib/pkgconfig"},
			want: RunConfig{Mode: ModeInstall, ForceDownload: true, AllowRoot: true, PkgConfigPath: "/opt/lib/pkgconfig"},
		},
		{name: "short docker flag", args: []string{"uninstall", "-e"}, want: RunConfig{Mode: ModeUninstall, AllowRoot: true}},
		{name: "help wins", args: []string{"install", "-h", "uninstall", "uninstall"}, wantHelp: true},
		{name: "missing mode", args: []string{"-D"}, wantErr: "install or uninstall is required"},
		{name: "install twice", args: []string{"install", "install"}, wantErr: "mode given twice"},
		{name: "install and uninstall", args: []string{"install", "uninstall"}, wantErr: "mode given twice"},
		{name: "uninstall then install", args: []string{"uninstall", "install"}, wantErr: "mode given twice"},
		{name: "force with uninstall", args: []string{"uninstall", "-D"}, wantErr: "-D cannot be combined"},
		{name: "force before uninstall", args: []string{"-D", "uninstall"}, wantErr: "-D cannot be combined"},
		{name: "two pkg-config paths", args: []string{"install", "/a", "/b"}, wantErr: "already set"},
		{name: "version with a mode", args: []string{"install", "--version"}, wantErr: "--version takes no other arguments"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rc, help, err := parseArgs(tc.args)
			assert.Equal(t, tc.wantHelp, help)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				assert.Equal(t, 1, ExitCode(err))
				return
			}
			require.NoError(t, err)
			if !tc.wantHelp {
				assert.Equal(t, tc.want, rc)
			}
		})
	}
}

// harness wires run() to fakes: downloads come from archives, build steps
// are recorded instead of executed.
type harness struct {
	cacheDir string
	download *countingDownload
	log      []recordedCmd
	user     *fakeRunner
	root     *fakeRunner
	admin    *fakeRunner
	euid     int
	out      bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("PKGBATCH_CONFIG", filepath.Join(dir, "missing.conf"))
	t.Setenv("PKGBATCH_CACHE_DIR", filepath.Join(dir, "cache"))
	t.Setenv("PKG_CONFIG_PATH", "")
	t.Setenv("HOME", "/home/alice")

	h := &harness{cacheDir: filepath.Join(dir, "cache"), euid: 1000}
	h.user = newFakeRunner(t, &h.log)
	h.root = newFakeRunner(t, &h.log)
	h.admin = newFakeRunner(t, &h.log)
	return h
}

func (h *harness) run(input string, args ...string) int {
	h.out.Reset()
	return run(context.Background(), args, runEnv{
		Stdin:    strings.NewReader(input),
		Stdout:   &h.out,
		Policy:   fakePolicy(h.euid, nil, nil),
		Download: h.download.Fetch,
		User:     h.user,
		Root:     h.root,
		Admin:    h.admin,
	})
}

func TestRun_Help(t *testing.T) {
	h := newHarness(t)
	h.download = &countingDownload{}

	code := h.run("http://example.com/foo.tar.gz\n", "-h")
	assert.Equal(t, 0, code)
	assert.Contains(t, h.out.String(), "Usage:")
	assert.Empty(t, h.download.calls)
}

func TestRun_Version(t *testing.T) {
	h := newHarness(t)
	h.download = &countingDownload{}

	code := h.run("", "--version")
	assert.Equal(t, 0, code)
	assert.Contains(t, h.out.String(), "pkgbatch "+version)
	assert.Empty(t, h.log)
}

func TestRun_UsageErrorsProcessNothing(t *testing.T) {
	for _, args := range [][]string{
		{"install", "uninstall"},
		{"-D", "uninstall"},
		{"uninstall", "-D"},
		{"install", "/a", "/b"},
		{"install", "--version"},
		{},
	} {
		h := newHarness(t)
		h.download = &countingDownload{payload: fooArchive(t)}

		code := h.run("http://example.com/foo.tar.gz\n", args...)
		assert.Equal(t, 1, code, "args %v", args)
		assert.Contains(t, h.out.String(), "Usage:")
		assert.Empty(t, h.download.calls)
		assert.Empty(t, h.log)
	}
}

func TestRun_RootRefused(t *testing.T) {
	h := newHarness(t)
	h.euid = 0
	h.download = &countingDownload{payload: fooArchive(t)}

	code := h.run("http://example.com/foo.tar.gz\n", "install")
	assert.Equal(t, ExitRootRefused, code)
	assert.Empty(t, h.download.calls)
	assert.Empty(t, h.log)
	assert.NoDirExists(t, h.cacheDir)
}

func TestRun_RootAllowedWithDocker(t *testing.T) {
	h := newHarness(t)
	h.euid = 0
	h.download = &countingDownload{payload: fooArchive(t)}

	code := h.run("http://example.com/foo.tar.gz\n", "install", "--docker")
	assert.Equal(t, 0, code)
	assert.Contains(t, h.out.String(), "elevated mode")
	assert.Equal(t, []string{"configure", "build", "install"}, steps(h.log))
}

func TestRun_InstallThenRerun(t *testing.T) {
	h := newHarness(t)
	h.download = &countingDownload{payload: fooArchive(t)}
	input := "http://example.com/foo.tar.gz --with-bar\n"
	marker := filepath.Join(h.cacheDir, "foo-1.0", MarkerName)

	// first run: empty cache, nothing installed
	code := h.run(input, "install")
	require.Equal(t, 0, code, h.out.String())
	assert.Equal(t, []string{"http://example.com/foo.tar.gz"}, h.download.calls)
	assert.FileExists(t, filepath.Join(h.cacheDir, "foo.tar.gz"))
	assert.Equal(t, []string{"configure", "build", "install"}, steps(h.log))
	assert.Equal(t, []string{"./configure", "--with-bar"}, h.log[0].Args)
	assert.Equal(t, filepath.Join(h.cacheDir, "foo-1.0"), h.log[0].Dir)
	assert.Contains(t, h.log[0].Env, "PKG_CONFIG_PATH="+defaultPkgConfigPath)
	assert.FileExists(t, marker)

	// second run: cache hit and already installed
	h.log = nil
	code = h.run(input, "install")
	require.Equal(t, 0, code, h.out.String())
	assert.Len(t, h.download.calls, 1, "no second download")
	assert.Empty(t, h.log)
	assert.Contains(t, h.out.String(), "already installed")
	assert.FileExists(t, marker)

	// forced download fetches again but the tree is still marked installed
	code = h.run(input, "install", "-D")
	require.Equal(t, 0, code, h.out.String())
	assert.Len(t, h.download.calls, 2)
	assert.Empty(t, h.log)
}

func TestRun_PkgConfigOverride(t *testing.T) {
	h := newHarness(t)
	h.download = &countingDownload{payload: fooArchive(t)}

	code := h.run("http://example.com/foo.tar.gz\n", "install", "/opt/lib/pkgconfig")
	require.Equal(t, 0, code, h.out.String())
	assert.Contains(t, h.log[0].Env, "PKG_CONFIG_PATH=/opt/lib/pkgconfig")
}

func TestRun_SecondPackageConfigureFails(t *testing.T) {
	h := newHarness(t)
	h.download = &countingDownload{payloadFor: map[string][]byte{
		"foo.tar.gz": fooArchive(t),
		"bar.tar.gz": makeTarGz(t, map[string]string{"bar-2.0/": "", "bar-2.0/configure": "#!/bin/sh\n"}),
	}}
	h.user.failOn["configure"] = 9
	h.user.failAfter["configure"] = 2

	input := "http://example.com/foo.tar.gz\nhttp://example.com/bar.tar.gz --enable-x\nhttp://example.com/baz.tar.gz\n"
	code := h.run(input, "install")

	assert.Equal(t, 9, code)
	assert.Equal(t, []string{"configure", "build", "install", "configure"}, steps(h.log))
	assert.FileExists(t, filepath.Join(h.cacheDir, "foo-1.0", MarkerName))
	assert.NoFileExists(t, filepath.Join(h.cacheDir, "bar-2.0", MarkerName))
	assert.Len(t, h.download.calls, 2, "the third record is never fetched")
	assert.Contains(t, h.out.String(), "--enable-x")
}

func TestRun_FlatArchivesAreEachBuilt(t *testing.T) {
	h := newHarness(t)
	h.download = &countingDownload{payloadFor: map[string][]byte{
		"a.tar.gz": makeTarGz(t, map[string]string{"configure": "#!/bin/sh\n"}),
		"b.tar.gz": makeTarGz(t, map[string]string{"configure": "#!/bin/sh\n"}),
	}}

	code := h.run("http://example.com/a.tar.gz\nhttp://example.com/b.tar.gz\n", "install")
	require.Equal(t, 0, code, h.out.String())
	assert.Equal(t, []string{"configure", "build", "install", "configure", "build", "install"}, steps(h.log))
	assert.Equal(t, filepath.Join(h.cacheDir, "a"), h.log[0].Dir)
	assert.Equal(t, filepath.Join(h.cacheDir, "b"), h.log[3].Dir)
	assert.FileExists(t, filepath.Join(h.cacheDir, "a", MarkerName))
	assert.FileExists(t, filepath.Join(h.cacheDir, "b", MarkerName))
}

func TestRun_Uninstall(t *testing.T) {
	h := newHarness(t)
	h.download = &countingDownload{payload: fooArchive(t)}
	input := "http://example.com/foo.tar.gz\n"

	require.Equal(t, 0, h.run(input, "install"))
	marker := filepath.Join(h.cacheDir, "foo-1.0", MarkerName)
	require.FileExists(t, marker)

	h.log = nil
	code := h.run(input, "uninstall")
	require.Equal(t, 0, code, h.out.String())
	assert.Equal(t, []string{"uninstall"}, steps(h.log))
	assert.NoFileExists(t, marker)

	// uninstalling again still runs make uninstall
	h.log = nil
	require.Equal(t, 0, h.run(input, "uninstall"))
	assert.Equal(t, []string{"uninstall"}, steps(h.log))
}
