package pkgbatch

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
	"golang.org/x/term"
)

// Mode selects what the run does to each package.
type Mode int

const (
	ModeUnset Mode = iota
	ModeInstall
	ModeUninstall
)

func (m Mode) String() string {
	switch m {
	case ModeInstall:
		return "install"
	case ModeUninstall:
		return "uninstall"
	}
	return "unset"
}

// RunConfig is resolved once from the command line and never changes during
// a run.
type RunConfig struct {
	Mode          Mode
	ForceDownload bool
	AllowRoot     bool
	PkgConfigPath string // empty until resolved when not given on the command line
}

func usageError(format string, a ...any) error {
	return &ExitError{Code: 1, Message: fmt.Sprintf(format, a...)}
}

// parseArgs reads the arguments left to right. help is true when -h was
// seen; parsing stops there.
func parseArgs(args []string) (rc RunConfig, help bool, err error) {
	pkgConfigSet := false
	for _, arg := range args {
		switch arg {
		case "-h":
			return rc, true, nil
		case "--version":
			return rc, false, usageError("--version takes no other arguments")
		case "--docker", "-e":
			rc.AllowRoot = true
		case "install", "uninstall":
			if rc.Mode != ModeUnset {
				return rc, false, usageError("mode given twice: %s after %s", arg, rc.Mode)
			}
			if arg == "install" {
				rc.Mode = ModeInstall
			} else {
				if rc.ForceDownload {
					return rc, false, usageError("-D cannot be combined with uninstall")
				}
				rc.Mode = ModeUninstall
			}
		case "-D":
			if rc.Mode == ModeUninstall {
				return rc, false, usageError("-D cannot be combined with uninstall")
			}
			rc.ForceDownload = true
		default:
			if pkgConfigSet {
				return rc, false, usageError("unexpected argument %q: PKG_CONFIG_PATH already set to %q", arg, rc.PkgConfigPath)
			}
			rc.PkgConfigPath = arg
			pkgConfigSet = true
		}
	}
	if rc.Mode == ModeUnset {
		return rc, false, usageError("one of install or uninstall is required")
	}
	return rc, false, nil
}

// printHelp prints usage information to w.
func printHelp(w io.Writer) {
	fmt.Fprintln(w, colSuccess.Sprint("Usage: pkgbatch install [-D] [--docker|-e] [PKG_CONFIG_PATH] < sources"))
	fmt.Fprintln(w, colSuccess.Sprint("       pkgbatch uninstall [--docker|-e] [PKG_CONFIG_PATH] < sources"))
	fmt.Fprintln(w, colSuccess.Sprint("       pkgbatch -h | --version"))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Reads one source per line from standard input: an archive URL followed by")
	fmt.Fprintln(w, "the arguments to pass to its configure script.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, colInfo.Sprint("Options:"))

	opts := [][2]string{
		{"install", "configure, build and install every package"},
		{"uninstall", "run make uninstall for every package"},
		{"-D", "download archives again even if cached (install only)"},
		{"--docker, -e", "allow running as root (containers)"},
		{"PKG_CONFIG_PATH", "search path exported to configure (default " + defaultPkgConfigPath + ")"},
		{"-h", "show this help"},
		{"--version", "print the version and exit"},
	}
	for _, o := range opts {
		pad := 18 - len(o[0])
		if pad < 1 {
			pad = 1
		}
		fmt.Fprint(w, "  ", color.Bold.Sprint(o[0]), strings.Repeat(" ", pad))
		fmt.Fprintln(w, o[1])
	}
	fmt.Fprintln(w)
}

// runEnv carries the process-level dependencies of a run. Zero values fall
// back to the real implementations.
type runEnv struct {
	Stdin    io.Reader
	Stdout   io.Writer
	Policy   privilegePolicy
	Download DownloadFunc
	User     Runner
	Root     Runner
	Admin    Runner
}

func configPath() string {
	if p := os.Getenv("PKGBATCH_CONFIG"); p != "" {
		return p
	}
	return ConfigFile
}

// run executes one invocation and returns the process exit status.
func run(ctx context.Context, args []string, env runEnv) int {
	out := env.Stdout

	if len(args) == 1 && args[0] == "--version" {
		fmt.Fprintln(out, colNote.Sprintf("pkgbatch %s (%s) built %s", version, arch, buildDate))
		return 0
	}

	rc, help, err := parseArgs(args)
	if help {
		printHelp(out)
		return 0
	}
	if err != nil {
		fail(out, "%v\n", err)
		printHelp(out)
		return ExitCode(err)
	}

	// Privileges are settled before anything touches the filesystem.
	id, err := env.Policy.apply(rc.AllowRoot, out)
	if err != nil {
		fail(out, "%v\n", err)
		return ExitCode(err)
	}
	if id.Elevated {
		warn(out, "Running as %s in elevated mode\n", id.Name)
	}
	step(out, "Acting as user %s (home %s)\n", id.Name, id.Home)

	cfg, err := loadConfig(configPath())
	if err != nil {
		warn(out, "Failed to read %s: %v\n", configPath(), err)
	}
	initConfig(cfg, id.Home)

	if rc.PkgConfigPath == "" {
		rc.PkgConfigPath = cfg.PkgConfigPath
	}
	if err := os.Setenv("PKG_CONFIG_PATH", rc.PkgConfigPath); err != nil {
		fail(out, "Failed to export PKG_CONFIG_PATH: %v\n", err)
		return 1
	}
	debugf(out, "PKG_CONFIG_PATH=%s\n", rc.PkgConfigPath)

	cache := &Cache{Dir: cfg.CacheDir}
	if err := cache.Init(); err != nil {
		fail(out, "%v\n", err)
		return ExitCode(err)
	}

	download := env.Download
	if download == nil {
		progress := false
		if f, ok := out.(*os.File); ok {
			progress = term.IsTerminal(int(f.Fd()))
		}
		download = newDownloader(out, progress, cfg.S3).Fetch
	}
	user, root, admin := env.User, env.Root, env.Admin
	if user == nil {
		user = NewExecutor(ctx, out)
	}
	if root == nil {
		e := NewExecutor(ctx, out)
		e.ShouldRunAsRoot = true
		root = e
	}
	if admin == nil {
		e := NewExecutor(ctx, out)
		e.ShouldRunAsRoot = true
		e.AlwaysElevate = true
		admin = e
	}

	orch := &Orchestrator{
		Config: rc,
		Fetcher: &Fetcher{
			Cache:         cache,
			ForceDownload: rc.ForceDownload,
			Download:      download,
			Out:           out,
		},
		Driver: &Driver{
			User:          user,
			Root:          root,
			Admin:         admin,
			Make:          cfg.Make,
			Jobs:          cfg.Jobs,
			PkgConfigPath: rc.PkgConfigPath,
			Out:           out,
		},
	}

	if err := orch.Run(ctx, env.Stdin); err != nil {
		fail(out, "Aborting: %v\n", err)
		return ExitCode(err)
	}
	return 0
}

// Main is the CLI entrypoint for cmd/pkgbatch.
func Main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.Enable = false
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			colArrow.Print("\n-> ")
			color.Danger.Printf("Received %v. Cancelling the current step\n", sig)
			cancel()
			select {
			case <-sigs:
				colArrow.Print("\n-> ")
				color.Danger.Println("Second interrupt received. Forcing immediate exit.")
				os.Exit(130)
			case <-time.After(5 * time.Second):
				os.Exit(130)
			}
		case <-ctx.Done():
		}
	}()

	code := run(ctx, os.Args[1:], runEnv{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Policy: defaultPrivilegePolicy(),
	})
	cancel()
	os.Exit(code)
}
