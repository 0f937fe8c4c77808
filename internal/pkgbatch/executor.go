package pkgbatch

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Runner runs a prepared command to completion.
type Runner interface {
	Run(cmd *exec.Cmd) error
}

// Executor provides a consistent interface for executing commands,
// abstracting away the privilege escalation (sudo) logic.
type Executor struct {
	Context         context.Context // The context to use for cancellation
	ShouldRunAsRoot bool            // ShouldRunAsRoot specifies whether the command MUST be executed with root privileges.
	AlwaysElevate   bool            // AlwaysElevate wraps the command in sudo even when already root.
	Out             io.Writer       // destination for executor notices, defaults to stdout
}

func NewExecutor(ctx context.Context, w io.Writer) *Executor {
	return &Executor{Context: ctx, Out: w}
}

func (e *Executor) out() io.Writer {
	if e.Out == nil {
		return os.Stdout
	}
	return e.Out
}

// runInteractiveCommand executes a command attached to the TTY so that
// sudo can prompt for a password.
func runInteractiveCommand(ctx context.Context, name string, arg ...string) error {
	cmd := exec.CommandContext(ctx, name, arg...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// wrapsWithSudo reports whether the command has to go through sudo.
func (e *Executor) wrapsWithSudo() bool {
	if os.Geteuid() != 0 {
		return e.ShouldRunAsRoot || e.AlwaysElevate
	}
	if !e.AlwaysElevate {
		return false
	}
	// root inside a minimal container often has no sudo at all
	_, err := exec.LookPath("sudo")
	return err == nil
}

// ensureSudo checks if the sudo ticket is still valid and re-prompts if necessary.
func (e *Executor) ensureSudo() error {
	if os.Geteuid() == 0 || !e.wrapsWithSudo() {
		return nil
	}
	checkCmd := exec.CommandContext(e.Context, "sudo", "-nv")
	checkCmd.Stdout = io.Discard
	checkCmd.Stderr = io.Discard

	if err := checkCmd.Run(); err == nil {
		return nil
	}

	step(e.out(), "Sudo ticket has expired. Re-authenticating\n")
	if err := runInteractiveCommand(e.Context, "sudo", "-v"); err != nil {
		return fmt.Errorf("sudo re-authentication failed: %w", err)
	}
	step(e.out(), "Re-authenticated via sudo successfully.\n")
	return nil
}

// Run executes the given command, elevating via sudo -E only when needed.
// The child runs in its own process group so a cancelled context takes the
// whole build (make and its children) down with it. A nil cmd.Stdin stays
// nil (/dev/null): our stdin carries the source records.
func (e *Executor) Run(cmd *exec.Cmd) error {
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := e.ensureSudo(); err != nil {
		return err
	}

	var finalCmd *exec.Cmd
	basePath := cmd.Path
	baseArgs := cmd.Args[1:]

	if e.wrapsWithSudo() {
		args := append([]string{"-E", basePath}, baseArgs...)
		finalCmd = exec.CommandContext(e.Context, "sudo", args...)
	} else {
		finalCmd = exec.CommandContext(e.Context, basePath, baseArgs...)
	}
	finalCmd.Dir = cmd.Dir

	if len(cmd.Env) > 0 {
		finalCmd.Env = cmd.Env
	} else {
		finalCmd.Env = os.Environ()
	}

	finalCmd.Stdin = cmd.Stdin
	finalCmd.Stdout = cmd.Stdout
	finalCmd.Stderr = cmd.Stderr

	finalCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := finalCmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}

	pgid := finalCmd.Process.Pid
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-e.Context.Done():
			syscall.Kill(-pgid, syscall.SIGKILL)
		case <-done:
		}
	}()

	if waitErr := finalCmd.Wait(); waitErr != nil {
		if e.Context.Err() != nil {
			time.Sleep(100 * time.Millisecond)
			return fmt.Errorf("command aborted: %w", e.Context.Err())
		}
		return waitErr
	}
	return nil
}
