package script

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Result captures the outcome of one command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Error    error // set when the command failed to start, was killed or exited non-zero
}

// Runner executes an operator command.
type Runner interface {
	// Run executes command with args available as positional parameters and
	// env appended to the process environment.
	Run(ctx context.Context, command string, env []string, args ...string) Result
}

// ShellRunner runs commands through a POSIX shell.
type ShellRunner struct {
	Shell string
}

func NewShellRunner(shell string) *ShellRunner {
	if shell == "" {
		shell = "/bin/sh"
	}
	return &ShellRunner{Shell: shell}
}

func (s *ShellRunner) Run(ctx context.Context, command string, env []string, args ...string) Result {
	start := time.Now()

	// $0 is the program name, the remaining args become $1..$n
	argv := append([]string{"-c", command, "failoverd"}, args...)
	cmd := exec.CommandContext(ctx, s.Shell, argv...)
	cmd.Env = append(os.Environ(), env...)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	// Own process group so a timeout kills the whole tree, not just the shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	err := cmd.Run()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	if ctx.Err() != nil {
		exitCode = -1
		err = ctx.Err()
	}

	return Result{
		ExitCode: exitCode,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: time.Since(start),
		Error:    err,
	}
}
