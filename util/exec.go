package util

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// killWait bounds how long Run waits for output after a cancelled
// command has been killed.
const killWait = time.Second

// Runner executes short-lived external commands (ip, iptables, sysctl,
// service) and returns their combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands with os/exec and logs every invocation.
type ExecRunner struct {
	Logger *Logger
}

// NewExecRunner returns a Runner backed by os/exec.
func NewExecRunner(logger *Logger) *ExecRunner {
	return &ExecRunner{Logger: logger}
}

// Run executes name with args and returns trimmed combined output.  A
// non-zero exit status is returned as an error that includes the output.
// When ctx ends the command's whole process group is killed, so helper
// children do not outlive it.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = killWait
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	line := CommandLine(name, args...)
	if r.Logger != nil {
		r.Logger.Info("run: %s", line)
	}

	err := cmd.Run()
	text := strings.TrimSpace(out.String())
	if err != nil {
		if r.Logger != nil {
			r.Logger.Debug("run: %s failed: %v", line, err)
		}
		if text != "" {
			return text, fmt.Errorf("%s: %w: %s", line, err, text)
		}
		return text, fmt.Errorf("%s: %w", line, err)
	}
	return text, nil
}

// CommandLine renders name and args as a single shell-like string for
// logging.
func CommandLine(name string, args ...string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}
