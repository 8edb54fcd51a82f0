// Package supervisor starts, watches and stops the long-running external
// services of an access point run (DHCP/DNS responder, interception
// proxy, AP daemon).
//
// Each launched process runs in its own process group with one monitor
// goroutine that records its exit.  Monitors never touch supervisor
// state; callers observe exits through [RunningService.Done].
package supervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	ferrors "firmhack/internal/errors"
	"firmhack/internal/metrics"
	"firmhack/internal/retry"
	"firmhack/util"
)

// Default timings.
const (
	DefaultGrace    = 5 * time.Second
	DefaultKillWait = 2 * time.Second
	DefaultSettle   = 500 * time.Millisecond
)

// ServiceSpec describes one external service.
type ServiceSpec struct {
	Name    string
	Path    string   // executable name or path, resolved with exec.LookPath
	Args    []string
	Env     []string // extra KEY=VALUE pairs appended to the environment
	Dir     string
	LogPath string // stdout and stderr are appended here; empty discards

	// Primary marks the AP service.  Its exit ends the run.
	Primary bool

	// RequiresNetwork services are launched only after the network
	// state has been applied.
	RequiresNetwork bool

	// ReadyAddr, when set, is a TCP address the service must accept
	// connections on before Launch returns.
	ReadyAddr string
}

// Options tunes termination and startup checks.  Zero values select
// the defaults; a negative Settle disables the startup check.
type Options struct {
	Grace    time.Duration // SIGTERM to SIGKILL
	KillWait time.Duration // SIGKILL to giving up
	Settle   time.Duration // how long a fresh process must survive
	Ready    *retry.Backoff // ReadyAddr polling; nil uses retry.DefaultBackoff
}

// Supervisor launches and terminates services.  It holds no list of its
// own; the caller owns the running set.
type Supervisor struct {
	logger  *util.Logger
	metrics *metrics.Collector
	opts    Options
}

// New creates a Supervisor.  The metrics collector may be nil.
func New(logger *util.Logger, m *metrics.Collector, opts Options) *Supervisor {
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.KillWait <= 0 {
		opts.KillWait = DefaultKillWait
	}
	if opts.Settle == 0 {
		opts.Settle = DefaultSettle
	}
	if opts.Ready == nil {
		opts.Ready = retry.DefaultBackoff()
	}
	return &Supervisor{logger: logger, metrics: m, opts: opts}
}

// RunningService is a launched process.
type RunningService struct {
	Spec    ServiceSpec
	PID     int
	Started time.Time

	cmd         *exec.Cmd
	done        chan struct{}
	err         error // exit error, valid once done is closed
	terminating atomic.Bool

	stopOnce sync.Once
	stopErr  error
}

// Done is closed when the process has exited and been reaped.
func (r *RunningService) Done() <-chan struct{} { return r.done }

// Exited reports whether the process has exited.
func (r *RunningService) Exited() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Terminating reports whether termination was requested.  An exit
// observed while Terminating is false is unexpected.
func (r *RunningService) Terminating() bool { return r.terminating.Load() }

// Err returns the exit error (nil on status 0).  Only meaningful once
// Done is closed.
func (r *RunningService) Err() error { return r.err }

// ExitCode returns the exit status, or -1 while still running or when
// killed by a signal.
func (r *RunningService) ExitCode() int {
	if !r.Exited() || r.cmd.ProcessState == nil {
		return -1
	}
	return r.cmd.ProcessState.ExitCode()
}

// Unexpected wraps the exit as an UnexpectedExit error.
func (r *RunningService) Unexpected() error {
	err := r.err
	if err == nil {
		err = fmt.Errorf("exit status 0")
	}
	return &ferrors.UnexpectedExit{Service: r.Spec.Name, PID: r.PID, Err: err}
}

func (r *RunningService) String() string {
	return fmt.Sprintf("%s[%d]", r.Spec.Name, r.PID)
}

// Launch starts spec.  A missing executable, an unwritable log file or a
// process that dies within the settle delay is a LaunchError.
func (s *Supervisor) Launch(ctx context.Context, spec ServiceSpec) (*RunningService, error) {
	path, err := exec.LookPath(spec.Path)
	if err != nil {
		return nil, &ferrors.LaunchError{Service: spec.Name, Path: spec.Path, Err: err}
	}

	var logFile *os.File
	if spec.LogPath != "" {
		logFile, err = os.OpenFile(spec.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, &ferrors.LaunchError{Service: spec.Name, Path: path, Err: err}
		}
	}

	// Not CommandContext: cancellation must not kill services out of
	// teardown order.
	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	if logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	s.logger.Info("launch: %s", util.CommandLine(path, spec.Args...))
	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, &ferrors.LaunchError{Service: spec.Name, Path: path, Err: err}
	}

	svc := &RunningService{
		Spec:    spec,
		PID:     cmd.Process.Pid,
		Started: time.Now(),
		cmd:     cmd,
		done:    make(chan struct{}),
	}
	s.metrics.ServiceLaunched()
	go s.monitor(svc, logFile)

	if s.opts.Settle > 0 {
		select {
		case <-svc.done:
			return nil, &ferrors.LaunchError{
				Service: spec.Name,
				Path:    path,
				Err:     fmt.Errorf("exited during startup: %v", exitReason(svc.err)),
			}
		case <-time.After(s.opts.Settle):
		case <-ctx.Done():
			// The caller checks ctx next and tears svc down in order.
		}
	}

	if spec.ReadyAddr != "" && ctx.Err() == nil {
		if err := s.awaitReady(ctx, svc); err != nil {
			if ctx.Err() != nil {
				return svc, nil
			}
			// Not handed to the caller, so stop it here.
			s.Terminate(svc)
			return nil, &ferrors.LaunchError{Service: spec.Name, Path: path, Err: err}
		}
	}

	s.logger.Info("%s started (pid %d), log: %s", spec.Name, svc.PID, logName(spec.LogPath))
	return svc, nil
}

// awaitReady polls svc's ReadyAddr until it accepts a connection.
func (s *Supervisor) awaitReady(ctx context.Context, svc *RunningService) error {
	addr := svc.Spec.ReadyAddr
	s.logger.Verbose("waiting for %s to listen on %s", svc, addr)
	err := s.opts.Ready.Until(ctx, func() error {
		if svc.Exited() {
			return retry.Permanent(fmt.Errorf("exited before listening on %s: %s", addr, exitReason(svc.err)))
		}
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err != nil {
			return err
		}
		conn.Close()
		return nil
	})
	if err != nil {
		return fmt.Errorf("not ready: %w", err)
	}
	return nil
}

func (s *Supervisor) monitor(svc *RunningService, logFile *os.File) {
	err := svc.cmd.Wait()
	if logFile != nil {
		logFile.Close()
	}
	svc.err = err
	s.metrics.ServiceExited()
	if svc.Terminating() {
		s.logger.Verbose("%s exited: %s", svc, exitReason(err))
	} else {
		s.metrics.UnexpectedExit()
		s.logger.Warn("%s exited unexpectedly: %s", svc, exitReason(err))
	}
	close(svc.done)
}

// Wait blocks until svc exits or ctx is done, and returns the exit
// error.
func (s *Supervisor) Wait(ctx context.Context, svc *RunningService) error {
	select {
	case <-svc.done:
		return svc.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Terminate stops svc: SIGTERM to its process group, SIGKILL after the
// grace period, and a TerminationError if it still has not exited after
// the kill wait.  It never blocks longer than Grace+KillWait.  Calling
// it again returns the first result without signalling.
func (s *Supervisor) Terminate(svc *RunningService) error {
	svc.stopOnce.Do(func() {
		svc.terminating.Store(true)
		svc.stopErr = s.terminate(svc)
		if svc.stopErr != nil {
			s.metrics.TerminationError()
		}
	})
	return svc.stopErr
}

func (s *Supervisor) terminate(svc *RunningService) error {
	if svc.Exited() {
		s.logger.Verbose("%s already exited", svc)
		return nil
	}

	s.logger.Info("stopping %s", svc)
	if err := signalGroup(svc.PID, unix.SIGTERM); err != nil {
		s.logger.Debug("SIGTERM %s: %v", svc, err)
	}
	select {
	case <-svc.done:
		return nil
	case <-time.After(s.opts.Grace):
	}

	s.logger.Warn("%s ignored SIGTERM for %s, killing", svc, s.opts.Grace)
	if err := signalGroup(svc.PID, unix.SIGKILL); err != nil {
		s.logger.Debug("SIGKILL %s: %v", svc, err)
	}
	select {
	case <-svc.done:
		return nil
	case <-time.After(s.opts.KillWait):
		return &ferrors.TerminationError{
			Service: svc.Spec.Name,
			PID:     svc.PID,
			After:   s.opts.Grace + s.opts.KillWait,
			Err:     ferrors.ErrTimeout,
		}
	}
}

// TerminateAll terminates services in reverse order and returns every
// error.  Nil entries are skipped, so a partially filled slice from an
// aborted startup is fine.
func (s *Supervisor) TerminateAll(services []*RunningService) []error {
	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		if services[i] == nil {
			continue
		}
		if err := s.Terminate(services[i]); err != nil {
			s.logger.Error("%v", err)
			errs = append(errs, err)
		}
	}
	return errs
}

// signalGroup signals the process group led by pid, falling back to the
// process alone when the group is already gone.
func signalGroup(pid int, sig unix.Signal) error {
	if err := unix.Kill(-pid, sig); err != nil {
		if err == unix.ESRCH {
			return unix.Kill(pid, sig)
		}
		return err
	}
	return nil
}

func exitReason(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

func logName(path string) string {
	if path == "" {
		return "discarded"
	}
	return path
}
