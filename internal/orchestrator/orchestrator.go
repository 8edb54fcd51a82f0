// Package orchestrator drives one access point run through its
// lifecycle: persist rendered files, apply network state, launch the
// services in dependency order, wait, and tear everything down in
// reverse exactly once.
//
// All state changes happen on the goroutine that calls Start, Wait and
// Shutdown.  Per-service monitor goroutines only report unexpected
// exits through a one-slot trigger channel.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"firmhack/config"
	ferrors "firmhack/internal/errors"
	"firmhack/internal/metrics"
	"firmhack/internal/netstate"
	"firmhack/internal/supervisor"
	"firmhack/render"
	"firmhack/util"
)

// Network applies and reverts host network state.
type Network interface {
	Apply(ctx context.Context, cfg *config.Config) (*netstate.Token, error)
	Revert(tok *netstate.Token) error
}

// Supervisor launches and terminates services.
type Supervisor interface {
	Launch(ctx context.Context, spec supervisor.ServiceSpec) (*supervisor.RunningService, error)
	TerminateAll(services []*supervisor.RunningService) []error
}

// Options wires an Orchestrator.  Files and Services default to
// render.Files and Plan for Config.
type Options struct {
	Config     *config.Config
	Files      []render.File
	Services   []supervisor.ServiceSpec
	Network    Network
	Supervisor Supervisor
	Logger     *util.Logger
	Metrics    *metrics.Collector
}

// Orchestrator owns the run.  It is single-use: once Stopped it cannot
// be started again.
type Orchestrator struct {
	cfg      *config.Config
	files    []render.File
	services []supervisor.ServiceSpec
	network  Network
	sup      Supervisor
	logger   *util.Logger
	metrics  *metrics.Collector

	state   atomic.Int32
	token   *netstate.Token
	running []*supervisor.RunningService
	primary *supervisor.RunningService

	// trigger carries the first unexpected dependency exit.
	trigger chan error

	shutdownOnce sync.Once
	teardownErrs []error
}

// New validates opts and returns an Idle orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil || opts.Network == nil || opts.Supervisor == nil || opts.Logger == nil {
		return nil, fmt.Errorf("orchestrator: config, network, supervisor and logger are required")
	}
	files := opts.Files
	if files == nil {
		var err error
		if files, err = render.Files(opts.Config); err != nil {
			return nil, err
		}
	}
	services := opts.Services
	if services == nil {
		services = Plan(opts.Config)
	}

	primaries := 0
	for _, s := range services {
		if s.Primary {
			primaries++
		}
	}
	if primaries != 1 {
		return nil, fmt.Errorf("orchestrator: need exactly one primary service, have %d", primaries)
	}

	return &Orchestrator{
		cfg:      opts.Config,
		files:    files,
		services: services,
		network:  opts.Network,
		sup:      opts.Supervisor,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		trigger:  make(chan error, 1),
	}, nil
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

// Token returns the network state token recorded by Apply, or nil.
func (o *Orchestrator) Token() *netstate.Token { return o.token }

// TeardownErrors returns the errors collected during Shutdown.
func (o *Orchestrator) TeardownErrors() []error { return o.teardownErrs }

func (o *Orchestrator) setState(s State) {
	prev := State(o.state.Swap(int32(s)))
	o.logger.Info("state: %s -> %s", prev, s)
	o.metrics.RecordState(s.String())
}

// Run starts the orchestrator and waits for the run to end.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}
	return o.Wait(ctx)
}

// Start moves Idle -> Provisioning -> Running.  Any failure, including
// cancellation of ctx, unwinds whatever was done, leaves the
// orchestrator Stopped and returns the first fatal error.  Cancellation
// is reported as ErrInterrupted.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.state.CompareAndSwap(int32(Idle), int32(Provisioning)) {
		return ferrors.ErrAlreadyStarted
	}
	o.logger.Info("state: %s -> %s", Idle, Provisioning)
	o.metrics.RecordState(Provisioning.String())

	if err := o.provision(ctx); err != nil {
		o.logger.Error("startup failed: %v", err)
		o.metrics.RecordError(err.Error())
		o.Shutdown()
		return err
	}
	o.setState(Running)
	return nil
}

func (o *Orchestrator) provision(ctx context.Context) error {
	if err := o.persist(); err != nil {
		return err
	}

	// Services that do not depend on the network go first.
	for _, spec := range o.services {
		if !spec.RequiresNetwork {
			if err := o.launch(ctx, spec); err != nil {
				return err
			}
		}
	}

	if err := o.checkpoint(ctx); err != nil {
		return err
	}
	tok, err := o.network.Apply(ctx, o.cfg)
	o.token = tok
	if err != nil {
		// Apply stops at a step boundary once ctx is cancelled.
		if cerr := o.checkpoint(ctx); cerr != nil && ctx.Err() != nil {
			return cerr
		}
		return err
	}

	for _, spec := range o.services {
		if spec.RequiresNetwork {
			if err := o.launch(ctx, spec); err != nil {
				return err
			}
		}
	}
	return o.checkpoint(ctx)
}

// checkpoint fails when ctx was cancelled or a dependency already died.
func (o *Orchestrator) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w before running: %v", ferrors.ErrInterrupted, context.Cause(ctx))
	}
	select {
	case err := <-o.trigger:
		return err
	default:
		return nil
	}
}

func (o *Orchestrator) launch(ctx context.Context, spec supervisor.ServiceSpec) error {
	if err := o.checkpoint(ctx); err != nil {
		return err
	}
	svc, err := o.sup.Launch(ctx, spec)
	if err != nil {
		return err
	}
	o.running = append(o.running, svc)
	if spec.Primary {
		o.primary = svc
	} else {
		go o.watch(svc)
	}
	return nil
}

// watch reports an unexpected exit of a dependency.  Only the first
// report is kept.
func (o *Orchestrator) watch(svc *supervisor.RunningService) {
	<-svc.Done()
	if svc.Terminating() {
		return
	}
	select {
	case o.trigger <- svc.Unexpected():
	default:
	}
}

// persist writes every rendered file under the working directory.
func (o *Orchestrator) persist() error {
	if err := os.MkdirAll(o.cfg.General.Workdir, 0o755); err != nil {
		return fmt.Errorf("create workdir: %w", err)
	}
	for _, f := range o.files {
		if err := os.WriteFile(f.Path, []byte(f.Content), f.Mode); err != nil {
			return fmt.Errorf("write %s: %w", f.Path, err)
		}
		o.logger.Verbose("wrote %s", f.Path)
	}
	return nil
}

// Wait blocks while Running until the primary exits, ctx is cancelled
// or a dependency dies, then shuts down.  It returns nil for an
// operator interrupt or a clean primary exit, and the triggering error
// otherwise.
func (o *Orchestrator) Wait(ctx context.Context) error {
	if o.State() != Running {
		return ferrors.ErrNotRunning
	}

	var cause error
	select {
	case <-o.primary.Done():
		if err := o.primary.Err(); err != nil {
			cause = o.primary.Unexpected()
			o.logger.Error("%v", cause)
		} else {
			o.logger.Info("%s exited", o.primary.Spec.Name)
		}
	case <-ctx.Done():
		o.logger.Info("interrupt received, shutting down")
	case err := <-o.trigger:
		cause = err
		o.logger.Error("%v", err)
	}
	if cause != nil {
		o.metrics.RecordError(cause.Error())
	}

	o.Shutdown()
	return cause
}

// Shutdown terminates every launched service in reverse order, then
// reverts the network state.  It runs once; later calls return
// immediately.  Teardown errors are logged, never returned.
func (o *Orchestrator) Shutdown() {
	o.shutdownOnce.Do(func() {
		o.setState(ShuttingDown)

		errs := o.sup.TerminateAll(o.running)
		if err := o.network.Revert(o.token); err != nil {
			o.logger.Error("network revert: %v", err)
			errs = append(errs, err)
		}
		o.teardownErrs = errs
		if len(errs) > 0 {
			o.logger.Warn("teardown finished with %d error(s)", len(errs))
		}

		o.setState(Stopped)
		o.logger.Verbose("run metrics:\n%s", o.metrics.JSON())
	})
}
