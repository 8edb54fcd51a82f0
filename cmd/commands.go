package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"firmhack/config"
	"firmhack/internal/metrics"
	"firmhack/internal/netstate"
	"firmhack/internal/orchestrator"
	"firmhack/internal/supervisor"
	"firmhack/render"
	"firmhack/util"
)

// ── run ──────────────────────────────────────────────────────────────

func newRunCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the access point and block until it stops",
		Long: `Render every config file, apply interface addressing and firewall
rules, then launch dnsmasq, the interception proxy and hostapd-mana in
that order.  The run ends when hostapd-mana exits, a service dies or
the operator interrupts; teardown always runs in reverse.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			return run(cmd, opts.logger, cfg)
		},
	}
}

func run(cmd *cobra.Command, logger *util.Logger, cfg *config.Config) error {
	logFile, err := attachRunLog(logger, cfg)
	if err != nil {
		return err
	}
	defer func() {
		logger.SetSink(nil)
		logFile.Close()
	}()

	if unix.Geteuid() != 0 {
		logger.Warn("not running as root; network changes will likely fail")
	}
	if cfg.EffectiveProxyMode() == config.ProxyInternal && !util.TCPPortFree(cfg.Proxy.Port) {
		logger.Warn("proxy port %d is already in use", cfg.Proxy.Port)
	}
	logger.Info("firmhack %s: ssid=%q interface=%s upstream=%q proxy=%s",
		version, cfg.AP.Name, cfg.AP.Interface, cfg.General.Upstream, cfg.EffectiveProxyMode())

	mc := metrics.New()
	orch, err := orchestrator.New(orchestrator.Options{
		Config:     cfg,
		Network:    netstate.New(util.NewExecRunner(logger), logger, mc),
		Supervisor: supervisor.New(logger, mc, supervisor.Options{Grace: cfg.General.Grace.Duration}),
		Logger:     logger,
		Metrics:    mc,
	})
	if err != nil {
		return err
	}
	return orch.Run(cmd.Context())
}

// attachRunLog applies the configured verbosity to logger and tees it
// into the run log.
func attachRunLog(logger *util.Logger, cfg *config.Config) (*os.File, error) {
	f, err := openRunLog(cfg)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(cfg.General.Verbose)
	logger.SetSink(f)
	return f, nil
}

// openRunLog opens the lifecycle log in append mode.  A relative path
// is resolved inside the working directory.
func openRunLog(cfg *config.Config) (*os.File, error) {
	path := cfg.Proxy.LogFile
	if !filepath.IsAbs(path) {
		path = cfg.Path(path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	return f, nil
}

// ── render ───────────────────────────────────────────────────────────

func newRenderCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "render",
		Short: "Write every generated config file without touching the host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			files, err := render.Files(cfg)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.General.Workdir, 0o755); err != nil {
				return err
			}
			for _, f := range files {
				if err := os.WriteFile(f.Path, []byte(f.Content), f.Mode); err != nil {
					return fmt.Errorf("write %s: %w", f.Path, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), f.Path)
			}
			return nil
		},
	}
}

// ── plan ─────────────────────────────────────────────────────────────

func newPlanCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print the network steps and launch order for a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "network:")
			for _, step := range netstate.Plan(cfg) {
				fmt.Fprintf(out, "  %s\n", step)
			}
			fmt.Fprintln(out, "services:")
			for i, s := range orchestrator.Plan(cfg) {
				role := ""
				if s.Primary {
					role = " (primary)"
				}
				fmt.Fprintf(out, "  %d. %s%s: %s\n", i+1, s.Name, role, util.CommandLine(s.Path, s.Args...))
			}
			return nil
		},
	}
}
