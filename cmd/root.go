// Package cmd wires the CLI commands and flags to the orchestrator.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"

	"firmhack/config"
	"firmhack/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X firmhack/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// options holds the persistent flags shared by every subcommand.
type options struct {
	configPath string
	verbose    int
	workdir    string
	grace      time.Duration

	// logger is shared with the signal handler so interrupts reach the
	// run log.
	logger *util.Logger
}

// Execute parses args and runs the selected command.  logger is the
// process logger; run reconfigures it from the loaded config.  The
// returned error maps to an exit status through errors.ExitCode.
func Execute(ctx context.Context, logger *util.Logger, args []string) error {
	return execute(ctx, logger, args, os.Stdout)
}

func execute(ctx context.Context, logger *util.Logger, args []string, out io.Writer) error {
	if logger == nil {
		logger = util.NewLogger(1)
	}
	root := newRootCmd(logger)
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(os.Stderr)
	return root.ExecuteContext(ctx)
}

func newRootCmd(logger *util.Logger) *cobra.Command {
	opts := &options{logger: logger}
	root := &cobra.Command{
		Use:   "firmhack",
		Short: "Rogue access point with traffic interception",
		Long: `firmhack stands up a hostapd-mana access point with a dnsmasq
DHCP/DNS responder and an interception proxy, applies the addressing
and NAT rules they need, and restores the host when the run ends.`,
		Version: version,
		// Errors are printed once by main with the exit status.
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.SetVersionTemplate(`{{printf "firmhack version %s\n" .Version}}`)

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "Config file (.json, .toml or .yaml)")
	pf.CountVarP(&opts.verbose, "verbose", "v", "Increase verbosity (repeatable)")
	pf.StringVar(&opts.workdir, "workdir", "", "Directory for generated files and logs")
	pf.DurationVar(&opts.grace, "grace", 0, "Grace period before a service is killed")

	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newRenderCmd(opts))
	root.AddCommand(newPlanCmd(opts))
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of firmhack",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "firmhack version %s\n", version)
		},
	}
}

// loadConfig loads the config file and environment, then applies any
// flags the operator set explicitly.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if err := applyFlags(cmd.Flags(), opts, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFlags overlays flags that were set on the command line; they
// take precedence over the file and the environment.
func applyFlags(flags *flag.FlagSet, opts *options, cfg *config.Config) error {
	changed := false
	if flags.Changed("workdir") {
		cfg.General.Workdir = opts.workdir
		changed = true
	}
	if flags.Changed("grace") {
		cfg.General.Grace = config.Duration{Duration: opts.grace}
		changed = true
	}
	if flags.Changed("verbose") {
		cfg.General.Verbose = opts.verbose + 1
	}
	if changed {
		return config.Finalize(cfg)
	}
	return nil
}
