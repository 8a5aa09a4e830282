package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"qcselect/internal/config"
	"qcselect/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string
	timeout    time.Duration

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "qcselect",
		Short: "qcselect - quantum implementation and resource selection",
		Long: `qcselect decides which implementations of a quantum algorithm can run for
given input parameters, and on which execution resources (QPUs).

Implementations and resources live in a SQLite catalog. Every change is
mirrored into Mangle (Datalog) fact files, and selection is answered by
querying the resulting knowledge base.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config %s: %w", configPath, err)
			}

			opts := cfg.Logging.Options()
			if verbose {
				opts.Level = "debug"
			}
			if err := logging.Initialize(opts); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			logger = logging.Base()
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.Sync()
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "qcselect.yaml", "Configuration file")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Operation timeout")

	rootCmd.AddCommand(
		newSelectCmd(),
		newExecuteCmd(),
		newImplementationCmd(),
		newResourceCmd(),
		newKBCmd(),
		newWatchCmd(),
		newConfigCmd(),
	)
	return rootCmd
}

// commandContext derives the operation context from the command, bounded by --timeout.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	baseCtx := cmd.Context()
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if timeout <= 0 {
		return context.WithCancel(baseCtx)
	}
	return context.WithTimeout(baseCtx, timeout)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}
