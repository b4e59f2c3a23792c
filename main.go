package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/config"
	"github.com/peterje/ptyhost/internal/logging"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	cfg *config.Config
	log *zap.Logger

	logLevel string
	url      string
	insecure bool
}

func main() {
	a := &app{}
	if err := a.rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ptyhost:", err)
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ptyhost",
		Short: "Persistent terminals that survive disconnects and pty host crashes",
		Long: `ptyhost keeps terminals alive in a separate pty host process.

"ptyhost serve" supervises the pty host and serves workbenches over a unix
socket and a websocket. The remaining commands are a small workbench that
lists, creates and attaches to terminals.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				a.log.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override PTYHOST_LOGGING_LEVEL")

	root.AddCommand(
		a.serveCmd(),
		a.hostCmd(),
		a.lsCmd(),
		a.newCmd(),
		a.attachCmd(),
		a.restartCmd(),
		a.settingsCmd(),
	)
	return root
}

func (a *app) setup() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	a.cfg, a.log = cfg, log
	return nil
}
