// Package cli provides the optrack command-line interface. The root command
// loads the configuration, wires the tracker, the refresh coordinator and
// the backend stream, and serves the HTTP API until interrupted.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"optrack.evalgo.org/common"
	"optrack.evalgo.org/config"
)

// cfgFile holds the path given with --config; empty searches the default locations
var cfgFile string

// logLevel overrides logging.level when set
var logLevel string

// RootCmd is the optrack entry point
var RootCmd = &cobra.Command{
	Use:   "optrack",
	Short: "Track long-running backend operations and keep fetched data fresh",
	Long: `optrack follows install, update and delete operations reported by a
backend over a WebSocket stream, keeps a live view and a short completion
history, and refreshes the backend's data set when it announces changes.

Configuration is read from config.yaml (., ./configs, ~/.optrack,
/etc/optrack), a .env file and OPTRACK_* environment variables.`,
	SilenceUsage: true,
	RunE:         runServer,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches config.yaml)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	RootCmd.AddCommand(serveCmd, versionCmd, issuesCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tracker and serve the HTTP API",
	RunE:  runServer,
}

// Execute runs the root command
func Execute() error {
	return RootCmd.Execute()
}

// loadConfig reads the configuration and applies it to the global logger
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(config.EnvPrefix, cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logCfg := common.DefaultLoggerConfig()
	logCfg.Level = common.LogLevel(cfg.Logging.Level)
	logCfg.Format = cfg.Logging.Format
	common.Configure(common.Logger, logCfg)
	return cfg, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg, common.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	if err := app.Start(ctx); err != nil {
		_ = app.Shutdown()
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- app.Serve()
	}()

	select {
	case <-ctx.Done():
		common.Logger.Info("Received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			_ = app.Shutdown()
			return err
		}
	}

	return app.Shutdown()
}
