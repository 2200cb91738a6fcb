package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap/zapcore"

	"github.com/genricoloni/mprisence/internal/config"
)

var globalOpts struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   config.AppName,
		Short: "Show the media playing in MPRIS players as Discord rich presence",
		Long: `mprisence watches MPRIS media players on the session bus and publishes
the one currently playing as a Discord "Listening to" activity.`,
		Version:       config.AppVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDaemon,
	}

	root.PersistentFlags().StringVarP(&globalOpts.configPath, "config", "c", "", "config file (default $XDG_CONFIG_HOME/mprisence/config.toml)")
	root.PersistentFlags().StringVar(&globalOpts.logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	root.AddCommand(newConfigCmd(), newVersionCmd())
	return root
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, err := config.ToTOML(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", config.AppName, config.AppVersion)
		},
	}
}

// loadConfig loads the configuration and applies command line overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(globalOpts.configPath)
	if err != nil {
		return nil, err
	}
	if globalOpts.logLevel != "" {
		level, err := zapcore.ParseLevel(globalOpts.logLevel)
		if err != nil {
			return nil, &config.ConfigError{Field: "log-level", Err: err}
		}
		cfg.LogLevel = level
	}
	return cfg, nil
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	app := fx.New(appOptions(cfg))
	if err := app.Err(); err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}

	// Handle graceful shutdown
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	startCtx, startCancel := context.WithTimeout(ctx, app.StartTimeout())
	defer startCancel()
	if err := app.Start(startCtx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	exitCode := 0
	select {
	case <-ctx.Done():
	case sig := <-app.Wait():
		exitCode = sig.ExitCode
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), app.StopTimeout())
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		return fmt.Errorf("failed to stop gracefully: %w", err)
	}

	if exitCode != 0 {
		return fmt.Errorf("stopped after a fatal error (exit code %d)", exitCode)
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
