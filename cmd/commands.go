package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/angeloszaimis/upstream-pool/config"
	"github.com/angeloszaimis/upstream-pool/pkg/logger"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "upstream-pool",
		Short: "HTTP reverse proxy with pooled keep-alive connections to its backends",
		Long: `upstream-pool accepts HTTP requests, picks a healthy backend with the configured
strategy and forwards each request over a pooled connection to that backend.
Without a subcommand it runs the proxy.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configFile)
		},
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default ./config/config.yaml or ./config.yaml)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the proxy",
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(cmd.Context(), configFile)
			},
		},
		&cobra.Command{
			Use:   "check-config",
			Short: "Load and validate the configuration, then exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.NewLoader(discardLogger(), config.WithConfigFile(configFile)).Load()
				if err != nil {
					return fmt.Errorf("invalid configuration: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "configuration OK: %d backend(s), strategy %s\n",
					len(cfg.Backends), cfg.Strategy.Type)
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "upstream-pool version %s\n", version)
			},
		},
	)

	return root
}

func serve(parent context.Context, configFile string) error {
	if parent == nil {
		parent = context.Background()
	}

	loader := config.NewLoader(nil, config.WithConfigFile(configFile))
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	level := new(slog.LevelVar)
	level.Set(logger.ParseLevel(cfg.Logging.Level))
	log := logger.NewWithLevel(os.Stdout, level, true, cfg.Server.Environment)

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(cfg, log, level)
	if err != nil {
		return err
	}

	front, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Address, err)
	}
	admin, err := net.Listen("tcp", cfg.Server.AdminAddress)
	if err != nil {
		front.Close()
		return fmt.Errorf("listen on %s: %w", cfg.Server.AdminAddress, err)
	}

	loader.Watch(a.reload)

	log.Info("Proxy started",
		slog.String("address", front.Addr().String()),
		slog.String("admin_address", admin.Addr().String()),
		slog.String("strategy", cfg.Strategy.Type),
		slog.Int("backends", len(cfg.Backends)))

	if err := a.run(ctx, front, admin); err != nil {
		log.Error("Proxy stopped with error", slog.Any("err", err))
		return err
	}

	log.Info("Shut down gracefully")
	return nil
}
