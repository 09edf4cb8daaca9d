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
	"golang.org/x/sync/errgroup"

	"github.com/maxpert/backupd/config"
	"github.com/maxpert/backupd/helper"
	"github.com/maxpert/backupd/metrics"
)

const (
	version         = "0.3.0"
	shutdownTimeout = 10 * time.Second
)

var (
	configFile string
	socketPath string

	rootCmd = &cobra.Command{
		Use:           "backup-helper",
		Short:         "Privileged helper that runs backup engine commands for backupd",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve,
	}
)

func init() {
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "configuration file (YAML); BACKUPD_* environment variables override it")
	rootCmd.Flags().StringVar(&socketPath, "socket", "", "override helper.socket_path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if socketPath != "" {
		cfg.Helper.SocketPath = socketPath
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace, nil)
	}

	serverConfig := helper.Config{Settings: cfg.Helper, Logger: logger}
	if collector != nil {
		serverConfig.Metrics = collector
	}
	server, err := helper.NewServer(serverConfig)
	if err != nil {
		return err
	}

	if cfg.Helper.PidFile != "" {
		if err := writePIDFile(cfg.Helper.PidFile); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer os.Remove(cfg.Helper.PidFile)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx)
	})

	if collector != nil {
		telemetry := metrics.NewServer(cfg.Metrics.Port, nil, nil)
		g.Go(func() error {
			logger.Info("Metrics server listening", zap.Int("port", telemetry.Port()))
			return telemetry.Start()
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return telemetry.Stop(shutdownCtx)
		})
	}

	logger.Info("backup-helper running",
		zap.String("version", version),
		zap.Int("pid", os.Getpid()),
		zap.Strings("allowed_executables", cfg.Helper.AllowedExecutables))

	return g.Wait()
}

func writePIDFile(pidFile string) error {
	return os.WriteFile(pidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}
