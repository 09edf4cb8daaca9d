package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/maxpert/backupd/channel"
	chanerrors "github.com/maxpert/backupd/errors"
	"github.com/maxpert/backupd/metrics"
	"github.com/maxpert/backupd/protocol"
)

const shutdownTimeout = 10 * time.Second

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ch, err := channel.NewBuilder(cfg).WithLogger(logger).Build()
	if err != nil {
		return err
	}

	ch.OnStateChange(func(change protocol.StateChange) {
		logger.Info("Connection state changed",
			zap.Stringer("from", change.Old.Kind),
			zap.Stringer("to", change.New.Kind))
	})
	ch.OnHealthChange(func(change protocol.HealthChange) {
		logger.Info("Helper health changed",
			zap.Stringer("from", change.Old.State),
			zap.Stringer("to", change.New.State),
			zap.String("reason", change.New.Reason))
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ch.Start(ctx); err != nil {
		if chanerrors.CodeOf(err) == chanerrors.Closed {
			return err
		}
		// KeepConnected retries a failed first connect
		logger.Warn("Initial connection failed",
			zap.Duration("retry_in", cfg.Connection.ReconnectInterval),
			zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ch.KeepConnected(gctx)
	})

	if cfg.Metrics.Enabled {
		server := metrics.NewServer(cfg.Metrics.Port, nil, ch.Healthy)
		g.Go(func() error {
			logger.Info("Metrics server listening", zap.Int("port", server.Port()))
			return server.Start()
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Stop(shutdownCtx)
		})
	}

	logger.Info("backupd running",
		zap.String("version", version),
		zap.String("socket", cfg.Connection.SocketPath))

	err = g.Wait()
	logger.Info("Shutting down")
	if closeErr := ch.Close(); closeErr != nil {
		err = errors.Join(err, closeErr)
	}
	return err
}

func runHealth(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()
	cfg.Connection.ConnectOnStart = true

	ch, err := channel.NewBuilder(cfg).WithLogger(logger).Build()
	if err != nil {
		return err
	}
	defer ch.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Connection.HandshakeTimeout+cfg.Health.ProbeTimeout)
	defer cancel()
	if err := ch.Start(ctx); err != nil {
		return fmt.Errorf("helper unreachable: %w", err)
	}

	status := ch.Check(ctx)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "connection:    %s\n", ch.State().Kind)
	fmt.Fprintf(out, "health:        %s\n", status)
	fmt.Fprintf(out, "response time: %s\n", status.ResponseTime)
	r := status.Resources
	fmt.Fprintf(out, "memory:        %d bytes\n", r.MemoryBytes)
	fmt.Fprintf(out, "cpu:           %.1f%%\n", r.CPUPercent)
	fmt.Fprintf(out, "disk free:     %d bytes\n", r.DiskFreeBytes)
	fmt.Fprintf(out, "open files:    %d\n", r.FileHandles)
	fmt.Fprintf(out, "connections:   %d\n", r.Connections)

	if status.State != protocol.HealthHealthy {
		return fmt.Errorf("helper is %s", status.State)
	}
	return nil
}
