package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/maxpert/backupd/channel"
	chanerrors "github.com/maxpert/backupd/errors"
	"github.com/maxpert/backupd/protocol"
)

var (
	execOperation string
	execToken     string
	execEnv       map[string]string
	execWorkDir   string
	execTimeout   time.Duration
)

func runExec(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	descriptor := protocol.CommandDescriptor{
		Operation:   protocol.OperationType(execOperation),
		Executable:  args[0],
		Args:        args[1:],
		Env:         execEnv,
		WorkDir:     execWorkDir,
		AccessToken: execToken,
		Timeout:     execTimeout,
	}

	ch, err := channel.NewBuilder(cfg).WithLogger(logger).Build()
	if err != nil {
		return err
	}
	defer ch.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := ch.Start(ctx); err != nil {
		return err
	}

	errOut := cmd.ErrOrStderr()
	result, err := ch.Execute(ctx, descriptor, func(event protocol.ProgressEvent) {
		fmt.Fprintf(errOut, "\r%5.1f%%  %d/%d files", event.Fraction*100, event.FilesDone, event.TotalFiles)
	})
	if result != nil {
		fmt.Fprintln(errOut)
		fmt.Fprint(cmd.OutOrStdout(), result.Output)
	}
	if err != nil {
		if chanerrors.IsCancelled(err) && ctx.Err() != nil {
			return fmt.Errorf("interrupted")
		}
		return err
	}
	return nil
}

