package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/maxpert/backupd/config"
)

const version = "0.3.0"

var (
	configFile string

	rootCmd = &cobra.Command{
		Use:           "backupd",
		Short:         "Desktop backup manager command channel",
		Long:          "backupd drives the privileged backup helper over its local socket, supervising the connection and queueing engine commands.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Connect to the helper and supervise the channel until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runDaemon,
	}

	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Connect once, probe the helper and print its health",
		Args:  cobra.NoArgs,
		RunE:  runHealth,
	}

	execCmd = &cobra.Command{
		Use:   "exec [flags] -- executable [args...]",
		Short: "Run one engine command through the helper",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runExec,
	}

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Print recently finished commands",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Inspect or generate configuration",
	}

	configGenerateCmd = &cobra.Command{
		Use:   "generate [file]",
		Short: "Write the default configuration as YAML",
		Args:  cobra.ExactArgs(1),
		RunE:  runConfigGenerate,
	}

	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "configuration file (YAML); BACKUPD_* environment variables override it")

	execCmd.Flags().StringVar(&execOperation, "operation", "list", "operation kind: backup, restore, init, list, check or prune")
	execCmd.Flags().StringVar(&execToken, "token", "", "resolved access token for backup and restore")
	execCmd.Flags().StringToStringVar(&execEnv, "env", nil, "environment for the engine (NAME=value)")
	execCmd.Flags().StringVar(&execWorkDir, "workdir", "", "working directory for the engine")
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 0, "engine run limit on the helper (0 for none)")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of records to print")

	configCmd.AddCommand(configGenerateCmd, configShowCmd)
	rootCmd.AddCommand(runCmd, healthCmd, execCmd, historyCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and builds its logger
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return cfg, logger, nil
}
