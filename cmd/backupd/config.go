package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maxpert/backupd/config"
)

func runConfigGenerate(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()
	if err := cfg.Save(args[0]); err != nil {
		return fmt.Errorf("failed to generate config file: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Generated default configuration: %s\n", args[0])
	fmt.Fprintf(cmd.OutOrStdout(), "Edit the file and start with: backupd run --config %s\n", args[0])
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	data, err := cfg.YAML()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
