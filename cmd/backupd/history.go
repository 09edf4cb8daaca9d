package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/maxpert/backupd/storage"
)

var historyLimit int

// runHistory reads the history store directly; a persistent store is locked
// while backupd runs, so this is for inspection after the fact
func runHistory(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := storage.NewStorageFactory(cfg.Storage, cfg.Queue.RetentionAge).CreateHistoryStore()
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer store.Close()

	records, err := store.Recent(historyLimit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FINISHED\tOPERATION\tSTATUS\tEXIT\tATTEMPTS\tDURATION\tERROR")
	for _, r := range records {
		duration := "-"
		if !r.StartedAt.IsZero() {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.FinishedAt.Local().Format(time.DateTime),
			r.Operation, r.Status, r.ExitStatus, r.Attempts, duration, r.ErrorMessage)
	}
	return w.Flush()
}
