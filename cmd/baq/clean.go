// cmd/baq/clean.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"github.com/mmp/baq/backup"
	"github.com/spf13/cobra"
	"time"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete data files left behind by failed backups",
	Long: `Delete data files whose generation has no metadata file; these are left
behind when a backup fails or is interrupted. Data files from generations
started less than --min-age ago are left alone, since they may belong to
a backup that's still running.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		minAge, _ := cmd.Flags().GetDuration("min-age")
		deleted, err := backup.Clean(ctx, openBackend(ctx),
			backup.CleanOptions{DryRun: dryRun, MinAge: minAge}, log)
		if !dryRun {
			log.Print("deleted %d data files", len(deleted))
		}
		return err
	},
}

func init() {
	cleanCmd.Flags().BoolP("dry-run", "n", false, "only list what would be deleted")
	cleanCmd.Flags().Duration("min-age", 24*time.Hour, "minimum age of orphaned data files to delete")
	rootCmd.AddCommand(cleanCmd)
}
