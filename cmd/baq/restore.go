// cmd/baq/restore.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"github.com/mmp/baq/backup"
	u "github.com/mmp/baq/util"
	"github.com/spf13/cobra"
	"os"
)

var restoreCmd = &cobra.Command{
	Use:   "restore <destination>",
	Short: "Restore a generation",
	Long: `Restore a generation (the most recent one by default) to the given
destination directory. Files are written to <name>.baq-partial and only
renamed into place once their contents have been verified; a file that
can't be restored doesn't stop the others, but baq exits with an error
after listing the failures.

Encrypted generations need an identity for one of the recipients they
were backed up for (--identity or keys.identities).`,
	Example: `  baq restore -i ~/.config/baq/identity.txt /tmp/restored
  baq restore --generation baq.20260101T120000Z --path home/alice /tmp/alice`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

func init() {
	f := restoreCmd.Flags()
	f.StringP("generation", "g", "", "generation to restore (default: the latest)")
	f.String("path", "", "only restore this file or directory of the backup")
	f.Int("workers", 0, "number of files to restore concurrently")
	f.Bool("strict", false, "fail on any problem with the metadata file")
	f.Bool("progress", false, "show a progress bar")

	_ = v.BindPFlag("restore.workers", f.Lookup("workers"))
	_ = v.BindPFlag("restore.strict", f.Lookup("strict"))
	rootCmd.AddCommand(restoreCmd)
}

func runRestore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	gen, _ := cmd.Flags().GetString("generation")
	opts := cfg.RestoreOptions(gen, args[0])
	opts.Prefix, _ = cmd.Flags().GetString("path")

	backend := openBackend(ctx)
	if progress, _ := cmd.Flags().GetBool("progress"); progress {
		total := int64(-1)
		if opts.Generation == "" {
			if opts.Generation, _ = backup.Latest(ctx, backend); opts.Generation == "" {
				log.Fatal("repository has no generations")
			}
		}
		if info, err := backup.Info(ctx, backend, opts.Generation); err == nil {
			total = info.Bytes
		}
		opts.Progress = u.NewProgress(os.Stderr, total, "restoring")
	}

	res, err := backup.Restore(ctx, opts, backend, capability(), log)
	opts.Progress.Finish()
	if res != nil {
		log.Print("%s: restored %d files (%s) and %d directories in %s", res.Generation, res.Files,
			u.FmtBytes(res.Bytes), res.Directories, res.Duration.Round(1e6))
		for _, p := range res.Partial {
			log.Warning("%s: partially restored file left behind", p)
		}
	}
	return err
}
