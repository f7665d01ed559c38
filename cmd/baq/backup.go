// cmd/baq/backup.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"github.com/mmp/baq/backup"
	u "github.com/mmp/baq/util"
	"github.com/spf13/cobra"
	"io/fs"
	"os"
	"path/filepath"
)

var backupProgress bool

var backupCmd = &cobra.Command{
	Use:   "backup <directory|file|device>",
	Short: "Back up a directory tree, file, or block device",
	Long: `Back up the given directory tree, regular file, or block device as a new
generation in the repository. Blocks stored by earlier generations are
reused. The generation only exists once its metadata file has been written,
so an interrupted backup leaves nothing but orphaned data files (see
"baq clean").

Encryption is on by default and needs at least one recipient; use
--no-encrypt to store unencrypted blocks.`,
	Example: `  baq backup --recipient age1... /home
  baq backup --no-encrypt --compression zlib /dev/sdb1`,
	Args: cobra.ExactArgs(1),
	RunE: runBackup,
}

func init() {
	f := backupCmd.Flags()
	f.StringSliceP("recipient", "r", nil, "age recipient to encrypt for (repeatable)")
	f.Bool("no-encrypt", false, "store blocks unencrypted")
	f.String("compression", "", "block compression: none, zlib, or zstd")
	f.Int("compression-level", 0, "compression level (0 for the codec's default)")
	f.Int("block-size", 0, "size of the blocks that files are split into")
	f.Int("workers", 0, "number of files to process concurrently")
	f.Int64("max-data-file-size", 0, "size at which data files are sealed")
	f.Int("seed-generations", 0, "number of earlier generations to reuse blocks from (0 for all)")
	f.StringSlice("exclude", nil, "skip paths containing this string (repeatable)")
	f.BoolVar(&backupProgress, "progress", false, "show a progress bar")

	for key, flag := range map[string]string{
		"backup.recipients":         "recipient",
		"backup.compression":        "compression",
		"backup.compression_level":  "compression-level",
		"backup.block_size":         "block-size",
		"backup.workers":            "workers",
		"backup.max_data_file_size": "max-data-file-size",
		"backup.seed_generations":   "seed-generations",
		"backup.exclude":            "exclude",
	} {
		_ = v.BindPFlag(key, f.Lookup(flag))
	}
	rootCmd.AddCommand(backupCmd)
}

func runBackup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	opts := cfg.BackupOptions(args[0])
	if noEncrypt, _ := cmd.Flags().GetBool("no-encrypt"); noEncrypt {
		opts.Encrypt = false
	}
	if backupProgress {
		opts.Progress = u.NewProgress(os.Stderr, sourceSize(args[0]), "backing up")
	}

	res, err := backup.Backup(ctx, opts, openBackend(ctx), capability(), log)
	opts.Progress.Finish()
	if err != nil {
		return err
	}

	log.Print("%s: %d files, %d directories, %s read", res.Generation, res.Files,
		res.Directories, u.FmtBytes(res.SourceBytes))
	log.Print("%d new blocks (%s stored in %d data files), %d reused, in %s", res.NewBlocks,
		u.FmtBytes(res.NewBytes), len(res.DataFiles), res.ReusedBlocks, res.Duration.Round(1e6))
	return nil
}

// sourceSize returns the total size of the regular files under path, or
// -1 if it can't be determined cheaply (e.g. for a block device).
func sourceSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return -1
	}
	if fi.Mode().IsRegular() {
		return fi.Size()
	} else if !fi.IsDir() {
		return -1
	}
	var total int64
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err == nil && d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}
