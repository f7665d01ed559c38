// cmd/baq/parity.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

// Reed-Solomon encoding of arbitrary local files, e.g. identity files or
// copies of a repository on removable media. Provides facilities to check
// the integrity of encoded files and to recover corrupt files.

import (
	"github.com/cockroachdb/errors"
	"github.com/mmp/baq/rdso"
	u "github.com/mmp/baq/util"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"strings"
)

var parityCmd = &cobra.Command{
	Use:   "parity",
	Short: "Reed-Solomon parity for local files",
	// No configuration or repository needed.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log = u.NewLogger(v.GetBool("verbose"), v.GetBool("debug"))
		return nil
	},
}

var parityEncodeCmd = &cobra.Command{
	Use:   "encode <files...>",
	Short: "Write a <file>.rs parity sidecar for each file",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		nShards, _ := cmd.Flags().GetInt("nshards")
		nParity, _ := cmd.Flags().GetInt("nparity")
		hashRate, _ := cmd.Flags().GetInt64("hashrate")
		fs := afero.NewOsFs()
		for _, fn := range args {
			if strings.HasSuffix(fn, ".rs") {
				log.Warning("%s: skipping Reed-Solomon encoding of .rs file", fn)
				continue
			}
			if err := rdso.EncodeFile(fs, fn, fn+".rs", nShards, nParity, hashRate); err != nil {
				return errors.Wrapf(err, "%s", fn)
			}
			log.Print("%s.rs: created Reed-Solomon encoding file", fn)
		}
		return nil
	},
}

var parityCheckCmd = &cobra.Command{
	Use:   "check <files...>",
	Short: "Check files against their parity sidecars",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs := afero.NewOsFs()
		bad := 0
		for _, fn := range args {
			if err := rdso.CheckFile(fs, fn, fn+".rs", log); err != nil {
				log.Error("%s: %s", fn, err)
				bad++
			}
		}
		if bad > 0 {
			return errors.Newf("%d of %d files failed their parity check", bad, len(args))
		}
		return nil
	},
}

var parityRestoreCmd = &cobra.Command{
	Use:   "restore <files...>",
	Short: "Recover corrupt files from their parity sidecars",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs := afero.NewOsFs()
		for _, fn := range args {
			recovered, err := rdso.RestoreFile(fs, fn, fn+".rs", log)
			if err != nil {
				return errors.Wrapf(err, "%s", fn)
			}
			if recovered != "" {
				log.Print("%s: recovered contents written to %s", fn, recovered)
			}
		}
		return nil
	},
}

func init() {
	f := parityEncodeCmd.Flags()
	f.Int("nshards", 17, "number of data shards")
	f.Int("nparity", 3, "number of parity shards")
	f.Int64("hashrate", 1024*1024, "chunk size for file hashes")

	parityCmd.AddCommand(parityEncodeCmd, parityCheckCmd, parityRestoreCmd)
	rootCmd.AddCommand(parityCmd)
}
