// cmd/baq/verify.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"github.com/cockroachdb/errors"
	"github.com/mmp/baq/backup"
	"github.com/spf13/cobra"
	"strings"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the integrity of a generation's blocks",
	Long: `Fetch every block that a generation refers to and check that it decodes
to contents with the expected hash. Without an identity, encrypted blocks
are only checked for being present.

With --parity, the Reed-Solomon sidecars of a local repository's objects
are checked as well.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		backend := openBackend(ctx)

		if parity, _ := cmd.Flags().GetBool("parity"); parity {
			bad, err := backup.CheckParity(ctx, backend, false, log)
			if err != nil {
				return err
			}
			if len(bad) > 0 {
				return errors.Newf("%d objects don't match their parity: %s (see \"baq repair\")",
					len(bad), strings.Join(bad, ", "))
			}
			log.Print("parity ok")
		}

		gen, _ := cmd.Flags().GetString("generation")
		res, err := backup.Verify(ctx, backup.VerifyOptions{
			Generation: gen,
			Identities: cfg.Keys.Identities,
			Workers:    cfg.Restore.Workers,
			Strict:     cfg.Restore.Strict,
		}, backend, capability(), log)
		if err != nil {
			return err
		}
		for _, b := range res.Bad {
			log.Error("block %s (%s+%d) used by %s: %s", b.Ref.Hash, b.Ref.DataFile, b.Ref.Offset,
				strings.Join(b.Paths, ", "), b.Err)
		}
		log.Print("%s: %d blocks of %d files checked, %d bad", res.Generation, res.Refs,
			res.Files, len(res.Bad))
		if res.Unauthenticated > 0 {
			log.Warning("%d encrypted blocks were only checked for presence; give an identity "+
				"to check their contents", res.Unauthenticated)
		}
		return nil
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Repair corrupt objects in a local repository from their parity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		bad, err := backup.CheckParity(ctx, openBackend(ctx), true, log)
		if err != nil {
			return err
		}
		log.Print("repaired %d objects", len(bad))
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringP("generation", "g", "", "generation to verify (default: the latest)")
	verifyCmd.Flags().Bool("parity", false, "also check Reed-Solomon parity sidecars")
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(repairCmd)
}
