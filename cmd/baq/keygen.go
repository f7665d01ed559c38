// cmd/baq/keygen.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"fmt"
	"github.com/cockroachdb/errors"
	"github.com/mmp/baq/keys"
	"github.com/spf13/cobra"
	"os"
	"time"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen [identity-file]",
	Short: "Generate an age identity for encrypting backups",
	Long: `Generate a new age X25519 identity. It's written to the given file (which
must not exist) or to standard output; its recipient is printed to
standard error. Give the recipient to "baq backup --recipient" and keep
the identity safe: without it, encrypted backups can't be restored.`,
	Args: cobra.MaximumNArgs(1),
	// No configuration or repository needed.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		identity, recipient, err := keys.GenerateIdentity()
		if err != nil {
			return err
		}
		text := fmt.Sprintf("# created: %s\n# public key: %s\n%s\n",
			time.Now().Format(time.RFC3339), recipient, identity)

		if len(args) == 0 {
			fmt.Print(text)
		} else {
			f, err := os.OpenFile(args[0], os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
			if err != nil {
				return errors.Wrap(err, "creating identity file")
			}
			if _, err := f.WriteString(text); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
		fmt.Fprintf(os.Stderr, "Public key: %s\n", recipient)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
