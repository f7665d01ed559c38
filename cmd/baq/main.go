// cmd/baq/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// baq is an incremental, deduplicating, encrypting backup tool.
package main

import (
	"context"
	"github.com/mmp/baq/block"
	"github.com/mmp/baq/config"
	"github.com/mmp/baq/keys"
	"github.com/mmp/baq/manifest"
	"github.com/mmp/baq/storage"
	u "github.com/mmp/baq/util"
	"github.com/spf13/cobra"
	"os"
	"os/signal"
	"syscall"
)

var (
	log *u.Logger
	v   = config.New()
	cfg *config.Config

	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "baq",
	Short: "Incremental, deduplicating, encrypting backups",
	Long: `baq backs up directory trees (or single files and block devices) to
local disk, S3, Google Cloud Storage, or an SFTP server. Files are split
into fixed-size blocks; blocks that are already stored by an earlier
backup aren't stored again. Blocks are compressed and then encrypted with
a per-backup key that's wrapped for one or more age recipients.

Settings come from config.yaml (in the current directory or
$XDG_CONFIG_HOME/baq), BAQ_ environment variables (e.g.
BAQ_BACKEND_LOCATION), and command-line flags.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(v, configPath); err != nil {
			return err
		}
		log = u.NewLogger(v.GetBool("verbose"), v.GetBool("debug"))
		storage.SetLogger(log)
		block.SetLogger(log)
		keys.SetLogger(log)
		manifest.SetLogger(log)
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "configuration file")
	pf.BoolP("verbose", "v", false, "print progress information")
	pf.Bool("debug", false, "print debugging information")
	pf.StringP("backend", "b", "", "repository location: path or file://, s3://, gs://, sftp:// URL")
	pf.StringSliceP("identity", "i", nil, "age identity (AGE-SECRET-KEY-1...) or identity file")

	// Flags that are set override the configuration file and
	// environment.
	for key, flag := range map[string]string{
		"verbose":          "verbose",
		"debug":            "debug",
		"backend.location": "backend",
		"keys.identities":  "identity",
	} {
		_ = v.BindPFlag(key, pf.Lookup(flag))
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error("%s", err)
		os.Exit(1)
	}
	if log.NErrors() > 0 {
		os.Exit(1)
	}
}

// openBackend opens the configured repository.
func openBackend(ctx context.Context) storage.Backend {
	if cfg.Backend.Location == "" {
		log.Fatal("no repository given: use --backend, BAQ_BACKEND_LOCATION, " +
			"or backend.location in the configuration file")
	}
	b, err := storage.Open(ctx, cfg.StorageConfig())
	log.CheckError(err)
	return b
}

func capability() keys.Capability {
	return cfg.Capability()
}
