// cmd/baq/list.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"fmt"
	"github.com/mmp/baq/backup"
	u "github.com/mmp/baq/util"
	"github.com/spf13/cobra"
	"os"
	"text/tabwriter"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the generations in the repository",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		backend := openBackend(ctx)
		gens, err := backup.Generations(ctx, backend)
		if err != nil {
			return err
		}

		long, _ := cmd.Flags().GetBool("long")
		if !long {
			for _, g := range gens {
				fmt.Println(g)
			}
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "GENERATION\tDATE\tKIND\tFILES\tSIZE\tNEW\tENCRYPTED")
		for _, g := range gens {
			info, err := backup.Info(ctx, backend, g)
			if err != nil {
				log.Error("%s: %s", g, err)
				continue
			}
			h := info.Header
			files, added := "?", "?"
			if d := info.Done; d != nil {
				files, added = fmt.Sprint(d.Files), u.FmtBytes(d.NewBytes)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%v\n", g, h.Date.Local().Format("2006-01-02 15:04:05"),
				h.SourceKind, files, u.FmtBytes(info.Bytes), added, h.Encrypted)
		}
		return w.Flush()
	},
}

func init() {
	listCmd.Flags().BoolP("long", "l", false, "summarize each generation")
	rootCmd.AddCommand(listCmd)
}
