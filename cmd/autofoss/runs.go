package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/mpg-foss/autofoss/controller/modules/drain"
	"github.com/mpg-foss/autofoss/controller/storage"
)

func RunsCmd(cli *CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List the recorded drains",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cli.V)
			if err != nil {
				return err
			}
			store, err := storage.New(cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.CreateBucket(drain.RunsBucket); err != nil {
				return err
			}
			runs, err := drain.ListRuns(store)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No drains recorded yet.")
				return nil
			}

			writer := table.NewWriter()
			writer.SetOutputMirror(cmd.OutOrStdout())
			writer.AppendHeader(table.Row{"id", "started", "duration", "samples", "outcome", "final weight", "file"})
			for _, r := range runs {
				writer.AppendRow(table.Row{
					shortID(r.ID),
					r.Started.Local().Format(time.DateTime),
					r.Ended.Sub(r.Started).Round(time.Second).String(),
					humanize.Comma(int64(r.Samples)),
					r.Outcome,
					fmt.Sprintf("%.2f lb", r.FinalWeight),
					fileName(r.File),
				})
			}
			writer.Render()
			return nil
		},
	}
	return cmd
}

func fileName(path string) string {
	if path == "" {
		return "-"
	}
	return filepath.Base(path)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
