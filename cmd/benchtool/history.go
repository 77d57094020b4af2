package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/fcrepo4-archive/benchtool/history"
)

func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded benchmark runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			path := a.v.GetString("history-db")
			if path == "" {
				return fmt.Errorf("a database must be given with --history-db")
			}

			store, err := history.Open(ctx, path)
			if err != nil {
				return err
			}
			defer store.Close()

			if id := a.v.GetString("id"); id != "" {
				run, err := store.Get(ctx, id)
				if err != nil {
					return err
				}

				if run.Report == "" {
					fmt.Fprintf(a.stdout, "run %s failed: %s\n", run.ID, run.Error)

					return nil
				}

				_, err = fmt.Fprintln(a.stdout, run.Report)

				return err
			}

			runs, err := store.List(ctx, a.v.GetInt("limit"))
			if err != nil {
				return err
			}

			return writeRuns(a.stdout, runs, time.Now())
		},
	}

	flags := cmd.Flags()
	flags.String("history-db", "",
		"SQLite database written by run --history-db")
	flags.Int("limit", 20,
		"Maximum number of runs to list (0 = all)")
	flags.String("id", "",
		"Print the stored report of one run")

	return cmd
}

func writeRuns(w io.Writer, runs []history.Run, now time.Time) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "No runs recorded.")

		return err
	}

	if _, err := fmt.Fprintln(w,
		"| Run | Started | Action | Actions | Threads | Size | Wall Time | Throughput | Status |\n"+
			"|-----|---------|--------|---------|---------|------|-----------|------------|--------|",
	); err != nil {
		return err
	}

	for _, r := range runs {
		status := "ok"
		if r.Failed() {
			status = "failed: " + r.Error
		}

		throughput := "-"
		if r.ThroughputMBps > 0 {
			throughput = fmt.Sprintf("%.2f MB/s", r.ThroughputMBps)
		}

		size := "-"
		if r.SizeBytes > 0 {
			size = humanize.IBytes(uint64(r.SizeBytes))
		}

		_, err := fmt.Fprintf(w, "| %s | %s | %s | %d | %d | %s | %dms | %s | %s |\n",
			r.ID,
			humanize.RelTime(r.StartedAt, now, "ago", "from now"),
			r.Action,
			r.NumActions,
			r.NumThreads,
			size,
			r.WallMillis,
			throughput,
			status,
		)
		if err != nil {
			return err
		}
	}

	return nil
}
