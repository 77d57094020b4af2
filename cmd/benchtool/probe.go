package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fcrepo4-archive/benchtool/fedora"
	"github.com/fcrepo4-archive/benchtool/harness"
)

func newProbeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Detect the repository version and cluster size",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			url := strings.TrimRight(strings.TrimSpace(a.v.GetString("fedora-url")), "/")

			transport := fedora.NewTransport(fedora.Options{
				BaseURL:  url,
				User:     a.v.GetString("user"),
				Password: a.v.GetString("password"),
				Timeout:  a.v.GetDuration("request-timeout"),
			})

			client, dialect, err := fedora.NewClient(ctx, fedora.DialectAuto, transport, nil)
			if err != nil {
				return fmt.Errorf("probe %s: %w", url, err)
			}

			fmt.Fprintf(a.stdout, "%s: %s\n", url, dialect)

			sizer, ok := client.(harness.ClusterSizer)
			if !ok {
				return nil
			}

			size, err := sizer.ClusterSize(ctx)
			if err != nil {
				a.logger.WarnContext(ctx, "unable to read cluster size", slog.String("error", err.Error()))

				return nil
			}

			fmt.Fprintf(a.stdout, "cluster size: %d\n", size)

			return nil
		},
	}

	addConnectionFlags(cmd.Flags())

	return cmd
}
