package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/hlld/internal/version"
)

func newVersionCommand() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the hlld version",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			info := version.Read()
			if _, err := fmt.Fprintf(out, "%s %s\n", info.Module, info.Version); err != nil {
				return err
			}
			if !verbose {
				return nil
			}
			fmt.Fprintf(out, "revision: %s\n", valueOr(info.Revision, "unknown"))
			if !info.Time.IsZero() {
				fmt.Fprintf(out, "commit time: %s\n", info.Time.UTC().Format(time.RFC3339))
			}
			fmt.Fprintf(out, "modified: %t\n", info.Modified)
			_, err := fmt.Fprintf(out, "go: %s\n", valueOr(info.GoVersion, "unknown"))
			return err
		},
	}
	cmd.Flags().BoolVar(&verbose, "verbose", false, "include VCS and toolchain details")
	return cmd
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
