package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hitoshi/feedrelay/internal/app"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "feedrelay",
		Short: "Feed ingestion and email fan-out pipeline",
		Long: `feedrelay polls a publication feed, summarizes new notices and
fans them out to verified subscribers by email.

Without a subcommand it starts the HTTP server (same as "serve").`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Run(cmd.Context(), os.Stdout, app.CommandServe)
		},
	}

	for _, info := range app.Commands() {
		c := info.Command
		root.AddCommand(&cobra.Command{
			Use:   string(c),
			Short: info.Short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.Run(cmd.Context(), os.Stdout, c)
			},
		})
	}
	return root
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
