package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtdeploy/pkg/cli"
)

func newResultsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "List and fetch stored deployment artifacts",
		Long: `Results are stored per setup, e.g. <version>_config_db.json, in the
local results directory or in MinIO when minio_endpoint is set.`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list <setup>",
			Short: "List a setup's artifacts",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := signalContext()
				defer cancel()
				store, err := openStore()
				if err != nil {
					return err
				}
				names, err := store.List(ctx, args[0])
				if err != nil {
					return err
				}
				t := cli.NewTable("ARTIFACT")
				for _, n := range names {
					t.Row(n)
				}
				t.Flush()
				return nil
			},
		},
		&cobra.Command{
			Use:   "get <setup> <name>",
			Short: "Print an artifact",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := signalContext()
				defer cancel()
				store, err := openStore()
				if err != nil {
					return err
				}
				data, err := store.Get(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(data)
				if err == nil && len(data) > 0 && data[len(data)-1] != '\n' {
					fmt.Println()
				}
				return err
			},
		},
	)
	return cmd
}
