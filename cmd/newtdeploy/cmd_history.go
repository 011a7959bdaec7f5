package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtdeploy/pkg/audit"
	"github.com/newtron-network/newtdeploy/pkg/cli"
)

func newHistoryCmd() *cobra.Command {
	var filter audit.Filter
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded deployments and relay changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if since > 0 {
				filter.StartTime = time.Now().Add(-since)
			}
			events, err := audit.Query(filter)
			if err != nil {
				return err
			}
			t := cli.NewTable("TIME", "USER", "SETUP", "DEVICE", "OPERATION", "STATE", "RESULT", "DURATION")
			for _, e := range events {
				result := green("ok")
				if !e.Success {
					result = red("failed")
				}
				t.Row(e.Timestamp.Format("2006-01-02 15:04:05"), e.User, e.Setup, e.Device,
					e.Operation, e.State, result, e.Duration.Round(time.Second).String())
			}
			t.Flush()
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&filter.Setup, "setup_name", "", "only this setup")
	fl.StringVar(&filter.Device, "device", "", "only this device")
	fl.StringVar(&filter.Operation, "operation", "", "only this operation, e.g. deploy.base")
	fl.BoolVar(&filter.FailureOnly, "failures", false, "only failures")
	fl.DurationVar(&since, "since", 0, "only events newer than this, e.g. 24h")
	fl.IntVar(&filter.Limit, "limit", 0, "at most this many events")
	return cmd
}
