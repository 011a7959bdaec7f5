package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtdeploy/pkg/cli"
	"github.com/newtron-network/newtdeploy/pkg/deploy"
	"github.com/newtron-network/newtdeploy/pkg/engine"
	"github.com/newtron-network/newtdeploy/pkg/health"
)

func newProbeCmd() *cobra.Command {
	var setupName, deviceNames string
	var prepare bool
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Print the boot state of setup devices",
		Long: `Probe each device and print whether it runs SONiC (IN_OS), sits in
ONIE (IN_BOOTLOADER) or is UNREACHABLE.

With --prepare, unreachable devices are revived: remote reboot, alternate
passwords and console recovery are tried in turn.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			s, err := loadSetup(setupName)
			if err != nil {
				return err
			}
			devs, err := selectDevices(s, deviceNames)
			if err != nil {
				return err
			}

			type row struct {
				state deploy.BootState
				err   error
			}
			rows := make([]row, len(devs))
			var g engine.JobGroup
			for i, d := range devs {
				i, d := i, d
				o := deploy.New(d)
				g.Go(d.Name, func() error {
					defer d.Disconnect()
					var st deploy.BootState
					var err error
					if prepare {
						st, err = o.Prepare(ctx)
					} else {
						st, err = o.Probe(ctx)
					}
					rows[i] = row{st, err}
					return err
				})
			}
			gerr := g.Wait()

			t := cli.NewTable("DEVICE", "ADDRESS", "STATE", "ERROR")
			for i, d := range devs {
				msg := ""
				if rows[i].err != nil {
					msg = rows[i].err.Error()
				}
				t.Row(d.Name, d.Address, string(rows[i].state), msg)
			}
			t.Flush()
			return gerr
		},
	}
	addSetupFlags(cmd, &setupName, &deviceNames)
	cmd.Flags().BoolVar(&prepare, "prepare", false, "revive unreachable devices")
	return cmd
}

func newSSHCheckCmd() *cobra.Command {
	var setupName, deviceName string
	var askPassword bool
	cmd := &cobra.Command{
		Use:   "ssh-check",
		Short: "Check SSH login and port reachability of a device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			d, err := requireDevice(setupName, deviceName)
			if err != nil {
				return err
			}
			if askPassword {
				pw, err := cli.PromptPassword(fmt.Sprintf("Password for %s@%s: ", d.Credentials.User, d.Address), os.Stdin, os.Stderr)
				if err != nil {
					return err
				}
				d.Credentials.Password = pw
			}
			ssh := engine.NewSSHEngine(d.Address, d.SSHPort, d.Credentials.User, d.Credentials.Password)
			defer ssh.Disconnect()

			prober := health.NewPortProber()
			report := health.Run(ctx, d.Name,
				health.CheckFunc{CheckName: "ssh port", Fn: func(ctx context.Context) error {
					if !prober.IsAlive(ctx, d.Address, d.SSHPort) {
						return fmt.Errorf("%s:%d closed", d.Address, d.SSHPort)
					}
					return nil
				}},
				health.SSHLogin(d.Name, ssh),
			)

			for _, r := range report.Results {
				status := string(r.Status)
				if r.Status == health.StatusOK {
					status = green(status)
				} else {
					status = red(status)
				}
				fmt.Printf("%s %s %s\n", cli.DotPad(r.Check, 24), status, r.Message)
			}
			if failed := report.Failed(); len(failed) > 0 {
				return fmt.Errorf("%d check(s) failed on %s", len(failed), d.Name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&setupName, "setup_name", "", "setup name")
	cmd.Flags().StringVar(&deviceName, "device", "", "device name")
	cmd.Flags().BoolVar(&askPassword, "ask_password", false, "prompt for the password instead of using the setup's")
	return cmd
}
