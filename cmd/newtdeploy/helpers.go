package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtdeploy/pkg/cli"
	"github.com/newtron-network/newtdeploy/pkg/device"
	"github.com/newtron-network/newtdeploy/pkg/results"
	"github.com/newtron-network/newtdeploy/pkg/setup"
	"github.com/newtron-network/newtdeploy/pkg/util"
	"github.com/newtron-network/newtdeploy/pkg/version"
)

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// loadSetup reads <setup_dir>/<name>.yaml.
func loadSetup(name string) (*setup.Setup, error) {
	if name == "" {
		return nil, fmt.Errorf("setup required: use --setup_name <name>")
	}
	return setup.LoadNamed(conf.GetString(keySetupDir), name)
}

// selectDevices builds handles for the comma-separated names, or for every
// device of the setup when names is empty.
func selectDevices(s *setup.Setup, names string) ([]*device.Device, error) {
	list := util.SplitCommaSeparated(names)
	if len(list) == 0 {
		list = s.DeviceNames()
	}
	devs := make([]*device.Device, 0, len(list))
	for _, n := range list {
		spec, err := s.Device(n)
		if err != nil {
			return nil, err
		}
		devs = append(devs, device.New(spec, s))
	}
	return devs, nil
}

// requireDevice resolves exactly one device. An empty name is accepted
// for single-device setups.
func requireDevice(setupName, name string) (*device.Device, error) {
	s, err := loadSetup(setupName)
	if err != nil {
		return nil, err
	}
	spec, err := s.Device(name)
	if err != nil {
		return nil, err
	}
	return device.New(spec, s), nil
}

// openStore returns the MinIO store when an endpoint is configured and the
// local results directory otherwise.
func openStore() (results.Store, error) {
	if ep := conf.GetString(keyMinIOEndpoint); ep != "" {
		return results.NewMinIOStore(results.MinIOConfig{
			Endpoint:  ep,
			AccessKey: conf.GetString(keyMinIOAccess),
			SecretKey: conf.GetString(keyMinIOSecret),
			Bucket:    conf.GetString(keyMinIOBucket),
			Secure:    conf.GetBool(keyMinIOSecure),
		})
	}
	return results.NewLocalStore(conf.GetString(keyResultsDir)), nil
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}

func addSetupFlags(cmd *cobra.Command, setupName, deviceName *string) {
	cmd.Flags().StringVar(setupName, "setup_name", "", "setup name (<setup_dir>/<name>.yaml)")
	cmd.Flags().StringVar(deviceName, "device", "", "device name, or comma-separated list")
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("newtdeploy " + version.Info())
		},
	}
}

// Color helpers, delegating to pkg/cli
func green(s string) string  { return cli.Green(s) }
func yellow(s string) string { return cli.Yellow(s) }
func red(s string) string    { return cli.Red(s) }
