package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtdeploy/pkg/audit"
	"github.com/newtron-network/newtdeploy/pkg/cli"
	"github.com/newtron-network/newtdeploy/pkg/device"
	"github.com/newtron-network/newtdeploy/pkg/sonic"
	"github.com/newtron-network/newtdeploy/pkg/util"
)

var relaySetup, relayDevice string

func newDHCPRelayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dhcp-relay",
		Short: "Manage DHCP relay servers on VLAN interfaces",
		Long: `Add, remove and show DHCP relay servers. The CLI variant is chosen
from the branch the device runs; IPv6 servers on newer branches are
written to config_db.

Examples:
  newtdeploy dhcp-relay add 690 192.168.0.1 --setup_name s1 --device dut1
  newtdeploy dhcp-relay del 690 fc02:2000::2 --setup_name s1 --device dut1
  newtdeploy dhcp-relay show --setup_name s1 --device dut1`,
	}
	cmd.PersistentFlags().StringVar(&relaySetup, "setup_name", "", "setup name")
	cmd.PersistentFlags().StringVar(&relayDevice, "device", "", "device name")

	cmd.AddCommand(
		relayMutateCmd("add", "Add a relay server to a VLAN", func(ctx context.Context, r sonic.DHCPRelayCLI, vlan int, server string) error {
			return r.Add(ctx, vlan, server)
		}),
		relayMutateCmd("del", "Remove a relay server from a VLAN", func(ctx context.Context, r sonic.DHCPRelayCLI, vlan int, server string) error {
			return r.Del(ctx, vlan, server)
		}),
		&cobra.Command{
			Use:   "show",
			Short: "Show relay servers per VLAN",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRelay(func(ctx context.Context, r sonic.DHCPRelayCLI) error {
					v4, err := r.IPv4Relays(ctx)
					if err != nil {
						return err
					}
					v6, err := r.IPv6Relays(ctx)
					if err != nil {
						return err
					}
					printRelays(v4, v6)
					return nil
				})
			},
		},
	)
	return cmd
}

func relayMutateCmd(use, short string, fn func(context.Context, sonic.DHCPRelayCLI, int, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <vlan> <server>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vlan, err := parseVlan(args[0])
			if err != nil {
				return err
			}
			return withRelay(func(ctx context.Context, r sonic.DHCPRelayCLI) error {
				start := time.Now()
				err := fn(ctx, r, vlan, args[1])
				e := audit.NewEvent(currentUser(), relaySetup, relayDevice, "dhcp-relay."+use).
					WithResult(err).WithDuration(time.Since(start))
				if lerr := audit.Log(e); lerr != nil {
					util.Warnf("audit: %v", lerr)
				}
				if err != nil {
					return err
				}
				fmt.Printf("%s %s on Vlan%d: %s\n", use, args[1], vlan, green("done"))
				return nil
			})
		},
	}
}

func parseVlan(s string) (int, error) {
	vlan, err := strconv.Atoi(strings.TrimPrefix(strings.ToLower(s), "vlan"))
	if err != nil || vlan < 1 || vlan > 4094 {
		return 0, fmt.Errorf("invalid VLAN %q", s)
	}
	return vlan, nil
}

// withRelay connects to the device, detects its branch and hands fn the
// matching relay CLI.
func withRelay(fn func(context.Context, sonic.DHCPRelayCLI) error) error {
	ctx, cancel := signalContext()
	defer cancel()

	d, err := requireDevice(relaySetup, relayDevice)
	if err != nil {
		return err
	}
	defer d.Disconnect()
	branch, err := device.DetectBranch(ctx, d.Engine)
	if err != nil {
		return err
	}
	d.Branch = branch
	return fn(ctx, sonic.NewDHCPRelayCLI(branch, sonic.Args{Engine: d.Engine}))
}

func printRelays(v4, v6 map[string][]string) {
	t := cli.NewTable("INTERFACE", "FAMILY", "SERVERS")
	for _, fam := range []struct {
		name  string
		relay map[string][]string
	}{{"ipv4", v4}, {"ipv6", v6}} {
		ifaces := make([]string, 0, len(fam.relay))
		for i := range fam.relay {
			ifaces = append(ifaces, i)
		}
		sort.Strings(ifaces)
		for _, i := range ifaces {
			t.Row(i, fam.name, strings.Join(fam.relay[i], ","))
		}
	}
	t.Flush()
}
