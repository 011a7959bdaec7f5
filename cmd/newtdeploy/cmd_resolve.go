package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtdeploy/pkg/cli"
	"github.com/newtron-network/newtdeploy/pkg/device"
	"github.com/newtron-network/newtdeploy/pkg/sonic"
)

// family is the resolver surface the resolve command needs.
type family interface {
	Lookup(branch string) (string, bool)
	Variants() []string
}

var families = map[string]family{
	"general":    sonic.GeneralResolver(),
	"dhcp-relay": sonic.DHCPRelayResolver(),
}

func familyNames() []string {
	names := make([]string, 0, len(families))
	for n := range families {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <family> [branch]",
		Short: "Show which CLI variant serves a SONiC branch",
		Long: `Print the CLI variant a family resolves to for a branch. Unmapped
branches fall back to the default variant. Without a branch, list the
family's variants.

Families: general, dhcp-relay

Examples:
  newtdeploy resolve general 202012
  newtdeploy resolve dhcp-relay`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, ok := families[args[0]]
			if !ok {
				return fmt.Errorf("unknown family %q (valid: %s)", args[0], strings.Join(familyNames(), ", "))
			}
			if len(args) == 1 {
				t := cli.NewTable("VARIANT")
				for _, v := range f.Variants() {
					t.Row(v)
				}
				t.Flush()
				return nil
			}
			variant, mapped := f.Lookup(device.NormalizeBranch(args[1]))
			if mapped {
				fmt.Println(variant)
			} else {
				fmt.Printf("%s %s\n", variant, yellow("(fallback)"))
			}
			return nil
		},
	}
}
