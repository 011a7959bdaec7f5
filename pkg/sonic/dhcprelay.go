package sonic

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/newtron-network/newtdeploy/pkg/engine"
	"github.com/newtron-network/newtdeploy/pkg/util"
)

// DHCPv6RelayConfigPath is where IPv6 relay patches are staged on the device.
const DHCPv6RelayConfigPath = "/tmp/dhcpv6_relay.json"

// DHCPRelayCLI manages DHCP relay servers on VLAN interfaces. Relay views
// map interface name ("Vlan690") to server addresses.
type DHCPRelayCLI interface {
	Variant() string
	// Add and Del pick the address family from server.
	Add(ctx context.Context, vlan int, server string) error
	Del(ctx context.Context, vlan int, server string) error
	AddIPv4(ctx context.Context, vlan int, server string) error
	DelIPv4(ctx context.Context, vlan int, server string) error
	AddIPv6(ctx context.Context, vlan int, server string) error
	DelIPv6(ctx context.Context, vlan int, server string) error
	IPv4Relays(ctx context.Context) (map[string][]string, error)
	IPv6Relays(ctx context.Context) (map[string][]string, error)
}

var dhcpRelayResolver = NewResolver("dhcp-relay", map[string]Factory[DHCPRelayCLI]{
	"default": newDefaultDHCPRelay,
	"master":  newMasterDHCPRelay,
	"202012":  newMasterDHCPRelay,
	"202111":  newMasterDHCPRelay,
})

// DHCPRelayResolver returns the DHCP relay family resolver.
func DHCPRelayResolver() *Resolver[DHCPRelayCLI] { return dhcpRelayResolver }

// NewDHCPRelayCLI resolves the DHCP relay CLI for branch. When args has
// no General CLI one is resolved for the same branch.
func NewDHCPRelayCLI(branch string, args Args) DHCPRelayCLI {
	if args.General == nil {
		args.General = NewGeneralCLI(branch, args)
	}
	return dhcpRelayResolver.Resolve(branch, args)
}

// defaultDHCPRelay uses "config vlan dhcp_relay" for both families.
type defaultDHCPRelay struct {
	variant string
	eng     engine.Engine
	general GeneralCLI
}

func newDefaultDHCPRelay(variant string, a Args) DHCPRelayCLI {
	return &defaultDHCPRelay{variant: variant, eng: a.Engine, general: a.General}
}

func (d *defaultDHCPRelay) Variant() string { return d.variant }

func (d *defaultDHCPRelay) Add(ctx context.Context, vlan int, server string) error {
	return d.AddIPv4(ctx, vlan, server)
}

func (d *defaultDHCPRelay) Del(ctx context.Context, vlan int, server string) error {
	return d.DelIPv4(ctx, vlan, server)
}

func (d *defaultDHCPRelay) AddIPv4(ctx context.Context, vlan int, server string) error {
	_, err := d.eng.RunCmd(ctx, fmt.Sprintf("sudo config vlan dhcp_relay add %d %s", vlan, server), engine.Validate())
	return err
}

func (d *defaultDHCPRelay) DelIPv4(ctx context.Context, vlan int, server string) error {
	_, err := d.eng.RunCmd(ctx, fmt.Sprintf("sudo config vlan dhcp_relay del %d %s", vlan, server), engine.Validate())
	return err
}

func (d *defaultDHCPRelay) AddIPv6(ctx context.Context, vlan int, server string) error {
	return d.AddIPv4(ctx, vlan, server)
}

func (d *defaultDHCPRelay) DelIPv6(ctx context.Context, vlan int, server string) error {
	return d.DelIPv4(ctx, vlan, server)
}

func (d *defaultDHCPRelay) IPv4Relays(ctx context.Context) (map[string][]string, error) {
	out, err := d.eng.RunCmd(ctx, "show vlan brief", engine.Validate())
	if err != nil {
		return nil, err
	}
	return ParseVlanBriefRelays(out), nil
}

func (d *defaultDHCPRelay) IPv6Relays(ctx context.Context) (map[string][]string, error) {
	return d.IPv4Relays(ctx)
}

// masterDHCPRelay configures IPv6 relays through config_db because the
// dhcp_relay CLI only handles IPv4 there.
type masterDHCPRelay struct {
	*defaultDHCPRelay
}

func newMasterDHCPRelay(variant string, a Args) DHCPRelayCLI {
	return &masterDHCPRelay{&defaultDHCPRelay{variant: variant, eng: a.Engine, general: a.General}}
}

func (m *masterDHCPRelay) Add(ctx context.Context, vlan int, server string) error {
	v6, err := isIPv6(server)
	if err != nil {
		return err
	}
	if v6 {
		return m.AddIPv6(ctx, vlan, server)
	}
	return m.AddIPv4(ctx, vlan, server)
}

func (m *masterDHCPRelay) Del(ctx context.Context, vlan int, server string) error {
	v6, err := isIPv6(server)
	if err != nil {
		return err
	}
	if v6 {
		return m.DelIPv6(ctx, vlan, server)
	}
	return m.DelIPv4(ctx, vlan, server)
}

// AddIPv6 loads a DHCP_RELAY/VLAN patch carrying the full server list,
// starting from the running configuration since config load does not save.
func (m *masterDHCPRelay) AddIPv6(ctx context.Context, vlan int, server string) error {
	iface := vlanIface(vlan)
	db, err := m.general.RunningConfigDB(ctx)
	if err != nil {
		return err
	}
	servers := append(db.ListValue("DHCP_RELAY", iface, "dhcpv6_servers"), server)

	patch := DHCPv6RelayPatch(iface, servers)
	data, err := patch.Marshal()
	if err != nil {
		return err
	}
	if err := m.eng.WriteFile(ctx, DHCPv6RelayConfigPath, data); err != nil {
		return err
	}
	util.WithFamily("dhcp-relay").Infof("Adding DHCP relay %s for VLAN %d", server, vlan)
	return m.general.LoadConfig(ctx, DHCPv6RelayConfigPath)
}

// DelIPv6 removes server from the running configuration, writes it as
// config_db.json and force reloads.
func (m *masterDHCPRelay) DelIPv6(ctx context.Context, vlan int, server string) error {
	iface := vlanIface(vlan)
	db, err := m.general.RunningConfigDB(ctx)
	if err != nil {
		return err
	}
	RemoveDHCPv6Relay(db, iface, server)

	util.WithFamily("dhcp-relay").Infof("Removing DHCP relay %s from VLAN %d", server, vlan)
	if err := m.general.UploadConfigDB(ctx, db); err != nil {
		return err
	}
	if err := m.general.ReloadConfig(ctx, true); err != nil {
		return err
	}
	return m.general.VerifyDockersUp(ctx, nil, 0)
}

func (m *masterDHCPRelay) IPv6Relays(ctx context.Context) (map[string][]string, error) {
	out, err := m.eng.RunCmd(ctx, "show dhcprelay_helper ipv6", engine.Validate())
	if err != nil {
		return nil, err
	}
	return ParseDHCPRelayHelperIPv6(out), nil
}

// DHCPv6RelayPatch builds the config_db fragment that sets the IPv6 relay
// servers of iface.
func DHCPv6RelayPatch(iface string, servers []string) ConfigDB {
	return ConfigDB{
		"DHCP_RELAY": {iface: {"dhcpv6_servers": servers}},
		"VLAN":       {iface: {"dhcpv6_servers": servers}},
	}
}

// RemoveDHCPv6Relay drops server from iface in DHCP_RELAY and VLAN.
// Emptied DHCP_RELAY entries and tables are pruned. The VLAN entry itself
// always stays.
func RemoveDHCPv6Relay(db ConfigDB, iface, server string) {
	db.RemoveListValue("DHCP_RELAY", iface, "dhcpv6_servers", server)
	db.Prune("DHCP_RELAY", iface)
	db.RemoveListValue("VLAN", iface, "dhcpv6_servers", server)
}

// ValidateRelays checks that every expected server is configured on vlan
// in view.
func ValidateRelays(view map[string][]string, vlan int, expected []string) error {
	iface := vlanIface(vlan)
	have := view[iface]
	var missing []string
	for _, s := range expected {
		found := false
		for _, h := range have {
			if h == s {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("DHCP relay %s not configured on %s", strings.Join(missing, ", "), iface)
	}
	return nil
}

func vlanIface(vlan int) string { return fmt.Sprintf("Vlan%d", vlan) }

func isIPv6(addr string) (bool, error) {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false, fmt.Errorf("invalid DHCP server address %q: %w", addr, err)
	}
	return ip.Is6() && !ip.Is4In6(), nil
}
