package sonic

import (
	"fmt"
	"strings"
)

// InstalledImages is the parsed "sonic-installer list" output.
type InstalledImages struct {
	Current   string
	Next      string
	Available []string
}

// ParseInstalledImages parses:
//
//	Current: SONiC-OS-master.234-27a6641fb_Internal
//	Next: SONiC-OS-master.234-27a6641fb_Internal
//	Available:
//	SONiC-OS-master.234-27a6641fb_Internal
//	SONiC-OS-202012.101-abc_Internal
func ParseInstalledImages(output string) InstalledImages {
	var out InstalledImages
	inAvailable := false
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "Current:"):
			out.Current = strings.TrimSpace(strings.TrimPrefix(line, "Current:"))
			inAvailable = false
		case strings.HasPrefix(line, "Next:"):
			out.Next = strings.TrimSpace(strings.TrimPrefix(line, "Next:"))
			inAvailable = false
		case strings.HasPrefix(line, "Available:"):
			inAvailable = true
		case inAvailable:
			out.Available = append(out.Available, line)
		}
	}
	return out
}

// VerifyCurrentImage checks that the installer list reports binary as the
// running image.
func VerifyCurrentImage(listOutput, binary string) error {
	binary = strings.TrimSpace(binary)
	current := ParseInstalledImages(listOutput).Current
	if binary == "" || current != binary {
		return fmt.Errorf("running image is %q, expected %q", current, binary)
	}
	return nil
}

// ParsePlatformSummary parses "show platform summary" key: value lines.
func ParsePlatformSummary(output string) map[string]string {
	out := map[string]string{}
	for _, line := range strings.Split(output, "\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

// ParseTable parses column-aligned CLI output whose header line is
// followed by a line of dash runs, one run per column:
//
//	  Interface  Oper  Admin
//	-----------  ----  -----
//	  Ethernet0    up     up
//
// Column bounds come from the dash runs. Rows whose first column is blank
// are continuation lines and are skipped.
func ParseTable(output string) []map[string]string {
	lines := strings.Split(output, "\n")
	sep := -1
	for i, l := range lines {
		if i > 0 && isDashLine(l) {
			sep = i
			break
		}
	}
	if sep < 0 {
		return nil
	}

	spans := dashSpans(lines[sep])
	headers := make([]string, len(spans))
	for i, sp := range spans {
		headers[i] = cell(lines[sep-1], sp, i == len(spans)-1)
	}

	var rows []map[string]string
	for _, l := range lines[sep+1:] {
		if strings.TrimSpace(l) == "" || isDashLine(l) {
			continue
		}
		if cell(l, spans[0], len(spans) == 1) == "" {
			continue
		}
		row := make(map[string]string, len(spans))
		for i, sp := range spans {
			row[headers[i]] = cell(l, sp, i == len(spans)-1)
		}
		rows = append(rows, row)
	}
	return rows
}

// ParseTableBy is ParseTable keyed by the value of column key.
func ParseTableBy(output, key string) map[string]map[string]string {
	out := map[string]map[string]string{}
	for _, row := range ParseTable(output) {
		out[row[key]] = row
	}
	return out
}

type span struct{ start, end int }

func isDashLine(l string) bool {
	t := strings.TrimSpace(l)
	return t != "" && strings.Trim(t, "- ") == ""
}

func dashSpans(l string) []span {
	var spans []span
	start := -1
	for i, r := range l {
		switch {
		case r == '-' && start < 0:
			start = i
		case r != '-' && start >= 0:
			spans = append(spans, span{start, i})
			start = -1
		}
	}
	if start >= 0 {
		spans = append(spans, span{start, len(l)})
	}
	return spans
}

// cell cuts sp out of l. The last column runs to end of line.
func cell(l string, sp span, last bool) string {
	if sp.start >= len(l) {
		return ""
	}
	end := sp.end
	if last || end > len(l) {
		end = len(l)
	}
	return strings.TrimSpace(l[sp.start:end])
}

// ParseVlanBriefRelays extracts the DHCP helper addresses per VLAN from the
// grid printed by "show vlan brief":
//
//	+-----------+-----------------+-----------+----------------+-----------------------+
//	|   VLAN ID | IP Address      | Ports     | Port Tagging   | DHCP Helper Address   |
//	+===========+=================+===========+================+=======================+
//	|       690 | 69.0.0.1/24     | Ethernet4 | untagged       | 69.0.1.2              |
//	|           | 6900::1/64      |           |                | 6900::2               |
//	+-----------+-----------------+-----------+----------------+-----------------------+
//
// Keys are interface names ("Vlan690").
func ParseVlanBriefRelays(output string) map[string][]string {
	out := map[string][]string{}
	idCol, relayCol := -1, -1
	vlan := ""
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "|") {
			continue
		}
		cells := strings.Split(strings.Trim(line, "|"), "|")
		for i := range cells {
			cells[i] = strings.TrimSpace(cells[i])
		}
		if idCol < 0 {
			for i, c := range cells {
				switch c {
				case "VLAN ID":
					idCol = i
				case "DHCP Helper Address":
					relayCol = i
				}
			}
			continue
		}
		if idCol >= len(cells) || relayCol < 0 || relayCol >= len(cells) {
			continue
		}
		if id := cells[idCol]; id != "" {
			vlan = "Vlan" + id
			if _, ok := out[vlan]; !ok {
				out[vlan] = []string{}
			}
		}
		if vlan == "" {
			continue
		}
		for _, addr := range strings.Split(cells[relayCol], ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				out[vlan] = append(out[vlan], addr)
			}
		}
	}
	return out
}

// ParseDHCPRelayHelperIPv6 parses "show dhcprelay_helper ipv6":
//
//	-------  -------
//	Vlan690  6900::2
//	         6900::3
//	-------  -------
//
// into {"Vlan690": ["6900::2", "6900::3"]}.
func ParseDHCPRelayHelperIPv6(output string) map[string][]string {
	out := map[string][]string{}
	vlan := ""
	for _, line := range strings.Split(output, "\n") {
		if line == "" || strings.Contains(line, "----") {
			continue
		}
		fields := strings.Fields(line)
		switch len(fields) {
		case 0:
			continue
		case 2:
			vlan = fields[0]
			out[vlan] = []string{fields[1]}
		default:
			if vlan == "" {
				continue
			}
			out[vlan] = append(out[vlan], fields[0])
		}
	}
	return out
}
