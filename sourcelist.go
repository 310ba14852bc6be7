package sentinel

import (
	"net"
	"strings"
)

// SourceList is a parsed whitelist or blacklist. Entries may be CIDRs or
// single IPs; unparseable entries are skipped.
type SourceList struct {
	nets []*net.IPNet
}

func NewSourceList(entries []string) *SourceList {
	return &SourceList{nets: parseCIDRs(entries)}
}

// Contains reports whether source falls inside any listed network.
func (sl *SourceList) Contains(source string) bool {
	if sl == nil || source == "" {
		return false
	}
	addr := net.ParseIP(source)
	if addr == nil {
		return false
	}
	for _, n := range sl.nets {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}

func parseCIDRs(cidrs []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, n, err := net.ParseCIDR(c)
		if err == nil && n != nil {
			nets = append(nets, n)
			continue
		}
		// Support single IPs
		ip := net.ParseIP(c)
		if ip != nil {
			if ip4 := ip.To4(); ip4 != nil {
				ip = ip4
			}
			mask := net.CIDRMask(len(ip)*8, len(ip)*8)
			nets = append(nets, &net.IPNet{IP: ip, Mask: mask})
		}
	}
	return nets
}
