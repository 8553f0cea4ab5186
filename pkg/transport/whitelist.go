package transport

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// Whitelist is a set of address ranges. An empty whitelist allows everyone.
type Whitelist []netip.Prefix

// ParseWhitelist parses IP addresses and CIDR ranges
func ParseWhitelist(entries []string) (Whitelist, error) {
	out := make(Whitelist, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid range %q: %w", entry, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", entry, err)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// Empty reports whether the whitelist allows everyone
func (w Whitelist) Empty() bool {
	return len(w) == 0
}

// Contains reports whether addr falls in one of the ranges
func (w Whitelist) Contains(addr net.Addr) bool {
	ip, ok := addrIP(addr)
	if !ok {
		return false
	}
	for _, p := range w {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func addrIP(addr net.Addr) (netip.Addr, bool) {
	var ip net.IP
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	default:
		ap, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.Addr{}, false
		}
		return ap.Addr().Unmap(), true
	}
	out, ok := netip.AddrFromSlice(ip)
	return out.Unmap(), ok
}

// Access is what a remote address may do
type Access struct {
	Node   bool // may act as a section member or candidate
	Client bool // may send client requests
}

// Policy combines the node and client whitelists
type Policy struct {
	Nodes   Whitelist
	Clients Whitelist
}

// Check returns the access granted to addr. Each list only restricts its
// own role; an empty list leaves that role open.
func (p Policy) Check(addr net.Addr) Access {
	return Access{
		Node:   p.Nodes.Empty() || p.Nodes.Contains(addr),
		Client: p.Clients.Empty() || p.Clients.Contains(addr),
	}
}
