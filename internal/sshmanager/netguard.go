package sshmanager

import (
	"fmt"
	"net"
	"strings"
)

// ParseAllowedNetworks parses a comma-separated list of IPs and CIDR ranges
// that outbound connections may target. Single IPs become /32 (IPv4) or
// /128 (IPv6) networks. Empty input returns nil, which allows every address.
func ParseAllowedNetworks(list string) ([]*net.IPNet, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return nil, nil
	}

	var networks []*net.IPNet
	for _, part := range strings.Split(list, ",") {
		entry := strings.TrimSpace(part)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
			}
			networks = append(networks, network)
			continue
		}

		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address %q", entry)
		}
		var mask net.IPMask
		if ip.To4() != nil {
			mask = net.CIDRMask(32, 32)
		} else {
			mask = net.CIDRMask(128, 128)
		}
		networks = append(networks, &net.IPNet{IP: ip.Mask(mask), Mask: mask})
	}

	return networks, nil
}

// checkAllowed verifies the dialed address against networks. It runs after
// the TCP dial so that hostnames are checked by the address they resolved to.
func checkAllowed(addr net.Addr, networks []*net.IPNet) error {
	if len(networks) == 0 {
		return nil
	}

	var ip net.IP
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip = a.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return fmt.Errorf("%w: cannot parse remote address %q", ErrHostNotAllowed, addr.String())
		}
		ip = net.ParseIP(host)
	}
	if ip == nil {
		return fmt.Errorf("%w: cannot parse remote address %q", ErrHostNotAllowed, addr.String())
	}

	for _, network := range networks {
		if network.Contains(ip) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrHostNotAllowed, ip)
}
