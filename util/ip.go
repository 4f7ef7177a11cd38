package util

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ParseAddr parses "ip", "ip:port", "[ipv6]:port" or a bare IPv6 address
// into a UDP address, filling in defaultPort when none is given.
func ParseAddr(raw string, defaultPort int) (*net.UDPAddr, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty address")
	}

	if ip := net.ParseIP(strings.Trim(raw, "[]")); ip != nil {
		return &net.UDPAddr{IP: ip, Port: defaultPort}, nil
	}

	host, portRAW, err := net.SplitHostPort(raw)
	if err != nil {
		return nil, fmt.Errorf("address %q error=[%w]", raw, err)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("address %q: invalid ip", raw)
	}

	port, err := strconv.Atoi(portRAW)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("address %q: invalid port", raw)
	}

	return &net.UDPAddr{IP: ip, Port: port}, nil
}
