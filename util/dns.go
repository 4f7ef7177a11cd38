package util

import (
	"fmt"
	"net"
	"strings"
	"unicode/utf8"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
)

// lookup maps IDN names for resolution but, unlike idna.Lookup, lets
// through names with underscores (SRV-style labels, internal hosts).
var lookup = idna.New(idna.MapForLookup(), idna.Transitional(false), idna.StrictDomainName(false))

// NormalizeName strips the trailing dot and converts an internationalized
// name to its ASCII form. Pure ASCII names keep their case.
func NormalizeName(name string) (string, error) {
	name = strings.TrimSuffix(name, ".")
	if isASCII(name) {
		return name, nil
	}

	ascii, err := lookup.ToASCII(name)
	if err != nil {
		return "", fmt.Errorf("idna %q error=[%w]", name, err)
	}
	return ascii, nil
}

// IsDomainName reports whether name is syntactically valid on the wire.
func IsDomainName(name string) bool {
	_, ok := dns.IsDomainName(name)
	return ok
}

// ReverseName returns the in-addr.arpa or ip6.arpa name of ip without the
// trailing dot.
func ReverseName(ip net.IP) (string, error) {
	if ip == nil {
		return "", fmt.Errorf("nil ip")
	}
	name, err := dns.ReverseAddr(ip.String())
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(name, "."), nil
}

func TypeString(t uint16) string {
	if s, ok := dns.TypeToString[t]; ok {
		return s
	}
	return fmt.Sprintf("TYPE%d", t)
}

func RcodeString(rcode int) string {
	if s, ok := dns.RcodeToString[rcode]; ok {
		return s
	}
	return fmt.Sprintf("RCODE%d", rcode)
}

// CountDots counts the dots inside name, ignoring a trailing one.
func CountDots(name string) int {
	return strings.Count(strings.TrimSuffix(name, "."), ".")
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
