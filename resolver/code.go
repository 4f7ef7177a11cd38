package resolver

import (
	"net"

	"github.com/treemana/evwire/wire"
)

// Code is the outcome of a resolve call. Every value but NoError is also
// an error.
type Code int

const (
	NoError Code = iota
	Format
	ServerFailed
	NotExist
	NotImplemented
	Refused
	Truncated
	Unknown
	Timeout
	Shutdown
)

var codeNames = [...]string{
	NoError:        "NoError",
	Format:         "Format",
	ServerFailed:   "ServerFailed",
	NotExist:       "NotExist",
	NotImplemented: "NotImplemented",
	Refused:        "Refused",
	Truncated:      "Truncated",
	Unknown:        "Unknown",
	Timeout:        "Timeout",
	Shutdown:       "Shutdown",
}

func (c Code) String() string {
	if c < 0 || int(c) >= len(codeNames) {
		return "Unknown"
	}
	return codeNames[c]
}

func (c Code) Error() string {
	return "dns: " + c.String()
}

func codeFromRcode(rcode int) Code {
	switch rcode {
	case wire.RcodeSuccess:
		return NoError
	case wire.RcodeFormatError:
		return Format
	case wire.RcodeServerFailure:
		return ServerFailed
	case wire.RcodeNameError:
		return NotExist
	case wire.RcodeNotImplemented:
		return NotImplemented
	case wire.RcodeRefused:
		return Refused
	default:
		return Unknown
	}
}

// Result is handed to the resolve callback exactly once.
type Result struct {
	Code Code
	Type uint16
	// Name is the name that produced the result, including any search
	// suffix that was appended.
	Name string
	// TTL is the minimum TTL across the returned records.
	TTL   uint32
	Addrs []net.IP
	// Names holds the PTR target for reverse lookups.
	Names []string
}

// Err returns nil on success and the Code otherwise.
func (r Result) Err() error {
	if r.Code == NoError {
		return nil
	}
	return r.Code
}

type Callback func(Result)
