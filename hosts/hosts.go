// Package hosts is the static name table the daemon answers from before it
// forwards a question to the resolver.
package hosts

/*

reads happen for every DNS question, writes only on (re)load

read speed
  sync.RWMutex : atomic.Pointer = 1 : 9

write speed
  sync.RWMutex : atomic.Pointer = 6 : 1

*/

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/miekg/dns"

	"github.com/treemana/evwire/log"
	"github.com/treemana/evwire/util"
)

// records maps a lower-case name to its values per query type: addresses
// for A and AAAA, target names for PTR.
type records map[string]map[uint16][]string

// Table is safe for concurrent use; readers never block writers.
type Table struct {
	rm atomic.Pointer[records]
	mu sync.Mutex // serializes writers
}

func New() *Table {
	t := &Table{}
	t.rm.Store(&records{})
	return t
}

// Add maps name to every ip and the reverse name of every ip back to name.
func (t *Table) Add(name string, ips ...string) error {
	key, err := normalize(name)
	if err != nil {
		return err
	}

	parsed := make([]net.IP, 0, len(ips))
	for _, raw := range ips {
		ip := net.ParseIP(strings.TrimSpace(raw))
		if ip == nil {
			return fmt.Errorf("host %s: invalid ip %q", name, raw)
		}
		parsed = append(parsed, ip)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	m := *t.rm.Load()
	for _, ip := range parsed {
		qType, value := dns.TypeA, ip.String()
		if ip.To4() == nil {
			qType = dns.TypeAAAA
		}
		m = duplicate(m, key, qType)
		m[key][qType] = appendUnique(m[key][qType], value)

		reverse, err := util.ReverseName(ip)
		if err != nil {
			return err
		}
		m = duplicate(m, reverse, dns.TypePTR)
		m[reverse][dns.TypePTR] = appendUnique(m[reverse][dns.TypePTR], key)
	}
	t.rm.Store(&m)
	return nil
}

// Load replaces the table with hosts, a map from name to addresses. Bad
// entries are skipped and reported together.
func (t *Table) Load(hosts map[string][]string) error {
	next := New()
	var result *multierror.Error
	for name, ips := range hosts {
		if err := next.Add(name, ips...); err != nil {
			result = multierror.Append(result, err)
		}
	}
	t.mu.Lock()
	t.rm.Store(next.rm.Load())
	t.mu.Unlock()
	return result.ErrorOrNil()
}

// ReadFrom adds the entries of an /etc/hosts style file: an address
// followed by one or more names per line, '#' starting a comment.
func (t *Table) ReadFrom(r io.Reader) error {
	var result *multierror.Error
	scanner := bufio.NewScanner(r)
	for line := 1; scanner.Scan(); line++ {
		text, _, _ := strings.Cut(scanner.Text(), "#")
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			result = multierror.Append(result, fmt.Errorf("line %d: address without name", line))
			continue
		}
		for _, name := range fields[1:] {
			if err := t.Add(name, fields[0]); err != nil {
				result = multierror.Append(result, fmt.Errorf("line %d: %w", line, err))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// LookupIP returns the addresses of name for qType (A or AAAA).
func (t *Table) LookupIP(name string, qType uint16) []net.IP {
	values := t.get(name, qType)
	if len(values) == 0 {
		return nil
	}
	ips := make([]net.IP, 0, len(values))
	for _, v := range values {
		ips = append(ips, net.ParseIP(v))
	}
	return ips
}

// LookupPTR returns the first name mapped to the reverse name.
func (t *Table) LookupPTR(reverse string) (string, bool) {
	values := t.get(reverse, dns.TypePTR)
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

// Has reports whether name has any entry, whatever its type.
func (t *Table) Has(name string) bool {
	key, err := normalize(name)
	if err != nil {
		return false
	}
	return len((*t.rm.Load())[key]) > 0
}

// Questions returns every name in the table with the query types it
// answers.
func (t *Table) Questions() map[string][]uint16 {
	var origin = *t.rm.Load()
	var all = make(map[string][]uint16, len(origin))
	for name, typeMap := range origin {
		if len(name) == 0 || len(typeMap) == 0 {
			continue
		}
		var types = make([]uint16, 0, len(typeMap))
		for qType := range typeMap {
			types = append(types, qType)
		}
		all[name] = types
	}
	return all
}

func (t *Table) get(name string, qType uint16) []string {
	key, err := normalize(name)
	if err != nil {
		log.Sugar.Debugf("hosts lookup %q: %+v", name, err)
		return nil
	}
	return (*t.rm.Load())[key][qType]
}

func normalize(name string) (string, error) {
	ascii, err := util.NormalizeName(name)
	if err != nil {
		return "", err
	}
	if ascii == "" || !util.IsDomainName(ascii) {
		return "", fmt.Errorf("invalid host name %q", name)
	}
	return strings.ToLower(ascii), nil
}

func appendUnique(values []string, v string) []string {
	for _, have := range values {
		if have == v {
			return values
		}
	}
	return append(values[:len(values):len(values)], v)
}

// duplicate copies source so that host/qType can be written without
// touching the published table.
func duplicate(source records, host string, qType uint16) records {

	if len(source) == 0 {
		return records{host: {qType: nil}}
	}

	var (
		target records
		hb     bool // host bit, true when host exist in source
		tb     bool // qType bit, true when (hb is true and qType exist in source)
	)

	if _, hb = source[host]; hb {
		_, tb = source[host][qType]
		target = make(records, len(source))
	} else {
		target = make(records, len(source)+1)
		target[host] = map[uint16][]string{qType: nil}
	}

	for k, vSource := range source {
		var vTarget map[uint16][]string

		if k == host && hb && !tb {
			vTarget = make(map[uint16][]string, len(vSource)+1)
		} else {
			vTarget = make(map[uint16][]string, len(vSource))
		}

		for u, a := range vSource {
			vTarget[u] = a
		}

		target[k] = vTarget
	}

	return target
}
