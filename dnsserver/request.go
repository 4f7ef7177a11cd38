package dnsserver

import (
	"errors"
	"fmt"
	"net"

	"github.com/miekg/dns"

	"github.com/treemana/evwire/metrics"
	"github.com/treemana/evwire/util"
	"github.com/treemana/evwire/wire"
)

// ErrResponded is returned when a request is modified after its reply was
// serialized.
var ErrResponded = errors.New("dns server: request already answered")

// opcodeBits are echoed from the query.
const opcodeBits uint16 = 0x7800

// Section selects the reply section a record goes to.
type Section int

const (
	Answer Section = iota
	Authority
	Additional
)

// Request is one query waiting for its reply.
type Request struct {
	Questions []wire.Question
	Addr      net.Addr

	port   *Port
	sn     uint64
	header wire.Header
	flags  uint16

	sections [3][]wire.RR
	response []byte
	done     bool
}

func (r *Request) ID() uint16 { return r.header.ID }

// RecursionDesired reports the RD bit of the query.
func (r *Request) RecursionDesired() bool { return r.header.Flags&wire.FlagRD != 0 }

// Flags returns the flag bits set on the reply.
func (r *Request) Flags() uint16 { return r.flags }

// SetFlags sets the reply flags. Only the AA and RA bits are honoured.
func (r *Request) SetFlags(flags uint16) {
	r.flags = flags & (wire.FlagAA | wire.FlagRA)
}

// AddReply appends a record with raw typed rdata.
func (r *Request) AddReply(section Section, name string, rtype, class uint16, ttl uint32, data []byte) error {
	return r.add(section, wire.RR{Name: name, Type: rtype, Class: class, TTL: ttl, Data: data})
}

// AddA adds one A answer per address.
func (r *Request) AddA(name string, ttl uint32, ips ...net.IP) error {
	for _, ip := range ips {
		v4 := ip.To4()
		if v4 == nil {
			return fmt.Errorf("%s is not an IPv4 address", ip)
		}
		if err := r.AddReply(Answer, name, wire.TypeA, wire.ClassINET, ttl, v4); err != nil {
			return err
		}
	}
	return nil
}

// AddAAAA adds one AAAA answer per address.
func (r *Request) AddAAAA(name string, ttl uint32, ips ...net.IP) error {
	for _, ip := range ips {
		if ip.To16() == nil || ip.To4() != nil {
			return fmt.Errorf("%s is not an IPv6 address", ip)
		}
		if err := r.AddReply(Answer, name, wire.TypeAAAA, wire.ClassINET, ttl, ip.To16()); err != nil {
			return err
		}
	}
	return nil
}

// AddPTR answers a reverse query. When ip is set the owner name is derived
// from it, otherwise name is used as given.
func (r *Request) AddPTR(ip net.IP, name, target string, ttl uint32) error {
	if ip != nil {
		reverse, err := util.ReverseName(ip)
		if err != nil {
			return err
		}
		name = reverse
	}
	return r.add(Answer, wire.RR{Name: name, Type: wire.TypePTR, Class: wire.ClassINET, TTL: ttl, Target: target})
}

func (r *Request) AddCNAME(name, target string, ttl uint32) error {
	return r.add(Answer, wire.RR{Name: name, Type: wire.TypeCNAME, Class: wire.ClassINET, TTL: ttl, Target: target})
}

// AddRR adds any record miekg/dns can pack, e.g. MX or TXT.
func (r *Request) AddRR(section Section, rr dns.RR) error {
	if rr == nil {
		return errors.New("nil record")
	}
	m := new(dns.Msg)
	m.Answer = []dns.RR{rr}
	raw, err := m.Pack()
	if err != nil {
		return fmt.Errorf("pack %s error=[%w]", rr.Header().Name, err)
	}
	msg, err := wire.ParseMessage(raw)
	if err != nil {
		return err
	}
	return r.add(section, msg.Answers[0])
}

func (r *Request) add(section Section, rr wire.RR) error {
	if r.done {
		return ErrResponded
	}
	if section < Answer || section > Additional {
		return fmt.Errorf("unknown section %d", section)
	}
	r.sections[section] = append(r.sections[section], rr)
	return nil
}

// Respond serializes the reply with rcode and sends it. Replies longer than
// 512 bytes are cut there and flagged truncated.
func (r *Request) Respond(rcode int) error {
	if r.done {
		return ErrResponded
	}

	packet, err := r.encode(rcode)
	if err != nil {
		// records that do not encode are dropped in favour of a bare error
		r.port.server.log.Warnf("sn=%d, id=%d, encode error=[%+v]", r.sn, r.ID(), err)
		r.sections = [3][]wire.RR{}
		if packet, err = r.encode(wire.RcodeServerFailure); err != nil {
			r.Drop()
			return err
		}
		rcode = wire.RcodeServerFailure
	}
	r.done = true
	r.response = packet

	metrics.DNSServerRepliesTotal.WithLabelValues(util.RcodeString(rcode)).Inc()
	r.port.server.log.Debugf("sn=%d, id=%d, to=%s, %s answer %d, %d bytes", r.sn, r.ID(), r.Addr,
		util.RcodeString(rcode), len(r.sections[Answer]), len(packet))

	r.port.send(r)
	return nil
}

func (r *Request) encode(rcode int) ([]byte, error) {
	flags := wire.FlagQR | r.flags | r.header.Flags&(wire.FlagRD|opcodeBits) | uint16(rcode)&0x0f

	b := wire.NewBuilder(true)
	b.Header(wire.Header{
		ID:      r.ID(),
		Flags:   flags,
		QDCount: uint16(len(r.Questions)),
		ANCount: uint16(len(r.sections[Answer])),
		NSCount: uint16(len(r.sections[Authority])),
		ARCount: uint16(len(r.sections[Additional])),
	})
	for _, q := range r.Questions {
		if err := b.Question(q); err != nil {
			return nil, err
		}
	}
	for _, section := range r.sections {
		for _, rr := range section {
			if err := b.RR(rr); err != nil {
				return nil, err
			}
		}
	}

	if b.Len() > wire.MaxUDPSize {
		b.Truncate(wire.MaxUDPSize)
	}
	return b.Bytes(), nil
}

// Drop discards the request without replying.
func (r *Request) Drop() {
	if r.done {
		return
	}
	r.done = true
	r.port.releaseLogged()
}
