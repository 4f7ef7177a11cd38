// Package resolver is an asynchronous stub resolver. It talks UDP to the
// configured nameservers only, tracks their health, retransmits on
// timeout, fails over on misbehaving servers and iterates search domains.
//
// A Resolver is bound to one reactor and every method must be called from
// the reactor goroutine.
package resolver

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/treemana/evwire/log"
	"github.com/treemana/evwire/metrics"
	"github.com/treemana/evwire/reactor"
	"github.com/treemana/evwire/util"
	"github.com/treemana/evwire/wire"
)

const (
	defaultTimeout        = 5 * time.Second
	defaultMaxRetransmits = 3
	defaultMaxTimeouts    = 3
	defaultMaxInFlight    = 64
	defaultMaxReissues    = 1
	defaultNDots          = 1
	defaultProbeHost      = "www.google.com"

	// maxAnswers bounds the records collected from one reply.
	maxAnswers = 32
)

var defaultProbeBackoff = []time.Duration{
	10 * time.Second,
	60 * time.Second,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
}

var (
	ErrClosed        = errors.New("resolver closed")
	ErrNoNameservers = errors.New("no nameservers configured")
)

// Flags modify a single resolve call.
type Flags int

const (
	// NoSearch resolves the name as given, skipping search domains.
	NoSearch Flags = 1 << iota
)

// Options configure a Resolver. Zero values select the defaults.
type Options struct {
	// Timeout of one transmission.
	Timeout time.Duration
	// MaxRetransmits is how often a timed out request is sent again
	// before it fails with Timeout.
	MaxRetransmits int
	// MaxTimeouts is the number of consecutive timeouts after which a
	// nameserver is marked down.
	MaxTimeouts int
	// MaxInFlight bounds the requests assigned to nameservers at once.
	MaxInFlight int
	// MaxReissues bounds how often a request refused by one nameserver is
	// sent to another.
	MaxReissues int
	NDots       int
	// RetryOnServerFailure handles a SERVFAIL reply like an immediate
	// timeout. By default SERVFAIL replies are ignored and the request is
	// left to time out.
	RetryOnServerFailure bool

	ProbeHost    string
	ProbeBackoff []time.Duration

	Logger *zap.SugaredLogger
	// Dial opens the socket for one nameserver.
	Dial func(addr *net.UDPAddr) (net.Conn, error)
	// TransactionID supplies candidate ids; duplicates of in-flight ids
	// are skipped.
	TransactionID func() uint16
}

func (o *Options) setDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.MaxRetransmits < 0 {
		o.MaxRetransmits = 0
	} else if o.MaxRetransmits == 0 {
		o.MaxRetransmits = defaultMaxRetransmits
	}
	if o.MaxTimeouts <= 0 {
		o.MaxTimeouts = defaultMaxTimeouts
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = defaultMaxInFlight
	}
	if o.MaxReissues < 0 {
		o.MaxReissues = 0
	} else if o.MaxReissues == 0 {
		o.MaxReissues = defaultMaxReissues
	}
	if o.NDots <= 0 {
		o.NDots = defaultNDots
	}
	if o.ProbeHost == "" {
		o.ProbeHost = defaultProbeHost
	}
	if len(o.ProbeBackoff) == 0 {
		o.ProbeBackoff = defaultProbeBackoff
	}
	o.ProbeBackoff = append([]time.Duration(nil), o.ProbeBackoff...)
	if o.Logger == nil {
		o.Logger = log.Named("resolver")
	}
	if o.Dial == nil {
		o.Dial = func(addr *net.UDPAddr) (net.Conn, error) {
			return net.DialUDP("udp", nil, addr)
		}
	}
	if o.TransactionID == nil {
		o.TransactionID = clockID
	}
}

type Resolver struct {
	loop reactor.Reactor
	log  *zap.SugaredLogger
	opts Options

	servers []*Nameserver
	next    int

	waiting  []*request
	inflight map[uint16]*request
	active   int

	search *searchState
	closed bool
}

func New(loop reactor.Reactor, opts Options) *Resolver {
	opts.setDefaults()
	return &Resolver{
		loop:     loop,
		log:      opts.Logger,
		opts:     opts,
		inflight: make(map[uint16]*request),
	}
}

// ResolveIPv4 looks up the A records of name.
func (r *Resolver) ResolveIPv4(name string, flags Flags, cb Callback) error {
	return r.resolve(name, wire.TypeA, flags, cb)
}

// ResolveIPv6 looks up the AAAA records of name.
func (r *Resolver) ResolveIPv6(name string, flags Flags, cb Callback) error {
	return r.resolve(name, wire.TypeAAAA, flags, cb)
}

// ResolveReverse looks up the PTR record of ip. Search domains never apply.
func (r *Resolver) ResolveReverse(ip net.IP, cb Callback) error {
	name, err := util.ReverseName(ip)
	if err != nil {
		return err
	}
	return r.resolve(name, wire.TypePTR, NoSearch, cb)
}

// ResolveReverseName looks up the PTR record of an in-addr.arpa or
// ip6.arpa name.
func (r *Resolver) ResolveReverseName(name string, cb Callback) error {
	return r.resolve(name, wire.TypePTR, NoSearch, cb)
}

func (r *Resolver) resolve(name string, qtype uint16, flags Flags, cb Callback) error {
	if r.closed {
		return ErrClosed
	}
	if len(r.servers) == 0 {
		return ErrNoNameservers
	}
	if cb == nil {
		return errors.New("nil callback")
	}

	name, err := util.NormalizeName(name)
	if err != nil {
		return err
	}

	req, err := r.newSearchRequest(name, qtype, flags, cb)
	if err != nil {
		return err
	}

	r.log.Debugf("resolve name=%s, type=%s", req.name, util.TypeString(qtype))
	r.submit(req)
	return nil
}

func (r *Resolver) newRequest(name string, qtype uint16, cb Callback) (*request, error) {
	// encoding once up front rejects bad names before anything is queued
	if _, err := wire.Query(0, name, qtype, true); err != nil {
		return nil, fmt.Errorf("resolve %q: %w", name, err)
	}
	return &request{name: name, qtype: qtype, cb: cb, searchIndex: -1}, nil
}

func (r *Resolver) submit(req *request) {
	if r.active < r.opts.MaxInFlight {
		r.activate(req)
		return
	}
	r.waiting = append(r.waiting, req)
	metrics.ResolverWaiting.Inc()
}

// activate moves a waiting request in flight: it gets a transaction id and
// a nameserver, and is transmitted.
func (r *Resolver) activate(req *request) {
	req.id = r.newID()
	req.ns = r.pick(nil)
	req.packet, _ = wire.Query(req.id, req.name, req.qtype, true)
	req.inflight = true

	r.inflight[req.id] = req
	if !req.probe {
		r.active++
		metrics.ResolverInFlight.Inc()
	}
	r.transmit(req)
}

func (r *Resolver) promote() {
	for !r.closed && r.active < r.opts.MaxInFlight && len(r.waiting) > 0 {
		req := r.waiting[0]
		r.waiting[0] = nil
		r.waiting = r.waiting[1:]
		metrics.ResolverWaiting.Dec()
		r.activate(req)
	}
}

// finish ends req. With notify the callback runs, otherwise the request
// was superseded by a follow-up search request that inherits the callback.
func (r *Resolver) finish(req *request, res Result, notify bool) {
	if req.done {
		return
	}
	req.done = true
	req.stopTimer()

	if req.inflight {
		delete(r.inflight, req.id)
		req.inflight = false
		if !req.probe {
			r.active--
			metrics.ResolverInFlight.Dec()
		}
	}
	if req.search != nil {
		req.search.release()
		req.search = nil
	}

	if notify && req.cb != nil {
		if res.Name == "" {
			res.Name = req.name
		}
		if res.Type == 0 {
			res.Type = req.qtype
		}
		metrics.ResolverRequestsTotal.WithLabelValues(res.Code.String()).Inc()
		r.log.Debugf("id=%d, name=%s, result=%s, answers=%d", req.id, req.name, res.Code, len(res.Addrs)+len(res.Names))
		req.cb(res)
	}

	r.promote()
}

func (r *Resolver) newID() uint16 {
	id := r.opts.TransactionID()
	for i := 0; i <= 0xffff; i++ {
		if _, busy := r.inflight[id]; !busy {
			return id
		}
		id++
	}
	// unreachable while MaxInFlight stays below the id space
	return id
}

func clockID() uint16 {
	n := time.Now().UnixNano()
	return uint16(n ^ n>>16 ^ n>>32)
}

// SetNDots changes the ndots threshold for future resolve calls.
func (r *Resolver) SetNDots(ndots int) {
	if ndots < 0 {
		ndots = 0
	}
	r.opts.NDots = ndots
	r.ownSearch().ndots = ndots
}

// SetMaxInFlight changes the in-flight capacity, promoting waiting
// requests if it grew.
func (r *Resolver) SetMaxInFlight(n int) {
	if n <= 0 {
		n = defaultMaxInFlight
	}
	r.opts.MaxInFlight = n
	r.promote()
}

// InFlight returns the number of requests assigned to nameservers.
func (r *Resolver) InFlight() int { return r.active }

// Waiting returns the number of queued requests.
func (r *Resolver) Waiting() int { return len(r.waiting) }

// Shutdown closes every nameserver socket and fails all pending requests
// with Shutdown. The resolver cannot be used afterwards.
func (r *Resolver) Shutdown() error {
	if r.closed {
		return nil
	}
	r.closed = true

	var result *multierror.Error
	for _, ns := range r.servers {
		ns.stopProbe()
		if err := ns.conn.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", ns, err))
		}
	}

	pending := make([]*request, 0, len(r.waiting)+len(r.inflight))
	pending = append(pending, r.waiting...)
	r.waiting = nil
	metrics.ResolverWaiting.Set(0)
	for _, req := range r.inflight {
		pending = append(pending, req)
	}
	for _, req := range pending {
		if req.probe {
			req.done = true
			req.stopTimer()
			delete(r.inflight, req.id)
			continue
		}
		r.finish(req, Result{Code: Shutdown}, true)
	}

	if r.search != nil {
		r.search.release()
		r.search = nil
	}

	r.log.Infof("resolver shut down, %d requests failed", len(pending))
	return result.ErrorOrNil()
}
