package resolver

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/treemana/evwire/metrics"
	"github.com/treemana/evwire/reactor"
	"github.com/treemana/evwire/util"
	"github.com/treemana/evwire/wire"
)

const (
	// writeSlack bounds a send on the reactor goroutine; a socket that is
	// not writable within it counts as choked.
	writeSlack = 5 * time.Millisecond

	readBufferSize = 4096
)

// Nameserver is one configured server and its health state.
type Nameserver struct {
	addr *net.UDPAddr
	conn net.Conn

	down     bool
	failures int
	timeouts int
	choked   bool

	probeTimer reactor.Timer
	probeIndex int
}

func (ns *Nameserver) String() string { return ns.addr.String() }

func (ns *Nameserver) send(packet []byte) error {
	if err := ns.conn.SetWriteDeadline(time.Now().Add(writeSlack)); err != nil {
		return err
	}
	_, err := ns.conn.Write(packet)
	return err
}

func (ns *Nameserver) stopProbe() {
	if ns.probeTimer != nil {
		ns.probeTimer.Stop()
		ns.probeTimer = nil
	}
}

// NameserverStatus is a snapshot of one nameserver.
type NameserverStatus struct {
	Address  string
	Up       bool
	Failures int
	Timeouts int
}

// AddNameserver adds "ip[:port]" to the rotation. Port 53 is the default.
func (r *Resolver) AddNameserver(raw string) error {
	if r.closed {
		return ErrClosed
	}

	addr, err := util.ParseAddr(raw, 53)
	if err != nil {
		return err
	}
	for _, ns := range r.servers {
		if ns.addr.String() == addr.String() {
			return fmt.Errorf("nameserver %s already configured", addr)
		}
	}

	conn, err := r.opts.Dial(addr)
	if err != nil {
		return fmt.Errorf("nameserver %s dial error=[%w]", addr, err)
	}

	ns := &Nameserver{addr: addr, conn: conn}
	r.servers = append(r.servers, ns)
	metrics.NameserverUp.WithLabelValues(ns.String()).Set(1)
	go r.read(ns)

	r.log.Infof("nameserver %d %s added", len(r.servers)-1, ns)
	return nil
}

// Count returns the number of configured nameservers.
func (r *Resolver) Count() int { return len(r.servers) }

func (r *Resolver) Nameservers() []NameserverStatus {
	out := make([]NameserverStatus, 0, len(r.servers))
	for _, ns := range r.servers {
		out = append(out, NameserverStatus{
			Address:  ns.String(),
			Up:       !ns.down,
			Failures: ns.failures,
			Timeouts: ns.timeouts,
		})
	}
	return out
}

func (r *Resolver) read(ns *Nameserver) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := ns.conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				return
			}
			// ICMP unreachable and friends surface here; the request
			// will time out on its own
			continue
		}

		packet := make([]byte, n)
		copy(packet, buf[:n])
		r.loop.Post(func() { r.onPacket(ns, packet) })
	}
}

// pick returns the next nameserver round-robin, skipping servers marked
// down and avoid. When nothing else is up it falls back to any server.
func (r *Resolver) pick(avoid *Nameserver) *Nameserver {
	n := len(r.servers)
	for i := 0; i < n; i++ {
		ns := r.servers[(r.next+i)%n]
		if !ns.down && ns != avoid {
			r.next = (r.next + i + 1) % n
			return ns
		}
	}
	for i := 0; i < n; i++ {
		ns := r.servers[(r.next+i)%n]
		if ns != avoid {
			r.next = (r.next + i + 1) % n
			return ns
		}
	}
	ns := r.servers[r.next%n]
	r.next = (r.next + 1) % n
	return ns
}

func (r *Resolver) upCount() int {
	var up int
	for _, ns := range r.servers {
		if !ns.down {
			up++
		}
	}
	return up
}

// transmit sends req to its nameserver. A choked nameserver keeps the
// request pending until the socket drains.
func (r *Resolver) transmit(req *request) {
	ns := req.ns
	if ns.choked {
		req.transmitMe = true
		return
	}

	err := ns.send(req.packet)
	switch {
	case err == nil:
	case wouldBlock(err):
		req.transmitMe = true
		r.choke(ns, req)
		return
	default:
		// the timeout below retransmits it
		r.log.Warnf("id=%d, ns=%s, send error=[%+v]", req.id, ns, err)
	}

	req.transmitMe = false
	req.txCount++
	req.armTimer(r)
}

// choke waits for ns to become writable by finishing the blocked send off
// the reactor, then flushes every request still pending on ns.
func (r *Resolver) choke(ns *Nameserver, req *request) {
	ns.choked = true
	r.log.Debugf("ns=%s choked", ns)

	packet := req.packet
	var err error
	r.loop.Background(func() {
		_ = ns.conn.SetWriteDeadline(time.Time{})
		_, err = ns.conn.Write(packet)
	}, func() {
		ns.choked = false
		if r.closed {
			return
		}
		if err == nil && !req.done && req.ns == ns && req.transmitMe {
			req.transmitMe = false
			req.txCount++
			req.armTimer(r)
		}
		r.flush(ns)
	})
}

func (r *Resolver) flush(ns *Nameserver) {
	var pending []*request
	for _, req := range r.inflight {
		if req.ns == ns && req.transmitMe {
			pending = append(pending, req)
		}
	}
	for _, req := range pending {
		if ns.choked {
			return
		}
		r.transmit(req)
	}
}

func wouldBlock(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.ENOBUFS)
}

// nameserverFailed marks ns down, schedules a recovery probe and moves
// requests that were never sent to ns over to other servers.
func (r *Resolver) nameserverFailed(ns *Nameserver, reason string) {
	if ns.down {
		return
	}
	ns.down = true
	ns.failures++
	metrics.NameserverUp.WithLabelValues(ns.String()).Set(0)
	r.log.Warnf("ns=%s is down: %s", ns, reason)

	r.scheduleProbe(ns)

	if r.upCount() == 0 {
		// nothing better to move them to
		return
	}

	var moved []*request
	for _, req := range r.inflight {
		if req.ns == ns && req.transmitMe && !req.probe {
			moved = append(moved, req)
		}
	}
	for _, req := range moved {
		req.ns = r.pick(ns)
		r.log.Debugf("id=%d moved from ns=%s to ns=%s", req.id, ns, req.ns)
		r.transmit(req)
	}
}

func (r *Resolver) nameserverUp(ns *Nameserver) {
	ns.timeouts = 0
	if !ns.down {
		return
	}
	ns.down = false
	ns.failures = 0
	ns.probeIndex = 0
	ns.stopProbe()
	metrics.NameserverUp.WithLabelValues(ns.String()).Set(1)
	r.log.Infof("ns=%s is up again", ns)
}

func (r *Resolver) scheduleProbe(ns *Nameserver) {
	ns.stopProbe()
	backoff := r.opts.ProbeBackoff
	idx := ns.probeIndex
	if idx >= len(backoff) {
		idx = len(backoff) - 1
	}
	ns.probeIndex++

	delay := backoff[idx]
	r.log.Debugf("ns=%s probe in %s", ns, delay)
	ns.probeTimer = r.loop.AfterFunc(delay, func() {
		ns.probeTimer = nil
		r.sendProbe(ns)
	})
}

// sendProbe asks a down nameserver for a well-known name. Any reply brings
// it back up; a timeout schedules the next, longer wait.
func (r *Resolver) sendProbe(ns *Nameserver) {
	if r.closed || !ns.down {
		return
	}

	req := &request{name: r.opts.ProbeHost, qtype: wire.TypeA, probe: true, searchIndex: -1}
	req.id = r.newID()
	req.ns = ns
	packet, err := wire.Query(req.id, req.name, req.qtype, true)
	if err != nil {
		r.log.Errorf("probe host %q error=[%+v]", req.name, err)
		return
	}
	req.packet = packet
	req.inflight = true
	r.inflight[req.id] = req

	r.log.Debugf("id=%d, probing ns=%s", req.id, ns)
	r.transmit(req)
}

func (r *Resolver) probeFailed(req *request) {
	ns := req.ns
	r.finish(req, Result{}, false)
	if !r.closed && ns.down {
		r.log.Debugf("ns=%s probe timed out", ns)
		r.scheduleProbe(ns)
	}
}
