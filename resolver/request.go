package resolver

import (
	"net"
	"strings"

	"github.com/treemana/evwire/metrics"
	"github.com/treemana/evwire/reactor"
	"github.com/treemana/evwire/wire"
)

type request struct {
	name  string
	qtype uint16
	cb    Callback

	id     uint16
	ns     *Nameserver
	packet []byte

	txCount    int
	timeouts   int
	reissues   int
	transmitMe bool
	timer      reactor.Timer

	search      *searchState
	searchIndex int
	origName    string

	probe    bool
	inflight bool
	done     bool
}

func (req *request) stopTimer() {
	if req.timer != nil {
		req.timer.Stop()
		req.timer = nil
	}
}

func (req *request) armTimer(r *Resolver) {
	req.stopTimer()
	req.timer = r.loop.AfterFunc(r.opts.Timeout, func() {
		req.timer = nil
		r.onTimeout(req)
	})
}

func (r *Resolver) onTimeout(req *request) {
	if req.done || r.closed {
		return
	}
	if req.probe {
		r.probeFailed(req)
		return
	}

	ns := req.ns
	ns.timeouts++
	req.timeouts++
	metrics.NameserverTimeoutsTotal.WithLabelValues(ns.String()).Inc()
	r.log.Debugf("id=%d, name=%s, ns=%s timed out (%d/%d)", req.id, req.name, ns, req.timeouts, r.opts.MaxRetransmits)

	if ns.timeouts > r.opts.MaxTimeouts {
		ns.timeouts = 0
		r.nameserverFailed(ns, "too many timeouts")
	}

	if req.timeouts > r.opts.MaxRetransmits {
		r.finish(req, Result{Code: Timeout}, true)
		return
	}

	if ns.down && r.upCount() > 0 {
		req.ns = r.pick(ns)
	}
	r.transmit(req)
}

// onPacket handles one datagram received from ns.
func (r *Resolver) onPacket(ns *Nameserver, packet []byte) {
	if r.closed {
		return
	}

	p := wire.NewParser(packet)
	h, err := p.Header()
	if err != nil {
		return
	}
	req, ok := r.inflight[h.ID]
	if !ok || !h.Response() || req.ns != ns {
		return
	}
	if h.QDCount > 0 {
		q, err := p.Question()
		if err != nil || !strings.EqualFold(q.Name, req.name) {
			r.log.Debugf("id=%d, reply question does not match %s", h.ID, req.name)
			return
		}
	}

	ns.timeouts = 0
	if req.probe {
		r.finish(req, Result{}, false)
		r.nameserverUp(ns)
		return
	}

	if h.Truncated() {
		r.replyError(req, Truncated)
		return
	}

	code := codeFromRcode(h.RCode())
	switch code {
	case NoError:
	case NotImplemented, Refused:
		r.nameserverFailed(ns, code.String())
		if r.reissue(req) {
			return
		}
		r.replyError(req, code)
		return
	case ServerFailed:
		if !r.opts.RetryOnServerFailure {
			r.log.Debugf("id=%d, ns=%s answered ServerFailed, waiting for timeout", req.id, ns)
			return
		}
		r.retryNow(req)
		return
	default:
		r.nameserverUp(ns)
		r.replyError(req, code)
		return
	}

	msg, err := wire.ParseMessage(packet)
	if err != nil {
		r.log.Debugf("id=%d, malformed reply error=[%+v]", req.id, err)
		r.replyError(req, Unknown)
		return
	}
	r.nameserverUp(ns)

	res, ok := collect(req, msg)
	if !ok {
		r.replyError(req, NotExist)
		return
	}
	r.finish(req, res, true)
}

// collect gathers the answers of the requested type, bounded to maxAnswers,
// along with their minimum TTL.
func collect(req *request, msg *wire.Message) (Result, bool) {
	res := Result{Code: NoError, Type: req.qtype, Name: req.name}
	var n int
	for _, rr := range msg.Answers {
		if n == maxAnswers {
			break
		}
		if rr.Type != req.qtype || rr.Class != wire.ClassINET {
			continue
		}

		switch req.qtype {
		case wire.TypeA:
			if len(rr.Data) != net.IPv4len {
				continue
			}
			res.Addrs = append(res.Addrs, net.IP(append([]byte(nil), rr.Data...)))
		case wire.TypeAAAA:
			if len(rr.Data) != net.IPv6len {
				continue
			}
			res.Addrs = append(res.Addrs, net.IP(append([]byte(nil), rr.Data...)))
		case wire.TypePTR:
			if rr.Target == "" {
				continue
			}
			res.Names = append(res.Names, rr.Target)
		}

		if n == 0 || rr.TTL < res.TTL {
			res.TTL = rr.TTL
		}
		n++
		if req.qtype == wire.TypePTR {
			// one name is all a reverse lookup reports
			break
		}
	}
	return res, n > 0
}

// replyError ends req with a definitive error unless the search list has
// another name to try.
func (r *Resolver) replyError(req *request, code Code) {
	r.log.Debugf("id=%d, name=%s, ns=%s answered %s", req.id, req.name, req.ns, code)
	if r.searchNext(req) {
		return
	}
	r.finish(req, Result{Code: code}, true)
}

// reissue resends req through another nameserver with a fresh id. It
// reports false once the reissue budget is spent or no other server exists.
func (r *Resolver) reissue(req *request) bool {
	if req.reissues >= r.opts.MaxReissues {
		return false
	}
	next := r.pick(req.ns)
	if next == req.ns {
		return false
	}
	req.reissues++

	delete(r.inflight, req.id)
	req.id = r.newID()
	req.packet, _ = wire.Query(req.id, req.name, req.qtype, true)
	r.inflight[req.id] = req

	r.log.Debugf("id=%d, name=%s reissued to ns=%s", req.id, req.name, next)
	req.ns = next
	req.timeouts = 0
	// the old server's timer must not charge next if next is choked
	req.stopTimer()
	r.transmit(req)
	return true
}

// retryNow treats a reply as an immediate timeout.
func (r *Resolver) retryNow(req *request) {
	req.stopTimer()
	r.onTimeout(req)
}
