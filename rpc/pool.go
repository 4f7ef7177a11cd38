package rpc

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/treemana/evwire/evhttp"
	"github.com/treemana/evwire/log"
	"github.com/treemana/evwire/metrics"
	"github.com/treemana/evwire/reactor"
)

// Pool spreads outgoing calls over a set of HTTP connections, one call per
// connection at a time. Calls wait in submission order for a free
// connection.
type Pool struct {
	loop    reactor.Reactor
	log     *zap.SugaredLogger
	conns   []*evhttp.Connection
	busy    map[*evhttp.Connection]*pending
	queue   []*pending
	timeout time.Duration
	hooks   hookChain
	freed   bool
}

// pending is one call waiting for, or running on, a connection.
type pending struct {
	name   string
	path   string
	body   []byte
	conn   *evhttp.Connection
	timer  reactor.Timer
	finish func(req *evhttp.Request, st Status) Status
	done   bool
}

func NewPool(loop reactor.Reactor) *Pool {
	return &Pool{
		loop: loop,
		log:  log.Named("rpc.pool"),
		busy: make(map[*evhttp.Connection]*pending),
	}
}

// AddConnection hands conn to the pool; Free frees it with the pool.
func (p *Pool) AddConnection(conn *evhttp.Connection) {
	p.conns = append(p.conns, conn)
	p.schedule()
}

// RemoveConnection takes conn out of the pool. A call running on it is
// left to finish.
func (p *Pool) RemoveConnection(conn *evhttp.Connection) error {
	for i, c := range p.conns {
		if c == conn {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("connection %s not in pool", conn.Addr())
}

// SetTimeout bounds every call dispatched from now on; zero disables the
// limit.
func (p *Pool) SetTimeout(d time.Duration) { p.timeout = d }

func (p *Pool) AddHook(dir Direction, fn Hook) HookID { return p.hooks.add(dir, fn) }

func (p *Pool) RemoveHook(dir Direction, id HookID) bool { return p.hooks.remove(dir, id) }

// InFlight returns the number of calls running on a connection.
func (p *Pool) InFlight() int { return len(p.busy) }

// Queued returns the number of calls waiting for a connection.
func (p *Pool) Queued() int { return len(p.queue) }

// Free fails queued calls with Unstarted and frees every connection, which
// ends running calls with Timeout.
func (p *Pool) Free() {
	if p.freed {
		return
	}
	p.freed = true

	queue := p.queue
	p.queue = nil
	for _, pd := range queue {
		p.finish(pd, nil, Unstarted)
	}
	for _, c := range p.conns {
		c.Free()
	}
	p.conns = nil
}

// Call sends request through p. cb runs exactly once on the reactor
// goroutine; reply is only set when st is OK.
func (m Method[Req, Rep]) Call(p *Pool, request Req, cb func(st Status, reply Rep)) {
	pd := &pending{
		name: m.Name,
		path: m.Path(),
		finish: func(req *evhttp.Request, st Status) Status {
			var reply Rep
			if st == OK {
				reply, st = m.readReply(p, req)
			}
			cb(st, reply)
			return st
		},
	}

	if err := m.validate(); err != nil {
		p.log.Warnf("%+v", err)
		p.finish(pd, nil, Unstarted)
		return
	}
	if p.freed || len(p.conns) == 0 {
		p.finish(pd, nil, Unstarted)
		return
	}
	if !m.Request.Complete(request) {
		p.log.Warnf("method=%s, request incomplete", m.Name)
		p.finish(pd, nil, Unstarted)
		return
	}
	body, err := m.Request.Marshal(request)
	if err != nil {
		p.log.Warnf("method=%s, marshal error=[%+v]", m.Name, err)
		p.finish(pd, nil, Unstarted)
		return
	}
	pd.body = body

	p.queue = append(p.queue, pd)
	p.schedule()
}

func (m Method[Req, Rep]) readReply(p *Pool, req *evhttp.Request) (Rep, Status) {
	var zero Rep
	if err := p.hooks.run(Input, req, req.Input); err != nil {
		p.log.Debugf("method=%s, input hook: %+v", m.Name, err)
		return zero, HookAborted
	}
	if req.Code != 200 {
		p.log.Debugf("method=%s, reply %d %s", m.Name, req.Code, req.Reason)
		return zero, BadPayload
	}
	reply := m.Reply.New()
	if err := m.Reply.Unmarshal(req.Input.Bytes(), reply); err != nil {
		p.log.Debugf("method=%s, unmarshal reply error=[%+v]", m.Name, err)
		return zero, BadPayload
	}
	return reply, OK
}

// schedule hands queued calls to idle connections in order.
func (p *Pool) schedule() {
	for len(p.queue) > 0 && !p.freed {
		conn := p.idle()
		if conn == nil {
			return
		}
		pd := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.dispatch(pd, conn)
	}
}

func (p *Pool) idle() *evhttp.Connection {
	for _, c := range p.conns {
		if _, ok := p.busy[c]; !ok && c.Pending() == 0 {
			return c
		}
	}
	return nil
}

func (p *Pool) dispatch(pd *pending, conn *evhttp.Connection) {
	req := evhttp.NewRequest(func(req *evhttp.Request, err error) {
		p.complete(pd, req, err)
	})
	req.Output.Write(pd.body)
	_ = req.OutputHeader.Set("Content-Type", contentType)

	if err := p.hooks.run(Output, req, req.Output); err != nil {
		p.log.Debugf("method=%s, output hook: %+v", pd.name, err)
		p.finish(pd, nil, HookAborted)
		return
	}
	if err := conn.MakeRequest(req, evhttp.MethodPost, pd.path); err != nil {
		p.log.Warnf("method=%s, addr=%s, %+v", pd.name, conn.Addr(), err)
		p.finish(pd, nil, Unstarted)
		return
	}

	pd.conn = conn
	p.busy[conn] = pd
	if p.timeout > 0 {
		pd.timer = p.loop.AfterFunc(p.timeout, func() {
			pd.timer = nil
			p.log.Debugf("method=%s, addr=%s, timeout", pd.name, conn.Addr())
			conn.Fail(evhttp.ErrTimeout)
		})
	}
}

// complete runs when the HTTP exchange of pd ends, then moves the queue.
func (p *Pool) complete(pd *pending, req *evhttp.Request, err error) {
	if pd.timer != nil {
		pd.timer.Stop()
		pd.timer = nil
	}
	if p.busy[pd.conn] == pd {
		delete(p.busy, pd.conn)
	}

	switch {
	case errors.Is(err, evhttp.ErrConnectFailed):
		// the request never left the pool's side
		p.log.Debugf("method=%s, addr=%s, %+v", pd.name, pd.conn.Addr(), err)
		p.finish(pd, nil, Unstarted)
	case err != nil:
		p.log.Debugf("method=%s, addr=%s, %+v", pd.name, pd.conn.Addr(), err)
		p.finish(pd, nil, Timeout)
	default:
		p.finish(pd, req, OK)
	}
	p.schedule()
}

func (p *Pool) finish(pd *pending, req *evhttp.Request, st Status) {
	if pd.done {
		return
	}
	pd.done = true
	st = pd.finish(req, st)
	metrics.RPCCallsTotal.WithLabelValues(pd.name, st.String()).Inc()
}
