package rpc

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/treemana/evwire/evhttp"
	"github.com/treemana/evwire/log"
	"github.com/treemana/evwire/metrics"
)

// Base serves registered methods on one HTTP server.
type Base struct {
	server  *evhttp.Server
	log     *zap.SugaredLogger
	methods map[string]struct{}
	hooks   hookChain
}

func NewBase(server *evhttp.Server) *Base {
	return &Base{
		server:  server,
		log:     log.Named("rpc.base"),
		methods: make(map[string]struct{}),
	}
}

// AddHook appends fn to the chain of dir; every served call passes
// through it.
func (b *Base) AddHook(dir Direction, fn Hook) HookID { return b.hooks.add(dir, fn) }

func (b *Base) RemoveHook(dir Direction, id HookID) bool { return b.hooks.remove(dir, id) }

// Unregister stops serving the method called name.
func (b *Base) Unregister(name string) error {
	if _, ok := b.methods[name]; !ok {
		return fmt.Errorf("rpc method %s not registered", name)
	}
	delete(b.methods, name)
	return b.server.Unhandle(pathPrefix + name)
}

// Handler serves one call. It fills in call.Reply and finishes with
// call.Done, now or later on the reactor goroutine.
type Handler[Req, Rep any] func(call *ServerCall[Req, Rep])

// Register serves m on b with h.
func Register[Req, Rep any](b *Base, m Method[Req, Rep], h Handler[Req, Rep]) error {
	if err := m.validate(); err != nil {
		return err
	}
	if _, ok := b.methods[m.Name]; ok {
		return fmt.Errorf("rpc method %s already registered", m.Name)
	}
	err := b.server.Handle(m.Path(), func(req *evhttp.Request) {
		serve(b, m, h, req)
	})
	if err != nil {
		return err
	}
	b.methods[m.Name] = struct{}{}
	b.log.Debugf("registered %s", m.Path())
	return nil
}

// ServerCall is one call being served.
type ServerCall[Req, Rep any] struct {
	Request Req
	Reply   Rep

	base   *Base
	method Method[Req, Rep]
	http   *evhttp.Request
	done   bool
}

// HTTP returns the underlying exchange, for handlers that need headers or
// the peer address.
func (c *ServerCall[Req, Rep]) HTTP() *evhttp.Request { return c.http }

// Done sends the reply. An incomplete reply or a failing output hook is
// answered with 503 instead.
func (c *ServerCall[Req, Rep]) Done() {
	if c.done {
		return
	}
	c.done = true
	b, name, req := c.base, c.method.Name, c.http

	if !c.method.Reply.Complete(c.Reply) {
		b.log.Warnf("method=%s, reply incomplete", name)
		b.reject(name, req)
		return
	}
	raw, err := c.method.Reply.Marshal(c.Reply)
	if err != nil {
		b.log.Warnf("method=%s, marshal reply error=[%+v]", name, err)
		b.reject(name, req)
		return
	}

	req.Output.Reset()
	req.Output.Write(raw)
	if err := b.hooks.run(Output, req, req.Output); err != nil {
		b.log.Debugf("method=%s, output hook: %+v", name, err)
		b.reject(name, req)
		return
	}
	if !req.OutputHeader.Has("Content-Type") {
		_ = req.OutputHeader.Set("Content-Type", contentType)
	}
	metrics.RPCServedTotal.WithLabelValues(name, "200").Inc()
	req.SendReply(200, "OK", nil)
}

// Fail answers the call with 503.
func (c *ServerCall[Req, Rep]) Fail() {
	if c.done {
		return
	}
	c.done = true
	c.base.reject(c.method.Name, c.http)
}

func serve[Req, Rep any](b *Base, m Method[Req, Rep], h Handler[Req, Rep], req *evhttp.Request) {
	if req.Method != evhttp.MethodPost || req.Input.Len() == 0 {
		b.log.Debugf("method=%s, peer=%s, %s with %d bytes rejected", m.Name, req.RemoteAddr, req.Method, req.Input.Len())
		b.reject(m.Name, req)
		return
	}
	if err := b.hooks.run(Input, req, req.Input); err != nil {
		b.log.Debugf("method=%s, peer=%s, input hook: %+v", m.Name, req.RemoteAddr, err)
		b.reject(m.Name, req)
		return
	}

	msg := m.Request.New()
	if err := m.Request.Unmarshal(req.Input.Bytes(), msg); err != nil {
		b.log.Debugf("method=%s, peer=%s, unmarshal error=[%+v]", m.Name, req.RemoteAddr, err)
		b.reject(m.Name, req)
		return
	}

	h(&ServerCall[Req, Rep]{
		Request: msg,
		Reply:   m.Reply.New(),
		base:    b,
		method:  m,
		http:    req,
	})
}

func (b *Base) reject(name string, req *evhttp.Request) {
	metrics.RPCServedTotal.WithLabelValues(name, "503").Inc()
	req.SendError(503, "Service Unavailable")
}
