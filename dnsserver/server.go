// Package dnsserver answers DNS queries received on UDP ports. A handler
// sees every well-formed query and answers it, immediately or later, by
// adding records to the request and calling Respond.
package dnsserver

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/treemana/evwire/log"
	"github.com/treemana/evwire/metrics"
	"github.com/treemana/evwire/reactor"
	"github.com/treemana/evwire/wire"
)

const (
	writeSlack = 5 * time.Millisecond
	readSize   = 1500
)

// questionsPrealloc caps the capacity taken from a sender supplied count.
const questionsPrealloc = 8

// Handler is invoked on the reactor goroutine for every query.
type Handler func(req *Request)

type Options struct {
	Logger *zap.SugaredLogger
}

type Server struct {
	loop    reactor.Reactor
	log     *zap.SugaredLogger
	handler Handler

	ports  []*Port
	serial uint64
	closed bool
}

func New(loop reactor.Reactor, handler Handler, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.Named("dnsserver")
	}
	return &Server{loop: loop, log: opts.Logger, handler: handler}
}

// Listen opens a UDP port on addr and starts answering on it.
func (s *Server) Listen(addr string) (*Port, error) {
	if s.closed {
		return nil, net.ErrClosed
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("dns server listen %s error=[%w]", addr, err)
	}
	return s.AddPort(conn), nil
}

// AddPort answers queries arriving on conn. The server owns conn from now
// on.
func (s *Server) AddPort(conn net.PacketConn) *Port {
	p := &Port{server: s, conn: conn, refs: 1}
	s.ports = append(s.ports, p)
	go p.read()

	s.log.Infof("dns server listening on %s", conn.LocalAddr())
	return p
}

// Close stops every port. Replies still queued are flushed before the
// sockets close.
func (s *Server) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var result *multierror.Error
	for _, p := range s.ports {
		if err := p.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.ports = nil
	return result.ErrorOrNil()
}

// Port is one listening socket. It is referenced by the server and by every
// request received on it that has not been answered or dropped; the socket
// closes once the last reference goes.
type Port struct {
	server *Server
	conn   net.PacketConn

	refs    int
	closing bool

	queue  []*Request
	choked bool
}

func (p *Port) Addr() net.Addr { return p.conn.LocalAddr() }

// Close stops accepting queries on the port.
func (p *Port) Close() error {
	if p.closing {
		return nil
	}
	p.closing = true
	return p.release()
}

func (p *Port) acquire() { p.refs++ }

func (p *Port) release() error {
	p.refs--
	if p.refs > 0 {
		return nil
	}
	if err := p.conn.Close(); err != nil {
		return fmt.Errorf("close port %s: %w", p.conn.LocalAddr(), err)
	}
	p.server.log.Debugf("port %s closed", p.conn.LocalAddr())
	return nil
}

func (p *Port) releaseLogged() {
	if err := p.release(); err != nil {
		p.server.log.Warnf("%+v", err)
	}
}

func (p *Port) read() {
	buf := make([]byte, readSize)
	for {
		n, from, err := p.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		p.server.loop.Post(func() { p.handle(packet, from) })
	}
}

// handle parses the header and question section of one query. Everything
// past the questions is ignored.
func (p *Port) handle(packet []byte, from net.Addr) {
	s := p.server
	if p.closing {
		return
	}
	metrics.DNSServerRequestsTotal.Inc()
	s.serial++
	sn := s.serial

	parser := wire.NewParser(packet)
	h, err := parser.Header()
	if err != nil {
		s.log.Debugf("sn=%d, from=%s, short packet", sn, from)
		return
	}
	if h.Response() {
		s.log.Debugf("sn=%d, from=%s, id=%d is a response, dropped", sn, from, h.ID)
		return
	}

	questions, err := readQuestions(parser, h.QDCount)
	if err != nil {
		s.log.Debugf("sn=%d, from=%s, id=%d, question error=[%+v]", sn, from, h.ID, err)
		return
	}

	req := &Request{
		port:      p,
		sn:        sn,
		header:    h,
		Questions: questions,
		Addr:      from,
	}
	p.acquire()

	if h.Opcode() != 0 {
		s.log.Debugf("sn=%d, id=%d, opcode %d not implemented", sn, h.ID, h.Opcode())
		_ = req.Respond(wire.RcodeNotImplemented)
		return
	}

	if s.handler == nil {
		_ = req.Respond(wire.RcodeServerFailure)
		return
	}
	s.handler(req)
}

// send transmits an encoded reply or queues it behind earlier replies while
// the socket is not writable.
func (p *Port) send(req *Request) {
	if p.choked {
		p.enqueue(req)
		return
	}

	err := p.write(req, true)
	if wouldBlock(err) {
		p.enqueue(req)
		p.drain()
		return
	}
	if err != nil {
		p.server.log.Warnf("sn=%d, to=%s, write error=[%+v]", req.sn, req.Addr, err)
	}
	p.releaseLogged()
}

func (p *Port) write(req *Request, bounded bool) error {
	deadline := time.Time{}
	if bounded {
		deadline = time.Now().Add(writeSlack)
	}
	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := p.conn.WriteTo(req.response, req.Addr)
	return err
}

func (p *Port) enqueue(req *Request) {
	p.queue = append(p.queue, req)
	metrics.DNSServerQueued.Inc()
}

// drain waits until the head of the queue can be written, then flushes as
// much of the queue as the socket accepts.
func (p *Port) drain() {
	if len(p.queue) == 0 {
		p.choked = false
		return
	}
	p.choked = true

	head := p.queue[0]
	var err error
	p.server.loop.Background(func() {
		err = p.write(head, false)
	}, func() {
		p.dequeue(head, err)
		for len(p.queue) > 0 {
			next := p.queue[0]
			err := p.write(next, true)
			if wouldBlock(err) {
				p.drain()
				return
			}
			p.dequeue(next, err)
		}
		p.choked = false
	})
}

func (p *Port) dequeue(req *Request, err error) {
	p.queue[0] = nil
	p.queue = p.queue[1:]
	metrics.DNSServerQueued.Dec()
	if err != nil {
		p.server.log.Warnf("sn=%d, to=%s, queued write error=[%+v]", req.sn, req.Addr, err)
	}
	p.releaseLogged()
}

func readQuestions(parser *wire.Parser, count uint16) ([]wire.Question, error) {
	questions := make([]wire.Question, 0, min(int(count), questionsPrealloc))
	for i := 0; i < int(count); i++ {
		q, err := parser.Question()
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, nil
}

func wouldBlock(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.ENOBUFS)
}
