package evhttp

import (
	"errors"
	"fmt"
	"html"
	"net"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/treemana/evwire/log"
	"github.com/treemana/evwire/reactor"
)

// Handler serves one request. It answers with one of the reply methods of
// Request, now or later from the reactor goroutine.
type Handler func(req *Request)

// Server accepts HTTP connections and dispatches their requests.
type Server struct {
	loop reactor.Reactor
	log  *zap.SugaredLogger
	opts Options

	listeners []net.Listener
	conns     map[*Connection]struct{}
	handlers  map[string]Handler
	generic   Handler
	closed    bool
}

// NewServer creates a server. opts apply to every accepted connection.
func NewServer(loop reactor.Reactor, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.Named("evhttp.server")
	}
	opts.setDefaults()
	return &Server{
		loop:     loop,
		log:      opts.Logger,
		opts:     opts,
		conns:    make(map[*Connection]struct{}),
		handlers: make(map[string]Handler),
	}
}

// Bind listens on addr and serves it.
func (s *Server) Bind(addr string) (net.Addr, error) {
	if s.closed {
		return nil, ErrClosed
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("http listen %s error=[%w]", addr, err)
	}
	s.Serve(l)
	return l.Addr(), nil
}

// Serve accepts connections from l until the server closes.
func (s *Server) Serve(l net.Listener) {
	s.listeners = append(s.listeners, l)
	s.log.Infof("http server listening on %s", l.Addr())

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.log.Warnf("accept error=[%+v]", err)
				continue
			}
			s.loop.Post(func() { s.accept(conn) })
		}
	}()
}

// Handle routes requests whose path equals path to h.
func (s *Server) Handle(path string, h Handler) error {
	if _, ok := s.handlers[path]; ok {
		return fmt.Errorf("path %s already handled", path)
	}
	s.handlers[path] = h
	return nil
}

func (s *Server) Unhandle(path string) error {
	if _, ok := s.handlers[path]; !ok {
		return fmt.Errorf("path %s not handled", path)
	}
	delete(s.handlers, path)
	return nil
}

// HandleGeneric sets the handler for requests no path matches.
func (s *Server) HandleGeneric(h Handler) { s.generic = h }

// Close stops listening and drops every open connection.
func (s *Server) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var result *multierror.Error
	for _, l := range s.listeners {
		if err := l.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.listeners = nil

	for c := range s.conns {
		c.Free()
	}
	return result.ErrorOrNil()
}

func (s *Server) accept(conn net.Conn) {
	if s.closed {
		_ = conn.Close()
		return
	}

	c := &Connection{
		loop:   s.loop,
		log:    s.log,
		opts:   s.opts,
		server: s,
	}
	s.conns[c] = struct{}{}
	countConnection(1)

	c.attach(conn)
	c.next()
	s.log.Debugf("peer=%s accepted", c.peer())
}

func (s *Server) forget(c *Connection) {
	if _, ok := s.conns[c]; ok {
		delete(s.conns, c)
		countConnection(-1)
	}
}

// next readies an accepted connection for its next request.
func (c *Connection) next() {
	c.requests = append(c.requests, newIncoming(c))
	c.state = ReadingFirstLine
	c.headerBytes = 0
	c.armTimer()
	c.process()
}

func (s *Server) dispatch(req *Request) {
	s.log.Debugf("peer=%s, %s %s", req.RemoteAddr, req.Method, req.URI)

	if h, ok := s.handlers[req.URI]; ok {
		h(req)
		return
	}
	if h, ok := s.handlers[req.Path()]; ok {
		h(req)
		return
	}
	if s.generic != nil {
		s.generic(req)
		return
	}
	notFound(req)
}

func notFound(req *Request) {
	_ = req.OutputHeader.Set("Content-Type", "text/html")
	body := fmt.Sprintf("<html><head><title>404 Not Found</title></head>"+
		"<body><h1>Not Found</h1><p>The requested URL %s was not found on this server.</p></body></html>\n",
		html.EscapeString(req.URI))
	req.SendReply(404, "Not Found", []byte(body))
}

// serverFail handles a broken incoming exchange. Malformed or oversized
// requests get an error reply before the connection closes.
func (c *Connection) serverFail(err error) {
	req := c.head()
	reading := c.state == ReadingFirstLine || c.state == ReadingHeaders ||
		c.state == ReadingBody || c.state == ReadingTrailer

	if req != nil && reading && c.conn != nil {
		code, reason := 0, ""
		switch {
		case errors.Is(err, ErrInvalidHeader):
			code, reason = 400, "Bad Request"
		case errors.Is(err, ErrHeadersTooLarge), errors.Is(err, ErrBodyTooLarge):
			code, reason = 413, "Request Entity Too Large"
		}
		if code != 0 {
			c.log.Debugf("peer=%s, %+v, replying %d", c.peer(), err, code)
			c.stopTimer()
			c.state = Writing
			req.SendError(code, reason)
			return
		}
	}

	c.log.Debugf("peer=%s, state=%s, %+v", c.peer(), c.state, err)
	c.Free()
}
