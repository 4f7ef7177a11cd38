package evhttp

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/treemana/evwire/metrics"
	"github.com/treemana/evwire/reactor"
)

// NewConnection creates an outgoing connection to addr ("host:port"). It
// connects lazily on the first request.
func NewConnection(loop reactor.Reactor, addr string, opts Options) *Connection {
	opts.setDefaults()
	return &Connection{
		loop: loop,
		log:  opts.Logger,
		opts: opts,
		addr: addr,
	}
}

func (c *Connection) Addr() string { return c.addr }

// Connects returns how many sockets the connection has opened.
func (c *Connection) Connects() int { return c.connects }

// MakeRequest queues req as method uri. A Host header and, for bodies, a
// Content-Length header are added when missing.
func (c *Connection) MakeRequest(req *Request, method, uri string) error {
	if c.freed || c.isIncoming() {
		return ErrClosed
	}
	if !validMethod(method) {
		return fmt.Errorf("unknown method %q", method)
	}
	if uri == "" {
		return fmt.Errorf("empty uri")
	}

	req.Kind = KindResponse
	req.Method = method
	req.URI = uri
	req.proxy = uri[0] != '/' && uri != "*"
	req.conn = c

	if !req.OutputHeader.Has("Host") {
		if err := req.OutputHeader.Add("Host", hostHeader(c.addr)); err != nil {
			return err
		}
	}
	if !req.OutputHeader.Has("Content-Length") && !req.OutputHeader.Has("Transfer-Encoding") &&
		(req.Output.Len() > 0 || method == MethodPost || method == MethodPut || method == MethodPatch) {
		if err := req.OutputHeader.Add("Content-Length", strconv.Itoa(req.Output.Len())); err != nil {
			return err
		}
	}

	c.requests = append(c.requests, req)
	if len(c.requests) > 1 {
		return nil
	}
	switch c.state {
	case Disconnected:
		c.connect()
	case Idle:
		c.dispatch()
	}
	return nil
}

func hostHeader(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if port == "80" {
		return host
	}
	return addr
}

// CancelRequest removes req from the queue without running its callback.
// A request already in progress takes the socket down with it.
func (c *Connection) CancelRequest(req *Request) {
	for i, r := range c.requests {
		if r != req {
			continue
		}
		inProgress := i == 0 && c.state != Disconnected && c.state != Connecting && c.state != Idle
		c.requests = append(c.requests[:i], c.requests[i+1:]...)
		req.conn = nil
		if len(c.requests) == 0 && c.retryTimer != nil {
			// nothing left to connect for
			c.stopRetry()
			c.retryCount = 0
		}
		if inProgress {
			c.reset()
			if len(c.requests) > 0 {
				c.connect()
			}
		}
		return
	}
}

// Fail aborts the exchange in progress with err, as if the socket had
// failed.
func (c *Connection) Fail(err error) {
	if c.head() == nil {
		return
	}
	c.fail(err)
}

// Free closes the connection and fails every queued request with
// ErrCanceled before returning.
func (c *Connection) Free() {
	if c.freed {
		return
	}
	c.freed = true
	c.stopRetry()

	pending := c.requests
	c.requests = nil
	c.reset()
	if c.isIncoming() {
		c.server.forget(c)
	}
	for _, req := range pending {
		req.conn = nil
		if req.cb != nil {
			req.cb(nil, ErrCanceled)
		}
	}
}

func (c *Connection) connect() {
	if c.freed {
		return
	}
	c.stopRetry()
	c.state = Connecting
	c.gen++
	gen := c.gen

	var (
		conn net.Conn
		err  error
	)
	dial, addr, timeout := c.opts.Dial, c.addr, c.opts.Timeout
	c.loop.Background(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		conn, err = dial(ctx, "tcp", addr)
	}, func() {
		if gen != c.gen || c.freed {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		c.connected(conn, err)
	})
}

func (c *Connection) connected(conn net.Conn, err error) {
	if err != nil {
		c.log.Debugf("addr=%s, connect error=[%+v]", c.addr, err)
		c.retry(err)
		return
	}

	c.connects++
	c.retryCount = 0
	c.attach(conn)
	c.state = Idle
	c.log.Debugf("addr=%s connected", c.addr)

	if c.head() != nil {
		c.dispatch()
	}
}

// retry schedules the next connect attempt after min(cap, 2^n seconds),
// or fails every queued request once the retry budget is spent.
func (c *Connection) retry(err error) {
	c.state = Disconnected
	if len(c.requests) == 0 {
		c.retryCount = 0
		return
	}
	if c.opts.Retries < 0 || c.retryCount < c.opts.Retries {
		delay := backoff(c.retryCount, c.opts.RetryCap)
		c.retryCount++
		metrics.HTTPConnectRetriesTotal.Inc()
		c.log.Debugf("addr=%s, retry %d in %s", c.addr, c.retryCount, delay)
		c.retryTimer = c.loop.AfterFunc(delay, func() {
			c.retryTimer = nil
			c.connect()
		})
		return
	}

	c.retryCount = 0
	pending := c.requests
	c.requests = nil
	c.reset()
	failure := fmt.Errorf("%w: %s: %v", ErrConnectFailed, c.addr, err)
	for _, req := range pending {
		req.conn = nil
		if req.cb != nil {
			req.cb(nil, failure)
		}
	}
}

func (c *Connection) stopRetry() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func backoff(n int, limit time.Duration) time.Duration {
	if n > 30 {
		return limit
	}
	d := time.Second << n
	if d > limit {
		return limit
	}
	return d
}

// dispatch writes the request at the head of the queue.
func (c *Connection) dispatch() {
	req := c.head()
	c.state = Writing
	c.headerBytes = 0

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s HTTP/%d.%d\r\n", req.Method, req.URI, req.Major, req.Minor)
	req.OutputHeader.Each(func(key, value string) {
		fmt.Fprintf(&buf, "%s: %s\r\n", key, value)
	})
	buf.WriteString("\r\n")
	buf.Write(req.Output.Bytes())

	c.send(buf.Bytes(), func() {
		if c.head() != req {
			return
		}
		c.state = ReadingFirstLine
		c.armTimer()
		c.process()
	})
}

// clientDone finishes the response at the head of the queue and moves on
// to the next request.
func (c *Connection) clientDone() {
	req := c.popHead()
	req.conn = nil

	if req.needsClose() {
		c.reset()
	} else {
		c.state = Idle
	}

	if c.head() != nil {
		if c.state == Disconnected {
			c.connect()
		} else {
			c.dispatch()
		}
	}

	if req.cb != nil {
		req.cb(req, nil)
	}
}

func (c *Connection) clientFail(err error) {
	req := c.head()
	if req != nil {
		c.popHead()
		req.conn = nil
	}
	c.log.Debugf("addr=%s, state=%s, %+v", c.addr, c.state, err)
	c.reset()

	if c.head() != nil {
		c.connect()
	}
	if req != nil && req.cb != nil {
		req.cb(nil, err)
	}
}
