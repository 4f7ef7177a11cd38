package evhttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/treemana/evwire/log"
	"github.com/treemana/evwire/metrics"
	"github.com/treemana/evwire/reactor"
)

const (
	defaultTimeout  = 50 * time.Second
	defaultRetryCap = time.Minute
	readChunk       = 4096
)

// maxChunkLine bounds a chunk-size line, extensions included.
const maxChunkLine = 4096

// State is where a connection is in its exchange cycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Idle
	ReadingFirstLine
	ReadingHeaders
	ReadingBody
	ReadingTrailer
	Writing
)

var stateNames = [...]string{
	Disconnected:     "Disconnected",
	Connecting:       "Connecting",
	Idle:             "Idle",
	ReadingFirstLine: "ReadingFirstLine",
	ReadingHeaders:   "ReadingHeaders",
	ReadingBody:      "ReadingBody",
	ReadingTrailer:   "ReadingTrailer",
	Writing:          "Writing",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
	return stateNames[s]
}

// Options configure a connection. Zero values select the defaults.
type Options struct {
	// Timeout bounds connecting, each read stall and each write.
	Timeout time.Duration
	// Retries is how often a failed connect is retried; -1 retries
	// forever.
	Retries int
	// RetryCap bounds the backoff between connect attempts, which
	// otherwise doubles from one second.
	RetryCap time.Duration
	// MaxHeaderSize and MaxBodySize limit what is read; zero means no
	// limit.
	MaxHeaderSize int
	MaxBodySize   int64

	Logger *zap.SugaredLogger
	Dial   func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (o *Options) setDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.RetryCap <= 0 {
		o.RetryCap = defaultRetryCap
	}
	if o.Logger == nil {
		o.Logger = log.Named("evhttp")
	}
	if o.Dial == nil {
		o.Dial = (&net.Dialer{}).DialContext
	}
}

// Connection is one HTTP connection, outgoing or accepted by a Server. It
// serves its requests strictly one after another.
type Connection struct {
	loop reactor.Reactor
	log  *zap.SugaredLogger
	opts Options

	addr   string
	server *Server

	conn  net.Conn
	gen   int
	state State

	requests []*Request

	in          []byte
	headerBytes int
	bodyBytes   int64

	out       []byte
	writing   bool
	writeDone func()

	timer      reactor.Timer
	retryTimer reactor.Timer
	retryCount int
	connects   int

	closeCb func(*Connection)
	freed   bool
}

func (c *Connection) State() State { return c.state }

// Pending returns the number of requests queued on the connection,
// including the one in progress.
func (c *Connection) Pending() int { return len(c.requests) }

// SetCloseCallback registers fn to run whenever an open socket of the
// connection is closed.
func (c *Connection) SetCloseCallback(fn func(*Connection)) { c.closeCb = fn }

func (c *Connection) isIncoming() bool { return c.server != nil }

func (c *Connection) head() *Request {
	if len(c.requests) == 0 {
		return nil
	}
	return c.requests[0]
}

func (c *Connection) popHead() *Request {
	req := c.requests[0]
	c.requests[0] = nil
	c.requests = c.requests[1:]
	return req
}

func (c *Connection) peer() string {
	if c.conn != nil {
		return c.conn.RemoteAddr().String()
	}
	return c.addr
}

// attach starts reading from a connected socket.
func (c *Connection) attach(conn net.Conn) {
	c.conn = conn
	c.gen++
	gen := c.gen

	go func() {
		buf := make([]byte, readChunk)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				data := append([]byte(nil), buf[:n]...)
				c.loop.Post(func() { c.onRead(gen, data) })
			}
			if err != nil {
				c.loop.Post(func() { c.onReadError(gen, err) })
				return
			}
		}
	}()
}

// reset closes the socket and forgets all buffered state. Requests stay
// queued.
func (c *Connection) reset() {
	c.stopTimer()
	c.gen++

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.log.Debugf("peer=%s, close error=[%+v]", c.peer(), err)
		}
		c.conn = nil
		if c.closeCb != nil {
			c.closeCb(c)
		}
	}

	c.in = nil
	c.out = nil
	c.writing = false
	c.writeDone = nil
	c.headerBytes = 0
	c.bodyBytes = 0
	c.state = Disconnected
}

func (c *Connection) armTimer() {
	c.stopTimer()
	gen := c.gen
	c.timer = c.loop.AfterFunc(c.opts.Timeout, func() {
		c.timer = nil
		if gen == c.gen {
			c.fail(ErrTimeout)
		}
	})
}

func (c *Connection) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// send queues data for writing. done runs once everything queued so far
// has been written.
func (c *Connection) send(data []byte, done func()) {
	c.out = append(c.out, data...)
	if done != nil {
		c.writeDone = done
	}
	if !c.writing {
		c.flush()
	}
}

func (c *Connection) flush() {
	if len(c.out) == 0 {
		if done := c.writeDone; done != nil {
			c.writeDone = nil
			done()
		}
		return
	}

	buf := c.out
	c.out = nil
	c.writing = true

	conn, gen, timeout := c.conn, c.gen, c.opts.Timeout
	var err error
	c.loop.Background(func() {
		if err = conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return
		}
		_, err = conn.Write(buf)
	}, func() {
		if gen != c.gen {
			return
		}
		c.writing = false
		if err != nil {
			c.log.Debugf("peer=%s, write error=[%+v]", c.peer(), err)
			if errors.Is(err, os.ErrDeadlineExceeded) {
				c.fail(ErrTimeout)
			} else {
				c.fail(ErrEOF)
			}
			return
		}
		c.flush()
	})
}

func (c *Connection) onRead(gen int, data []byte) {
	if gen != c.gen {
		return
	}

	if c.state == Idle && !c.isIncoming() {
		// nothing is expected on an idle client connection
		c.log.Debugf("peer=%s, %d unexpected bytes while idle, closing", c.peer(), len(data))
		c.reset()
		return
	}

	c.in = append(c.in, data...)
	switch c.state {
	case ReadingFirstLine, ReadingHeaders, ReadingBody, ReadingTrailer:
		c.armTimer()
		c.process()
	}
}

func (c *Connection) onReadError(gen int, err error) {
	if gen != c.gen {
		return
	}

	req := c.head()
	switch {
	case c.state == Idle && !c.isIncoming():
		// close detection on a persistent connection
		c.log.Debugf("peer=%s closed idle connection", c.peer())
		c.reset()
	case c.state == ReadingBody && req != nil && req.body == bodyUntilClose:
		// everything buffered before the close is the body
		c.process()
		if c.head() == req && c.state == ReadingBody {
			c.done()
		}
	default:
		if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			c.log.Debugf("peer=%s, read error=[%+v]", c.peer(), err)
		}
		c.fail(ErrEOF)
	}
}

// readLine takes one line off the input. Lines counted against the header
// limit fail once the limit is crossed, even before they are complete.
func (c *Connection) readLine(counted bool) (string, bool, error) {
	i := bytes.IndexByte(c.in, '\n')
	limit := c.opts.MaxHeaderSize
	if i < 0 {
		if counted && limit > 0 && c.headerBytes+len(c.in) > limit {
			return "", false, ErrHeadersTooLarge
		}
		return "", false, nil
	}

	line := c.in[:i]
	c.in = c.in[i+1:]
	if counted {
		c.headerBytes += i + 1
		if limit > 0 && c.headerBytes > limit {
			return "", false, ErrHeadersTooLarge
		}
	}
	return string(bytes.TrimSuffix(line, []byte{'\r'})), true, nil
}

// readChunkLine is readLine for chunk framing, which the header limit
// does not cover.
func (c *Connection) readChunkLine() (string, bool, error) {
	i := bytes.IndexByte(c.in, '\n')
	if i > maxChunkLine || (i < 0 && len(c.in) > maxChunkLine) {
		return "", false, ErrInvalidHeader
	}
	return c.readLine(false)
}

// process runs the read side of the state machine over buffered input.
func (c *Connection) process() {
	for {
		req := c.head()
		if req == nil {
			return
		}

		switch c.state {
		case ReadingFirstLine:
			line, ok, err := c.readLine(true)
			if err != nil {
				c.fail(err)
				return
			}
			if !ok {
				return
			}
			if line == "" {
				// tolerate blank lines ahead of the start line
				continue
			}
			if req.Kind == KindRequest {
				err = req.parseRequestLine(line)
			} else {
				err = req.parseStatusLine(line)
			}
			if err != nil {
				c.log.Debugf("peer=%s, %+v", c.peer(), err)
				c.fail(ErrInvalidHeader)
				return
			}
			c.state = ReadingHeaders

		case ReadingHeaders, ReadingTrailer:
			line, ok, err := c.readLine(true)
			if err != nil {
				c.fail(err)
				return
			}
			if !ok {
				return
			}
			if line == "" {
				if c.state == ReadingTrailer {
					c.done()
					return
				}
				if !c.beginBody(req) {
					return
				}
				continue
			}
			if err := parseHeaderLine(req.InputHeader, line); err != nil {
				c.log.Debugf("peer=%s, %+v", c.peer(), err)
				c.fail(ErrInvalidHeader)
				return
			}

		case ReadingBody:
			if !c.readBody(req) {
				return
			}

		default:
			return
		}
	}
}

// beginBody picks the body framing once headers are complete. It reports
// whether processing should continue in the same pass.
func (c *Connection) beginBody(req *Request) bool {
	req.body = bodyNone
	c.bodyBytes = 0

	incoming := req.Kind == KindRequest
	switch {
	case !incoming && (req.Method == MethodHead || !bodyAllowed(req.Code)):
	case req.InputHeader.containsToken("Transfer-Encoding", "chunked"):
		req.body = bodyChunked
		req.chunk = chunkSize
	case req.InputHeader.Has("Content-Length"):
		n, err := strconv.ParseInt(strings.TrimSpace(req.InputHeader.Get("Content-Length")), 10, 64)
		if err != nil || n < 0 {
			c.fail(ErrInvalidHeader)
			return false
		}
		if c.opts.MaxBodySize > 0 && n > c.opts.MaxBodySize {
			c.fail(ErrBodyTooLarge)
			return false
		}
		if n > 0 {
			req.body = bodyLength
			req.remaining = n
		}
	case !incoming:
		req.body = bodyUntilClose
	}

	if req.body == bodyNone {
		c.done()
		return false
	}
	c.state = ReadingBody
	return true
}

// readBody consumes body bytes. It reports whether the state moved on and
// processing should continue.
func (c *Connection) readBody(req *Request) bool {
	switch req.body {
	case bodyLength:
		n := int64(len(c.in))
		if n > req.remaining {
			n = req.remaining
		}
		if !c.take(req, int(n)) {
			return false
		}
		req.remaining -= n
		if req.remaining == 0 {
			c.done()
		}
		return false

	case bodyUntilClose:
		c.take(req, len(c.in))
		return false

	case bodyChunked:
		for {
			switch req.chunk {
			case chunkSize:
				line, ok, err := c.readChunkLine()
				if err != nil {
					c.fail(err)
					return false
				}
				if !ok {
					return false
				}
				sizeRAW, _, _ := strings.Cut(line, ";")
				size, err := strconv.ParseInt(strings.TrimSpace(sizeRAW), 16, 64)
				if err != nil || size < 0 {
					c.fail(ErrInvalidHeader)
					return false
				}
				if size == 0 {
					c.state = ReadingTrailer
					return true
				}
				req.remaining = size
				req.chunk = chunkData

			case chunkData:
				n := int64(len(c.in))
				if n == 0 {
					return false
				}
				if n > req.remaining {
					n = req.remaining
				}
				if !c.take(req, int(n)) {
					return false
				}
				req.remaining -= n
				if req.remaining > 0 {
					return false
				}
				req.chunk = chunkEnd

			case chunkEnd:
				line, ok, err := c.readChunkLine()
				if err != nil {
					c.fail(err)
					return false
				}
				if !ok {
					return false
				}
				if line != "" {
					c.fail(ErrInvalidHeader)
					return false
				}
				req.chunk = chunkSize
			}
		}
	}
	return false
}

// take moves n input bytes into the request body, enforcing the body limit.
func (c *Connection) take(req *Request, n int) bool {
	c.bodyBytes += int64(n)
	if c.opts.MaxBodySize > 0 && c.bodyBytes > c.opts.MaxBodySize {
		c.fail(ErrBodyTooLarge)
		return false
	}
	req.Input.Write(c.in[:n])
	c.in = c.in[n:]
	return true
}

// done completes reading the message at the head of the queue.
func (c *Connection) done() {
	c.stopTimer()
	if c.isIncoming() {
		// the connection waits for the handler to reply
		c.state = Writing
		c.server.dispatch(c.head())
		return
	}
	c.clientDone()
}

// fail aborts the current exchange with err.
func (c *Connection) fail(err error) {
	if c.isIncoming() {
		c.serverFail(err)
		return
	}
	c.clientFail(err)
}

// String is used in log lines.
func (c *Connection) String() string {
	return fmt.Sprintf("%s(%s)", c.peer(), c.state)
}

func countConnection(delta float64) {
	metrics.HTTPConnectionsOpen.Add(delta)
}
