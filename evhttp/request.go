// Package evhttp is an HTTP/1.0 and HTTP/1.1 engine driven by a reactor:
// outgoing connections with a request queue and connect retries, and a
// server that dispatches incoming requests to path handlers.
package evhttp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidHeader   = errors.New("http: invalid header")
	ErrEOF             = errors.New("http: connection closed by peer")
	ErrTimeout         = errors.New("http: timeout")
	ErrConnectFailed   = errors.New("http: connect failed")
	ErrCanceled        = errors.New("http: request canceled")
	ErrHeadersTooLarge = errors.New("http: headers too large")
	ErrBodyTooLarge    = errors.New("http: body too large")
	ErrClosed          = errors.New("http: connection closed")
)

// Kind tells whether a Request carries a request or a response.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
)

const (
	MethodGet     = "GET"
	MethodPost    = "POST"
	MethodHead    = "HEAD"
	MethodPut     = "PUT"
	MethodDelete  = "DELETE"
	MethodOptions = "OPTIONS"
	MethodTrace   = "TRACE"
	MethodConnect = "CONNECT"
	MethodPatch   = "PATCH"
)

func validMethod(m string) bool {
	switch m {
	case MethodGet, MethodPost, MethodHead, MethodPut, MethodDelete,
		MethodOptions, MethodTrace, MethodConnect, MethodPatch:
		return true
	}
	return false
}

// Callback receives a finished client exchange. On failure req is nil and
// err tells why.
type Callback func(req *Request, err error)

// bodyMode is how the body of the message being read is framed.
type bodyMode int

const (
	bodyNone bodyMode = iota
	bodyLength
	bodyChunked
	bodyUntilClose
)

type chunkState int

const (
	chunkSize chunkState = iota
	chunkData
	chunkEnd
)

// Request is one HTTP exchange. For client requests the Output side is
// sent and the response lands on the Input side; for server requests it
// is the other way round.
type Request struct {
	Kind   Kind
	Method string
	URI    string
	Major  int
	Minor  int

	// Code and Reason describe the response.
	Code   int
	Reason string

	InputHeader  *Header
	OutputHeader *Header
	Input        *bytes.Buffer
	Output       *bytes.Buffer

	RemoteAddr string

	conn *Connection
	cb   Callback

	// proxy is set for requests with an absolute URI; their keep-alive
	// rule differs from direct requests.
	proxy bool

	body      bodyMode
	remaining int64
	chunk     chunkState

	// reply streaming on the server side
	started bool
	chunked bool
}

// NewRequest creates a client request whose result is delivered to cb.
func NewRequest(cb Callback) *Request {
	return &Request{
		Kind:         KindRequest,
		Major:        1,
		Minor:        1,
		InputHeader:  NewHeader(),
		OutputHeader: NewHeader(),
		Input:        new(bytes.Buffer),
		Output:       new(bytes.Buffer),
		cb:           cb,
	}
}

func newIncoming(c *Connection) *Request {
	req := NewRequest(nil)
	req.conn = c
	if c.conn != nil {
		req.RemoteAddr = c.conn.RemoteAddr().String()
	}
	return req
}

// Connection returns the connection the request runs on, or nil once that
// connection is gone.
func (r *Request) Connection() *Connection { return r.conn }

// Path is the URI up to the query string.
func (r *Request) Path() string {
	if i := strings.IndexByte(r.URI, '?'); i >= 0 {
		return r.URI[:i]
	}
	return r.URI
}

func (r *Request) before(major, minor int) bool {
	return r.Major < major || (r.Major == major && r.Minor < minor)
}

// bodyAllowed reports whether a response with code may carry a body.
func bodyAllowed(code int) bool {
	return !(code >= 100 && code < 200) && code != 204 && code != 304
}

func parseVersion(s string) (int, int, error) {
	rest, ok := strings.CutPrefix(s, "HTTP/")
	if !ok {
		return 0, 0, fmt.Errorf("%w: bad version %q", ErrInvalidHeader, s)
	}
	majorRAW, minorRAW, ok := strings.Cut(rest, ".")
	if !ok {
		return 0, 0, fmt.Errorf("%w: bad version %q", ErrInvalidHeader, s)
	}
	major, err1 := strconv.Atoi(majorRAW)
	minor, err2 := strconv.Atoi(minorRAW)
	if err1 != nil || err2 != nil || major < 0 || minor < 0 {
		return 0, 0, fmt.Errorf("%w: bad version %q", ErrInvalidHeader, s)
	}
	return major, minor, nil
}

// parseRequestLine reads "METHOD URI HTTP/x.y".
func (r *Request) parseRequestLine(line string) error {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return fmt.Errorf("%w: request line %q", ErrInvalidHeader, line)
	}
	if !validMethod(parts[0]) {
		return fmt.Errorf("%w: method %q", ErrInvalidHeader, parts[0])
	}
	if parts[1] == "" {
		return fmt.Errorf("%w: empty uri", ErrInvalidHeader)
	}
	major, minor, err := parseVersion(parts[2])
	if err != nil {
		return err
	}

	r.Method, r.URI, r.Major, r.Minor = parts[0], parts[1], major, minor
	r.proxy = r.URI[0] != '/' && r.URI != "*"
	return nil
}

// parseStatusLine reads "HTTP/x.y CODE REASON".
func (r *Request) parseStatusLine(line string) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return fmt.Errorf("%w: status line %q", ErrInvalidHeader, line)
	}
	major, minor, err := parseVersion(parts[0])
	if err != nil {
		return err
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || len(parts[1]) != 3 || code < 100 || code > 599 {
		return fmt.Errorf("%w: status code %q", ErrInvalidHeader, parts[1])
	}

	r.Major, r.Minor, r.Code = major, minor, code
	r.Reason = ""
	if len(parts) == 3 {
		r.Reason = parts[2]
	}
	return nil
}

// parseHeaderLine adds one header line to h; lines starting with a space
// or tab continue the previous field.
func parseHeaderLine(h *Header, line string) error {
	if strings.ContainsRune(line, '\r') {
		return fmt.Errorf("%w: bare CR", ErrInvalidHeader)
	}
	if line[0] == ' ' || line[0] == '\t' {
		if !h.continueLast(strings.Trim(line, " \t")) {
			return fmt.Errorf("%w: continuation without header", ErrInvalidHeader)
		}
		return nil
	}

	key, value, ok := strings.Cut(line, ":")
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidHeader, line)
	}
	return h.Add(key, strings.Trim(value, " \t"))
}

// Keep-alive policies. Direct requests stay open unless a Connection header
// says close; requests through a proxy close unless Proxy-Connection says
// keep-alive.

func closeDirect(h *Header) bool {
	return h.containsToken("Connection", "close")
}

func closeProxy(h *Header) bool {
	return !h.containsToken("Proxy-Connection", "keep-alive")
}

func (r *Request) closeRequested(h *Header) bool {
	if r.proxy {
		return closeProxy(h)
	}
	return closeDirect(h)
}

func keepAliveRequested(h *Header) bool {
	return h.containsToken("Connection", "keep-alive")
}

// needsClose decides after an exchange whether the connection must close.
// HTTP/1.0 closes unless the peer asked for keep-alive.
func (r *Request) needsClose() bool {
	return (r.before(1, 1) && !keepAliveRequested(r.InputHeader)) ||
		r.closeRequested(r.InputHeader) ||
		r.closeRequested(r.OutputHeader)
}
