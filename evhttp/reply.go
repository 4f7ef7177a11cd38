package evhttp

import (
	"bytes"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"time"

	"github.com/treemana/evwire/metrics"
)

const defaultContentType = "text/html"

// replyable reports whether the reply can still be written. Requests whose
// connection went away are silently discarded.
func (r *Request) replyable() bool {
	c := r.conn
	if c == nil || c.freed || c.head() != r {
		return false
	}
	return c.isIncoming()
}

// SendReply answers with code, reason and body appended to Output.
func (r *Request) SendReply(code int, reason string, body []byte) {
	if !r.replyable() || r.started {
		return
	}
	r.Output.Write(body)
	r.Code, r.Reason = code, reason
	r.started = true

	if !r.OutputHeader.Has("Content-Length") && !r.OutputHeader.Has("Transfer-Encoding") && bodyAllowed(code) {
		_ = r.OutputHeader.Set("Content-Length", strconv.Itoa(r.Output.Len()))
	}

	var buf bytes.Buffer
	r.writeResponseHead(&buf)
	if r.Method != MethodHead && bodyAllowed(code) {
		buf.Write(r.Output.Bytes())
	}
	r.conn.send(buf.Bytes(), r.replyDone)
}

// SendError answers with a small HTML page and closes the connection.
func (r *Request) SendError(code int, reason string) {
	if !r.replyable() || r.started {
		return
	}
	_ = r.OutputHeader.Set("Connection", "close")
	_ = r.OutputHeader.Set("Content-Type", defaultContentType)
	r.Output.Reset()
	body := fmt.Sprintf("<html><head><title>%d %s</title></head><body><h1>%d %s</h1></body></html>\n",
		code, html.EscapeString(reason), code, html.EscapeString(reason))
	r.SendReply(code, reason, []byte(body))
}

// SendReplyStart writes the status line and headers of a streamed reply.
// HTTP/1.1 replies without a Content-Length are sent chunked; HTTP/1.0
// replies end when the connection closes.
func (r *Request) SendReplyStart(code int, reason string) {
	if !r.replyable() || r.started {
		return
	}
	r.Code, r.Reason = code, reason
	r.started = true

	if !r.OutputHeader.Has("Content-Length") && bodyAllowed(code) && r.Method != MethodHead {
		if r.before(1, 1) {
			_ = r.OutputHeader.Set("Connection", "close")
		} else {
			r.chunked = true
			_ = r.OutputHeader.Set("Transfer-Encoding", "chunked")
		}
	}

	var buf bytes.Buffer
	r.writeResponseHead(&buf)
	r.conn.send(buf.Bytes(), nil)
}

// SendReplyChunk writes one piece of a streamed reply.
func (r *Request) SendReplyChunk(data []byte) {
	if !r.replyable() || !r.started || len(data) == 0 || r.Method == MethodHead {
		return
	}
	if !r.chunked {
		r.conn.send(data, nil)
		return
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%x\r\n", len(data))
	buf.Write(data)
	buf.WriteString("\r\n")
	r.conn.send(buf.Bytes(), nil)
}

// SendReplyEnd finishes a streamed reply.
func (r *Request) SendReplyEnd() {
	if !r.replyable() || !r.started {
		return
	}
	var tail []byte
	if r.chunked {
		tail = []byte("0\r\n\r\n")
	}
	r.conn.send(tail, r.replyDone)
}

// writeResponseHead renders the status line and headers, filling in Date,
// Content-Type and Connection as needed.
func (r *Request) writeResponseHead(buf *bytes.Buffer) {
	if !r.before(1, 1) && !r.OutputHeader.Has("Date") {
		_ = r.OutputHeader.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if bodyAllowed(r.Code) && !r.OutputHeader.Has("Content-Type") {
		_ = r.OutputHeader.Set("Content-Type", defaultContentType)
	}
	if !r.OutputHeader.Has("Connection") {
		switch {
		case r.needsClose():
			if !r.before(1, 1) {
				_ = r.OutputHeader.Set("Connection", "close")
			}
		case r.before(1, 1):
			_ = r.OutputHeader.Set("Connection", "keep-alive")
		}
	}

	fmt.Fprintf(buf, "HTTP/%d.%d %d %s\r\n", r.Major, r.Minor, r.Code, r.Reason)
	r.OutputHeader.Each(func(key, value string) {
		fmt.Fprintf(buf, "%s: %s\r\n", key, value)
	})
	buf.WriteString("\r\n")
}

// replyDone runs once the whole reply is written.
func (r *Request) replyDone() {
	c := r.conn
	if c == nil || c.head() != r {
		return
	}
	metrics.HTTPRequestsTotal.WithLabelValues(strconv.Itoa(r.Code)).Inc()

	c.popHead()
	r.conn = nil

	// a reply without length framing is delimited by the close
	unframed := bodyAllowed(r.Code) && r.Method != MethodHead && !r.chunked &&
		!r.OutputHeader.Has("Content-Length")
	if r.needsClose() || unframed {
		c.Free()
		return
	}
	c.next()
}
