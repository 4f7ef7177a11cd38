package evhttp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treemana/evwire/reactor"
)

type result struct {
	req *Request
	err error
}

func startLoop(t *testing.T) *reactor.Loop {
	t.Helper()
	l := reactor.New()
	go func() { _ = l.Run(context.Background()) }()
	t.Cleanup(l.Stop)
	return l
}

// startServer binds a server on a loopback port; setup registers handlers
// on the loop before the first connection is accepted.
func startServer(t *testing.T, l *reactor.Loop, opts Options, setup func(s *Server)) string {
	t.Helper()
	var (
		addr net.Addr
		err  error
	)
	s := NewServer(l, opts)
	l.Call(func() {
		if setup != nil {
			setup(s)
		}
		addr, err = s.Bind("127.0.0.1:0")
	})
	require.NoError(t, err)
	t.Cleanup(func() { l.Call(func() { _ = s.Close() }) })
	return addr.String()
}

// rawServer answers each request on its connections with the response
// respond returns, closing the connection when asked to.
func rawServer(t *testing.T, respond func(req *http.Request) (string, bool)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				br := bufio.NewReader(conn)
				for {
					req, err := http.ReadRequest(br)
					if err != nil {
						return
					}
					_, _ = io.Copy(io.Discard, req.Body)
					raw, closeAfter := respond(req)
					if raw == "" {
						// never answer
						_, _ = io.Copy(io.Discard, br)
						return
					}
					if _, err := io.WriteString(conn, raw); err != nil || closeAfter {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func newConnection(t *testing.T, l *reactor.Loop, addr string, opts Options) *Connection {
	t.Helper()
	c := NewConnection(l, addr, opts)
	t.Cleanup(func() { l.Call(c.Free) })
	return c
}

// do makes one request on c; setup may fill in the request before it is
// queued.
func do(t *testing.T, l *reactor.Loop, c *Connection, method, uri string, setup func(req *Request)) <-chan result {
	t.Helper()
	ch := make(chan result, 1)
	var err error
	l.Call(func() {
		req := NewRequest(func(req *Request, err error) { ch <- result{req, err} })
		if setup != nil {
			setup(req)
		}
		err = c.MakeRequest(req, method, uri)
	})
	require.NoError(t, err)
	return ch
}

func wait(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("request did not complete")
		return result{}
	}
}

func funny(req *Request) {
	req.SendReply(200, "OK", []byte("This is funny"))
}

func TestSimpleRequest(t *testing.T) {
	l := startLoop(t)
	addr := startServer(t, l, Options{}, func(s *Server) {
		require.NoError(t, s.Handle("/test", funny))
	})
	c := newConnection(t, l, addr, Options{})

	res := wait(t, do(t, l, c, MethodGet, "/test", nil))
	require.NoError(t, res.err)
	assert.Equal(t, 200, res.req.Code)
	assert.Equal(t, "OK", res.req.Reason)
	assert.Equal(t, "This is funny", res.req.Input.String())
	assert.Equal(t, "text/html", res.req.InputHeader.Get("Content-Type"))
	assert.Equal(t, "13", res.req.InputHeader.Get("Content-Length"))
	assert.NotEmpty(t, res.req.InputHeader.Get("Date"))

	res = wait(t, do(t, l, c, MethodGet, "/test?query=1", nil))
	require.NoError(t, res.err)
	assert.Equal(t, "This is funny", res.req.Input.String())

	res = wait(t, do(t, l, c, MethodHead, "/test", nil))
	require.NoError(t, res.err)
	assert.Equal(t, 200, res.req.Code)
	assert.Equal(t, 0, res.req.Input.Len())
}

func TestKeepAlive(t *testing.T) {
	l := startLoop(t)
	addr := startServer(t, l, Options{}, func(s *Server) {
		require.NoError(t, s.Handle("/test", funny))
	})

	t.Run("persistent", func(t *testing.T) {
		c := newConnection(t, l, addr, Options{})
		for i := 0; i < 3; i++ {
			res := wait(t, do(t, l, c, MethodGet, "/test", nil))
			require.NoError(t, res.err)
		}
		var connects int
		var state State
		l.Call(func() { connects, state = c.Connects(), c.State() })
		assert.Equal(t, 1, connects)
		assert.Equal(t, Idle, state)
	})

	t.Run("pipelined queue", func(t *testing.T) {
		c := newConnection(t, l, addr, Options{})
		first := do(t, l, c, MethodGet, "/test", nil)
		second := do(t, l, c, MethodGet, "/test", nil)
		require.NoError(t, wait(t, first).err)
		require.NoError(t, wait(t, second).err)
		var connects int
		l.Call(func() { connects = c.Connects() })
		assert.Equal(t, 1, connects)
	})

	t.Run("connection close", func(t *testing.T) {
		c := newConnection(t, l, addr, Options{})
		closes := 0
		l.Call(func() { c.SetCloseCallback(func(*Connection) { closes++ }) })
		closing := func(req *Request) { _ = req.OutputHeader.Add("Connection", "close") }

		res := wait(t, do(t, l, c, MethodGet, "/test", closing))
		require.NoError(t, res.err)
		assert.Equal(t, "close", res.req.InputHeader.Get("Connection"))
		res = wait(t, do(t, l, c, MethodGet, "/test", closing))
		require.NoError(t, res.err)

		var connects int
		var state State
		l.Call(func() { connects, state = c.Connects(), c.State() })
		assert.Equal(t, 2, connects)
		assert.Equal(t, Disconnected, state)
		assert.Equal(t, 2, closes)
	})
}

func TestHTTP10Client(t *testing.T) {
	l := startLoop(t)
	addr := startServer(t, l, Options{}, func(s *Server) {
		require.NoError(t, s.Handle("/test", funny))
	})

	t.Run("closes", func(t *testing.T) {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		defer conn.Close()

		_, err = io.WriteString(conn, "GET /test HTTP/1.0\r\n\r\n")
		require.NoError(t, err)
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		raw, err := io.ReadAll(conn)
		require.NoError(t, err)

		reply := string(raw)
		assert.True(t, strings.HasPrefix(reply, "HTTP/1.0 200 OK\r\n"), reply)
		assert.Contains(t, reply, "Content-Length: 13\r\n")
		assert.NotContains(t, reply, "Connection:")
		assert.True(t, strings.HasSuffix(reply, "\r\n\r\nThis is funny"))
	})

	t.Run("keep-alive", func(t *testing.T) {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
		br := bufio.NewReader(conn)

		for i := 0; i < 2; i++ {
			_, err = io.WriteString(conn, "GET /test HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
			require.NoError(t, err)
			resp, err := http.ReadResponse(br, nil)
			require.NoError(t, err)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, "This is funny", string(body))
			assert.Equal(t, "keep-alive", resp.Header.Get("Connection"))
		}
	})
}

func TestChunkedReply(t *testing.T) {
	l := startLoop(t)
	addr := startServer(t, l, Options{}, func(s *Server) {
		require.NoError(t, s.Handle("/chunked", func(req *Request) {
			req.SendReplyStart(200, "Everything is fine")
			req.SendReplyChunk([]byte("This "))
			l.AfterFunc(20*time.Millisecond, func() {
				req.SendReplyChunk([]byte("is "))
				l.AfterFunc(20*time.Millisecond, func() {
					req.SendReplyChunk([]byte("funny"))
					req.SendReplyEnd()
				})
			})
		}))
	})

	t.Run("1.1 chunked", func(t *testing.T) {
		c := newConnection(t, l, addr, Options{})
		res := wait(t, do(t, l, c, MethodGet, "/chunked", nil))
		require.NoError(t, res.err)
		assert.Equal(t, "Everything is fine", res.req.Reason)
		assert.Equal(t, "chunked", res.req.InputHeader.Get("Transfer-Encoding"))
		assert.Equal(t, "This is funny", res.req.Input.String())

		// the connection survives a chunked reply
		res = wait(t, do(t, l, c, MethodGet, "/chunked", nil))
		require.NoError(t, res.err)
		var connects int
		l.Call(func() { connects = c.Connects() })
		assert.Equal(t, 1, connects)
	})

	t.Run("1.0 until close", func(t *testing.T) {
		c := newConnection(t, l, addr, Options{})
		res := wait(t, do(t, l, c, MethodGet, "/chunked", func(req *Request) { req.Minor = 0 }))
		require.NoError(t, res.err)
		assert.False(t, res.req.InputHeader.Has("Transfer-Encoding"))
		assert.Equal(t, "This is funny", res.req.Input.String())
	})
}

func TestDispatch(t *testing.T) {
	l := startLoop(t)
	addr := startServer(t, l, Options{}, func(s *Server) {
		require.NoError(t, s.Handle("/echo", func(req *Request) {
			_ = req.OutputHeader.Add("Content-Type", "application/octet-stream")
			req.SendReply(200, "OK", req.Input.Bytes())
		}))
		require.NoError(t, s.Handle("/gone", funny))
		assert.Error(t, s.Handle("/gone", funny))
		require.NoError(t, s.Unhandle("/gone"))
		assert.Error(t, s.Unhandle("/gone"))
	})
	c := newConnection(t, l, addr, Options{})

	t.Run("post echo", func(t *testing.T) {
		res := wait(t, do(t, l, c, MethodPost, "/echo", func(req *Request) {
			req.Output.WriteString("ping pong")
		}))
		require.NoError(t, res.err)
		assert.Equal(t, "ping pong", res.req.Input.String())
		assert.Equal(t, "application/octet-stream", res.req.InputHeader.Get("Content-Type"))
	})

	t.Run("not found", func(t *testing.T) {
		res := wait(t, do(t, l, c, MethodGet, "/gone<script>", nil))
		require.NoError(t, res.err)
		assert.Equal(t, 404, res.req.Code)
		assert.Contains(t, res.req.Input.String(), "/gone&lt;script&gt;")
		assert.NotContains(t, res.req.Input.String(), "<script>")
	})

	t.Run("generic", func(t *testing.T) {
		gen := startServer(t, l, Options{}, func(s *Server) {
			s.HandleGeneric(func(req *Request) {
				req.SendReply(200, "OK", []byte("generic "+req.URI))
			})
		})
		gc := newConnection(t, l, gen, Options{})
		res := wait(t, do(t, l, gc, MethodGet, "/anything?x=y", nil))
		require.NoError(t, res.err)
		assert.Equal(t, "generic /anything?x=y", res.req.Input.String())
	})
}

func TestServerRejects(t *testing.T) {
	l := startLoop(t)
	addr := startServer(t, l, Options{MaxBodySize: 4, MaxHeaderSize: 256}, func(s *Server) {
		require.NoError(t, s.Handle("/test", funny))
	})

	tests := []struct {
		name    string
		request string
		code    int
	}{
		{"unknown method", "BREW /pot HTTP/1.1\r\n\r\n", 400},
		{"bad version", "GET /test HTTP/x\r\n\r\n", 400},
		{"bad header", "GET /test HTTP/1.1\r\nno colon\r\n\r\n", 400},
		{"bad length", "POST /test HTTP/1.1\r\nContent-Length: ten\r\n\r\n", 400},
		{"body too large", "POST /test HTTP/1.1\r\nContent-Length: 10\r\n\r\n0123456789", 413},
		{"headers too large", "GET /test HTTP/1.1\r\nX-Pad: " + strings.Repeat("a", 300) + "\r\n\r\n", 413},
		{"chunk size line too long", "POST /test HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n" + strings.Repeat("1", 5000), 400},
		{"chunk end unterminated", "POST /test HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n1\r\na" + strings.Repeat("x", 5000), 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := net.Dial("tcp", addr)
			require.NoError(t, err)
			defer conn.Close()
			require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

			_, err = io.WriteString(conn, tt.request)
			require.NoError(t, err)
			resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
			require.NoError(t, err)
			assert.Equal(t, tt.code, resp.StatusCode)
			assert.True(t, resp.Close)
		})
	}
}

func TestClientAgainstRawServer(t *testing.T) {
	l := startLoop(t)
	addr := rawServer(t, func(req *http.Request) (string, bool) {
		switch req.URL.Path {
		case "/close":
			return "HTTP/1.0 200 OK\r\n\r\nread until close", true
		case "/empty":
			return "HTTP/1.1 204 No Content\r\n\r\n", false
		case "/head":
			return "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n", false
		case "/trailer":
			return "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
				"4;ext=1\r\nWiki\r\n5\r\npedia\r\n0\r\nX-Trailer: yes\r\n\r\n", false
		case "/garbage":
			return "garbage\r\n\r\n", false
		case "/badchunk":
			return "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n", false
		case "/longchunk":
			return "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" + strings.Repeat("1", 5000), false
		}
		return "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n", false
	})

	t.Run("read until close", func(t *testing.T) {
		c := newConnection(t, l, addr, Options{})
		res := wait(t, do(t, l, c, MethodGet, "/close", nil))
		require.NoError(t, res.err)
		assert.Equal(t, "read until close", res.req.Input.String())
		var state State
		l.Call(func() { state = c.State() })
		assert.Equal(t, Disconnected, state)
	})

	t.Run("no content", func(t *testing.T) {
		c := newConnection(t, l, addr, Options{})
		res := wait(t, do(t, l, c, MethodGet, "/empty", nil))
		require.NoError(t, res.err)
		assert.Equal(t, 204, res.req.Code)

		res = wait(t, do(t, l, c, MethodHead, "/head", nil))
		require.NoError(t, res.err)
		assert.Equal(t, "5", res.req.InputHeader.Get("Content-Length"))
		assert.Equal(t, 0, res.req.Input.Len())

		var connects int
		l.Call(func() { connects = c.Connects() })
		assert.Equal(t, 1, connects)
	})

	t.Run("chunk extensions and trailer", func(t *testing.T) {
		c := newConnection(t, l, addr, Options{})
		res := wait(t, do(t, l, c, MethodGet, "/trailer", nil))
		require.NoError(t, res.err)
		assert.Equal(t, "Wikipedia", res.req.Input.String())
		assert.Equal(t, "yes", res.req.InputHeader.Get("X-Trailer"))
	})

	t.Run("invalid reply", func(t *testing.T) {
		for _, uri := range []string{"/garbage", "/badchunk", "/longchunk"} {
			c := newConnection(t, l, addr, Options{})
			res := wait(t, do(t, l, c, MethodGet, uri, nil))
			assert.Nil(t, res.req, uri)
			assert.ErrorIs(t, res.err, ErrInvalidHeader, uri)
		}
	})
}

func TestClientFailures(t *testing.T) {
	l := startLoop(t)

	t.Run("connect retries exhausted", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		require.NoError(t, ln.Close())

		c := newConnection(t, l, addr, Options{Retries: 2, RetryCap: 10 * time.Millisecond})
		res := wait(t, do(t, l, c, MethodGet, "/test", nil))
		assert.Nil(t, res.req)
		assert.ErrorIs(t, res.err, ErrConnectFailed)

		var state State
		l.Call(func() { state = c.State() })
		assert.Equal(t, Disconnected, state)
	})

	t.Run("timeout", func(t *testing.T) {
		addr := rawServer(t, func(*http.Request) (string, bool) { return "", false })
		c := newConnection(t, l, addr, Options{Timeout: 100 * time.Millisecond})
		res := wait(t, do(t, l, c, MethodGet, "/slow", nil))
		assert.Nil(t, res.req)
		assert.ErrorIs(t, res.err, ErrTimeout)
	})

	t.Run("free cancels synchronously", func(t *testing.T) {
		addr := rawServer(t, func(*http.Request) (string, bool) { return "", false })
		c := NewConnection(l, addr, Options{})

		var errs []error
		l.Call(func() {
			for i := 0; i < 2; i++ {
				req := NewRequest(func(req *Request, err error) {
					assert.Nil(t, req)
					errs = append(errs, err)
				})
				require.NoError(t, c.MakeRequest(req, MethodGet, fmt.Sprintf("/%d", i)))
			}
			c.Free()
			assert.Len(t, errs, 2)
			assert.Equal(t, 0, c.Pending())
		})
		for _, err := range errs {
			assert.ErrorIs(t, err, ErrCanceled)
		}

		var err error
		l.Call(func() { err = c.MakeRequest(NewRequest(nil), MethodGet, "/") })
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("cancel queued request", func(t *testing.T) {
		addr := startServer(t, l, Options{}, func(s *Server) {
			require.NoError(t, s.Handle("/test", funny))
		})
		c := newConnection(t, l, addr, Options{})

		called := false
		ch := make(chan result, 1)
		l.Call(func() {
			first := NewRequest(func(req *Request, err error) { ch <- result{req, err} })
			second := NewRequest(func(*Request, error) { called = true })
			require.NoError(t, c.MakeRequest(first, MethodGet, "/test"))
			require.NoError(t, c.MakeRequest(second, MethodGet, "/test"))
			c.CancelRequest(second)
			assert.Equal(t, 1, c.Pending())
		})
		require.NoError(t, wait(t, ch).err)
		l.Call(func() {})
		assert.False(t, called)
	})

	t.Run("cancel during connect retry", func(t *testing.T) {
		var posts atomic.Int32
		addr := rawServer(t, func(req *http.Request) (string, bool) {
			posts.Add(1)
			time.Sleep(500 * time.Millisecond)
			return "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok", false
		})

		var dials atomic.Int32
		dialer := &net.Dialer{}
		c := newConnection(t, l, addr, Options{
			Retries:  1,
			RetryCap: 200 * time.Millisecond,
			Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
				if dials.Add(1) == 1 {
					return nil, fmt.Errorf("dial refused")
				}
				return dialer.DialContext(ctx, network, addr)
			},
		})

		var first *Request
		l.Call(func() {
			first = NewRequest(func(*Request, error) {})
			require.NoError(t, c.MakeRequest(first, MethodPost, "/once"))
		})
		require.Eventually(t, func() bool { return dials.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
		l.Call(func() {})
		l.Call(func() { c.CancelRequest(first) })

		res := wait(t, do(t, l, c, MethodPost, "/once", nil))
		require.NoError(t, res.err)
		assert.Equal(t, 200, res.req.Code)

		// the abandoned retry must not reconnect behind the live socket
		time.Sleep(300 * time.Millisecond)
		var connects int
		l.Call(func() { connects = c.Connects() })
		assert.Equal(t, int32(2), dials.Load())
		assert.Equal(t, 1, connects)
		assert.Equal(t, int32(1), posts.Load())
	})

	t.Run("bad arguments", func(t *testing.T) {
		c := newConnection(t, l, "127.0.0.1:1", Options{})
		l.Call(func() {
			assert.Error(t, c.MakeRequest(NewRequest(nil), "BREW", "/"))
			assert.Error(t, c.MakeRequest(NewRequest(nil), MethodGet, ""))
		})
	})
}

func TestHostHeader(t *testing.T) {
	assert.Equal(t, "example.com", hostHeader("example.com:80"))
	assert.Equal(t, "example.com:8080", hostHeader("example.com:8080"))
	assert.Equal(t, "example.com", hostHeader("example.com"))
}
