package dnsserver

import (
	"context"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treemana/evwire/reactor"
	"github.com/treemana/evwire/wire"
)

func startLoop(t *testing.T) *reactor.Loop {
	t.Helper()
	l := reactor.New()
	go func() { _ = l.Run(context.Background()) }()
	t.Cleanup(l.Stop)
	return l
}

func listen(t *testing.T, l *reactor.Loop, handler Handler) (*Server, *Port) {
	t.Helper()
	var (
		s    *Server
		port *Port
		err  error
	)
	l.Call(func() {
		s = New(l, handler, Options{})
		port, err = s.Listen("127.0.0.1:0")
	})
	require.NoError(t, err)
	t.Cleanup(func() { l.Call(func() { _ = s.Close() }) })
	return s, port
}

func exchange(t *testing.T, port *Port, m *dns.Msg) *dns.Msg {
	t.Helper()
	c := &dns.Client{Net: "udp", Timeout: 2 * time.Second}
	reply, _, err := c.Exchange(m, port.Addr().String())
	require.NoError(t, err)
	return reply
}

func rawExchange(t *testing.T, port *Port, packet []byte, wait time.Duration) ([]byte, error) {
	t.Helper()
	conn, err := net.Dial("udp", port.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(packet)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))

	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func TestAnswers(t *testing.T) {
	l := startLoop(t)
	_, port := listen(t, l, func(req *Request) {
		q := req.Questions[0]
		req.SetFlags(wire.FlagAA)
		switch q.Type {
		case wire.TypeA:
			_ = req.AddCNAME(q.Name, "web.example.com", 30)
			_ = req.AddA("web.example.com", 60, net.ParseIP("192.0.2.1"), net.ParseIP("192.0.2.2"))
		case wire.TypeAAAA:
			_ = req.AddAAAA(q.Name, 90, net.ParseIP("2001:db8::1"))
		case wire.TypePTR:
			_ = req.AddPTR(net.ParseIP("192.0.2.1"), "", "host.example.com", 10)
		case wire.TypeMX:
			mx, err := dns.NewRR(q.Name + ". 300 IN MX 10 mail.example.com.")
			if err == nil {
				_ = req.AddRR(Answer, mx)
			}
			txt, err := dns.NewRR(q.Name + ". 300 IN TXT \"v=spf1 -all\"")
			if err == nil {
				_ = req.AddRR(Additional, txt)
			}
		default:
			_ = req.Respond(wire.RcodeNameError)
			return
		}
		_ = req.Respond(wire.RcodeSuccess)
	})

	t.Run("A with CNAME", func(t *testing.T) {
		m := new(dns.Msg).SetQuestion("www.example.com.", dns.TypeA)
		reply := exchange(t, port, m)
		assert.Equal(t, m.Id, reply.Id)
		assert.True(t, reply.Authoritative)
		assert.True(t, reply.RecursionDesired)
		require.Len(t, reply.Answer, 3)
		assert.Equal(t, "web.example.com.", reply.Answer[0].(*dns.CNAME).Target)
		assert.Equal(t, "192.0.2.2", reply.Answer[2].(*dns.A).A.String())
		assert.Equal(t, uint32(60), reply.Answer[1].Header().Ttl)
	})

	t.Run("AAAA", func(t *testing.T) {
		reply := exchange(t, port, new(dns.Msg).SetQuestion("v6.example.com.", dns.TypeAAAA))
		require.Len(t, reply.Answer, 1)
		assert.Equal(t, "2001:db8::1", reply.Answer[0].(*dns.AAAA).AAAA.String())
	})

	t.Run("PTR", func(t *testing.T) {
		reply := exchange(t, port, new(dns.Msg).SetQuestion("1.2.0.192.in-addr.arpa.", dns.TypePTR))
		require.Len(t, reply.Answer, 1)
		ptr := reply.Answer[0].(*dns.PTR)
		assert.Equal(t, "1.2.0.192.in-addr.arpa.", ptr.Hdr.Name)
		assert.Equal(t, "host.example.com.", ptr.Ptr)
	})

	t.Run("MX and TXT", func(t *testing.T) {
		reply := exchange(t, port, new(dns.Msg).SetQuestion("example.com.", dns.TypeMX))
		require.Len(t, reply.Answer, 1)
		assert.Equal(t, "mail.example.com.", reply.Answer[0].(*dns.MX).Mx)
		require.Len(t, reply.Extra, 1)
		assert.Equal(t, []string{"v=spf1 -all"}, reply.Extra[0].(*dns.TXT).Txt)
	})

	t.Run("NXDOMAIN", func(t *testing.T) {
		reply := exchange(t, port, new(dns.Msg).SetQuestion("example.com.", dns.TypeSRV))
		assert.Equal(t, dns.RcodeNameError, reply.Rcode)
		require.Len(t, reply.Question, 1)
		assert.Equal(t, "example.com.", reply.Question[0].Name)
	})
}

func TestOpcodeNotImplemented(t *testing.T) {
	l := startLoop(t)
	called := false
	_, port := listen(t, l, func(req *Request) {
		called = true
		_ = req.Respond(wire.RcodeSuccess)
	})

	m := new(dns.Msg).SetQuestion("example.com.", dns.TypeA)
	m.Opcode = dns.OpcodeStatus
	reply := exchange(t, port, m)
	assert.Equal(t, dns.RcodeNotImplemented, reply.Rcode)
	assert.Equal(t, dns.OpcodeStatus, reply.Opcode)

	l.Call(func() {})
	assert.False(t, called)
}

func TestResponsesAndGarbageDropped(t *testing.T) {
	l := startLoop(t)
	calls := 0
	_, port := listen(t, l, func(req *Request) {
		calls++
		_ = req.Respond(wire.RcodeSuccess)
	})

	m := new(dns.Msg).SetQuestion("example.com.", dns.TypeA)
	m.Response = true
	raw, err := m.Pack()
	require.NoError(t, err)

	_, err = rawExchange(t, port, raw, 100*time.Millisecond)
	assert.Error(t, err)

	_, err = rawExchange(t, port, []byte{0x01, 0x02, 0x03}, 100*time.Millisecond)
	assert.Error(t, err)

	// one question whose name runs past the packet
	header := make([]byte, wire.HeaderLen)
	header[5] = 1
	_, err = rawExchange(t, port, append(header, 0x05, 'a'), 100*time.Millisecond)
	assert.Error(t, err)

	l.Call(func() {})
	assert.Equal(t, 0, calls)
}

func TestQuestionCountFromHeader(t *testing.T) {
	m := new(dns.Msg).SetQuestion("example.com.", dns.TypeA)
	raw, err := m.Pack()
	require.NoError(t, err)
	raw[4], raw[5] = 0xff, 0xff

	parser := wire.NewParser(raw)
	_, err = parser.Header()
	require.NoError(t, err)
	questions, err := readQuestions(parser, 0xffff)
	assert.Error(t, err)
	assert.Nil(t, questions)

	for i := 0; i < 19; i++ {
		m.Question = append(m.Question, dns.Question{Name: "example.com.", Qtype: dns.TypeAAAA, Qclass: dns.ClassINET})
	}
	raw, err = m.Pack()
	require.NoError(t, err)
	parser = wire.NewParser(raw)
	h, err := parser.Header()
	require.NoError(t, err)
	questions, err = readQuestions(parser, h.QDCount)
	require.NoError(t, err)
	assert.Len(t, questions, 20)

	l := startLoop(t)
	calls := 0
	_, port := listen(t, l, func(req *Request) {
		calls++
		_ = req.Respond(wire.RcodeSuccess)
	})
	raw[4], raw[5] = 0xff, 0xff
	_, err = rawExchange(t, port, raw, 100*time.Millisecond)
	assert.Error(t, err)
	l.Call(func() {})
	assert.Equal(t, 0, calls)
}

func TestTruncatedReply(t *testing.T) {
	l := startLoop(t)
	name := strings.Repeat("a", 60) + ".example.com"
	_, port := listen(t, l, func(req *Request) {
		for i := 0; i < 64; i++ {
			// distinct owner names defeat most of the compression
			owner := strings.Repeat("b", 40) + string(rune('a'+i%26)) + string(rune('a'+i/26)) + "." + name
			_ = req.AddA(owner, 60, net.IPv4(192, 0, 2, byte(i)))
		}
		_ = req.Respond(wire.RcodeSuccess)
	})

	query, err := wire.Query(42, name, wire.TypeA, true)
	require.NoError(t, err)
	raw, err := rawExchange(t, port, query, 2*time.Second)
	require.NoError(t, err)

	assert.Len(t, raw, wire.MaxUDPSize)
	h, err := wire.NewParser(raw).Header()
	require.NoError(t, err)
	assert.True(t, h.Truncated())
	assert.Equal(t, uint16(42), h.ID)
}

func TestDeferredReplyOutlivesPortClose(t *testing.T) {
	l := startLoop(t)
	held := make(chan *Request, 1)
	_, port := listen(t, l, func(req *Request) { held <- req })

	replies := make(chan *dns.Msg, 1)
	go func() {
		c := &dns.Client{Net: "udp", Timeout: 2 * time.Second}
		reply, _, err := c.Exchange(new(dns.Msg).SetQuestion("later.example.", dns.TypeA), port.Addr().String())
		if err == nil {
			replies <- reply
		}
		close(replies)
	}()

	var req *Request
	select {
	case req = <-held:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}

	var addErr, respondErr, again error
	l.Call(func() {
		require.NoError(t, port.Close())
		assert.Equal(t, 1, port.refs)
		addErr = req.AddA("later.example", 5, net.IPv4(192, 0, 2, 9))
		respondErr = req.Respond(wire.RcodeSuccess)
		again = req.AddA("later.example", 5, net.IPv4(192, 0, 2, 10))
	})
	require.NoError(t, addErr)
	require.NoError(t, respondErr)
	assert.ErrorIs(t, again, ErrResponded)

	reply, ok := <-replies
	require.True(t, ok)
	require.Len(t, reply.Answer, 1)
	assert.Equal(t, "192.0.2.9", reply.Answer[0].(*dns.A).A.String())

	l.Call(func() { assert.Equal(t, 0, port.refs) })
}

// stuckConn is a PacketConn whose first bounded writes fail as if the
// socket buffer were full.
type stuckConn struct {
	mu       sync.Mutex
	deadline time.Time
	stuck    int
	written  [][]byte

	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newStuckConn(stuck int) *stuckConn {
	return &stuckConn{stuck: stuck, in: make(chan []byte, 8), closed: make(chan struct{})}
}

func (c *stuckConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case raw := <-c.in:
		return copy(p, raw), &net.UDPAddr{IP: net.IPv4(192, 0, 2, 77), Port: 5353}, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *stuckConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.deadline.IsZero() && c.stuck > 0 {
		c.stuck--
		return 0, os.ErrDeadlineExceeded
	}
	c.written = append(c.written, append([]byte(nil), p...))
	return len(p), nil
}

func (c *stuckConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *stuckConn) LocalAddr() net.Addr { return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 53} }

func (c *stuckConn) SetDeadline(t time.Time) error { return c.SetWriteDeadline(t) }

func (c *stuckConn) SetReadDeadline(time.Time) error { return nil }

func (c *stuckConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *stuckConn) ids() []uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []uint16
	for _, raw := range c.written {
		h, err := wire.NewParser(raw).Header()
		if err == nil {
			ids = append(ids, h.ID)
		}
	}
	return ids
}

func TestQueuedRepliesFlushInOrder(t *testing.T) {
	l := startLoop(t)
	conn := newStuckConn(1)

	var port *Port
	l.Call(func() {
		s := New(l, func(req *Request) { _ = req.Respond(wire.RcodeSuccess) }, Options{})
		port = s.AddPort(conn)
	})

	for _, id := range []uint16{1, 2, 3} {
		query, err := wire.Query(id, "queued.example", wire.TypeA, true)
		require.NoError(t, err)
		conn.in <- query
	}

	require.Eventually(t, func() bool { return len(conn.ids()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint16{1, 2, 3}, conn.ids())

	l.Call(func() {
		assert.Empty(t, port.queue)
		assert.False(t, port.choked)
		assert.Equal(t, 1, port.refs)
		require.NoError(t, port.Close())
	})
	select {
	case <-conn.closed:
	default:
		t.Fatal("port socket left open")
	}
}
