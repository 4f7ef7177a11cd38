package resolver

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treemana/evwire/reactor"
)

func offlineResolver(t *testing.T) *Resolver {
	t.Helper()
	r := New(reactor.New(), Options{
		Dial: func(*net.UDPAddr) (net.Conn, error) { return newChokyConn(0), nil },
	})
	t.Cleanup(func() { _ = r.Shutdown() })
	return r
}

func TestParseConfig(t *testing.T) {
	r := offlineResolver(t)

	err := r.ParseConfig(strings.NewReader(`
# local resolvers
nameserver 192.0.2.1
nameserver 192.0.2.2:5353 ; secondary
domain ignored.test
search a.test b.test
options ndots:2 timeout:3 attempts:4 max-timeouts:5 max-inflight:10 max-reissues:2 initial-probe-timeout:7 rotate
options bogus:x
nameserver not-an-ip
sortlist 130.155.160.0/255.255.240.0
`))

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 2)

	status := r.Nameservers()
	require.Len(t, status, 2)
	assert.Equal(t, "192.0.2.1:53", status[0].Address)
	assert.Equal(t, "192.0.2.2:5353", status[1].Address)

	assert.Equal(t, []string{"a.test", "b.test"}, r.SearchDomains())
	assert.Equal(t, 2, r.search.ndots)
	assert.Equal(t, 3*time.Second, r.opts.Timeout)
	assert.Equal(t, 3, r.opts.MaxRetransmits)
	assert.Equal(t, 5, r.opts.MaxTimeouts)
	assert.Equal(t, 10, r.opts.MaxInFlight)
	assert.Equal(t, 2, r.opts.MaxReissues)
	assert.Equal(t, 7*time.Second, r.opts.ProbeBackoff[0])
	assert.Equal(t, 10*time.Second, defaultProbeBackoff[0])
}

func TestParseConfigDefaults(t *testing.T) {
	r := offlineResolver(t)

	require.NoError(t, r.ParseConfig(strings.NewReader("")))
	require.Equal(t, 1, r.Count())
	assert.Equal(t, "127.0.0.1:53", r.Nameservers()[0].Address)
}

func TestParseConfigDomain(t *testing.T) {
	r := offlineResolver(t)

	require.NoError(t, r.ParseConfig(strings.NewReader("nameserver 192.0.2.1\ndomain corp.example\n")))
	assert.Equal(t, []string{"corp.example"}, r.SearchDomains())
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resolv.conf")
	require.NoError(t, os.WriteFile(path, []byte("nameserver [2001:db8::53]:53\nsearch x.test\n"), 0o644))

	r := offlineResolver(t)
	require.NoError(t, r.LoadConfig(path))
	assert.Equal(t, "[2001:db8::53]:53", r.Nameservers()[0].Address)
	assert.Equal(t, []string{"x.test"}, r.SearchDomains())

	missing := offlineResolver(t)
	require.NoError(t, missing.LoadConfig(filepath.Join(dir, "nope")))
	assert.Equal(t, 1, missing.Count())
}

func TestDuplicateNameserver(t *testing.T) {
	r := offlineResolver(t)
	require.NoError(t, r.AddNameserver("192.0.2.1"))
	assert.Error(t, r.AddNameserver("192.0.2.1:53"))
	assert.Error(t, r.AddNameserver("example.com"))
}
