package connpool

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablekit/tabletnode/pkg/config"
)

func testServer(t *testing.T, handler http.HandlerFunc) (string, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Host, srv
}

func okHandler(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

func TestConnectReusesReleasedConnection(t *testing.T) {
	host, _ := testServer(t, okHandler)
	p := New(config.ConnPoolConfig{PoolSize: 4})
	defer p.Close()

	c1, err := p.Connect(host, time.Second)
	require.NoError(t, err)
	p.Release(c1)

	c2, err := p.Connect(host, time.Second)
	require.NoError(t, err)
	assert.Equal(t, c1.ID, c2.ID, "a released connection must be handed back out")
}

func TestConnectSkipsBusyConnections(t *testing.T) {
	host, _ := testServer(t, okHandler)
	p := New(config.ConnPoolConfig{PoolSize: 4})
	defer p.Close()

	c1, err := p.Connect(host, time.Second)
	require.NoError(t, err)
	assert.False(t, c1.tryAcquire(), "the busy CAS must lose against a held connection")

	c2, err := p.Connect(host, time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID, c2.ID, "a busy connection must never be handed out twice")
}

func TestGetReusesConnectionAcrossRequests(t *testing.T) {
	host, _ := testServer(t, okHandler)
	p := New(config.ConnPoolConfig{PoolSize: 4})
	defer p.Close()

	status, body, err := p.Get(host, "/health", time.Second)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", string(body))

	_, _, err = p.Get(host, "/health", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, p.IdleCount(host), "both requests must ride one keep-alive connection")
}

func TestGetInvalidatesNonKeepAliveResponse(t *testing.T) {
	host, _ := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "close")
		_, _ = w.Write([]byte("bye"))
	})
	p := New(config.ConnPoolConfig{PoolSize: 4})
	defer p.Close()

	status, _, err := p.Get(host, "/", time.Second)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0, p.IdleCount(host), "a Connection: close response must invalidate the connection")
}

func TestRefreshEvictsExpiredIdleConnections(t *testing.T) {
	host, _ := testServer(t, okHandler)
	p := New(config.ConnPoolConfig{PoolSize: 4, IdleTimeout: 20 * time.Millisecond})
	defer p.Close()

	c1, err := p.Connect(host, time.Second)
	require.NoError(t, err)
	p.Release(c1)

	time.Sleep(30 * time.Millisecond)
	c2, err := p.Connect(host, time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID, c2.ID, "an expired idle connection must be evicted, not reused")
}

func TestRefreshCapsIdleConnectionsAtPoolSize(t *testing.T) {
	host, _ := testServer(t, okHandler)
	p := New(config.ConnPoolConfig{PoolSize: 1})
	defer p.Close()

	var conns []*Conn
	for i := 0; i < 3; i++ {
		c, err := p.Connect(host, time.Second)
		require.NoError(t, err)
		conns = append(conns, c)
	}
	for _, c := range conns {
		p.Release(c)
	}
	assert.Equal(t, 1, p.IdleCount(host), "idle connections past the pool size must be discarded")
}

func TestInvalidateRemovesSpecificConnection(t *testing.T) {
	host, _ := testServer(t, okHandler)
	p := New(config.ConnPoolConfig{PoolSize: 4})
	defer p.Close()

	c1, err := p.Connect(host, time.Second)
	require.NoError(t, err)
	p.Invalidate(host, c1)
	assert.Equal(t, 0, p.IdleCount(host))

	c2, err := p.Connect(host, time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID, c2.ID)
}

func TestConnectFailsForUnreachableAddress(t *testing.T) {
	p := New(config.ConnPoolConfig{PoolSize: 1})
	defer p.Close()

	// A closed listener's port refuses immediately.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	_, err = p.Connect(addr, 100*time.Millisecond)
	assert.Error(t, err)
}

func TestDNSCacheServesSecondLookupFromCache(t *testing.T) {
	d := newDNSCache()
	first, err := d.resolve("localhost")
	require.NoError(t, err)
	require.NotEmpty(t, first)

	// Poison the cached entry; a second resolve must return it rather
	// than hitting the resolver again.
	sentinel := []net.IP{net.ParseIP("192.0.2.1")}
	d.mu.Lock()
	d.entries["localhost"] = sentinel
	d.mu.Unlock()

	second, err := d.resolve("localhost")
	require.NoError(t, err)
	assert.Equal(t, sentinel, second)
}

func TestDNSCacheBypassesCacheForLiteralIPs(t *testing.T) {
	d := newDNSCache()
	ips, err := d.resolve("127.0.0.1")
	require.NoError(t, err)
	require.Len(t, ips, 1)
	assert.Equal(t, "127.0.0.1", ips[0].String())
	assert.Empty(t, d.entries, "a literal address must not populate the cache")
}

func TestOrderByFamilyPrefersConfiguredFamily(t *testing.T) {
	v4 := net.ParseIP("192.0.2.1")
	v6 := net.ParseIP("2001:db8::1")

	ordered := orderByFamily([]net.IP{v4, v6}, true)
	require.Len(t, ordered, 2)
	assert.Equal(t, v6, ordered[0], "prefer_ipv6 must move the v6 address first")

	ordered = orderByFamily([]net.IP{v6, v4}, false)
	assert.Equal(t, v4, ordered[0])
}
