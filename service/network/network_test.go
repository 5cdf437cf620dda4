package network

import (
	"net"
	"strconv"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jirutka/knot-resolver/service/mgr"
)

func newTestNetwork(t *testing.T) *Network {
	t.Helper()

	m := mgr.New("network")
	n := New(m, nil)
	t.Cleanup(func() {
		assert.NoError(t, n.Deinit())
		m.Cancel()
		m.WaitForWorkers(0)
	})
	return n
}

func TestListenRefusesQueries(t *testing.T) {
	t.Parallel()

	n := newTestNetwork(t)
	require.NoError(t, n.Listen("127.0.0.1", 0, Both))

	list := n.List()
	require.Len(t, list, 1)
	ep := list[0]
	assert.Equal(t, "127.0.0.1", ep.Addr)
	assert.NotZero(t, ep.Port)
	assert.True(t, ep.UDP)
	assert.True(t, ep.TCP)

	query := new(dns.Msg)
	query.SetQuestion("example.com.", dns.TypeA)
	addr := net.JoinHostPort(ep.Addr, strconv.Itoa(int(ep.Port)))
	for _, proto := range []string{"udp", "tcp"} {
		client := &dns.Client{Net: proto}
		reply, _, err := client.Exchange(query, addr)
		require.NoError(t, err, proto)
		assert.Equal(t, dns.RcodeRefused, reply.Rcode, proto)
	}

	// Listening again is a no-op.
	require.NoError(t, n.Listen("127.0.0.1", ep.Port, Both))
	assert.Equal(t, 1, n.Len())

	require.NoError(t, n.Close("127.0.0.1", ep.Port))
	assert.Zero(t, n.Len())
	assert.ErrorIs(t, n.Close("127.0.0.1", ep.Port), ErrNotListening)
}

func TestListenErrors(t *testing.T) {
	t.Parallel()

	n := newTestNetwork(t)
	assert.ErrorIs(t, n.Listen("127.0.0.1", 0, 0), ErrNoTransport)
	assert.Error(t, n.Listen("localhost", 0, UDP))
	assert.Error(t, n.Listen("192.0.2.123", 0, UDP))
	assert.Zero(t, n.Len())
}

func TestListenAll(t *testing.T) {
	t.Parallel()

	n := newTestNetwork(t)
	ok, err := n.ListenAll([]string{"127.0.0.1", "not-an-address", "192.0.2.123"}, 0, UDP)
	assert.Equal(t, 1, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 errors occurred")
	assert.Equal(t, 1, n.Len())
}

func TestParseEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		addr string
		port uint16
		err  bool
	}{
		{in: "127.0.0.1", addr: "127.0.0.1", port: 53},
		{in: "127.0.0.1#5353", addr: "127.0.0.1", port: 5353},
		{in: "::1#0", addr: "::1", port: 0},
		{in: "localhost#53", err: true},
		{in: "127.0.0.1#", err: true},
		{in: "127.0.0.1#65536", err: true},
	}
	for _, tt := range tests {
		addr, port, err := ParseEndpoint(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.addr, addr, tt.in)
		assert.Equal(t, tt.port, port, tt.in)
	}
}
