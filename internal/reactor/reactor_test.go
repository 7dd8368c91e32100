package reactor

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/geekxflood/common/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geekxflood/snmproxy/internal/codec"
	"github.com/geekxflood/snmproxy/internal/metrics"
	"github.com/geekxflood/snmproxy/internal/types"
)

var (
	serverEndpoint = netip.MustParseAddrPort("127.0.0.1:1161")
	managerAddr    = netip.MustParseAddrPort("10.1.1.1:40000")
)

func createTestLogger() logging.Logger {
	logger, _, _ := logging.NewLogger(logging.Config{
		Level:  "debug",
		Format: "json",
	})
	return logger
}

// recordingHandler claims messages whose community matches.
type recordingHandler struct {
	community string
	received  []types.Value
	sources   []netip.AddrPort
}

func (h *recordingHandler) HandleMessage(source netip.AddrPort, msg types.Value) bool {
	if msg.Community() != h.community {
		return false
	}
	h.received = append(h.received, msg)
	h.sources = append(h.sources, source)
	return true
}

type countingPoller struct {
	calls  int
	onPoll func()
}

func (p *countingPoller) Poll() {
	p.calls++
	if p.onPoll != nil {
		p.onPoll()
	}
}

func newTestReactor(t *testing.T, network *MemoryNetwork) *Reactor {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Binder = network.Binder()
	r, err := New(cfg, createTestLogger(), nil)
	require.NoError(t, err)
	return r
}

func encodeRequest(t *testing.T, community string, id int32) []byte {
	t.Helper()
	msg := types.NewMessage(types.VersionSNMPv2c, community, types.NewRequestPDU(types.PDUGetRequest, id, 0, 0, []types.VarBinding{
		{Name: types.ParseOID(".1.3.6.1.2.1.1.5.0"), Value: types.NewNull()},
	}))
	data, err := codec.Encode(msg)
	require.NoError(t, err)
	return data
}

func TestEnsureSocketReusesEndpoint(t *testing.T) {
	network := NewMemoryNetwork()
	r := newTestReactor(t, network)

	client := &recordingHandler{community: "a"}
	server := &recordingHandler{community: "b"}

	s1, err := r.EnsureClientSocket(serverEndpoint, client)
	require.NoError(t, err)
	s2, err := r.EnsureServerSocket(serverEndpoint, server)
	require.NoError(t, err)
	s3, err := r.EnsureClientSocket(serverEndpoint, client)
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Same(t, s1, s3)
	assert.Len(t, s1.clients, 1, "handler registered twice")
	assert.Len(t, s1.servers, 1)
}

func TestPollDispatchesClientsBeforeServers(t *testing.T) {
	network := NewMemoryNetwork()
	r := newTestReactor(t, network)

	client := &recordingHandler{community: "public"}
	server := &recordingHandler{community: "public"}
	_, err := r.EnsureServerSocket(serverEndpoint, server)
	require.NoError(t, err)
	_, err = r.EnsureClientSocket(serverEndpoint, client)
	require.NoError(t, err)

	require.NoError(t, network.Inject(managerAddr, serverEndpoint, encodeRequest(t, "public", 7)))
	r.Poll()

	assert.Len(t, client.received, 1)
	assert.Empty(t, server.received)
	assert.Equal(t, managerAddr, client.sources[0])
}

func TestPollDropsMalformedAndUnhandled(t *testing.T) {
	network := NewMemoryNetwork()
	r := newTestReactor(t, network)

	server := &recordingHandler{community: "public"}
	s, err := r.EnsureServerSocket(serverEndpoint, server)
	require.NoError(t, err)

	require.NoError(t, network.Inject(managerAddr, serverEndpoint, []byte{0x30, 0x05, 0x02}))
	require.NoError(t, network.Inject(managerAddr, serverEndpoint, encodeRequest(t, "private", 1)))
	require.NoError(t, network.Inject(managerAddr, serverEndpoint, encodeRequest(t, "public", 2)))
	r.Poll()

	require.Len(t, server.received, 1)
	id, _ := server.received[0].PDU().RequestID()
	assert.Equal(t, int32(2), id)

	stats := s.Stats()
	assert.Equal(t, uint64(3), stats.DatagramsReceived)
	assert.Equal(t, uint64(1), stats.ParseErrors)
	assert.Equal(t, uint64(1), stats.DatagramsDropped)
	assert.Equal(t, uint64(1), stats.DatagramsHandled)
}

func TestPollValidatesSources(t *testing.T) {
	network := NewMemoryNetwork()
	cfg := DefaultConfig()
	cfg.Binder = network.Binder()
	cfg.Validation.BlockedSources = []string{"10.1.1.0/24"}
	r, err := New(cfg, createTestLogger(), nil)
	require.NoError(t, err)

	server := &recordingHandler{community: "public"}
	s, err := r.EnsureServerSocket(serverEndpoint, server)
	require.NoError(t, err)

	require.NoError(t, network.Inject(managerAddr, serverEndpoint, encodeRequest(t, "public", 1)))
	require.NoError(t, network.Inject(netip.MustParseAddrPort("10.2.0.1:5000"), serverEndpoint, encodeRequest(t, "public", 2)))
	r.Poll()

	assert.Len(t, server.received, 1)
	assert.Equal(t, uint64(1), s.Stats().ValidationErrors)
}

func TestPollOrderDispatchThenPollersThenFlush(t *testing.T) {
	network := NewMemoryNetwork()
	r := newTestReactor(t, network)

	server := &recordingHandler{community: "public"}
	s, err := r.EnsureServerSocket(serverEndpoint, server)
	require.NoError(t, err)

	poller := &countingPoller{}
	poller.onPoll = func() {
		// The datagram injected before the tick is already dispatched.
		assert.Len(t, server.received, 1)
		require.NoError(t, s.Send(managerAddr, server.received[0]))
		// Nothing is flushed until the pollers are done.
		assert.Empty(t, network.Sent())
	}
	r.Register(poller)

	require.NoError(t, network.Inject(managerAddr, serverEndpoint, encodeRequest(t, "public", 3)))
	r.Poll()

	assert.Equal(t, 1, poller.calls)
	sent := network.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, serverEndpoint, sent[0].From)
	assert.Equal(t, managerAddr, sent[0].To)
}

func TestSendFailureClosesSocket(t *testing.T) {
	network := NewMemoryNetwork()
	r := newTestReactor(t, network)

	client := &recordingHandler{community: "public"}
	s, err := r.EnsureClientSocket(serverEndpoint, client)
	require.NoError(t, err)

	network.FailSends(serverEndpoint, errors.New("network unreachable"))
	require.NoError(t, s.SendRaw(managerAddr, []byte{0x05, 0x00}))
	require.NoError(t, s.SendRaw(managerAddr, []byte{0x05, 0x00}))
	r.Poll()

	assert.True(t, s.Closed())
	assert.Equal(t, uint64(1), s.Stats().SendErrors)
	assert.False(t, network.IsBound(serverEndpoint))

	err = s.SendRaw(managerAddr, []byte{0x05, 0x00})
	assert.ErrorIs(t, err, ErrSocketClosed)

	// Asking again binds a fresh socket.
	network.FailSends(serverEndpoint, nil)
	s2, err := r.EnsureClientSocket(serverEndpoint, client)
	require.NoError(t, err)
	assert.NotSame(t, s, s2)
	assert.False(t, s2.Closed())
	assert.Len(t, r.Stats(), 1)
}

type reboundRecorder struct {
	metrics.Nop
	rebound []string
}

func (r *reboundRecorder) SocketRebound(endpoint string) {
	r.rebound = append(r.rebound, endpoint)
}

func TestPollRebindsClosedSharedSocket(t *testing.T) {
	network := NewMemoryNetwork()
	rec := &reboundRecorder{}
	cfg := DefaultConfig()
	cfg.Binder = network.Binder()
	r, err := New(cfg, createTestLogger(), rec)
	require.NoError(t, err)

	client := &recordingHandler{community: "upstream"}
	server := &recordingHandler{community: "public"}
	s, err := r.EnsureServerSocket(serverEndpoint, server)
	require.NoError(t, err)
	_, err = r.EnsureClientSocket(serverEndpoint, client)
	require.NoError(t, err)

	network.FailSends(serverEndpoint, errors.New("network unreachable"))
	require.NoError(t, s.SendRaw(managerAddr, []byte{0x05, 0x00}))
	r.Poll()
	require.True(t, s.Closed())
	require.False(t, network.IsBound(serverEndpoint))

	// Nobody sends again; the next tick rebinds on its own.
	network.FailSends(serverEndpoint, nil)
	r.Poll()
	assert.True(t, network.IsBound(serverEndpoint))
	assert.Equal(t, []string{serverEndpoint.String()}, rec.rebound)

	require.NoError(t, network.Inject(managerAddr, serverEndpoint, encodeRequest(t, "public", 1)))
	require.NoError(t, network.Inject(managerAddr, serverEndpoint, encodeRequest(t, "upstream", 2)))
	r.Poll()

	assert.Len(t, server.received, 1, "server lost its registration")
	assert.Len(t, client.received, 1, "client lost its registration")

	stats := r.Stats()
	require.Len(t, stats, 1)
	assert.False(t, stats[0].Closed)
	assert.Equal(t, uint64(1), stats[0].SendErrors)

	// The closed socket held by the server resolves to the rebound one.
	s2, err := r.EnsureServerSocket(serverEndpoint, server)
	require.NoError(t, err)
	assert.NotSame(t, s, s2)
	assert.Len(t, s2.servers, 1)
	assert.Len(t, s2.clients, 1)
}

func TestPollSkipsClosedSocketWithoutOwners(t *testing.T) {
	network := NewMemoryNetwork()
	r := newTestReactor(t, network)

	s, err := r.ensureSocket(serverEndpoint)
	require.NoError(t, err)
	s.close()

	r.Poll()
	assert.False(t, network.IsBound(serverEndpoint))
}

func TestNewRejectsInvalidPatterns(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Validation.AllowedSources = []string{"not-an-ip"}
	_, err := New(cfg, createTestLogger(), nil)
	assert.Error(t, err)

	_, err = New(DefaultConfig(), nil, nil)
	assert.Error(t, err)
}

func TestPacketValidator(t *testing.T) {
	v, err := NewPacketValidator(&ValidationConfig{
		MaxPacketSize:  10,
		AllowedSources: []string{"192.168.0.0/16", "10.0.0.5"},
		BlockedSources: []string{"192.168.66.0/24"},
	})
	require.NoError(t, err)

	tests := []struct {
		name   string
		source string
		size   int
		valid  bool
	}{
		{"allowed cidr", "192.168.1.1:161", 5, true},
		{"allowed single", "10.0.0.5:161", 5, true},
		{"not allowed", "10.0.0.6:161", 5, false},
		{"blocked inside allowed", "192.168.66.10:161", 5, false},
		{"too large", "192.168.1.1:161", 11, false},
		{"mapped ipv4", "[::ffff:192.168.1.1]:161", 5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidatePacket(netip.MustParseAddrPort(tt.source), make([]byte, tt.size))
			if tt.valid {
				assert.NoError(t, err)
			} else {
				var verr *types.ValidationError
				assert.ErrorAs(t, err, &verr)
			}
		})
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, 65535, cfg.Validation.MaxPacketSize)
	assert.Equal(t, 1024, cfg.QueueSize)
}

func TestReadBackoff(t *testing.T) {
	var b readBackoff

	assert.Equal(t, minReadBackoff, b.next())
	assert.Equal(t, 2*minReadBackoff, b.next())
	assert.Equal(t, 4*minReadBackoff, b.next())
	for i := 0; i < 20; i++ {
		b.next()
	}
	assert.Equal(t, maxReadBackoff, b.next())

	b.reset()
	assert.Equal(t, minReadBackoff, b.next())
}

func TestRunWithUDP(t *testing.T) {
	cfg := DefaultConfig()
	r, err := New(cfg, createTestLogger(), nil)
	require.NoError(t, err)
	defer r.Close()

	server := &recordingHandler{community: "public"}
	s, err := r.EnsureServerSocket(netip.MustParseAddrPort("127.0.0.1:0"), server)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, 20*time.Millisecond) }()

	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(s.LocalAddr()))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(encodeRequest(t, "public", 9))
	require.NoError(t, err)

	// The handler is only touched by the Run goroutine; wait for it to stop before reading.
	time.Sleep(200 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	require.Len(t, server.received, 1)
	id, _ := server.received[0].PDU().RequestID()
	assert.Equal(t, int32(9), id)
}
