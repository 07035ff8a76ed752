package sender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/internal/core/dispatcher"
	"github.com/dep2p/go-overlay/internal/core/reservation"
	"github.com/dep2p/go-overlay/internal/core/scheduler"
	"github.com/dep2p/go-overlay/internal/core/transport"
	"github.com/dep2p/go-overlay/pkg/interfaces"
	"github.com/dep2p/go-overlay/pkg/types"
)

const network = 9

var loopback = netip.MustParseAddr("127.0.0.1")

// recorder 记录状态通知
type recorder struct {
	mu     sync.Mutex
	found  []types.PeerAddress
	failed []types.FailReason
}

func (r *recorder) PeerFound(remote, _ types.PeerAddress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.found = append(r.found, remote)
}

func (r *recorder) PeerFailed(_ types.PeerAddress, reason types.FailReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, reason)
}

func (r *recorder) snapshot() ([]types.PeerAddress, []types.FailReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.PeerAddress(nil), r.found...), append([]types.FailReason(nil), r.failed...)
}

// startPeer 启动一个只响应 ping 的远端
func startPeer(t *testing.T) types.PeerAddress {
	t.Helper()
	self := types.NewPeerAddress(types.RandomPeerID(), types.NewPeerSocketAddress(loopback, 0, 0))
	d := dispatcher.New(network, nil)

	cfg := config.DefaultServerConfig()
	cfg.TCPPort, cfg.UDPPort = 0, 0
	s := transport.NewChannelServer(cfg, d, transport.WithListenAddr(loopback))
	require.NoError(t, s.Startup(context.Background()))
	t.Cleanup(func() { _ = s.Shutdown() })

	self = self.ChangeSocket(types.NewPeerSocketAddress(loopback, uint16(s.TCPPort()), uint16(s.UDPPort())))
	d.RegisterHandlers(self.PeerID, self.PeerID,
		dispatcher.NewPingHandler(func() types.PeerAddress { return self }), types.CommandPing)
	return self
}

func newSender(t *testing.T, rec *recorder, opts ...Option) (*Sender, *reservation.Reservation) {
	t.Helper()
	r, err := reservation.New(reservation.Config{MaxPermitsTCP: 4, MaxPermitsUDP: 4}, nil)
	require.NoError(t, err)

	sched := scheduler.New(nil)
	t.Cleanup(sched.Stop)

	cfg := config.DefaultClientConfig()
	cfg.RequestTimeout = config.Duration(2 * time.Second)
	opts = append([]Option{
		WithHeartbeat(config.DefaultHeartbeatConfig(), sched),
		WithListeners(func(types.PeerID) []interfaces.PeerStatusListener {
			if rec == nil {
				return nil
			}
			return []interfaces.PeerStatusListener{rec}
		}),
	}, opts...)
	s := New(network, cfg, r, opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s, r
}

func local() types.PeerAddress {
	return types.NewPeerAddress(types.RandomPeerID(), types.NewPeerSocketAddress(loopback, 1, 1))
}

func TestSendTCP_Ping(t *testing.T) {
	remote := startPeer(t)
	rec := &recorder{}
	s, r := newSender(t, rec)

	self := local()
	req := types.NewRequest(network, types.CommandPing, self, remote)
	resp, err := s.SendTCP(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.IsResponseTo(req))
	assert.Equal(t, types.MessageTypeOk, resp.Type)

	found, failed := rec.snapshot()
	require.Len(t, found, 1)
	assert.Equal(t, remote.PeerID, found[0].PeerID)
	assert.Empty(t, failed)

	assert.Eventually(t, func() bool { return r.InFlight(self.PeerID) == 0 }, time.Second, 10*time.Millisecond)
}

func TestSendTCP_KeepAliveReused(t *testing.T) {
	remote := startPeer(t)
	s, r := newSender(t, nil)
	self := local()

	for i := 0; i < 3; i++ {
		req := types.NewRequest(network, types.CommandPing, self, remote)
		req.KeepAlive = true
		resp, err := s.SendTCP(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, resp.IsResponseTo(req))
	}
	assert.Equal(t, 1, s.KeepAliveCount())
	assert.Equal(t, 1, r.InFlight(self.PeerID), "keep-alive connection holds its permit")

	assert.Equal(t, 1, s.CloseOwner(self.PeerID))
	assert.Eventually(t, func() bool { return r.InFlight(self.PeerID) == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, s.KeepAliveCount())
}

func TestConnect_SameConnection(t *testing.T) {
	remote := startPeer(t)
	s, _ := newSender(t, nil)
	self := local()

	a, err := s.Connect(context.Background(), self, remote)
	require.NoError(t, err)
	b, err := s.Connect(context.Background(), self, remote)
	require.NoError(t, err)
	assert.Same(t, a, b)

	// 不同 owner 使用独立连接
	c, err := s.Connect(context.Background(), local(), remote)
	require.NoError(t, err)
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, s.KeepAliveCount())

	a.Close()
	assert.Eventually(t, func() bool { return s.KeepAliveCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestSendTCP_Refused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	rec := &recorder{}
	s, _ := newSender(t, rec)
	remote := types.NewPeerAddress(types.RandomPeerID(), types.NewPeerSocketAddress(loopback, uint16(port), uint16(port)))

	_, err = s.SendTCP(context.Background(), types.NewRequest(network, types.CommandPing, local(), remote))
	require.Error(t, err)

	_, failed := rec.snapshot()
	require.Len(t, failed, 1)
	assert.Equal(t, types.FailReasonProbablyOffline, failed[0])
}

func TestSendUDP_Ping(t *testing.T) {
	remote := startPeer(t)
	rec := &recorder{}
	s, r := newSender(t, rec)
	self := local()

	req := types.NewRequest(network, types.CommandPing, self, remote)
	resp, err := s.SendUDP(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.IsResponseTo(req))
	assert.True(t, resp.UDP)
	assert.Equal(t, 0, r.InFlight(self.PeerID))

	found, _ := rec.snapshot()
	assert.Len(t, found, 1)
}

func TestSendUDP_Timeout(t *testing.T) {
	// 绑定但从不回复的端口
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()
	port := uint16(pc.LocalAddr().(*net.UDPAddr).Port)

	rec := &recorder{}
	s, _ := newSender(t, rec)
	remote := types.NewPeerAddress(types.RandomPeerID(), types.NewPeerSocketAddress(loopback, port, port))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = s.SendUDP(ctx, types.NewRequest(network, types.CommandPing, local(), remote))
	assert.ErrorIs(t, err, types.ErrConnectionTimeout)

	_, failed := rec.snapshot()
	require.Len(t, failed, 1)
	assert.Equal(t, types.FailReasonTimeout, failed[0])
}

func TestFireAndForgetUDP(t *testing.T) {
	remote := startPeer(t)
	s, _ := newSender(t, nil)

	req := types.NewRequest(network, types.CommandPing, local(), remote)
	assert.ErrorIs(t, s.FireAndForgetUDP(context.Background(), req), ErrNotFireAndForget)

	req.Type = types.MessageTypeRequestFF1
	assert.NoError(t, s.FireAndForgetUDP(context.Background(), req))
}

func TestSender_Close(t *testing.T) {
	remote := startPeer(t)
	s, r := newSender(t, nil)
	self := local()

	_, err := s.Connect(context.Background(), self, remote)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 0, s.KeepAliveCount())
	assert.Eventually(t, func() bool { return r.InFlight(self.PeerID) == 0 }, time.Second, 10*time.Millisecond)

	_, err = s.SendTCP(context.Background(), types.NewRequest(network, types.CommandPing, self, remote))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Connect(context.Background(), self, remote)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFailReason(t *testing.T) {
	tests := []struct {
		err  error
		want types.FailReason
	}{
		{fmt.Errorf("%w: x", types.ErrConnectionTimeout), types.FailReasonTimeout},
		{context.DeadlineExceeded, types.FailReasonTimeout},
		{&net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, types.FailReasonProbablyOffline},
		{io.EOF, types.FailReasonProbablyOffline},
		{ErrNoResponse, types.FailReasonProbablyOffline},
		{reservation.ErrDraining, types.FailReasonShutdown},
		{ErrClosed, types.FailReasonShutdown},
		{errors.New("boom"), types.FailReasonException},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, failReason(tt.err), "%v", tt.err)
	}
}
