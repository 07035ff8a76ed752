package transport

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	tec "github.com/jbenet/go-temp-err-catcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/internal/core/codec"
	"github.com/dep2p/go-overlay/internal/core/connection"
	"github.com/dep2p/go-overlay/internal/core/dispatcher"
	"github.com/dep2p/go-overlay/internal/core/heartbeat"
	"github.com/dep2p/go-overlay/internal/core/pipeline"
	"github.com/dep2p/go-overlay/internal/core/scheduler"
	"github.com/dep2p/go-overlay/internal/core/transport/tcp"
	"github.com/dep2p/go-overlay/internal/core/transport/udp"
	"github.com/dep2p/go-overlay/pkg/lib/bytebuf"
	"github.com/dep2p/go-overlay/pkg/types"
)

const network = 3

var loopback = netip.MustParseAddr("127.0.0.1")

func testConfig() config.ServerConfig {
	cfg := config.DefaultServerConfig()
	cfg.TCPPort, cfg.UDPPort = 0, 0
	return cfg
}

// startServer 启动一个只处理 ping 的服务
//
// 监听端口在 Startup 之后才确定，地址放在原子指针里供处理器并发读取。
func startServer(t *testing.T, cfg config.ServerConfig, opts ...Option) (*ChannelServer, types.PeerAddress) {
	t.Helper()

	var self atomic.Pointer[types.PeerAddress]
	initial := types.NewPeerAddress(types.RandomPeerID(), types.NewPeerSocketAddress(loopback, 0, 0))
	self.Store(&initial)

	d := dispatcher.New(network, nil)
	d.RegisterHandlers(initial.PeerID, initial.PeerID,
		dispatcher.NewPingHandler(func() types.PeerAddress { return *self.Load() }), types.CommandPing)

	s := NewChannelServer(cfg, d, append([]Option{WithListenAddr(loopback)}, opts...)...)
	require.NoError(t, s.Startup(context.Background()))
	t.Cleanup(func() { _ = s.Shutdown() })

	bound := initial.ChangeSocket(types.NewPeerSocketAddress(loopback, uint16(s.TCPPort()), uint16(s.UDPPort())))
	self.Store(&bound)
	return s, bound
}

func sender() types.PeerAddress {
	return types.NewPeerAddress(types.RandomPeerID(), types.NewPeerSocketAddress(loopback, 1, 1))
}

func TestChannelServer_TCPPing(t *testing.T) {
	s, self := startServer(t, testConfig())
	require.NotZero(t, s.TCPPort())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := tcp.Dial(ctx, self.Socket.TCPAddr(), time.Second, time.Minute)
	require.NoError(t, err)

	p, err := pipeline.Build(codec.NewChain(codec.ChainConfig{}), nil, true, true)
	require.NoError(t, err)

	responses := make(chan *types.Message, 1)
	conn := connection.New(ch, p, self, connection.WithMessageHandler(
		func(_ context.Context, _ *connection.PeerConnection, m *types.Message) { responses <- m },
	))
	defer conn.Close()
	served := make(chan error, 1)
	go func() { served <- conn.Serve(ctx) }()

	req := types.NewRequest(network, types.CommandPing, sender(), self)
	require.NoError(t, conn.Write(ctx, req))

	select {
	case resp := <-responses:
		assert.True(t, resp.IsResponseTo(req))
		assert.Equal(t, types.MessageTypeOk, resp.Type)
		assert.Equal(t, self.PeerID, resp.Sender.PeerID)
	case <-ctx.Done():
		t.Fatal("no tcp response")
	}

	// 非保持连接的请求在回复后由服务端关闭
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("server did not close the connection")
	}
	assert.Eventually(t, func() bool { return s.Connections() == 0 }, time.Second, 10*time.Millisecond)
}

func TestChannelServer_TCPKeepAlive(t *testing.T) {
	s, self := startServer(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := tcp.Dial(ctx, self.Socket.TCPAddr(), time.Second, time.Minute)
	require.NoError(t, err)
	p, err := pipeline.Build(codec.NewChain(codec.ChainConfig{}), nil, true, true)
	require.NoError(t, err)

	responses := make(chan *types.Message, 2)
	conn := connection.New(ch, p, self, connection.WithMessageHandler(
		func(_ context.Context, _ *connection.PeerConnection, m *types.Message) { responses <- m },
	))
	defer conn.Close()
	go func() { _ = conn.Serve(ctx) }()

	for i := 0; i < 2; i++ {
		req := types.NewRequest(network, types.CommandPing, sender(), self)
		req.KeepAlive = true
		require.NoError(t, conn.Write(ctx, req))
		select {
		case resp := <-responses:
			assert.True(t, resp.IsResponseTo(req))
		case <-ctx.Done():
			t.Fatal("no tcp response")
		}
	}
	assert.True(t, conn.IsOpen())
	assert.Equal(t, 1, s.Connections())
}

func TestChannelServer_AcceptedHeartbeat(t *testing.T) {
	mock := clock.NewMock()
	sched := scheduler.New(mock)
	t.Cleanup(sched.Stop)
	s, self := startServer(t, testConfig(), WithHeartbeat(network, config.DefaultHeartbeatConfig(), sched))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := tcp.Dial(ctx, self.Socket.TCPAddr(), time.Second, time.Minute)
	require.NoError(t, err)
	p, err := pipeline.Build(codec.NewChain(codec.ChainConfig{}), nil, true, true)
	require.NoError(t, err)

	received := make(chan *types.Message, 16)
	conn := connection.New(ch, p, self, connection.WithMessageHandler(
		func(_ context.Context, _ *connection.PeerConnection, m *types.Message) {
			select {
			case received <- m:
			default:
			}
		},
	))
	defer conn.Close()
	go func() { _ = conn.Serve(ctx) }()

	client := sender()
	req := types.NewRequest(network, types.CommandPing, client, self)
	req.KeepAlive = true
	require.NoError(t, conn.Write(ctx, req))
	select {
	case resp := <-received:
		assert.True(t, resp.IsResponseTo(req))
	case <-ctx.Done():
		t.Fatal("no tcp response")
	}

	require.Eventually(t, func() bool { return s.Connections() == 1 }, time.Second, 10*time.Millisecond)
	s.mu.Lock()
	var accepted *connection.PeerConnection
	for c := range s.conns {
		accepted = c
	}
	s.mu.Unlock()
	require.NotNil(t, accepted)
	assert.Contains(t, accepted.Pipeline().Names(), heartbeat.HandlerName)
	assert.Equal(t, client.PeerID, accepted.Remote().PeerID)

	// 空闲超过阈值后服务端向客户端探测
	var probe *types.Message
	require.Eventually(t, func() bool {
		mock.Add(config.DefaultHeartbeatConfig().AllIdleTime.Duration())
		select {
		case probe = <-received:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, types.CommandPing, probe.Command)
	assert.True(t, probe.Type.IsFireAndForget())
	assert.Equal(t, self.PeerID, probe.Sender.PeerID)
	assert.Equal(t, client.PeerID, probe.Recipient.PeerID)
}

func TestChannelServer_NoHeartbeatByDefault(t *testing.T) {
	s, self := startServer(t, testConfig())

	ch, err := tcp.Dial(context.Background(), self.Socket.TCPAddr(), time.Second, time.Minute)
	require.NoError(t, err)
	defer ch.Close()

	require.Eventually(t, func() bool { return s.Connections() == 1 }, time.Second, 10*time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		assert.NotContains(t, c.Pipeline().Names(), heartbeat.HandlerName)
	}
}

func TestChannelServer_UDPPing(t *testing.T) {
	s, self := startServer(t, testConfig())
	require.NotZero(t, s.UDPPort())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := udp.Dial(ctx, self.Socket.UDPAddr())
	require.NoError(t, err)
	defer ch.Close()

	p, err := pipeline.Build(codec.NewChain(codec.ChainConfig{}), nil, false, true, pipeline.WithChannel(ch))
	require.NoError(t, err)

	req := types.NewRequest(network, types.CommandPing, sender(), self)
	out, err := p.Write(req)
	require.NoError(t, err)
	bufs, _, err := codec.Flatten(out)
	require.NoError(t, err)
	require.NoError(t, ch.Send(ctx, bufs, nil))

	buf := bytebuf.Allocate(udp.MaxDatagramSize)
	_, err = ch.Receive(ctx, buf)
	require.NoError(t, err)

	in, err := p.Read(buf)
	require.NoError(t, err)
	require.Len(t, in, 1)
	resp := in[0].(*types.Message)
	assert.True(t, resp.IsResponseTo(req))
	assert.True(t, resp.UDP)
	assert.Equal(t, types.MessageTypeOk, resp.Type)
}

func TestChannelServer_GarbageDatagramIgnored(t *testing.T) {
	_, self := startServer(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := udp.Dial(ctx, self.Socket.UDPAddr())
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Send(ctx, [][]byte{{0x80, 0x00, 0x01}}, nil))

	// 服务仍然可用
	p, err := pipeline.Build(codec.NewChain(codec.ChainConfig{}), nil, false, true, pipeline.WithChannel(ch))
	require.NoError(t, err)
	req := types.NewRequest(network, types.CommandPing, sender(), self)
	out, err := p.Write(req)
	require.NoError(t, err)
	bufs, _, err := codec.Flatten(out)
	require.NoError(t, err)
	require.NoError(t, ch.Send(ctx, bufs, nil))

	buf := bytebuf.Allocate(udp.MaxDatagramSize)
	_, err = ch.Receive(ctx, buf)
	require.NoError(t, err)
	in, err := p.Read(buf)
	require.NoError(t, err)
	require.Len(t, in, 1)
}

func TestChannelServer_PartialBind(t *testing.T) {
	cfg := testConfig()
	cfg.DisableUDP = true
	s, _ := startServer(t, cfg)
	assert.NotZero(t, s.TCPPort())
	assert.Zero(t, s.UDPPort())
}

func TestChannelServer_BindFailure(t *testing.T) {
	tl, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer tl.Close()
	ul, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ul.Close()

	cfg := testConfig()
	cfg.TCPPort = tl.Addr().(*net.TCPAddr).Port
	cfg.UDPPort = ul.LocalAddr().(*net.UDPAddr).Port

	s := NewChannelServer(cfg, dispatcher.New(network, nil), WithListenAddr(loopback))
	err = s.Startup(context.Background())
	assert.ErrorIs(t, err, types.ErrIO)
	assert.Zero(t, s.TCPPort())
	assert.NoError(t, s.Shutdown())
}

func TestChannelServer_Shutdown(t *testing.T) {
	s, _ := startServer(t, testConfig())

	err := s.Startup(context.Background())
	assert.ErrorIs(t, err, types.ErrInvalidState)

	assert.NoError(t, s.Shutdown())
	assert.NoError(t, s.Shutdown())
}

// scriptedAccepter 依次返回预设的错误
type scriptedAccepter struct {
	errs  []error
	calls int
}

func (a *scriptedAccepter) Accept() (*tcp.Channel, error) {
	err := a.errs[a.calls]
	a.calls++
	return nil, err
}

func TestChannelServer_AcceptBackoff(t *testing.T) {
	s := NewChannelServer(testConfig(), dispatcher.New(network, nil))
	s.ctx, s.cancel = context.WithCancel(context.Background())
	defer s.cancel()

	var waits []time.Duration
	s.acceptBackoff.Wait = func(d time.Duration) { waits = append(waits, d) }

	emfile := tec.ErrTemporary{Err: errors.New("too many open files")}
	a := &scriptedAccepter{errs: []error{emfile, emfile, emfile, errors.New("listener broken")}}

	s.wg.Add(1)
	s.acceptLoop(a)

	assert.Equal(t, 4, a.calls, "a permanent error ends the loop")
	require.Len(t, waits, 3, "temporary errors back off instead of spinning")
	assert.Equal(t, time.Millisecond, waits[0])
	for _, d := range waits {
		assert.Positive(t, d)
		assert.LessOrEqual(t, d, time.Second)
	}
}

func TestChannelServer_AcceptStopsOnClose(t *testing.T) {
	s := NewChannelServer(testConfig(), dispatcher.New(network, nil))
	s.ctx, s.cancel = context.WithCancel(context.Background())
	defer s.cancel()

	var waits int
	s.acceptBackoff.Wait = func(time.Duration) { waits++ }
	a := &scriptedAccepter{errs: []error{net.ErrClosed}}

	s.wg.Add(1)
	s.acceptLoop(a)
	assert.Equal(t, 1, a.calls)
	assert.Zero(t, waits)
}
