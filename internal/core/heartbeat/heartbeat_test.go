package heartbeat

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/internal/core/codec"
	"github.com/dep2p/go-overlay/internal/core/connection"
	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/internal/core/pipeline"
	"github.com/dep2p/go-overlay/internal/core/scheduler"
	"github.com/dep2p/go-overlay/pkg/lib/bytebuf"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              测试辅助
// ============================================================================

// countingFactory 记录 Create 调用次数
type countingFactory struct {
	calls atomic.Int32
	err   error
	panic bool
}

func (f *countingFactory) Create(remote types.PeerAddress) (*types.Message, error) {
	f.calls.Add(1)
	if f.panic {
		panic("factory exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	return types.NewRequest(1, types.CommandPing, testAddress(), remote), nil
}

func testAddress() types.PeerAddress {
	return types.NewPeerAddress(types.RandomPeerID(),
		types.NewPeerSocketAddress(netip.MustParseAddr("127.0.0.1"), 7000, 7000))
}

// sinkChannel 记录写出的字节
type sinkChannel struct {
	mu     sync.Mutex
	writes int
	closed bool
	done   chan struct{}
}

func newSink() *sinkChannel { return &sinkChannel{done: make(chan struct{})} }

func (c *sinkChannel) ID() string            { return "sink" }
func (c *sinkChannel) IsUDP() bool           { return false }
func (c *sinkChannel) LocalAddr() net.Addr   { return &net.TCPAddr{} }
func (c *sinkChannel) RemoteAddr() net.Addr  { return &net.TCPAddr{} }
func (c *sinkChannel) Done() <-chan struct{} { return c.done }

func (c *sinkChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *sinkChannel) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

func (c *sinkChannel) Send(context.Context, [][]byte, net.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	return nil
}

func (c *sinkChannel) Receive(ctx context.Context, _ *bytebuf.ByteBuf) (net.Addr, error) {
	select {
	case <-c.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *sinkChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

type fixture struct {
	mock    *clock.Mock
	sched   *scheduler.Scheduler
	factory *countingFactory
	monitor *Monitor
	channel *sinkChannel
	conn    *connection.PeerConnection
}

// newFixture 创建带心跳监控的连接
func newFixture(t *testing.T, allIdle time.Duration, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		mock:    clock.NewMock(),
		factory: &countingFactory{},
		channel: newSink(),
	}
	f.sched = scheduler.New(f.mock)
	t.Cleanup(f.sched.Stop)

	f.monitor = New(allIdle, f.factory, append([]Option{WithScheduler(f.sched)}, opts...)...)
	p, err := pipeline.Build(codec.NewChain(codec.ChainConfig{},
		pipeline.NamedHandler{Name: HandlerName, Handler: f.monitor}), nil, true, true)
	require.NoError(t, err)

	f.conn = connection.New(f.channel, p, testAddress())
	f.monitor.SetConnection(f.conn)
	t.Cleanup(f.conn.Close)
	return f
}

// advance 推进时钟并等待周期任务消费
func (f *fixture) advance(t *testing.T, d time.Duration, wantCalls int32) {
	t.Helper()
	f.mock.Add(d)
	require.Eventually(t, func() bool { return f.factory.calls.Load() == wantCalls },
		time.Second, 5*time.Millisecond)
}

// ============================================================================
//                              构造与状态
// ============================================================================

func TestNew_TimeToHeartbeat(t *testing.T) {
	tests := []struct {
		allIdle time.Duration
		want    time.Duration
	}{
		{0, 0},
		{-time.Second, 0},
		{100 * time.Millisecond, MinTimeToHeartbeat},
		{MinTimeToHeartbeat, MinTimeToHeartbeat},
		{2 * time.Second, 2 * time.Second},
	}
	for _, tt := range tests {
		m := New(tt.allIdle, &countingFactory{})
		assert.Equal(t, tt.want, m.TimeToHeartbeat(), "allIdle=%s", tt.allIdle)
	}
}

func TestMonitor_StateTransitions(t *testing.T) {
	sched := scheduler.New(clock.NewMock())
	defer sched.Stop()
	m := New(time.Second, &countingFactory{}, WithScheduler(sched))

	assert.Equal(t, StateUninitialized, m.State())

	m.Initialize(nil)
	assert.Equal(t, StateActive, m.State())
	assert.Equal(t, 1, sched.Len())

	m.Initialize(nil)
	assert.Equal(t, 1, sched.Len(), "initialize is idempotent")

	m.Destroy()
	assert.Equal(t, StateDestroyed, m.State())
	assert.Equal(t, 0, sched.Len())

	m.Destroy()
	m.Initialize(nil)
	assert.Equal(t, StateDestroyed, m.State(), "destroyed is terminal")
	assert.Equal(t, 0, sched.Len())
}

func TestMonitor_DestroyBeforeInitialize(t *testing.T) {
	sched := scheduler.New(clock.NewMock())
	defer sched.Stop()
	m := New(time.Second, &countingFactory{}, WithScheduler(sched))

	m.Destroy()
	m.Initialize(nil)
	assert.Equal(t, StateDestroyed, m.State())
	assert.Equal(t, 0, sched.Len())
}

func TestMonitor_DisabledNeverSchedules(t *testing.T) {
	f := newFixture(t, 0)
	assert.Equal(t, StateActive, f.monitor.State())
	assert.Equal(t, 0, f.sched.Len())
}

// ============================================================================
//                              周期检查
// ============================================================================

func TestMonitor_PingsIdleConnection(t *testing.T) {
	f := newFixture(t, time.Second)
	require.Equal(t, StateActive, f.monitor.State(), "added to pipeline initializes")

	f.advance(t, time.Second, 1)
	require.Eventually(t, func() bool { return f.channel.Writes() == 1 }, time.Second, 5*time.Millisecond)

	// 探测本身是一次写，下一周期仍然空闲满一个间隔
	f.advance(t, time.Second, 2)
	require.Eventually(t, func() bool { return f.channel.Writes() == 2 }, time.Second, 5*time.Millisecond)
}

func TestMonitor_SkipsWhenRecentlyActive(t *testing.T) {
	f := newFixture(t, time.Second)

	f.mock.Add(600 * time.Millisecond)
	msg := types.NewRequest(1, types.CommandPing, testAddress(), testAddress())
	require.NoError(t, f.conn.Write(context.Background(), msg))
	assert.True(t, f.mock.Now().Equal(f.monitor.LastWriteTime()))

	// 第一个周期：空闲 400ms，跳过
	f.mock.Add(400 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), f.factory.calls.Load())

	// 第二个周期：空闲 1.4s，探测
	f.advance(t, time.Second, 1)
}

func TestMonitor_ReadResetsIdle(t *testing.T) {
	f := newFixture(t, time.Second)

	f.mock.Add(900 * time.Millisecond)
	wire := codec.EncodeMessage(types.NewRequest(1, types.CommandPing, testAddress(), testAddress()))
	frame := bytebuf.Allocate(len(wire) + 8)
	require.NoError(t, frame.WriteBytes(append(varintPrefix(len(wire)), wire...)))
	_, err := f.conn.Pipeline().Read(frame)
	require.NoError(t, err)
	assert.True(t, f.mock.Now().Equal(f.monitor.LastReadTime()))

	f.mock.Add(100 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), f.factory.calls.Load())
}

func TestMonitor_FactoryFailureIsContained(t *testing.T) {
	f := newFixture(t, time.Second)
	f.factory.err = errors.New("no address")

	f.advance(t, time.Second, 1)
	f.advance(t, time.Second, 2)
	assert.Equal(t, 0, f.channel.Writes())
	assert.Equal(t, StateActive, f.monitor.State())
}

func TestMonitor_FactoryPanicIsContained(t *testing.T) {
	f := newFixture(t, time.Second)
	f.factory.panic = true

	f.advance(t, time.Second, 1)
	f.advance(t, time.Second, 2)
	assert.Equal(t, StateActive, f.monitor.State())
}

func TestMonitor_UnboundConnectionSkips(t *testing.T) {
	f := newFixture(t, time.Second)
	f.monitor.SetConnection(nil)

	f.mock.Add(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), f.factory.calls.Load())
}

func TestMonitor_UnknownRemoteSkips(t *testing.T) {
	f := newFixture(t, time.Second)
	f.conn.SetRemote(types.PeerAddress{})

	f.mock.Add(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), f.factory.calls.Load())

	f.conn.SetRemote(testAddress())
	f.advance(t, time.Second, 1)
}

// failures 读取 heartbeat_failures_total
func failures(t *testing.T, reg *prometheus.Registry) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == "test_heartbeat_failures_total" {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestMonitor_ClosingConnectionIsNotAFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	mt, err := metrics.New("test", reg)
	require.NoError(t, err)
	f := newFixture(t, time.Second, WithMetrics(mt))

	f.factory.err = errors.New("no address")
	f.monitor.probe(f.conn)
	assert.Equal(t, 1.0, failures(t, reg))

	f.factory.err = nil
	f.conn.Close()
	f.monitor.probe(f.conn)
	assert.Equal(t, int32(2), f.factory.calls.Load())
	assert.Equal(t, 1.0, failures(t, reg), "a probe racing close is not counted")
}

func TestMonitor_ConnectionCloseDestroys(t *testing.T) {
	f := newFixture(t, time.Second)

	f.conn.Close()
	require.Eventually(t, func() bool { return f.monitor.State() == StateDestroyed },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.sched.Len())

	f.mock.Add(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), f.factory.calls.Load())
}

func TestMonitor_ClosedChannelIsNoop(t *testing.T) {
	sched := scheduler.New(clock.NewMock())
	defer sched.Stop()
	factory := &countingFactory{}
	m := New(time.Second, factory, WithScheduler(sched))

	ch := newSink()
	p := pipeline.New(true, true, pipeline.WithChannel(ch))
	require.NoError(t, p.AddLast(HandlerName, m))
	require.NoError(t, ch.Close())

	m.tick()
	assert.Equal(t, int32(0), factory.calls.Load())
	assert.Equal(t, StateActive, m.State(), "a closed channel does not restart or destroy the monitor")
}

func TestPingFactory(t *testing.T) {
	self := testAddress()
	remote := testAddress()
	f := NewPingFactory(9, func() types.PeerAddress { return self })

	m, err := f.Create(remote)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), m.Version)
	assert.Equal(t, types.CommandPing, m.Command)
	assert.True(t, m.Type.IsFireAndForget())
	assert.True(t, m.KeepAlive)
	assert.True(t, self.Equal(m.Sender))
	assert.True(t, remote.Equal(m.Recipient))
}
