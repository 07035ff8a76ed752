package connection

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/multiformats/go-varint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/internal/core/codec"
	"github.com/dep2p/go-overlay/internal/core/pipeline"
	"github.com/dep2p/go-overlay/pkg/types"
)

func testAddress(port uint16) types.PeerAddress {
	return types.NewPeerAddress(
		types.RandomPeerID(),
		types.NewPeerSocketAddress(netip.MustParseAddr("127.0.0.1"), port, port),
	)
}

func newPipeline(t *testing.T, extra ...pipeline.NamedHandler) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.Build(codec.NewChain(codec.ChainConfig{}, extra...), nil, true, false)
	require.NoError(t, err)
	return p
}

// lifecycle 记录 HandlerRemoved
type lifecycle struct{ removed atomic.Bool }

func (l *lifecycle) HandlerAdded(*pipeline.HandlerContext)   {}
func (l *lifecycle) HandlerRemoved(*pipeline.HandlerContext) { l.removed.Store(true) }

func TestPeerConnection_WriteAndServe(t *testing.T) {
	a, b := memPair()
	local, remote := testAddress(4000), testAddress(5000)

	client := New(a, newPipeline(t), remote)
	defer client.Close()

	received := make(chan *types.Message, 1)
	server := New(b, newPipeline(t), local, WithMessageHandler(func(_ context.Context, conn *PeerConnection, m *types.Message) {
		assert.Equal(t, local, conn.Remote())
		received <- m
	}))
	go func() { _ = server.Serve(context.Background()) }()
	defer server.Close()

	msg := types.NewRequest(1, types.CommandPing, local, remote)
	msg.Payload = []byte("payload")
	require.NoError(t, client.Write(context.Background(), msg))

	select {
	case got := <-received:
		assert.Equal(t, msg.ID, got.ID)
		assert.Equal(t, msg.Payload, got.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}
}

func TestPeerConnection_ServeRecoversFromMalformedFrame(t *testing.T) {
	a, b := memPair()
	received := make(chan *types.Message, 1)
	server := New(b, newPipeline(t), testAddress(1), WithMessageHandler(func(_ context.Context, _ *PeerConnection, m *types.Message) {
		received <- m
	}))
	go func() { _ = server.Serve(context.Background()) }()
	defer server.Close()

	// 一帧无法解码的消息
	garbage := append(varint.ToUvarint(2), 0xff, 0xff)
	require.NoError(t, a.Send(context.Background(), [][]byte{garbage}, nil))

	client := New(a, newPipeline(t), testAddress(2))
	defer client.Close()
	msg := types.NewRequest(1, types.CommandPing, testAddress(3), testAddress(4))
	require.NoError(t, client.Write(context.Background(), msg))

	select {
	case got := <-received:
		assert.Equal(t, msg.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not recover")
	}
}

func TestPeerConnection_PostOrder(t *testing.T) {
	a, _ := memPair()
	c := New(a, newPipeline(t), testAddress(1))
	defer c.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		i := i
		require.True(t, c.Post(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		}))
	}
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestPeerConnection_PanicInEventDoesNotStopLoop(t *testing.T) {
	a, _ := memPair()
	c := New(a, newPipeline(t), testAddress(1))
	defer c.Close()

	require.True(t, c.Post(func() { panic("boom") }))
	ran := make(chan struct{})
	require.True(t, c.Post(func() { close(ran) }))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("event loop stopped")
	}
}

func TestPeerConnection_Close(t *testing.T) {
	a, _ := memPair()
	lc := &lifecycle{}
	var hooks atomic.Int32
	c := New(a, newPipeline(t, pipeline.NamedHandler{Name: "lc", Handler: lc}), testAddress(1),
		WithCloseHook(func(*PeerConnection) { hooks.Add(1) }))

	assert.True(t, c.IsOpen())
	c.Close()
	c.Close()

	assert.False(t, c.IsOpen())
	assert.False(t, a.IsOpen())
	assert.Equal(t, int32(1), hooks.Load())

	select {
	case <-c.Stopped():
	case <-time.After(time.Second):
		t.Fatal("event loop did not stop")
	}
	assert.True(t, lc.removed.Load(), "handlers are removed when the connection closes")
	assert.True(t, c.Pipeline().IsClosed())

	assert.False(t, c.Post(func() {}))
	err := c.Write(context.Background(), types.NewRequest(1, types.CommandPing, testAddress(1), testAddress(2)))
	assert.ErrorIs(t, err, types.ErrConnectionClosed)
}

func TestPeerConnection_CloseFromEvent(t *testing.T) {
	a, _ := memPair()
	c := New(a, newPipeline(t), testAddress(1))

	require.True(t, c.Post(c.Close))
	select {
	case <-c.Stopped():
	case <-time.After(time.Second):
		t.Fatal("close from event deadlocked")
	}
}

func TestPeerConnection_ServeEndsOnPeerClose(t *testing.T) {
	a, b := memPair()
	c := New(b, newPipeline(t), testAddress(1))

	errCh := make(chan error, 1)
	go func() { errCh <- c.Serve(context.Background()) }()

	require.NoError(t, a.Close())
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("serve did not end")
	}
	assert.False(t, c.IsOpen())
}

func TestPeerConnection_ChannelCloseClosesConnection(t *testing.T) {
	a, _ := memPair()
	c := New(a, newPipeline(t), testAddress(1))

	require.NoError(t, a.Close())
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("connection not closed with its channel")
	}
}

func TestPeerConnection_SetRemote(t *testing.T) {
	a, _ := memPair()
	c := New(a, newPipeline(t), testAddress(1))
	defer c.Close()

	next := testAddress(2)
	c.SetRemote(next)
	assert.Equal(t, next, c.Remote())
	assert.NotEmpty(t, c.ID())
	assert.Same(t, c.Pipeline().Channel(), c.Channel())
}
