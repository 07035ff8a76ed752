package connection

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/dep2p/go-overlay/pkg/interfaces"
	"github.com/dep2p/go-overlay/pkg/lib/bytebuf"
	"github.com/dep2p/go-overlay/pkg/types"
)

// memChannel 内存通道，成对使用
type memChannel struct {
	id    string
	inbox chan []byte
	peer  *memChannel

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

var _ interfaces.Channel = (*memChannel)(nil)

func memPair() (*memChannel, *memChannel) {
	a := &memChannel{id: "a", inbox: make(chan []byte, 16), done: make(chan struct{})}
	b := &memChannel{id: "b", inbox: make(chan []byte, 16), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (c *memChannel) ID() string           { return c.id }
func (c *memChannel) IsUDP() bool          { return false }
func (c *memChannel) LocalAddr() net.Addr  { return &net.TCPAddr{Port: 1} }
func (c *memChannel) RemoteAddr() net.Addr { return &net.TCPAddr{Port: 2} }
func (c *memChannel) Done() <-chan struct{} { return c.done }

func (c *memChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *memChannel) Send(_ context.Context, bufs [][]byte, _ net.Addr) error {
	if !c.IsOpen() {
		return types.ErrConnectionClosed
	}
	var data []byte
	for _, b := range bufs {
		data = append(data, b...)
	}
	select {
	case c.peer.inbox <- data:
		return nil
	case <-c.peer.done:
		return types.ErrConnectionClosed
	}
}

func (c *memChannel) Receive(ctx context.Context, buf *bytebuf.ByteBuf) (net.Addr, error) {
	select {
	case data := <-c.inbox:
		return c.RemoteAddr(), buf.WriteBytes(data)
	case <-c.peer.done:
		return nil, io.EOF
	case <-c.done:
		return nil, types.ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}
