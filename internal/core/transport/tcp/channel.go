// Package tcp 实现基于 TCP 的传输通道
package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dep2p/go-overlay/pkg/interfaces"
	"github.com/dep2p/go-overlay/pkg/lib/bytebuf"
	"github.com/dep2p/go-overlay/pkg/types"
)

// DefaultReadSize 单次读取的默认大小
const DefaultReadSize = 64 << 10

// 确保实现了接口
var _ interfaces.Channel = (*Channel)(nil)

// Channel TCP 通道
type Channel struct {
	id          string
	conn        net.Conn
	idleTimeout time.Duration

	writeMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewChannel 包装一个已建立的 TCP 连接
//
// idleTimeout 大于 0 时，超过该时长没有收到数据的 Receive 返回 ErrConnectionTimeout。
func NewChannel(conn net.Conn, idleTimeout time.Duration) *Channel {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
	}
	return &Channel{
		id:          uuid.NewString(),
		conn:        conn,
		idleTimeout: idleTimeout,
		done:        make(chan struct{}),
	}
}

// ID 返回通道唯一标识
func (c *Channel) ID() string { return c.id }

// IsUDP 始终为 false
func (c *Channel) IsUDP() bool { return false }

// IsOpen 通道是否仍然打开
func (c *Channel) IsOpen() bool { return !c.closed.Load() }

// LocalAddr 返回本地地址
func (c *Channel) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// RemoteAddr 返回远端地址
func (c *Channel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Send 用一次 writev 写出全部视图，to 被忽略
func (c *Channel) Send(ctx context.Context, bufs [][]byte, _ net.Addr) error {
	if c.closed.Load() {
		return types.ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetWriteDeadline(time.Unix(1, 0))
	})
	defer stop()

	nb := net.Buffers(bufs)
	if _, err := nb.WriteTo(c.conn); err != nil {
		return c.mapError(ctx, err)
	}
	return nil
}

// Receive 读取一次数据追加到 buf
func (c *Channel) Receive(ctx context.Context, buf *bytebuf.ByteBuf) (net.Addr, error) {
	if c.closed.Load() {
		return nil, types.ErrConnectionClosed
	}

	max := buf.WritableBytes()
	if max == 0 {
		max = DefaultReadSize
	}

	if c.idleTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	n, err := buf.WriteFrom(c.conn, max)
	if n > 0 {
		return c.conn.RemoteAddr(), nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return nil, c.mapError(ctx, err)
}

func (c *Channel) mapError(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, io.EOF):
		return io.EOF
	case c.closed.Load() || errors.Is(err, net.ErrClosed):
		return types.ErrConnectionClosed
	case errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Errorf("%w: %v", types.ErrConnectionTimeout, err)
	default:
		return err
	}
}

// Close 关闭通道，可重复调用
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
		close(c.done)
	})
	return err
}

// Done 返回通道关闭时关闭的 channel
func (c *Channel) Done() <-chan struct{} { return c.done }

// String 返回通道描述
func (c *Channel) String() string {
	return fmt.Sprintf("tcp[%s %s->%s]", c.id[:8], c.conn.LocalAddr(), c.conn.RemoteAddr())
}
