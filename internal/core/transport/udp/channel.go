// Package udp 实现基于 UDP 的传输通道
//
// 一个数据报承载一个完整的帧。
package udp

import (
	"context"
	"errors"
	"fmt"
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

// MaxDatagramSize UDP 数据报的最大载荷
const MaxDatagramSize = 65507

// 确保实现了接口
var _ interfaces.Channel = (*Channel)(nil)

// Channel UDP 通道
//
// 监听通道未连接，Send 必须提供目标地址；Dial 得到的通道已连接到远端。
type Channel struct {
	id        string
	conn      *net.UDPConn
	connected bool

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// Listen 在 addr 上监听 UDP
func Listen(ctx context.Context, addr *net.UDPAddr) (*Channel, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("监听失败: %w", err)
	}
	return newChannel(pc.(*net.UDPConn), false), nil
}

// Dial 创建连接到 addr 的 UDP 通道
func Dial(ctx context.Context, addr *net.UDPAddr) (*Channel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("连接失败: %w", err)
	}
	return newChannel(conn.(*net.UDPConn), true), nil
}

func newChannel(conn *net.UDPConn, connected bool) *Channel {
	return &Channel{
		id:        uuid.NewString(),
		conn:      conn,
		connected: connected,
		done:      make(chan struct{}),
	}
}

// ID 返回通道唯一标识
func (c *Channel) ID() string { return c.id }

// IsUDP 始终为 true
func (c *Channel) IsUDP() bool { return true }

// IsOpen 通道是否仍然打开
func (c *Channel) IsOpen() bool { return !c.closed.Load() }

// LocalAddr 返回本地地址
func (c *Channel) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// RemoteAddr 返回远端地址；未连接时为 nil
func (c *Channel) RemoteAddr() net.Addr {
	if !c.connected {
		return nil
	}
	return c.conn.RemoteAddr()
}

// Port 返回本地端口
func (c *Channel) Port() int {
	return c.conn.LocalAddr().(*net.UDPAddr).Port
}

// Send 把全部视图合并为一个数据报发出
func (c *Channel) Send(ctx context.Context, bufs [][]byte, to net.Addr) error {
	if c.closed.Load() {
		return types.ErrConnectionClosed
	}

	size := 0
	for _, b := range bufs {
		size += len(b)
	}
	if size > MaxDatagramSize {
		return fmt.Errorf("%w: datagram of %d bytes", types.ErrMessageTooLarge, size)
	}
	datagram := make([]byte, 0, size)
	for _, b := range bufs {
		datagram = append(datagram, b...)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	}

	var err error
	switch {
	case to != nil && !c.connected:
		_, err = c.conn.WriteTo(datagram, to)
	case c.connected:
		_, err = c.conn.Write(datagram)
	default:
		return fmt.Errorf("%w: unconnected udp channel needs a destination", types.ErrInvalidArgument)
	}
	if err != nil {
		return c.mapError(ctx, err)
	}
	return nil
}

// datagramReader 把一次 ReadFromUDP 适配为 io.Reader，记录来源地址
type datagramReader struct {
	conn *net.UDPConn
	from *net.UDPAddr
}

func (r *datagramReader) Read(p []byte) (int, error) {
	n, addr, err := r.conn.ReadFromUDP(p)
	r.from = addr
	return n, err
}

// Receive 读取一个数据报追加到 buf，返回来源地址
func (c *Channel) Receive(ctx context.Context, buf *bytebuf.ByteBuf) (net.Addr, error) {
	if c.closed.Load() {
		return nil, types.ErrConnectionClosed
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	r := datagramReader{conn: c.conn}
	if _, err := buf.WriteFrom(&r, MaxDatagramSize); err != nil {
		return nil, c.mapError(ctx, err)
	}
	return r.from, nil
}

func (c *Channel) mapError(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
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
