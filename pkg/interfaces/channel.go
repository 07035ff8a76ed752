// Package interfaces 定义 go-overlay 公共接口
//
// 本文件定义 Channel 接口，抽象 TCP/UDP 传输通道。
package interfaces

import (
	"context"
	"net"

	"github.com/dep2p/go-overlay/pkg/lib/bytebuf"
)

// Channel 定义传输通道接口
//
// TCP 与 UDP 通道只在是否为每次收发携带目标地址上不同：
// TCP 通道忽略 Send 的 to 参数，Receive 返回的 from 为远端地址；
// 未连接的 UDP 通道必须为 Send 提供 to。
type Channel interface {
	// ID 返回通道唯一标识
	ID() string

	// IsUDP 是否为 UDP 通道
	IsUDP() bool

	// IsOpen 通道是否仍然打开
	IsOpen() bool

	// LocalAddr 返回本地地址
	LocalAddr() net.Addr

	// RemoteAddr 返回远端地址（未连接的 UDP 通道返回 nil）
	RemoteAddr() net.Addr

	// Send 发送一组连续视图，TCP 使用 writev 一次写出
	Send(ctx context.Context, bufs [][]byte, to net.Addr) error

	// Receive 接收数据并追加到 buf 的可写区域
	//
	// 流结束时返回 io.EOF。
	Receive(ctx context.Context, buf *bytebuf.ByteBuf) (from net.Addr, err error)

	// Close 关闭通道，可重复调用
	Close() error

	// Done 返回通道关闭时关闭的 channel
	Done() <-chan struct{}
}
