package tcp

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// ============================================================================
//                              Listener
// ============================================================================

// Listener TCP 监听器
type Listener struct {
	listener    *net.TCPListener
	idleTimeout time.Duration
	closed      atomic.Bool
}

// Listen 在 addr 上监听；端口为 0 时由系统分配
func Listen(ctx context.Context, addr *net.TCPAddr, idleTimeout time.Duration) (*Listener, error) {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("监听失败: %w", err)
	}
	tl, ok := l.(*net.TCPListener)
	if !ok {
		_ = l.Close()
		return nil, fmt.Errorf("不是 TCP 监听器")
	}
	return &Listener{listener: tl, idleTimeout: idleTimeout}, nil
}

// Accept 接受连接
func (l *Listener) Accept() (*Channel, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		return nil, err
	}
	return NewChannel(conn, l.idleTimeout), nil
}

// Addr 返回实际监听地址
func (l *Listener) Addr() *net.TCPAddr {
	return l.listener.Addr().(*net.TCPAddr)
}

// Close 关闭监听器
func (l *Listener) Close() error {
	if l.closed.CompareAndSwap(false, true) {
		return l.listener.Close()
	}
	return nil
}

// IsClosed 检查监听器是否已关闭
func (l *Listener) IsClosed() bool {
	return l.closed.Load()
}

// ============================================================================
//                              Dial
// ============================================================================

// Dial 建立出站 TCP 通道
func Dial(ctx context.Context, addr *net.TCPAddr, timeout, idleTimeout time.Duration) (*Channel, error) {
	d := net.Dialer{Timeout: timeout, KeepAlive: 15 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("连接失败: %w", err)
	}
	return NewChannel(conn, idleTimeout), nil
}
