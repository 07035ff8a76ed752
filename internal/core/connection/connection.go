// Package connection 实现对端连接
//
// PeerConnection 拥有一个传输通道、一条管道和一个事件循环：
//   - Serve 在调用方 goroutine 上读取通道并驱动入站遍历
//   - 事件循环 goroutine 顺序执行投递的事件（心跳探测、出站写）
//
// 出站写总是在事件循环上执行，同一连接的帧按投递顺序写出。
package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dep2p/go-overlay/internal/core/codec"
	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/internal/core/pipeline"
	"github.com/dep2p/go-overlay/pkg/interfaces"
	"github.com/dep2p/go-overlay/pkg/lib/bytebuf"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("core/connection")

// 默认参数
const (
	DefaultEventQueue = 64
	DefaultReadSize   = 64 << 10
)

// MessageHandler 处理越过管道链尾的入站消息
type MessageHandler func(ctx context.Context, conn *PeerConnection, msg *types.Message)

// PeerConnection 与一个远端节点的连接
type PeerConnection struct {
	id       string
	remote   atomic.Pointer[types.PeerAddress]
	channel  interfaces.Channel
	pipeline *pipeline.Pipeline

	onMessage MessageHandler
	onClose   []func(*PeerConnection)
	metrics   *metrics.Metrics
	readSize  int

	events    chan func()
	closeOnce sync.Once
	done      chan struct{}
	loopDone  chan struct{}
}

// 确保实现了接口
var _ pipeline.FailureReporter = (*PeerConnection)(nil)

// Option 连接选项
type Option func(*PeerConnection)

// WithMessageHandler 设置入站消息回调
func WithMessageHandler(h MessageHandler) Option {
	return func(c *PeerConnection) { c.onMessage = h }
}

// WithCloseHook 追加关闭回调
func WithCloseHook(fn func(*PeerConnection)) Option {
	return func(c *PeerConnection) { c.onClose = append(c.onClose, fn) }
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *PeerConnection) { c.metrics = m }
}

// WithEventQueue 设置事件队列长度
func WithEventQueue(n int) Option {
	return func(c *PeerConnection) {
		if n > 0 {
			c.events = make(chan func(), n)
		}
	}
}

// WithReadSize 设置单次读取大小
func WithReadSize(n int) Option {
	return func(c *PeerConnection) {
		if n > 0 {
			c.readSize = n
		}
	}
}

// New 创建连接并启动事件循环
//
// 管道被绑定到 ch，连接成为管道的 FailureReporter。
func New(ch interfaces.Channel, p *pipeline.Pipeline, remote types.PeerAddress, opts ...Option) *PeerConnection {
	c := &PeerConnection{
		id:       uuid.NewString(),
		channel:  ch,
		pipeline: p,
		readSize: DefaultReadSize,
		events:   make(chan func(), DefaultEventQueue),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	c.remote.Store(&remote)
	for _, opt := range opts {
		opt(c)
	}

	p.SetChannel(ch)
	p.SetFailureReporter(c)
	c.metrics.ConnectionOpened(ch.IsUDP())

	go c.loop()
	go func() {
		select {
		case <-ch.Done():
			c.Close()
		case <-c.done:
		}
	}()
	return c
}

// ID 返回连接标识
func (c *PeerConnection) ID() string { return c.id }

// Remote 返回远端地址
func (c *PeerConnection) Remote() types.PeerAddress { return *c.remote.Load() }

// SetRemote 更新远端地址（如首个响应揭示了真实 PeerID）
func (c *PeerConnection) SetRemote(remote types.PeerAddress) { c.remote.Store(&remote) }

// Channel 返回传输通道
func (c *PeerConnection) Channel() interfaces.Channel { return c.channel }

// Pipeline 返回管道
func (c *PeerConnection) Pipeline() *pipeline.Pipeline { return c.pipeline }

// IsOpen 连接是否仍然打开
func (c *PeerConnection) IsOpen() bool {
	select {
	case <-c.done:
		return false
	default:
		return c.channel.IsOpen()
	}
}

// Done 连接关闭时关闭
func (c *PeerConnection) Done() <-chan struct{} { return c.done }

// Stopped 事件循环退出、管道关闭后关闭
func (c *PeerConnection) Stopped() <-chan struct{} { return c.loopDone }

// ============================================================================
//                              事件循环
// ============================================================================

func (c *PeerConnection) loop() {
	defer close(c.loopDone)
	defer c.pipeline.Close()
	for {
		select {
		case fn := <-c.events:
			c.run(fn)
		case <-c.done:
			return
		}
	}
}

func (c *PeerConnection) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("连接事件 panic", "conn", c.id, "panic", r)
		}
	}()
	fn()
}

// Post 把事件投递到连接的事件循环；连接已关闭时返回 false
func (c *PeerConnection) Post(fn func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- fn:
		return true
	case <-c.done:
		return false
	}
}

// WriteAsync 在事件循环上写出 msg，完成后调用 done（可为 nil）
func (c *PeerConnection) WriteAsync(msg any, done func(error)) bool {
	return c.Post(func() {
		err := c.write(context.Background(), msg)
		if done != nil {
			done(err)
		}
	})
}

// Write 在事件循环上写出 msg 并等待结果
//
// 不能在事件循环内调用，事件内请使用 WriteAsync。
func (c *PeerConnection) Write(ctx context.Context, msg any) error {
	result := make(chan error, 1)
	if !c.Post(func() { result <- c.write(ctx, msg) }) {
		return types.ErrConnectionClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return types.ErrConnectionClosed
	}
}

func (c *PeerConnection) write(ctx context.Context, msg any) error {
	out, err := c.pipeline.Write(msg)
	if err != nil {
		c.pipeline.ResetWrite()
		return err
	}

	bufs, size, err := codec.Flatten(out)
	if err != nil {
		return err
	}
	if len(bufs) == 0 {
		return nil
	}

	var to net.Addr
	if c.channel.IsUDP() && c.channel.RemoteAddr() == nil {
		to = c.Remote().Socket.UDPAddr()
	}
	if err := c.channel.Send(ctx, bufs, to); err != nil {
		return err
	}
	c.metrics.BytesSent(c.channel.IsUDP(), size)
	return nil
}

// ============================================================================
//                              读循环
// ============================================================================

// Serve 读取通道并把解码出的消息交给消息回调，直到通道结束
//
// 正常结束（对端关闭、本端关闭、ctx 取消）返回 nil。
func (c *PeerConnection) Serve(ctx context.Context) error {
	defer c.Close()

	buf := bytebuf.Allocate(c.readSize)
	for {
		buf.Clear()
		if _, err := c.channel.Receive(ctx, buf); err != nil {
			if isClosedError(err) || ctx.Err() != nil {
				return nil
			}
			logger.Debug("读取连接失败", "conn", c.id, "err", err)
			return err
		}
		c.metrics.BytesReceived(c.channel.IsUDP(), buf.ReadableBytes())

		out, err := c.pipeline.Read(buf)
		if err != nil {
			// 半帧状态不可信，丢弃后继续
			c.pipeline.ResetRead()
		}
		for _, o := range out {
			m, ok := o.(*types.Message)
			if !ok {
				logger.Debug("丢弃非消息的入站输出", "conn", c.id, "type", fmt.Sprintf("%T", o))
				continue
			}
			if c.onMessage != nil {
				c.onMessage(ctx, c, m)
			}
		}
	}
}

func isClosedError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, types.ErrConnectionClosed) ||
		errors.Is(err, context.Canceled)
}

// ReportFailure 实现 pipeline.FailureReporter
//
// 在管道遍历中被调用，此时持有遍历锁，不能回调管道。
func (c *PeerConnection) ReportFailure(err error) {
	var he *pipeline.HandlerError
	inbound := true
	if errors.As(err, &he) {
		inbound = he.Inbound
	}
	c.metrics.PipelineFailure(inbound)
	logger.Debug("管道处理失败", "conn", c.id, "remote", c.Remote().PeerID.ShortString(), "err", err)
}

// ============================================================================
//                              关闭
// ============================================================================

// Close 关闭连接并停止事件循环，可重复调用，也可在事件内调用
//
// 事件循环退出时关闭管道，处理器随之收到 HandlerRemoved。
func (c *PeerConnection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.channel.Close()
		c.metrics.ConnectionClosed(c.channel.IsUDP())
		for _, fn := range c.onClose {
			fn(c)
		}
		logger.Debug("连接已关闭", "conn", c.id, "remote", c.Remote().PeerID.ShortString())
	})
}
