// Package sender 实现出站请求
//
// Sender 为每个请求建立短连接（或复用保持连接），经标准处理器链编码发送，
// 按消息 ID 匹配响应。并发连接数由 reservation 限制，成功与失败通知给
// 发送方节点登记的 PeerStatusListener。
package sender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/internal/core/codec"
	"github.com/dep2p/go-overlay/internal/core/connection"
	"github.com/dep2p/go-overlay/internal/core/heartbeat"
	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/internal/core/pipeline"
	"github.com/dep2p/go-overlay/internal/core/reservation"
	"github.com/dep2p/go-overlay/internal/core/scheduler"
	"github.com/dep2p/go-overlay/internal/core/transport/tcp"
	"github.com/dep2p/go-overlay/internal/core/transport/udp"
	"github.com/dep2p/go-overlay/pkg/interfaces"
	"github.com/dep2p/go-overlay/pkg/lib/bytebuf"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("core/sender")

// ListenerLookup 返回 self 节点登记的状态监听器
type ListenerLookup func(self types.PeerID) []interfaces.PeerStatusListener

// Sender 出站发送器
type Sender struct {
	cfg         config.ClientConfig
	chain       codec.ChainConfig
	networkID   uint32
	reservation *reservation.Reservation
	scheduler   *scheduler.Scheduler
	metrics     *metrics.Metrics
	filter      pipeline.Filter
	listeners   ListenerLookup

	heartbeatIdle config.HeartbeatConfig

	// 待匹配的响应
	pendingMu sync.Mutex
	pending   map[uint32]chan *types.Message

	mu        sync.Mutex
	keepAlive map[keepAliveKey]*keepAliveConn
	closed    bool
}

var _ interfaces.Sender = (*Sender)(nil)

type keepAliveKey struct {
	owner  types.PeerID
	remote string
}

type keepAliveConn struct {
	conn    *connection.PeerConnection
	permit  *reservation.Permit
	monitor *heartbeat.Monitor
}

// Option 发送器选项
type Option func(*Sender)

// WithChain 设置出站处理器链配置
func WithChain(cfg codec.ChainConfig) Option {
	return func(s *Sender) { s.chain = cfg }
}

// WithHeartbeat 设置保持连接的心跳配置与调度器
func WithHeartbeat(cfg config.HeartbeatConfig, sched *scheduler.Scheduler) Option {
	return func(s *Sender) {
		s.heartbeatIdle = cfg
		s.scheduler = sched
	}
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sender) { s.metrics = m }
}

// WithFilter 设置出站管道过滤器
func WithFilter(f pipeline.Filter) Option {
	return func(s *Sender) { s.filter = f }
}

// WithListeners 设置状态监听器查找函数
func WithListeners(fn ListenerLookup) Option {
	return func(s *Sender) { s.listeners = fn }
}

// New 创建发送器
func New(networkID uint32, cfg config.ClientConfig, r *reservation.Reservation, opts ...Option) *Sender {
	s := &Sender{
		cfg:           cfg,
		networkID:     networkID,
		reservation:   r,
		heartbeatIdle: config.DefaultHeartbeatConfig(),
		pending:       make(map[uint32]chan *types.Message),
		keepAlive:     make(map[keepAliveKey]*keepAliveConn),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.scheduler == nil {
		s.scheduler = scheduler.New(nil)
	}
	return s
}

// ============================================================================
//                              TCP
// ============================================================================

// SendTCP 通过 TCP 发送请求并等待响应
//
// msg.KeepAlive 为 true 时复用（或建立）到对端的保持连接，否则使用一次性连接。
func (s *Sender) SendTCP(ctx context.Context, msg *types.Message) (*types.Message, error) {
	if err := s.check(msg); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		conn *connection.PeerConnection
		err  error
	)
	if msg.KeepAlive {
		conn, err = s.Connect(ctx, msg.Sender, msg.Recipient)
	} else {
		conn, err = s.dialOnce(ctx, msg.Sender.PeerID, msg.Recipient)
		if conn != nil {
			defer conn.Close()
		}
	}
	if err != nil {
		s.notifyFailed(msg, err)
		return nil, err
	}

	resp, err := s.roundTrip(ctx, conn, msg)
	if err != nil {
		s.notifyFailed(msg, err)
		return nil, err
	}
	s.notifyFound(msg, resp)
	return resp, nil
}

// Connect 返回 owner 到 remote 的保持连接，不存在时建立
//
// 保持连接在管道中安装心跳监控，在 Close、CloseOwner 或对端关闭前一直占用一个 TCP 许可。
func (s *Sender) Connect(ctx context.Context, owner, remote types.PeerAddress) (*connection.PeerConnection, error) {
	key := keepAliveKey{owner: owner.PeerID, remote: remote.Socket.TCPAddr().String()}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if ka, ok := s.keepAlive[key]; ok && ka.conn.IsOpen() {
		s.mu.Unlock()
		return ka.conn, nil
	}
	s.mu.Unlock()

	permit, err := s.reservation.AcquireTCP(ctx, owner.PeerID)
	if err != nil {
		return nil, err
	}

	var monitor *heartbeat.Monitor
	var extra []pipeline.NamedHandler
	if idle := s.heartbeatIdle.AllIdleTime.Duration(); idle > 0 {
		factory := heartbeat.NewPingFactory(s.networkID, func() types.PeerAddress { return owner })
		monitor = heartbeat.New(idle, factory,
			heartbeat.WithScheduler(s.scheduler), heartbeat.WithMetrics(s.metrics))
		extra = append(extra, pipeline.NamedHandler{Name: heartbeat.HandlerName, Handler: monitor})
	}

	conn, err := s.dial(ctx, remote, extra, func(*connection.PeerConnection) { permit.Release() })
	if err != nil {
		permit.Release()
		return nil, err
	}
	if monitor != nil {
		monitor.SetConnection(conn)
	}

	ka := &keepAliveConn{conn: conn, permit: permit, monitor: monitor}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return nil, ErrClosed
	}
	if old, ok := s.keepAlive[key]; ok && old.conn.IsOpen() {
		// 并发建立的连接，保留先登记的
		s.mu.Unlock()
		conn.Close()
		return old.conn, nil
	}
	s.keepAlive[key] = ka
	s.mu.Unlock()

	go func() {
		<-conn.Done()
		s.mu.Lock()
		if cur, ok := s.keepAlive[key]; ok && cur == ka {
			delete(s.keepAlive, key)
		}
		s.mu.Unlock()
	}()

	logger.Debug("保持连接已建立", "owner", owner.PeerID.ShortString(), "remote", remote.PeerID.ShortString())
	return conn, nil
}

// KeepAliveCount 返回当前保持连接数
func (s *Sender) KeepAliveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keepAlive)
}

func (s *Sender) dialOnce(ctx context.Context, owner types.PeerID, remote types.PeerAddress) (*connection.PeerConnection, error) {
	permit, err := s.reservation.AcquireTCP(ctx, owner)
	if err != nil {
		return nil, err
	}
	conn, err := s.dial(ctx, remote, nil, func(*connection.PeerConnection) { permit.Release() })
	if err != nil {
		permit.Release()
		return nil, err
	}
	return conn, nil
}

func (s *Sender) dial(ctx context.Context, remote types.PeerAddress, extra []pipeline.NamedHandler,
	onClose func(*connection.PeerConnection)) (*connection.PeerConnection, error) {
	addr := remote.Socket.TCPAddr()
	if addr == nil {
		return nil, fmt.Errorf("%w: remote %s has no tcp address", types.ErrInvalidArgument, remote)
	}

	ch, err := tcp.Dial(ctx, addr, s.cfg.ConnectTimeout.Duration(), 0)
	if err != nil {
		return nil, err
	}
	p, err := pipeline.Build(codec.NewChain(s.chain, extra...), s.filter, true, true)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	conn := connection.New(ch, p, remote,
		connection.WithMessageHandler(s.onMessage),
		connection.WithMetrics(s.metrics),
		connection.WithCloseHook(onClose),
	)
	go func() {
		if err := conn.Serve(context.Background()); err != nil {
			logger.Debug("出站连接结束", "conn", conn.ID(), "err", err)
		}
	}()
	return conn, nil
}

// roundTrip 在 conn 上写出 msg 并等待匹配的响应
func (s *Sender) roundTrip(ctx context.Context, conn *connection.PeerConnection, msg *types.Message) (*types.Message, error) {
	respCh := s.expect(msg.ID)
	defer s.forget(msg.ID)

	if err := conn.Write(ctx, msg); err != nil {
		return nil, err
	}
	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for response to %s", types.ErrConnectionTimeout, msg)
	case <-conn.Done():
		// 连接关闭与响应到达可能同时发生
		select {
		case resp := <-respCh:
			return resp, nil
		default:
		}
		return nil, ErrNoResponse
	}
}

// onMessage 把响应交给等待者；出站连接上的请求被忽略
func (s *Sender) onMessage(_ context.Context, conn *connection.PeerConnection, msg *types.Message) {
	if msg.Type.IsRequest() {
		logger.Debug("忽略出站连接上的请求", "conn", conn.ID(), "msg", msg.String())
		return
	}
	s.deliver(msg)
}

// ============================================================================
//                              UDP
// ============================================================================

// SendUDP 通过 UDP 发送请求并等待响应
func (s *Sender) SendUDP(ctx context.Context, msg *types.Message) (*types.Message, error) {
	if err := s.check(msg); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	resp, err := s.sendUDP(ctx, msg, true)
	if err != nil {
		s.notifyFailed(msg, err)
		return nil, err
	}
	s.notifyFound(msg, resp)
	return resp, nil
}

// FireAndForgetUDP 通过 UDP 发送 fire-and-forget 请求
func (s *Sender) FireAndForgetUDP(ctx context.Context, msg *types.Message) error {
	if err := s.check(msg); err != nil {
		return err
	}
	if !msg.Type.IsFireAndForget() {
		return ErrNotFireAndForget
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.sendUDP(ctx, msg, false); err != nil {
		s.notifyFailed(msg, err)
		return err
	}
	return nil
}

func (s *Sender) sendUDP(ctx context.Context, msg *types.Message, wait bool) (*types.Message, error) {
	addr := msg.Recipient.Socket.UDPAddr()
	if addr == nil {
		return nil, fmt.Errorf("%w: remote %s has no udp address", types.ErrInvalidArgument, msg.Recipient)
	}

	permit, err := s.reservation.AcquireUDP(ctx, msg.Sender.PeerID)
	if err != nil {
		return nil, err
	}
	defer permit.Release()

	ch, err := udp.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	s.metrics.ConnectionOpened(true)
	defer func() {
		_ = ch.Close()
		s.metrics.ConnectionClosed(true)
	}()

	p, err := pipeline.Build(codec.NewChain(s.chain), s.filter, false, true, pipeline.WithChannel(ch))
	if err != nil {
		return nil, err
	}
	defer p.Close()

	out, err := p.Write(msg)
	if err != nil {
		return nil, err
	}
	bufs, size, err := codec.Flatten(out)
	if err != nil {
		return nil, err
	}
	if err := ch.Send(ctx, bufs, nil); err != nil {
		return nil, err
	}
	s.metrics.BytesSent(true, size)
	if !wait {
		return nil, nil
	}

	buf := bytebuf.Allocate(udp.MaxDatagramSize)
	for {
		buf.Clear()
		if _, err := ch.Receive(ctx, buf); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: waiting for response to %s", types.ErrConnectionTimeout, msg)
			}
			return nil, err
		}
		s.metrics.BytesReceived(true, buf.ReadableBytes())

		in, err := p.Read(buf)
		p.ResetRead()
		if err != nil {
			logger.Debug("丢弃无法解码的数据报", "remote", addr, "err", err)
			continue
		}
		for _, o := range in {
			if resp, ok := o.(*types.Message); ok && resp.IsResponseTo(msg) {
				return resp, nil
			}
		}
	}
}

// ============================================================================
//                              响应匹配
// ============================================================================

func (s *Sender) expect(id uint32) <-chan *types.Message {
	ch := make(chan *types.Message, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	return ch
}

func (s *Sender) forget(id uint32) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

func (s *Sender) deliver(msg *types.Message) {
	s.pendingMu.Lock()
	ch, ok := s.pending[msg.ID]
	if ok {
		delete(s.pending, msg.ID)
	}
	s.pendingMu.Unlock()
	if !ok {
		logger.Debug("丢弃无人等待的响应", "msg", msg.String())
		return
	}
	ch <- msg
}

// ============================================================================
//                              辅助
// ============================================================================

func (s *Sender) check(msg *types.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", types.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *Sender) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || s.cfg.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.RequestTimeout.Duration())
}

func (s *Sender) notifyFound(req, resp *types.Message) {
	if s.listeners == nil {
		return
	}
	for _, l := range s.listeners(req.Sender.PeerID) {
		l.PeerFound(resp.Sender, resp.Sender)
	}
}

func (s *Sender) notifyFailed(req *types.Message, err error) {
	if s.listeners == nil {
		return
	}
	reason := failReason(err)
	for _, l := range s.listeners(req.Sender.PeerID) {
		l.PeerFailed(req.Recipient, reason)
	}
}

// failReason 把错误归类为节点失败原因
func failReason(err error) types.FailReason {
	var netErr net.Error
	switch {
	case errors.Is(err, types.ErrConnectionTimeout), errors.Is(err, context.DeadlineExceeded):
		return types.FailReasonTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return types.FailReasonTimeout
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, ErrNoResponse),
		errors.Is(err, io.EOF), errors.Is(err, types.ErrConnectionClosed):
		return types.FailReasonProbablyOffline
	case errors.Is(err, ErrClosed), errors.Is(err, reservation.ErrClosed), errors.Is(err, reservation.ErrDraining):
		return types.FailReasonShutdown
	default:
		return types.FailReasonException
	}
}

// ============================================================================
//                              关闭
// ============================================================================

// CloseOwner 关闭 owner 的全部保持连接，释放其占用的许可
func (s *Sender) CloseOwner(owner types.PeerID) int {
	s.mu.Lock()
	var conns []*connection.PeerConnection
	for key, ka := range s.keepAlive {
		if key.owner == owner {
			conns = append(conns, ka.conn)
			delete(s.keepAlive, key)
		}
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return len(conns)
}

// Close 关闭全部保持连接，之后的发送返回 ErrClosed；可重复调用
func (s *Sender) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*connection.PeerConnection, 0, len(s.keepAlive))
	for key, ka := range s.keepAlive {
		conns = append(conns, ka.conn)
		delete(s.keepAlive, key)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	logger.Debug("发送器已关闭", "keepAlive", len(conns))
	return nil
}
