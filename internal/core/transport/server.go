// Package transport 实现监听传输
//
// ChannelServer 同时监听 TCP 与 UDP。每个入站 TCP 连接拥有独立的管道，
// UDP 的每个数据报独立解码。解码出的请求交给 Dispatcher，响应经同一通道回复。
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	tec "github.com/jbenet/go-temp-err-catcher"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/internal/core/codec"
	"github.com/dep2p/go-overlay/internal/core/connection"
	"github.com/dep2p/go-overlay/internal/core/heartbeat"
	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/internal/core/pipeline"
	"github.com/dep2p/go-overlay/internal/core/scheduler"
	"github.com/dep2p/go-overlay/internal/core/transport/tcp"
	"github.com/dep2p/go-overlay/internal/core/transport/udp"
	"github.com/dep2p/go-overlay/pkg/interfaces"
	"github.com/dep2p/go-overlay/pkg/lib/bytebuf"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("core/transport")

// ChannelServer TCP/UDP 监听服务
type ChannelServer struct {
	cfg        config.ServerConfig
	listenAddr netip.Addr
	dispatcher interfaces.Dispatcher
	filter     pipeline.Filter
	metrics    *metrics.Metrics

	networkID     uint32
	heartbeatIdle time.Duration
	scheduler     *scheduler.Scheduler

	pool sync.Pool

	// acceptBackoff 对 EMFILE 等临时错误退避重试
	acceptBackoff tec.TempErrCatcher

	mu      sync.Mutex
	started bool
	stopped bool
	tcpL    *tcp.Listener
	udpCh   *udp.Channel
	conns   map[*connection.PeerConnection]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option 服务选项
type Option func(*ChannelServer)

// WithListenAddr 设置监听地址；默认监听所有 IPv4 地址
func WithListenAddr(addr netip.Addr) Option {
	return func(s *ChannelServer) { s.listenAddr = addr }
}

// WithFilter 设置管道过滤器
func WithFilter(f pipeline.Filter) Option {
	return func(s *ChannelServer) { s.filter = f }
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *ChannelServer) { s.metrics = m }
}

// WithHeartbeat 为入站 TCP 连接安装心跳监控，探测使用 networkID
func WithHeartbeat(networkID uint32, cfg config.HeartbeatConfig, sched *scheduler.Scheduler) Option {
	return func(s *ChannelServer) {
		s.networkID = networkID
		s.heartbeatIdle = cfg.AllIdleTime.Duration()
		s.scheduler = sched
	}
}

// NewChannelServer 创建监听服务
func NewChannelServer(cfg config.ServerConfig, dispatcher interfaces.Dispatcher, opts ...Option) *ChannelServer {
	s := &ChannelServer{
		cfg:        cfg,
		listenAddr: netip.IPv4Unspecified(),
		dispatcher: dispatcher,
		conns:      make(map[*connection.PeerConnection]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pool.New = func() any { return bytebuf.Allocate(udp.MaxDatagramSize) }
	return s
}

func (s *ChannelServer) chainConfig() codec.ChainConfig {
	return codec.ChainConfig{
		MaxFrameSize:      s.cfg.MaxFrameSize,
		Compression:       s.cfg.Compression,
		CompressThreshold: s.cfg.CompressThreshold,
	}
}

// ============================================================================
//                              启动与关闭
// ============================================================================

// Startup 绑定 TCP 与 UDP
//
// 只要有一个传输绑定成功即视为成功；两者都失败时返回 ErrIO，已取得的资源被释放。
func (s *ChannelServer) Startup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("%w: channel server already started", types.ErrInvalidState)
	}

	var (
		tcpL           *tcp.Listener
		udpCh          *udp.Channel
		tcpErr, udpErr error
		g              errgroup.Group
	)
	if !s.cfg.DisableTCP {
		g.Go(func() error {
			addr := net.TCPAddrFromAddrPort(netip.AddrPortFrom(s.listenAddr, uint16(s.cfg.TCPPort)))
			tcpL, tcpErr = tcp.Listen(ctx, addr, s.cfg.IdleTCPTimeout.Duration())
			return nil
		})
	}
	if !s.cfg.DisableUDP {
		g.Go(func() error {
			addr := net.UDPAddrFromAddrPort(netip.AddrPortFrom(s.listenAddr, uint16(s.cfg.UDPPort)))
			udpCh, udpErr = udp.Listen(ctx, addr)
			return nil
		})
	}
	_ = g.Wait()

	if tcpL == nil && udpCh == nil {
		err := multierr.Combine(tcpErr, udpErr)
		logger.Warn("监听传输启动失败", "err", err)
		return fmt.Errorf("%w: neither tcp nor udp could bind: %v", types.ErrIO, err)
	}
	if tcpErr != nil {
		logger.Warn("TCP 绑定失败，仅使用 UDP", "err", tcpErr)
	}
	if udpErr != nil {
		logger.Warn("UDP 绑定失败，仅使用 TCP", "err", udpErr)
	}

	s.started = true
	s.tcpL, s.udpCh = tcpL, udpCh
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if tcpL != nil {
		s.wg.Add(1)
		go s.acceptLoop(tcpL)
	}
	if udpCh != nil {
		s.wg.Add(1)
		go s.udpLoop(udpCh)
	}
	logger.Info("监听传输已启动", "tcpPort", s.tcpPortLocked(), "udpPort", s.udpPortLocked())
	return nil
}

// Shutdown 关闭监听与全部入站连接，可重复调用
func (s *ChannelServer) Shutdown() error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.cancel()

	var err error
	if s.tcpL != nil {
		err = multierr.Append(err, s.tcpL.Close())
	}
	if s.udpCh != nil {
		err = multierr.Append(err, s.udpCh.Close())
	}
	conns := make([]*connection.PeerConnection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
	logger.Info("监听传输已关闭")
	return err
}

// TCPPort 返回 TCP 监听端口；未监听时为 0
func (s *ChannelServer) TCPPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tcpPortLocked()
}

// UDPPort 返回 UDP 监听端口；未监听时为 0
func (s *ChannelServer) UDPPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.udpPortLocked()
}

func (s *ChannelServer) tcpPortLocked() int {
	if s.tcpL == nil {
		return 0
	}
	return s.tcpL.Addr().Port
}

func (s *ChannelServer) udpPortLocked() int {
	if s.udpCh == nil {
		return 0
	}
	return s.udpCh.Port()
}

// Connections 返回当前入站 TCP 连接数
func (s *ChannelServer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ============================================================================
//                              TCP
// ============================================================================

// accepter 入站连接来源
type accepter interface {
	Accept() (*tcp.Channel, error)
}

func (s *ChannelServer) acceptLoop(l accepter) {
	defer s.wg.Done()
	for {
		ch, err := l.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			if s.acceptBackoff.IsTemporary(err) {
				logger.Debug("接受连接临时失败，退避后重试", "err", err)
				continue
			}
			logger.Warn("接受连接失败，停止 TCP 监听", "err", err)
			return
		}
		s.serveTCP(ch)
	}
}

func (s *ChannelServer) serveTCP(ch *tcp.Channel) {
	// 本端地址取自首个请求的接收方
	var local atomic.Pointer[types.PeerAddress]
	var monitor *heartbeat.Monitor
	var extra []pipeline.NamedHandler
	if s.heartbeatIdle > 0 && s.scheduler != nil {
		factory := heartbeat.NewPingFactory(s.networkID, func() types.PeerAddress {
			if a := local.Load(); a != nil {
				return *a
			}
			return types.PeerAddress{}
		})
		monitor = heartbeat.New(s.heartbeatIdle, factory,
			heartbeat.WithScheduler(s.scheduler), heartbeat.WithMetrics(s.metrics))
		extra = append(extra, pipeline.NamedHandler{Name: heartbeat.HandlerName, Handler: monitor})
	}

	p, err := pipeline.Build(codec.NewChain(s.chainConfig(), extra...), s.filter, true, false)
	if err != nil {
		logger.Warn("构建入站管道失败", "err", err)
		_ = ch.Close()
		return
	}

	handle := func(ctx context.Context, conn *connection.PeerConnection, msg *types.Message) {
		if local.Load() == nil {
			recipient := msg.Recipient
			local.CompareAndSwap(nil, &recipient)
		}
		s.handleTCP(ctx, conn, msg)
	}
	conn := connection.New(ch, p, types.PeerAddress{},
		connection.WithMessageHandler(handle),
		connection.WithMetrics(s.metrics),
		connection.WithReadSize(s.cfg.ReadBufferSize),
		connection.WithCloseHook(s.forget),
	)
	if monitor != nil {
		monitor.SetConnection(conn)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := conn.Serve(s.ctx); err != nil {
			logger.Debug("入站连接结束", "conn", conn.ID(), "err", err)
		}
	}()
}

func (s *ChannelServer) forget(c *connection.PeerConnection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// handleTCP 分发请求并回复；非保持连接在回复后关闭
func (s *ChannelServer) handleTCP(ctx context.Context, conn *connection.PeerConnection, msg *types.Message) {
	if conn.Remote().IsEmpty() {
		conn.SetRemote(msg.Sender)
	}

	resp := s.dispatcher.Dispatch(ctx, msg)
	if resp == nil {
		if !msg.KeepAlive && msg.Type.IsRequest() {
			conn.Close()
		}
		return
	}
	conn.WriteAsync(resp, func(err error) {
		if err != nil {
			logger.Debug("回复失败", "msg", resp.String(), "err", err)
		}
		if !msg.KeepAlive {
			conn.Close()
		}
	})
}

// ============================================================================
//                              UDP
// ============================================================================

func (s *ChannelServer) udpLoop(ch *udp.Channel) {
	defer s.wg.Done()

	p, err := pipeline.Build(codec.NewChain(s.chainConfig()), s.filter, false, false, pipeline.WithChannel(ch))
	if err != nil {
		logger.Warn("构建 UDP 管道失败", "err", err)
		return
	}
	defer p.Close()

	for {
		buf := s.pool.Get().(*bytebuf.ByteBuf)
		buf.Clear()
		from, err := ch.Receive(s.ctx, buf)
		if err != nil {
			s.pool.Put(buf)
			if s.ctx.Err() != nil || errors.Is(err, types.ErrConnectionClosed) {
				return
			}
			logger.Debug("读取数据报失败", "err", err)
			continue
		}
		s.metrics.BytesReceived(true, buf.ReadableBytes())

		out, err := p.Read(buf)
		// 每个数据报是独立的帧
		p.ResetRead()
		s.pool.Put(buf)
		if err != nil {
			logger.Debug("解码数据报失败", "from", from, "err", err)
			continue
		}

		for _, o := range out {
			msg, ok := o.(*types.Message)
			if !ok {
				continue
			}
			s.replyUDP(ch, p, from, msg)
		}
	}
}

func (s *ChannelServer) replyUDP(ch *udp.Channel, p *pipeline.Pipeline, to net.Addr, msg *types.Message) {
	resp := s.dispatcher.Dispatch(s.ctx, msg)
	if resp == nil {
		return
	}

	out, err := p.Write(resp)
	defer p.ResetWrite()
	if err != nil {
		logger.Debug("编码 UDP 回复失败", "err", err)
		return
	}
	bufs, size, err := codec.Flatten(out)
	if err != nil {
		logger.Debug("编码 UDP 回复失败", "err", err)
		return
	}
	if err := ch.Send(s.ctx, bufs, to); err != nil {
		logger.Debug("发送 UDP 回复失败", "to", to, "err", err)
		return
	}
	s.metrics.BytesSent(true, size)
}
