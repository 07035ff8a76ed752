package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/internal/core/codec"
	"github.com/dep2p/go-overlay/internal/core/dispatcher"
	"github.com/dep2p/go-overlay/internal/core/identity"
	"github.com/dep2p/go-overlay/internal/core/maintenance"
	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/internal/core/netaddr"
	"github.com/dep2p/go-overlay/internal/core/peerstatus"
	"github.com/dep2p/go-overlay/internal/core/pipeline"
	"github.com/dep2p/go-overlay/internal/core/reservation"
	"github.com/dep2p/go-overlay/internal/core/scheduler"
	"github.com/dep2p/go-overlay/internal/core/sender"
	"github.com/dep2p/go-overlay/internal/core/transport"
	"github.com/dep2p/go-overlay/pkg/interfaces"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("core/bootstrap")

// ============================================================================
//                              选项
// ============================================================================

type options struct {
	id         types.PeerID
	keyPair    *identity.KeyPair
	hasID      bool
	discoverer interfaces.InterfaceDiscoverer
	metrics    *metrics.Metrics
	clock      clock.Clock
	filter     pipeline.Filter
	listeners  []interfaces.PeerStatusListener
}

// Option 主节点选项
type Option func(*options)

// WithIdentity 指定节点 ID 与可选密钥对，跳过按配置解析身份
func WithIdentity(id types.PeerID, kp *identity.KeyPair) Option {
	return func(o *options) {
		o.id, o.keyPair, o.hasID = id, kp, true
	}
}

// WithDiscoverer 替换出站地址发现
func WithDiscoverer(d interfaces.InterfaceDiscoverer) Option {
	return func(o *options) { o.discoverer = d }
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock 设置定时器服务、状态缓存与维护任务使用的时钟
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithFilter 设置全部管道的过滤器
func WithFilter(f pipeline.Filter) Option {
	return func(o *options) { o.filter = f }
}

// WithListeners 额外登记主节点的状态监听器
func WithListeners(ls ...interfaces.PeerStatusListener) Option {
	return func(o *options) { o.listeners = append(o.listeners, ls...) }
}

// ============================================================================
//                              PeerCreator
// ============================================================================

// PeerCreator 一个已启动的主节点或从节点
type PeerCreator struct {
	bean     *PeerBean
	conn     *ConnectionBean
	registry *Registry
	parent   types.PeerID
	clock    clock.Clock

	mu       sync.Mutex
	shutdown bool
	err      error
}

// NewMaster 创建主节点
//
// 依次：解析身份并校验凭证绑定，发现出站地址，启动监听传输，创建共享资源。
// 无可用地址或绑定失败返回 ErrBind；TCP 与 UDP 都无法监听返回 ErrIO。
// 失败时已取得的资源全部释放。
func NewMaster(ctx context.Context, cfg *config.Config, opts ...Option) (*PeerCreator, error) {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidArgument, err)
	}

	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.discoverer == nil {
		o.discoverer = netaddr.NewDiscoverer()
	}

	// 身份
	id, kp := o.id, o.keyPair
	if !o.hasID {
		var err error
		if id, kp, err = identity.Resolve(cfg.Identity); err != nil {
			return nil, fmt.Errorf("%w: resolve identity: %v", types.ErrBind, err)
		}
	} else if id.IsEmpty() && kp != nil {
		id = kp.PeerID()
	}
	if err := identity.Bind(id, kp); err != nil {
		return nil, err
	}

	// 出站地址
	bindings := cfg.Network.Bindings()
	res, err := o.discoverer.Discover(ctx, bindings)
	if err != nil {
		return nil, fmt.Errorf("%w: discover interfaces: %v", types.ErrBind, err)
	}
	if !res.Found {
		return nil, fmt.Errorf("%w: no outgoing address: %s", types.ErrBind, res.Status)
	}
	logger.Info("出站地址", "addr", res.Address, "status", res.Status)

	// 共享资源
	networkID := cfg.Network.NetworkID
	sched := scheduler.New(o.clock)
	d := dispatcher.New(networkID, o.metrics)
	r, err := reservation.New(reservation.Config{
		MaxPermitsTCP: cfg.Client.MaxPermitsTCP,
		MaxPermitsUDP: cfg.Client.MaxPermitsUDP,
		CreationRate:  cfg.Client.CreationRate,
		CreationBurst: cfg.Client.CreationBurst,
	}, o.metrics)
	if err != nil {
		sched.Stop()
		return nil, err
	}

	server := transport.NewChannelServer(cfg.Server, d,
		transport.WithListenAddr(listenAddr(bindings, res.Address)),
		transport.WithFilter(o.filter),
		transport.WithMetrics(o.metrics),
		transport.WithHeartbeat(networkID, cfg.Heartbeat, sched),
	)
	if err := server.Startup(ctx); err != nil {
		sched.Stop()
		return nil, multierr.Append(err, r.Shutdown(ctx))
	}

	registry := NewRegistry()
	snd := sender.New(networkID, cfg.Client, r,
		sender.WithChain(codec.ChainConfig{
			MaxFrameSize:      cfg.Server.MaxFrameSize,
			Compression:       cfg.Server.Compression,
			CompressThreshold: cfg.Server.CompressThreshold,
		}),
		sender.WithHeartbeat(cfg.Heartbeat, sched),
		sender.WithMetrics(o.metrics),
		sender.WithFilter(o.filter),
		sender.WithListeners(registry.listeners),
	)

	conn := &ConnectionBean{
		networkID:   networkID,
		config:      cfg,
		dispatcher:  d,
		sender:      snd,
		server:      server,
		reservation: r,
		scheduler:   sched,
		metrics:     o.metrics,
		refs:        1,
	}

	addr := types.NewPeerAddress(id,
		types.NewPeerSocketAddress(res.Address, uint16(server.TCPPort()), uint16(server.UDPPort())))
	if cfg.Server.BehindFirewall {
		addr = addr.ChangeFirewalled(true, true)
	}
	p, err := newPeer(conn, registry, types.EmptyPeerID, addr, kp, o.clock)
	if err != nil {
		_, relErr := conn.release(ctx)
		return nil, multierr.Append(err, relErr)
	}
	for _, l := range o.listeners {
		p.bean.AddListener(l)
	}

	logger.Info("主节点已启动", "peer", id.ShortString(), "addr", addr.String())
	return p, nil
}

// listenAddr 选择监听地址：ListenAny 时监听与发现地址同族的通配地址
func listenAddr(b types.Bindings, discovered netip.Addr) netip.Addr {
	if !b.ListenAny {
		return discovered
	}
	if discovered.Is6() && !discovered.Is4In6() {
		return netip.IPv6Unspecified()
	}
	return netip.IPv4Unspecified()
}

// NewSlave 在当前节点下创建从节点
//
// 从节点复用父节点的 ConnectionBean，对外地址取父节点地址并替换节点 ID。
// id 为空时由 kp 派生，kp 也为空时随机生成。
func (p *PeerCreator) NewSlave(_ context.Context, id types.PeerID, kp *identity.KeyPair) (*PeerCreator, error) {
	if id.IsEmpty() {
		if kp != nil {
			id = kp.PeerID()
		} else {
			id = types.RandomPeerID()
		}
	}
	if err := identity.Bind(id, kp); err != nil {
		return nil, err
	}

	// 检查与登记在父节点锁内完成，Shutdown 的子节点快照要么包含它，要么拒绝它
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return nil, ErrShutdown
	}
	if err := p.conn.retain(); err != nil {
		return nil, err
	}

	addr := p.Address().ChangePeerID(id)
	child, err := newPeer(p.conn, p.registry, p.ID(), addr, kp, p.clock)
	if err != nil {
		_, relErr := p.conn.release(context.Background())
		return nil, multierr.Append(err, relErr)
	}
	logger.Info("从节点已启动", "peer", id.ShortString(), "parent", p.ID().ShortString())
	return child, nil
}

// newPeer 创建节点状态并登记处理器、状态跟踪与维护任务
func newPeer(conn *ConnectionBean, registry *Registry, parent types.PeerID, addr types.PeerAddress,
	kp *identity.KeyPair, clk clock.Clock) (*PeerCreator, error) {
	cfg := conn.config

	tracker, err := peerstatus.New(cfg.PeerStatus, peerstatus.WithClock(clk), peerstatus.WithMetrics(conn.metrics))
	if err != nil {
		return nil, err
	}
	p := &PeerCreator{
		bean:     newPeerBean(addr, kp, tracker),
		conn:     conn,
		registry: registry,
		parent:   parent,
		clock:    clk,
	}
	if err := registry.add(p, parent); err != nil {
		return nil, err
	}

	id := addr.PeerID
	conn.dispatcher.RegisterHandlers(id, id, dispatcher.NewPingHandler(p.Address), types.CommandPing)

	if cfg.Maintenance.Enable {
		task, err := maintenance.New(cfg.Maintenance, tracker, p.probe, maintenance.WithClock(clk))
		if err != nil {
			conn.dispatcher.RemoveHandlers(id, id)
			registry.remove(id)
			return nil, err
		}
		task.Start()
		p.bean.setMaintenance(task)
	}
	return p, nil
}

// ============================================================================
//                              访问器
// ============================================================================

// ID 返回节点 ID
func (p *PeerCreator) ID() types.PeerID { return p.bean.ID() }

// Address 返回节点对外地址
func (p *PeerCreator) Address() types.PeerAddress { return p.bean.Address() }

// PeerBean 返回节点状态
func (p *PeerCreator) PeerBean() *PeerBean { return p.bean }

// ConnectionBean 返回共享资源
func (p *PeerCreator) ConnectionBean() *ConnectionBean { return p.conn }

// Registry 返回节点表
func (p *PeerCreator) Registry() *Registry { return p.registry }

// IsMaster 是否为主节点
func (p *PeerCreator) IsMaster() bool { return p.parent.IsEmpty() }

// Parent 返回父节点 ID；主节点为空
func (p *PeerCreator) Parent() types.PeerID { return p.parent }

// IsShutdown 节点是否已关闭
func (p *PeerCreator) IsShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdown
}

// ============================================================================
//                              Ping
// ============================================================================

// Ping 向 remote 发送 ping；udp 为 false 时使用 TCP
func (p *PeerCreator) Ping(ctx context.Context, remote types.PeerAddress, udp bool) (*types.Message, error) {
	if p.IsShutdown() {
		return nil, ErrShutdown
	}
	req := types.NewRequest(p.conn.networkID, types.CommandPing, p.Address(), remote)
	if udp {
		return p.conn.sender.SendUDP(ctx, req)
	}
	return p.conn.sender.SendTCP(ctx, req)
}

// probe 维护任务的探测：优先 UDP
func (p *PeerCreator) probe(ctx context.Context, remote types.PeerAddress) error {
	udp := !p.conn.config.Server.DisableUDP && remote.Socket.UDPPort != 0
	_, err := p.Ping(ctx, remote, udp)
	return err
}

// ============================================================================
//                              关闭
// ============================================================================

// Shutdown 关闭节点，可重复调用，重复调用返回第一次的结果
//
// 仍有从节点时按关闭策略处理：cascade 先由深到浅关闭全部后代，reject 返回 ErrHasChildren
// 且节点保持运行。随后移除本节点的分发处理器，停止维护任务，关闭本节点的保持连接，
// 等待本节点的全部预留释放，最后释放 ConnectionBean 引用。
func (p *PeerCreator) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.shutdown {
		err := p.err
		p.mu.Unlock()
		return err
	}

	cfg := p.conn.config.Shutdown
	descendants := p.registry.Descendants(p.ID())
	if len(descendants) > 0 && cfg.Policy == config.ShutdownReject {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d attached", ErrHasChildren, len(descendants))
	}
	p.shutdown = true
	p.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok && cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout.Duration())
		defer cancel()
	}

	var err error
	for _, child := range descendants {
		if cerr := child.Shutdown(ctx); cerr != nil && !errors.Is(cerr, ErrShutdown) {
			err = multierr.Append(err, fmt.Errorf("shutdown slave %s: %w", child.ID().ShortString(), cerr))
		}
	}

	id := p.ID()
	p.conn.dispatcher.RemoveHandlers(id, id)
	err = multierr.Append(err, p.bean.stopMaintenance())
	p.conn.sender.CloseOwner(id)
	err = multierr.Append(err, p.conn.reservation.Drain(ctx, id))
	p.registry.remove(id)

	last, relErr := p.conn.release(ctx)
	err = multierr.Append(err, relErr)

	p.mu.Lock()
	p.err = err
	p.mu.Unlock()

	logger.Info("节点已关闭", "peer", id.ShortString(), "master", p.IsMaster(), "lastRef", last)
	return err
}
