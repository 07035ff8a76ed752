package overlay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/fx"

	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/internal/core/bootstrap"
	"github.com/dep2p/go-overlay/pkg/interfaces"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("overlay")

// ════════════════════════════════════════════════════════════════════════════
//                              节点状态
// ════════════════════════════════════════════════════════════════════════════

// NodeState 节点状态
type NodeState int

const (
	// StateIdle 已创建，未启动
	StateIdle NodeState = iota

	// StateRunning 运行中
	StateRunning

	// StateStopped 已停止，不可再启动
	StateStopped
)

// String 返回状态的字符串表示
func (s NodeState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// startTimeout Fx 应用启动超时
const startTimeout = 30 * time.Second

// ════════════════════════════════════════════════════════════════════════════
//                              Node
// ════════════════════════════════════════════════════════════════════════════

// Node 覆盖网络节点
//
// Node 持有一个主节点及其下挂的全部从节点。主节点在 Start 时创建：
// 发现出站地址，启动 TCP/UDP 监听，创建共享的发送器、许可预留与定时器服务。
// Close 按配置的关闭策略关闭全部从节点与主节点。
//
// 使用示例：
//
//	node, err := overlay.New(overlay.WithListenPorts(0, 0))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := node.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
type Node struct {
	cfg  *config.Config
	opts *options

	mu     sync.RWMutex
	state  NodeState
	app    *fx.App
	master *Peer
}

// New 创建节点，不启动
func New(opts ...Option) (*Node, error) {
	o := newOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}
	cfg, err := o.toConfig()
	if err != nil {
		return nil, err
	}
	return &Node{cfg: cfg, opts: o}, nil
}

// Start 创建并启动节点的便捷函数
func Start(ctx context.Context, opts ...Option) (*Node, error) {
	n, err := New(opts...)
	if err != nil {
		return nil, err
	}
	if err := n.Start(ctx); err != nil {
		return nil, err
	}
	return n, nil
}

// Start 启动主节点
//
// 节点只能启动一次；Close 之后不能再次启动。
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch n.state {
	case StateRunning:
		return ErrAlreadyStarted
	case StateStopped:
		return ErrNodeClosed
	}

	app := buildFxApp(n.cfg, n.opts, n)
	if err := app.Err(); err != nil {
		logger.Error("节点初始化失败", "error", err)
		return fmt.Errorf("initialize failed: %w", err)
	}

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		logger.Error("节点启动失败", "error", err)
		return fmt.Errorf("start failed: %w", err)
	}

	n.app = app
	n.state = StateRunning
	logger.Info("节点已启动", "peer", n.master.ID().ShortString(), "addr", n.master.Address().String())
	return nil
}

// attachMaster 由 Fx 注入主节点
func (n *Node) attachMaster(pc *bootstrap.PeerCreator) {
	n.master = &Peer{pc: pc}
}

// Close 关闭节点，可重复调用
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != StateRunning {
		n.state = StateStopped
		return nil
	}
	n.state = StateStopped

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Shutdown.Timeout.Duration()+time.Second)
	defer cancel()
	if err := n.app.Stop(ctx); err != nil {
		logger.Warn("节点关闭出错", "error", err)
		return err
	}
	logger.Info("节点已关闭")
	return nil
}

// State 返回节点状态
func (n *Node) State() NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Config 返回生效的配置
func (n *Node) Config() *config.Config { return n.cfg }

// running 返回主节点；未运行时返回错误
func (n *Node) running() (*Peer, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	switch n.state {
	case StateIdle:
		return nil, ErrNotStarted
	case StateStopped:
		return nil, ErrNodeClosed
	}
	return n.master, nil
}

// Master 返回主节点；未启动时为 nil
func (n *Node) Master() *Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.master
}

// ID 返回主节点 ID
func (n *Node) ID() types.PeerID {
	if m := n.Master(); m != nil {
		return m.ID()
	}
	return types.EmptyPeerID
}

// ════════════════════════════════════════════════════════════════════════════
//                              从节点
// ════════════════════════════════════════════════════════════════════════════

// AttachSlave 在主节点下创建从节点；id 为空时随机生成
func (n *Node) AttachSlave(ctx context.Context, id types.PeerID) (*Peer, error) {
	m, err := n.running()
	if err != nil {
		return nil, err
	}
	return m.AttachSlave(ctx, id)
}

// Peer 按 ID 查找主节点或其下的从节点
func (n *Node) Peer(id types.PeerID) (*Peer, error) {
	m, err := n.running()
	if err != nil {
		return nil, err
	}
	pc, ok := m.pc.Registry().Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, id.ShortString())
	}
	return &Peer{pc: pc}, nil
}

// Peers 返回主节点及全部从节点
func (n *Node) Peers() []*Peer {
	m, err := n.running()
	if err != nil {
		return nil
	}
	out := []*Peer{m}
	for _, pc := range m.pc.Registry().Descendants(m.ID()) {
		out = append(out, &Peer{pc: pc})
	}
	return out
}

// ════════════════════════════════════════════════════════════════════════════
//                              Peer
// ════════════════════════════════════════════════════════════════════════════

// Peer 主节点或从节点的句柄
type Peer struct {
	pc *bootstrap.PeerCreator
}

// ID 返回节点 ID
func (p *Peer) ID() types.PeerID { return p.pc.ID() }

// Address 返回节点对外地址
func (p *Peer) Address() types.PeerAddress { return p.pc.Address() }

// IsMaster 是否为主节点
func (p *Peer) IsMaster() bool { return p.pc.IsMaster() }

// IsShutdown 是否已关闭
func (p *Peer) IsShutdown() bool { return p.pc.IsShutdown() }

// AttachSlave 在本节点下创建从节点
func (p *Peer) AttachSlave(ctx context.Context, id types.PeerID) (*Peer, error) {
	pc, err := p.pc.NewSlave(ctx, id, nil)
	if err != nil {
		return nil, err
	}
	return &Peer{pc: pc}, nil
}

// Ping 向 remote 发送 ping；udp 为 false 时使用 TCP
func (p *Peer) Ping(ctx context.Context, remote types.PeerAddress, udp bool) (*types.Message, error) {
	return p.pc.Ping(ctx, remote, udp)
}

// Request 向 remote 发送一条自定义命令的请求并等待响应
func (p *Peer) Request(ctx context.Context, remote types.PeerAddress, cmd types.Command, payload []byte, udp bool) (*types.Message, error) {
	if p.pc.IsShutdown() {
		return nil, bootstrap.ErrShutdown
	}
	conn := p.pc.ConnectionBean()
	req := types.NewRequest(conn.NetworkID(), cmd, p.Address(), remote)
	req.Payload = payload
	if udp {
		return conn.Sender().SendUDP(ctx, req)
	}
	return conn.Sender().SendTCP(ctx, req)
}

// Handle 为本节点登记命令处理器
func (p *Peer) Handle(h interfaces.Handler, cmds ...types.Command) {
	id := p.ID()
	p.pc.ConnectionBean().Dispatcher().RegisterHandlers(id, id, h, cmds...)
}

// Status 返回本节点记录的 remote 状态
func (p *Peer) Status(remote types.PeerID) types.PeerStatus {
	return p.pc.PeerBean().Tracker().Status(remote)
}

// OnlinePeers 返回本节点记录的在线节点
func (p *Peer) OnlinePeers() []types.PeerAddress {
	return p.pc.PeerBean().Tracker().Online()
}

// AddStatusListener 登记状态监听器
func (p *Peer) AddStatusListener(l interfaces.PeerStatusListener) {
	p.pc.PeerBean().AddListener(l)
}

// Shutdown 关闭节点，按配置的策略处理其下的从节点
func (p *Peer) Shutdown(ctx context.Context) error {
	return p.pc.Shutdown(ctx)
}
