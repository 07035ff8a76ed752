package bootstrap

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/internal/core/dispatcher"
	"github.com/dep2p/go-overlay/internal/core/identity"
	"github.com/dep2p/go-overlay/internal/core/maintenance"
	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/internal/core/peerstatus"
	"github.com/dep2p/go-overlay/internal/core/reservation"
	"github.com/dep2p/go-overlay/internal/core/scheduler"
	"github.com/dep2p/go-overlay/internal/core/sender"
	"github.com/dep2p/go-overlay/internal/core/transport"
	"github.com/dep2p/go-overlay/pkg/interfaces"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              ConnectionBean
// ============================================================================

// ConnectionBean 主节点与从节点共享的网络资源
//
// 由主节点创建一次，引用计数；最后一次 release 关闭全部共享资源。
type ConnectionBean struct {
	networkID   uint32
	config      *config.Config
	dispatcher  *dispatcher.Dispatcher
	sender      *sender.Sender
	server      *transport.ChannelServer
	reservation *reservation.Reservation
	scheduler   *scheduler.Scheduler
	metrics     *metrics.Metrics

	mu   sync.Mutex
	refs int
}

// NetworkID 返回网络 ID
func (b *ConnectionBean) NetworkID() uint32 { return b.networkID }

// Config 返回节点配置
func (b *ConnectionBean) Config() *config.Config { return b.config }

// Dispatcher 返回共享分发器
func (b *ConnectionBean) Dispatcher() *dispatcher.Dispatcher { return b.dispatcher }

// Sender 返回共享发送器
func (b *ConnectionBean) Sender() *sender.Sender { return b.sender }

// Server 返回监听传输
func (b *ConnectionBean) Server() *transport.ChannelServer { return b.server }

// Reservation 返回连接预留
func (b *ConnectionBean) Reservation() *reservation.Reservation { return b.reservation }

// Scheduler 返回共享定时器服务
func (b *ConnectionBean) Scheduler() *scheduler.Scheduler { return b.scheduler }

// Metrics 返回指标；未启用时为 nil
func (b *ConnectionBean) Metrics() *metrics.Metrics { return b.metrics }

// Refs 返回当前引用数
func (b *ConnectionBean) Refs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refs
}

func (b *ConnectionBean) retain() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refs == 0 {
		return ErrReleased
	}
	b.refs++
	return nil
}

// release 释放一个引用；最后一个引用关闭监听、保持连接、预留与定时器
func (b *ConnectionBean) release(ctx context.Context) (last bool, err error) {
	b.mu.Lock()
	if b.refs == 0 {
		b.mu.Unlock()
		return false, ErrReleased
	}
	b.refs--
	last = b.refs == 0
	b.mu.Unlock()

	if !last {
		return false, nil
	}
	err = multierr.Combine(
		b.server.Shutdown(),
		b.sender.Close(),
		b.reservation.Shutdown(ctx),
	)
	b.scheduler.Stop()
	logger.Info("共享资源已释放", "network", b.networkID)
	return true, err
}

// ============================================================================
//                              PeerBean
// ============================================================================

// PeerBean 单个节点的状态
type PeerBean struct {
	id      types.PeerID
	keyPair *identity.KeyPair
	address atomic.Pointer[types.PeerAddress]
	tracker *peerstatus.Tracker

	mu          sync.RWMutex
	listeners   []interfaces.PeerStatusListener
	maintenance *maintenance.Task
}

func newPeerBean(addr types.PeerAddress, kp *identity.KeyPair, tracker *peerstatus.Tracker) *PeerBean {
	b := &PeerBean{id: addr.PeerID, keyPair: kp, tracker: tracker}
	b.address.Store(&addr)
	if tracker != nil {
		b.listeners = append(b.listeners, tracker)
	}
	return b
}

// ID 返回节点 ID
func (b *PeerBean) ID() types.PeerID { return b.id }

// KeyPair 返回密钥对；不携带凭证时为 nil
func (b *PeerBean) KeyPair() *identity.KeyPair { return b.keyPair }

// Address 返回节点当前对外地址
func (b *PeerBean) Address() types.PeerAddress { return *b.address.Load() }

// SetAddress 替换对外地址；节点 ID 保持不变
func (b *PeerBean) SetAddress(addr types.PeerAddress) {
	addr = addr.ChangePeerID(b.id)
	b.address.Store(&addr)
}

// Tracker 返回节点状态跟踪器
func (b *PeerBean) Tracker() *peerstatus.Tracker { return b.tracker }

// AddListener 登记状态监听器
func (b *PeerBean) AddListener(l interfaces.PeerStatusListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// RemoveListener 移除状态监听器
func (b *PeerBean) RemoveListener(l interfaces.PeerStatusListener) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.listeners {
		if cur == l {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Listeners 返回监听器快照
func (b *PeerBean) Listeners() []interfaces.PeerStatusListener {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]interfaces.PeerStatusListener(nil), b.listeners...)
}

// Maintenance 返回维护任务；未启用时为 nil
func (b *PeerBean) Maintenance() *maintenance.Task {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.maintenance
}

func (b *PeerBean) setMaintenance(t *maintenance.Task) {
	b.mu.Lock()
	b.maintenance = t
	b.mu.Unlock()
}

// stopMaintenance 停止并清除维护任务
func (b *PeerBean) stopMaintenance() error {
	b.mu.Lock()
	t := b.maintenance
	b.maintenance = nil
	b.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Close()
}
