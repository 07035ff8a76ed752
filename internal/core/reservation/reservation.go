// Package reservation 限制出站连接
//
// TCP 与 UDP 各有一个并发许可池，连接创建速率受令牌桶限制。
// 许可按所属节点计数，节点关闭时可以等待自己的许可全部归还。
package reservation

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("core/reservation")

var (
	// ErrClosed 预留已关闭
	ErrClosed = fmt.Errorf("%w: reservation closed", types.ErrInvalidState)

	// ErrDraining 节点正在关闭，不再发放许可
	ErrDraining = fmt.Errorf("%w: owner is draining", types.ErrInvalidState)
)

// Config 预留配置
type Config struct {
	MaxPermitsTCP int
	MaxPermitsUDP int

	// CreationRate 每秒允许的连接创建数；0 表示不限制
	CreationRate  float64
	CreationBurst int
}

// Reservation 出站连接许可
type Reservation struct {
	tcp     *semaphore.Weighted
	udp     *semaphore.Weighted
	limiter *rate.Limiter
	metrics *metrics.Metrics

	mu       sync.Mutex
	owners   map[types.PeerID]int
	draining map[types.PeerID]int
	total    int
	closed   bool
	changed  chan struct{}
}

// New 创建预留
func New(cfg Config, m *metrics.Metrics) (*Reservation, error) {
	if cfg.MaxPermitsTCP <= 0 || cfg.MaxPermitsUDP <= 0 {
		return nil, fmt.Errorf("%w: permits must be positive", types.ErrInvalidArgument)
	}
	r := &Reservation{
		tcp:      semaphore.NewWeighted(int64(cfg.MaxPermitsTCP)),
		udp:      semaphore.NewWeighted(int64(cfg.MaxPermitsUDP)),
		metrics:  m,
		owners:   make(map[types.PeerID]int),
		draining: make(map[types.PeerID]int),
		changed:  make(chan struct{}),
	}
	if cfg.CreationRate > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.CreationRate), max(cfg.CreationBurst, 1))
	}
	return r, nil
}

// Permit 一个出站连接许可
type Permit struct {
	r     *Reservation
	owner types.PeerID
	udp   bool
	once  sync.Once
}

// IsUDP 是否为 UDP 许可
func (p *Permit) IsUDP() bool { return p.udp }

// Release 归还许可，可重复调用
func (p *Permit) Release() {
	p.once.Do(func() { p.r.release(p) })
}

// AcquireTCP 为 owner 取得一个 TCP 许可
func (r *Reservation) AcquireTCP(ctx context.Context, owner types.PeerID) (*Permit, error) {
	return r.acquire(ctx, owner, false)
}

// AcquireUDP 为 owner 取得一个 UDP 许可
func (r *Reservation) AcquireUDP(ctx context.Context, owner types.PeerID) (*Permit, error) {
	return r.acquire(ctx, owner, true)
}

func (r *Reservation) acquire(ctx context.Context, owner types.PeerID, udp bool) (*Permit, error) {
	if err := r.admit(owner); err != nil {
		return nil, err
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("creation rate: %w", err)
		}
	}

	sem := r.tcp
	if udp {
		sem = r.udp
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed || r.draining[owner] > 0 {
		closed := r.closed
		r.mu.Unlock()
		sem.Release(1)
		if closed {
			return nil, ErrClosed
		}
		return nil, ErrDraining
	}
	r.owners[owner]++
	r.total++
	r.mu.Unlock()

	r.metrics.ReservationAcquired(udp)
	return &Permit{r: r, owner: owner, udp: udp}, nil
}

func (r *Reservation) admit(owner types.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.draining[owner] > 0 {
		return ErrDraining
	}
	return nil
}

func (r *Reservation) release(p *Permit) {
	if p.udp {
		r.udp.Release(1)
	} else {
		r.tcp.Release(1)
	}

	r.mu.Lock()
	r.owners[p.owner]--
	if r.owners[p.owner] <= 0 {
		delete(r.owners, p.owner)
	}
	r.total--
	r.notifyLocked()
	r.mu.Unlock()

	r.metrics.ReservationReleased(p.udp)
}

func (r *Reservation) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// InFlight 返回 owner 持有的许可数
func (r *Reservation) InFlight(owner types.PeerID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owners[owner]
}

// Total 返回全部持有的许可数
func (r *Reservation) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// wait 等待 done 在锁内返回 true
func (r *Reservation) wait(ctx context.Context, done func() bool) error {
	for {
		r.mu.Lock()
		if done() {
			r.mu.Unlock()
			return nil
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Drain 拒绝 owner 的新许可并等待其已有许可全部归还
func (r *Reservation) Drain(ctx context.Context, owner types.PeerID) error {
	r.mu.Lock()
	r.draining[owner]++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.draining[owner]--
		if r.draining[owner] <= 0 {
			delete(r.draining, owner)
		}
		r.mu.Unlock()
	}()

	err := r.wait(ctx, func() bool { return r.owners[owner] == 0 })
	if err != nil {
		logger.Warn("等待许可归还超时", "owner", owner.ShortString(), "inFlight", r.InFlight(owner))
		return fmt.Errorf("drain %s: %w", owner.ShortString(), err)
	}
	return nil
}

// Shutdown 拒绝所有新许可并等待全部许可归还，可重复调用
func (r *Reservation) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	if err := r.wait(ctx, func() bool { return r.total == 0 }); err != nil {
		return fmt.Errorf("shutdown reservation: %w", err)
	}
	return nil
}

// IsClosed 是否已关闭
func (r *Reservation) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
