// Package heartbeat 实现连接心跳监控
//
// Monitor 作为双工处理器安装在连接管道中，记录最后一次读写时间。
// 连接空闲超过阈值时，通过探测工厂构造探测消息，投递到连接的事件循环写出。
//
// 状态只能单向变化：Uninitialized -> Active -> Destroyed，重复调用是空操作。
package heartbeat

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-overlay/internal/core/connection"
	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/internal/core/pipeline"
	"github.com/dep2p/go-overlay/internal/core/scheduler"
	"github.com/dep2p/go-overlay/pkg/interfaces"
	"github.com/dep2p/go-overlay/pkg/lib/log"
)

var logger = log.Logger("core/heartbeat")

// MinTimeToHeartbeat 心跳间隔下限
const MinTimeToHeartbeat = 500 * time.Millisecond

// HandlerName 心跳处理器在管道中的名称
const HandlerName = "heartbeat"

// State 监控状态
type State int32

const (
	// StateUninitialized 尚未初始化
	StateUninitialized State = iota
	// StateActive 已调度心跳
	StateActive
	// StateDestroyed 已销毁
	StateDestroyed
)

// String 返回状态名
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateDestroyed:
		return "destroyed"
	default:
		return "invalid"
	}
}

// Monitor 心跳监控
type Monitor struct {
	timeToHeartbeat time.Duration
	factory         interfaces.ProbeFactory

	scheduler *scheduler.Scheduler
	clock     clock.Clock
	metrics   *metrics.Metrics

	conn atomic.Pointer[connection.PeerConnection]

	lastRead  atomic.Int64
	lastWrite atomic.Int64

	mu    sync.Mutex
	state State
	task  *scheduler.Task
	ctx   *pipeline.HandlerContext
}

// 确保实现了接口
var (
	_ pipeline.InboundHandler   = (*Monitor)(nil)
	_ pipeline.OutboundHandler  = (*Monitor)(nil)
	_ pipeline.LifecycleHandler = (*Monitor)(nil)
)

// Option 监控选项
type Option func(*Monitor)

// WithScheduler 使用共享调度器
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(m *Monitor) { m.scheduler = s }
}

// WithClock 设置时钟；未设置时使用调度器的时钟
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithMetrics 设置指标
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// New 创建心跳监控
//
// allIdle 小于等于 0 时不调度心跳；否则间隔为 max(allIdle, MinTimeToHeartbeat)。
func New(allIdle time.Duration, factory interfaces.ProbeFactory, opts ...Option) *Monitor {
	m := &Monitor{factory: factory}
	if allIdle > 0 {
		m.timeToHeartbeat = max(allIdle, MinTimeToHeartbeat)
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.scheduler == nil {
		m.scheduler = scheduler.New(m.clock)
	}
	if m.clock == nil {
		m.clock = m.scheduler.Clock()
	}
	return m
}

// TimeToHeartbeat 返回心跳间隔；0 表示关闭
func (m *Monitor) TimeToHeartbeat() time.Duration {
	return m.timeToHeartbeat
}

// SetConnection 绑定所属连接，可在构造之后调用
func (m *Monitor) SetConnection(c *connection.PeerConnection) {
	m.conn.Store(c)
}

// State 返回当前状态
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastReadTime 返回最后一次读的时间
func (m *Monitor) LastReadTime() time.Time {
	return time.Unix(0, m.lastRead.Load())
}

// LastWriteTime 返回最后一次写的时间
func (m *Monitor) LastWriteTime() time.Time {
	return time.Unix(0, m.lastWrite.Load())
}

// ============================================================================
//                              处理器接口
// ============================================================================

// Read 记录读时间并继续传递
func (m *Monitor) Read(ctx *pipeline.HandlerContext, msg any) error {
	m.lastRead.Store(m.clock.Now().UnixNano())
	return ctx.FireRead(msg)
}

// Write 记录写时间并继续传递
func (m *Monitor) Write(ctx *pipeline.HandlerContext, msg any) error {
	m.lastWrite.Store(m.clock.Now().UnixNano())
	return ctx.FireWrite(msg)
}

// HandlerAdded 初始化监控
func (m *Monitor) HandlerAdded(ctx *pipeline.HandlerContext) {
	m.Initialize(ctx)
}

// HandlerRemoved 销毁监控
func (m *Monitor) HandlerRemoved(*pipeline.HandlerContext) {
	m.Destroy()
}

// ============================================================================
//                              生命周期
// ============================================================================

// Initialize 记录时间戳并开始周期检查；只在 Uninitialized 状态生效
func (m *Monitor) Initialize(ctx *pipeline.HandlerContext) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateUninitialized {
		return
	}
	m.state = StateActive
	m.ctx = ctx

	now := m.clock.Now().UnixNano()
	m.lastRead.Store(now)
	m.lastWrite.Store(now)

	if m.timeToHeartbeat <= 0 {
		return
	}
	task, err := m.scheduler.Every(m.timeToHeartbeat, m.tick)
	if err != nil {
		logger.Warn("调度心跳失败", "err", err)
		return
	}
	m.task = task
}

// Destroy 停止周期检查；状态变更与任务停止在同一把锁内完成
func (m *Monitor) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateDestroyed {
		return
	}
	m.state = StateDestroyed
	if m.task != nil {
		m.task.Stop()
		m.task = nil
	}
}

// tick 一次周期检查，从不向外传播 panic
func (m *Monitor) tick() {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.HeartbeatFailed()
			logger.Warn("心跳检查 panic", "panic", r)
		}
	}()

	m.mu.Lock()
	ctx := m.ctx
	active := m.state == StateActive
	m.mu.Unlock()
	if !active || ctx == nil {
		return
	}

	ch := ctx.Channel()
	if ch == nil || !ch.IsOpen() {
		return
	}

	last := max(m.lastRead.Load(), m.lastWrite.Load())
	idle := m.clock.Now().Sub(time.Unix(0, last))
	if m.timeToHeartbeat-idle > 0 {
		return
	}

	conn := m.conn.Load()
	if conn == nil {
		return
	}
	// 入站连接在收到首个消息前不知道对端
	if conn.Remote().IsEmpty() {
		return
	}
	m.probe(conn)
}

func (m *Monitor) probe(conn *connection.PeerConnection) {
	probe, err := m.factory.Create(conn.Remote())
	if err != nil {
		m.metrics.HeartbeatFailed()
		logger.Debug("构造心跳探测失败", "remote", conn.Remote().PeerID.ShortString(), "err", err)
		return
	}

	posted := conn.WriteAsync(probe, func(err error) {
		if err != nil {
			if conn.IsOpen() {
				m.metrics.HeartbeatFailed()
			}
			logger.Debug("发送心跳探测失败", "remote", conn.Remote().PeerID.ShortString(), "err", err)
			return
		}
		m.metrics.HeartbeatSent()
	})
	// 连接正在关闭不算失败
	if !posted && conn.IsOpen() {
		m.metrics.HeartbeatFailed()
	}
}
