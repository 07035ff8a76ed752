// Package maintenance 周期性地探测在线节点
//
// 每个节点可以拥有一个维护任务。任务每隔 Interval 从状态跟踪器取出一批在线节点逐一探测，
// 探测结果经发送器通知回跟踪器，从而刷新或降级节点状态。
package maintenance

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/jbenet/goprocess"
	"golang.org/x/sync/errgroup"

	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("core/maintenance")

// probeParallelism 单轮并发探测数
const probeParallelism = 4

// PeerSource 提供待探测的在线节点
type PeerSource interface {
	Online() []types.PeerAddress
}

// Prober 探测一个远端节点
type Prober func(ctx context.Context, remote types.PeerAddress) error

// Task 维护任务
type Task struct {
	cfg    config.MaintenanceConfig
	source PeerSource
	probe  Prober
	clock  clock.Clock

	proc   goprocess.Process
	rounds atomic.Int64
}

// Option 任务选项
type Option func(*Task)

// WithClock 设置时钟
func WithClock(c clock.Clock) Option {
	return func(t *Task) { t.clock = c }
}

// New 创建维护任务，尚未启动
func New(cfg config.MaintenanceConfig, source PeerSource, probe Prober, opts ...Option) (*Task, error) {
	if source == nil || probe == nil {
		return nil, fmt.Errorf("%w: maintenance needs a peer source and a prober", types.ErrInvalidArgument)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidArgument, err)
	}
	t := &Task{cfg: cfg, source: source, probe: probe, clock: clock.New()}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Start 启动周期执行；返回的 Process 关闭即停止任务
func (t *Task) Start() goprocess.Process {
	t.proc = goprocess.WithTeardown(func() error {
		logger.Debug("维护任务已停止", "rounds", t.rounds.Load())
		return nil
	})

	ticker := t.clock.Ticker(t.cfg.Interval.Duration())
	t.proc.Go(func(worker goprocess.Process) {
		defer ticker.Stop()
		for {
			select {
			case <-worker.Closing():
				return
			case <-ticker.C:
				ctx, cancel := context.WithCancel(context.Background())
				go func() {
					select {
					case <-worker.Closing():
						cancel()
					case <-ctx.Done():
					}
				}()
				t.RunOnce(ctx)
				cancel()
			}
		}
	})
	return t.proc
}

// Process 返回任务进程；未启动时为 nil
func (t *Task) Process() goprocess.Process {
	return t.proc
}

// Close 停止任务并等待当前一轮结束
func (t *Task) Close() error {
	if t.proc == nil {
		return nil
	}
	return t.proc.Close()
}

// Rounds 返回已执行的轮数
func (t *Task) Rounds() int64 {
	return t.rounds.Load()
}

// RunOnce 执行一轮探测，返回探测的节点数
func (t *Task) RunOnce(ctx context.Context) int {
	peers := t.source.Online()
	if len(peers) > t.cfg.MaxProbes {
		peers = peers[:t.cfg.MaxProbes]
	}

	var g errgroup.Group
	g.SetLimit(probeParallelism)
	var failed atomic.Int32
	for _, p := range peers {
		g.Go(func() error {
			if err := t.probe(ctx, p); err != nil {
				failed.Add(1)
				logger.Debug("维护探测失败", "peer", p.PeerID.ShortString(), "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	t.rounds.Add(1)
	if len(peers) > 0 {
		logger.Debug("维护探测完成", "probed", len(peers), "failed", failed.Load())
	}
	return len(peers)
}
