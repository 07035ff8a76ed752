// Package scheduler 提供共享的周期任务调度
//
// 一个节点（主节点与它的从节点）共享同一个 Scheduler。
// 任务回调运行在调度器自己的 goroutine 上，回调内的 panic 被捕获并记录，
// 不会终止调度。时钟可注入，测试中使用 clock.NewMock() 驱动。
package scheduler

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-overlay/pkg/lib/log"
)

var logger = log.Logger("core/scheduler")

// ErrStopped 调度器已停止
var ErrStopped = errors.New("scheduler: stopped")

// Scheduler 周期任务调度器
type Scheduler struct {
	clock clock.Clock

	mu      sync.Mutex
	tasks   map[*Task]struct{}
	stopped bool
	wg      sync.WaitGroup
}

// New 创建调度器；c 为 nil 时使用真实时钟
func New(c clock.Clock) *Scheduler {
	if c == nil {
		c = clock.New()
	}
	return &Scheduler{clock: c, tasks: make(map[*Task]struct{})}
}

// Clock 返回调度器使用的时钟
func (s *Scheduler) Clock() clock.Clock {
	return s.clock
}

// Every 每隔 period 调用一次 fn，首次调用在 period 之后
func (s *Scheduler) Every(period time.Duration, fn func()) (*Task, error) {
	if period <= 0 {
		return nil, errors.New("scheduler: period must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrStopped
	}

	t := &Task{
		scheduler: s,
		ticker:    s.clock.Ticker(period),
		fn:        fn,
		done:      make(chan struct{}),
	}
	s.tasks[t] = struct{}{}
	s.wg.Add(1)
	go t.run()
	return t, nil
}

// Len 返回活跃任务数
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop 停止全部任务并等待回调退出，可重复调用
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	tasks := make([]*Task, 0, len(s.tasks))
	for t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.Stop()
	}
	s.wg.Wait()
}

// IsStopped 调度器是否已停止
func (s *Scheduler) IsStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Scheduler) remove(t *Task) {
	s.mu.Lock()
	delete(s.tasks, t)
	s.mu.Unlock()
}

// ============================================================================
//                              Task
// ============================================================================

// Task 一个周期任务
type Task struct {
	scheduler *Scheduler
	ticker    *clock.Ticker
	fn        func()

	once sync.Once
	done chan struct{}
}

func (t *Task) run() {
	defer t.scheduler.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case <-t.ticker.C:
			select {
			case <-t.done:
				return
			default:
			}
			t.fire()
		}
	}
}

func (t *Task) fire() {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("周期任务 panic", "panic", r)
		}
	}()
	t.fn()
}

// Stop 停止任务，可重复调用；不等待正在执行的回调
func (t *Task) Stop() {
	t.once.Do(func() {
		t.ticker.Stop()
		close(t.done)
		t.scheduler.remove(t)
	})
}

// Done 任务停止后关闭
func (t *Task) Done() <-chan struct{} {
	return t.done
}
