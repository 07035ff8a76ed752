package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dep2p/go-overlay/pkg/interfaces"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("core/pipeline")

// Pipeline 一个连接的有序处理器链
//
// 处理器链采用写时复制：编辑操作发布新切片，正在进行的遍历继续使用旧快照。
// 入站遍历由 readMu 串行化，出站遍历由 writeMu 串行化，
// 同一连接上第 N 条消息的入站遍历完成前不会开始第 N+1 条。
type Pipeline struct {
	isTCP    bool
	isClient bool

	editMu sync.Mutex
	chain  atomic.Pointer[[]*HandlerContext]
	closed atomic.Bool

	channel  atomic.Value // channelHolder
	reporter atomic.Value // reporterHolder

	readMu   sync.Mutex
	readSnap []*HandlerContext
	readOut  []any

	writeMu   sync.Mutex
	writeSnap []*HandlerContext
	writeOut  []any
}

type channelHolder struct{ ch interfaces.Channel }

type reporterHolder struct{ r FailureReporter }

// Option 配置 Pipeline
type Option func(*Pipeline)

// WithChannel 设置传输通道
func WithChannel(ch interfaces.Channel) Option {
	return func(p *Pipeline) { p.SetChannel(ch) }
}

// WithFailureReporter 设置失败上报对象
func WithFailureReporter(r FailureReporter) Option {
	return func(p *Pipeline) { p.SetFailureReporter(r) }
}

// New 创建空管道
func New(isTCP, isClient bool, opts ...Option) *Pipeline {
	p := &Pipeline{isTCP: isTCP, isClient: isClient}
	empty := make([]*HandlerContext, 0)
	p.chain.Store(&empty)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Build 经过滤器改写后按顺序装配处理器链
func Build(chain []NamedHandler, filter Filter, isTCP, isClient bool, opts ...Option) (*Pipeline, error) {
	if filter == nil {
		filter = DefaultFilter
	}
	p := New(isTCP, isClient, opts...)
	for _, nh := range filter(chain, isTCP, isClient) {
		if err := p.AddLast(nh.Name, nh.Handler); err != nil {
			p.Close()
			return nil, err
		}
	}
	return p, nil
}

// IsTCP 是否为 TCP 连接的管道
func (p *Pipeline) IsTCP() bool { return p.isTCP }

// IsClient 是否为客户端（主动发起）连接的管道
func (p *Pipeline) IsClient() bool { return p.isClient }

// Channel 返回传输通道
func (p *Pipeline) Channel() interfaces.Channel {
	h, _ := p.channel.Load().(channelHolder)
	return h.ch
}

// SetChannel 设置传输通道
func (p *Pipeline) SetChannel(ch interfaces.Channel) {
	p.channel.Store(channelHolder{ch})
}

// SetFailureReporter 设置失败上报对象
func (p *Pipeline) SetFailureReporter(r FailureReporter) {
	p.reporter.Store(reporterHolder{r})
}

func (p *Pipeline) snapshot() []*HandlerContext {
	return *p.chain.Load()
}

// ============================================================================
//                              链编辑
// ============================================================================

// AddFirst 在链头插入处理器
func (p *Pipeline) AddFirst(name string, h Handler) error {
	return p.insert(name, h, func([]*HandlerContext) (int, error) { return 0, nil })
}

// AddLast 在链尾追加处理器
func (p *Pipeline) AddLast(name string, h Handler) error {
	return p.insert(name, h, func(chain []*HandlerContext) (int, error) { return len(chain), nil })
}

// AddBefore 在 base 之前插入处理器
func (p *Pipeline) AddBefore(base, name string, h Handler) error {
	return p.insert(name, h, func(chain []*HandlerContext) (int, error) {
		i := indexOfName(chain, base)
		if i < 0 {
			return 0, fmt.Errorf("%w: %s", ErrHandlerNotFound, base)
		}
		return i, nil
	})
}

// AddAfter 在 base 之后插入处理器
func (p *Pipeline) AddAfter(base, name string, h Handler) error {
	return p.insert(name, h, func(chain []*HandlerContext) (int, error) {
		i := indexOfName(chain, base)
		if i < 0 {
			return 0, fmt.Errorf("%w: %s", ErrHandlerNotFound, base)
		}
		return i + 1, nil
	})
}

func (p *Pipeline) insert(name string, h Handler, position func([]*HandlerContext) (int, error)) error {
	if h == nil {
		return fmt.Errorf("%w: handler %q is nil", types.ErrInvalidArgument, name)
	}

	p.editMu.Lock()
	if p.closed.Load() {
		p.editMu.Unlock()
		return ErrClosed
	}
	chain := p.snapshot()
	if indexOfName(chain, name) >= 0 {
		p.editMu.Unlock()
		return fmt.Errorf("%w: duplicate handler name %q", types.ErrInvalidArgument, name)
	}
	at, err := position(chain)
	if err != nil {
		p.editMu.Unlock()
		return err
	}

	ctx := &HandlerContext{name: name, handler: h, pipeline: p}
	next := make([]*HandlerContext, 0, len(chain)+1)
	next = append(next, chain[:at]...)
	next = append(next, ctx)
	next = append(next, chain[at:]...)
	p.chain.Store(&next)
	p.editMu.Unlock()

	if lh, ok := h.(LifecycleHandler); ok {
		ctx.safely("HandlerAdded", func() { lh.HandlerAdded(ctx) })
	}
	return nil
}

// Remove 移除处理器并返回它
func (p *Pipeline) Remove(name string) (Handler, error) {
	p.editMu.Lock()
	chain := p.snapshot()
	i := indexOfName(chain, name)
	if i < 0 {
		p.editMu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, name)
	}
	ctx := chain[i]
	next := make([]*HandlerContext, 0, len(chain)-1)
	next = append(next, chain[:i]...)
	next = append(next, chain[i+1:]...)
	p.chain.Store(&next)
	ctx.removed.Store(true)
	p.editMu.Unlock()

	notifyRemoved(ctx)
	return ctx.handler, nil
}

// Replace 用新处理器替换 old，返回被替换的处理器
func (p *Pipeline) Replace(old, name string, h Handler) (Handler, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: handler %q is nil", types.ErrInvalidArgument, name)
	}

	p.editMu.Lock()
	chain := p.snapshot()
	i := indexOfName(chain, old)
	if i < 0 {
		p.editMu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, old)
	}
	if name != old && indexOfName(chain, name) >= 0 {
		p.editMu.Unlock()
		return nil, fmt.Errorf("%w: duplicate handler name %q", types.ErrInvalidArgument, name)
	}
	prev := chain[i]
	ctx := &HandlerContext{name: name, handler: h, pipeline: p}
	next := make([]*HandlerContext, len(chain))
	copy(next, chain)
	next[i] = ctx
	p.chain.Store(&next)
	prev.removed.Store(true)
	p.editMu.Unlock()

	if lh, ok := h.(LifecycleHandler); ok {
		ctx.safely("HandlerAdded", func() { lh.HandlerAdded(ctx) })
	}
	notifyRemoved(prev)
	return prev.handler, nil
}

// Get 按名称查找处理器
func (p *Pipeline) Get(name string) (Handler, bool) {
	chain := p.snapshot()
	if i := indexOfName(chain, name); i >= 0 {
		return chain[i].handler, true
	}
	return nil, false
}

// Context 按名称查找处理器上下文
func (p *Pipeline) Context(name string) (*HandlerContext, bool) {
	chain := p.snapshot()
	if i := indexOfName(chain, name); i >= 0 {
		return chain[i], true
	}
	return nil, false
}

// Names 按链顺序返回处理器名称
func (p *Pipeline) Names() []string {
	chain := p.snapshot()
	names := make([]string, len(chain))
	for i, c := range chain {
		names[i] = c.name
	}
	return names
}

// Len 处理器数量
func (p *Pipeline) Len() int {
	return len(p.snapshot())
}

// Close 从链尾到链头移除全部处理器，可重复调用
func (p *Pipeline) Close() {
	p.editMu.Lock()
	if p.closed.Swap(true) {
		p.editMu.Unlock()
		return
	}
	chain := p.snapshot()
	empty := make([]*HandlerContext, 0)
	p.chain.Store(&empty)
	for _, c := range chain {
		c.removed.Store(true)
	}
	p.editMu.Unlock()

	for i := len(chain) - 1; i >= 0; i-- {
		notifyRemoved(chain[i])
	}
}

// IsClosed 管道是否已关闭
func (p *Pipeline) IsClosed() bool {
	return p.closed.Load()
}

func notifyRemoved(ctx *HandlerContext) {
	if lh, ok := ctx.handler.(LifecycleHandler); ok {
		ctx.safely("HandlerRemoved", func() { lh.HandlerRemoved(ctx) })
	}
}

func indexOfName(chain []*HandlerContext, name string) int {
	for i, c := range chain {
		if c.name == name {
			return i
		}
	}
	return -1
}

func indexOfContext(chain []*HandlerContext, ctx *HandlerContext) int {
	for i, c := range chain {
		if c == ctx {
			return i
		}
	}
	return -1
}

// ============================================================================
//                              入站遍历
// ============================================================================

// Read 从第一个入站处理器开始遍历，返回越过链尾的消息
//
// 处理器失败只中止本条消息的遍历：错误交给异常处理器和 FailureReporter，
// 并与已收集的消息一起返回，管道可以继续处理后续消息。
func (p *Pipeline) Read(msg any) ([]any, error) {
	p.readMu.Lock()
	defer p.readMu.Unlock()

	if p.closed.Load() {
		return nil, ErrClosed
	}

	snap := p.snapshot()
	p.readSnap = snap
	p.readOut = nil
	err := p.invokeRead(snap, 0, msg)
	out := p.readOut
	p.readSnap = nil
	p.readOut = nil

	if err != nil {
		p.failed(snap, err)
	}
	return out, err
}

func (p *Pipeline) invokeRead(snap []*HandlerContext, start int, msg any) error {
	for i := start; i < len(snap); i++ {
		c := snap[i]
		if h, ok := c.handler.(InboundHandler); ok {
			return c.invoke(true, func() error { return h.Read(c, msg) })
		}
	}
	p.readOut = append(p.readOut, msg)
	return nil
}

func (p *Pipeline) fireRead(ctx *HandlerContext, msg any) error {
	snap := p.readSnap
	if snap == nil {
		return ErrNotInTraversal
	}
	i := indexOfContext(snap, ctx)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrHandlerNotFound, ctx.name)
	}
	return p.invokeRead(snap, i+1, msg)
}

// ResetRead 清除入站暂存状态，并调用各处理器的 ResetRead
func (p *Pipeline) ResetRead() {
	p.readMu.Lock()
	defer p.readMu.Unlock()

	p.readOut = nil
	for _, c := range p.snapshot() {
		if r, ok := c.handler.(ReadResetter); ok {
			c.safely("ResetRead", r.ResetRead)
		}
	}
}

// ============================================================================
//                              出站遍历
// ============================================================================

// Write 从最后一个出站处理器开始遍历，返回越过链头的消息
func (p *Pipeline) Write(msg any) ([]any, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.closed.Load() {
		return nil, ErrClosed
	}

	snap := p.snapshot()
	p.writeSnap = snap
	p.writeOut = nil
	err := p.invokeWrite(snap, len(snap)-1, msg)
	out := p.writeOut
	p.writeSnap = nil
	p.writeOut = nil

	if err != nil {
		p.failed(snap, err)
	}
	return out, err
}

func (p *Pipeline) invokeWrite(snap []*HandlerContext, start int, msg any) error {
	for i := start; i >= 0; i-- {
		c := snap[i]
		if h, ok := c.handler.(OutboundHandler); ok {
			return c.invoke(false, func() error { return h.Write(c, msg) })
		}
	}
	p.writeOut = append(p.writeOut, msg)
	return nil
}

func (p *Pipeline) fireWrite(ctx *HandlerContext, msg any) error {
	snap := p.writeSnap
	if snap == nil {
		return ErrNotInTraversal
	}
	i := indexOfContext(snap, ctx)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrHandlerNotFound, ctx.name)
	}
	return p.invokeWrite(snap, i-1, msg)
}

// ResetWrite 清除出站暂存状态，并调用各处理器的 ResetWrite
func (p *Pipeline) ResetWrite() {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.writeOut = nil
	for _, c := range p.snapshot() {
		if r, ok := c.handler.(WriteResetter); ok {
			c.safely("ResetWrite", r.ResetWrite)
		}
	}
}

// ============================================================================
//                              失败处理
// ============================================================================

// failed 把遍历失败交给出错处理器及其后的异常处理器，再上报连接
func (p *Pipeline) failed(snap []*HandlerContext, err error) {
	start := 0
	var he *HandlerError
	if errors.As(err, &he) {
		if i := indexOfName(snap, he.Name); i >= 0 {
			start = i
		}
	}
	p.notifyException(snap, start, err)
}

func (p *Pipeline) fireException(ctx *HandlerContext, err error) {
	snap := p.snapshot()
	start := indexOfContext(snap, ctx) + 1
	p.notifyException(snap, start, err)
}

func (p *Pipeline) notifyException(snap []*HandlerContext, start int, err error) {
	for i := start; i < len(snap); i++ {
		c := snap[i]
		if eh, ok := c.handler.(ExceptionHandler); ok {
			c.safely("ExceptionCaught", func() { eh.ExceptionCaught(c, err) })
		}
	}

	if h, ok := p.reporter.Load().(reporterHolder); ok && h.r != nil {
		h.r.ReportFailure(err)
		return
	}
	logger.Debug("管道失败未被处理", "err", err)
}
