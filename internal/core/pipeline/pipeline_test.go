package pipeline

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              测试处理器
// ============================================================================

// recorder 记录遍历顺序的双工处理器
type recorder struct {
	name string
	log  *[]string
}

func (r *recorder) Read(ctx *HandlerContext, msg any) error {
	*r.log = append(*r.log, "read:"+r.name)
	return ctx.FireRead(msg)
}

func (r *recorder) Write(ctx *HandlerContext, msg any) error {
	*r.log = append(*r.log, "write:"+r.name)
	return ctx.FireWrite(msg)
}

// inboundOnly 只处理入站
type inboundOnly struct{ fn func(ctx *HandlerContext, msg any) error }

func (h inboundOnly) Read(ctx *HandlerContext, msg any) error { return h.fn(ctx, msg) }

// outboundOnly 只处理出站
type outboundOnly struct{ fn func(ctx *HandlerContext, msg any) error }

func (h outboundOnly) Write(ctx *HandlerContext, msg any) error { return h.fn(ctx, msg) }

// lifecycle 记录加入与移出
type lifecycle struct {
	added, removed int
}

func (l *lifecycle) HandlerAdded(*HandlerContext)   { l.added++ }
func (l *lifecycle) HandlerRemoved(*HandlerContext) { l.removed++ }

// resettable 暂存状态的入站处理器
type resettable struct {
	pending []any
	resets  int
}

func (r *resettable) Read(_ *HandlerContext, msg any) error {
	r.pending = append(r.pending, msg)
	return nil
}

func (r *resettable) ResetRead() {
	r.pending = nil
	r.resets++
}

type reporterFunc func(error)

func (f reporterFunc) ReportFailure(err error) { f(err) }

type exceptionRecorder struct{ errs []error }

func (e *exceptionRecorder) ExceptionCaught(_ *HandlerContext, err error) {
	e.errs = append(e.errs, err)
}

func newChain(log *[]string, names ...string) []NamedHandler {
	chain := make([]NamedHandler, len(names))
	for i, n := range names {
		chain[i] = NamedHandler{Name: n, Handler: &recorder{name: n, log: log}}
	}
	return chain
}

// ============================================================================
//                              遍历顺序测试
// ============================================================================

func TestTraversalOrder(t *testing.T) {
	var log []string
	p, err := Build(newChain(&log, "A", "B", "C"), DefaultFilter, true, false)
	require.NoError(t, err)

	out, err := p.Read("in")
	require.NoError(t, err)
	assert.Equal(t, []any{"in"}, out)
	assert.Equal(t, []string{"read:A", "read:B", "read:C"}, log)

	log = nil
	out, err = p.Write("out")
	require.NoError(t, err)
	assert.Equal(t, []any{"out"}, out)
	assert.Equal(t, []string{"write:C", "write:B", "write:A"}, log)
}

func TestTraversal_SkipsByCapability(t *testing.T) {
	var seen []string
	p := New(true, false)
	require.NoError(t, p.AddLast("in", inboundOnly{fn: func(ctx *HandlerContext, msg any) error {
		seen = append(seen, "in")
		return ctx.FireRead(msg.(string) + "+in")
	}}))
	require.NoError(t, p.AddLast("out", outboundOnly{fn: func(ctx *HandlerContext, msg any) error {
		seen = append(seen, "out")
		return ctx.FireWrite(msg.(string) + "+out")
	}}))

	out, err := p.Read("m")
	require.NoError(t, err)
	assert.Equal(t, []any{"m+in"}, out)

	out, err = p.Write("m")
	require.NoError(t, err)
	assert.Equal(t, []any{"m+out"}, out)
	assert.Equal(t, []string{"in", "out"}, seen)
}

func TestTraversal_FanOut(t *testing.T) {
	p := New(true, false)
	require.NoError(t, p.AddLast("split", inboundOnly{fn: func(ctx *HandlerContext, msg any) error {
		for _, r := range msg.(string) {
			if err := ctx.FireRead(string(r)); err != nil {
				return err
			}
		}
		return nil
	}}))

	out, err := p.Read("abc")
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, out)
}

func TestFireOutsideTraversal(t *testing.T) {
	p := New(true, false)
	require.NoError(t, p.AddLast("x", inboundOnly{fn: func(*HandlerContext, any) error { return nil }}))

	ctx, ok := p.Context("x")
	require.True(t, ok)
	assert.ErrorIs(t, ctx.FireRead("m"), ErrNotInTraversal)
	assert.ErrorIs(t, ctx.FireWrite("m"), ErrNotInTraversal)
}

// ============================================================================
//                              失败隔离测试
// ============================================================================

func TestHandlerError_Isolated(t *testing.T) {
	boom := errors.New("boom")
	var reported []error
	exc := &exceptionRecorder{}

	fail := true
	p := New(true, false, WithFailureReporter(reporterFunc(func(err error) { reported = append(reported, err) })))
	require.NoError(t, p.AddLast("decoder", inboundOnly{fn: func(ctx *HandlerContext, msg any) error {
		if fail {
			return boom
		}
		return ctx.FireRead(msg)
	}}))
	require.NoError(t, p.AddLast("exc", exc))

	_, err := p.Read("m1")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var he *HandlerError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "decoder", he.Name)
	assert.True(t, he.Inbound)
	require.Len(t, reported, 1)
	require.Len(t, exc.errs, 1)

	fail = false
	out, err := p.Read("m2")
	require.NoError(t, err)
	assert.Equal(t, []any{"m2"}, out, "chain must keep working after a failure")
}

func TestHandlerPanic_Recovered(t *testing.T) {
	var reported []error
	p := New(true, false, WithFailureReporter(reporterFunc(func(err error) { reported = append(reported, err) })))

	var log []string
	require.NoError(t, p.AddLast("A", &recorder{name: "A", log: &log}))
	require.NoError(t, p.AddLast("bad", inboundOnly{fn: func(*HandlerContext, any) error {
		panic("bad handler")
	}}))

	_, err := p.Read("m")
	var he *HandlerError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "bad", he.Name, "error must be attributed to the panicking handler")
	assert.True(t, he.Panic)
	require.Len(t, reported, 1)

	_, err = p.Read("m")
	require.Error(t, err)
	assert.Equal(t, []string{"read:A", "read:A"}, log)
}

func TestWriteError(t *testing.T) {
	boom := errors.New("encode failed")
	p := New(true, false)
	require.NoError(t, p.AddLast("enc", outboundOnly{fn: func(*HandlerContext, any) error { return boom }}))

	_, err := p.Write("m")
	assert.ErrorIs(t, err, boom)

	var he *HandlerError
	require.ErrorAs(t, err, &he)
	assert.False(t, he.Inbound)
}

func TestFireException(t *testing.T) {
	boom := errors.New("soft failure")
	var reported []error
	exc := &exceptionRecorder{}

	p := New(true, false, WithFailureReporter(reporterFunc(func(err error) { reported = append(reported, err) })))
	require.NoError(t, p.AddLast("src", inboundOnly{fn: func(ctx *HandlerContext, _ any) error {
		ctx.FireException(boom)
		return nil
	}}))
	require.NoError(t, p.AddLast("exc", exc))

	_, err := p.Read("m")
	require.NoError(t, err)
	assert.Equal(t, []error{boom}, exc.errs)
	assert.Equal(t, []error{boom}, reported)
}

// ============================================================================
//                              链编辑测试
// ============================================================================

func TestChainEdits(t *testing.T) {
	var log []string
	p := New(true, false)
	require.NoError(t, p.AddLast("B", &recorder{name: "B", log: &log}))
	require.NoError(t, p.AddFirst("A", &recorder{name: "A", log: &log}))
	require.NoError(t, p.AddAfter("B", "D", &recorder{name: "D", log: &log}))
	require.NoError(t, p.AddBefore("D", "C", &recorder{name: "C", log: &log}))
	assert.Equal(t, []string{"A", "B", "C", "D"}, p.Names())

	_, err := p.Remove("B")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C", "D"}, p.Names())

	_, err = p.Replace("C", "X", &recorder{name: "X", log: &log})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "X", "D"}, p.Names())

	_, ok := p.Get("X")
	assert.True(t, ok)
	_, ok = p.Get("C")
	assert.False(t, ok)
	assert.Equal(t, 3, p.Len())
}

func TestChainEdits_Errors(t *testing.T) {
	var log []string
	p := New(true, false)
	require.NoError(t, p.AddLast("A", &recorder{name: "A", log: &log}))

	assert.ErrorIs(t, p.AddLast("A", &recorder{}), types.ErrInvalidArgument)
	assert.ErrorIs(t, p.AddLast("nil", nil), types.ErrInvalidArgument)
	assert.ErrorIs(t, p.AddBefore("missing", "B", &recorder{}), ErrHandlerNotFound)
	assert.ErrorIs(t, p.AddAfter("missing", "B", &recorder{}), ErrHandlerNotFound)

	_, err := p.Remove("missing")
	assert.ErrorIs(t, err, ErrHandlerNotFound)

	require.NoError(t, p.AddLast("B", &recorder{name: "B", log: &log}))
	_, err = p.Replace("A", "B", &recorder{})
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestBuild_DuplicateNames(t *testing.T) {
	var log []string
	l := &lifecycle{}
	chain := []NamedHandler{
		{Name: "life", Handler: l},
		{Name: "A", Handler: &recorder{name: "A", log: &log}},
		{Name: "A", Handler: &recorder{name: "A", log: &log}},
	}
	_, err := Build(chain, nil, true, false)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
	assert.Equal(t, 1, l.added)
	assert.Equal(t, 1, l.removed, "partially built pipeline must be torn down")
}

func TestEditDuringTraversal(t *testing.T) {
	var log []string
	p := New(true, false)
	require.NoError(t, p.AddLast("editor", inboundOnly{fn: func(ctx *HandlerContext, msg any) error {
		_ = ctx.Pipeline().AddLast("late", &recorder{name: "late", log: &log})
		return ctx.FireRead(msg)
	}}))
	require.NoError(t, p.AddLast("B", &recorder{name: "B", log: &log}))

	_, err := p.Read("m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"read:B"}, log, "edits apply to the next traversal only")

	log = nil
	_, err = p.Read("m2")
	require.NoError(t, err)
	assert.Equal(t, []string{"read:B", "read:late"}, log)
}

// ============================================================================
//                              生命周期与重置测试
// ============================================================================

func TestLifecycle(t *testing.T) {
	l := &lifecycle{}
	p := New(true, false)
	require.NoError(t, p.AddLast("l", l))
	assert.Equal(t, 1, l.added)

	ctx, _ := p.Context("l")
	p.Close()
	assert.Equal(t, 1, l.removed)
	assert.True(t, ctx.IsRemoved())

	p.Close()
	assert.Equal(t, 1, l.removed, "Close must be idempotent")

	_, err := p.Read("m")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, p.AddLast("x", l), ErrClosed)
}

func TestResetRead(t *testing.T) {
	r := &resettable{}
	p := New(false, false)
	require.NoError(t, p.AddLast("r", r))

	_, err := p.Read("partial")
	require.NoError(t, err)
	assert.Len(t, r.pending, 1)

	p.ResetRead()
	assert.Empty(t, r.pending)
	assert.Equal(t, 1, r.resets)
}

func TestFilter(t *testing.T) {
	var log []string
	chain := newChain(&log, "A", "B", "C")

	assert.Equal(t, chain, DefaultFilter(chain, true, true))

	var gotTCP, gotClient bool
	filter := func(c []NamedHandler, isTCP, isClient bool) []NamedHandler {
		gotTCP, gotClient = isTCP, isClient
		return Without("B")(c, isTCP, isClient)
	}
	p, err := Build(chain, filter, false, true)
	require.NoError(t, err)
	assert.False(t, gotTCP)
	assert.True(t, gotClient)
	assert.Equal(t, []string{"A", "C"}, p.Names())
	assert.Len(t, chain, 3, "filter must not modify its input")
}

func TestConcurrentReadWrite(t *testing.T) {
	var mu sync.Mutex
	count := 0
	p := New(true, false)
	require.NoError(t, p.AddLast("count", inboundOnly{fn: func(ctx *HandlerContext, msg any) error {
		mu.Lock()
		count++
		mu.Unlock()
		return ctx.FireRead(msg)
	}}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				out, err := p.Read(j)
				assert.NoError(t, err)
				assert.Len(t, out, 1)
				_, _ = p.Write(j)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, count)
}
