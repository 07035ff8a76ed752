package cachemap

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spaolacci/murmur3"

	"github.com/dep2p/go-overlay/pkg/types"
)

// Option 配置 Map
type Option func(*options)

type options struct {
	ttl        time.Duration
	maxEntries int
	segments   int
	refresh    bool
	clock      clock.Clock
	hasher     func(any) uint32
	equal      func(a, b any) bool
	onEvict    func(k, v any)
}

func defaultOptions() options {
	return options{
		ttl:        DefaultTTL,
		maxEntries: DefaultMaxEntries,
		segments:   DefaultSegments,
		refresh:    true,
		clock:      clock.New(),
	}
}

func (o *options) validate() error {
	if o.ttl <= 0 {
		return fmt.Errorf("%w: ttl must be positive, got %s", types.ErrInvalidArgument, o.ttl)
	}
	if o.maxEntries <= 0 {
		return fmt.Errorf("%w: maxEntries must be positive, got %d", types.ErrInvalidArgument, o.maxEntries)
	}
	if o.segments <= 0 {
		return fmt.Errorf("%w: segments must be positive, got %d", types.ErrInvalidArgument, o.segments)
	}
	if o.clock == nil {
		return fmt.Errorf("%w: clock must not be nil", types.ErrInvalidArgument)
	}
	return nil
}

// WithTTL 设置条目存活时间
func WithTTL(d time.Duration) Option {
	return func(o *options) { o.ttl = d }
}

// WithMaxEntries 设置最大条目数，平均分配到各段
func WithMaxEntries(n int) Option {
	return func(o *options) { o.maxEntries = n }
}

// WithSegments 设置段数
func WithSegments(n int) Option {
	return func(o *options) { o.segments = n }
}

// WithRefreshTimeout 设置 PutIfAbsent 命中时是否重新计时
func WithRefreshTimeout(refresh bool) Option {
	return func(o *options) { o.refresh = refresh }
}

// WithClock 注入时钟，测试中使用 clock.NewMock()
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithHasher 自定义键哈希
func WithHasher(fn func(key any) uint32) Option {
	return func(o *options) { o.hasher = fn }
}

// WithEqual 自定义 RemoveIf 的值比较，默认 reflect.DeepEqual
func WithEqual(fn func(a, b any) bool) Option {
	return func(o *options) { o.equal = fn }
}

// WithEvictCallback 段容量满时淘汰条目的回调，在段锁内调用
func WithEvictCallback(fn func(key, value any)) Option {
	return func(o *options) { o.onEvict = fn }
}

// ============================================================================
//                              键哈希
// ============================================================================

func hasherFor[K comparable](fn func(any) uint32) func(K) uint32 {
	if fn != nil {
		return func(k K) uint32 { return fn(k) }
	}
	return func(k K) uint32 { return hashKey(k) }
}

// hashKey 默认键哈希：murmur3 作用于键的字节表示
func hashKey(key any) uint32 {
	var buf [8]byte
	switch k := key.(type) {
	case string:
		return hashString(k)
	case interface{ Bytes() []byte }:
		return murmur3.Sum32(k.Bytes())
	case int:
		binary.BigEndian.PutUint64(buf[:], uint64(k))
	case int64:
		binary.BigEndian.PutUint64(buf[:], uint64(k))
	case uint64:
		binary.BigEndian.PutUint64(buf[:], k)
	case int32:
		binary.BigEndian.PutUint64(buf[:], uint64(k))
	case uint32:
		binary.BigEndian.PutUint64(buf[:], uint64(k))
	case fmt.Stringer:
		return hashString(k.String())
	default:
		return hashString(fmt.Sprintf("%#v", k))
	}
	return murmur3.Sum32(buf[:])
}

func hashString(s string) uint32 {
	return murmur3.Sum32([]byte(s))
}
