// Package cachemap 提供分段加锁、带过期时间的并发映射
//
// Map 按键哈希把条目分布到固定数量的段中，每段是一个独立的 LRU，
// 容量为 maxEntries/segments（至少 1），由各自的互斥锁保护，
// 不同段的键之间没有锁竞争。
//
// 过期采用惰性清理：Get/ContainsKey 只清理被访问的条目；
// Size/IsEmpty/Keys/Values/Range/HashCode 先在段锁内清理整段再计算。
package cachemap

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/dep2p/go-overlay/pkg/types"
)

const (
	// DefaultSegments 默认段数
	DefaultSegments = 16

	// DefaultMaxEntries 默认最大条目数
	DefaultMaxEntries = 1024

	// DefaultTTL 默认存活时间
	DefaultTTL = 60 * time.Second
)

// entry 带访问时间戳的值
type entry[V any] struct {
	value      V
	lastAccess time.Time
	ttl        time.Duration
}

// expired 精确比较 now >= lastAccess + ttl，不做截断
func (e *entry[V]) expired(now time.Time) bool {
	return !now.Before(e.lastAccess.Add(e.ttl))
}

// deadline 条目到期时间
func (e *entry[V]) deadline() time.Time {
	return e.lastAccess.Add(e.ttl)
}

type segment[K comparable, V any] struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[K, *entry[V]]
	capacity int
}

// Map 分段过期映射
type Map[K comparable, V any] struct {
	segments []*segment[K, V]

	ttl     time.Duration
	refresh bool
	clock   clock.Clock
	hasher  func(K) uint32
	equal   func(a, b V) bool
	onEvict func(K, V)

	expiredCount atomic.Int64
}

// New 创建 Map
func New[K comparable, V any](opts ...Option) (*Map[K, V], error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}

	m := &Map[K, V]{
		segments: make([]*segment[K, V], o.segments),
		ttl:      o.ttl,
		refresh:  o.refresh,
		clock:    o.clock,
		hasher:   hasherFor[K](o.hasher),
		equal:    equalFor[V](o.equal),
		onEvict:  evictFor[K, V](o.onEvict),
	}

	perSegment := max(o.maxEntries/o.segments, 1)
	for i := range m.segments {
		lru, err := simplelru.NewLRU[K, *entry[V]](perSegment, nil)
		if err != nil {
			return nil, fmt.Errorf("create segment: %w", err)
		}
		m.segments[i] = &segment[K, V]{lru: lru, capacity: perSegment}
	}
	return m, nil
}

// Must 创建 Map，参数非法时 panic
func Must[K comparable, V any](opts ...Option) *Map[K, V] {
	m, err := New[K, V](opts...)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Map[K, V]) segmentFor(key K) *segment[K, V] {
	return m.segments[m.hasher(key)%uint32(len(m.segments))]
}

func (m *Map[K, V]) newEntry(value V) *entry[V] {
	return &entry[V]{value: value, lastAccess: m.clock.Now(), ttl: m.ttl}
}

// add 写入条目；段已满且键不存在时先淘汰最久未使用的条目
//
// 调用方必须持有段锁。
func (m *Map[K, V]) add(s *segment[K, V], key K, e *entry[V]) {
	if !s.lru.Contains(key) && s.lru.Len() >= s.capacity {
		if k, old, ok := s.lru.RemoveOldest(); ok && m.onEvict != nil {
			m.onEvict(k, old.value)
		}
	}
	s.lru.Add(key, e)
}

// expireSegment 清理整段的过期条目，调用方必须持有段锁
func (m *Map[K, V]) expireSegment(s *segment[K, V], now time.Time) {
	for _, k := range s.lru.Keys() {
		if e, ok := s.lru.Peek(k); ok && e.expired(now) {
			s.lru.Remove(k)
			m.expiredCount.Add(1)
		}
	}
}

// ============================================================================
//                              单键操作
// ============================================================================

// Put 写入并重置存活时间，返回之前未过期的值
func (m *Map[K, V]) Put(key K, value V) (prev V, loaded bool, err error) {
	if isNil(value) {
		return prev, false, fmt.Errorf("%w: value must not be nil", types.ErrInvalidArgument)
	}
	s := m.segmentFor(key)
	now := m.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.lru.Peek(key); ok {
		if old.expired(now) {
			m.expiredCount.Add(1)
		} else {
			prev, loaded = old.value, true
		}
	}
	m.add(s, key, &entry[V]{value: value, lastAccess: now, ttl: m.ttl})
	return prev, loaded, nil
}

// PutIfAbsent 仅在键不存在或已过期时写入
//
// 键存在且未过期时保留原值；若开启 RefreshTimeout 则重新计时，值不变。
// 返回之前未过期的值。
func (m *Map[K, V]) PutIfAbsent(key K, value V) (prev V, loaded bool, err error) {
	if isNil(value) {
		return prev, false, fmt.Errorf("%w: value must not be nil", types.ErrInvalidArgument)
	}
	s := m.segmentFor(key)
	now := m.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.lru.Peek(key); ok {
		if !old.expired(now) {
			if m.refresh {
				s.lru.Add(key, &entry[V]{value: old.value, lastAccess: now, ttl: m.ttl})
			}
			return old.value, true, nil
		}
		m.expiredCount.Add(1)
	}
	m.add(s, key, &entry[V]{value: value, lastAccess: now, ttl: m.ttl})
	return prev, false, nil
}

// Get 读取未过期的值；命中过期条目时将其移除
func (m *Map[K, V]) Get(key K) (V, bool) {
	var zero V
	s := m.segmentFor(key)
	now := m.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lru.Get(key)
	if !ok {
		return zero, false
	}
	if e.expired(now) {
		s.lru.Remove(key)
		m.expiredCount.Add(1)
		return zero, false
	}
	return e.value, true
}

// ContainsKey 检查是否存在未过期的条目
func (m *Map[K, V]) ContainsKey(key K) bool {
	_, ok := m.Get(key)
	return ok
}

// Deadline 返回条目的到期时间
func (m *Map[K, V]) Deadline(key K) (time.Time, bool) {
	s := m.segmentFor(key)
	now := m.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lru.Peek(key)
	if !ok || e.expired(now) {
		return time.Time{}, false
	}
	return e.deadline(), true
}

// Remove 删除键，返回之前未过期的值
func (m *Map[K, V]) Remove(key K) (prev V, loaded bool) {
	s := m.segmentFor(key)
	now := m.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.lru.Peek(key)
	if !ok {
		return prev, false
	}
	s.lru.Remove(key)
	if old.expired(now) {
		m.expiredCount.Add(1)
		return prev, false
	}
	return old.value, true
}

// RemoveIf 比较后删除：仅当当前值等于 value 且未过期时删除
func (m *Map[K, V]) RemoveIf(key K, value V) bool {
	s := m.segmentFor(key)
	now := m.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.lru.Peek(key)
	if !ok {
		return false
	}
	if old.expired(now) {
		s.lru.Remove(key)
		m.expiredCount.Add(1)
		return false
	}
	if !m.equal(old.value, value) {
		return false
	}
	return s.lru.Remove(key)
}

// ============================================================================
//                              聚合操作
// ============================================================================

// Size 返回未过期条目数
func (m *Map[K, V]) Size() int {
	now := m.clock.Now()
	size := 0
	for _, s := range m.segments {
		s.mu.Lock()
		m.expireSegment(s, now)
		size += s.lru.Len()
		s.mu.Unlock()
	}
	return size
}

// IsEmpty 是否没有未过期条目
func (m *Map[K, V]) IsEmpty() bool {
	now := m.clock.Now()
	for _, s := range m.segments {
		s.mu.Lock()
		m.expireSegment(s, now)
		n := s.lru.Len()
		s.mu.Unlock()
		if n != 0 {
			return false
		}
	}
	return true
}

// Keys 返回所有未过期的键
func (m *Map[K, V]) Keys() []K {
	var keys []K
	m.Range(func(k K, _ V) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Values 返回所有未过期的值
func (m *Map[K, V]) Values() []V {
	var values []V
	m.Range(func(_ K, v V) bool {
		values = append(values, v)
		return true
	})
	return values
}

// Range 遍历未过期条目，fn 返回 false 时停止
//
// 每段在锁内清理后取快照，fn 在锁外执行，可以安全地回调 Map。
func (m *Map[K, V]) Range(fn func(K, V) bool) {
	now := m.clock.Now()
	type kv struct {
		k K
		v V
	}
	for _, s := range m.segments {
		s.mu.Lock()
		m.expireSegment(s, now)
		snapshot := make([]kv, 0, s.lru.Len())
		for _, k := range s.lru.Keys() {
			if e, ok := s.lru.Peek(k); ok {
				snapshot = append(snapshot, kv{k, e.value})
			}
		}
		s.mu.Unlock()

		for _, p := range snapshot {
			if !fn(p.k, p.v) {
				return
			}
		}
	}
}

// HashCode 返回与顺序无关的内容哈希
//
// 每个条目的哈希为 hash(key) ^ hash(value 的文本形式)，求和得到结果。
func (m *Map[K, V]) HashCode() uint32 {
	var sum uint32
	m.Range(func(k K, v V) bool {
		sum += m.hasher(k) ^ hashString(fmt.Sprint(v))
		return true
	})
	return sum
}

// Clear 删除全部条目
func (m *Map[K, V]) Clear() {
	for _, s := range m.segments {
		s.mu.Lock()
		s.lru.Purge()
		s.mu.Unlock()
	}
}

// PutAll 批量写入，遇到非法值时停止并返回错误
func (m *Map[K, V]) PutAll(in map[K]V) error {
	for k, v := range in {
		if _, _, err := m.Put(k, v); err != nil {
			return err
		}
	}
	return nil
}

// ExpiredCount 返回因过期被清理的条目总数
func (m *Map[K, V]) ExpiredCount() int64 {
	return m.expiredCount.Load()
}

// TTL 返回条目存活时间
func (m *Map[K, V]) TTL() time.Duration {
	return m.ttl
}

// ============================================================================
//                              辅助函数
// ============================================================================

// isNil 判断值是否为 nil（接口、指针、映射、切片、函数、通道）
func isNil[V any](v V) bool {
	rv := reflect.ValueOf(any(v))
	if !rv.IsValid() {
		return true
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface, reflect.UnsafePointer:
		return rv.IsNil()
	default:
		return false
	}
}

func equalFor[V any](fn func(a, b any) bool) func(a, b V) bool {
	if fn == nil {
		return func(a, b V) bool { return reflect.DeepEqual(a, b) }
	}
	return func(a, b V) bool { return fn(a, b) }
}

func evictFor[K comparable, V any](fn func(k, v any)) func(K, V) {
	if fn == nil {
		return nil
	}
	return func(k K, v V) { fn(k, v) }
}
