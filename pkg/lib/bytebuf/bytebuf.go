// Package bytebuf 提供带读写索引的可增长字节缓冲区
//
// ByteBuf 维护两个索引把底层存储划分为三段：
//
//	+-------------------+------------------+------------------+
//	| discardable bytes |  readable bytes  |  writable bytes  |
//	+-------------------+------------------+------------------+
//	0      <=      readerIndex   <=   writerIndex    <=    capacity
//
// 不变量：0 <= readerIndex <= writerIndex <= capacity <= maxCapacity。
// 所有带索引的操作都经过同一个边界检查，越界返回 types.ErrIndexOutOfRange，
// 不做任何截断。
//
// Slice 与 Duplicate 与父缓冲区共享存储：Slice 在创建时冻结自己的窗口，
// Duplicate 拥有独立的读写索引。派生缓冲区不能扩容。
//
// ByteBuf 不是并发安全的，一个缓冲区只应由一个连接上下文持有。
package bytebuf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/dep2p/go-overlay/pkg/types"
)

const (
	// DefaultInitialCapacity 默认初始容量
	DefaultInitialCapacity = 256

	// DefaultMaxCapacity 默认容量上限
	DefaultMaxCapacity = math.MaxInt32

	// growThreshold 超过该阈值后按固定步长扩容，低于该阈值时倍增
	growThreshold = 4 << 20

	// minGrowCapacity 倍增扩容的起点
	minGrowCapacity = 64
)

// storage 父缓冲区与派生缓冲区共享的底层存储
//
// 扩容时替换 data，所有共享同一 storage 的视图都能看到新数组。
type storage struct {
	data []byte
}

// ByteBuf 带读写索引的字节缓冲区
type ByteBuf struct {
	store *storage

	// offset 视图在 storage 中的起点
	offset int

	// fixed 派生视图的固定容量；-1 表示容量跟随存储
	fixed int

	// derived 切片或副本，不允许改变容量
	derived bool

	maxCapacity int

	readerIndex int
	writerIndex int

	markedReaderIndex int
	markedWriterIndex int
}

// Empty 规范的空缓冲区，长度为 0 的切片总是返回它
var Empty = &ByteBuf{store: &storage{}, fixed: 0, derived: true}

// ============================================================================
//                              构造
// ============================================================================

// New 创建指定初始容量和容量上限的缓冲区
func New(initialCapacity, maxCapacity int) (*ByteBuf, error) {
	if maxCapacity < 0 {
		return nil, fmt.Errorf("%w: maxCapacity: %d (expected: >= 0)", types.ErrInvalidArgument, maxCapacity)
	}
	if initialCapacity < 0 || initialCapacity > maxCapacity {
		return nil, fmt.Errorf("%w: initialCapacity: %d (expected: 0 <= initialCapacity <= maxCapacity(%d))",
			types.ErrInvalidArgument, initialCapacity, maxCapacity)
	}
	return &ByteBuf{
		store:       &storage{data: make([]byte, initialCapacity)},
		fixed:       -1,
		maxCapacity: maxCapacity,
	}, nil
}

// Allocate 创建默认容量上限的缓冲区
//
// initialCapacity 为负数属于调用方 bug，直接 panic。
func Allocate(initialCapacity int) *ByteBuf {
	b, err := New(initialCapacity, DefaultMaxCapacity)
	if err != nil {
		panic(err)
	}
	return b
}

// Wrap 包装已有字节切片，不复制
//
// 结果可读区域为整个切片，容量与上限都等于 len(data)。
func Wrap(data []byte) *ByteBuf {
	if len(data) == 0 {
		return Empty
	}
	return &ByteBuf{
		store:       &storage{data: data},
		fixed:       -1,
		maxCapacity: len(data),
		writerIndex: len(data),
	}
}

// CopyOf 复制数据到新的可增长缓冲区
func CopyOf(data []byte) *ByteBuf {
	b := Allocate(len(data))
	copy(b.store.data, data)
	b.writerIndex = len(data)
	return b
}

// ============================================================================
//                              容量与索引
// ============================================================================

// Capacity 当前容量
func (b *ByteBuf) Capacity() int {
	if b.fixed >= 0 {
		return b.fixed
	}
	return len(b.store.data) - b.offset
}

// MaxCapacity 容量上限
func (b *ByteBuf) MaxCapacity() int {
	if b.derived {
		return b.Capacity()
	}
	return b.maxCapacity
}

// ReaderIndex 读索引
func (b *ByteBuf) ReaderIndex() int { return b.readerIndex }

// WriterIndex 写索引
func (b *ByteBuf) WriterIndex() int { return b.writerIndex }

// ReadableBytes 可读字节数 writerIndex - readerIndex
func (b *ByteBuf) ReadableBytes() int { return b.writerIndex - b.readerIndex }

// WritableBytes 不扩容可写字节数 capacity - writerIndex
func (b *ByteBuf) WritableBytes() int { return b.Capacity() - b.writerIndex }

// MaxWritableBytes 扩容后最多可写字节数
func (b *ByteBuf) MaxWritableBytes() int { return b.MaxCapacity() - b.writerIndex }

// IsReadable 是否有可读字节
func (b *ByteBuf) IsReadable() bool { return b.writerIndex > b.readerIndex }

// IsWritable 是否有可写空间
func (b *ByteBuf) IsWritable() bool { return b.Capacity() > b.writerIndex }

// IsDerived 是否为切片或副本
func (b *ByteBuf) IsDerived() bool { return b.derived }

// SetReaderIndex 设置读索引，要求 0 <= i <= writerIndex
func (b *ByteBuf) SetReaderIndex(i int) error {
	if i < 0 || i > b.writerIndex {
		return fmt.Errorf("%w: readerIndex: %d (expected: 0 <= readerIndex <= writerIndex(%d))",
			types.ErrIndexOutOfRange, i, b.writerIndex)
	}
	b.readerIndex = i
	return nil
}

// SetWriterIndex 设置写索引，要求 readerIndex <= i <= capacity
func (b *ByteBuf) SetWriterIndex(i int) error {
	if i < b.readerIndex || i > b.Capacity() {
		return fmt.Errorf("%w: writerIndex: %d (expected: readerIndex(%d) <= writerIndex <= capacity(%d))",
			types.ErrIndexOutOfRange, i, b.readerIndex, b.Capacity())
	}
	b.writerIndex = i
	return nil
}

// SetIndex 同时设置读写索引，要求 0 <= r <= w <= capacity
//
// 任一条件不满足时两个索引都保持不变。
func (b *ByteBuf) SetIndex(r, w int) error {
	if r < 0 || r > w || w > b.Capacity() {
		return fmt.Errorf("%w: readerIndex: %d, writerIndex: %d (expected: 0 <= readerIndex <= writerIndex <= capacity(%d))",
			types.ErrIndexOutOfRange, r, w, b.Capacity())
	}
	b.readerIndex = r
	b.writerIndex = w
	return nil
}

// Clear 将读写索引归零，不清除数据
func (b *ByteBuf) Clear() {
	b.readerIndex = 0
	b.writerIndex = 0
}

// MarkReaderIndex 记录当前读索引
func (b *ByteBuf) MarkReaderIndex() { b.markedReaderIndex = b.readerIndex }

// ResetReaderIndex 恢复到记录的读索引
func (b *ByteBuf) ResetReaderIndex() error { return b.SetReaderIndex(b.markedReaderIndex) }

// MarkWriterIndex 记录当前写索引
func (b *ByteBuf) MarkWriterIndex() { b.markedWriterIndex = b.writerIndex }

// ResetWriterIndex 恢复到记录的写索引
func (b *ByteBuf) ResetWriterIndex() error { return b.SetWriterIndex(b.markedWriterIndex) }

// DiscardReadBytes 丢弃已读字节，把可读区域移到起点
func (b *ByteBuf) DiscardReadBytes() {
	if b.readerIndex == 0 {
		return
	}
	if b.readerIndex != b.writerIndex {
		n := copy(b.raw(0, b.ReadableBytes()), b.raw(b.readerIndex, b.ReadableBytes()))
		b.adjustMarkers(b.readerIndex)
		b.writerIndex = n
		b.readerIndex = 0
		return
	}
	b.adjustMarkers(b.readerIndex)
	b.readerIndex = 0
	b.writerIndex = 0
}

func (b *ByteBuf) adjustMarkers(decrement int) {
	if b.markedReaderIndex <= decrement {
		b.markedReaderIndex = 0
		if b.markedWriterIndex <= decrement {
			b.markedWriterIndex = 0
		} else {
			b.markedWriterIndex -= decrement
		}
		return
	}
	b.markedReaderIndex -= decrement
	b.markedWriterIndex -= decrement
}

// ============================================================================
//                              扩容
// ============================================================================

// EnsureWritable 确保至少有 minWritable 字节可写，必要时扩容
func (b *ByteBuf) EnsureWritable(minWritable int) error {
	if minWritable < 0 {
		return fmt.Errorf("%w: minWritableBytes: %d (expected: >= 0)", types.ErrInvalidArgument, minWritable)
	}
	if minWritable <= b.WritableBytes() {
		if !b.backed(b.writerIndex, minWritable) {
			return b.errDetached(b.writerIndex, minWritable)
		}
		return nil
	}
	if b.derived {
		return fmt.Errorf("%w: derived buffer cannot grow: writerIndex(%d) + minWritableBytes(%d) exceeds capacity(%d)",
			types.ErrIndexOutOfRange, b.writerIndex, minWritable, b.Capacity())
	}
	if minWritable > b.maxCapacity-b.writerIndex {
		return fmt.Errorf("%w: writerIndex(%d) + minWritableBytes(%d) exceeds maxCapacity(%d)",
			types.ErrIndexOutOfRange, b.writerIndex, minWritable, b.maxCapacity)
	}
	b.reallocate(calculateNewCapacity(b.writerIndex+minWritable, b.maxCapacity))
	return nil
}

// SetCapacity 调整容量；缩容时截断索引
func (b *ByteBuf) SetCapacity(newCapacity int) error {
	if b.derived {
		return fmt.Errorf("%w: cannot change capacity of a derived buffer", types.ErrInvalidState)
	}
	if newCapacity < 0 || newCapacity > b.maxCapacity {
		return fmt.Errorf("%w: newCapacity: %d (expected: 0-%d)", types.ErrInvalidArgument, newCapacity, b.maxCapacity)
	}
	if newCapacity < b.writerIndex {
		if b.readerIndex < newCapacity {
			b.writerIndex = newCapacity
		} else {
			b.readerIndex = newCapacity
			b.writerIndex = newCapacity
		}
	}
	b.reallocate(newCapacity)
	return nil
}

func (b *ByteBuf) reallocate(newCapacity int) {
	old := b.store.data
	data := make([]byte, newCapacity)
	copy(data, old)
	b.store.data = data
}

// calculateNewCapacity 计算扩容后的容量
//
// 低于阈值时从 64 开始倍增，超过阈值后按阈值步长增长，均不超过上限。
func calculateNewCapacity(minNewCapacity, maxCapacity int) int {
	if minNewCapacity == growThreshold {
		return growThreshold
	}
	if minNewCapacity > growThreshold {
		newCapacity := minNewCapacity / growThreshold * growThreshold
		if newCapacity > maxCapacity-growThreshold {
			return maxCapacity
		}
		return newCapacity + growThreshold
	}
	newCapacity := minGrowCapacity
	for newCapacity < minNewCapacity {
		newCapacity <<= 1
	}
	return min(newCapacity, maxCapacity)
}

// ============================================================================
//                              边界检查
// ============================================================================

// checkIndex 唯一的边界检查
//
// 单字节访问等价于 fieldLength == 1，即 0 <= index < capacity。
func (b *ByteBuf) checkIndex(index, fieldLength int) error {
	if fieldLength < 0 {
		return fmt.Errorf("%w: length: %d (expected: >= 0)", types.ErrInvalidArgument, fieldLength)
	}
	capacity := b.Capacity()
	if index < 0 || index > capacity-fieldLength {
		if fieldLength == 1 {
			return fmt.Errorf("%w: index: %d (expected: range(0, %d))", types.ErrIndexOutOfRange, index, capacity)
		}
		return fmt.Errorf("%w: index: %d, length: %d (expected: range(0, %d))",
			types.ErrIndexOutOfRange, index, fieldLength, capacity)
	}
	if !b.backed(index, fieldLength) {
		return b.errDetached(index, fieldLength)
	}
	return nil
}

// backed 检查 [index, index+n) 是否仍落在共享存储内
//
// 父缓冲区缩容后，派生视图的窗口可能超出存储。
func (b *ByteBuf) backed(index, n int) bool {
	return b.offset+index+n <= len(b.store.data)
}

func (b *ByteBuf) errDetached(index, n int) error {
	return fmt.Errorf("%w: index: %d, length: %d exceeds shared storage(%d)",
		types.ErrIndexOutOfRange, index, n, max(len(b.store.data)-b.offset, 0))
}

func (b *ByteBuf) checkReadable(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: minimumReadableBytes: %d (expected: >= 0)", types.ErrInvalidArgument, n)
	}
	if b.readerIndex > b.writerIndex-n {
		return fmt.Errorf("%w: readerIndex(%d) + length(%d) exceeds writerIndex(%d)",
			types.ErrIndexOutOfRange, b.readerIndex, n, b.writerIndex)
	}
	if !b.backed(b.readerIndex, n) {
		return b.errDetached(b.readerIndex, n)
	}
	return nil
}

// raw 返回视图内 [index, index+length) 的底层切片，调用方负责先做边界检查
func (b *ByteBuf) raw(index, length int) []byte {
	start := b.offset + index
	end := start + length
	return b.store.data[start:end:end]
}

// ============================================================================
//                              绝对位置访问
// ============================================================================

// GetByte 读取 index 处的字节，不移动索引
func (b *ByteBuf) GetByte(index int) (byte, error) {
	if err := b.checkIndex(index, 1); err != nil {
		return 0, err
	}
	return b.store.data[b.offset+index], nil
}

// GetUint16 读取大端 uint16
func (b *ByteBuf) GetUint16(index int) (uint16, error) {
	if err := b.checkIndex(index, 2); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b.raw(index, 2)), nil
}

// GetUint32 读取大端 uint32
func (b *ByteBuf) GetUint32(index int) (uint32, error) {
	if err := b.checkIndex(index, 4); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b.raw(index, 4)), nil
}

// GetUint64 读取大端 uint64
func (b *ByteBuf) GetUint64(index int) (uint64, error) {
	if err := b.checkIndex(index, 8); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b.raw(index, 8)), nil
}

// GetBytes 把 index 起的 len(dst) 字节复制到 dst
func (b *ByteBuf) GetBytes(index int, dst []byte) error {
	if err := b.checkIndex(index, len(dst)); err != nil {
		return err
	}
	copy(dst, b.raw(index, len(dst)))
	return nil
}

// SetByte 写入 index 处的字节，不移动索引
func (b *ByteBuf) SetByte(index int, v byte) error {
	if err := b.checkIndex(index, 1); err != nil {
		return err
	}
	b.store.data[b.offset+index] = v
	return nil
}

// SetUint16 写入大端 uint16
func (b *ByteBuf) SetUint16(index int, v uint16) error {
	if err := b.checkIndex(index, 2); err != nil {
		return err
	}
	binary.BigEndian.PutUint16(b.raw(index, 2), v)
	return nil
}

// SetUint32 写入大端 uint32
func (b *ByteBuf) SetUint32(index int, v uint32) error {
	if err := b.checkIndex(index, 4); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(b.raw(index, 4), v)
	return nil
}

// SetUint64 写入大端 uint64
func (b *ByteBuf) SetUint64(index int, v uint64) error {
	if err := b.checkIndex(index, 8); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(b.raw(index, 8), v)
	return nil
}

// SetBytes 把 src 写到 index 起的位置
func (b *ByteBuf) SetBytes(index int, src []byte) error {
	if err := b.checkIndex(index, len(src)); err != nil {
		return err
	}
	copy(b.raw(index, len(src)), src)
	return nil
}

// ============================================================================
//                              相对读取
// ============================================================================

// ReadByte 读取一个字节并前移读索引，实现 io.ByteReader
func (b *ByteBuf) ReadByte() (byte, error) {
	if err := b.checkReadable(1); err != nil {
		return 0, err
	}
	v := b.store.data[b.offset+b.readerIndex]
	b.readerIndex++
	return v, nil
}

// ReadUint16 读取大端 uint16
func (b *ByteBuf) ReadUint16() (uint16, error) {
	if err := b.checkReadable(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(b.raw(b.readerIndex, 2))
	b.readerIndex += 2
	return v, nil
}

// ReadUint32 读取大端 uint32
func (b *ByteBuf) ReadUint32() (uint32, error) {
	if err := b.checkReadable(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(b.raw(b.readerIndex, 4))
	b.readerIndex += 4
	return v, nil
}

// ReadUint64 读取大端 uint64
func (b *ByteBuf) ReadUint64() (uint64, error) {
	if err := b.checkReadable(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(b.raw(b.readerIndex, 8))
	b.readerIndex += 8
	return v, nil
}

// ReadInt32 读取大端有符号 int32
func (b *ByteBuf) ReadInt32() (int32, error) {
	v, err := b.ReadUint32()
	return int32(v), err
}

// ReadInt64 读取大端有符号 int64
func (b *ByteBuf) ReadInt64() (int64, error) {
	v, err := b.ReadUint64()
	return int64(v), err
}

// ReadBytes 读取 n 字节的副本
func (b *ByteBuf) ReadBytes(n int) ([]byte, error) {
	if err := b.checkReadable(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b.raw(b.readerIndex, n))
	b.readerIndex += n
	return out, nil
}

// ReadSlice 读取 n 字节的零拷贝切片并前移读索引
func (b *ByteBuf) ReadSlice(n int) (*ByteBuf, error) {
	if err := b.checkReadable(n); err != nil {
		return nil, err
	}
	s, err := b.SliceAt(b.readerIndex, n)
	if err != nil {
		return nil, err
	}
	b.readerIndex += n
	return s, nil
}

// SkipBytes 跳过 n 个可读字节
func (b *ByteBuf) SkipBytes(n int) error {
	if err := b.checkReadable(n); err != nil {
		return err
	}
	b.readerIndex += n
	return nil
}

// Read 实现 io.Reader；无可读字节时返回 io.EOF
func (b *ByteBuf) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if !b.IsReadable() {
		return 0, io.EOF
	}
	if err := b.checkReadable(b.ReadableBytes()); err != nil {
		return 0, err
	}
	n := copy(p, b.raw(b.readerIndex, b.ReadableBytes()))
	b.readerIndex += n
	return n, nil
}

// ============================================================================
//                              相对写入
// ============================================================================

// WriteByte 写入一个字节，实现 io.ByteWriter
func (b *ByteBuf) WriteByte(v byte) error {
	if err := b.EnsureWritable(1); err != nil {
		return err
	}
	b.store.data[b.offset+b.writerIndex] = v
	b.writerIndex++
	return nil
}

// WriteUint16 写入大端 uint16
func (b *ByteBuf) WriteUint16(v uint16) error {
	if err := b.EnsureWritable(2); err != nil {
		return err
	}
	binary.BigEndian.PutUint16(b.raw(b.writerIndex, 2), v)
	b.writerIndex += 2
	return nil
}

// WriteUint32 写入大端 uint32
func (b *ByteBuf) WriteUint32(v uint32) error {
	if err := b.EnsureWritable(4); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(b.raw(b.writerIndex, 4), v)
	b.writerIndex += 4
	return nil
}

// WriteUint64 写入大端 uint64
func (b *ByteBuf) WriteUint64(v uint64) error {
	if err := b.EnsureWritable(8); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(b.raw(b.writerIndex, 8), v)
	b.writerIndex += 8
	return nil
}

// WriteInt32 写入大端有符号 int32（与 Java DataOutput.writeInt 字节序一致）
func (b *ByteBuf) WriteInt32(v int32) error {
	return b.WriteUint32(uint32(v))
}

// WriteInt64 写入大端有符号 int64（与 Java DataOutput.writeLong 字节序一致）
func (b *ByteBuf) WriteInt64(v int64) error {
	return b.WriteUint64(uint64(v))
}

// WriteBytes 写入 src 全部字节
func (b *ByteBuf) WriteBytes(src []byte) error {
	if err := b.EnsureWritable(len(src)); err != nil {
		return err
	}
	copy(b.raw(b.writerIndex, len(src)), src)
	b.writerIndex += len(src)
	return nil
}

// WriteBuf 写入 src 的全部可读字节，并前移 src 的读索引
func (b *ByteBuf) WriteBuf(src *ByteBuf) error {
	n := src.ReadableBytes()
	if err := src.checkReadable(n); err != nil {
		return err
	}
	if err := b.EnsureWritable(n); err != nil {
		return err
	}
	copy(b.raw(b.writerIndex, n), src.raw(src.readerIndex, n))
	b.writerIndex += n
	src.readerIndex += n
	return nil
}

// Write 实现 io.Writer
func (b *ByteBuf) Write(p []byte) (int, error) {
	if err := b.WriteBytes(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteFrom 从 r 执行一次读取，最多读入 max 字节
//
// 用于传输层把套接字数据直接读进可写区域，避免中间复制。
// 返回 r.Read 的结果；读到的字节已计入写索引。
func (b *ByteBuf) WriteFrom(r io.Reader, max int) (int, error) {
	if err := b.EnsureWritable(max); err != nil {
		return 0, err
	}
	n, err := r.Read(b.raw(b.writerIndex, max))
	if n > 0 {
		b.writerIndex += n
	}
	return n, err
}

// ============================================================================
//                              派生视图
// ============================================================================

// Slice 返回可读区域的零拷贝切片
func (b *ByteBuf) Slice() *ByteBuf {
	s, _ := b.SliceAt(b.readerIndex, b.ReadableBytes())
	return s
}

// SliceAt 返回 [index, index+length) 的零拷贝切片
//
// 切片在创建时冻结窗口：容量等于 length，读索引 0，写索引 length。
// 长度为 0 时返回规范的 Empty。
func (b *ByteBuf) SliceAt(index, length int) (*ByteBuf, error) {
	if err := b.checkIndex(index, length); err != nil {
		return nil, err
	}
	if length == 0 {
		return Empty, nil
	}
	return &ByteBuf{
		store:       b.store,
		offset:      b.offset + index,
		fixed:       length,
		derived:     true,
		writerIndex: length,
	}, nil
}

// Duplicate 返回共享存储、独立索引的副本
func (b *ByteBuf) Duplicate() *ByteBuf {
	d := *b
	d.derived = true
	if d.fixed < 0 {
		d.fixed = b.Capacity()
	}
	return &d
}

// Copy 复制可读区域到新的缓冲区
func (b *ByteBuf) Copy() *ByteBuf {
	c, _ := b.CopyAt(b.readerIndex, b.ReadableBytes())
	return c
}

// CopyAt 复制 [index, index+length) 到新的缓冲区
func (b *ByteBuf) CopyAt(index, length int) (*ByteBuf, error) {
	if err := b.checkIndex(index, length); err != nil {
		return nil, err
	}
	return CopyOf(b.raw(index, length)), nil
}

// ============================================================================
//                              原始视图
// ============================================================================

// Bytes 返回可读区域的底层切片（零拷贝）
//
// 返回值与缓冲区共享内存，缓冲区被修改或扩容后不应继续使用。
// 派生视图的窗口已超出共享存储时返回空切片。
func (b *ByteBuf) Bytes() []byte {
	n := b.ReadableBytes()
	if !b.backed(b.readerIndex, n) {
		return []byte{}
	}
	return b.raw(b.readerIndex, n)
}

// NioBuffer 返回可读区域的单个连续视图
func (b *ByteBuf) NioBuffer() []byte {
	return b.Bytes()
}

// NioBufferAt 返回 [index, index+length) 的连续视图
func (b *ByteBuf) NioBufferAt(index, length int) ([]byte, error) {
	if err := b.checkIndex(index, length); err != nil {
		return nil, err
	}
	return b.raw(index, length), nil
}

// NioBuffers 返回可读区域的视图列表，可直接交给 net.Buffers 写出
//
// 堆存储总是连续的，因此只有一个元素；可读区域为空时返回空列表。
func (b *ByteBuf) NioBuffers() [][]byte {
	if !b.IsReadable() || !b.backed(b.readerIndex, b.ReadableBytes()) {
		return nil
	}
	return [][]byte{b.Bytes()}
}

// NioBufferCount 返回 NioBuffers 的元素数量
func (b *ByteBuf) NioBufferCount() int {
	return len(b.NioBuffers())
}

// Equal 比较两个缓冲区的可读内容
func (b *ByteBuf) Equal(o *ByteBuf) bool {
	if b.ReadableBytes() != o.ReadableBytes() {
		return false
	}
	return string(b.Bytes()) == string(o.Bytes())
}

// String 返回索引摘要
func (b *ByteBuf) String() string {
	return fmt.Sprintf("ByteBuf(ridx: %d, widx: %d, cap: %d/%d)",
		b.readerIndex, b.writerIndex, b.Capacity(), b.MaxCapacity())
}
