// Package codec 提供安装到管道中的编解码处理器
//
// 标准处理器链（从链头到链尾）：
//
//	frame-decoder -> frame-encoder -> compression -> message -> ...
//
// 入站字节先按 varint 长度前缀切帧，再解压、解码为 *types.Message；
// 出站消息反向经过同一组处理器。
package codec

import (
	"errors"
	"fmt"

	"github.com/multiformats/go-varint"

	"github.com/dep2p/go-overlay/internal/core/pipeline"
	"github.com/dep2p/go-overlay/pkg/lib/bytebuf"
	"github.com/dep2p/go-overlay/pkg/types"
)

// DefaultMaxFrameSize 默认最大帧长度
const DefaultMaxFrameSize = 4 << 20

// ============================================================================
//                              FrameDecoder
// ============================================================================

// FrameDecoder 入站切帧
//
// 累积收到的字节，按 uvarint 长度前缀切出完整帧，以零拷贝切片交给下一个处理器。
// 下游必须在 Read 返回前消费切片：一轮切帧结束后累积缓冲区会被压缩。
type FrameDecoder struct {
	maxFrameSize int
	cumulation   *bytebuf.ByteBuf
}

var (
	_ pipeline.InboundHandler = (*FrameDecoder)(nil)
	_ pipeline.ReadResetter   = (*FrameDecoder)(nil)
)

// NewFrameDecoder 创建切帧处理器
func NewFrameDecoder(maxFrameSize int) *FrameDecoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &FrameDecoder{maxFrameSize: maxFrameSize}
}

// Read 实现 pipeline.InboundHandler
func (d *FrameDecoder) Read(ctx *pipeline.HandlerContext, msg any) error {
	in, ok := msg.(*bytebuf.ByteBuf)
	if !ok {
		return ctx.FireRead(msg)
	}
	if d.cumulation == nil {
		d.cumulation = bytebuf.Allocate(in.ReadableBytes())
	}
	if err := d.cumulation.WriteBuf(in); err != nil {
		return err
	}

	for d.cumulation.IsReadable() {
		length, n, err := varint.FromUvarint(d.cumulation.Bytes())
		if err != nil {
			if errors.Is(err, varint.ErrUnderflow) {
				break
			}
			return fmt.Errorf("%w: frame length: %v", types.ErrMalformedMessage, err)
		}
		if length > uint64(d.maxFrameSize) {
			return fmt.Errorf("%w: frame of %d bytes exceeds %d", types.ErrMessageTooLarge, length, d.maxFrameSize)
		}
		if d.cumulation.ReadableBytes()-n < int(length) {
			break
		}
		if err := d.cumulation.SkipBytes(n); err != nil {
			return err
		}
		frame, err := d.cumulation.ReadSlice(int(length))
		if err != nil {
			return err
		}
		if err := ctx.FireRead(frame); err != nil {
			return err
		}
	}

	d.cumulation.DiscardReadBytes()
	return nil
}

// ResetRead 丢弃未完成的半帧
func (d *FrameDecoder) ResetRead() {
	d.cumulation = nil
}

// Buffered 返回尚未组成完整帧的字节数
func (d *FrameDecoder) Buffered() int {
	if d.cumulation == nil {
		return 0
	}
	return d.cumulation.ReadableBytes()
}

// ============================================================================
//                              FrameEncoder
// ============================================================================

// FrameEncoder 出站加长度前缀
//
// 前缀与载荷作为两个缓冲区依次交给下一个出站处理器，由传输层合并写出。
type FrameEncoder struct {
	maxFrameSize int
}

var _ pipeline.OutboundHandler = (*FrameEncoder)(nil)

// NewFrameEncoder 创建加前缀处理器
func NewFrameEncoder(maxFrameSize int) *FrameEncoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &FrameEncoder{maxFrameSize: maxFrameSize}
}

// Write 实现 pipeline.OutboundHandler
func (e *FrameEncoder) Write(ctx *pipeline.HandlerContext, msg any) error {
	payload, ok := msg.(*bytebuf.ByteBuf)
	if !ok {
		return ctx.FireWrite(msg)
	}
	n := payload.ReadableBytes()
	if n > e.maxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds %d", types.ErrMessageTooLarge, n, e.maxFrameSize)
	}
	if err := ctx.FireWrite(bytebuf.Wrap(varint.ToUvarint(uint64(n)))); err != nil {
		return err
	}
	return ctx.FireWrite(payload)
}
