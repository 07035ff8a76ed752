package codec

import (
	"fmt"

	"github.com/klauspost/compress/s2"

	"github.com/dep2p/go-overlay/internal/core/pipeline"
	"github.com/dep2p/go-overlay/pkg/lib/bytebuf"
	"github.com/dep2p/go-overlay/pkg/types"
)

const (
	flagRaw byte = 0
	flagS2  byte = 1

	// DefaultCompressThreshold 小于该长度的载荷不压缩
	DefaultCompressThreshold = 512
)

// CompressionCodec 双工 s2 块压缩
//
// 每帧首字节为标志：0 原文，1 s2 压缩。只有压缩后更短才使用压缩。
type CompressionCodec struct {
	threshold    int
	maxFrameSize int
}

var (
	_ pipeline.InboundHandler  = (*CompressionCodec)(nil)
	_ pipeline.OutboundHandler = (*CompressionCodec)(nil)
)

// NewCompressionCodec 创建压缩处理器
func NewCompressionCodec(threshold, maxFrameSize int) *CompressionCodec {
	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &CompressionCodec{threshold: threshold, maxFrameSize: maxFrameSize}
}

// Read 实现 pipeline.InboundHandler
func (c *CompressionCodec) Read(ctx *pipeline.HandlerContext, msg any) error {
	in, ok := msg.(*bytebuf.ByteBuf)
	if !ok {
		return ctx.FireRead(msg)
	}
	flag, err := in.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: missing compression flag", types.ErrMalformedMessage)
	}

	switch flag {
	case flagRaw:
		return ctx.FireRead(in)
	case flagS2:
		src := in.Bytes()
		n, err := s2.DecodedLen(src)
		if err != nil {
			return fmt.Errorf("%w: %v", types.ErrMalformedMessage, err)
		}
		if n > c.maxFrameSize {
			return fmt.Errorf("%w: decompressed size %d exceeds %d", types.ErrMessageTooLarge, n, c.maxFrameSize)
		}
		out, err := s2.Decode(nil, src)
		if err != nil {
			return fmt.Errorf("%w: %v", types.ErrMalformedMessage, err)
		}
		return ctx.FireRead(bytebuf.Wrap(out))
	default:
		return fmt.Errorf("%w: unknown compression flag %d", types.ErrMalformedMessage, flag)
	}
}

// Write 实现 pipeline.OutboundHandler
func (c *CompressionCodec) Write(ctx *pipeline.HandlerContext, msg any) error {
	in, ok := msg.(*bytebuf.ByteBuf)
	if !ok {
		return ctx.FireWrite(msg)
	}
	src := in.Bytes()

	flag, body := flagRaw, src
	if len(src) >= c.threshold {
		if enc := s2.Encode(nil, src); len(enc) < len(src) {
			flag, body = flagS2, enc
		}
	}

	out := bytebuf.Allocate(1 + len(body))
	if err := out.WriteByte(flag); err != nil {
		return err
	}
	if err := out.WriteBytes(body); err != nil {
		return err
	}
	return ctx.FireWrite(out)
}
