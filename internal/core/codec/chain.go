package codec

import (
	"fmt"

	"github.com/dep2p/go-overlay/internal/core/pipeline"
	"github.com/dep2p/go-overlay/pkg/lib/bytebuf"
	"github.com/dep2p/go-overlay/pkg/types"
)

// 标准处理器名称
const (
	NameFrameDecoder = "frame-decoder"
	NameFrameEncoder = "frame-encoder"
	NameCompression  = "compression"
	NameMessage      = "message"
)

// ChainConfig 标准处理器链配置
type ChainConfig struct {
	// MaxFrameSize 最大帧长度
	MaxFrameSize int

	// Compression 是否安装压缩处理器
	Compression bool

	// CompressThreshold 压缩阈值
	CompressThreshold int
}

// NewChain 为一个连接创建新的标准处理器链
//
// 每个连接都必须使用新的处理器实例：切帧处理器持有连接私有的半帧状态。
// extra 追加在消息编解码之后，接收 *types.Message。
func NewChain(cfg ChainConfig, extra ...pipeline.NamedHandler) []pipeline.NamedHandler {
	chain := []pipeline.NamedHandler{
		{Name: NameFrameDecoder, Handler: NewFrameDecoder(cfg.MaxFrameSize)},
		{Name: NameFrameEncoder, Handler: NewFrameEncoder(cfg.MaxFrameSize)},
	}
	if cfg.Compression {
		chain = append(chain, pipeline.NamedHandler{
			Name:    NameCompression,
			Handler: NewCompressionCodec(cfg.CompressThreshold, cfg.MaxFrameSize),
		})
	}
	chain = append(chain, pipeline.NamedHandler{Name: NameMessage, Handler: MessageCodec{}})
	return append(chain, extra...)
}

// Flatten 把出站遍历的结果展开为传输层可写出的连续视图
func Flatten(out []any) (bufs [][]byte, size int, err error) {
	for _, o := range out {
		buf, ok := o.(*bytebuf.ByteBuf)
		if !ok {
			return nil, 0, fmt.Errorf("%w: outbound pipeline produced %T", types.ErrInvalidState, o)
		}
		for _, v := range buf.NioBuffers() {
			bufs = append(bufs, v)
			size += len(v)
		}
	}
	return bufs, size, nil
}
