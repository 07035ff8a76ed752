package sender

import (
	"errors"
	"fmt"

	"github.com/dep2p/go-overlay/pkg/types"
)

var (
	// ErrClosed 发送器已关闭
	ErrClosed = fmt.Errorf("%w: sender closed", types.ErrInvalidState)

	// ErrNoResponse 连接在收到响应前结束
	ErrNoResponse = errors.New("sender: connection ended before response")

	// ErrNotFireAndForget FireAndForgetUDP 只接受 fire-and-forget 请求
	ErrNotFireAndForget = fmt.Errorf("%w: message is not fire-and-forget", types.ErrInvalidArgument)
)
