package pipeline

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dep2p/go-overlay/pkg/interfaces"
)

// HandlerContext 把处理器绑定到它在管道中的位置
//
// 处理器通过上下文把消息交给同方向的下一个处理器。
// FireRead/FireWrite 只能在对应方向的遍历回调内调用。
type HandlerContext struct {
	name     string
	handler  Handler
	pipeline *Pipeline
	removed  atomic.Bool
}

// Name 处理器名称
func (c *HandlerContext) Name() string { return c.name }

// Handler 绑定的处理器
func (c *HandlerContext) Handler() Handler { return c.handler }

// Pipeline 所属管道
func (c *HandlerContext) Pipeline() *Pipeline { return c.pipeline }

// Channel 所属管道的传输通道，可能为 nil
func (c *HandlerContext) Channel() interfaces.Channel { return c.pipeline.Channel() }

// IsRemoved 处理器是否已移出管道
func (c *HandlerContext) IsRemoved() bool { return c.removed.Load() }

// FireRead 把入站消息交给下一个入站处理器；越过链尾时被收集
func (c *HandlerContext) FireRead(msg any) error {
	return c.pipeline.fireRead(c, msg)
}

// FireWrite 把出站消息交给前一个出站处理器；越过链头时被收集
func (c *HandlerContext) FireWrite(msg any) error {
	return c.pipeline.fireWrite(c, msg)
}

// FireException 通知后续的异常处理器，并上报所属连接
func (c *HandlerContext) FireException(err error) {
	c.pipeline.fireException(c, err)
}

// invoke 调用处理器，把错误与 panic 统一为 *HandlerError
func (c *HandlerContext) invoke(inbound bool, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Name: c.name, Inbound: inbound, Panic: true, Err: fmt.Errorf("%v", r)}
		}
	}()
	if err = fn(); err != nil {
		var he *HandlerError
		if !errors.As(err, &he) {
			err = &HandlerError{Name: c.name, Inbound: inbound, Err: err}
		}
	}
	return err
}

// safely 调用不返回错误的回调，吞掉 panic 并记录
func (c *HandlerContext) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("处理器回调 panic", "handler", c.name, "callback", what, "panic", r)
		}
	}()
	fn()
}
