package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInTraversal 在遍历之外调用 FireRead/FireWrite
	ErrNotInTraversal = errors.New("pipeline: fire called outside of a traversal")

	// ErrHandlerNotFound 处理器不存在
	ErrHandlerNotFound = errors.New("pipeline: handler not found")

	// ErrClosed 管道已关闭
	ErrClosed = errors.New("pipeline: closed")
)

// HandlerError 处理器返回错误或 panic
type HandlerError struct {
	// Name 出错的处理器
	Name string

	// Inbound 出错时的遍历方向
	Inbound bool

	// Panic 是否由 panic 转换而来
	Panic bool

	Err error
}

func (e *HandlerError) Error() string {
	dir := "write"
	if e.Inbound {
		dir = "read"
	}
	if e.Panic {
		return fmt.Sprintf("pipeline: handler %q panicked during %s: %v", e.Name, dir, e.Err)
	}
	return fmt.Sprintf("pipeline: handler %q failed during %s: %v", e.Name, dir, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
