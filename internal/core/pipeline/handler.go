// Package pipeline 实现方向感知的处理器链
//
// 入站消息从第一个处理器开始，经 FireRead 向后传递；
// 出站消息从最后一个处理器开始，经 FireWrite 向前传递直到传输层。
// 越过链尾（入站）或链头（出站）的消息被收集并由 Read/Write 返回。
//
// 处理器按能力组合：实现 InboundHandler 参与入站，实现 OutboundHandler
// 参与出站，二者都实现即为双工处理器。
package pipeline

// Handler 处理器，按实现的能力接口参与遍历
type Handler any

// InboundHandler 入站处理器
type InboundHandler interface {
	// Read 处理入站消息，调用 ctx.FireRead 交给下一个入站处理器
	Read(ctx *HandlerContext, msg any) error
}

// OutboundHandler 出站处理器
type OutboundHandler interface {
	// Write 处理出站消息，调用 ctx.FireWrite 交给前一个出站处理器
	Write(ctx *HandlerContext, msg any) error
}

// LifecycleHandler 感知加入与移出管道
type LifecycleHandler interface {
	HandlerAdded(ctx *HandlerContext)
	HandlerRemoved(ctx *HandlerContext)
}

// ReadResetter 在两次独立入站调用之间清除暂存状态（如半帧）
type ReadResetter interface {
	ResetRead()
}

// WriteResetter 在两次独立出站调用之间清除暂存状态
type WriteResetter interface {
	ResetWrite()
}

// ExceptionHandler 接收遍历中的失败通知
type ExceptionHandler interface {
	ExceptionCaught(ctx *HandlerContext, err error)
}

// FailureReporter 接收管道未处理的失败，通常由所属连接实现
type FailureReporter interface {
	ReportFailure(err error)
}

// NamedHandler 带名称的处理器，用于构建链
type NamedHandler struct {
	Name    string
	Handler Handler
}

// Filter 在连接建立时改写处理器链
//
// 必须是纯函数：不修改入参，返回新链。
type Filter func(chain []NamedHandler, isTCP, isClient bool) []NamedHandler

// DefaultFilter 不改写处理器链
func DefaultFilter(chain []NamedHandler, _, _ bool) []NamedHandler {
	return chain
}

// Without 返回移除指定名称处理器的过滤器，可与其他过滤器组合
func Without(names ...string) Filter {
	return func(chain []NamedHandler, _, _ bool) []NamedHandler {
		out := make([]NamedHandler, 0, len(chain))
		for _, nh := range chain {
			skip := false
			for _, n := range names {
				if nh.Name == n {
					skip = true
					break
				}
			}
			if !skip {
				out = append(out, nh)
			}
		}
		return out
	}
}
