// Package types 定义 go-overlay 的基础类型
//
// 本文件定义所有公共错误类型。各包通过 fmt.Errorf("%w: ...") 包装这些
// 哨兵错误补充细节，调用方使用 errors.Is 判断错误类别。
package types

import "errors"

// ============================================================================
//                              契约错误（调用方 bug，不应被吞掉）
// ============================================================================

var (
	// ErrIndexOutOfRange 缓冲区索引越界
	ErrIndexOutOfRange = errors.New("index out of range")

	// ErrInvalidArgument 无效参数（负容量、空值等）
	ErrInvalidArgument = errors.New("invalid argument")
)

// ============================================================================
//                              启动/关闭错误
// ============================================================================

var (
	// ErrBind 未找到可用的本地地址或凭证绑定失败
	ErrBind = errors.New("bind failed")

	// ErrIO 监听传输启动失败（TCP 与 UDP 均无法绑定）
	ErrIO = errors.New("i/o failure")

	// ErrInvalidState 当前状态不允许该操作
	ErrInvalidState = errors.New("invalid state")
)

// ============================================================================
//                              ID 相关错误
// ============================================================================

var (
	// ErrEmptyPeerID 空节点 ID
	ErrEmptyPeerID = errors.New("empty peer ID")

	// ErrInvalidPeerID 无效的节点 ID
	ErrInvalidPeerID = errors.New("invalid peer ID")
)

// ============================================================================
//                              连接相关错误
// ============================================================================

var (
	// ErrConnectionClosed 连接已关闭
	ErrConnectionClosed = errors.New("connection closed")

	// ErrConnectionTimeout 连接超时
	ErrConnectionTimeout = errors.New("connection timeout")

	// ErrMessageTooLarge 消息超过帧大小上限
	ErrMessageTooLarge = errors.New("message too large")

	// ErrMalformedMessage 消息格式错误
	ErrMalformedMessage = errors.New("malformed message")
)
