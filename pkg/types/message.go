package types

import (
	"fmt"
	"math/rand/v2"
)

// ============================================================================
//                              MessageType - 消息类型
// ============================================================================

// MessageType 区分请求与各类响应
type MessageType uint8

const (
	// MessageTypeRequest1 普通请求
	MessageTypeRequest1 MessageType = iota
	// MessageTypeRequest2 备用请求
	MessageTypeRequest2
	// MessageTypeRequestFF1 fire-and-forget 请求，不期待响应
	MessageTypeRequestFF1
	// MessageTypeOk 成功响应
	MessageTypeOk
	// MessageTypePartiallyOk 部分成功
	MessageTypePartiallyOk
	// MessageTypeNotFound 未找到
	MessageTypeNotFound
	// MessageTypeDenied 拒绝
	MessageTypeDenied
	// MessageTypeUnknownID 接收方不认识目标 PeerID
	MessageTypeUnknownID
	// MessageTypeException 处理异常
	MessageTypeException
	// MessageTypeCancel 取消
	MessageTypeCancel
)

// String 返回类型名
func (t MessageType) String() string {
	switch t {
	case MessageTypeRequest1:
		return "REQUEST_1"
	case MessageTypeRequest2:
		return "REQUEST_2"
	case MessageTypeRequestFF1:
		return "REQUEST_FF_1"
	case MessageTypeOk:
		return "OK"
	case MessageTypePartiallyOk:
		return "PARTIALLY_OK"
	case MessageTypeNotFound:
		return "NOT_FOUND"
	case MessageTypeDenied:
		return "DENIED"
	case MessageTypeUnknownID:
		return "UNKNOWN_ID"
	case MessageTypeException:
		return "EXCEPTION"
	case MessageTypeCancel:
		return "CANCEL"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

// IsRequest 是否为请求类型
func (t MessageType) IsRequest() bool {
	return t == MessageTypeRequest1 || t == MessageTypeRequest2 || t == MessageTypeRequestFF1
}

// IsFireAndForget 是否无需响应
func (t MessageType) IsFireAndForget() bool {
	return t == MessageTypeRequestFF1
}

// ============================================================================
//                              Command - 命令
// ============================================================================

// Command 消息命令字，由上层协议定义；本层只识别 Ping
type Command uint8

const (
	// CommandPing 存活探测
	CommandPing Command = 0
)

// ============================================================================
//                              Message - 消息
// ============================================================================

// Message 经管道编解码的协议消息
//
// 本层只关心路由所需的头部字段，Payload 对本层不透明。
type Message struct {
	ID        uint32
	Version   uint32
	Type      MessageType
	Command   Command
	Sender    PeerAddress
	Recipient PeerAddress
	KeepAlive bool
	Payload   []byte

	// UDP 标记消息经由 UDP 收发（不参与编码）
	UDP bool
}

// NewRequest 创建带随机 ID 的请求消息
func NewRequest(version uint32, cmd Command, sender, recipient PeerAddress) *Message {
	return &Message{
		ID:        rand.Uint32(),
		Version:   version,
		Type:      MessageTypeRequest1,
		Command:   cmd,
		Sender:    sender,
		Recipient: recipient,
	}
}

// NewResponse 基于请求创建响应：保留 ID、版本与命令，交换收发方
func NewResponse(req *Message, t MessageType, self PeerAddress) *Message {
	return &Message{
		ID:        req.ID,
		Version:   req.Version,
		Type:      t,
		Command:   req.Command,
		Sender:    self,
		Recipient: req.Sender,
		KeepAlive: req.KeepAlive,
		UDP:       req.UDP,
	}
}

// IsResponseTo 判断是否为指定请求的响应
func (m *Message) IsResponseTo(req *Message) bool {
	return m != nil && req != nil && !m.Type.IsRequest() &&
		m.ID == req.ID && m.Command == req.Command
}

// String 返回消息摘要
func (m *Message) String() string {
	if m == nil {
		return "msg[nil]"
	}
	return fmt.Sprintf("msg[id=%d,cmd=%d,type=%s,%s->%s,udp=%t]",
		m.ID, m.Command, m.Type, m.Sender.PeerID.ShortString(), m.Recipient.PeerID.ShortString(), m.UDP)
}
