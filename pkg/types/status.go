package types

// PeerStatus 节点状态
type PeerStatus int

const (
	// PeerStatusUnknown 未知状态 - 从未交互过
	PeerStatusUnknown PeerStatus = iota
	// PeerStatusOnline 在线 - 最近一次交互成功
	PeerStatusOnline
	// PeerStatusOffline 离线 - 交互失败或心跳超时
	PeerStatusOffline
)

// String 返回节点状态的字符串表示
func (s PeerStatus) String() string {
	switch s {
	case PeerStatusUnknown:
		return "unknown"
	case PeerStatusOnline:
		return "online"
	case PeerStatusOffline:
		return "offline"
	default:
		return "invalid"
	}
}

// FailReason 节点失败原因
type FailReason int

const (
	// FailReasonTimeout 请求或心跳超时
	FailReasonTimeout FailReason = iota
	// FailReasonProbablyOffline 连接被拒绝等，节点可能离线
	FailReasonProbablyOffline
	// FailReasonShutdown 节点主动关闭
	FailReasonShutdown
	// FailReasonException 处理过程出现异常
	FailReasonException
)

// String 返回原因描述
func (r FailReason) String() string {
	switch r {
	case FailReasonTimeout:
		return "timeout"
	case FailReasonProbablyOffline:
		return "probably_offline"
	case FailReasonShutdown:
		return "shutdown"
	case FailReasonException:
		return "exception"
	default:
		return "unknown"
	}
}
