package types

import "net/netip"

// ============================================================================
//                              Bindings - 绑定偏好
// ============================================================================

// Bindings 出站地址发现与监听绑定的偏好
type Bindings struct {
	// Interfaces 只考虑这些网卡；为空表示全部
	Interfaces []string

	// IPv4 / IPv6 允许的地址族；都为 false 时视为都允许
	IPv4 bool
	IPv6 bool

	// AllowLoopback 允许使用回环地址（本地测试）
	AllowLoopback bool

	// ListenAny 监听通配地址而不是发现的地址
	ListenAny bool

	// ExternalAddress 手动指定的外部地址，设置后跳过发现
	ExternalAddress netip.Addr
}

// Allows 判断地址是否符合地址族与回环偏好
func (b Bindings) Allows(addr netip.Addr) bool {
	if !addr.IsValid() || addr.IsUnspecified() {
		return false
	}
	if addr.IsLoopback() && !b.AllowLoopback {
		return false
	}
	if !b.IPv4 && !b.IPv6 {
		return true
	}
	if addr.Unmap().Is4() {
		return b.IPv4
	}
	return b.IPv6
}

// AllowsInterface 判断网卡名是否在允许列表中
func (b Bindings) AllowsInterface(name string) bool {
	if len(b.Interfaces) == 0 {
		return true
	}
	for _, n := range b.Interfaces {
		if n == name {
			return true
		}
	}
	return false
}

// DiscoverResult 出站地址发现结果
type DiscoverResult struct {
	// Status 人类可读的发现过程描述
	Status string

	// Address 找到的地址
	Address netip.Addr

	// Found 是否找到可用地址
	Found bool
}
