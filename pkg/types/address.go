package types

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// ============================================================================
//                              PeerSocketAddress - 套接字地址
// ============================================================================

// PeerSocketAddress 节点的 IP 及 TCP/UDP 端口
type PeerSocketAddress struct {
	IP      netip.Addr
	TCPPort uint16
	UDPPort uint16
}

// NewPeerSocketAddress 创建 PeerSocketAddress
func NewPeerSocketAddress(ip netip.Addr, tcpPort, udpPort uint16) PeerSocketAddress {
	return PeerSocketAddress{IP: ip.Unmap(), TCPPort: tcpPort, UDPPort: udpPort}
}

// TCPAddr 返回 TCP 拨号地址
func (a PeerSocketAddress) TCPAddr() *net.TCPAddr {
	return net.TCPAddrFromAddrPort(netip.AddrPortFrom(a.IP, a.TCPPort))
}

// UDPAddr 返回 UDP 目标地址
func (a PeerSocketAddress) UDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(netip.AddrPortFrom(a.IP, a.UDPPort))
}

// IsValid 检查地址是否已设置
func (a PeerSocketAddress) IsValid() bool {
	return a.IP.IsValid()
}

// String 返回 ip:tcp/udp 形式
func (a PeerSocketAddress) String() string {
	return fmt.Sprintf("%s:t%d/u%d", a.IP, a.TCPPort, a.UDPPort)
}

// ============================================================================
//                              PeerAddress - 节点地址
// ============================================================================

// PeerAddress 对其他节点可见的完整地址
//
// PeerAddress 是不可变值类型，修改操作（ChangePeerID 等）返回新值。
type PeerAddress struct {
	PeerID PeerID
	Socket PeerSocketAddress

	// FirewalledTCP / FirewalledUDP 节点位于防火墙之后，对应端口不可直接入站
	FirewalledTCP bool
	FirewalledUDP bool

	// Relayed 节点通过中继可达
	Relayed bool

	// Relays 中继节点地址
	Relays []PeerSocketAddress
}

// NewPeerAddress 创建 PeerAddress
func NewPeerAddress(id PeerID, socket PeerSocketAddress) PeerAddress {
	return PeerAddress{PeerID: id, Socket: socket}
}

// ChangePeerID 返回替换了 PeerID 的新地址，其余字段保持不变
func (a PeerAddress) ChangePeerID(id PeerID) PeerAddress {
	out := a
	out.PeerID = id
	if len(a.Relays) > 0 {
		out.Relays = append([]PeerSocketAddress(nil), a.Relays...)
	}
	return out
}

// ChangeSocket 返回替换了套接字地址的新地址
func (a PeerAddress) ChangeSocket(socket PeerSocketAddress) PeerAddress {
	out := a.ChangePeerID(a.PeerID)
	out.Socket = socket
	return out
}

// ChangeFirewalled 返回替换了防火墙标记的新地址
func (a PeerAddress) ChangeFirewalled(tcp, udp bool) PeerAddress {
	out := a.ChangePeerID(a.PeerID)
	out.FirewalledTCP = tcp
	out.FirewalledUDP = udp
	return out
}

// Equal 比较两个地址（包括中继列表）
func (a PeerAddress) Equal(o PeerAddress) bool {
	if a.PeerID != o.PeerID || a.Socket != o.Socket ||
		a.FirewalledTCP != o.FirewalledTCP || a.FirewalledUDP != o.FirewalledUDP ||
		a.Relayed != o.Relayed || len(a.Relays) != len(o.Relays) {
		return false
	}
	for i := range a.Relays {
		if a.Relays[i] != o.Relays[i] {
			return false
		}
	}
	return true
}

// IsEmpty 检查地址是否未设置
func (a PeerAddress) IsEmpty() bool {
	return a.PeerID.IsEmpty() && !a.Socket.IsValid()
}

// String 返回地址的字符串表示
func (a PeerAddress) String() string {
	var sb strings.Builder
	sb.WriteString("paddr[")
	sb.WriteString(a.PeerID.ShortString())
	sb.WriteString("@")
	sb.WriteString(a.Socket.String())
	if a.FirewalledTCP || a.FirewalledUDP {
		fmt.Fprintf(&sb, ",fw(t=%t,u=%t)", a.FirewalledTCP, a.FirewalledUDP)
	}
	if a.Relayed {
		fmt.Fprintf(&sb, ",relays=%d", len(a.Relays))
	}
	sb.WriteString("]")
	return sb.String()
}
