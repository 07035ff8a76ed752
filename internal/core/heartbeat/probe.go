package heartbeat

import (
	"github.com/dep2p/go-overlay/pkg/interfaces"
	"github.com/dep2p/go-overlay/pkg/types"
)

// PingFactory 以 fire-and-forget ping 作为心跳探测
type PingFactory struct {
	networkID uint32
	self      func() types.PeerAddress
}

var _ interfaces.ProbeFactory = (*PingFactory)(nil)

// NewPingFactory 创建探测工厂；self 返回本端当前地址
func NewPingFactory(networkID uint32, self func() types.PeerAddress) *PingFactory {
	return &PingFactory{networkID: networkID, self: self}
}

// Create 实现 interfaces.ProbeFactory
func (f *PingFactory) Create(remote types.PeerAddress) (*types.Message, error) {
	m := types.NewRequest(f.networkID, types.CommandPing, f.self(), remote)
	m.Type = types.MessageTypeRequestFF1
	m.KeepAlive = true
	return m, nil
}
