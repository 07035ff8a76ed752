package main

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/dep2p/go-overlay/pkg/types"
)

// parseTarget 解析 <peerID>@<ip>:<tcp>:<udp>
//
// IPv6 地址写成 [addr]:<tcp>:<udp>。
func parseTarget(s string) (types.PeerAddress, error) {
	idPart, rest, ok := strings.Cut(s, "@")
	if !ok {
		return types.PeerAddress{}, fmt.Errorf("invalid target %q: missing @", s)
	}
	id, err := types.ParsePeerID(idPart)
	if err != nil {
		return types.PeerAddress{}, fmt.Errorf("invalid target peer id: %w", err)
	}

	i := strings.LastIndex(rest, ":")
	if i < 0 {
		return types.PeerAddress{}, fmt.Errorf("invalid target %q: missing udp port", s)
	}
	hostTCP, udpStr := rest[:i], rest[i+1:]
	ap, err := netip.ParseAddrPort(hostTCP)
	if err != nil {
		return types.PeerAddress{}, fmt.Errorf("invalid target address: %w", err)
	}
	udp, err := strconv.ParseUint(udpStr, 10, 16)
	if err != nil {
		return types.PeerAddress{}, fmt.Errorf("invalid target udp port: %w", err)
	}

	socket := types.NewPeerSocketAddress(ap.Addr().Unmap(), ap.Port(), uint16(udp))
	return types.NewPeerAddress(id, socket), nil
}
