// Package netaddr 发现本机出站地址
//
// Discoverer 先询问默认路由所在的网卡（jackpal/gateway），
// 再按绑定偏好遍历本机网卡，选出第一个可用地址。
package netaddr

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/jackpal/gateway"

	"github.com/dep2p/go-overlay/pkg/interfaces"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("core/netaddr")

// Interface 一块网卡的快照
type Interface struct {
	Name  string
	Up    bool
	Addrs []netip.Addr
}

// Discoverer 出站地址发现
type Discoverer struct {
	interfaces func() ([]Interface, error)
	defaultIP  func() (netip.Addr, error)
}

var _ interfaces.InterfaceDiscoverer = (*Discoverer)(nil)

// Option 发现器选项
type Option func(*Discoverer)

// WithInterfaces 替换网卡枚举
func WithInterfaces(fn func() ([]Interface, error)) Option {
	return func(d *Discoverer) { d.interfaces = fn }
}

// WithDefaultRoute 替换默认路由查询；fn 为 nil 时不查询默认路由
func WithDefaultRoute(fn func() (netip.Addr, error)) Option {
	return func(d *Discoverer) { d.defaultIP = fn }
}

// NewDiscoverer 创建出站地址发现器
func NewDiscoverer(opts ...Option) *Discoverer {
	d := &Discoverer{
		interfaces: SystemInterfaces,
		defaultIP:  DefaultRouteAddr,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Discover 实现 interfaces.InterfaceDiscoverer
func (d *Discoverer) Discover(ctx context.Context, b types.Bindings) (types.DiscoverResult, error) {
	if b.ExternalAddress.IsValid() {
		return types.DiscoverResult{
			Status:  "using configured external address",
			Address: b.ExternalAddress,
			Found:   true,
		}, nil
	}
	if err := ctx.Err(); err != nil {
		return types.DiscoverResult{}, err
	}

	ifaces, err := d.interfaces()
	if err != nil {
		return types.DiscoverResult{}, fmt.Errorf("%w: list interfaces: %v", types.ErrIO, err)
	}

	// 默认路由所在的地址优先
	if d.defaultIP != nil {
		if ip, err := d.defaultIP(); err == nil {
			if name, ok := owner(ifaces, ip); ok && b.AllowsInterface(name) && b.Allows(ip) {
				logger.Debug("使用默认路由地址", "iface", name, "addr", ip)
				return types.DiscoverResult{
					Status:  fmt.Sprintf("default route via %s", name),
					Address: ip,
					Found:   true,
				}, nil
			}
		} else {
			logger.Debug("查询默认路由失败", "err", err)
		}
	}

	var fallback netip.Addr
	var fallbackIface string
	for _, iface := range ifaces {
		if !iface.Up || !b.AllowsInterface(iface.Name) {
			continue
		}
		for _, addr := range iface.Addrs {
			if !b.Allows(addr) || addr.IsLinkLocalUnicast() {
				continue
			}
			if addr.IsGlobalUnicast() && !addr.IsPrivate() {
				return types.DiscoverResult{
					Status:  fmt.Sprintf("public address on %s", iface.Name),
					Address: addr,
					Found:   true,
				}, nil
			}
			if !fallback.IsValid() {
				fallback, fallbackIface = addr, iface.Name
			}
		}
	}
	if fallback.IsValid() {
		return types.DiscoverResult{
			Status:  fmt.Sprintf("address on %s", fallbackIface),
			Address: fallback,
			Found:   true,
		}, nil
	}

	return types.DiscoverResult{
		Status: fmt.Sprintf("no usable address among %d interfaces", len(ifaces)),
	}, nil
}

func owner(ifaces []Interface, ip netip.Addr) (string, bool) {
	for _, iface := range ifaces {
		if !iface.Up {
			continue
		}
		for _, a := range iface.Addrs {
			if a == ip {
				return iface.Name, true
			}
		}
	}
	return "", false
}

// ============================================================================
//                              系统实现
// ============================================================================

// SystemInterfaces 枚举本机网卡
func SystemInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	out := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		snap := Interface{Name: iface.Name, Up: iface.Flags&net.FlagUp != 0}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ip, ok := netip.AddrFromSlice(ipNet.IP); ok {
				snap.Addrs = append(snap.Addrs, ip.Unmap())
			}
		}
		out = append(out, snap)
	}
	return out, nil
}

// DefaultRouteAddr 返回默认路由所在网卡的本机地址
func DefaultRouteAddr() (netip.Addr, error) {
	ip, err := gateway.DiscoverInterface()
	if err != nil {
		return netip.Addr{}, err
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, fmt.Errorf("invalid interface address %v", ip)
	}
	return addr.Unmap(), nil
}

// ============================================================================
//                              Static
// ============================================================================

// Static 总是返回固定地址的发现器
type Static netip.Addr

var _ interfaces.InterfaceDiscoverer = Static{}

// Discover 实现 interfaces.InterfaceDiscoverer
func (s Static) Discover(_ context.Context, b types.Bindings) (types.DiscoverResult, error) {
	addr := netip.Addr(s)
	if b.ExternalAddress.IsValid() {
		addr = b.ExternalAddress
	}
	if !addr.IsValid() {
		return types.DiscoverResult{Status: "no static address"}, nil
	}
	return types.DiscoverResult{Status: "static address", Address: addr, Found: true}, nil
}
