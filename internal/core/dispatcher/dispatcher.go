// Package dispatcher 把入站请求路由到目标节点登记的处理器
//
// 处理器表按 接收方 -> 代理方 -> 命令 三级组织。主节点与从节点共享一个
// Dispatcher，请求按 Recipient.PeerID 找到对应节点的处理器。
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/pkg/interfaces"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("core/dispatcher")

type commandTable map[types.Command]interfaces.Handler

// Dispatcher 消息分发器
type Dispatcher struct {
	networkID uint32
	metrics   *metrics.Metrics

	mu       sync.RWMutex
	handlers map[types.PeerID]map[types.PeerID]commandTable
}

var _ interfaces.Dispatcher = (*Dispatcher)(nil)

// New 创建分发器；version 字段与 networkID 不同的消息被丢弃
func New(networkID uint32, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		networkID: networkID,
		metrics:   m,
		handlers:  make(map[types.PeerID]map[types.PeerID]commandTable),
	}
}

// NetworkID 返回网络标识
func (d *Dispatcher) NetworkID() uint32 {
	return d.networkID
}

// RegisterHandlers 为 peerID 登记处理 cmds 的处理器，同名命令被覆盖
func (d *Dispatcher) RegisterHandlers(peerID, onBehalfOf types.PeerID, h interfaces.Handler, cmds ...types.Command) {
	d.mu.Lock()
	defer d.mu.Unlock()

	byOwner := d.handlers[peerID]
	if byOwner == nil {
		byOwner = make(map[types.PeerID]commandTable)
		d.handlers[peerID] = byOwner
	}
	table := byOwner[onBehalfOf]
	if table == nil {
		table = make(commandTable)
		byOwner[onBehalfOf] = table
	}
	for _, cmd := range cmds {
		table[cmd] = h
	}
	logger.Debug("登记处理器", "peer", peerID.ShortString(), "onBehalfOf", onBehalfOf.ShortString(), "cmds", len(cmds))
}

// RemoveHandlers 移除 peerID 代表 onBehalfOf 登记的全部处理器
func (d *Dispatcher) RemoveHandlers(peerID, onBehalfOf types.PeerID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	byOwner := d.handlers[peerID]
	if byOwner == nil {
		return
	}
	delete(byOwner, onBehalfOf)
	if len(byOwner) == 0 {
		delete(d.handlers, peerID)
	}
}

// HasHandlers 检查 peerID 是否还有登记的处理器
func (d *Dispatcher) HasHandlers(peerID types.PeerID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[peerID]) > 0
}

// lookup 查找处理器，优先使用节点自己登记的
func (d *Dispatcher) lookup(recipient types.PeerID, cmd types.Command) (interfaces.Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	byOwner := d.handlers[recipient]
	if len(byOwner) == 0 {
		return nil, false
	}
	if h, ok := byOwner[recipient][cmd]; ok {
		return h, true
	}
	for _, table := range byOwner {
		if h, ok := table[cmd]; ok {
			return h, true
		}
	}
	return nil, true
}

// Dispatch 分发请求，返回要回复的响应
//
// 返回 nil 表示不回复：消息属于其他网络、不是请求或是 fire-and-forget 请求。
func (d *Dispatcher) Dispatch(ctx context.Context, req *types.Message) *types.Message {
	if req == nil {
		return nil
	}
	if req.Version != d.networkID {
		logger.Debug("丢弃其他网络的消息", "version", req.Version, "networkID", d.networkID)
		return nil
	}
	if !req.Type.IsRequest() {
		return nil
	}

	h, known := d.lookup(req.Recipient.PeerID, req.Command)
	var resp *types.Message
	switch {
	case !known:
		logger.Debug("未知的接收方", "recipient", req.Recipient.PeerID.ShortString())
		resp = types.NewResponse(req, types.MessageTypeUnknownID, req.Recipient)
	case h == nil:
		logger.Debug("没有命令处理器", "recipient", req.Recipient.PeerID.ShortString(), "cmd", req.Command)
		resp = types.NewResponse(req, types.MessageTypeUnknownID, req.Recipient)
	default:
		var err error
		resp, err = invoke(ctx, h, req)
		if err != nil {
			logger.Debug("处理器失败", "msg", req.String(), "err", err)
			resp = types.NewResponse(req, types.MessageTypeException, req.Recipient)
			resp.Payload = []byte(err.Error())
		} else if resp == nil {
			resp = types.NewResponse(req, types.MessageTypeOk, req.Recipient)
		}
	}

	if req.Type.IsFireAndForget() {
		return nil
	}
	d.metrics.Dispatched(resp.Type)
	return resp
}

func invoke(ctx context.Context, h interfaces.Handler, req *types.Message) (resp *types.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, req)
}

// ============================================================================
//                              Ping
// ============================================================================

// NewPingHandler 返回应答 ping 的处理器；self 返回本节点当前地址
func NewPingHandler(self func() types.PeerAddress) interfaces.Handler {
	return func(_ context.Context, req *types.Message) (*types.Message, error) {
		return types.NewResponse(req, types.MessageTypeOk, self()), nil
	}
}
