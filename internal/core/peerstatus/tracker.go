// Package peerstatus 记录远端节点的在线与离线状态
//
// Tracker 实现 PeerStatusListener。成功交互把节点记为在线，失败把节点移入离线缓存；
// 两类记录都存放在带过期时间的分段缓存中，过期后回到未知状态。
package peerstatus

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/pkg/interfaces"
	"github.com/dep2p/go-overlay/pkg/lib/cachemap"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("core/peerstatus")

// Record 一条状态记录
type Record struct {
	Address  types.PeerAddress
	Referrer types.PeerAddress
	Reason   types.FailReason
	Since    time.Time
}

// Tracker 节点状态跟踪器
type Tracker struct {
	clock   clock.Clock
	metrics *metrics.Metrics

	online  *cachemap.Map[types.PeerID, *Record]
	offline *cachemap.Map[types.PeerID, *Record]
}

var _ interfaces.PeerStatusListener = (*Tracker)(nil)

// Option 跟踪器选项
type Option func(*Tracker)

// WithClock 设置时钟
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// New 创建跟踪器
func New(cfg config.PeerStatusConfig, opts ...Option) (*Tracker, error) {
	t := &Tracker{clock: clock.New()}
	for _, opt := range opts {
		opt(t)
	}

	common := []cachemap.Option{
		cachemap.WithMaxEntries(cfg.MaxEntries),
		cachemap.WithSegments(cfg.Segments),
		cachemap.WithClock(t.clock),
	}

	var err error
	t.online, err = cachemap.New[types.PeerID, *Record](
		append(common, cachemap.WithTTL(cfg.OnlineTTL.Duration()))...)
	if err != nil {
		return nil, err
	}
	t.offline, err = cachemap.New[types.PeerID, *Record](
		append(common, cachemap.WithTTL(cfg.OfflineTTL.Duration()))...)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// PeerFound 实现 interfaces.PeerStatusListener
func (t *Tracker) PeerFound(remote, referrer types.PeerAddress) {
	if remote.PeerID.IsEmpty() {
		return
	}
	t.offline.Remove(remote.PeerID)
	_, _, _ = t.online.Put(remote.PeerID, &Record{
		Address:  remote,
		Referrer: referrer,
		Since:    t.clock.Now(),
	})
	t.report()
}

// PeerFailed 实现 interfaces.PeerStatusListener
//
// 主动关闭的节点只从在线记录移除，不进入离线缓存。
func (t *Tracker) PeerFailed(remote types.PeerAddress, reason types.FailReason) {
	if remote.PeerID.IsEmpty() {
		return
	}
	t.online.Remove(remote.PeerID)
	if reason != types.FailReasonShutdown {
		_, _, _ = t.offline.Put(remote.PeerID, &Record{
			Address: remote,
			Reason:  reason,
			Since:   t.clock.Now(),
		})
	}
	logger.Debug("节点交互失败", "peer", remote.PeerID.ShortString(), "reason", reason.String())
	t.report()
}

// Status 返回节点当前状态
func (t *Tracker) Status(id types.PeerID) types.PeerStatus {
	if t.online.ContainsKey(id) {
		return types.PeerStatusOnline
	}
	if t.offline.ContainsKey(id) {
		return types.PeerStatusOffline
	}
	return types.PeerStatusUnknown
}

// Offline 返回节点的离线记录
func (t *Tracker) Offline(id types.PeerID) (*Record, bool) {
	return t.offline.Get(id)
}

// Online 返回全部在线节点地址
func (t *Tracker) Online() []types.PeerAddress {
	recs := t.online.Values()
	out := make([]types.PeerAddress, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Address)
	}
	return out
}

// Counts 返回在线与离线记录数
func (t *Tracker) Counts() (online, offline int) {
	return t.online.Size(), t.offline.Size()
}

func (t *Tracker) report() {
	if t.metrics == nil {
		return
	}
	t.metrics.SetPeers(t.Counts())
}
