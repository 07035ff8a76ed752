package bootstrap

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dep2p/go-overlay/pkg/interfaces"
	"github.com/dep2p/go-overlay/pkg/types"
)

// Registry 共享同一个 ConnectionBean 的节点表
//
// 父子关系以父节点 ID 字段保存，子节点列表按需计算。
type Registry struct {
	mu    sync.RWMutex
	peers map[types.PeerID]*registryEntry
}

type registryEntry struct {
	peer   *PeerCreator
	parent types.PeerID
	depth  int
}

// NewRegistry 创建节点表
func NewRegistry() *Registry {
	return &Registry{peers: make(map[types.PeerID]*registryEntry)}
}

// add 登记节点；parent 为空表示主节点
func (r *Registry) add(p *PeerCreator, parent types.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := p.ID()
	if _, ok := r.peers[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePeer, id.ShortString())
	}
	depth := 0
	if !parent.IsEmpty() {
		pe, ok := r.peers[parent]
		if !ok {
			return fmt.Errorf("%w: parent %s not registered", ErrShutdown, parent.ShortString())
		}
		depth = pe.depth + 1
	}
	r.peers[id] = &registryEntry{peer: p, parent: parent, depth: depth}
	return nil
}

func (r *Registry) remove(id types.PeerID) {
	r.mu.Lock()
	delete(r.peers, id)
	r.mu.Unlock()
}

// Get 按 ID 查找节点
func (r *Registry) Get(id types.PeerID) (*PeerCreator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.peers[id]
	if !ok {
		return nil, false
	}
	return e.peer, true
}

// Parent 返回父节点 ID；主节点返回 false
func (r *Registry) Parent(id types.PeerID) (types.PeerID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.peers[id]
	if !ok || e.parent.IsEmpty() {
		return types.EmptyPeerID, false
	}
	return e.parent, true
}

// Children 返回直接子节点 ID
func (r *Registry) Children(id types.PeerID) []types.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.PeerID
	for cid, e := range r.peers {
		if e.parent == id {
			out = append(out, cid)
		}
	}
	sortIDs(out)
	return out
}

// Descendants 返回全部后代，最深的在前
func (r *Registry) Descendants(id types.PeerID) []*PeerCreator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found []*registryEntry
	frontier := []types.PeerID{id}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		for cid, e := range r.peers {
			if e.parent == cur {
				found = append(found, e)
				frontier = append(frontier, cid)
			}
		}
	}
	sort.SliceStable(found, func(i, j int) bool {
		if found[i].depth != found[j].depth {
			return found[i].depth > found[j].depth
		}
		return found[i].peer.ID().Compare(found[j].peer.ID()) < 0
	})

	out := make([]*PeerCreator, len(found))
	for i, e := range found {
		out[i] = e.peer
	}
	return out
}

// Len 返回登记的节点数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// listeners 返回节点登记的状态监听器；供发送器通知使用
func (r *Registry) listeners(id types.PeerID) []interfaces.PeerStatusListener {
	p, ok := r.Get(id)
	if !ok {
		return nil
	}
	return p.PeerBean().Listeners()
}

func sortIDs(ids []types.PeerID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
}
