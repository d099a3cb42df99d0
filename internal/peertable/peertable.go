// Package peertable holds the cluster-wide view of nodes: the local node
// plus every configured remote peer, keyed by stable 1-based id (spec §3,
// §4.3).
package peertable

import (
	"sort"
	"sync"
	"time"

	"github.com/pgwatchdog/watchdog/internal/wdnode"
)

// ReplyTimeout is the fixed peer reply timeout from §4.3/§5.
const ReplyTimeout = 5 * time.Second

// Table is the peer table: the local node plus the remote nodes, addressed
// by stable id. All mutation happens from the main loop goroutine; reads
// from elsewhere (IPC, metrics) go through the table's own locking.
type Table struct {
	mu    sync.RWMutex
	local *wdnode.Node
	peers map[int]*wdnode.Node
	order []int // insertion order, for deterministic iteration
}

func New(local *wdnode.Node) *Table {
	return &Table{
		local: local,
		peers: make(map[int]*wdnode.Node),
	}
}

func (t *Table) Local() *wdnode.Node {
	return t.local
}

// Add inserts a peer discovered from configuration, in the Dead state,
// per the lifecycle in spec §3.
func (t *Table) Add(n *wdnode.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[n.ID]; !ok {
		t.order = append(t.order, n.ID)
	}
	t.peers[n.ID] = n
}

func (t *Table) Get(id int) *wdnode.Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.peers[id]
}

// Peers returns every remote node in stable insertion order.
func (t *Table) Peers() []*wdnode.Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*wdnode.Node, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.peers[id])
	}
	return out
}

// All returns the local node followed by every peer, sorted by id; used for
// IPC's GetNodesList.
func (t *Table) All() []*wdnode.Node {
	peers := t.Peers()
	out := make([]*wdnode.Node, 0, len(peers)+1)
	out = append(out, t.local)
	out = append(out, peers...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Active returns remote peers whose State is not in {Dead, Lost, Shutdown}.
func (t *Table) Active() []*wdnode.Node {
	var out []*wdnode.Node
	for _, p := range t.Peers() {
		if p.Active() {
			out = append(out, p)
		}
	}
	return out
}

// Reachable returns remote peers with at least one live connection.
func (t *Table) Reachable() []*wdnode.Node {
	var out []*wdnode.Node
	for _, p := range t.Peers() {
		if p.Reachable() {
			out = append(out, p)
		}
	}
	return out
}

// ActiveReachable returns peers that are both Active and Reachable: the set
// a Command is sent to.
func (t *Table) ActiveReachable() []*wdnode.Node {
	var out []*wdnode.Node
	for _, p := range t.Peers() {
		if p.Active() && p.Reachable() {
			out = append(out, p)
		}
	}
	return out
}

// CoordinatorPeers returns every peer currently believed to be Coordinator;
// normally at most one, but transiently two during split-brain (spec §3).
func (t *Table) CoordinatorPeers() []*wdnode.Node {
	var out []*wdnode.Node
	for _, p := range t.Peers() {
		if p.State() == wdnode.Coordinator {
			out = append(out, p)
		}
	}
	if t.local.State() == wdnode.Coordinator {
		out = append(out, t.local)
	}
	return out
}

// RemoteCount counts every configured remote peer, whatever its state,
// excluding the local node: the "remote" count used for quorum and
// min_votes computation in spec §4.6.
func (t *Table) RemoteCount() int {
	return len(t.order)
}

// ServiceLoop applies the §4.3 reachability bookkeeping once per tick:
// a peer with an outstanding send and no reply within ReplyTimeout is
// marked Lost, and OnLost is invoked so the caller can fire
// RemoteNodeLost. OnLost runs before the state is set, so it still sees
// the peer's previous state.
func (t *Table) ServiceLoop(now time.Time, onLost func(*wdnode.Node)) {
	for _, p := range t.Peers() {
		if p.State() == wdnode.Shutdown {
			continue
		}
		last := p.LastSent()
		if !last.IsZero() && now.Sub(last) > ReplyTimeout && p.State() != wdnode.Lost {
			onLost(p)
			p.SetState(wdnode.Lost)
		}
	}
}
