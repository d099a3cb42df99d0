// Package wdnode holds the watchdog's per-node data model: the State
// enumeration, the mutable Node record (shared shape for the local node and
// every peer), and the Conn bookkeeping for a single directional TCP link.
package wdnode

import (
	"fmt"
	"sync"
	"time"
)

// State is a node's position in the election/coordination state machine.
type State int

const (
	Dead State = iota
	Loading
	Joining
	Initializing
	Coordinator
	StandingForCoordinator
	ParticipatingInElection
	Standby
	Lost
	InNetworkTrouble
	Shutdown
	AddMessageSent
)

func (s State) String() string {
	switch s {
	case Dead:
		return "dead"
	case Loading:
		return "loading"
	case Joining:
		return "joining"
	case Initializing:
		return "initializing"
	case Coordinator:
		return "coordinator"
	case StandingForCoordinator:
		return "standing-for-coordinator"
	case ParticipatingInElection:
		return "participating-in-election"
	case Standby:
		return "standby"
	case Lost:
		return "lost"
	case InNetworkTrouble:
		return "in-network-trouble"
	case Shutdown:
		return "shutdown"
	case AddMessageSent:
		return "add-message-sent"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ConnState is the lifecycle of one directional TCP connection to a peer.
type ConnState int

const (
	Uninitialized ConnState = iota
	WaitingForConnect
	Connected
	ConnError
	Closed
)

// Conn tracks one of the two sockets (outbound or inbound) a peer owns.
type Conn struct {
	mu            sync.Mutex
	state         ConnState
	peerAddr      string
	establishedAt time.Time
}

func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) SetState(s ConnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
	if s == Connected {
		c.establishedAt = time.Now()
	}
}

func (c *Conn) PeerAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerAddr
}

func (c *Conn) SetPeerAddr(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerAddr = addr
}

func (c *Conn) EstablishedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.establishedAt
}

// Identity is the immutable configuration of a node, local or remote.
type Identity struct {
	ID          int // stable 1-based private id within the cluster table
	Priority    int16
	Host        string
	WDPort      int
	AppPort     int
	Name        string
	StartupTime time.Time
	DelegateIP  string
}

// Node is a single entry in the cluster view: one peer, or the local node
// viewed through the same shape. All mutable fields are guarded by mu so the
// FSM, transport and IPC layers can read/update concurrently; ownership of
// writes is still disciplined to the main loop goroutine per the design.
type Node struct {
	Identity

	mu                sync.RWMutex
	state             State
	lastRecv          time.Time
	lastSent          time.Time
	quorumStatus      int // -2 unknown, -1 lost, 0 on the edge, +1 quorum
	standbyCount      int
	escalated         bool
	currentStateSince time.Time
	priorityLowered   bool
	// beaconComplete tracks whether the last Info/IAmCoordinator beacon
	// received from this peer carried the full tiebreaker field set; a
	// peer on an older wire revision that omits them leaves this false,
	// which forces CompareWorthiness to NeedsElection rather than guess.
	// Always true for a node that has not yet been told otherwise (in
	// particular the local node, which never receives its own beacon).
	beaconComplete bool

	Inbound  *Conn
	Outbound *Conn
}

// New creates a node in the Dead state with unknown quorum, matching the
// lifecycle described for peer discovery: added to the table Dead, promoted
// once AddNode completes.
func New(id Identity) *Node {
	return &Node{
		Identity:          id,
		state:             Dead,
		quorumStatus:      -2,
		currentStateSince: time.Now(),
		beaconComplete:    true,
		Inbound:           &Conn{},
		Outbound:          &Conn{},
	}
}

func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// SetState transitions the node and stamps CurrentStateSince, per the
// invariant that any state transition updates it.
func (n *Node) SetState(s State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == s {
		return
	}
	n.state = s
	n.currentStateSince = time.Now()
}

func (n *Node) CurrentStateSince() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.currentStateSince
}

func (n *Node) LastRecv() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastRecv
}

func (n *Node) TouchRecv() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastRecv = time.Now()
}

func (n *Node) LastSent() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastSent
}

func (n *Node) TouchSent() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastSent = time.Now()
}

func (n *Node) ClearSent() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastSent = time.Time{}
}

func (n *Node) QuorumStatus() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.quorumStatus
}

func (n *Node) SetQuorumStatus(q int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.quorumStatus = q
}

func (n *Node) StandbyCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.standbyCount
}

func (n *Node) SetStandbyCount(c int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.standbyCount = c
}

func (n *Node) Escalated() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.escalated
}

func (n *Node) SetEscalated(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.escalated = v
}

// SetBeaconComplete records whether the most recent beacon from this peer
// carried the full tiebreaker field set.
func (n *Node) SetBeaconComplete(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.beaconComplete = v
}

// LowerPriorityOnce permanently drops the node's election priority to -1 the
// first time it resigns coordinatorship in this process's lifetime. This
// mirrors the original watchdog's g_cluster.localNode->wd_priority = -1
// assignment on resignation: it is a one-shot floor, not a toggle, so a
// second resignation in the same run leaves priority at -1.
func (n *Node) LowerPriorityOnce() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.priorityLowered {
		return
	}
	n.priorityLowered = true
	n.Priority = -1
}

// Reachable reports whether at least one of the two connections is up.
func (n *Node) Reachable() bool {
	return n.Inbound.State() == Connected || n.Outbound.State() == Connected
}

// Active reports whether the node participates in quorum/election math.
func (n *Node) Active() bool {
	switch n.State() {
	case Dead, Lost, Shutdown:
		return false
	default:
		return true
	}
}

// Snapshot is the JSON-serializable view of a Node exchanged in Info/
// IAmCoordinator beacons and surfaced over IPC (GetNodesList).
type Snapshot struct {
	ID                int       `json:"id"`
	Priority          int16     `json:"priority"`
	Host              string    `json:"host"`
	WDPort            int       `json:"wd_port"`
	AppPort           int       `json:"app_port"`
	Name              string    `json:"name"`
	StartupTime       time.Time `json:"startup_time"`
	DelegateIP        string    `json:"delegate_ip,omitempty"`
	State             string    `json:"state"`
	QuorumStatus      int       `json:"quorum_status"`
	StandbyCount      int       `json:"standby_count"`
	Escalated         bool      `json:"escalated"`
	CurrentStateSince time.Time `json:"current_state_since"`
	InboundAddr       string    `json:"inbound_addr,omitempty"`
	OutboundAddr      string    `json:"outbound_addr,omitempty"`
}

func (n *Node) Snapshot() Snapshot {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return Snapshot{
		ID:                n.ID,
		Priority:          n.Priority,
		Host:              n.Host,
		WDPort:            n.WDPort,
		AppPort:           n.AppPort,
		Name:              n.Name,
		StartupTime:       n.StartupTime,
		DelegateIP:        n.DelegateIP,
		State:             n.state.String(),
		QuorumStatus:      n.quorumStatus,
		StandbyCount:      n.standbyCount,
		Escalated:         n.escalated,
		CurrentStateSince: n.currentStateSince,
		InboundAddr:       n.Inbound.PeerAddr(),
		OutboundAddr:      n.Outbound.PeerAddr(),
	}
}

// Beacon is the subset of Snapshot carried in IAmCoordinator/Info messages,
// and is also the input to the split-brain tiebreaker in §4.4.
type Beacon struct {
	Escalated         bool      `json:"escalated"`
	QuorumStatus      int       `json:"quorum_status"`
	StandbyCount      int       `json:"standby_count"`
	CurrentStateSince time.Time `json:"current_state_since"`
	// Complete is false for beacons from peers running an older wire
	// revision that omits the tiebreaker fields (the "older peer lacks
	// beacon fields" case in §4.4), forcing a NeedsElection outcome.
	Complete bool `json:"complete"`
}

func (n *Node) Beacon() Beacon {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return Beacon{
		Escalated:         n.escalated,
		QuorumStatus:      n.quorumStatus,
		StandbyCount:      n.standbyCount,
		CurrentStateSince: n.currentStateSince,
		Complete:          n.beaconComplete,
	}
}

// CompareWorthiness implements the §4.4 split-brain tiebreaker: it returns
// +1 if self is worthier than other, -1 if other is worthier, and 0 if the
// comparison is undecidable (NeedsElection case).
func CompareWorthiness(self, other Beacon) int {
	if !self.Complete || !other.Complete {
		return 0
	}
	if self.Escalated != other.Escalated {
		if self.Escalated {
			return 1
		}
		return -1
	}
	if self.QuorumStatus != other.QuorumStatus {
		if self.QuorumStatus > other.QuorumStatus {
			return 1
		}
		return -1
	}
	if self.StandbyCount != other.StandbyCount {
		if self.StandbyCount > other.StandbyCount {
			return 1
		}
		return -1
	}
	if self.CurrentStateSince.Equal(other.CurrentStateSince) {
		return 0
	}
	if self.CurrentStateSince.Before(other.CurrentStateSince) {
		return 1
	}
	return -1
}

// HigherPriority implements the election tiebreak: higher priority wins,
// ties broken by older startup time.
func HigherPriority(a, b Identity) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.StartupTime.Before(b.StartupTime)
}
