// Package consensus implements the coordinator-side failover vote
// accumulation, quorum computation and proposal expiry described in spec
// §4.6.
package consensus

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/pgwatchdog/watchdog/internal/wire"
)

// ProposalTTL is the fixed failover-proposal expiry from spec §4.6/§5.
const ProposalTTL = 15 * time.Second

// Outcome is the result of Engine.Evaluate.
type Outcome int

const (
	Proceed Outcome = iota
	BuildingConsensus
	NoQuorum
)

func (o Outcome) String() string {
	switch o {
	case Proceed:
		return "proceed"
	case BuildingConsensus:
		return "building-consensus"
	case NoQuorum:
		return "no-quorum"
	default:
		return "unknown"
	}
}

// Proposal is a pending failover decision, identified by (kind,
// multiset(node_ids)).
type Proposal struct {
	Key         uint64
	Kind        wire.FailoverKind
	NodeIDs     []int
	Flags       wire.FailoverFlag
	Requestors  map[int]bool
	RequestCount int
	StartedAt   time.Time
}

// Key computes the stable identity of a (kind, node_ids) pair using
// xxhash over the sorted id list, so map lookups don't depend on request
// order.
func Key(kind wire.FailoverKind, nodeIDs []int) uint64 {
	ids := append([]int(nil), nodeIDs...)
	sort.Ints(ids)
	var sb strings.Builder
	sb.WriteByte(byte(kind))
	for _, id := range ids {
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(id))
	}
	return xxhash.Sum64String(sb.String())
}

// Config holds the operator-tunable consensus policy from spec §4.6.
type Config struct {
	RequireQuorum                         bool
	RequireConsensus                      bool
	EnableConsensusWithHalfVotes          bool
	AllowMultipleFailoverRequestsFromNode bool
}

// Engine owns the coordinator's proposal table and quorum state. Every node
// constructs one, but only the node currently Coordinator feeds votes into
// it; on other nodes it stays idle.
type Engine struct {
	cfg Config

	proposals map[uint64]*Proposal
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg, proposals: make(map[uint64]*Proposal)}
}

// MinVotes computes min_votes for a cluster of n total nodes (local plus
// remote), per the formula in spec §4.6.
func MinVotes(n int, enableConsensusWithHalfVotes bool) int {
	remote := n - 1
	var minRemoteForQuorum int
	if remote%2 == 0 {
		minRemoteForQuorum = remote / 2
	} else {
		minRemoteForQuorum = (remote - 1) / 2
	}
	minVotes := minRemoteForQuorum + 1
	if n%2 == 0 && !enableConsensusWithHalfVotes {
		minVotes++
	}
	return minVotes
}

// minRemoteForQuorum mirrors get_mimimum_remote_nodes_required_for_quorum:
// an even remote count (odd total) needs exactly half; an odd remote count
// (even total) needs one less than half, since the local node's own vote
// covers the last seat.
func minRemoteForQuorum(remote int) int {
	if remote%2 == 0 {
		return remote / 2
	}
	return (remote - 1) / 2
}

// QuorumStatus computes the quorum status for a cluster of n total nodes
// given aliveRemote other active nodes, per the GLOSSARY definition and
// update_quorum_status(): +1 quorum exists, 0 on the edge (even total, exact
// 50/50 split, only when enableHalfVotes is set), -1 lost.
func QuorumStatus(n, aliveRemote int, enableHalfVotes bool) int {
	remote := n - 1
	min := minRemoteForQuorum(remote)
	switch {
	case aliveRemote > min:
		return 1
	case aliveRemote == min:
		if remote%2 != 0 {
			if enableHalfVotes {
				return 0
			}
			return -1
		}
		return 1
	default:
		return -1
	}
}

// upsert returns the existing proposal for (kind, nodeIDs) or creates one.
func (e *Engine) upsert(kind wire.FailoverKind, nodeIDs []int, flags wire.FailoverFlag) *Proposal {
	key := Key(kind, nodeIDs)
	p, ok := e.proposals[key]
	if !ok {
		p = &Proposal{
			Key:        key,
			Kind:       kind,
			NodeIDs:    append([]int(nil), nodeIDs...),
			Flags:      flags,
			Requestors: make(map[int]bool),
			StartedAt:  time.Now(),
		}
		e.proposals[key] = p
	}
	return p
}

// Evaluate runs the §4.6 pseudocode for one failover request from
// requestor, returning the outcome and (if Proceed) the proposal's
// originally-submitted flags.
func (e *Engine) Evaluate(kind wire.FailoverKind, nodeIDs []int, flags wire.FailoverFlag, requestor int, quorumStatus int, minVotes int) (Outcome, wire.FailoverFlag) {
	if !e.cfg.RequireQuorum {
		return Proceed, flags
	}
	if flags.Has(wire.FlagConfirmed) {
		return Proceed, flags
	}
	if quorumStatus < 0 {
		return NoQuorum, flags
	}
	if !e.cfg.RequireConsensus {
		return Proceed, flags
	}

	p := e.upsert(kind, nodeIDs, flags)
	if !p.Requestors[requestor] || e.cfg.AllowMultipleFailoverRequestsFromNode {
		if !p.Requestors[requestor] {
			p.Requestors[requestor] = true
		}
		p.RequestCount++
	}

	if p.RequestCount >= minVotes {
		firstFlags := p.Flags
		delete(e.proposals, p.Key)
		return Proceed, firstFlags
	}
	return BuildingConsensus, flags
}

// Expire removes every proposal older than ProposalTTL, invoking onExpire
// for each so the caller can run the spec §4.6 stale-proposal resignation
// check.
func (e *Engine) Expire(now time.Time, onExpire func(*Proposal)) {
	for key, p := range e.proposals {
		if now.Sub(p.StartedAt) >= ProposalTTL {
			delete(e.proposals, key)
			if onExpire != nil {
				onExpire(p)
			}
		}
	}
}

// Clear drops every pending proposal, used when the local node leaves the
// Coordinator state (spec §5: "leaving Coordinator clears the proposal
// list").
func (e *Engine) Clear() {
	e.proposals = make(map[uint64]*Proposal)
}

// Proposals returns a snapshot of pending proposals, for IPC/debug surfaces.
func (e *Engine) Proposals() []Proposal {
	out := make([]Proposal, 0, len(e.proposals))
	for _, p := range e.proposals {
		out = append(out, *p)
	}
	return out
}
