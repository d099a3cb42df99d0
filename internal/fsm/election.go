package fsm

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pgwatchdog/watchdog/internal/command"
	"github.com/pgwatchdog/watchdog/internal/consensus"
	"github.com/pgwatchdog/watchdog/internal/wdnode"
	"github.com/pgwatchdog/watchdog/internal/wire"
)

// enterLoading starts the §4.4 bullet 1 step: broadcast AddNode to every
// connected peer and wait (via Tick) up to LoadingTimeout or until every
// reachable peer has answered.
func (m *Machine) enterLoading() {
	m.phaseEnteredAt = time.Now()
	for _, p := range m.table.ActiveReachable() {
		m.sendAddNode(p.ID)
	}
}

// loadingSettled reports whether every reachable peer has sent something
// back since Loading was entered.
func (m *Machine) loadingSettled(now time.Time) bool {
	for _, p := range m.table.ActiveReachable() {
		if p.LastRecv().Before(m.phaseEnteredAt) {
			return false
		}
	}
	return true
}

// enterJoining clears any cached notion of the master and broadcasts
// RequestInfo with a fixed deadline (§4.4 bullet 2).
func (m *Machine) enterJoining() {
	m.phaseEnteredAt = time.Now()
	m.masterID = 0
	for _, p := range m.table.ActiveReachable() {
		_ = m.send(p.ID, wire.Message{Type: wire.RequestInfo})
	}
}

// enterInitializing makes the immediate branch decision of §4.4 bullet 3.
// Unlike the timed phases this runs synchronously on entry: the peer
// table already holds everything the decision needs by the time Joining's
// RequestInfo deadline has elapsed.
func (m *Machine) enterInitializing() {
	if coords := m.table.CoordinatorPeers(); len(coords) > 0 {
		for _, c := range coords {
			if c.ID != m.local().ID {
				m.masterID = c.ID
				break
			}
		}
		m.setState(wdnode.Standby)
		return
	}
	if len(m.table.Active()) == 0 {
		m.setState(wdnode.Coordinator)
		return
	}
	for _, p := range m.table.Peers() {
		if p.State() == wdnode.StandingForCoordinator {
			m.setState(wdnode.ParticipatingInElection)
			return
		}
	}
	m.setState(wdnode.StandingForCoordinator)
}

// enterStandForCoordinator broadcasts a candidacy and waits for the
// tracker to correlate the Accept/Reject replies (§4.4 bullet 4).
func (m *Machine) enterStandForCoordinator() {
	local := m.local()
	payload, _ := json.Marshal(wire.StandForCoordinatorPayload{
		ID: local.ID, Priority: local.Priority, StartupTime: local.StartupTime,
	})
	targets, reachable := m.targetSet()
	cmdID := m.tracker.NextCommandID()
	msg := wire.Message{Type: wire.StandForCoordinator, CommandID: cmdID, Payload: payload}
	m.tracker.Create(cmdID, msg, command.SourceInternal, 0, targets, reachable, int(m.timers.PeerReply.Seconds()), m.onCandidacyComplete)
}

func (m *Machine) onCandidacyComplete(cmd *command.Command) {
	if m.local().State() != wdnode.StandingForCoordinator {
		return
	}
	switch cmd.Status() {
	case command.AllReplied, command.Timeout, command.SendFailed:
		m.setState(wdnode.Coordinator)
		return
	}
	// NodeRejected: an Error reply means something is structurally wrong
	// (stale view, protocol mismatch) and the whole election restarts; a
	// plain Reject means a rival is contesting and we fall back to
	// observing that election instead.
	for _, r := range cmd.PerPeer() {
		if r.State == command.PeerReplied && r.ReplyType == wire.Error {
			m.setState(wdnode.Joining)
			return
		}
	}
	m.setState(wdnode.ParticipatingInElection)
}

// enterCoordinator broadcasts DeclareCoordinator; on completion (whatever
// the outcome — the local state is already Coordinator by the time
// onEnter runs) it takes up mastership (§4.4 bullet 5).
func (m *Machine) enterCoordinator() {
	m.engine.Clear()
	m.lastBeaconAt = time.Time{}
	payload, _ := json.Marshal(m.infoPayload())
	targets, reachable := m.targetSet()
	cmdID := m.tracker.NextCommandID()
	msg := wire.Message{Type: wire.DeclareCoordinator, CommandID: cmdID, Payload: payload}
	m.tracker.Create(cmdID, msg, command.SourceInternal, 0, targets, reachable, int(m.timers.PeerReply.Seconds()), func(cmd *command.Command) {
		if m.local().State() != wdnode.Coordinator {
			return
		}
		m.recomputeQuorumIfCoordinator()
	})
}

// enterStandby sends JoinCoordinator to the known master and subscribes
// (§4.4 bullet 6); tickStandby then watches for master silence.
func (m *Machine) enterStandby() {
	m.phaseEnteredAt = time.Now()
	m.lastMasterPacketAt = time.Time{}
	m.lastProbeAt = time.Time{}
	if m.masterID == 0 {
		m.setState(wdnode.Joining)
		return
	}
	local := m.local()
	payload, _ := json.Marshal(wire.StandForCoordinatorPayload{ID: local.ID, Priority: local.Priority, StartupTime: local.StartupTime})
	cmdID := m.tracker.NextCommandID()
	masterID := m.masterID
	msg := wire.Message{Type: wire.JoinCoordinator, CommandID: cmdID, Payload: payload}
	m.tracker.Create(cmdID, msg, command.SourceInternal, 0, []int{masterID}, map[int]bool{masterID: true}, int(m.timers.PeerReply.Seconds()), func(cmd *command.Command) {
		if m.local().State() != wdnode.Standby {
			return
		}
		if cmd.Status() != command.AllReplied {
			m.setState(wdnode.Joining)
		}
	})
}

// tickStandby implements the master-silence probe/rejoin timers of §4.4
// bullet 6.
func (m *Machine) tickStandby(now time.Time) {
	baseline := m.lastMasterPacketAt
	if baseline.IsZero() {
		baseline = m.phaseEnteredAt
	}
	elapsed := now.Sub(baseline)
	if elapsed >= m.timers.StandbyRejoinAfter {
		m.setState(wdnode.Joining)
		return
	}
	if elapsed >= m.timers.StandbyProbeAfter && (m.lastProbeAt.IsZero() || now.Sub(m.lastProbeAt) >= m.timers.StandbyProbeAfter) {
		m.lastProbeAt = now
		if m.masterID != 0 {
			_ = m.send(m.masterID, wire.Message{Type: wire.RequestInfo})
		}
	}
}

// targetSet is the set of active-reachable peers, used for broadcast
// commands originated by the FSM itself.
func (m *Machine) targetSet() ([]int, map[int]bool) {
	peers := m.table.ActiveReachable()
	targets := make([]int, 0, len(peers))
	reachable := make(map[int]bool, len(peers))
	for _, p := range peers {
		targets = append(targets, p.ID)
		reachable[p.ID] = true
	}
	return targets, reachable
}

// handleStandForCoordinator is the cross-cutting candidacy comparison of
// §4.4 bullet 1/4: "peers receiving StandForCoordinator compare (priority,
// -startup_time) lexicographically against their own."
func (m *Machine) handleStandForCoordinator(peerID int, msg wire.Message) {
	var payload wire.StandForCoordinatorPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		_ = m.send(peerID, wire.Message{Type: wire.Error, CommandID: msg.CommandID})
		return
	}
	candidate := wdnode.Identity{ID: payload.ID, Priority: payload.Priority, StartupTime: payload.StartupTime}
	if wdnode.HigherPriority(candidate, m.local().Identity) {
		_ = m.send(peerID, wire.Message{Type: wire.Accept, CommandID: msg.CommandID})
		m.setState(wdnode.ParticipatingInElection)
		return
	}
	_ = m.send(peerID, wire.Message{Type: wire.Reject, CommandID: msg.CommandID})
	m.setState(wdnode.StandingForCoordinator)
}

// handleDeclareCoordinator accepts a peer's mastership claim and adopts it
// as the known coordinator.
func (m *Machine) handleDeclareCoordinator(peerID int, msg wire.Message) {
	p := m.table.Get(peerID)
	if p == nil {
		_ = m.send(peerID, wire.Message{Type: wire.Error, CommandID: msg.CommandID})
		return
	}
	p.SetState(wdnode.Coordinator)
	_ = m.send(peerID, wire.Message{Type: wire.Accept, CommandID: msg.CommandID})
	m.masterID = peerID
	if m.local().State() != wdnode.Coordinator {
		m.setState(wdnode.Standby)
	}
}

// handleJoinCoordinator answers a standby's join request and adds it to
// the local standby count (§4.4 bullet 5).
func (m *Machine) handleJoinCoordinator(peerID int, msg wire.Message) {
	p := m.table.Get(peerID)
	if p == nil {
		_ = m.send(peerID, wire.Message{Type: wire.Error, CommandID: msg.CommandID})
		return
	}
	_ = m.send(peerID, wire.Message{Type: wire.Accept, CommandID: msg.CommandID})
	if m.local().State() == wdnode.Coordinator {
		p.SetState(wdnode.Standby)
		m.recomputeQuorumIfCoordinator()
	}
}

func (m *Machine) replyAccept(peerID int, cmdID uint32, echo []byte) {
	_ = m.send(peerID, wire.Message{Type: wire.Data, CommandID: cmdID, Payload: echo})
}

// onPeerClaimsCoordinator runs the §4.4 split-brain tiebreaker when the
// local node is Coordinator and another node also claims the role.
func (m *Machine) onPeerClaimsCoordinator(p *wdnode.Node) {
	if m.local().State() != wdnode.Coordinator {
		return
	}
	self := m.local().Beacon()
	other := p.Beacon()
	switch cmp := wdnode.CompareWorthiness(self, other); {
	case cmp > 0:
		payload, _ := json.Marshal(wire.ClusterServicePayload{SubCode: wire.IamTrueMaster, NodeID: m.local().ID})
		_ = m.send(p.ID, wire.Message{Type: wire.ClusterService, Payload: payload})
	case cmp < 0:
		m.resign(wire.IamResigningFromMaster)
	default:
		m.restartElection()
	}
}

// resign broadcasts the given cluster-service sub-code, clears pending
// proposals and re-enters Joining, used both for the losing side of a
// split-brain tiebreak and for stale-proposal resignation (§4.6).
func (m *Machine) resign(subCode wire.ServiceSubCode) {
	payload, _ := json.Marshal(wire.ClusterServicePayload{SubCode: subCode, NodeID: m.local().ID})
	for _, p := range m.table.ActiveReachable() {
		_ = m.send(p.ID, wire.Message{Type: wire.ClusterService, Payload: payload})
	}
	if m.local().Escalated() {
		m.escalationRelease()
	}
	m.engine.Clear()
	m.setState(wdnode.Joining)
}

func (m *Machine) restartElection() {
	payload, _ := json.Marshal(wire.ClusterServicePayload{SubCode: wire.NeedsElection, NodeID: m.local().ID})
	for _, p := range m.table.ActiveReachable() {
		_ = m.send(p.ID, wire.Message{Type: wire.ClusterService, Payload: payload})
	}
	m.engine.Clear()
	m.setState(wdnode.Loading)
}

// handleClusterService dispatches the sub-coded cluster-service messages
// of §4.4's split-brain resolution and §6.1's registry.
func (m *Machine) handleClusterService(peerID int, msg wire.Message) {
	var payload wire.ClusterServicePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return
	}
	p := m.table.Get(peerID)
	switch payload.SubCode {
	case wire.NeedsElection:
		m.setState(wdnode.Loading)
	case wire.IamTrueMaster:
		m.masterID = 0
		m.setState(wdnode.Joining)
	case wire.IamNotTrueMaster, wire.IamResigningFromMaster:
		if p != nil {
			p.SetState(wdnode.Joining)
		}
		if peerID == m.masterID {
			m.masterID = 0
			m.setState(wdnode.Joining)
		}
	case wire.QuorumLost, wire.QuorumFound, wire.InSplitBrain:
		if m.notify != nil {
			m.notify.Notify(map[string]any{"event": "cluster_service", "sub_code": string(payload.SubCode), "peer_id": peerID})
		}
	case wire.NodeInvalidVersion:
		m.logger.Warn("peer reports protocol version mismatch", "peer_id", peerID, "detail", payload.Detail)
	}
}

// evaluateFailover runs the §4.6 consensus pseudocode for one proposal,
// shared by the coordinator's own IPC-originated votes and votes
// replicated in from peers.
func (m *Machine) evaluateFailover(req wire.FailoverRequestPayload) (consensus.Outcome, wire.FailoverFlag) {
	n := m.table.RemoteCount() + 1
	minVotes := consensus.MinVotes(n, m.cfg.EnableConsensusWithHalfVotes)
	quorumStatus := m.local().QuorumStatus()
	outcome, flags := m.engine.Evaluate(req.Kind, req.NodeIDs, req.Flags, req.Requestor, quorumStatus, minVotes)
	switch outcome {
	case consensus.Proceed:
		if m.metrics != nil {
			m.metrics.ProposalsResolved.Inc()
		}
	case consensus.BuildingConsensus:
		b, _ := json.Marshal(req)
		for _, p := range m.table.ActiveReachable() {
			if p.ID == req.Requestor {
				continue
			}
			_ = m.send(p.ID, wire.Message{Type: wire.FailoverWaitingForConsensus, Payload: b})
		}
	}
	return outcome, flags
}

// handleRemoteFailoverRequest answers a FailoverRequest replicated in from
// a peer: only the coordinator decides; everyone else rejects (§4.6).
func (m *Machine) handleRemoteFailoverRequest(peerID int, msg wire.Message) {
	var payload wire.FailoverRequestPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		_ = m.send(peerID, wire.Message{Type: wire.Error, CommandID: msg.CommandID})
		return
	}
	payload.Requestor = peerID

	if m.local().State() != wdnode.Coordinator {
		b, _ := json.Marshal(wire.ErrorPayload{Reason: "not coordinator"})
		_ = m.send(peerID, wire.Message{Type: wire.Reject, CommandID: msg.CommandID, Payload: b})
		return
	}

	outcome, _ := m.evaluateFailover(payload)
	switch outcome {
	case consensus.Proceed:
		b, _ := json.Marshal(map[string]string{"result": "will_be_done"})
		_ = m.send(peerID, wire.Message{Type: wire.Data, CommandID: msg.CommandID, Payload: b})
	case consensus.BuildingConsensus:
		b, _ := json.Marshal(map[string]string{"result": "building_consensus"})
		_ = m.send(peerID, wire.Message{Type: wire.Data, CommandID: msg.CommandID, Payload: b})
	case consensus.NoQuorum:
		b, _ := json.Marshal(wire.ErrorPayload{Reason: "no quorum"})
		_ = m.send(peerID, wire.Message{Type: wire.Reject, CommandID: msg.CommandID, Payload: b})
	}
}

// onProposalExpired implements the stale-proposal resignation of §4.6/
// scenario 5. The core has no visibility into the middleware's
// quarantine bookkeeping, so it approximates "targeting a node the local
// middleware already quarantined" with "the local node itself voted for
// this NodeDown proposal" — documented as an open-question resolution.
func (m *Machine) onProposalExpired(p *consensus.Proposal) {
	if m.metrics != nil {
		m.metrics.ProposalsExpired.Inc()
	}
	if p.Kind != wire.NodeDown || !p.Requestors[m.local().ID] {
		return
	}
	m.local().LowerPriorityOnce()
	m.resign(wire.IamResigningFromMaster)
}

// SubmitFailover is the entry point for an IPC-originated FailoverCommand
// (§4.7). If local is Coordinator it evaluates immediately; otherwise it
// forwards the vote to the known master and completes asynchronously when
// the reply arrives.
func (m *Machine) SubmitFailover(req wire.FailoverRequestPayload, onComplete func(consensus.Outcome, error)) {
	req.Requestor = m.local().ID
	if m.local().State() == wdnode.Coordinator {
		outcome, _ := m.evaluateFailover(req)
		onComplete(outcome, nil)
		return
	}
	masterID := m.masterID
	if masterID == 0 {
		onComplete(consensus.NoQuorum, fmt.Errorf("fsm: no known coordinator"))
		return
	}
	b, _ := json.Marshal(req)
	cmdID := m.tracker.NextCommandID()
	msg := wire.Message{Type: wire.FailoverRequest, CommandID: cmdID, Payload: b}
	m.tracker.Create(cmdID, msg, command.SourceIPC, 0, []int{masterID}, map[int]bool{masterID: true}, 5, func(cmd *command.Command) {
		switch cmd.Status() {
		case command.AllReplied:
			onComplete(consensus.Proceed, nil)
		case command.NodeRejected:
			onComplete(consensus.NoQuorum, fmt.Errorf("fsm: failover rejected by coordinator"))
		default:
			onComplete(consensus.NoQuorum, fmt.Errorf("fsm: failover request %s", cmd.Status()))
		}
	})
}

// SubmitOnlineRecovery broadcasts an OnlineRecoveryCommand to every peer
// and reports once all have acknowledged (§4.7).
func (m *Machine) SubmitOnlineRecovery(payload json.RawMessage, onComplete func(bool, error)) {
	targets, reachable := m.targetSet()
	cmdID := m.tracker.NextCommandID()
	msg := wire.Message{Type: wire.AskForPoolConfig, CommandID: cmdID, Payload: payload}
	m.tracker.Create(cmdID, msg, command.SourceIPC, 0, targets, reachable, 5, func(cmd *command.Command) {
		if cmd.Status() != command.AllReplied {
			onComplete(false, fmt.Errorf("fsm: online recovery %s", cmd.Status()))
			return
		}
		onComplete(true, nil)
	})
}

// SubmitGetMasterData forwards a GetMasterData request to the coordinator
// and streams its reply back, or answers directly when local already is
// the coordinator (§4.7). The payload returned for the local case is
// whatever the caller supplied: the actual snapshot contents are a
// middleware concern, the core only completes the round trip.
func (m *Machine) SubmitGetMasterData(payload json.RawMessage, onComplete func(json.RawMessage, error)) {
	if m.local().State() == wdnode.Coordinator {
		onComplete(payload, nil)
		return
	}
	masterID := m.masterID
	if masterID == 0 {
		onComplete(nil, fmt.Errorf("fsm: no known coordinator"))
		return
	}
	cmdID := m.tracker.NextCommandID()
	msg := wire.Message{Type: wire.AskForPoolConfig, CommandID: cmdID, Payload: payload}
	m.tracker.Create(cmdID, msg, command.SourceIPC, 0, []int{masterID}, map[int]bool{masterID: true}, 5, func(cmd *command.Command) {
		if cmd.Status() != command.AllReplied {
			onComplete(nil, fmt.Errorf("fsm: get master data %s", cmd.Status()))
			return
		}
		r := cmd.PerPeer()[masterID]
		onComplete(r.ReplyPayload, nil)
	})
}

// SubmitFailoverIndication broadcasts the middleware's begin/end of an
// ongoing failover to every peer; only meaningful from the coordinator
// (§6.4).
func (m *Machine) SubmitFailoverIndication(start bool) {
	if m.local().State() != wdnode.Coordinator {
		return
	}
	t := wire.FailoverEnd
	if start {
		t = wire.FailoverStart
	}
	for _, p := range m.table.ActiveReachable() {
		_ = m.send(p.ID, wire.Message{Type: t})
	}
}

// SubmitNodeStatusChange injects a lifecheck-originated node status event
// (§4.7 NodeStatusChange).
func (m *Machine) SubmitNodeStatusChange(payload json.RawMessage) error {
	var p struct {
		Scope  string `json:"scope"`
		NodeID int    `json:"node_id"`
		Lost   bool   `json:"lost"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("fsm: decode node status change: %w", err)
	}
	if p.Scope == "local" {
		if p.Lost {
			m.networkTrouble("lifecheck reported local node lost")
		} else {
			m.networkRecovered()
		}
		return nil
	}
	peer := m.table.Get(p.NodeID)
	if peer == nil {
		return fmt.Errorf("fsm: unknown node %d", p.NodeID)
	}
	if p.Lost {
		m.remoteNodeLost(peer)
	} else if peer.State() == wdnode.Lost {
		peer.SetState(wdnode.Joining)
	}
	return nil
}
