// Package fsm is the per-node state machine (spec §4.4): the heart of the
// watchdog core. A single Machine, mutated only from the cluster's main
// loop goroutine, drives election, coordinator, standby, voting,
// network-loss and split-brain recovery.
package fsm

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pgwatchdog/watchdog/internal/command"
	"github.com/pgwatchdog/watchdog/internal/consensus"
	"github.com/pgwatchdog/watchdog/internal/escalation"
	"github.com/pgwatchdog/watchdog/internal/ifmon"
	"github.com/pgwatchdog/watchdog/internal/metrics"
	"github.com/pgwatchdog/watchdog/internal/peertable"
	"github.com/pgwatchdog/watchdog/internal/transport"
	"github.com/pgwatchdog/watchdog/internal/wdnode"
	"github.com/pgwatchdog/watchdog/internal/wire"
)

// Timers bundles the fixed and operator-tunable durations named in §4.4/§5.
type Timers struct {
	PeerReply           time.Duration // 5s: election broadcasts, peer reply timeout
	LoadingTimeout       time.Duration // 5s
	RequestInfoTimeout   time.Duration // 4s
	BeaconInterval       time.Duration // 10s
	StandbyProbeAfter    time.Duration // 10s: no packet from master -> probe
	StandbyRejoinAfter   time.Duration // 20s: no packet from master -> Joining
}

func DefaultTimers() Timers {
	return Timers{
		PeerReply:         5 * time.Second,
		LoadingTimeout:     5 * time.Second,
		RequestInfoTimeout: 4 * time.Second,
		BeaconInterval:     10 * time.Second,
		StandbyProbeAfter:  10 * time.Second,
		StandbyRejoinAfter: 20 * time.Second,
	}
}

// Notifier is implemented by whatever wants to observe state changes (the
// IPC server's notify-socket list, in practice).
type Notifier interface {
	Notify(event any)
}

// Machine is the local node's state machine plus everything it needs to
// act: the peer table, the command tracker, the consensus engine, a way to
// send wire messages and run escalation helpers.
type Machine struct {
	logger  *slog.Logger
	table   *peertable.Table
	tracker *command.Tracker
	engine  *consensus.Engine
	escal   *escalation.Manager
	metrics *metrics.Metrics
	notify  Notifier
	send    func(peerID int, msg wire.Message) error
	timers  Timers
	cfg     consensus.Config
	ctx     context.Context

	lastBeaconAt       time.Time
	lastMasterPacketAt time.Time
	phaseEnteredAt     time.Time
	lastProbeAt        time.Time
	masterID           int
}

// Deps bundles Machine's constructor arguments.
type Deps struct {
	Logger    *slog.Logger
	Table     *peertable.Table
	Tracker   *command.Tracker
	Engine    *consensus.Engine
	Escalate  *escalation.Manager
	Metrics   *metrics.Metrics
	Notify    Notifier
	Send      func(peerID int, msg wire.Message) error
	Timers    Timers
	Consensus consensus.Config
	Context   context.Context
}

func New(d Deps) *Machine {
	if d.Context == nil {
		d.Context = context.Background()
	}
	return &Machine{
		logger:  d.Logger.With("component", "fsm"),
		table:   d.Table,
		tracker: d.Tracker,
		engine:  d.Engine,
		escal:   d.Escalate,
		metrics: d.Metrics,
		notify:  d.Notify,
		send:    d.Send,
		timers:  d.Timers,
		cfg:     d.Consensus,
		ctx:     d.Context,
	}
}

func (m *Machine) local() *wdnode.Node { return m.table.Local() }

// setState transitions the local node, stamps metrics and fires a
// notification, then runs the entry action for the new state.
func (m *Machine) setState(s wdnode.State) {
	prev := m.local().State()
	if prev == s {
		return
	}
	m.local().SetState(s)
	m.logger.Info("local state transition", "from", prev, "to", s)
	if m.metrics != nil {
		m.metrics.StateTransitions.WithLabelValues(s.String()).Inc()
	}
	if m.notify != nil {
		m.notify.Notify(map[string]any{"event": "state_changed", "state": s.String()})
	}
	m.onEnter(s)
}

// Start begins the election protocol from the Loading state.
func (m *Machine) Start() {
	m.setState(wdnode.Loading)
}

func (m *Machine) onEnter(s wdnode.State) {
	switch s {
	case wdnode.Loading:
		m.enterLoading()
	case wdnode.Joining:
		m.enterJoining()
	case wdnode.Initializing:
		m.enterInitializing()
	case wdnode.StandingForCoordinator:
		m.enterStandForCoordinator()
	case wdnode.Coordinator:
		m.enterCoordinator()
	case wdnode.Standby:
		m.enterStandby()
	}
}

// HandleTransportEvent folds one transport.Event into the peer table and
// FSM. It is the cross-cutting entry point run before any state-specific
// dispatch, per §4.4's "single dispatch function".
func (m *Machine) HandleTransportEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventAddNode:
		m.handleAddNode(ev)
	case transport.EventConnected:
		m.handleConnected(ev.PeerID, ev.Direction, ev.RemoteAddr)
	case transport.EventDisconnected:
		m.handleDisconnected(ev.PeerID, ev.Direction)
	case transport.EventMessage:
		m.handleMessage(ev.PeerID, ev.Message)
	}
}

func (m *Machine) handleAddNode(ev transport.Event) {
	p := m.table.Get(ev.PeerID)
	if p == nil {
		m.logger.Warn("AddNode from unconfigured peer", "peer_id", ev.PeerID)
		return
	}
	p.Identity.Name = ev.Identity.Name
	p.Identity.Priority = ev.Identity.Priority
	p.Identity.StartupTime = ev.Identity.StartupTime
	p.Identity.DelegateIP = ev.Identity.DelegateIP
	if p.State() == wdnode.Dead {
		p.SetState(wdnode.Loading)
	}
	// Bullet 1 of §4.4: AddNode is answered with an Info snapshot echoing
	// the command id. Info is not a tracked reply type: the sender's
	// Loading phase only watches for any frame from the peer
	// (loadingSettled), and its handleBeacon records the reported state.
	b, _ := json.Marshal(m.infoPayload())
	_ = m.send(ev.PeerID, wire.Message{Type: wire.Info, CommandID: ev.Message.CommandID, Payload: b})
}

func (m *Machine) handleConnected(peerID int, dir transport.Direction, remoteAddr string) {
	p := m.table.Get(peerID)
	if p == nil {
		return
	}
	if dir == transport.Inbound {
		p.Inbound.SetState(wdnode.Connected)
		p.Inbound.SetPeerAddr(remoteAddr)
	} else {
		p.Outbound.SetState(wdnode.Connected)
		p.Outbound.SetPeerAddr(remoteAddr)
		m.metrics.PeerReconnectedTotal.Inc()
	}
	m.tracker.ResendQueued(peerID)
	if dir == transport.Outbound {
		// NewOutboundConnection event (spec §4.1): send a fresh AddNode.
		m.sendAddNode(peerID)
	}
}

func (m *Machine) sendAddNode(peerID int) {
	local := m.local()
	payload := wire.AddNodePayload{
		ID:          local.ID,
		Priority:    local.Priority,
		Host:        local.Host,
		WDPort:      local.WDPort,
		AppPort:     local.AppPort,
		Name:        local.Name,
		StartupTime: local.StartupTime,
		DelegateIP:  local.DelegateIP,
	}
	b, _ := json.Marshal(payload)
	_ = m.send(peerID, wire.Message{Type: wire.AddNode, Payload: b})
	// AddMessageSent marks the handshake as awaiting the peer's Info
	// reply for a peer with no live state yet (Dead, Lost or Shutdown);
	// a state already learned from the peer is kept. handleBeacon
	// overwrites it with the peer's reported state once that reply arrives.
	if p := m.table.Get(peerID); p != nil && !p.Active() {
		p.SetState(wdnode.AddMessageSent)
	}
}

func (m *Machine) handleDisconnected(peerID int, dir transport.Direction) {
	p := m.table.Get(peerID)
	if p == nil {
		return
	}
	if dir == transport.Inbound {
		p.Inbound.SetState(wdnode.Closed)
	} else {
		p.Outbound.SetState(wdnode.Closed)
	}
	if !p.Reachable() && p.State() != wdnode.Shutdown {
		m.remoteNodeLost(p)
	}
}

func (m *Machine) remoteNodeLost(p *wdnode.Node) {
	if p.State() == wdnode.Lost {
		return
	}
	p.SetState(wdnode.Lost)
	m.metrics.PeerLostTotal.Inc()
	m.tracker.HandlePeerLost(p.ID)
	m.logger.Info("remote node lost", "peer_id", p.ID, "name", p.Name)
	m.recomputeQuorumIfCoordinator()
}

// handleMessage is the cross-cutting packet entry: beacon bookkeeping and
// command correlation run first, then state-specific dispatch.
func (m *Machine) handleMessage(peerID int, msg wire.Message) {
	p := m.table.Get(peerID)
	if p != nil {
		p.TouchRecv()
		// Any frame from the peer, not just a correlated command reply,
		// proves the link is answering and resets the reply-timeout clock
		// ServiceLoop watches.
		p.ClearSent()
	}
	if peerID == m.masterID {
		m.lastMasterPacketAt = time.Now()
	}

	if msg.Type.IsReply() {
		m.tracker.HandleReply(peerID, msg)
	}

	switch msg.Type {
	case wire.Info, wire.IAmCoordinator:
		m.handleBeacon(peerID, msg)
		return
	case wire.RequestInfo:
		m.replyInfo(peerID, msg.CommandID)
		return
	case wire.StandForCoordinator:
		m.handleStandForCoordinator(peerID, msg)
		return
	case wire.DeclareCoordinator:
		m.handleDeclareCoordinator(peerID, msg)
		return
	case wire.JoinCoordinator:
		m.handleJoinCoordinator(peerID, msg)
		return
	case wire.FailoverRequest:
		m.handleRemoteFailoverRequest(peerID, msg)
		return
	case wire.ClusterService:
		m.handleClusterService(peerID, msg)
		return
	case wire.InformIamGoingDown:
		m.handleGoingDown(peerID, msg)
		return
	case wire.AskForPoolConfig:
		// Carries both the online-recovery broadcast and GetMasterData
		// forwarding (§4.7): no dedicated wire type exists for either in the
		// closed set, so both reuse this request/reply pair, replied to
		// generically rather than with PoolConfigData so the sender's
		// command tracker (which only correlates Accept/Reject/Error/Data/
		// CmdReplyInData) can complete the command.
		m.replyAccept(peerID, msg.CommandID, msg.Payload)
		return
	case wire.FailoverStart, wire.FailoverEnd, wire.FailoverWaitingForConsensus,
		wire.IamInNwTrouble, wire.QuorumIsLost:
		// Relayed cluster-service informational messages (§9 open
		// question: the core only relays these; the middleware decides
		// what to do with them).
		if m.notify != nil {
			m.notify.Notify(map[string]any{"event": msg.Type.String(), "peer_id": peerID})
		}
		return
	}
}

func (m *Machine) replyInfo(peerID int, cmdID uint32) {
	b, _ := json.Marshal(m.infoPayload())
	_ = m.send(peerID, wire.Message{Type: wire.Info, CommandID: cmdID, Payload: b})
}

func (m *Machine) infoPayload() wire.InfoPayload {
	local := m.local()
	b := local.Beacon()
	return wire.InfoPayload{
		ID:                local.ID,
		State:             local.State().String(),
		Escalated:         b.Escalated,
		QuorumStatus:      b.QuorumStatus,
		StandbyCount:      b.StandbyCount,
		CurrentStateSince: b.CurrentStateSince,
		DelegateIP:        local.DelegateIP,
	}
}

// handleBeacon applies an Info/IAmCoordinator snapshot to the sender's peer
// record and, for IAmCoordinator while local is also Coordinator, triggers
// split-brain resolution (§4.4).
func (m *Machine) handleBeacon(peerID int, msg wire.Message) {
	p := m.table.Get(peerID)
	if p == nil {
		return
	}
	var payload wire.InfoPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		m.logger.Warn("malformed beacon payload", "peer_id", peerID, "err", err)
		return
	}
	state := parseState(payload.State)
	p.SetState(state)
	p.SetQuorumStatus(payload.QuorumStatus)
	p.SetStandbyCount(payload.StandbyCount)
	p.SetEscalated(payload.Escalated)
	// A peer on an older wire revision that doesn't populate the
	// tiebreaker fields leaves current_state_since zero; record that so
	// CompareWorthiness forces NeedsElection instead of comparing against
	// a beacon it can't trust.
	p.SetBeaconComplete(!payload.CurrentStateSince.IsZero())
	if payload.DelegateIP != "" {
		p.DelegateIP = payload.DelegateIP
	}

	if msg.Type == wire.IAmCoordinator && state == wdnode.Coordinator {
		m.onPeerClaimsCoordinator(p)
	}
}

func parseState(s string) wdnode.State {
	states := []wdnode.State{
		wdnode.Dead, wdnode.Loading, wdnode.Joining, wdnode.Initializing,
		wdnode.Coordinator, wdnode.StandingForCoordinator, wdnode.ParticipatingInElection,
		wdnode.Standby, wdnode.Lost, wdnode.InNetworkTrouble, wdnode.Shutdown, wdnode.AddMessageSent,
	}
	for _, st := range states {
		if st.String() == s {
			return st
		}
	}
	return wdnode.Dead
}

func (m *Machine) handleGoingDown(peerID int, msg wire.Message) {
	var payload wire.GoingDownPayload
	_ = json.Unmarshal(msg.Payload, &payload)
	p := m.table.Get(peerID)
	if p != nil {
		p.SetState(wdnode.Shutdown)
	}
	m.recomputeQuorumIfCoordinator()
}

// Shutdown runs the signal-driven shutdown sequence (§7): broadcast
// InformIamGoingDown, resign the VIP if held, and transition to Shutdown.
func (m *Machine) Shutdown(ctx context.Context) {
	payload, _ := json.Marshal(wire.GoingDownPayload{NodeID: m.local().ID, State: m.local().State().String()})
	for _, p := range m.table.ActiveReachable() {
		_ = m.send(p.ID, wire.Message{Type: wire.InformIamGoingDown, Payload: payload})
	}
	if m.local().Escalated() {
		_ = m.escal.Release(ctx)
		m.local().SetEscalated(false)
	}
	m.local().SetState(wdnode.Shutdown)
}

func (m *Machine) recomputeQuorumIfCoordinator() {
	if m.local().State() != wdnode.Coordinator {
		return
	}
	n := m.table.RemoteCount() + 1
	alive := len(m.table.Active())
	status := consensus.QuorumStatus(n, alive, m.cfg.EnableConsensusWithHalfVotes)
	prev := m.local().QuorumStatus()
	m.local().SetQuorumStatus(status)
	m.local().SetStandbyCount(countStandby(m.table))
	if m.metrics != nil {
		m.metrics.QuorumStatus.Set(float64(status))
	}
	if status != prev {
		if m.notify != nil {
			m.notify.Notify(map[string]any{"event": "quorum_changed", "quorum_status": status})
		}
		m.onQuorumChanged(status, prev)
	}
}

func countStandby(t *peertable.Table) int {
	n := 0
	for _, p := range t.Peers() {
		if p.State() == wdnode.Standby {
			n++
		}
	}
	return n
}

func (m *Machine) onQuorumChanged(status, prev int) {
	if status < 0 && m.local().Escalated() {
		m.escalationRelease()
	} else if status >= 0 && !m.local().Escalated() && m.local().State() == wdnode.Coordinator {
		m.escalationAcquire()
	}
}

func (m *Machine) escalationAcquire() {
	if err := m.escal.Acquire(m.ctx); err != nil {
		m.logger.Warn("VIP acquire failed", "err", err)
		return
	}
	m.local().SetEscalated(true)
	if m.metrics != nil {
		m.metrics.EscalationsTotal.WithLabelValues("acquire").Inc()
	}
}

func (m *Machine) escalationRelease() {
	if err := m.escal.Release(m.ctx); err != nil {
		m.logger.Warn("VIP release failed", "err", err)
	}
	m.local().SetEscalated(false)
	if m.metrics != nil {
		m.metrics.EscalationsTotal.WithLabelValues("release").Inc()
	}
}

// HandleIfmonEvent folds interface-monitor events into the FSM (§4.9).
func (m *Machine) HandleIfmonEvent(ev ifmon.Event) {
	switch ev.Kind {
	case ifmon.LinkDown:
		m.networkTrouble("link down")
	case ifmon.LinkUp:
		m.networkRecovered()
	case ifmon.IPRemoved:
		if m.local().Escalated() {
			m.logger.Warn("VIP missing from local addresses, re-acquiring")
			m.escalationAcquire()
		}
	case ifmon.IPAssigned:
		// informational; no action beyond what link-up already triggers.
	}
}

func (m *Machine) networkTrouble(reason string) {
	if m.local().State() == wdnode.InNetworkTrouble {
		return
	}
	m.logger.Error("no network connectivity, entering network trouble", "reason", reason)
	m.setState(wdnode.InNetworkTrouble)
}

func (m *Machine) networkRecovered() {
	if m.local().State() != wdnode.InNetworkTrouble {
		return
	}
	for _, p := range m.table.Peers() {
		payload, _ := json.Marshal(wire.ClusterServicePayload{SubCode: wire.NeedsElection, NodeID: m.local().ID})
		_ = m.send(p.ID, wire.Message{Type: wire.IamInNwTrouble, Payload: payload})
	}
	m.setState(wdnode.Loading)
}

// Tick runs the once-per-second main-loop bookkeeping from spec §4.10.
func (m *Machine) Tick(now time.Time) {
	m.table.ServiceLoop(now, m.remoteNodeLost)
	m.tracker.CheckDeadlines(now)
	m.recomputeQuorumIfCoordinator()
	m.engine.Expire(now, m.onProposalExpired)

	switch m.local().State() {
	case wdnode.Loading:
		if now.Sub(m.phaseEnteredAt) >= m.timers.LoadingTimeout || m.loadingSettled(now) {
			m.setState(wdnode.Joining)
		}
	case wdnode.Joining:
		if now.Sub(m.phaseEnteredAt) >= m.timers.RequestInfoTimeout {
			m.setState(wdnode.Initializing)
		}
	case wdnode.Coordinator:
		if m.lastBeaconAt.IsZero() || now.Sub(m.lastBeaconAt) >= m.timers.BeaconInterval {
			m.sendBeacon(wire.IAmCoordinator)
			m.lastBeaconAt = now
		}
	case wdnode.Standby:
		m.tickStandby(now)
	}
}

func (m *Machine) sendBeacon(t wire.Type) {
	b, _ := json.Marshal(m.infoPayload())
	for _, p := range m.table.ActiveReachable() {
		_ = m.send(p.ID, wire.Message{Type: t, Payload: b})
	}
}
