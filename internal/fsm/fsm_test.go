package fsm

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/pgwatchdog/watchdog/internal/command"
	"github.com/pgwatchdog/watchdog/internal/consensus"
	"github.com/pgwatchdog/watchdog/internal/escalation"
	"github.com/pgwatchdog/watchdog/internal/metrics"
	"github.com/pgwatchdog/watchdog/internal/peertable"
	"github.com/pgwatchdog/watchdog/internal/transport"
	"github.com/pgwatchdog/watchdog/internal/wdnode"
	"github.com/pgwatchdog/watchdog/internal/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sentMessage records one outbound send for assertions.
type sentMessage struct {
	peerID int
	msg    wire.Message
}

type recorder struct {
	mu     sync.Mutex
	sent   []sentMessage
	events []any
}

func (r *recorder) send(peerID int, msg wire.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMessage{peerID, msg})
	return nil
}

func (r *recorder) Notify(event any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) sentTo(peerID int) []wire.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []wire.Message
	for _, s := range r.sent {
		if s.peerID == peerID {
			out = append(out, s.msg)
		}
	}
	return out
}

// fastTimers makes the timed phases (Loading/Joining) cross their deadline
// immediately on the next Tick, while leaving the standby probe/rejoin
// windows generously large so they don't interfere with unrelated tests.
func fastTimers() Timers {
	return Timers{
		PeerReply:          5 * time.Second,
		LoadingTimeout:     0,
		RequestInfoTimeout: 0,
		BeaconInterval:     10 * time.Second,
		StandbyProbeAfter:  time.Hour,
		StandbyRejoinAfter: 2 * time.Hour,
	}
}

type harness struct {
	m     *Machine
	table *peertable.Table
	rec   *recorder
}

func newHarness(t *testing.T, localID int, peerIDs ...int) *harness {
	t.Helper()
	local := wdnode.New(wdnode.Identity{ID: localID, Priority: 100, StartupTime: time.Now()})
	table := peertable.New(local)
	for _, id := range peerIDs {
		table.Add(wdnode.New(wdnode.Identity{ID: id, Priority: 100, StartupTime: time.Now()}))
	}

	rec := &recorder{}
	m := New(Deps{
		Logger:    discardLogger(),
		Table:     table,
		Tracker:   command.NewTracker(discardLogger(), rec.send),
		Engine:    consensus.NewEngine(consensus.Config{RequireQuorum: true, RequireConsensus: true}),
		Escalate:  escalation.New(discardLogger(), escalation.Scripts{}),
		Metrics:   metrics.New(prometheus.NewRegistry()),
		Notify:    rec,
		Send:      rec.send,
		Timers:    fastTimers(),
		Consensus: consensus.Config{RequireQuorum: true, RequireConsensus: true},
	})
	return &harness{m: m, table: table, rec: rec}
}

// connectAll marks every configured peer reachable on both sockets, as if
// the transport layer had already established links.
func (h *harness) connectAll() {
	for _, p := range h.table.Peers() {
		p.Inbound.SetState(wdnode.Connected)
		p.Outbound.SetState(wdnode.Connected)
	}
}

func TestSingleNodeClusterBecomesCoordinator(t *testing.T) {
	h := newHarness(t, 1)
	h.m.Start()
	require.Equal(t, wdnode.Loading, h.table.Local().State())

	h.m.Tick(time.Now()) // Loading -> Joining
	require.Equal(t, wdnode.Joining, h.table.Local().State())

	h.m.Tick(time.Now()) // Joining -> Initializing -> Coordinator (no active peers)
	require.Equal(t, wdnode.Coordinator, h.table.Local().State())
}

func TestInitializingBecomesStandbyWhenAPeerIsAlreadyCoordinator(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.connectAll()
	h.table.Get(2).SetState(wdnode.Coordinator)

	h.m.Start()
	h.m.Tick(time.Now())
	h.m.Tick(time.Now())

	require.Equal(t, wdnode.Standby, h.table.Local().State())
}

func TestAtMostOneCoordinatorAfterLosingSplitBrainTiebreak(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.connectAll()
	h.table.Local().SetState(wdnode.Coordinator)
	h.table.Local().SetQuorumStatus(-1) // worse than the other side's claim below

	peer := h.table.Get(2)
	peer.SetQuorumStatus(1)
	peer.SetState(wdnode.Coordinator)

	beacon := wire.InfoPayload{ID: 2, State: "coordinator", QuorumStatus: 1, CurrentStateSince: time.Now()}
	b, _ := json.Marshal(beacon)
	h.m.HandleTransportEvent(transport.Event{
		Kind: transport.EventMessage, PeerID: 2,
		Message: wire.Message{Type: wire.IAmCoordinator, Payload: b},
	})

	require.NotEqual(t, wdnode.Coordinator, h.table.Local().State(), "the less-worthy side must resign")
	require.Equal(t, wdnode.Joining, h.table.Local().State())

	// resign() broadcasts IamResigningFromMaster before the subsequent
	// Joining transition fires its own RequestInfo broadcast, so look for
	// the resignation among everything sent rather than assuming it's last.
	sent := h.rec.sentTo(2)
	require.NotEmpty(t, sent)
	found := false
	for _, s := range sent {
		if s.Type != wire.ClusterService {
			continue
		}
		var svc wire.ClusterServicePayload
		require.NoError(t, json.Unmarshal(s.Payload, &svc))
		if svc.SubCode == wire.IamResigningFromMaster {
			found = true
		}
	}
	require.True(t, found, "expected an IamResigningFromMaster cluster-service message")
}

func TestWorthierCoordinatorAssertsTrueMasterInsteadOfResigning(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.connectAll()
	h.table.Local().SetState(wdnode.Coordinator)
	h.table.Local().SetQuorumStatus(1)

	peer := h.table.Get(2)
	peer.SetQuorumStatus(-1)
	peer.SetState(wdnode.Coordinator)

	beacon := wire.InfoPayload{ID: 2, State: "coordinator", QuorumStatus: -1, CurrentStateSince: time.Now()}
	b, _ := json.Marshal(beacon)
	h.m.HandleTransportEvent(transport.Event{
		Kind: transport.EventMessage, PeerID: 2,
		Message: wire.Message{Type: wire.IAmCoordinator, Payload: b},
	})

	require.Equal(t, wdnode.Coordinator, h.table.Local().State(), "the worthier side must keep mastership")
	sent := h.rec.sentTo(2)
	require.NotEmpty(t, sent)
	var svc wire.ClusterServicePayload
	require.NoError(t, json.Unmarshal(sent[len(sent)-1].Payload, &svc))
	require.Equal(t, wire.IamTrueMaster, svc.SubCode)
}

func TestHandleStandForCoordinatorComparesPriorityCorrectly(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.connectAll()
	h.table.Local().Priority = 50
	h.table.Local().SetState(wdnode.Loading)

	// Peer 2 has a higher priority than local: local must accept and defer.
	payload, _ := json.Marshal(wire.StandForCoordinatorPayload{ID: 2, Priority: 99, StartupTime: time.Now()})
	h.m.HandleTransportEvent(transport.Event{
		Kind: transport.EventMessage, PeerID: 2,
		Message: wire.Message{Type: wire.StandForCoordinator, CommandID: 7, Payload: payload},
	})
	require.Equal(t, wdnode.ParticipatingInElection, h.table.Local().State())
	sent := h.rec.sentTo(2)
	require.Len(t, sent, 1)
	require.Equal(t, wire.Accept, sent[0].Type)
}

func TestHandleStandForCoordinatorRejectsLowerPriorityCandidate(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.connectAll()
	h.table.Local().Priority = 99
	h.table.Local().SetState(wdnode.Loading)
	// The rival candidate is a live peer, so local's own candidacy has
	// someone to ask and stays in flight instead of completing at once.
	h.table.Get(2).SetState(wdnode.Loading)

	payload, _ := json.Marshal(wire.StandForCoordinatorPayload{ID: 2, Priority: 1, StartupTime: time.Now()})
	h.m.HandleTransportEvent(transport.Event{
		Kind: transport.EventMessage, PeerID: 2,
		Message: wire.Message{Type: wire.StandForCoordinator, CommandID: 7, Payload: payload},
	})
	require.Equal(t, wdnode.StandingForCoordinator, h.table.Local().State())
	sent := h.rec.sentTo(2)
	require.Len(t, sent, 2)
	require.Equal(t, wire.Reject, sent[0].Type)
	require.Equal(t, wire.StandForCoordinator, sent[1].Type)
}

func TestSubmitFailoverAsCoordinatorProceedsWithoutQuorumRequirement(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.connectAll()
	h.table.Local().SetState(wdnode.Coordinator)
	h.m = New(Deps{
		Logger:    discardLogger(),
		Table:     h.table,
		Tracker:   command.NewTracker(discardLogger(), h.rec.send),
		Engine:    consensus.NewEngine(consensus.Config{RequireQuorum: false}),
		Escalate:  escalation.New(discardLogger(), escalation.Scripts{}),
		Metrics:   metrics.New(prometheus.NewRegistry()),
		Notify:    h.rec,
		Send:      h.rec.send,
		Timers:    fastTimers(),
		Consensus: consensus.Config{RequireQuorum: false},
	})

	var gotOutcome consensus.Outcome
	var gotErr error
	h.m.SubmitFailover(wire.FailoverRequestPayload{Kind: wire.NodeDown, NodeIDs: []int{2}}, func(o consensus.Outcome, err error) {
		gotOutcome, gotErr = o, err
	})
	require.NoError(t, gotErr)
	require.Equal(t, consensus.Proceed, gotOutcome)
}

func TestSubmitFailoverNonCoordinatorWithNoKnownMasterErrors(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.table.Local().SetState(wdnode.Standby)

	var gotErr error
	h.m.SubmitFailover(wire.FailoverRequestPayload{Kind: wire.NodeDown, NodeIDs: []int{2}}, func(_ consensus.Outcome, err error) {
		gotErr = err
	})
	require.Error(t, gotErr)
}

func TestSubmitNodeStatusChangeLocalLostEntersNetworkTrouble(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.table.Local().SetState(wdnode.Standby)

	err := h.m.SubmitNodeStatusChange(json.RawMessage(`{"scope":"local","lost":true}`))
	require.NoError(t, err)
	require.Equal(t, wdnode.InNetworkTrouble, h.table.Local().State())
}

func TestSubmitNodeStatusChangeUnknownNodeErrors(t *testing.T) {
	h := newHarness(t, 1, 2)
	err := h.m.SubmitNodeStatusChange(json.RawMessage(`{"scope":"remote","node_id":999,"lost":true}`))
	require.Error(t, err)
}

func TestHandleDisconnectedMarksPeerLostWhenBothSocketsDown(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.connectAll()
	peer := h.table.Get(2)
	peer.SetState(wdnode.Standby)

	h.m.HandleTransportEvent(transport.Event{Kind: transport.EventDisconnected, PeerID: 2, Direction: transport.Inbound})
	require.True(t, peer.Reachable(), "outbound is still up, peer should not yet be lost")

	h.m.HandleTransportEvent(transport.Event{Kind: transport.EventDisconnected, PeerID: 2, Direction: transport.Outbound})
	require.Equal(t, wdnode.Lost, peer.State())
}

func TestAddNodeRepliesWithInfoEchoingCommandID(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.m.HandleTransportEvent(transport.Event{
		Kind: transport.EventAddNode, PeerID: 2,
		Identity: wdnode.Identity{ID: 2, Name: "node2"},
		Message:  wire.Message{Type: wire.AddNode, CommandID: 55},
	})
	sent := h.rec.sentTo(2)
	require.Len(t, sent, 1)
	require.Equal(t, wire.Info, sent[0].Type)
	require.Equal(t, uint32(55), sent[0].CommandID)
}

func TestOutboundConnectSendsAddNodeAndMarksPeerAddMessageSent(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.m.HandleTransportEvent(transport.Event{Kind: transport.EventConnected, PeerID: 2, Direction: transport.Outbound})

	peer := h.table.Get(2)
	require.Equal(t, wdnode.AddMessageSent, peer.State(), "the handshake's in-flight window is observable as a state")

	sent := h.rec.sentTo(2)
	require.Len(t, sent, 1)
	require.Equal(t, wire.AddNode, sent[0].Type)

	// The peer's own Info reply reports its real state, overwriting the
	// transient AddMessageSent marker.
	reply, _ := json.Marshal(wire.InfoPayload{ID: 2, State: wdnode.Standby.String(), CurrentStateSince: time.Now()})
	h.m.HandleTransportEvent(transport.Event{
		Kind: transport.EventMessage, PeerID: 2,
		Message: wire.Message{Type: wire.Info, Payload: reply},
	})
	require.Equal(t, wdnode.Standby, peer.State())
}

func TestHandleBeaconMarksIncompleteWhenCurrentStateSinceIsZero(t *testing.T) {
	h := newHarness(t, 1, 2)
	peer := h.table.Get(2)

	stale, _ := json.Marshal(wire.InfoPayload{ID: 2, State: wdnode.Standby.String()})
	h.m.HandleTransportEvent(transport.Event{
		Kind: transport.EventMessage, PeerID: 2,
		Message: wire.Message{Type: wire.Info, Payload: stale},
	})
	require.False(t, peer.Beacon().Complete, "a beacon with no current_state_since is from an older wire revision")

	fresh, _ := json.Marshal(wire.InfoPayload{ID: 2, State: wdnode.Standby.String(), CurrentStateSince: time.Now()})
	h.m.HandleTransportEvent(transport.Event{
		Kind: transport.EventMessage, PeerID: 2,
		Message: wire.Message{Type: wire.Info, Payload: fresh},
	})
	require.True(t, peer.Beacon().Complete)
}
