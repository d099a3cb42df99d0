// Package cluster owns the single main-loop goroutine that is the sole
// mutator of the peer table, command tracker and consensus engine (spec
// §5). Every other goroutine — transport readers, the interface monitor,
// IPC connection handlers — only ever produces events onto a channel;
// this package is where they are folded in, one at a time.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pgwatchdog/watchdog/internal/command"
	"github.com/pgwatchdog/watchdog/internal/config"
	"github.com/pgwatchdog/watchdog/internal/consensus"
	"github.com/pgwatchdog/watchdog/internal/escalation"
	"github.com/pgwatchdog/watchdog/internal/fsm"
	"github.com/pgwatchdog/watchdog/internal/ifmon"
	"github.com/pgwatchdog/watchdog/internal/ipc"
	"github.com/pgwatchdog/watchdog/internal/metrics"
	"github.com/pgwatchdog/watchdog/internal/peertable"
	"github.com/pgwatchdog/watchdog/internal/transport"
	"github.com/pgwatchdog/watchdog/internal/wdnode"
	"github.com/pgwatchdog/watchdog/internal/wire"
)

// ipcCall is how an IPC connection goroutine hands work to the main loop
// and blocks for the answer: it is the one place outside the loop itself
// that touches fsm/peertable state, and it does so only by round-tripping
// through this channel.
type ipcCall struct {
	fn   func()
	done chan struct{}
}

// Cluster wires the transport, peer table, state machine, command
// tracker, consensus engine, IPC server, escalation manager and interface
// monitor into one runnable unit.
type Cluster struct {
	logger *slog.Logger
	cfg    *config.Config

	table     *peertable.Table
	tracker   *command.Tracker
	engine    *consensus.Engine
	transport *transport.Transport
	escal     *escalation.Manager
	ifmonitor *ifmon.Monitor
	metrics   *metrics.Metrics
	machine   *fsm.Machine
	ipcServer *ipc.Server

	calls chan ipcCall
}

// notifyAdapter relays fsm.Notifier calls to the IPC server's subscriber
// list. The server reference is filled in after construction since the
// server's Handlers close over the Cluster built one step earlier.
type notifyAdapter struct {
	server *ipc.Server
}

func (n *notifyAdapter) Notify(event any) {
	if n.server != nil {
		n.server.Notify(event)
	}
}

// Build constructs a Cluster ready to Run.
func Build(logger *slog.Logger, cfg *config.Config, reg prometheus.Registerer) *Cluster {
	local := wdnode.New(wdnode.Identity{
		ID: cfg.NodeID, Priority: cfg.Priority, Host: cfg.Host,
		WDPort: cfg.WDPort, AppPort: cfg.AppPort,
		Name:        fmt.Sprintf("node%d", cfg.NodeID),
		StartupTime: time.Now(),
		DelegateIP:  cfg.VirtualIP,
	})
	table := peertable.New(local)
	for _, pc := range cfg.Peers {
		table.Add(wdnode.New(wdnode.Identity{
			ID: pc.ID, Priority: pc.Priority, Host: pc.Host,
			WDPort: pc.WDPort, AppPort: pc.AppPort,
			Name: fmt.Sprintf("node%d", pc.ID),
		}))
	}

	m := metrics.New(reg)
	tp := transport.New(logger, local.Identity, cfg.AuthKey, fmt.Sprintf(":%d", cfg.WDPort))

	// send wraps the transport so every outbound frame stamps the peer's
	// last_sent, which is what ServiceLoop's reply-timeout check (§4.3)
	// actually watches.
	send := func(peerID int, msg wire.Message) error {
		err := tp.Send(peerID, msg)
		if err == nil {
			if p := table.Get(peerID); p != nil {
				p.TouchSent()
			}
		}
		return err
	}

	tracker := command.NewTracker(logger, send)
	consensusCfg := consensus.Config{
		RequireQuorum:                         cfg.RequireQuorum,
		RequireConsensus:                      cfg.RequireConsensus,
		EnableConsensusWithHalfVotes:          cfg.EnableConsensusWithHalfVotes,
		AllowMultipleFailoverRequestsFromNode: cfg.AllowMultipleFailoverRequestsFromNode,
	}
	engine := consensus.NewEngine(consensusCfg)
	escal := escalation.New(logger, escalation.Scripts{Acquire: cfg.Scripts.Acquire, Release: cfg.Scripts.Release})
	ifmonitor := ifmon.New(logger, cfg.VirtualIP, time.Second)

	timers := fsm.DefaultTimers()
	if cfg.Timers.PeerReplyTimeoutSec != 0 {
		timers.PeerReply = cfg.Timers.PeerReplyTimeout()
	}
	if cfg.Timers.BeaconIntervalSec != 0 {
		timers.BeaconInterval = cfg.Timers.BeaconInterval()
	}

	socketPath := fmt.Sprintf("%s/.s.PGWATCHDOG_CMD.%d", cfg.IPCSocketDir, cfg.WDPort)
	notifier := &notifyAdapter{}

	c := &Cluster{
		logger:    logger.With("component", "cluster"),
		cfg:       cfg,
		table:     table,
		tracker:   tracker,
		engine:    engine,
		transport: tp,
		escal:     escal,
		ifmonitor: ifmonitor,
		metrics:   m,
		calls:     make(chan ipcCall, 64),
	}

	c.machine = fsm.New(fsm.Deps{
		Logger: logger, Table: table, Tracker: tracker, Engine: engine,
		Escalate: escal, Metrics: m, Notify: notifier, Send: send,
		Timers: timers, Consensus: consensusCfg,
	})

	c.ipcServer = ipc.New(logger, socketPath, cfg.IPCSharedKey, cfg.AuthKey, ipc.Handlers{
		NodeStatusChange:      c.callNodeStatusChange,
		GetNodesList:          c.callGetNodesList,
		GetRuntimeVariable:    c.callGetRuntimeVariable,
		FailoverCommand:       c.callFailover,
		OnlineRecoveryCommand: c.callOnlineRecovery,
		FailoverIndication:    c.callFailoverIndication,
		GetMasterData:         c.callGetMasterData,
	})
	notifier.server = c.ipcServer

	return c
}

// Run starts every producer goroutine and the single consuming main loop;
// it blocks until ctx is cancelled or a fatal producer error occurs.
func (c *Cluster) Run(ctx context.Context) error {
	var g run.Group

	g.Add(func() error {
		return c.transport.Listen(ctx)
	}, func(error) {})

	for _, pc := range c.cfg.Peers {
		pc := pc
		g.Add(func() error {
			c.transport.Dial(ctx, transport.PeerConfig{ID: pc.ID, Host: pc.Host, WDPort: pc.WDPort, Priority: pc.Priority})
			<-ctx.Done()
			return nil
		}, func(error) {})
	}

	g.Add(func() error {
		return c.ifmonitor.Run(ctx)
	}, func(error) {})

	ln, err := c.ipcServer.Listen()
	if err != nil {
		return err
	}
	g.Add(func() error {
		c.ipcServer.Serve(ln)
		return nil
	}, func(error) {
		ln.Close()
		c.ipcServer.Close()
	})

	g.Add(func() error {
		return c.mainLoop(ctx)
	}, func(error) {})

	return g.Run()
}

// mainLoop is the single dispatch point: transport events, interface
// events, IPC calls and the 1 s tick all funnel through one select so
// every mutation of shared state happens on this one goroutine.
func (c *Cluster) mainLoop(ctx context.Context) error {
	c.machine.Start()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.machine.Shutdown(shutdownCtx)
			cancel()
			return nil
		case ev := <-c.transport.Events:
			c.machine.HandleTransportEvent(ev)
		case ev := <-c.ifmonitor.Events:
			c.machine.HandleIfmonEvent(ev)
		case call := <-c.calls:
			call.fn()
			close(call.done)
		case now := <-ticker.C:
			c.machine.Tick(now)
		}
	}
}

// invoke runs fn on the main loop goroutine and blocks until it returns;
// every IPC handler closure goes through this so IPC connection
// goroutines never touch fsm/peertable state directly.
func (c *Cluster) invoke(fn func()) {
	done := make(chan struct{})
	c.calls <- ipcCall{fn: fn, done: done}
	<-done
}

func (c *Cluster) callNodeStatusChange(payload json.RawMessage) (ipc.Result, error) {
	var outErr error
	c.invoke(func() { outErr = c.machine.SubmitNodeStatusChange(payload) })
	if outErr != nil {
		return ipc.Result{}, outErr
	}
	return ipc.Result{Type: ipc.Ok}, nil
}

func (c *Cluster) callGetNodesList() (ipc.Result, error) {
	var snaps []wdnode.Snapshot
	c.invoke(func() {
		for _, n := range c.table.All() {
			snaps = append(snaps, n.Snapshot())
		}
	})
	return ipc.Result{Type: ipc.Ok, Payload: snaps}, nil
}

func (c *Cluster) callGetRuntimeVariable(name string) (ipc.Result, error) {
	var value any
	c.invoke(func() {
		switch name {
		case "WdState":
			value = c.table.Local().State().String()
		case "QuorumState":
			value = c.table.Local().QuorumStatus()
		case "EscalationState":
			value = c.table.Local().Escalated()
		}
	})
	if value == nil {
		return ipc.Result{}, fmt.Errorf("ipc: unknown runtime variable %q", name)
	}
	return ipc.Result{Type: ipc.Ok, Payload: map[string]any{name: value}}, nil
}

func (c *Cluster) callFailover(payload json.RawMessage) (ipc.Result, error) {
	var req wire.FailoverRequestPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return ipc.Result{}, fmt.Errorf("ipc: decode failover request: %w", err)
	}
	var outcome consensus.Outcome
	var outErr error
	done := make(chan struct{})
	c.invoke(func() {
		c.machine.SubmitFailover(req, func(o consensus.Outcome, err error) {
			outcome, outErr = o, err
			close(done)
		})
	})
	<-done
	if outErr != nil {
		return ipc.Result{}, outErr
	}
	if outcome == consensus.BuildingConsensus {
		return ipc.Result{Type: ipc.ClusterInTransition, Payload: map[string]string{"outcome": outcome.String()}}, nil
	}
	return ipc.Result{Type: ipc.Ok, Payload: map[string]string{"outcome": outcome.String()}}, nil
}

func (c *Cluster) callOnlineRecovery(payload json.RawMessage) (ipc.Result, error) {
	var outErr error
	done := make(chan struct{})
	c.invoke(func() {
		c.machine.SubmitOnlineRecovery(payload, func(_ bool, err error) {
			outErr = err
			close(done)
		})
	})
	<-done
	if outErr != nil {
		return ipc.Result{}, outErr
	}
	return ipc.Result{Type: ipc.Ok}, nil
}

func (c *Cluster) callFailoverIndication(payload json.RawMessage) (ipc.Result, error) {
	var p struct {
		Start bool `json:"start"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return ipc.Result{}, fmt.Errorf("ipc: decode failover indication: %w", err)
	}
	c.invoke(func() { c.machine.SubmitFailoverIndication(p.Start) })
	return ipc.Result{Type: ipc.Ok}, nil
}

func (c *Cluster) callGetMasterData(payload json.RawMessage) (ipc.Result, error) {
	var result json.RawMessage
	var outErr error
	done := make(chan struct{})
	c.invoke(func() {
		c.machine.SubmitGetMasterData(payload, func(data json.RawMessage, err error) {
			result, outErr = data, err
			close(done)
		})
	})
	<-done
	if outErr != nil {
		return ipc.Result{}, outErr
	}
	return ipc.Result{Type: ipc.Ok, Payload: result}, nil
}
