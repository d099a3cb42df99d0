// Package transport implements the per-peer dual TCP connections described
// in spec §4.1: one outbound (we dial) and one inbound (peer dials us)
// socket per remote node, framed with the wire package's codec.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pgwatchdog/watchdog/internal/wdnode"
	"github.com/pgwatchdog/watchdog/internal/wire"
)

// Direction distinguishes which of a peer's two sockets an event concerns.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Event is pushed to the Transport's Events channel for the main loop to
// fold into the FSM and peer table. Which payload fields are meaningful
// depends on Kind: EventAddNode carries both Message and Identity.
type Event struct {
	Kind       EventKind
	PeerID     int
	Direction  Direction
	Message    wire.Message
	Identity   wdnode.Identity // set on EventAddNode
	RemoteAddr string          // set on EventConnected
	Err        error
}

type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventMessage
	EventAddNode // inbound connection authenticated with an AddNode frame
)

// PeerConfig is the static dial target for one configured peer.
type PeerConfig struct {
	ID       int
	Host     string
	WDPort   int
	Priority int16
}

// Transport owns the listen socket and one outboundLink per configured
// peer. All writes are best-effort: a partial write tears the connection
// down and the caller observes EventDisconnected.
type Transport struct {
	logger   *slog.Logger
	local    wdnode.Identity
	authKey  string
	listenAt string

	Events chan Event

	mu      sync.Mutex
	links   map[int]*outboundLink
	closing bool

	listener net.Listener
}

func New(logger *slog.Logger, local wdnode.Identity, authKey, listenAt string) *Transport {
	return &Transport{
		logger:   logger.With("component", "transport"),
		local:    local,
		authKey:  authKey,
		listenAt: listenAt,
		Events:   make(chan Event, 256),
		links:    make(map[int]*outboundLink),
	}
}

// Listen starts accepting inbound connections. It blocks until ctx is
// cancelled or the listener fails.
func (t *Transport) Listen(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", t.listenAt)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", t.listenAt, err)
	}
	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			t.logger.Warn("accept failed", "err", err)
			continue
		}
		tuneSocket(conn)
		go t.handleInbound(conn)
	}
}

func tuneSocket(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetNoDelay(true)
	}
}

// handleInbound waits for the peer's first frame, which must be AddNode,
// authenticates it and then runs the read loop for the lifetime of the
// connection.
func (t *Transport) handleInbound(conn net.Conn) {
	br := bufio.NewReader(conn)
	msg, err := wire.ReadMessage(br)
	if err != nil {
		conn.Close()
		return
	}
	if msg.Type != wire.AddNode {
		t.logger.Warn("protocol violation: expected AddNode", "got", msg.Type)
		_ = wire.WriteMessage(conn, wire.Message{Type: wire.Reject, CommandID: msg.CommandID})
		conn.Close()
		return
	}
	var payload wire.AddNodePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		_ = wire.WriteMessage(conn, wire.Message{Type: wire.Reject, CommandID: msg.CommandID})
		conn.Close()
		return
	}
	if t.authKey != "" {
		want := wire.AuthDigest(t.authKey, "AddNode", payload.WDPort)
		if payload.AuthDigest != want {
			t.logger.Warn("AddNode auth mismatch", "peer", payload.Name)
			_ = wire.WriteMessage(conn, wire.Message{Type: wire.Reject, CommandID: msg.CommandID})
			conn.Close()
			return
		}
	}

	t.Events <- Event{
		Kind:      EventAddNode,
		PeerID:    payload.ID,
		Direction: Inbound,
		Message:   msg,
		Identity: wdnode.Identity{
			ID:          payload.ID,
			Priority:    payload.Priority,
			Host:        payload.Host,
			WDPort:      payload.WDPort,
			AppPort:     payload.AppPort,
			Name:        payload.Name,
			StartupTime: payload.StartupTime,
			DelegateIP:  payload.DelegateIP,
		},
	}
	t.Events <- Event{Kind: EventConnected, PeerID: payload.ID, Direction: Inbound, RemoteAddr: conn.RemoteAddr().String()}

	t.readLoop(conn, br, payload.ID, Inbound)
}

func (t *Transport) readLoop(conn net.Conn, br *bufio.Reader, peerID int, dir Direction) {
	defer func() {
		conn.Close()
		t.Events <- Event{Kind: EventDisconnected, PeerID: peerID, Direction: dir}
	}()
	for {
		msg, err := wire.ReadMessage(br)
		if err != nil {
			return
		}
		t.Events <- Event{Kind: EventMessage, PeerID: peerID, Direction: dir, Message: msg}
	}
}

// Send writes msg on the peer's outbound connection. Inbound connections
// are only read from, never written to, so a peer reachable only through
// its inbound link cannot be sent to. It returns an error if the outbound
// connection is not up or the write fails; the caller is responsible for
// treating a write error as a connection loss.
func (t *Transport) Send(peerID int, msg wire.Message) error {
	t.mu.Lock()
	link := t.links[peerID]
	t.mu.Unlock()
	if link == nil {
		return fmt.Errorf("transport: no link for peer %d", peerID)
	}
	return link.send(msg)
}

// Dial registers a peer to be kept outbound-connected, reconnecting on a
// backoff floor of 10s per §4.1.
func (t *Transport) Dial(ctx context.Context, pc PeerConfig) {
	t.mu.Lock()
	if _, ok := t.links[pc.ID]; ok {
		t.mu.Unlock()
		return
	}
	link := newOutboundLink(t, pc)
	t.links[pc.ID] = link
	t.mu.Unlock()
	go link.run(ctx)
}

// outboundLink owns the dial-retry loop and the live connection (if any)
// for one peer's outbound socket.
type outboundLink struct {
	t  *Transport
	pc PeerConfig

	mu   sync.Mutex
	conn net.Conn
}

func newOutboundLink(t *Transport, pc PeerConfig) *outboundLink {
	return &outboundLink{t: t, pc: pc}
}

func (l *outboundLink) send(msg wire.Message) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport: peer %d outbound not connected", l.pc.ID)
	}
	if err := wire.WriteMessage(conn, msg); err != nil {
		l.drop()
		return err
	}
	return nil
}

func (l *outboundLink) drop() {
	l.mu.Lock()
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	l.mu.Unlock()
}

// run dials pc.Host:pc.WDPort, retrying with a backoff floored at 10s
// between attempts, until ctx is cancelled. Each successful connect sends
// AddNode and dispatches EventConnected; the read loop runs until the
// connection drops, after which the loop reconnects.
func (l *outboundLink) run(ctx context.Context) {
	addr := fmt.Sprintf("%s:%d", l.pc.Host, l.pc.WDPort)
	for {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 10 * time.Second
		bo.MaxInterval = 10 * time.Second
		bo.RandomizationFactor = 0 // no jitter, so no wait falls below 10s
		bo.MaxElapsedTime = 0      // retry forever until ctx is done

		var conn net.Conn
		err := backoff.Retry(func() error {
			select {
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			default:
			}
			d := net.Dialer{Timeout: 5 * time.Second}
			c, dialErr := d.DialContext(ctx, "tcp", addr)
			if dialErr != nil {
				return dialErr
			}
			conn = c
			return nil
		}, backoff.WithContext(bo, ctx))
		if err != nil {
			return // ctx cancelled
		}

		tuneSocket(conn)
		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()

		if err := l.sendAddNode(conn); err != nil {
			conn.Close()
			continue
		}

		l.t.Events <- Event{Kind: EventConnected, PeerID: l.pc.ID, Direction: Outbound, RemoteAddr: conn.RemoteAddr().String()}

		br := bufio.NewReader(conn)
		l.t.readLoop(conn, br, l.pc.ID, Outbound)

		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (l *outboundLink) sendAddNode(conn net.Conn) error {
	payload := wire.AddNodePayload{
		ID:          l.t.local.ID,
		Priority:    l.t.local.Priority,
		Host:        l.t.local.Host,
		WDPort:      l.t.local.WDPort,
		AppPort:     l.t.local.AppPort,
		Name:        l.t.local.Name,
		StartupTime: l.t.local.StartupTime,
		DelegateIP:  l.t.local.DelegateIP,
	}
	if l.t.authKey != "" {
		payload.AuthDigest = wire.AuthDigest(l.t.authKey, "AddNode", l.t.local.WDPort)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return wire.WriteMessage(conn, wire.Message{Type: wire.AddNode, Payload: b})
}
