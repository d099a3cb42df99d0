// Package command implements the command tracker (spec §4.5): outstanding
// multi-peer requests with per-peer reply tracking, timeouts and a single
// completion callback. Each Command lives in its own small arena, destroyed
// immediately on completion.
package command

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pgwatchdog/watchdog/internal/wire"
)

type Source int

const (
	SourceIPC Source = iota
	SourceLocal
	SourceRemote
	SourceInternal
)

type PeerCmdState int

const (
	PeerInit PeerCmdState = iota
	PeerSent
	PeerReplied
	PeerSendError
	PeerDoNotSend
)

type Status int

const (
	InProgress Status = iota
	AllReplied
	Timeout
	NodeRejected
	SendFailed
)

func (s Status) String() string {
	switch s {
	case InProgress:
		return "in-progress"
	case AllReplied:
		return "all-replied"
	case Timeout:
		return "timeout"
	case NodeRejected:
		return "node-rejected"
	case SendFailed:
		return "send-failed"
	default:
		return "unknown"
	}
}

// PeerResult tracks one target peer's outcome within a Command.
type PeerResult struct {
	PeerID       int
	State        PeerCmdState
	ReplyType    wire.Type
	ReplyPayload []byte
}

// Command is an in-flight multi-peer request.
type Command struct {
	CommandID uint32
	Packet    wire.Message
	Source    Source
	// SourceRef identifies where the result is delivered: an IPC
	// connection id for SourceIPC, a peer id for SourceRemote, or 0.
	SourceRef int

	mu            sync.Mutex
	perPeer       map[int]*PeerResult
	sendCount     int
	replyCount    int
	sendErrCount  int
	StartedAt     time.Time
	TimeoutSec    int
	status        Status
	OnComplete    func(*Command)
}

func (c *Command) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Command) PerPeer() map[int]PeerResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]PeerResult, len(c.perPeer))
	for id, r := range c.perPeer {
		out[id] = *r
	}
	return out
}

func (c *Command) AnyRejected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.perPeer {
		if r.State == PeerReplied && (r.ReplyType == wire.Reject || r.ReplyType == wire.Error) {
			return true
		}
	}
	return false
}

// Tracker owns every in-flight Command, keyed by command_id.
type Tracker struct {
	logger *slog.Logger
	send   func(peerID int, msg wire.Message) error

	nextID uint32

	mu       sync.Mutex
	inFlight map[uint32]*Command

	// completed guards the command-id idempotence property: a reply whose
	// command_id matches a command destroyed moments ago is dropped
	// silently instead of logged as "unknown command_id" noise.
	completed *lru.Cache[uint32, struct{}]
}

func NewTracker(logger *slog.Logger, send func(peerID int, msg wire.Message) error) *Tracker {
	c, _ := lru.New[uint32, struct{}](1024)
	return &Tracker{
		logger:    logger.With("component", "command-tracker"),
		send:      send,
		inFlight:  make(map[uint32]*Command),
		completed: c,
	}
}

// NextCommandID returns the next monotonically increasing id for a new
// request originated locally.
func (tr *Tracker) NextCommandID() uint32 {
	return atomic.AddUint32(&tr.nextID, 1)
}

// Create allocates a Command, attempts a send to every target peer and
// records the outcome per spec §4.5. targets with no live connection are
// marked DoNotSend rather than attempted.
func (tr *Tracker) Create(commandID uint32, packet wire.Message, source Source, sourceRef int, targets []int, reachable map[int]bool, timeoutSec int, onComplete func(*Command)) *Command {
	cmd := &Command{
		CommandID:  commandID,
		Packet:     packet,
		Source:     source,
		SourceRef:  sourceRef,
		perPeer:    make(map[int]*PeerResult),
		StartedAt:  time.Now(),
		TimeoutSec: timeoutSec,
		status:     InProgress,
		OnComplete: onComplete,
	}

	for _, id := range targets {
		r := &PeerResult{PeerID: id}
		cmd.perPeer[id] = r
		if !reachable[id] {
			r.State = PeerDoNotSend
			continue
		}
		if err := tr.send(id, packet); err != nil {
			r.State = PeerSendError
			cmd.sendErrCount++
			continue
		}
		r.State = PeerSent
		cmd.sendCount++
	}

	tr.mu.Lock()
	tr.inFlight[commandID] = cmd
	tr.mu.Unlock()

	if cmd.sendCount == 0 {
		tr.complete(cmd, SendFailed)
	}
	return cmd
}

// HandleReply correlates a reply frame to its Command and peer slot. A
// second reply from the same peer, or a reply for a command_id that has
// already completed, is ignored (command-id idempotence, spec §8).
func (tr *Tracker) HandleReply(peerID int, msg wire.Message) {
	tr.mu.Lock()
	cmd, ok := tr.inFlight[msg.CommandID]
	tr.mu.Unlock()
	if !ok {
		if _, seen := tr.completed.Get(msg.CommandID); !seen {
			tr.logger.Debug("reply for unknown command_id", "command_id", msg.CommandID, "peer", peerID)
		}
		return
	}

	cmd.mu.Lock()
	r, ok := cmd.perPeer[peerID]
	if !ok || r.State == PeerReplied {
		cmd.mu.Unlock()
		return
	}
	r.State = PeerReplied
	r.ReplyType = msg.Type
	r.ReplyPayload = msg.Payload
	cmd.replyCount++
	done := cmd.replyCount >= cmd.sendCount
	cmd.mu.Unlock()

	if done {
		status := AllReplied
		if cmd.AnyRejected() {
			status = NodeRejected
		}
		tr.complete(cmd, status)
	}
}

// HandlePeerLost adjusts every in-flight command that was waiting on
// peerID: its outstanding slot no longer counts toward sendCount, which may
// complete the command.
func (tr *Tracker) HandlePeerLost(peerID int) {
	tr.mu.Lock()
	cmds := make([]*Command, 0, len(tr.inFlight))
	for _, c := range tr.inFlight {
		cmds = append(cmds, c)
	}
	tr.mu.Unlock()

	for _, cmd := range cmds {
		cmd.mu.Lock()
		r, ok := cmd.perPeer[peerID]
		if !ok || r.State != PeerSent {
			cmd.mu.Unlock()
			continue
		}
		r.State = PeerSendError
		cmd.sendCount--
		done := cmd.sendCount > 0 && cmd.replyCount >= cmd.sendCount
		emptied := cmd.sendCount <= 0
		cmd.mu.Unlock()

		if emptied {
			tr.complete(cmd, SendFailed)
		} else if done {
			status := AllReplied
			if cmd.AnyRejected() {
				status = NodeRejected
			}
			tr.complete(cmd, status)
		}
	}
}

// CheckDeadlines completes every command whose deadline has passed.
func (tr *Tracker) CheckDeadlines(now time.Time) {
	tr.mu.Lock()
	cmds := make([]*Command, 0, len(tr.inFlight))
	for _, c := range tr.inFlight {
		cmds = append(cmds, c)
	}
	tr.mu.Unlock()

	for _, cmd := range cmds {
		if cmd.TimeoutSec <= 0 {
			continue
		}
		if now.Sub(cmd.StartedAt) >= time.Duration(cmd.TimeoutSec)*time.Second {
			tr.complete(cmd, Timeout)
		}
	}
}

// ResendQueued retries every command slot in PeerSendError state targeting
// peerID, used when reachability to a previously-unreachable peer is
// restored (spec §4.5).
func (tr *Tracker) ResendQueued(peerID int) {
	tr.mu.Lock()
	cmds := make([]*Command, 0, len(tr.inFlight))
	for _, c := range tr.inFlight {
		cmds = append(cmds, c)
	}
	tr.mu.Unlock()

	for _, cmd := range cmds {
		cmd.mu.Lock()
		r, ok := cmd.perPeer[peerID]
		if !ok || r.State != PeerSendError {
			cmd.mu.Unlock()
			continue
		}
		cmd.mu.Unlock()

		if err := tr.send(peerID, cmd.Packet); err != nil {
			continue
		}
		cmd.mu.Lock()
		r.State = PeerSent
		cmd.sendCount++
		cmd.mu.Unlock()
	}
}

func (tr *Tracker) complete(cmd *Command, status Status) {
	tr.mu.Lock()
	delete(tr.inFlight, cmd.CommandID)
	tr.mu.Unlock()
	tr.completed.Add(cmd.CommandID, struct{}{})

	cmd.mu.Lock()
	cmd.status = status
	cb := cmd.OnComplete
	cmd.mu.Unlock()

	if cb != nil {
		cb(cmd)
	}
}

// Lookup returns the in-flight command for id, if any.
func (tr *Tracker) Lookup(id uint32) (*Command, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	cmd, ok := tr.inFlight[id]
	return cmd, ok
}
