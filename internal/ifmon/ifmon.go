// Package ifmon is the interface monitor (spec §4.9): it watches the host's
// network interfaces and reports link and IP address changes as events the
// state machine folds in. The real OS-level netlink/routing-socket
// notification path is platform-specific and is abstracted here behind a
// periodic poll using github.com/hashicorp/go-sockaddr's interface
// enumeration, the same library the teacher repo uses to reason about
// routable addresses.
package ifmon

import (
	"context"
	"log/slog"
	"net"
	"time"

	sockaddr "github.com/hashicorp/go-sockaddr"
)

type EventKind int

const (
	LinkUp EventKind = iota
	LinkDown
	IPAssigned
	IPRemoved
)

type Event struct {
	Kind EventKind
	IP   string
}

// Monitor polls local interface/address state at PollInterval and emits
// Events on transitions.
type Monitor struct {
	logger       *slog.Logger
	vip          string
	pollInterval time.Duration

	Events chan Event

	lastHadLink bool
	lastHadVIP  bool
}

func New(logger *slog.Logger, vip string, pollInterval time.Duration) *Monitor {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Monitor{
		logger:       logger.With("component", "ifmon"),
		vip:          vip,
		pollInterval: pollInterval,
		Events:       make(chan Event, 16),
	}
}

// Run polls until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.poll()
		}
	}
}

func (m *Monitor) poll() {
	ifaddrs, err := sockaddr.GetAllInterfaces()
	if err != nil {
		m.logger.Warn("interface enumeration failed", "err", err)
		return
	}

	hasLink := false
	hasVIP := false
	for _, ifa := range ifaddrs {
		flags := ifa.Interface.Flags
		if flags&net.FlagUp == 0 || flags&net.FlagLoopback != 0 {
			continue
		}
		hasLink = true
		ip := ipHostPart(ifa.SockAddr.String())
		if m.vip != "" && ip == m.vip {
			hasVIP = true
		}
	}

	if hasLink != m.lastHadLink {
		if hasLink {
			m.Events <- Event{Kind: LinkUp}
		} else {
			m.Events <- Event{Kind: LinkDown}
		}
		m.lastHadLink = hasLink
	}
	if hasVIP != m.lastHadVIP {
		if hasVIP {
			m.Events <- Event{Kind: IPAssigned, IP: m.vip}
		} else {
			m.Events <- Event{Kind: IPRemoved, IP: m.vip}
		}
		m.lastHadVIP = hasVIP
	}
}

func ipHostPart(cidr string) string {
	for i, c := range cidr {
		if c == '/' {
			return cidr[:i]
		}
	}
	return cidr
}

// AnyRoutableAddress reports whether any non-loopback interface currently
// carries an address, used for the "no interface available at startup"
// fatal check (spec §6.3).
func AnyRoutableAddress() (bool, error) {
	ifaddrs, err := sockaddr.GetAllInterfaces()
	if err != nil {
		return false, err
	}
	for _, ifa := range ifaddrs {
		flags := ifa.Interface.Flags
		if flags&net.FlagUp == 0 || flags&net.FlagLoopback != 0 {
			continue
		}
		return true, nil
	}
	return false, nil
}
