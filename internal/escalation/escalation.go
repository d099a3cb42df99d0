// Package escalation manages the fork/exit lifecycle of the VIP-acquire and
// VIP-release helper processes (spec §4.8). The helpers run as separate OS
// processes so a crash inside the (possibly privileged) VIP script cannot
// take down the watchdog, per the design note in spec §9.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ExitWait is the fixed serialization window from spec §4.8: if the
// opposite helper is still alive, wait up to this long before forking its
// counterpart.
const ExitWait = 5 * time.Second

// Scripts configures the external commands run to acquire/release the VIP.
// Empty paths make the corresponding action a no-op success, useful for
// tests and for deployments with no VIP configured.
type Scripts struct {
	Acquire string
	Release string
}

// Manager tracks the single in-flight helper invocation (acquire or
// release) at a time, serialized per spec §4.8.
type Manager struct {
	logger  *slog.Logger
	scripts Scripts

	mu      sync.Mutex
	running *invocation
}

type invocation struct {
	id      string
	kind    string // "acquire" or "release"
	cmd     *exec.Cmd
	done    chan struct{}
}

func New(logger *slog.Logger, scripts Scripts) *Manager {
	return &Manager{
		logger:  logger.With("component", "escalation"),
		scripts: scripts,
	}
}

// Acquire runs the VIP-acquire helper. It waits up to ExitWait for a
// currently-running release helper to finish before forking, then forks
// regardless and logs if the wait expired.
func (m *Manager) Acquire(ctx context.Context) error {
	return m.run(ctx, "acquire", m.scripts.Acquire)
}

// Release runs the VIP-release helper under the same serialization rule.
func (m *Manager) Release(ctx context.Context) error {
	return m.run(ctx, "release", m.scripts.Release)
}

func (m *Manager) run(ctx context.Context, kind, script string) error {
	m.waitForOpposite(kind)

	id := uuid.NewString()
	logger := m.logger.With("invocation", id, "kind", kind)

	if script == "" {
		logger.Debug("no script configured, treating as no-op")
		return nil
	}

	cmd := exec.CommandContext(ctx, script, kind)
	inv := &invocation{id: id, kind: kind, cmd: cmd, done: make(chan struct{})}

	m.mu.Lock()
	m.running = inv
	m.mu.Unlock()

	logger.Info("forking escalation helper", "script", script)
	if err := cmd.Start(); err != nil {
		m.mu.Lock()
		m.running = nil
		m.mu.Unlock()
		close(inv.done)
		return fmt.Errorf("escalation: start %s helper: %w", kind, err)
	}

	go func() {
		err := cmd.Wait()
		m.mu.Lock()
		if m.running == inv {
			m.running = nil
		}
		m.mu.Unlock()
		close(inv.done)
		if err != nil {
			logger.Warn("escalation helper exited with error", "err", err)
		} else {
			logger.Info("escalation helper finished")
		}
	}()

	return nil
}

// waitForOpposite blocks up to ExitWait if a helper of the opposite kind is
// still running.
func (m *Manager) waitForOpposite(kind string) {
	opposite := "release"
	if kind == "release" {
		opposite = "acquire"
	}

	m.mu.Lock()
	inv := m.running
	m.mu.Unlock()
	if inv == nil || inv.kind != opposite {
		return
	}

	select {
	case <-inv.done:
	case <-time.After(ExitWait):
		m.logger.Warn("opposite escalation helper still running after wait, forking anyway",
			"waited_for", opposite, "kind", kind)
	}
}
