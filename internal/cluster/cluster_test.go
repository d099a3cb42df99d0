package cluster

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/pgwatchdog/watchdog/internal/config"
	"github.com/pgwatchdog/watchdog/internal/wdnode"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T, withPeer bool) *config.Config {
	t.Helper()
	cfg := &config.Config{
		NodeID:       1,
		Host:         "127.0.0.1",
		WDPort:       freePort(t),
		IPCSocketDir: t.TempDir(),
	}
	if withPeer {
		cfg.Peers = []config.PeerConfig{{ID: 2, Host: "127.0.0.1", WDPort: freePort(t)}}
	}
	return cfg
}

func TestBuildWiresLocalNodeAndConfiguredPeers(t *testing.T) {
	cfg := testConfig(t, true)
	c := Build(discardLogger(), cfg, prometheus.NewRegistry())

	require.Equal(t, 1, c.table.Local().ID)
	require.Len(t, c.table.Peers(), 1)
	require.Equal(t, 2, c.table.Peers()[0].ID)
	require.NotNil(t, c.machine)
	require.NotNil(t, c.ipcServer)
	require.NotNil(t, c.tracker)
	require.NotNil(t, c.engine)
}

func TestBuildWithNoPeersLeavesTableEmptyOfRemotes(t *testing.T) {
	cfg := testConfig(t, false)
	c := Build(discardLogger(), cfg, prometheus.NewRegistry())

	require.Empty(t, c.table.Peers())
}

// TestInvokeRunsOnTheConsumingGoroutineAndBlocksUntilDone verifies the
// ipcCall plumbing in isolation: a call enqueued from this goroutine only
// observes its effect after a separate goroutine has drained it from
// c.calls and closed done.
func TestInvokeRunsOnTheConsumingGoroutineAndBlocksUntilDone(t *testing.T) {
	c := &Cluster{calls: make(chan ipcCall, 1)}

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case call := <-c.calls:
				call.fn()
				close(call.done)
			case <-stop:
				return
			}
		}
	}()
	defer close(stop)

	var ran bool
	c.invoke(func() { ran = true })
	require.True(t, ran, "invoke must not return before fn has run")
}

func TestInvokeSerializesConcurrentCallers(t *testing.T) {
	c := &Cluster{calls: make(chan ipcCall, 1)}

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case call := <-c.calls:
				call.fn()
				close(call.done)
			case <-stop:
				return
			}
		}
	}()
	defer close(stop)

	var counter int
	done := make(chan struct{})
	const n = 20
	for i := 0; i < n; i++ {
		go func() {
			c.invoke(func() { counter++ })
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}
	require.Equal(t, n, counter, "every invoke must have executed exactly once on the single consumer")
}

func TestRunStopsCleanlyOnContextCancel(t *testing.T) {
	cfg := testConfig(t, false)
	c := Build(discardLogger(), cfg, prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestCallGetNodesListReturnsLocalAndPeerSnapshots(t *testing.T) {
	cfg := testConfig(t, true)
	c := Build(discardLogger(), cfg, prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	res, err := c.callGetNodesList()
	require.NoError(t, err)
	snaps, ok := res.Payload.([]wdnode.Snapshot)
	require.True(t, ok)
	require.Len(t, snaps, 2)
	require.Equal(t, 1, snaps[0].ID)
	require.Equal(t, 2, snaps[1].ID)

	cancel()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
