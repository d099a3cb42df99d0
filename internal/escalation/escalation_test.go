package escalation

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestAcquireWithNoScriptIsANoop(t *testing.T) {
	m := New(discardLogger(), Scripts{})
	require.NoError(t, m.Acquire(context.Background()))
}

func TestAcquireRunsConfiguredScript(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ran")
	script := writeScript(t, "touch "+marker+"\n")
	m := New(discardLogger(), Scripts{Acquire: script})

	require.NoError(t, m.Acquire(context.Background()))

	require.Eventually(t, func() bool {
		_, err := os.Stat(marker)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReleaseWaitsForInFlightAcquireBeforeRunning(t *testing.T) {
	acquireMarker := filepath.Join(t.TempDir(), "acquire-done")
	releaseMarker := filepath.Join(t.TempDir(), "release-done")

	acquireScript := writeScript(t, "sleep 0.3; touch "+acquireMarker+"\n")
	releaseScript := writeScript(t, "touch "+releaseMarker+"\n")

	m := New(discardLogger(), Scripts{Acquire: acquireScript, Release: releaseScript})
	require.NoError(t, m.Acquire(context.Background()))
	require.NoError(t, m.Release(context.Background()))

	// Release forks only after waiting on the acquire helper's done channel,
	// so the acquire marker must already exist the moment release starts.
	_, acquireErr := os.Stat(acquireMarker)
	require.NoError(t, acquireErr, "acquire should have finished before Release forked its helper, since Release waits on ExitWait")

	require.Eventually(t, func() bool {
		_, err := os.Stat(releaseMarker)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}
