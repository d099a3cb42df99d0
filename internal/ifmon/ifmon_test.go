package ifmon

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIPHostPartStripsCIDRSuffix(t *testing.T) {
	require.Equal(t, "10.0.0.5", ipHostPart("10.0.0.5/24"))
	require.Equal(t, "10.0.0.5", ipHostPart("10.0.0.5"))
}

func TestNewDefaultsNonPositivePollInterval(t *testing.T) {
	m := New(discardLogger(), "", 0)
	require.Equal(t, time.Second, m.pollInterval)
	require.NotNil(t, m.Events)
}

func TestAnyRoutableAddressDoesNotError(t *testing.T) {
	// The result depends on the host's interfaces; only the error contract
	// is part of this package's behavior.
	_, err := AnyRoutableAddress()
	require.NoError(t, err)
}
