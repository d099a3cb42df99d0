package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersEveryMetricExactlyOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NotNil(t, m)

	require.NotPanics(t, func() {
		m.PeerLostTotal.Inc()
		m.CommandsCompleted.WithLabelValues("timeout").Inc()
		m.StateTransitions.WithLabelValues("coordinator").Inc()
		m.EscalationsTotal.WithLabelValues("acquire").Inc()
	})

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	require.Equal(t, 10, count, "every metric field on Metrics must be registered exactly once")
}

func TestQuorumStatusGaugeReflectsLastSet(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.QuorumStatus.Set(-1)
	require.Equal(t, float64(-1), testutil.ToFloat64(m.QuorumStatus))
	m.QuorumStatus.Set(1)
	require.Equal(t, float64(1), testutil.ToFloat64(m.QuorumStatus))
}
