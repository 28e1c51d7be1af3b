package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New("tcpshm_test", reg)

	s.BytesSent.WithLabelValues("peerA").Add(128)
	s.LiveConns.WithLabelValues("grp0", "tcp").Set(3)

	families, err := reg.Gather()
	require.NoError(t, err)

	var foundBytes, foundLive bool
	for _, f := range families {
		switch f.GetName() {
		case "tcpshm_test_bytes_sent_total":
			foundBytes = true
			require.Equal(t, 128.0, f.Metric[0].Counter.GetValue())
		case "tcpshm_test_live_connections":
			foundLive = true
			require.Equal(t, 3.0, f.Metric[0].Gauge.GetValue())
		}
	}
	require.True(t, foundBytes)
	require.True(t, foundLive)
}
