package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/wiretap/internal/metrics"
	"github.com/die-net/wiretap/internal/pdu"
)

type proxyRef string

func (p proxyRef) Code() string { return string(p) }

func TestObserverAndListener(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	p := pdu.New(pdu.KindTCP, pdu.Server, []byte("PING"))
	p.Proxy = proxyRef("tcp1")
	m.Forwarded(p)
	m.Forwarded(p)
	m.Dropped(p, "tagger")
	m.Injected(p)

	n, err := promtest.GatherAndCount(reg, "wiretap_pdus_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, float64(8), gatherValue(t, reg, "wiretap_pdus_forwarded_bytes_total"))

	l := m.Listener("tcp1")
	l.ConnectionStarted(nil)
	l.ConnectionStarted(nil)
	l.ConnectionStopped(nil)
	assert.Equal(t, float64(1), gatherValue(t, reg, "wiretap_connections_active"))
	assert.Equal(t, float64(2), gatherValue(t, reg, "wiretap_connections_total"))
	assert.Equal(t, float64(1), gatherValue(t, reg, "wiretap_interceptors_drops_total"))
}

func gatherValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range f.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				sum += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				sum += m.GetGauge().GetValue()
			}
		}
		return sum
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
