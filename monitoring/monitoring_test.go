package monitoring

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/lightningnetwork/lnode/lncfg"
	"github.com/lightningnetwork/lnode/protofsm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

// staticSource is a ChannelSource with fixed values.
type staticSource struct {
	counts map[protofsm.StateName]int
	tip    uint32
	hasTip bool
}

func (s *staticSource) StateCounts() map[protofsm.StateName]int {
	return s.counts
}

func (s *staticSource) LowestTip() (uint32, bool) {
	return s.tip, s.hasTip
}

// gaugeValues gathers reg and returns the gauges of the named family keyed by
// their first label value, or by "" if unlabelled.
func gaugeValues(t *testing.T, reg *prometheus.Registry,
	name string) map[string]float64 {

	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}

		for _, metric := range family.GetMetric() {
			values[labelValue(metric)] = metric.GetGauge().GetValue()
		}
	}

	return values
}

func labelValue(metric *dto.Metric) string {
	if len(metric.GetLabel()) == 0 {
		return ""
	}

	return metric.GetLabel()[0].GetValue()
}

// TestChannelMetrics checks the counters updated by the dispatch observer.
func TestChannelMetrics(t *testing.T) {
	t.Parallel()

	m := NewChannelMetrics()
	observe := m.Observer()

	observe("normal", "normal", "block_connected", nil)
	observe("normal", "normal", "block_connected", nil)
	observe("normal", "closing", "block_connected", nil)
	observe("normal", "normal", "update_add_htlc", errors.New("bad"))

	require.Equal(t, 3.0, testutil.ToFloat64(
		m.events.WithLabelValues("normal", "block_connected"),
	))
	require.Equal(t, 1.0, testutil.ToFloat64(
		m.events.WithLabelValues("normal", "update_add_htlc"),
	))
	require.Equal(t, 1.0, testutil.ToFloat64(
		m.transitions.WithLabelValues("normal", "closing"),
	))
	require.Equal(t, 1.0, testutil.ToFloat64(
		m.errors.WithLabelValues("normal", "update_add_htlc"),
	))

	// A failed dispatch never counts as a transition, and staying in a
	// state is not one either.
	require.Equal(t, 1, testutil.CollectAndCount(m.transitions))

	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))
	require.Error(t, m.Register(reg))
}

// TestChannelsCollector checks that every scrape reads the source.
func TestChannelsCollector(t *testing.T) {
	t.Parallel()

	source := &staticSource{
		counts: map[protofsm.StateName]int{
			"awaiting_funding_depth": 2,
			"normal":                 5,
			"closed":                 0,
		},
	}

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewChannelsCollector(source)))

	require.Equal(t, map[string]float64{
		"awaiting_funding_depth": 2,
		"normal":                 5,
		"closed":                 0,
	}, gaugeValues(t, reg, "lnode_channels"))

	// Without an active channel there is no tip.
	require.Empty(t, gaugeValues(t, reg, "lnode_channel_lowest_tip_height"))

	source.tip, source.hasTip = 812_000, true
	source.counts["normal"] = 6

	require.Equal(t, map[string]float64{"": 812_000}, gaugeValues(
		t, reg, "lnode_channel_lowest_tip_height",
	))
	require.Equal(t, 6.0, gaugeValues(t, reg, "lnode_channels")["normal"])
}

// TestExporter checks that the exporter serves the registry over http.
func TestExporter(t *testing.T) {
	t.Parallel()

	m := NewChannelMetrics()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))
	m.ObserveDispatch("closing", "closed", "block_connected", nil)

	exporter := NewExporter(lncfg.Prometheus{
		Enable: true,
		Listen: "127.0.0.1:0",
	}, reg)

	addr, err := exporter.Start()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, exporter.Stop())
	})

	resp, err := http.Get(fmt.Sprintf("http://%v/metrics", addr))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "lnode_channel_transitions_total")
}

// TestExporterStopWithoutStart checks that stopping an idle exporter is a
// no-op.
func TestExporterStopWithoutStart(t *testing.T) {
	t.Parallel()

	exporter := NewExporter(lncfg.DefaultPrometheus(),
		prometheus.NewRegistry())
	require.NoError(t, exporter.Stop())
}
