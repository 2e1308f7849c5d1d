package monitoring

import (
	"github.com/lightningnetwork/lnode/protofsm"
	"github.com/prometheus/client_golang/prometheus"
)

// ChannelSource is the view of the channel switch the collector scrapes.
type ChannelSource interface {
	// StateCounts returns the number of channels in each state.
	StateCounts() map[protofsm.StateName]int

	// LowestTip returns the lowest height processed by a channel still
	// watching the chain.
	LowestTip() (uint32, bool)
}

// channelsCollector reports the live channel population on every scrape.
type channelsCollector struct {
	source ChannelSource

	channelsDesc  *prometheus.Desc
	lowestTipDesc *prometheus.Desc
}

// NewChannelsCollector returns a collector reading from source.
func NewChannelsCollector(source ChannelSource) prometheus.Collector {
	return &channelsCollector{
		source: source,
		channelsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "channels"),
			"Number of channels by state.",
			[]string{"state"}, nil,
		),
		lowestTipDesc: prometheus.NewDesc(
			prometheus.BuildFQName(
				namespace, "", "channel_lowest_tip_height",
			),
			"Lowest block height processed by an active channel.",
			nil, nil,
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *channelsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.channelsDesc
	ch <- c.lowestTipDesc
}

// Collect is part of the prometheus.Collector interface.
func (c *channelsCollector) Collect(ch chan<- prometheus.Metric) {
	for state, count := range c.source.StateCounts() {
		ch <- prometheus.MustNewConstMetric(
			c.channelsDesc, prometheus.GaugeValue, float64(count),
			state.String(),
		)
	}

	// No active channel means there is no meaningful tip to report.
	tip, ok := c.source.LowestTip()
	if !ok {
		return
	}

	ch <- prometheus.MustNewConstMetric(
		c.lowestTipDesc, prometheus.GaugeValue, float64(tip),
	)
}
