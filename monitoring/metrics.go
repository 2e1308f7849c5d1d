package monitoring

import (
	"github.com/lightningnetwork/lnode/protofsm"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lnode"

// ChannelMetrics counts the events dispatched to the channel state machines.
type ChannelMetrics struct {
	events      *prometheus.CounterVec
	transitions *prometheus.CounterVec
	errors      *prometheus.CounterVec
}

// NewChannelMetrics creates the counters. They are not registered until
// Register is called.
func NewChannelMetrics() *ChannelMetrics {
	return &ChannelMetrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "channel_events_total",
				Help: "Events dispatched to channels by state " +
					"and event type.",
			},
			[]string{"state", "event"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "channel_transitions_total",
				Help:      "Channel state changes.",
			},
			[]string{"from", "to"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "channel_event_errors_total",
				Help: "Events rejected by the channel state " +
					"machine.",
			},
			[]string{"state", "event"},
		),
	}
}

// ObserveDispatch records a single dispatch. It has the signature of a
// protofsm.DispatchObserver.
func (m *ChannelMetrics) ObserveDispatch(from, to protofsm.StateName,
	eventType protofsm.EventType, err error) {

	m.events.WithLabelValues(from.String(), string(eventType)).Inc()

	if err != nil {
		m.errors.WithLabelValues(from.String(), string(eventType)).Inc()
		return
	}

	if from != to {
		m.transitions.WithLabelValues(from.String(), to.String()).Inc()
	}
}

// Observer returns ObserveDispatch as a protofsm.DispatchObserver.
func (m *ChannelMetrics) Observer() protofsm.DispatchObserver {
	return m.ObserveDispatch
}

// Register adds the counters to reg.
func (m *ChannelMetrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.events, m.transitions, m.errors,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}

	return nil
}
