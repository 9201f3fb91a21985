// ABOUTME: Prometheus instrumentation for the sync engine.
// ABOUTME: Collectors are created unregistered; callers opt in via Register.

// Package metrics exposes counters for connection churn and reconciliation
// outcomes. New returns unregistered collectors so tests and embedders that
// do not scrape stay silent; Register attaches them to a registry for
// serving via promhttp.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine's collectors.
type Metrics struct {
	ConnectAttempts   prometheus.Counter
	Reconnects        prometheus.Counter
	WatchdogExpiries  prometheus.Counter
	MessagesMerged    prometheus.Counter
	MessagesAppended  prometheus.Counter
	EventsDiscarded   prometheus.Counter
	ReceiptsThrottled prometheus.Counter
}

// New creates the engine collectors. They are not registered anywhere yet.
func New() *Metrics {
	return &Metrics{
		ConnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_connect_attempts_total",
			Help: "Connection attempts, including retries.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_reconnects_total",
			Help: "Successful reconnections after a completed session.",
		}),
		WatchdogExpiries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_watchdog_expiries_total",
			Help: "Connection attempts forced back to disconnected by the watchdog.",
		}),
		MessagesMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_messages_merged_total",
			Help: "Server messages that replaced a pending local echo.",
		}),
		MessagesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_messages_appended_total",
			Help: "Server messages appended as new entries.",
		}),
		EventsDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_events_discarded_total",
			Help: "Inbound events rejected by the conversation filter.",
		}),
		ReceiptsThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_receipts_throttled_total",
			Help: "markRead calls suppressed by the per-conversation window.",
		}),
	}
}

// Register attaches all collectors to the given registerer.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.ConnectAttempts,
		m.Reconnects,
		m.WatchdogExpiries,
		m.MessagesMerged,
		m.MessagesAppended,
		m.EventsDiscarded,
		m.ReceiptsThrottled,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
