package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors shared by the daemon and the conversation
// engine. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Conversation engine
	HistoryLoads      *prometheus.CounterVec
	HistoryDuration   prometheus.Histogram
	ChannelsOpen      prometheus.Gauge
	EventsDelivered   *prometheus.CounterVec
	StaleEvents       prometheus.Counter
	ResolveFailures   prometheus.Counter
	EchoesConfirmed   *prometheus.CounterVec
	SendFailures      *prometheus.CounterVec
	ReadConfirmations prometheus.Counter
	ReadConfirmFails  prometheus.Counter

	// Store
	Changes *prometheus.CounterVec

	// Profile cache
	CacheLookups *prometheus.CounterVec

	// Bus
	BusDrops *prometheus.CounterVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HistoryLoads: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convsync_history_loads_total",
				Help: "History fetches by conversation kind and result",
			},
			[]string{"kind", "result"},
		),
		HistoryDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "convsync_history_load_seconds",
				Help:    "History fetch latency, including profile resolution",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
		),
		ChannelsOpen: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "convsync_channels_open",
				Help: "Live subscription channels currently open",
			},
		),
		EventsDelivered: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convsync_events_delivered_total",
				Help: "Resolved push events handed to a view",
			},
			[]string{"kind"},
		),
		StaleEvents: f.NewCounter(
			prometheus.CounterOpts{
				Name: "convsync_stale_events_dropped_total",
				Help: "Resolved push events dropped because their channel was no longer active",
			},
		),
		ResolveFailures: f.NewCounter(
			prometheus.CounterOpts{
				Name: "convsync_resolve_failures_total",
				Help: "Push events dropped because the row or sender could not be resolved",
			},
		),
		EchoesConfirmed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convsync_echoes_confirmed_total",
				Help: "Local echoes replaced by their stored row",
			},
			[]string{"via"}, // "ack", "push" or "history"
		),
		SendFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convsync_send_failures_total",
				Help: "Sends that left a failed echo",
			},
			[]string{"kind"},
		),
		ReadConfirmations: f.NewCounter(
			prometheus.CounterOpts{
				Name: "convsync_read_confirmations_total",
				Help: "Direct messages marked read",
			},
		),
		ReadConfirmFails: f.NewCounter(
			prometheus.CounterOpts{
				Name: "convsync_read_confirm_failures_total",
				Help: "Read confirmations that failed to write",
			},
		),
		Changes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convsync_store_changes_total",
				Help: "Committed row changes by table and op",
			},
			[]string{"table", "op"},
		),
		CacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convsync_profile_cache_lookups_total",
				Help: "Profile cache lookups by result",
			},
			[]string{"result"}, // "hit", "miss" or "error"
		),
		BusDrops: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convsync_bus_dropped_events_total",
				Help: "Bus events dropped because a subscriber was full",
			},
			[]string{"kind"},
		),
	}
}

func (m *Metrics) HistoryLoaded(kind string, err error, seconds float64) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.HistoryLoads.WithLabelValues(kind, result).Inc()
	m.HistoryDuration.Observe(seconds)
}

func (m *Metrics) ChannelOpened() {
	if m != nil {
		m.ChannelsOpen.Inc()
	}
}

func (m *Metrics) ChannelClosed() {
	if m != nil {
		m.ChannelsOpen.Dec()
	}
}

func (m *Metrics) EventDelivered(kind string) {
	if m != nil {
		m.EventsDelivered.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) StaleEvent() {
	if m != nil {
		m.StaleEvents.Inc()
	}
}

func (m *Metrics) ResolveFailed() {
	if m != nil {
		m.ResolveFailures.Inc()
	}
}

func (m *Metrics) EchoConfirmed(via string) {
	if m != nil {
		m.EchoesConfirmed.WithLabelValues(via).Inc()
	}
}

func (m *Metrics) SendFailed(kind string) {
	if m != nil {
		m.SendFailures.WithLabelValues(kind).Inc()
	}
}

// ReadConfirmed records the outcome of marking n direct messages read.
func (m *Metrics) ReadConfirmed(n int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.ReadConfirmFails.Inc()
		return
	}
	m.ReadConfirmations.Add(float64(n))
}

func (m *Metrics) Change(table, op string) {
	if m != nil {
		m.Changes.WithLabelValues(table, op).Inc()
	}
}

func (m *Metrics) CacheLookup(result string) {
	if m != nil {
		m.CacheLookups.WithLabelValues(result).Inc()
	}
}

// BusDropped is shaped to be passed to bus.WithDropHook.
func (m *Metrics) BusDropped(kind string) {
	if m != nil {
		m.BusDrops.WithLabelValues(kind).Inc()
	}
}
