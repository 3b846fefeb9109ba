package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.HistoryLoaded("room", nil, 0.1)
	m.ChannelOpened()
	m.ChannelClosed()
	m.StaleEvent()
	m.ReadConfirmed(3, nil)
	m.BusDropped("change.messages.insert")
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.HistoryLoaded("direct", nil, 0.01)
	m.HistoryLoaded("direct", errors.New("boom"), 0.01)
	if got := testutil.ToFloat64(m.HistoryLoads.WithLabelValues("direct", "error")); got != 1 {
		t.Errorf("history errors = %v, want 1", got)
	}

	m.ChannelOpened()
	m.ChannelOpened()
	m.ChannelClosed()
	if got := testutil.ToFloat64(m.ChannelsOpen); got != 1 {
		t.Errorf("channels open = %v, want 1", got)
	}

	m.ReadConfirmed(3, nil)
	m.ReadConfirmed(1, errors.New("down"))
	if got := testutil.ToFloat64(m.ReadConfirmations); got != 3 {
		t.Errorf("read confirmations = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.ReadConfirmFails); got != 1 {
		t.Errorf("read confirm failures = %v, want 1", got)
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	// Two instances on separate registries must not panic on duplicate
	// registration.
	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())
	a.StaleEvent()
	if got := testutil.ToFloat64(b.StaleEvents); got != 0 {
		t.Errorf("b stale = %v, want 0", got)
	}
}
