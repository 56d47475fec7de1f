package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordCycle(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordCycle(ResultStored, 3*time.Second)
	m.RecordCycle(ResultStored, time.Second)
	m.RecordCycle(ResultNoPrice, 20*time.Second)

	if got := testutil.ToFloat64(m.CyclesTotal.WithLabelValues(ResultStored)); got != 2 {
		t.Errorf("expected 2 stored cycles, got %v", got)
	}
	if got := testutil.ToFloat64(m.CyclesTotal.WithLabelValues(ResultNoPrice)); got != 1 {
		t.Errorf("expected 1 no_price cycle, got %v", got)
	}
	if count := testutil.CollectAndCount(m.CycleDuration); count == 0 {
		t.Error("expected cycle duration to be recorded")
	}
}

func TestRecordNotification(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordNotification("channel", nil)
	m.RecordNotification("admins", errors.New("blocked"))

	if got := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("channel", "success")); got != 1 {
		t.Errorf("expected 1 channel success, got %v", got)
	}
	if got := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("admins", "error")); got != 1 {
		t.Errorf("expected 1 admin error, got %v", got)
	}
}

func TestRecordSnapshot(t *testing.T) {
	m := New(prometheus.NewRegistry())
	at := time.Unix(1736064000, 0)

	m.RecordSnapshot(2_345_000, at)

	if got := testutil.ToFloat64(m.LastEstimate); got != 2_345_000 {
		t.Errorf("expected last estimate 2345000, got %v", got)
	}
	if got := testutil.ToFloat64(m.LastSuccess); got != 1736064000 {
		t.Errorf("expected last success timestamp, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordCycle(ResultError, time.Second)
	m.RecordNotification("channel", nil)
	m.RecordSnapshot(1, time.Now())
}
