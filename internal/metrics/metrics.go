// Package metrics exposes Prometheus instrumentation for acquisition cycles.
//
// Metrics exposed:
//   - goldwatcher_cycles_total: Counter of cycles by result
//   - goldwatcher_cycle_duration_seconds: Histogram of cycle durations
//   - goldwatcher_notifications_total: Counter of deliveries by target and status
//   - goldwatcher_last_estimate_toman: Gauge of the last stored estimate
//   - goldwatcher_last_success_timestamp_seconds: Gauge of the last stored cycle
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Cycle results.
const (
	ResultStored  = "stored"
	ResultNoPrice = "no_price"
	ResultLocked  = "locked"
	ResultError   = "error"
)

// Metrics is safe to use through a nil pointer; every recorder is then a no-op.
type Metrics struct {
	CyclesTotal        *prometheus.CounterVec
	CycleDuration      prometheus.Histogram
	NotificationsTotal *prometheus.CounterVec
	LastEstimate       prometheus.Gauge
	LastSuccess        prometheus.Gauge
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "goldwatcher_cycles_total",
			Help: "Total number of acquisition cycles by result",
		}, []string{"result"}),

		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "goldwatcher_cycle_duration_seconds",
			Help:    "Duration of acquisition cycles",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
		}),

		NotificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "goldwatcher_notifications_total",
			Help: "Total number of notification deliveries by target and status",
		}, []string{"target", "status"}),

		LastEstimate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "goldwatcher_last_estimate_toman",
			Help: "Last stored estimate price in toman",
		}),

		LastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Name: "goldwatcher_last_success_timestamp_seconds",
			Help: "Unix time of the last cycle that stored a snapshot",
		}),
	}
}

func (m *Metrics) RecordCycle(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(result).Inc()
	m.CycleDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordNotification(target string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.NotificationsTotal.WithLabelValues(target, status).Inc()
}

func (m *Metrics) RecordSnapshot(estimate int64, at time.Time) {
	if m == nil {
		return
	}
	m.LastEstimate.Set(float64(estimate))
	m.LastSuccess.Set(float64(at.Unix()))
}

// Serve exposes gatherer on addr until ctx is done.
func Serve(ctx context.Context, addr, path string, gatherer prometheus.Gatherer, logger zerolog.Logger) error {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Str("path", path).Msg("metrics server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
