package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for plays and the schedulers. It
// implements engine.MetricsRecorder; a disabled instance records nothing.
type Metrics struct {
	config MetricsConfig

	// Play metrics
	playsStarted   prometheus.Counter
	playsCompleted *prometheus.CounterVec
	playDuration   *prometheus.HistogramVec
	activePlays    prometheus.Gauge

	// Scheduler metrics
	dispatches    *prometheus.CounterVec
	results       *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	inflight      *prometheus.GaugeVec
	throttled     *prometheus.CounterVec
	rounds        *prometheus.CounterVec
	roundDuration *prometheus.HistogramVec
	fatal         *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		playsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plays_started_total",
				Help:      "Total number of plays started",
			},
		),
		playsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plays_completed_total",
				Help:      "Total number of plays completed by outcome",
			},
			[]string{"outcome"},
		),
		playDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "play_duration_seconds",
				Help:      "Duration of plays in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		activePlays: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_plays",
				Help:      "Current number of running plays",
			},
		),

		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatches_total",
				Help:      "Total number of tasks handed to the dispatcher",
			},
			[]string{"strategy", "module"},
		),
		results: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_results_total",
				Help:      "Total number of task results by status",
			},
			[]string{"strategy", "status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of dispatched tasks in seconds",
				Buckets:   buckets,
			},
			[]string{"strategy", "status"},
		),
		inflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_inflight",
				Help:      "Current number of unresolved dispatches",
			},
			[]string{"strategy"},
		),
		throttled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "throttled_waits_total",
				Help:      "Total number of dispatches held back by a task throttle",
			},
			[]string{"strategy"},
		),
		rounds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rounds_total",
				Help:      "Total number of scheduling rounds",
			},
			[]string{"strategy"},
		),
		roundDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "round_duration_seconds",
				Help:      "Duration of scheduling rounds in seconds",
				Buckets:   buckets,
			},
			[]string{"strategy"},
		),
		fatal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fatal_trips_total",
				Help:      "Total number of plays stopped by a fatal failure",
			},
			[]string{"strategy"},
		),
	}

	registry.MustRegister(
		m.playsStarted,
		m.playsCompleted,
		m.playDuration,
		m.activePlays,
		m.dispatches,
		m.results,
		m.taskDuration,
		m.inflight,
		m.throttled,
		m.rounds,
		m.roundDuration,
		m.fatal,
	)

	return m, nil
}

// Enabled reports whether measurements are recorded.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// RecordPlayStarted counts a started play.
func (m *Metrics) RecordPlayStarted() {
	if !m.Enabled() {
		return
	}
	m.playsStarted.Inc()
	m.activePlays.Inc()
}

// RecordPlayCompleted records a finished play with its outcome.
func (m *Metrics) RecordPlayCompleted(outcome string, d time.Duration) {
	if !m.Enabled() {
		return
	}
	m.playsCompleted.WithLabelValues(outcome).Inc()
	m.playDuration.WithLabelValues(outcome).Observe(d.Seconds())
	m.activePlays.Dec()
}

// RecordDispatch counts a dispatched task.
func (m *Metrics) RecordDispatch(strategy, module string) {
	if !m.Enabled() {
		return
	}
	m.dispatches.WithLabelValues(strategy, module).Inc()
}

// RecordResult records a processed task result.
func (m *Metrics) RecordResult(strategy, status string, d time.Duration) {
	if !m.Enabled() {
		return
	}
	m.results.WithLabelValues(strategy, status).Inc()
	m.taskDuration.WithLabelValues(strategy, status).Observe(d.Seconds())
}

// RecordThrottled counts a dispatch held back by a throttle.
func (m *Metrics) RecordThrottled(strategy string) {
	if !m.Enabled() {
		return
	}
	m.throttled.WithLabelValues(strategy).Inc()
}

// RecordRound records a finished scheduling round.
func (m *Metrics) RecordRound(strategy string, _ int, d time.Duration) {
	if !m.Enabled() {
		return
	}
	m.rounds.WithLabelValues(strategy).Inc()
	m.roundDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

// SetInflight sets the number of unresolved dispatches.
func (m *Metrics) SetInflight(strategy string, n int) {
	if !m.Enabled() {
		return
	}
	m.inflight.WithLabelValues(strategy).Set(float64(n))
}

// RecordFatal counts a fatal failure trip.
func (m *Metrics) RecordFatal(strategy string) {
	if !m.Enabled() {
		return
	}
	m.fatal.WithLabelValues(strategy).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics on addr until ctx is done. An empty addr uses
// the configured listen address.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	if addr == "" {
		addr = m.config.ListenAddress
	}
	if !m.Enabled() || addr == "" {
		return nil
	}
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}
