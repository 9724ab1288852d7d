// Package observability — metrics.go
//
// Prometheus metrics for niolsd.
//
// Endpoint: GET /metrics on 127.0.0.1:9092 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only by default — no external exposure.
//
// Metric naming convention: niols_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process — the same discipline the reference
// agent's metrics package follows.
//
// Cardinality control:
//   - State labels use the string state name (6 values max).
//   - Predicate/fault-reason labels are drawn from the closed predicate
//     and fault-reason enums, never from free-form diagnostic text.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for niolsd.
type Metrics struct {
	registry *prometheus.Registry

	// ─── FSM transitions ──────────────────────────────────────────────────────

	// StateTransitionsTotal counts successful state transitions, by
	// from_state and to_state.
	StateTransitionsTotal *prometheus.CounterVec

	// IllegalTransitionsTotal counts rejected (state, event) pairs not in
	// the transition table, by attempted event.
	IllegalTransitionsTotal *prometheus.CounterVec

	// FaultsTotal counts transitions into FAULT, by fault reason tag.
	FaultsTotal *prometheus.CounterVec

	// CurrentState is a 0/1 gauge vector over the six state labels; at
	// most one is 1 at any instant.
	CurrentState *prometheus.GaugeVec

	// ─── Trace ────────────────────────────────────────────────────────────────

	// TraceAppendLatency records per-record append-and-flush latency.
	TraceAppendLatency prometheus.Histogram

	// TraceRecordsTotal counts trace records written, by event_type.
	TraceRecordsTotal *prometheus.CounterVec

	// ─── Budget ───────────────────────────────────────────────────────────────

	// BudgetRemainingEmitMS is the current session's remaining continuous
	// emission budget in milliseconds.
	BudgetRemainingEmitMS prometheus.Gauge

	// BudgetRemainingDutyPercent is the current session's remaining
	// duty-cycle budget as a percentage.
	BudgetRemainingDutyPercent prometheus.Gauge

	// ─── Bundle ───────────────────────────────────────────────────────────────

	// BundlesWrittenTotal counts session bundles successfully archived at
	// teardown.
	BundlesWrittenTotal prometheus.Counter

	// ─── Daemon ───────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the daemon started.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all niolsd Prometheus metrics on a
// fresh, dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		StateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "niols",
			Subsystem: "fsm",
			Name:      "state_transitions_total",
			Help:      "Total successful state transitions, by from_state and to_state.",
		}, []string{"from_state", "to_state"}),

		IllegalTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "niols",
			Subsystem: "fsm",
			Name:      "illegal_transitions_total",
			Help:      "Total rejected (state, event) pairs not present in the transition table, by event.",
		}, []string{"event"}),

		FaultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "niols",
			Subsystem: "fsm",
			Name:      "faults_total",
			Help:      "Total transitions into FAULT, by fault reason tag.",
		}, []string{"reason"}),

		CurrentState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "niols",
			Subsystem: "fsm",
			Name:      "current_state",
			Help:      "1 for the FSM's current state label, 0 for all others.",
		}, []string{"state"}),

		TraceAppendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "niols",
			Subsystem: "trace",
			Name:      "append_latency_seconds",
			Help:      "Per-record trace append-and-flush latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		TraceRecordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "niols",
			Subsystem: "trace",
			Name:      "records_total",
			Help:      "Total trace records written, by event_type.",
		}, []string{"event_type"}),

		BudgetRemainingEmitMS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "niols",
			Subsystem: "budget",
			Name:      "remaining_emit_ms",
			Help:      "Current session's remaining continuous emission budget, in milliseconds.",
		}),

		BudgetRemainingDutyPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "niols",
			Subsystem: "budget",
			Name:      "remaining_duty_percent",
			Help:      "Current session's remaining duty-cycle budget, as a percentage.",
		}),

		BundlesWrittenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "niols",
			Subsystem: "bundle",
			Name:      "written_total",
			Help:      "Total session bundles successfully archived at teardown.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "niols",
			Subsystem: "daemon",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since niolsd started.",
		}),
	}

	reg.MustRegister(
		m.StateTransitionsTotal,
		m.IllegalTransitionsTotal,
		m.FaultsTotal,
		m.CurrentState,
		m.TraceAppendLatency,
		m.TraceRecordsTotal,
		m.BudgetRemainingEmitMS,
		m.BudgetRemainingDutyPercent,
		m.BundlesWrittenTotal,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// RecordTransition updates the FSM transition counters and current-state
// gauge vector for a completed transition.
func (m *Metrics) RecordTransition(from, to string) {
	m.StateTransitionsTotal.WithLabelValues(from, to).Inc()
	for _, s := range []string{"SAFE", "INITIALIZED", "ARMED", "EMIT_READY", "EMITTING", "FAULT"} {
		if s == to {
			m.CurrentState.WithLabelValues(s).Set(1)
		} else {
			m.CurrentState.WithLabelValues(s).Set(0)
		}
	}
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
