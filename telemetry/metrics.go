package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "spin_shim"

// Metrics holds the shim's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	precompiledLayers  *prometheus.CounterVec
	precompileDuration prometheus.Histogram
	triggerExits       *prometheus.CounterVec
	guestInvocations   *prometheus.CounterVec
	guestDuration      *prometheus.HistogramVec
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		precompiledLayers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "precompiled_layers_total",
				Help:      "Layers seen by the precompiler, by classification and outcome",
			},
			[]string{"classification", "outcome"},
		),
		precompileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "precompile_duration_seconds",
				Help:      "Duration of a whole precompile call",
				Buckets:   prometheus.DefBuckets,
			},
		),
		triggerExits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trigger_exits_total",
				Help:      "Trigger executors that finished first, by kind and outcome",
			},
			[]string{"trigger", "outcome"},
		),
		guestInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "guest_invocations_total",
				Help:      "Component invocations, by trigger kind, component and outcome",
			},
			[]string{"trigger", "component", "outcome"},
		),
		guestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "guest_invocation_duration_seconds",
				Help:      "Duration of component invocations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"trigger"},
		),
	}

	m.registry.MustRegister(
		m.precompiledLayers,
		m.precompileDuration,
		m.triggerExits,
		m.guestInvocations,
		m.guestDuration,
		collectors.NewGoCollector(),
	)
	return m
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordPrecompiledLayer counts one layer handled by the precompiler.
func (m *Metrics) RecordPrecompiledLayer(classification string, err error) {
	if m == nil {
		return
	}
	m.precompiledLayers.WithLabelValues(classification, outcome(err)).Inc()
}

// ObservePrecompile records the duration of a precompile call.
func (m *Metrics) ObservePrecompile(d time.Duration) {
	if m == nil {
		return
	}
	m.precompileDuration.Observe(d.Seconds())
}

// RecordTriggerExit counts the trigger kind that ended the application.
func (m *Metrics) RecordTriggerExit(kind string, err error) {
	if m == nil {
		return
	}
	m.triggerExits.WithLabelValues(kind, outcome(err)).Inc()
}

// RecordInvocation counts one guest invocation.
func (m *Metrics) RecordInvocation(kind, component string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.guestInvocations.WithLabelValues(kind, component, outcome(err)).Inc()
	m.guestDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
