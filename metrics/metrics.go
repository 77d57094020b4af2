// Package metrics exposes benchmark progress as Prometheus metrics. A
// Recorder plugs into a harness.Runner as its Observer; the collected
// series can be scraped while the run is in progress or pushed to a
// Pushgateway once it finishes.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/fcrepo4-archive/benchtool/harness"
)

const namespace = "benchtool"

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

var _ harness.Observer = (*Recorder)(nil)

// Recorder collects per-action metrics on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	actions  *prometheus.CounterVec
	duration *prometheus.HistogramVec
	bytes    *prometheus.CounterVec
	inFlight *prometheus.GaugeVec

	throughput *prometheus.GaugeVec
	wall       *prometheus.GaugeVec
}

// NewRecorder creates a Recorder with all collectors registered.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Benchmark actions finished, by action and outcome.",
		}, []string{"action", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Duration of the measured repository call of each successful action.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"action"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_bytes_total",
			Help:      "Datastream bytes transferred by successful actions.",
		}, []string{"action"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "actions_in_flight",
			Help:      "Actions currently executing.",
		}, []string{"action"}),
		throughput: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_throughput_mbps",
			Help:      "Overall throughput of the last completed run in MB/s.",
		}, []string{"action"}),
		wall: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_wall_seconds",
			Help:      "Wall-clock duration of the last completed run.",
		}, []string{"action"}),
	}

	r.registry.MustRegister(r.actions, r.duration, r.bytes, r.inFlight, r.throughput, r.wall)

	return r
}

// Registry returns the registry holding the Recorder's collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ActionStarted implements harness.Observer.
func (r *Recorder) ActionStarted(a harness.Action) {
	r.inFlight.WithLabelValues(a.String()).Inc()
}

// ActionFinished implements harness.Observer.
func (r *Recorder) ActionFinished(a harness.Action, res harness.ActionResult, err error) {
	label := a.String()
	r.inFlight.WithLabelValues(label).Dec()

	if err != nil {
		r.actions.WithLabelValues(label, OutcomeFailure).Inc()

		return
	}

	r.actions.WithLabelValues(label, OutcomeSuccess).Inc()
	r.duration.WithLabelValues(label).Observe(float64(res.DurationMillis) / 1000)

	if res.SizeBytes > 0 {
		r.bytes.WithLabelValues(label).Add(float64(res.SizeBytes))
	}
}

// RecordSummary publishes the aggregate figures of a completed run.
func (r *Recorder) RecordSummary(s *harness.Summary) {
	label := s.Action.String()

	r.wall.WithLabelValues(label).Set(float64(s.WallMillis) / 1000)

	if s.HasThroughput() {
		r.throughput.WithLabelValues(label).Set(s.ThroughputMBps)
	}
}

// Handler serves the Recorder's metrics in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Server is a running /metrics listener.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Serve starts an HTTP listener on addr exposing /metrics.
func (r *Recorder) Serve(addr string, logger *slog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", slog.String("error", err.Error()))
		}
	}()

	logger.Info("serving metrics", slog.String("listen", ln.Addr().String()))

	return &Server{srv: srv, ln: ln}, nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Push sends the collected metrics to the Pushgateway at url, grouped by
// job and run id.
func (r *Recorder) Push(ctx context.Context, url, job, runID string) error {
	p := push.New(url, job).Gatherer(r.registry)
	if runID != "" {
		p = p.Grouping("run_id", runID)
	}

	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}

	return nil
}
