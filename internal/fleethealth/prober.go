// Package fleethealth periodically samples the health of every verifier
// model endpoint and reports Prometheus gauges for uptime and latency.
// spec.md §2 DOMAIN STACK: a fleet health prober replaces the teacher's
// eBPF/LSM syscall interceptor in cmd/probe — this service has no untrusted
// code execution to police, only remote model endpoints to watch.
//
// Grounded on internal/escrow/metrics.go's promauto.NewGaugeVec /
// NewHistogramVec shape for per-entity gauges (teacher: per-agent balance
// and trust score; here: per-model reachability and latency).
package fleethealth

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

// Metrics holds the Prometheus instruments the prober updates each cycle.
type Metrics struct {
	Up      *prometheus.GaugeVec
	Latency *prometheus.HistogramVec
	Checks  *prometheus.CounterVec
}

// NewMetrics registers the fleet health gauges.
func NewMetrics() *Metrics {
	return &Metrics{
		Up: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shield_model_endpoint_up",
				Help: "Whether a verifier model endpoint answered its last health probe (1) or not (0).",
			},
			[]string{"model_id"},
		),
		Latency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shield_model_endpoint_probe_seconds",
				Help:    "Duration of a single model endpoint health probe.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model_id"},
		),
		Checks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shield_model_endpoint_probes_total",
				Help: "Total health probes performed per model endpoint.",
			},
			[]string{"model_id", "result"},
		),
	}
}

// Target is one endpoint under observation.
type Target struct {
	ModelID string
	Addr    string
}

// Prober polls a set of gRPC endpoints on an interval and records their
// connectivity state.
type Prober struct {
	targets []Target
	metrics *Metrics
	logger  *slog.Logger
	timeout time.Duration
}

// New creates a Prober over the given targets.
func New(targets []Target, metrics *Metrics, timeout time.Duration, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Prober{targets: targets, metrics: metrics, logger: logger, timeout: timeout}
}

// Run polls every target once per interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.sweep(ctx)
	for {
		select {
		case <-ticker.C:
			p.sweep(ctx)
		case <-ctx.Done():
			p.logger.Info("fleet health prober stopped")
			return
		}
	}
}

func (p *Prober) sweep(ctx context.Context) {
	for _, t := range p.targets {
		p.probeOne(ctx, t)
	}
}

func (p *Prober) probeOne(ctx context.Context, t Target) {
	start := time.Now()
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := grpc.NewClient(t.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	up := false
	if err == nil {
		defer conn.Close()
		conn.Connect()
		state := conn.GetState()
		for state != connectivity.Ready && state != connectivity.TransientFailure && state != connectivity.Shutdown {
			if !conn.WaitForStateChange(probeCtx, state) {
				break
			}
			state = conn.GetState()
		}
		up = state == connectivity.Ready || state == connectivity.Idle
	}

	elapsed := time.Since(start)
	p.metrics.Latency.WithLabelValues(t.ModelID).Observe(elapsed.Seconds())

	result := "down"
	gaugeVal := 0.0
	if up {
		result = "up"
		gaugeVal = 1.0
	}
	p.metrics.Up.WithLabelValues(t.ModelID).Set(gaugeVal)
	p.metrics.Checks.WithLabelValues(t.ModelID, result).Inc()

	if !up {
		p.logger.Warn("model endpoint probe failed", "model_id", t.ModelID, "addr", t.Addr, "error", err)
	}
}
