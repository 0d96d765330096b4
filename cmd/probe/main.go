// cmd/probe runs the fleet health prober: a standalone process that
// periodically checks whether every configured verifier model endpoint is
// reachable and exports Prometheus metrics for alerting and dashboards.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shield/verify/internal/fleethealth"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	targets := parseTargets(os.Getenv("SHIELD_MODEL_ENDPOINTS"))
	if len(targets) == 0 {
		logger.Warn("no model endpoints configured, prober has nothing to watch", "env", "SHIELD_MODEL_ENDPOINTS")
	}

	interval := 15 * time.Second
	if v := os.Getenv("SHIELD_PROBE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			interval = d
		}
	}

	prober := fleethealth.New(targets, fleethealth.NewMetrics(), 5*time.Second, logger)

	metricsPort := os.Getenv("SHIELD_METRICS_PORT")
	if metricsPort == "" {
		metricsPort = "9102"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: ":" + metricsPort, Handler: mux}
	go func() {
		logger.Info("fleet health metrics server listening", "port", metricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("fleet health prober starting", "targets", len(targets), "interval", interval.String())
	go prober.Run(ctx, interval)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	logger.Info("fleet health prober shut down")
}

// parseTargets reads "modelID=addr,modelID=addr" pairs.
func parseTargets(raw string) []fleethealth.Target {
	if raw == "" {
		return nil
	}
	var targets []fleethealth.Target
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		targets = append(targets, fleethealth.Target{ModelID: strings.TrimSpace(parts[0]), Addr: strings.TrimSpace(parts[1])})
	}
	return targets
}
