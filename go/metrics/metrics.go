// Package metrics exposes the orchestrator's Prometheus counters and the
// scrape endpoint.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ScanIterations counts worker loop passes, labeled by loop name.
	ScanIterations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mercure_scan_iterations_total",
		Help: "Number of completed worker loop passes.",
	}, []string{"loop"})

	// ScanFailures counts worker loop passes which returned an error.
	ScanFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mercure_scan_failures_total",
		Help: "Number of worker loop passes which failed.",
	}, []string{"loop"})

	// ScanDuration observes the wall time of worker loop passes.
	ScanDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mercure_scan_duration_seconds",
		Help:    "Wall time of worker loop passes.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"loop"})
)

// Serve exposes /metrics on |addr| until the context is canceled.
func Serve(ctx context.Context, addr string) error {
	var mux = http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	var server = &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		var shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
