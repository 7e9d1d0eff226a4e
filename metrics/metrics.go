// Package metrics exposes Prometheus instrumentation for the enrollment
// service on a dedicated listener.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ruteri/tpm-enrollment-backend/common"
)

// EnrollmentRequests counts protocol requests received, labeled by operation.
var EnrollmentRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: common.PackageName,
	Name:      "enrollment_requests_total",
	Help:      "Enrollment protocol requests received, by operation.",
}, []string{"operation"})

// EnrollmentFailures counts requests that ended in a failure response.
var EnrollmentFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: common.PackageName,
	Name:      "enrollment_failures_total",
	Help:      "Enrollment protocol requests that failed, by operation.",
}, []string{"operation"})

// QuoteVerdicts counts quote verifications, labeled pass or fail.
var QuoteVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: common.PackageName,
	Name:      "quote_verdicts_total",
	Help:      "Quote verification results.",
}, []string{"verdict"})

// MetricsServer serves the Prometheus scrape endpoint.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server listening on the given address.
func New(listenAddr string) (*MetricsServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &MetricsServer{
		srv: &http.Server{
			Addr:    listenAddr,
			Handler: mux,
		},
	}, nil
}

// ListenAndServe blocks serving metrics until the server is shut down.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics server.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
