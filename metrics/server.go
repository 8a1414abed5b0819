// Package metrics contains the prometheus infrastructure and the
// observability sinks that components report operation events to.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer exposes the default prometheus registry on /metrics.
type MetricsServer struct {
	namespace string
	srv       *http.Server
}

// New creates a metrics server for addr. Metrics registered through this
// package are prefixed with namespace.
func New(namespace, addr string) (*MetricsServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &MetricsServer{
		namespace: namespace,
		srv: &http.Server{
			Addr:           addr,
			Handler:        mux,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			MaxHeaderBytes: 1 << 20,
		},
	}, nil
}

func (s *MetricsServer) Namespace() string {
	return s.namespace
}

func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
