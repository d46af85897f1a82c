package httpserve

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServeUntilContext starts an HTTP server bound to addr and shuts it down when ctx is done.
// It returns the resolved listen address.
func ServeUntilContext(ctx context.Context, addr string, handler http.Handler) (string, error) {
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	actual := ln.Addr().String()
	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(c)
	}()
	go func() { _ = srv.Serve(ln) }()
	return actual, nil
}

// StartMetricsServer exposes a Prometheus handler backed by the provided registry.
// The registry may be nil to use the default global registry.
func StartMetricsServer(ctx context.Context, addr string, reg prometheus.Gatherer) (string, error) {
	mux := http.NewServeMux()
	if reg == nil {
		mux.Handle("/metrics", promhttp.Handler())
	} else {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	return ServeUntilContext(ctx, addr, mux)
}
