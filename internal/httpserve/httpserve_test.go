package httpserve

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestStartMetricsServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "livelink_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, err := StartMetricsServer(ctx, "127.0.0.1:0", reg)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "livelink_test_total 1") {
		t.Fatalf("metric missing from output:\n%s", b)
	}
}

func TestServeUntilContextBadAddr(t *testing.T) {
	if _, err := ServeUntilContext(context.Background(), "256.0.0.1:bad", http.NotFoundHandler()); err == nil {
		t.Fatalf("expected listen error")
	}
}
