package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// 🏥 运维端点
// =============================================================================

// HealthCheckTimeout 单次 /health 请求的总时限
const HealthCheckTimeout = 2 * time.Second

// HealthCheck 命名的健康检查
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// NewOpsHandler 构造运维路由：/metrics 暴露 gatherer，/health 并发执行所有检查
func NewOpsHandler(gatherer prometheus.Gatherer, checks ...HealthCheck) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), HealthCheckTimeout)
		defer cancel()

		resp := runChecks(ctx, checks)
		code := http.StatusOK
		if resp.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

// runChecks 并发执行检查；一项失败不会取消其余检查
func runChecks(ctx context.Context, checks []HealthCheck) healthResponse {
	var (
		mu   sync.Mutex
		resp = healthResponse{Status: "ok", Checks: make(map[string]string, len(checks))}
		g    errgroup.Group
	)
	for _, c := range checks {
		c := c
		g.Go(func() error {
			result := "ok"
			if err := c.Check(ctx); err != nil {
				result = err.Error()
			}
			mu.Lock()
			defer mu.Unlock()
			resp.Checks[c.Name] = result
			if result != "ok" {
				resp.Status = "unavailable"
			}
			return nil
		})
	}
	_ = g.Wait()
	return resp
}
