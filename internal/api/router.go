package api

import (
	"net/http"

	"landrop/internal/config"
	ldmiddleware "landrop/internal/middleware"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter 构建 HTTP 路由，集中注册所有对外服务的端点。
func NewRouter(cfg *config.Config, uploads *UploadHandler, history *HistoryHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(ldmiddleware.CORS(cfg.CORSAllowedOrigins))
	r.Use(ldmiddleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
	r.Use(ldmiddleware.Metrics())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Prometheus 指标端点
	r.Handle("/metrics", promhttp.Handler())

	// 业务端点都挂在客户端会话中间件之内
	r.Group(func(r chi.Router) {
		r.Use(ldmiddleware.ClientSession())
		if uploads != nil {
			uploads.RegisterRoutes(r)
		}
		if history != nil {
			history.RegisterRoutes(r)
		}
	})

	return r
}
