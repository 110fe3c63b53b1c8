package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "landrop"

var (
	// httpRequestsTotal 按方法、路由与状态码统计请求数
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// httpRequestDuration 请求耗时。分片 PUT 与定稿会跑到秒级甚至分钟级
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"method", "route"},
	)

	// httpRequestBytes 请求体大小，分桶对齐常见分片尺寸（1 KiB ~ 64 MiB）
	httpRequestBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 9),
		},
		[]string{"method", "route"},
	)

	// httpResponseBytes 响应体大小，下载端点会接近成品文件体积
	httpResponseBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(128, 8, 9),
		},
		[]string{"method", "route"},
	)

	// httpInFlight 当前在途请求数
	httpInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "http_in_flight_requests",
		Help:      "Number of in-flight HTTP requests",
	})
)

// statusRecorder 包装 ResponseWriter，截获状态码与已写字节数。
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += n
	return n, err
}

// Metrics 采集 HTTP 层指标。标签用 chi 的路由模板而非真实路径，
// 上传句柄不会把标签基数撑爆。
func Metrics() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			httpInFlight.Inc()

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			httpInFlight.Dec()

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			status := strconv.Itoa(rec.status)

			httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			httpResponseBytes.WithLabelValues(r.Method, route).Observe(float64(rec.bytes))
			if r.ContentLength > 0 {
				httpRequestBytes.WithLabelValues(r.Method, route).Observe(float64(r.ContentLength))
			}
		})
	}
}
