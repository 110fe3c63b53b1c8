package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimit 限制同一来源在固定窗口内的请求数。maxRequests <= 0 时关闭。
// 分片上传是突发流量，一次传输就是成百上千个 PUT，上限要按窗口内
// 的分片数而不是人的操作频率来配。
func RateLimit(maxRequests int, window time.Duration) func(http.Handler) http.Handler {
	if maxRequests <= 0 || window <= 0 {
		return passthrough
	}

	limiter := &windowLimiter{
		limit:    maxRequests,
		window:   window,
		visitors: make(map[string]*visitor),
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, retryAfter := limiter.allow(clientKey(r), time.Now())
			if !ok {
				seconds := int(math.Ceil(retryAfter.Seconds()))
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate-limited"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func passthrough(next http.Handler) http.Handler {
	return next
}

type visitor struct {
	count     int
	windowEnd time.Time
}

type windowLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	limit     int
	window    time.Duration
	lastSweep time.Time
}

// allow 记一次访问；拒绝时返回距窗口重置还有多久。
func (l *windowLimiter) allow(key string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > l.window {
		l.sweepLocked(now)
		l.lastSweep = now
	}

	v, ok := l.visitors[key]
	if !ok || now.After(v.windowEnd) {
		l.visitors[key] = &visitor{count: 1, windowEnd: now.Add(l.window)}
		return true, 0
	}

	if v.count >= l.limit {
		return false, v.windowEnd.Sub(now)
	}
	v.count++
	return true, 0
}

func (l *windowLimiter) sweepLocked(now time.Time) {
	for key, v := range l.visitors {
		if now.After(v.windowEnd) {
			delete(l.visitors, key)
		}
	}
}

// clientKey 取直连地址作为限流键，代理后面退回 X-Forwarded-For 首项。
func clientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
