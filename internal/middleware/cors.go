package middleware

import (
	"net/http"
	"strings"
)

// corsPolicy 保存预处理过的来源白名单。
type corsPolicy struct {
	allowAll bool
	origins  map[string]struct{}
}

func newCORSPolicy(allowedOrigins []string) corsPolicy {
	policy := corsPolicy{origins: make(map[string]struct{})}
	for _, origin := range allowedOrigins {
		value := strings.TrimSpace(origin)
		switch {
		case value == "":
		case value == "*":
			policy.allowAll = true
		default:
			policy.origins[value] = struct{}{}
		}
	}
	return policy
}

// resolve 返回应答中使用的来源值，不放行时为空串。
func (p corsPolicy) resolve(origin string) string {
	if origin == "" {
		return ""
	}
	if p.allowAll {
		return "*"
	}
	if _, ok := p.origins[origin]; ok {
		return origin
	}
	return ""
}

// CORS 按来源白名单放行跨域请求，默认配置 "*" 适合局域网场景。
// 下载端点的附件文件名靠 Expose-Headers 放出，前端才能读到。
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	policy := newCORSPolicy(allowedOrigins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			headers := w.Header()
			if !policy.allowAll {
				// 缓存必须按 Origin 区分，无论本次是否放行
				headers.Add("Vary", "Origin")
			}

			if allowed := policy.resolve(r.Header.Get("Origin")); allowed != "" {
				headers.Set("Access-Control-Allow-Origin", allowed)
				headers.Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
				headers.Set("Access-Control-Allow-Headers", "Content-Type, X-Requested-With")
				headers.Set("Access-Control-Expose-Headers", "Content-Disposition, Content-Length")
				headers.Set("Access-Control-Max-Age", "600")
				if allowed != "*" {
					headers.Set("Access-Control-Allow-Credentials", "true")
				}

				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
