package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// clientCookieName 标识浏览器客户端的持久 Cookie。
const clientCookieName = "ld_client"

// clientCookieMaxAge Cookie 有效期（秒）。
const clientCookieMaxAge = 30 * 24 * 3600

// ClientContextKey 是存储在 context 中的客户端标识的键。
type ClientContextKey struct{}

// ClientSession 为每个请求保证存在一个客户端标识：
// 读取既有 Cookie，缺失或不合法时签发新的，并把标识写入 context。
// 会话行本身由业务层按需创建，这里不碰数据库。
func ClientSession() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := ""
			if cookie, err := r.Cookie(clientCookieName); err == nil {
				clientID = validClientID(cookie.Value)
			}
			if clientID == "" {
				clientID = strings.ReplaceAll(uuid.NewString(), "-", "")
				http.SetCookie(w, &http.Cookie{
					Name:     clientCookieName,
					Value:    clientID,
					Path:     "/",
					MaxAge:   clientCookieMaxAge,
					HttpOnly: true,
					SameSite: http.SameSiteLaxMode,
				})
			}

			ctx := context.WithValue(r.Context(), ClientContextKey{}, clientID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClientID 从 context 中获取客户端标识，缺失时返回空串。
func GetClientID(ctx context.Context) string {
	if v, ok := ctx.Value(ClientContextKey{}).(string); ok {
		return v
	}
	return ""
}

// validClientID 只接受十六进制与短横线构成的标识。
func validClientID(value string) string {
	if value == "" || len(value) > 64 {
		return ""
	}
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F', r == '-':
		default:
			return ""
		}
	}
	return value
}
