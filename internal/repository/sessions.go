package repository

import "context"

// ClientSession 记录浏览器 Cookie 标识的客户端会话状态。
type ClientSession struct {
	ClientID     string  `json:"client_id"`
	LastUploadID *string `json:"last_upload_id,omitempty"`
	Logs         string  `json:"logs"`
}

// SessionRepository 管理客户端会话与其附属的文本日志。
type SessionRepository interface {
	Ensure(ctx context.Context, clientID string) error
	Get(ctx context.Context, clientID string) (*ClientSession, error)
	SetLastUpload(ctx context.Context, clientID, uploadID string) error
	AppendLog(ctx context.Context, clientID, line string, maxBytes int) error
}
