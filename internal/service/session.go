package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"landrop/internal/repository"
)

// sessionLogMaxBytes 会话日志只保留这么多字节的尾部。
const sessionLogMaxBytes = 32 << 10

// SessionView 汇总客户端会话及其最近一次上传。
type SessionView struct {
	ClientID   string                   `json:"client_id"`
	LastUpload *repository.UploadRecord `json:"last_upload"`
	Logs       string                   `json:"logs"`
}

// Session 返回客户端的会话信息，会话行不存在时先创建。
func (s *UploadService) Session(ctx context.Context, clientID string) (*SessionView, error) {
	if s == nil || s.sessions == nil {
		return nil, errors.New("upload service not initialized")
	}

	if err := s.sessions.Ensure(ctx, clientID); err != nil {
		return nil, fmt.Errorf("ensure session: %w", err)
	}

	sess, err := s.sessions.Get(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	view := &SessionView{ClientID: sess.ClientID, Logs: sess.Logs}
	if sess.LastUploadID != nil {
		record, err := s.repo.GetByID(ctx, *sess.LastUploadID)
		switch {
		case err == nil:
			view.LastUpload = record
		case !errors.Is(err, repository.ErrNotFound):
			return nil, fmt.Errorf("load last upload: %w", err)
		}
	}

	return view, nil
}

// AppendSessionLog 追加一行会话日志并裁剪到上限。
func (s *UploadService) AppendSessionLog(ctx context.Context, clientID, line string) error {
	if s == nil || s.sessions == nil {
		return errors.New("upload service not initialized")
	}

	line = strings.TrimSpace(line)
	if line == "" {
		return ErrInvalidParams
	}

	if err := s.sessions.Ensure(ctx, clientID); err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	if err := s.sessions.AppendLog(ctx, clientID, line, sessionLogMaxBytes); err != nil {
		return fmt.Errorf("append session log: %w", err)
	}
	return nil
}
