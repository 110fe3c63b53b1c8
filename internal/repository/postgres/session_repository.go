package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"landrop/internal/repository"
)

// NewSessionRepository 返回基于 *sql.DB 的 Postgres 实现。
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// SessionRepository 实现 repository.SessionRepository。
type SessionRepository struct {
	db *sql.DB
}

// Ensure 保证会话行存在，重复调用无副作用。
func (r *SessionRepository) Ensure(ctx context.Context, clientID string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO client_sessions (client_id) VALUES ($1)
		ON CONFLICT (client_id) DO NOTHING`, clientID)
	if err != nil {
		return fmt.Errorf("ensure client session: %w", err)
	}
	return nil
}

// Get 读取会话状态。
func (r *SessionRepository) Get(ctx context.Context, clientID string) (*repository.ClientSession, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT client_id, last_upload_id, logs FROM client_sessions WHERE client_id = $1`, clientID)

	var (
		session      repository.ClientSession
		lastUploadID sql.NullString
	)
	if err := row.Scan(&session.ClientID, &lastUploadID, &session.Logs); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	if lastUploadID.Valid {
		session.LastUploadID = &lastUploadID.String
	}

	return &session, nil
}

// SetLastUpload 记录会话最近一次操作的上传。
func (r *SessionRepository) SetLastUpload(ctx context.Context, clientID, uploadID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE client_sessions SET last_upload_id = $1 WHERE client_id = $2`, uploadID, clientID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// AppendLog 追加一行会话日志，只保留末尾 maxBytes 字节。
func (r *SessionRepository) AppendLog(ctx context.Context, clientID, line string, maxBytes int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin log tx: %w", err)
	}

	var logs string
	err = tx.QueryRowContext(ctx,
		`SELECT logs FROM client_sessions WHERE client_id = $1 FOR UPDATE`, clientID,
	).Scan(&logs)
	if err != nil {
		tx.Rollback()
		if err == sql.ErrNoRows {
			return repository.ErrNotFound
		}
		return fmt.Errorf("read session logs: %w", err)
	}

	combined := logs + line + "\n"
	if maxBytes > 0 && len(combined) > maxBytes {
		combined = combined[len(combined)-maxBytes:]
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE client_sessions SET logs = $1 WHERE client_id = $2`, combined, clientID,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("write session logs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit log tx: %w", err)
	}

	return nil
}
