package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"landrop/internal/repository"
)

// NewUploadRepository 返回基于 *sql.DB 的 Postgres 实现。
func NewUploadRepository(db *sql.DB) *UploadRepository {
	return &UploadRepository{db: db}
}

// UploadRepository 实现 repository.UploadRepository。
type UploadRepository struct {
	db *sql.DB
}

var uploadSelectColumns = []string{
	"id",
	"filename",
	"size_bytes",
	"chunk_size",
	"total_chunks",
	"fingerprint",
	"client_id",
	"finalized",
	"created_at",
	"updated_at",
}

var statsSelectColumns = []string{
	"upload_id",
	"bytes_received",
	"first_chunk_at",
	"last_activity_end",
	"upload_start",
	"upload_end",
	"active_seconds",
	"downtime_seconds",
	"assembly_seconds",
	"peak_concurrency",
	"concurrency_seconds",
	"finalized_at",
}

// Create 在同一事务内落库上传记录与其统计行。
func (r *UploadRepository) Create(ctx context.Context, record *repository.UploadRecord) error {
	if record == nil {
		return fmt.Errorf("upload record is nil")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create tx: %w", err)
	}

	var clientID sql.NullString
	if record.ClientID != nil {
		clientID = sql.NullString{String: *record.ClientID, Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO uploads
		(id, filename, size_bytes, chunk_size, total_chunks, fingerprint, client_id, finalized, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		record.ID,
		record.Filename,
		record.SizeBytes,
		record.ChunkSize,
		record.TotalChunks,
		record.Fingerprint,
		clientID,
		record.Finalized,
		record.CreatedAt,
		record.UpdatedAt,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("insert upload: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO upload_stats (upload_id) VALUES ($1)
		ON CONFLICT (upload_id) DO NOTHING`, record.ID); err != nil {
		tx.Rollback()
		return fmt.Errorf("insert upload stats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create tx: %w", err)
	}

	return nil
}

// GetByID 通过主键查询上传记录。
func (r *UploadRepository) GetByID(ctx context.Context, id string) (*repository.UploadRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM uploads WHERE id = $1`, strings.Join(uploadSelectColumns, ","))
	row := r.db.QueryRowContext(ctx, query, id)
	record, err := scanUploadRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return record, nil
}

// FindPending 按 (指纹, 文件名, 大小) 三元组查找可续传的未定稿上传。
func (r *UploadRepository) FindPending(ctx context.Context, fingerprint, filename string, size int64) (*repository.UploadRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM uploads
		WHERE fingerprint = $1 AND filename = $2 AND size_bytes = $3 AND NOT finalized
		ORDER BY created_at LIMIT 1`, strings.Join(uploadSelectColumns, ","))
	row := r.db.QueryRowContext(ctx, query, fingerprint, filename, size)
	record, err := scanUploadRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return record, nil
}

// ListByClient 返回指定客户端最近的上传，按更新时间倒序。
func (r *UploadRepository) ListByClient(ctx context.Context, clientID string, limit int) ([]repository.UploadRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf(`SELECT %s FROM uploads WHERE client_id = $1
		ORDER BY updated_at DESC LIMIT $2`, strings.Join(uploadSelectColumns, ","))
	rows, err := r.db.QueryContext(ctx, query, clientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []repository.UploadRecord
	for rows.Next() {
		rec, err := scanUploadRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// AssignClient 将上传关联到客户端会话。
func (r *UploadRepository) AssignClient(ctx context.Context, id, clientID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE uploads SET client_id = $1 WHERE id = $2`, clientID, id)
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

// MarkFinalized 将上传置为已定稿。
func (r *UploadRepository) MarkFinalized(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE uploads SET finalized = TRUE, updated_at = $1 WHERE id = $2`, at, id)
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

// HasChunk 判断台账中是否已登记该分片。
func (r *UploadRepository) HasChunk(ctx context.Context, id string, index int) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM chunks WHERE upload_id = $1 AND idx = $2)`, id, index,
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// ReceivedIndices 返回台账中已登记的分片序号，升序。
func (r *UploadRepository) ReceivedIndices(ctx context.Context, id string) ([]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT idx FROM chunks WHERE upload_id = $1 ORDER BY idx`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var indices []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, err
		}
		indices = append(indices, idx)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return indices, nil
}

// RecordChunk 在同一事务内登记台账、覆盖事件并更新统计，
// 任何一步失败即整体回滚，保证不会留下半套分片状态。
func (r *UploadRepository) RecordChunk(ctx context.Context, params repository.RecordChunkParams) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record tx: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO chunks (upload_id, idx, received_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (upload_id, idx) DO NOTHING`,
		params.UploadID, params.Index, params.ReceivedAt,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("record chunk: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO chunk_events
		(upload_id, idx, started_at, ended_at, byte_count, duration_seconds)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (upload_id, idx) DO UPDATE SET
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at,
			byte_count = EXCLUDED.byte_count,
			duration_seconds = EXCLUDED.duration_seconds`,
		params.UploadID,
		params.Index,
		params.Event.StartedAt,
		params.Event.EndedAt,
		params.Event.ByteCount,
		params.Event.DurationSeconds,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("record chunk event: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO upload_stats
		(upload_id, bytes_received, first_chunk_at, last_activity_end, active_seconds, downtime_seconds)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (upload_id) DO UPDATE SET
			bytes_received = EXCLUDED.bytes_received,
			first_chunk_at = COALESCE(upload_stats.first_chunk_at, EXCLUDED.first_chunk_at),
			last_activity_end = EXCLUDED.last_activity_end,
			active_seconds = EXCLUDED.active_seconds,
			downtime_seconds = EXCLUDED.downtime_seconds`,
		params.UploadID,
		params.Stats.BytesReceived,
		params.Stats.FirstChunkAt,
		params.Stats.LastActivityEnd,
		params.Stats.ActiveSeconds,
		params.Stats.DowntimeSeconds,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("update upload stats: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE uploads SET updated_at = $1 WHERE id = $2`,
		params.ReceivedAt, params.UploadID,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("touch upload: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record tx: %w", err)
	}

	return nil
}

// Events 返回全部分片事件，按写入开始时间排序。
func (r *UploadRepository) Events(ctx context.Context, id string) ([]repository.ChunkEvent, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT upload_id, idx, started_at, ended_at, byte_count, duration_seconds
		FROM chunk_events WHERE upload_id = $1 ORDER BY started_at`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []repository.ChunkEvent
	for rows.Next() {
		var ev repository.ChunkEvent
		if err := rows.Scan(&ev.UploadID, &ev.Index, &ev.StartedAt, &ev.EndedAt, &ev.ByteCount, &ev.DurationSeconds); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}

// Stats 读取上传的统计行。
func (r *UploadRepository) Stats(ctx context.Context, id string) (*repository.UploadStats, error) {
	query := fmt.Sprintf(`SELECT %s FROM upload_stats WHERE upload_id = $1`, strings.Join(statsSelectColumns, ","))
	row := r.db.QueryRowContext(ctx, query, id)

	var (
		stats           repository.UploadStats
		firstChunkAt    sql.NullTime
		lastActivityEnd sql.NullTime
		uploadStart     sql.NullTime
		uploadEnd       sql.NullTime
		finalizedAt     sql.NullTime
	)

	if err := row.Scan(
		&stats.UploadID,
		&stats.BytesReceived,
		&firstChunkAt,
		&lastActivityEnd,
		&uploadStart,
		&uploadEnd,
		&stats.ActiveSeconds,
		&stats.DowntimeSeconds,
		&stats.AssemblySeconds,
		&stats.PeakConcurrency,
		&stats.ConcurrencySeconds,
		&finalizedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	stats.FirstChunkAt = timePtr(firstChunkAt)
	stats.LastActivityEnd = timePtr(lastActivityEnd)
	stats.UploadStart = timePtr(uploadStart)
	stats.UploadEnd = timePtr(uploadEnd)
	stats.FinalizedAt = timePtr(finalizedAt)

	return &stats, nil
}

// WriteFinalStats 用时间线重建的权威结果整体覆盖统计行。
func (r *UploadRepository) WriteFinalStats(ctx context.Context, id string, stats repository.FinalStats) error {
	res, err := r.db.ExecContext(ctx, `UPDATE upload_stats SET
			upload_start = $1,
			upload_end = $2,
			active_seconds = $3,
			downtime_seconds = $4,
			assembly_seconds = $5,
			peak_concurrency = $6,
			concurrency_seconds = $7,
			finalized_at = $8
		WHERE upload_id = $9`,
		nullableTime(stats.UploadStart),
		nullableTime(stats.UploadEnd),
		stats.ActiveSeconds,
		stats.DowntimeSeconds,
		stats.AssemblySeconds,
		stats.PeakConcurrency,
		stats.ConcurrencySeconds,
		stats.FinalizedAt,
		id,
	)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUploadRecord(rs rowScanner) (*repository.UploadRecord, error) {
	var (
		rec      repository.UploadRecord
		clientID sql.NullString
	)

	if err := rs.Scan(
		&rec.ID,
		&rec.Filename,
		&rec.SizeBytes,
		&rec.ChunkSize,
		&rec.TotalChunks,
		&rec.Fingerprint,
		&clientID,
		&rec.Finalized,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if clientID.Valid {
		rec.ClientID = &clientID.String
	}

	return &rec, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	value := t.Time
	return &value
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
