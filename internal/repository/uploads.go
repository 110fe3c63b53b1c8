package repository

import (
	"context"
	"time"
)

// UploadRecord 代表登记表中的一次分片上传。
type UploadRecord struct {
	ID          string    `json:"upload_id"`
	Filename    string    `json:"filename"`
	SizeBytes   int64     `json:"size"`
	ChunkSize   int64     `json:"chunk_size"`
	TotalChunks int       `json:"total_chunks"`
	Fingerprint string    `json:"-"`
	ClientID    *string   `json:"-"`
	Finalized   bool      `json:"finalized"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ChunkEvent 记录某个分片最近一次写入的起止时间与字节数，
// 只供定稿时的时间线重建使用，不对外暴露。
type ChunkEvent struct {
	UploadID        string
	Index           int
	StartedAt       time.Time
	EndedAt         time.Time
	ByteCount       int64
	DurationSeconds float64
}

// UploadStats 保存一次上传的累计统计。定稿前由摄入路径增量维护，
// 定稿时被扫描线重建的权威值整体覆盖。
type UploadStats struct {
	UploadID           string
	BytesReceived      int64
	FirstChunkAt       *time.Time
	LastActivityEnd    *time.Time
	UploadStart        *time.Time
	UploadEnd          *time.Time
	ActiveSeconds      float64
	DowntimeSeconds    float64
	AssemblySeconds    float64
	PeakConcurrency    int
	ConcurrencySeconds float64
	FinalizedAt        *time.Time
}

// ChunkStatsDelta 是摄入路径预先算好的统计新值。
type ChunkStatsDelta struct {
	BytesReceived   int64
	FirstChunkAt    time.Time // 仅在统计行尚无首次时间时生效
	LastActivityEnd time.Time
	ActiveSeconds   float64
	DowntimeSeconds float64
}

// RecordChunkParams 描述一次分片写入需要落库的全部内容，
// 台账、事件与统计必须在同一事务内生效。
type RecordChunkParams struct {
	UploadID   string
	Index      int
	ReceivedAt time.Time
	Event      ChunkEvent
	Stats      ChunkStatsDelta
}

// FinalStats 是定稿时由时间线重建得到的权威统计。
type FinalStats struct {
	UploadStart        *time.Time
	UploadEnd          *time.Time
	ActiveSeconds      float64
	DowntimeSeconds    float64
	AssemblySeconds    float64
	PeakConcurrency    int
	ConcurrencySeconds float64
	FinalizedAt        time.Time
}

// UploadRepository 统一上传登记、分片台账与统计的持久层接口。
type UploadRepository interface {
	Create(ctx context.Context, record *UploadRecord) error
	GetByID(ctx context.Context, id string) (*UploadRecord, error)
	FindPending(ctx context.Context, fingerprint, filename string, size int64) (*UploadRecord, error)
	ListByClient(ctx context.Context, clientID string, limit int) ([]UploadRecord, error)
	AssignClient(ctx context.Context, id, clientID string) error
	MarkFinalized(ctx context.Context, id string, at time.Time) error

	HasChunk(ctx context.Context, id string, index int) (bool, error)
	ReceivedIndices(ctx context.Context, id string) ([]int, error)
	RecordChunk(ctx context.Context, params RecordChunkParams) error
	Events(ctx context.Context, id string) ([]ChunkEvent, error)

	Stats(ctx context.Context, id string) (*UploadStats, error)
	WriteFinalStats(ctx context.Context, id string, stats FinalStats) error
}
