package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"landrop/internal/repository"
	"landrop/internal/storage"
	"landrop/internal/timeline"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// assembleBufferSize 装配时读取分片的缓冲区大小。
const assembleBufferSize = 1 << 20

// Limits 约束单个上传的参数上限与空档判定阈值。
type Limits struct {
	MaxFileSize  int64
	MaxChunkSize int64
	DowntimeGap  time.Duration
}

// UploadService 封装断点续传的完整业务流程：
// 登记与续传匹配、分片摄取、进度查询以及定稿装配。
type UploadService struct {
	repo      repository.UploadRepository
	sessions  repository.SessionRepository
	chunks    storage.ChunkStore
	artifacts storage.ArtifactStore
	logger    *log.Logger
	limits    Limits

	mu    sync.Mutex // 仅保护 Open 的查找或创建
	locks sync.Map   // upload_id -> *sync.Mutex

	// cleanupWG 跟踪定稿后在途的暂存清理，Close 等待它们落地。
	cleanupWG sync.WaitGroup
}

func NewUploadService(
	repo repository.UploadRepository,
	sessions repository.SessionRepository,
	chunks storage.ChunkStore,
	artifacts storage.ArtifactStore,
	logger *log.Logger,
	limits Limits,
) *UploadService {
	if logger == nil {
		logger = log.Default()
	}
	return &UploadService{
		repo:      repo,
		sessions:  sessions,
		chunks:    chunks,
		artifacts: artifacts,
		logger:    logger,
		limits:    limits,
	}
}

// uploadLock 返回该上传专属的互斥锁。
// 同一句柄的台账与统计变更全部经由这把锁串行化。
func (s *UploadService) uploadLock(id string) *sync.Mutex {
	actual, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// OpenUploadInput 描述登记或续传一个上传所需的参数。
type OpenUploadInput struct {
	Filename  string
	Size      int64
	ChunkSize int64
	Checksum  string
	ClientID  *string
}

// OpenUploadResult 返回生效的上传参数与已收到的分片序号。
type OpenUploadResult struct {
	Upload          *repository.UploadRecord
	ReceivedIndices []int
	Resumed         bool
}

// Open 登记一个新上传，或按 (指纹, 文件名, 大小) 匹配到未完成的上传并续传。
// 续传沿用库中的 chunk_size/total_chunks，客户端本次提议的值被忽略，
// 以保证分片序号在中断前后保持稳定。
func (s *UploadService) Open(ctx context.Context, input OpenUploadInput) (*OpenUploadResult, error) {
	if s == nil || s.repo == nil {
		return nil, errors.New("upload service not initialized")
	}

	rawName := strings.TrimSpace(input.Filename)
	if rawName == "" || input.Size <= 0 || input.ChunkSize <= 0 {
		return nil, ErrInvalidParams
	}
	if input.Size > s.limits.MaxFileSize {
		return nil, ErrFileTooLarge
	}
	if input.ChunkSize > s.limits.MaxChunkSize {
		return nil, ErrChunkTooLarge
	}

	filename := sanitizeFilename(rawName)

	fingerprint := strings.ToLower(strings.TrimSpace(input.Checksum))
	if fingerprint == "" {
		fingerprint = fallbackFingerprint(filename, input.Size)
	}

	// 查找或创建必须互斥，避免同一文件并发登记出两个句柄
	s.mu.Lock()
	defer s.mu.Unlock()

	resumed := true
	record, err := s.repo.FindPending(ctx, fingerprint, filename, input.Size)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		resumed = false
		now := time.Now().UTC()
		record = &repository.UploadRecord{
			ID:          uuid.NewString(),
			Filename:    filename,
			SizeBytes:   input.Size,
			ChunkSize:   input.ChunkSize,
			TotalChunks: chunkCount(input.Size, input.ChunkSize),
			Fingerprint: fingerprint,
			ClientID:    input.ClientID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.repo.Create(ctx, record); err != nil {
			return nil, fmt.Errorf("create upload: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("find pending upload: %w", err)
	}

	if s.chunks != nil {
		if err := s.chunks.Prepare(ctx, record.ID); err != nil {
			return nil, fmt.Errorf("prepare staging: %w", err)
		}
	}

	s.associateClient(ctx, record, input.ClientID)

	received, err := s.repo.ReceivedIndices(ctx, record.ID)
	if err != nil {
		return nil, fmt.Errorf("list received indices: %w", err)
	}
	if received == nil {
		received = []int{}
	}

	uploadsOpened.WithLabelValues(strconv.FormatBool(resumed)).Inc()

	return &OpenUploadResult{Upload: record, ReceivedIndices: received, Resumed: resumed}, nil
}

// associateClient 把上传挂到客户端会话上。尽力而为，失败只记日志。
func (s *UploadService) associateClient(ctx context.Context, record *repository.UploadRecord, clientID *string) {
	if s.sessions == nil || clientID == nil || *clientID == "" {
		return
	}
	if err := s.sessions.Ensure(ctx, *clientID); err != nil {
		s.logger.Warn("创建会话失败", "upload_id", record.ID, "err", err)
		return
	}
	if err := s.sessions.SetLastUpload(ctx, *clientID, record.ID); err != nil {
		s.logger.Warn("更新会话最近上传失败", "upload_id", record.ID, "err", err)
	}
	if err := s.repo.AssignClient(ctx, record.ID, *clientID); err != nil {
		s.logger.Warn("关联上传所属会话失败", "upload_id", record.ID, "err", err)
		return
	}
	record.ClientID = clientID
}

func chunkCount(size, chunkSize int64) int {
	return int((size + chunkSize - 1) / chunkSize)
}

// PutChunk 摄取一个分片：校验、落盘、登记台账并更新增量统计。
// 同一 (句柄, 序号) 重传会覆盖旧字节，且字节总量只计一次。
// start 是请求到达时刻，作为该分片写入事件的起点。
func (s *UploadService) PutChunk(ctx context.Context, id string, index int, data []byte, start time.Time) error {
	if s == nil || s.repo == nil || s.chunks == nil {
		return errors.New("upload service not initialized")
	}

	lock := s.uploadLock(id)

	// 校验段
	lock.Lock()
	record, err := s.repo.GetByID(ctx, id)
	if err != nil {
		lock.Unlock()
		if errors.Is(err, repository.ErrNotFound) {
			return ErrUnknownUpload
		}
		return fmt.Errorf("load upload: %w", err)
	}
	if record.Finalized {
		lock.Unlock()
		return ErrAlreadyFinalized
	}
	if index < 0 || index >= record.TotalChunks {
		lock.Unlock()
		return &BadIndexError{Index: index, TotalChunks: record.TotalChunks}
	}
	lock.Unlock()

	if len(data) == 0 {
		return ErrEmptyChunk
	}

	// 字节写盘不持锁，不同分片互不阻塞
	written, err := s.chunks.Put(ctx, id, index, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("store chunk: %w", err)
	}
	end := time.Now().UTC()

	// 记录段：台账、事件与统计在锁内一个事务落库
	lock.Lock()
	defer lock.Unlock()

	record, err = s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrUnknownUpload
		}
		return fmt.Errorf("load upload: %w", err)
	}
	// 写盘期间完成了定稿：不再触碰统计，权威值已经落定
	if record.Finalized {
		return ErrAlreadyFinalized
	}

	existed, err := s.repo.HasChunk(ctx, id, index)
	if err != nil {
		return fmt.Errorf("check chunk ledger: %w", err)
	}

	stats, err := s.repo.Stats(ctx, id)
	if err != nil {
		return fmt.Errorf("load upload stats: %w", err)
	}

	duration := end.Sub(start).Seconds()
	if duration < 0 {
		duration = 0
	}

	delta := repository.ChunkStatsDelta{
		BytesReceived:   stats.BytesReceived,
		FirstChunkAt:    end,
		LastActivityEnd: end,
		ActiveSeconds:   stats.ActiveSeconds,
		DowntimeSeconds: stats.DowntimeSeconds,
	}
	if !existed {
		delta.BytesReceived += written
	}

	// 距离上一次活动的空档：超过阈值算停机，否则并入活动时间
	if stats.LastActivityEnd != nil {
		gap := start.Sub(*stats.LastActivityEnd).Seconds()
		if gap > s.limits.DowntimeGap.Seconds() {
			delta.DowntimeSeconds += gap
		} else if gap > 0 {
			delta.ActiveSeconds += gap
		}
	}
	delta.ActiveSeconds += duration

	err = s.repo.RecordChunk(ctx, repository.RecordChunkParams{
		UploadID:   id,
		Index:      index,
		ReceivedAt: end,
		Event: repository.ChunkEvent{
			UploadID:        id,
			Index:           index,
			StartedAt:       start.UTC(),
			EndedAt:         end,
			ByteCount:       written,
			DurationSeconds: duration,
		},
		Stats: delta,
	})
	if err != nil {
		return fmt.Errorf("record chunk: %w", err)
	}

	chunksReceived.Inc()
	chunkBytesReceived.Add(float64(written))

	return nil
}

// StatusSnapshot 汇总一次上传的进度与统计。
type StatusSnapshot struct {
	UploadID    string         `json:"upload_id"`
	Filename    string         `json:"filename"`
	Size        int64          `json:"size"`
	ChunkSize   int64          `json:"chunk_size"`
	TotalChunks int            `json:"total_chunks"`
	Received    int            `json:"received"`
	Missing     []int          `json:"missing"`
	Finalized   bool           `json:"finalized"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Stats       *StatsSnapshot `json:"stats"`
}

// StatsSnapshot 是对外暴露的统计视图。定稿前为增量估计值，
// 定稿后为扫描线重建的权威值。
type StatsSnapshot struct {
	BytesReceived       int64      `json:"bytes_received"`
	UploadActiveSeconds float64    `json:"upload_active_seconds"`
	DowntimeSeconds     float64    `json:"downtime_seconds"`
	AssemblySeconds     float64    `json:"assembly_seconds"`
	PeakConcurrency     int        `json:"peak_concurrency"`
	ConcurrencySeconds  float64    `json:"concurrency_cumulative_seconds"`
	AvgConcurrency      float64    `json:"avg_concurrency"`
	AvgUploadBps        *float64   `json:"avg_upload_bps"`
	UploadStart         *time.Time `json:"upload_start,omitempty"`
	UploadEnd           *time.Time `json:"upload_end,omitempty"`
	FinalizedAt         *time.Time `json:"finalized_at,omitempty"`
}

func buildStatsSnapshot(stats *repository.UploadStats) *StatsSnapshot {
	if stats == nil {
		return nil
	}

	snap := &StatsSnapshot{
		BytesReceived:       stats.BytesReceived,
		UploadActiveSeconds: stats.ActiveSeconds,
		DowntimeSeconds:     stats.DowntimeSeconds,
		AssemblySeconds:     stats.AssemblySeconds,
		PeakConcurrency:     stats.PeakConcurrency,
		ConcurrencySeconds:  stats.ConcurrencySeconds,
		FinalizedAt:         stats.FinalizedAt,
	}
	if stats.ActiveSeconds > 0 {
		bps := float64(stats.BytesReceived) / stats.ActiveSeconds
		snap.AvgUploadBps = &bps
		snap.AvgConcurrency = stats.ConcurrencySeconds / stats.ActiveSeconds
	}

	// 定稿前扫描线尚未运行，用增量维护的时间戳兜底
	snap.UploadStart = stats.UploadStart
	if snap.UploadStart == nil {
		snap.UploadStart = stats.FirstChunkAt
	}
	snap.UploadEnd = stats.UploadEnd
	if snap.UploadEnd == nil {
		snap.UploadEnd = stats.LastActivityEnd
	}

	return snap
}

// Status 返回上传的进度、缺失分片与当前统计快照。
func (s *UploadService) Status(ctx context.Context, id string) (*StatusSnapshot, error) {
	if s == nil || s.repo == nil {
		return nil, errors.New("upload service not initialized")
	}

	record, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnknownUpload
		}
		return nil, fmt.Errorf("load upload: %w", err)
	}

	received, err := s.repo.ReceivedIndices(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list received indices: %w", err)
	}

	stats, err := s.repo.Stats(ctx, id)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("load upload stats: %w", err)
	}

	return &StatusSnapshot{
		UploadID:    record.ID,
		Filename:    record.Filename,
		Size:        record.SizeBytes,
		ChunkSize:   record.ChunkSize,
		TotalChunks: record.TotalChunks,
		Received:    len(received),
		Missing:     missingIndices(received, record.TotalChunks),
		Finalized:   record.Finalized,
		CreatedAt:   record.CreatedAt,
		UpdatedAt:   record.UpdatedAt,
		Stats:       buildStatsSnapshot(stats),
	}, nil
}

// missingIndices 返回尚未收到的分片序号，升序。
func missingIndices(received []int, total int) []int {
	present := make(map[int]struct{}, len(received))
	for _, idx := range received {
		present[idx] = struct{}{}
	}
	missing := make([]int, 0)
	for i := 0; i < total; i++ {
		if _, ok := present[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// FinalizeResult 描述一次定稿调用的结果。
type FinalizeResult struct {
	Already  bool
	Location storage.Location
	Stats    *StatsSnapshot
}

// Finalize 装配并校验最终文件，随后用扫描线重建的权威统计覆盖增量值。
// 对同一句柄全程持锁：并发定稿互斥，并发记账排队到定稿之后被拒。
func (s *UploadService) Finalize(ctx context.Context, id string, clientID *string) (*FinalizeResult, error) {
	if s == nil || s.repo == nil || s.chunks == nil || s.artifacts == nil {
		return nil, errors.New("upload service not initialized")
	}

	lock := s.uploadLock(id)
	lock.Lock()
	defer lock.Unlock()

	record, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnknownUpload
		}
		return nil, fmt.Errorf("load upload: %w", err)
	}
	if record.Finalized {
		finalizeOutcomes.WithLabelValues("already").Inc()
		return &FinalizeResult{Already: true}, nil
	}

	// 完整性闸门数物理分片而非台账，抵御写盘与记账之间崩溃留下的偏差
	present, err := s.chunks.ListPresent(ctx, id)
	if err != nil {
		finalizeOutcomes.WithLabelValues("storage_error").Inc()
		return nil, fmt.Errorf("list staged chunks: %w", err)
	}
	if len(present) != record.TotalChunks {
		finalizeOutcomes.WithLabelValues("incomplete").Inc()
		return nil, &IncompleteError{Have: len(present), Need: record.TotalChunks}
	}

	location, assemblySeconds, err := s.assemble(ctx, record)
	if err != nil {
		finalizeOutcomes.WithLabelValues(assembleOutcome(err)).Inc()
		return nil, err
	}
	assemblyDuration.Observe(assemblySeconds)

	now := time.Now().UTC()
	if err := s.repo.MarkFinalized(ctx, id, now); err != nil {
		finalizeOutcomes.WithLabelValues("storage_error").Inc()
		return nil, fmt.Errorf("mark finalized: %w", err)
	}

	stats, err := s.reconcileStats(ctx, id, assemblySeconds, now)
	if err != nil {
		finalizeOutcomes.WithLabelValues("storage_error").Inc()
		return nil, err
	}

	s.associateClient(ctx, record, clientID)
	s.scheduleCleanup(id)

	finalizeOutcomes.WithLabelValues("ok").Inc()
	s.logger.Info("定稿完成",
		"upload_id", id,
		"filename", location.Name,
		"size", humanize.IBytes(uint64(record.SizeBytes)),
		"assembly_seconds", fmt.Sprintf("%.3f", assemblySeconds),
	)

	return &FinalizeResult{
		Location: location,
		Stats:    buildStatsSnapshot(stats),
	}, nil
}

func assembleOutcome(err error) string {
	var sizeErr *SizeMismatchError
	var checksumErr *ChecksumMismatchError
	switch {
	case errors.As(err, &sizeErr):
		return "size_mismatch"
	case errors.As(err, &checksumErr):
		return "checksum_mismatch"
	default:
		return "storage_error"
	}
}

// assemble 按 0..n-1 的序号顺序把分片流入装配缓冲，边写边计算 SHA-256，
// 校验通过后提交为最终文件。任何失败都会丢弃装配缓冲，上传保持待定。
func (s *UploadService) assemble(ctx context.Context, record *repository.UploadRecord) (storage.Location, float64, error) {
	writer, err := s.artifacts.Create(ctx, record.ID)
	if err != nil {
		return storage.Location{}, 0, fmt.Errorf("create artifact spool: %w", err)
	}

	hasher := sha256.New()
	out := io.MultiWriter(writer, hasher)
	buf := make([]byte, assembleBufferSize)

	var written int64
	start := time.Now()
	for i := 0; i < record.TotalChunks; i++ {
		n, err := s.copyChunk(ctx, record.ID, i, out, buf)
		if err != nil {
			writer.Abort()
			return storage.Location{}, 0, fmt.Errorf("assemble chunk %d: %w", i, err)
		}
		written += n
	}
	assemblySeconds := time.Since(start).Seconds()

	if written != record.SizeBytes {
		writer.Abort()
		return storage.Location{}, 0, &SizeMismatchError{Expected: record.SizeBytes, Got: written}
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	if !isPlaceholderFingerprint(record.Fingerprint) && !strings.EqualFold(digest, record.Fingerprint) {
		writer.Abort()
		return storage.Location{}, 0, &ChecksumMismatchError{Expected: record.Fingerprint, Got: digest}
	}

	location, err := writer.Commit(ctx, record.Filename)
	if err != nil {
		writer.Abort()
		return storage.Location{}, 0, fmt.Errorf("commit artifact: %w", err)
	}

	return location, assemblySeconds, nil
}

func (s *UploadService) copyChunk(ctx context.Context, id string, index int, dst io.Writer, buf []byte) (int64, error) {
	src, err := s.chunks.Open(ctx, id, index)
	if err != nil {
		return 0, err
	}
	defer src.Close()
	return io.CopyBuffer(dst, src, buf)
}

// reconcileStats 对全量分片事件跑一遍扫描线，把权威统计覆盖写回。
func (s *UploadService) reconcileStats(ctx context.Context, id string, assemblySeconds float64, finalizedAt time.Time) (*repository.UploadStats, error) {
	events, err := s.repo.Events(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load chunk events: %w", err)
	}

	intervals := make([]timeline.Interval, 0, len(events))
	for _, ev := range events {
		intervals = append(intervals, timeline.Interval{Start: ev.StartedAt, End: ev.EndedAt})
	}
	report := timeline.Reconstruct(intervals)

	final := repository.FinalStats{
		ActiveSeconds:      report.ActiveSeconds,
		DowntimeSeconds:    report.DowntimeSeconds,
		AssemblySeconds:    assemblySeconds,
		PeakConcurrency:    report.PeakConcurrency,
		ConcurrencySeconds: report.ConcurrencySeconds,
		FinalizedAt:        finalizedAt,
	}
	if len(intervals) > 0 {
		final.UploadStart = &report.Start
		final.UploadEnd = &report.End
	}

	if err := s.repo.WriteFinalStats(ctx, id, final); err != nil {
		return nil, fmt.Errorf("write final stats: %w", err)
	}

	stats, err := s.repo.Stats(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load final stats: %w", err)
	}
	return stats, nil
}

// scheduleCleanup 异步回收暂存分片，定稿响应不等它。
// 失败只记日志，绝不影响已完成的定稿。
func (s *UploadService) scheduleCleanup(id string) {
	s.cleanupWG.Add(1)
	go func() {
		defer s.cleanupWG.Done()
		if err := s.chunks.RemoveAll(context.Background(), id); err != nil {
			s.logger.Warn("清理暂存分片失败", "upload_id", id, "err", err)
		}
	}()
}

// Close 等待已调度的暂存清理全部结束。进程退出前必须调用。
func (s *UploadService) Close() {
	s.cleanupWG.Wait()
}
