package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"landrop/internal/repository"
	"landrop/internal/storage/local"
)

type memUploadRepo struct {
	mu      sync.Mutex
	uploads map[string]*repository.UploadRecord
	chunks  map[string]map[int]time.Time
	events  map[string]map[int]repository.ChunkEvent
	stats   map[string]*repository.UploadStats
}

func newMemUploadRepo() *memUploadRepo {
	return &memUploadRepo{
		uploads: make(map[string]*repository.UploadRecord),
		chunks:  make(map[string]map[int]time.Time),
		events:  make(map[string]map[int]repository.ChunkEvent),
		stats:   make(map[string]*repository.UploadStats),
	}
}

func (m *memUploadRepo) Create(ctx context.Context, record *repository.UploadRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *record
	m.uploads[record.ID] = &cp
	m.chunks[record.ID] = make(map[int]time.Time)
	m.events[record.ID] = make(map[int]repository.ChunkEvent)
	m.stats[record.ID] = &repository.UploadStats{UploadID: record.ID}
	return nil
}

func (m *memUploadRepo) GetByID(ctx context.Context, id string) (*repository.UploadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.uploads[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *record
	return &cp, nil
}

func (m *memUploadRepo) FindPending(ctx context.Context, fingerprint, filename string, size int64) (*repository.UploadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *repository.UploadRecord
	for _, record := range m.uploads {
		if record.Finalized || record.Fingerprint != fingerprint ||
			record.Filename != filename || record.SizeBytes != size {
			continue
		}
		if oldest == nil || record.CreatedAt.Before(oldest.CreatedAt) {
			oldest = record
		}
	}
	if oldest == nil {
		return nil, repository.ErrNotFound
	}
	cp := *oldest
	return &cp, nil
}

func (m *memUploadRepo) ListByClient(ctx context.Context, clientID string, limit int) ([]repository.UploadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []repository.UploadRecord
	for _, record := range m.uploads {
		if record.ClientID != nil && *record.ClientID == clientID {
			result = append(result, *record)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *memUploadRepo) AssignClient(ctx context.Context, id, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.uploads[id]
	if !ok {
		return repository.ErrNotFound
	}
	record.ClientID = &clientID
	return nil
}

func (m *memUploadRepo) MarkFinalized(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.uploads[id]
	if !ok {
		return repository.ErrNotFound
	}
	record.Finalized = true
	record.UpdatedAt = at
	return nil
}

func (m *memUploadRepo) HasChunk(ctx context.Context, id string, index int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.chunks[id][index]
	return ok, nil
}

func (m *memUploadRepo) ReceivedIndices(ctx context.Context, id string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var indices []int
	for idx := range m.chunks[id] {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices, nil
}

func (m *memUploadRepo) RecordChunk(ctx context.Context, params repository.RecordChunkParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ledger, ok := m.chunks[params.UploadID]
	if !ok {
		return repository.ErrNotFound
	}
	if _, seen := ledger[params.Index]; !seen {
		ledger[params.Index] = params.ReceivedAt
	}
	m.events[params.UploadID][params.Index] = params.Event

	stats := m.stats[params.UploadID]
	stats.BytesReceived = params.Stats.BytesReceived
	if stats.FirstChunkAt == nil {
		first := params.Stats.FirstChunkAt
		stats.FirstChunkAt = &first
	}
	last := params.Stats.LastActivityEnd
	stats.LastActivityEnd = &last
	stats.ActiveSeconds = params.Stats.ActiveSeconds
	stats.DowntimeSeconds = params.Stats.DowntimeSeconds

	if record, ok := m.uploads[params.UploadID]; ok {
		record.UpdatedAt = params.ReceivedAt
	}
	return nil
}

func (m *memUploadRepo) Events(ctx context.Context, id string) ([]repository.ChunkEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var events []repository.ChunkEvent
	for _, ev := range m.events[id] {
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].StartedAt.Before(events[j].StartedAt)
	})
	return events, nil
}

func (m *memUploadRepo) Stats(ctx context.Context, id string) (*repository.UploadStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats, ok := m.stats[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *stats
	return &cp, nil
}

func (m *memUploadRepo) WriteFinalStats(ctx context.Context, id string, final repository.FinalStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats, ok := m.stats[id]
	if !ok {
		return repository.ErrNotFound
	}
	stats.UploadStart = final.UploadStart
	stats.UploadEnd = final.UploadEnd
	stats.ActiveSeconds = final.ActiveSeconds
	stats.DowntimeSeconds = final.DowntimeSeconds
	stats.AssemblySeconds = final.AssemblySeconds
	stats.PeakConcurrency = final.PeakConcurrency
	stats.ConcurrencySeconds = final.ConcurrencySeconds
	at := final.FinalizedAt
	stats.FinalizedAt = &at
	return nil
}

// setLastActivity 直接改写统计行，用于构造跨请求空档。
func (m *memUploadRepo) setLastActivity(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[id].LastActivityEnd = &at
}

type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*repository.ClientSession
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[string]*repository.ClientSession)}
}

func (m *memSessionRepo) Ensure(ctx context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[clientID]; !ok {
		m.sessions[clientID] = &repository.ClientSession{ClientID: clientID}
	}
	return nil
}

func (m *memSessionRepo) Get(ctx context.Context, clientID string) (*repository.ClientSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[clientID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *session
	return &cp, nil
}

func (m *memSessionRepo) SetLastUpload(ctx context.Context, clientID, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[clientID]
	if !ok {
		return repository.ErrNotFound
	}
	session.LastUploadID = &uploadID
	return nil
}

func (m *memSessionRepo) AppendLog(ctx context.Context, clientID, line string, maxBytes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[clientID]
	if !ok {
		return repository.ErrNotFound
	}
	combined := session.Logs + line + "\n"
	if maxBytes > 0 && len(combined) > maxBytes {
		combined = combined[len(combined)-maxBytes:]
	}
	session.Logs = combined
	return nil
}

func newTestService(t *testing.T) (*UploadService, *memUploadRepo, *memSessionRepo, *local.Store) {
	t.Helper()

	repo := newMemUploadRepo()
	sessions := newMemSessionRepo()
	store := local.NewStore(t.TempDir(), t.TempDir(), "")
	svc := NewUploadService(repo, sessions, store, store, nil, Limits{
		MaxFileSize:  1 << 30,
		MaxChunkSize: 1 << 20,
		DowntimeGap:  2 * time.Second,
	})
	// 后台清理必须先收尾，再让 t.TempDir 回收目录
	t.Cleanup(svc.Close)
	return svc, repo, sessions, store
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func chunkOf(payload []byte, chunkSize, index int) []byte {
	lo := index * chunkSize
	hi := lo + chunkSize
	if hi > len(payload) {
		hi = len(payload)
	}
	return payload[lo:hi]
}

func mustOpen(t *testing.T, svc *UploadService, name string, payload []byte, chunkSize int64, checksum string) *OpenUploadResult {
	t.Helper()

	result, err := svc.Open(context.Background(), OpenUploadInput{
		Filename:  name,
		Size:      int64(len(payload)),
		ChunkSize: chunkSize,
		Checksum:  checksum,
	})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	return result
}

func mustPut(t *testing.T, svc *UploadService, id string, index int, data []byte) {
	t.Helper()

	start := time.Now().UTC().Add(-20 * time.Millisecond)
	if err := svc.PutChunk(context.Background(), id, index, data, start); err != nil {
		t.Fatalf("PutChunk(%d) returned error: %v", index, err)
	}
}

func putIndices(t *testing.T, svc *UploadService, id string, payload []byte, chunkSize int, indices ...int) {
	t.Helper()
	for _, idx := range indices {
		mustPut(t, svc, id, idx, chunkOf(payload, chunkSize, idx))
	}
}

func TestUploadService_Open_RegistersNewUpload(t *testing.T) {
	svc, repo, _, _ := newTestService(t)

	payload := []byte("ten bytes!")
	checksum := strings.ToUpper(sha256Hex(payload))
	result := mustOpen(t, svc, "my report.txt", payload, 4, checksum)

	if result.Resumed {
		t.Fatal("fresh upload should not be marked resumed")
	}
	if result.Upload.TotalChunks != 3 {
		t.Fatalf("expected 3 chunks for 10 bytes at chunk size 4, got %d", result.Upload.TotalChunks)
	}
	if result.Upload.Filename != "my_report.txt" {
		t.Fatalf("expected sanitized filename my_report.txt, got %s", result.Upload.Filename)
	}
	if result.ReceivedIndices == nil || len(result.ReceivedIndices) != 0 {
		t.Fatalf("expected empty received indices, got %v", result.ReceivedIndices)
	}

	stored := repo.uploads[result.Upload.ID]
	if stored == nil {
		t.Fatal("upload record was not persisted")
	}
	if stored.Fingerprint != strings.ToLower(checksum) {
		t.Fatalf("fingerprint should be lowercased, got %s", stored.Fingerprint)
	}
}

func TestUploadService_Open_InvalidParams(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	cases := []struct {
		name  string
		input OpenUploadInput
	}{
		{"empty filename", OpenUploadInput{Filename: "", Size: 10, ChunkSize: 4}},
		{"whitespace filename", OpenUploadInput{Filename: "   ", Size: 10, ChunkSize: 4}},
		{"zero size", OpenUploadInput{Filename: "a.txt", Size: 0, ChunkSize: 4}},
		{"negative size", OpenUploadInput{Filename: "a.txt", Size: -1, ChunkSize: 4}},
		{"zero chunk size", OpenUploadInput{Filename: "a.txt", Size: 10, ChunkSize: 0}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Open(context.Background(), tc.input)
			if !errors.Is(err, ErrInvalidParams) {
				t.Fatalf("expected ErrInvalidParams, got %v", err)
			}
		})
	}
}

func TestUploadService_Open_EnforcesLimits(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.Open(context.Background(), OpenUploadInput{
		Filename: "big.bin", Size: (1 << 30) + 1, ChunkSize: 1 << 20,
	})
	if !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("expected ErrFileTooLarge, got %v", err)
	}

	_, err = svc.Open(context.Background(), OpenUploadInput{
		Filename: "big.bin", Size: 1 << 20, ChunkSize: (1 << 20) + 1,
	})
	if !errors.Is(err, ErrChunkTooLarge) {
		t.Fatalf("expected ErrChunkTooLarge, got %v", err)
	}
}

func TestUploadService_Open_ResumeKeepsOriginalGeometry(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	payload := []byte("twelve bytes")
	checksum := sha256Hex(payload)
	first := mustOpen(t, svc, "resume.bin", payload, 4, checksum)
	putIndices(t, svc, first.Upload.ID, payload, 4, 0, 2)

	// 客户端重启后提议了不同的分片大小，应被忽略
	second := mustOpen(t, svc, "resume.bin", payload, 6, checksum)

	if !second.Resumed {
		t.Fatal("expected resume of the pending upload")
	}
	if second.Upload.ID != first.Upload.ID {
		t.Fatalf("expected same upload id, got %s and %s", first.Upload.ID, second.Upload.ID)
	}
	if second.Upload.ChunkSize != 4 || second.Upload.TotalChunks != 3 {
		t.Fatalf("resume must keep original geometry, got chunk_size=%d total=%d",
			second.Upload.ChunkSize, second.Upload.TotalChunks)
	}
	if len(second.ReceivedIndices) != 2 || second.ReceivedIndices[0] != 0 || second.ReceivedIndices[1] != 2 {
		t.Fatalf("expected received indices [0 2], got %v", second.ReceivedIndices)
	}
}

func TestUploadService_Open_DistinctChecksumsGetDistinctHandles(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	payload := []byte("same name and size")
	first := mustOpen(t, svc, "same.bin", payload, 8, sha256Hex(payload))
	second := mustOpen(t, svc, "same.bin", payload, 8, sha256Hex([]byte("different content")))

	if second.Resumed {
		t.Fatal("different checksum must not resume an unrelated upload")
	}
	if first.Upload.ID == second.Upload.ID {
		t.Fatal("expected distinct upload ids for distinct checksums")
	}
}

func TestUploadService_Open_GeneratedNameWhenSanitizedEmpty(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	result := mustOpen(t, svc, "###", []byte("data"), 4, "")
	if !strings.HasPrefix(result.Upload.Filename, "upload-") {
		t.Fatalf("expected generated fallback name, got %s", result.Upload.Filename)
	}
}

func TestUploadService_PutChunk_IdempotentRewrite(t *testing.T) {
	svc, _, _, store := newTestService(t)

	payload := []byte("abcdefgh")
	result := mustOpen(t, svc, "dup.bin", payload, 4, "")
	id := result.Upload.ID

	mustPut(t, svc, id, 1, []byte("old!"))
	mustPut(t, svc, id, 1, []byte("efgh"))

	status, err := svc.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if status.Received != 1 {
		t.Fatalf("expected single ledger entry after rewrite, got %d", status.Received)
	}
	if status.Stats.BytesReceived != 4 {
		t.Fatalf("rewritten chunk must count bytes once, got %d", status.Stats.BytesReceived)
	}

	src, err := store.Open(context.Background(), id, 1)
	if err != nil {
		t.Fatalf("open staged chunk: %v", err)
	}
	defer src.Close()
	content, _ := io.ReadAll(src)
	if string(content) != "efgh" {
		t.Fatalf("expected last write to win, got %q", content)
	}
}

func TestUploadService_PutChunk_Rejections(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	payload := []byte("0123456789")
	result := mustOpen(t, svc, "guard.bin", payload, 4, "")
	id := result.Upload.ID
	start := time.Now().UTC()

	if err := svc.PutChunk(context.Background(), "no-such-upload", 0, []byte("x"), start); !errors.Is(err, ErrUnknownUpload) {
		t.Fatalf("expected ErrUnknownUpload, got %v", err)
	}

	var badIndex *BadIndexError
	err := svc.PutChunk(context.Background(), id, 3, []byte("x"), start)
	if !errors.As(err, &badIndex) {
		t.Fatalf("expected BadIndexError for index past the end, got %v", err)
	}
	if badIndex.Index != 3 || badIndex.TotalChunks != 3 {
		t.Fatalf("unexpected BadIndexError contents: %+v", badIndex)
	}

	if err := svc.PutChunk(context.Background(), id, -1, []byte("x"), start); !errors.As(err, &badIndex) {
		t.Fatalf("expected BadIndexError for negative index, got %v", err)
	}

	if err := svc.PutChunk(context.Background(), id, 0, nil, start); !errors.Is(err, ErrEmptyChunk) {
		t.Fatalf("expected ErrEmptyChunk, got %v", err)
	}
}

func TestUploadService_PutChunk_DowntimeSplit(t *testing.T) {
	svc, repo, _, _ := newTestService(t)

	payload := []byte("0123456789ab")
	result := mustOpen(t, svc, "gaps.bin", payload, 4, "")
	id := result.Upload.ID

	mustPut(t, svc, id, 0, chunkOf(payload, 4, 0))

	// 空档超过阈值：计入停机
	repo.setLastActivity(id, time.Now().UTC().Add(-5*time.Second))
	mustPut(t, svc, id, 1, chunkOf(payload, 4, 1))

	stats, err := repo.Stats(context.Background(), id)
	if err != nil {
		t.Fatalf("Stats returned error: %v", err)
	}
	if stats.DowntimeSeconds < 4.5 || stats.DowntimeSeconds > 6 {
		t.Fatalf("expected roughly 5s downtime, got %.3f", stats.DowntimeSeconds)
	}

	// 阈值内的空档：并入活动时间
	activeBefore := stats.ActiveSeconds
	repo.setLastActivity(id, time.Now().UTC().Add(-1*time.Second))
	mustPut(t, svc, id, 2, chunkOf(payload, 4, 2))

	stats, err = repo.Stats(context.Background(), id)
	if err != nil {
		t.Fatalf("Stats returned error: %v", err)
	}
	if gained := stats.ActiveSeconds - activeBefore; gained < 0.9 || gained > 2 {
		t.Fatalf("expected roughly 1s folded into active time, got %.3f", gained)
	}
	if stats.DowntimeSeconds > 6 {
		t.Fatalf("short gap must not add downtime, got %.3f", stats.DowntimeSeconds)
	}
}

func TestUploadService_Finalize_AssemblesVerifiesAndRecords(t *testing.T) {
	svc, repo, _, _ := newTestService(t)

	payload := bytes.Repeat([]byte("landrop!"), 12)
	result := mustOpen(t, svc, "demo.bin", payload, 32, sha256Hex(payload))
	id := result.Upload.ID

	// 乱序写入不影响装配顺序
	putIndices(t, svc, id, payload, 32, 2, 0, 1)

	final, err := svc.Finalize(context.Background(), id, nil)
	if err != nil {
		t.Fatalf("Finalize returned error: %v", err)
	}
	if final.Already {
		t.Fatal("first finalize must not report already")
	}
	if final.Location.Name != "demo.bin" {
		t.Fatalf("expected artifact demo.bin, got %s", final.Location.Name)
	}

	content, err := os.ReadFile(final.Location.Path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !bytes.Equal(content, payload) {
		t.Fatal("assembled artifact differs from original payload")
	}

	if final.Stats == nil || final.Stats.FinalizedAt == nil {
		t.Fatal("final stats must carry finalized_at")
	}
	if final.Stats.BytesReceived != int64(len(payload)) {
		t.Fatalf("expected %d bytes recorded, got %d", len(payload), final.Stats.BytesReceived)
	}
	if final.Stats.UploadStart == nil || final.Stats.UploadEnd == nil {
		t.Fatal("final stats must carry the reconstructed upload span")
	}

	if !repo.uploads[id].Finalized {
		t.Fatal("upload record must be marked finalized")
	}

	status, err := svc.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if !status.Finalized || len(status.Missing) != 0 {
		t.Fatalf("expected finalized status with no missing chunks, got %+v", status)
	}
}

func TestUploadService_Finalize_RebuildsTimelineStats(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	payload := []byte("abcdefgh")
	result := mustOpen(t, svc, "overlap.bin", payload, 4, sha256Hex(payload))
	id := result.Upload.ID

	// 两个分片的写入窗口重叠：0 号从 2 秒前开始，1 号从 1.2 秒前开始
	now := time.Now().UTC()
	if err := svc.PutChunk(context.Background(), id, 0, payload[:4], now.Add(-2*time.Second)); err != nil {
		t.Fatalf("PutChunk(0) returned error: %v", err)
	}
	if err := svc.PutChunk(context.Background(), id, 1, payload[4:], now.Add(-1200*time.Millisecond)); err != nil {
		t.Fatalf("PutChunk(1) returned error: %v", err)
	}

	final, err := svc.Finalize(context.Background(), id, nil)
	if err != nil {
		t.Fatalf("Finalize returned error: %v", err)
	}

	stats := final.Stats
	if stats.PeakConcurrency != 2 {
		t.Fatalf("expected peak concurrency 2 for overlapping windows, got %d", stats.PeakConcurrency)
	}
	if stats.UploadActiveSeconds < 1.8 || stats.UploadActiveSeconds > 3 {
		t.Fatalf("expected roughly 2s of active time, got %.3f", stats.UploadActiveSeconds)
	}
	if stats.ConcurrencySeconds < 2.9 || stats.ConcurrencySeconds > 4 {
		t.Fatalf("expected roughly 3.2 concurrency seconds, got %.3f", stats.ConcurrencySeconds)
	}
	if stats.DowntimeSeconds > 0.1 {
		t.Fatalf("expected no downtime inside one burst, got %.3f", stats.DowntimeSeconds)
	}
	if stats.AvgUploadBps == nil {
		t.Fatal("expected average throughput once active time is positive")
	}
}

func TestUploadService_Finalize_IncompleteKeepsPending(t *testing.T) {
	svc, repo, _, _ := newTestService(t)

	payload := []byte("0123456789ab")
	result := mustOpen(t, svc, "partial.bin", payload, 4, sha256Hex(payload))
	id := result.Upload.ID

	putIndices(t, svc, id, payload, 4, 0, 2)

	var incomplete *IncompleteError
	_, err := svc.Finalize(context.Background(), id, nil)
	if !errors.As(err, &incomplete) {
		t.Fatalf("expected IncompleteError, got %v", err)
	}
	if incomplete.Have != 2 || incomplete.Need != 3 {
		t.Fatalf("unexpected IncompleteError contents: %+v", incomplete)
	}
	if repo.uploads[id].Finalized {
		t.Fatal("failed finalize must leave the upload pending")
	}

	// 补上缺失分片后重试成功
	putIndices(t, svc, id, payload, 4, 1)
	final, err := svc.Finalize(context.Background(), id, nil)
	if err != nil {
		t.Fatalf("retry Finalize returned error: %v", err)
	}
	if final.Already {
		t.Fatal("retry should perform the finalize, not report already")
	}
}

func TestUploadService_Finalize_ChecksumMismatchAllowsRetry(t *testing.T) {
	svc, repo, _, store := newTestService(t)

	payload := []byte("correct bytes!")
	declared := sha256Hex(payload)
	result := mustOpen(t, svc, "verify.bin", payload, 4, declared)
	id := result.Upload.ID

	// 1 号分片先写入同长度的坏字节
	putIndices(t, svc, id, payload, 4, 0, 2, 3)
	mustPut(t, svc, id, 1, []byte("XXXX"))

	var mismatch *ChecksumMismatchError
	_, err := svc.Finalize(context.Background(), id, nil)
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected ChecksumMismatchError, got %v", err)
	}
	if mismatch.Expected != declared {
		t.Fatalf("expected declared checksum %s, got %s", declared, mismatch.Expected)
	}
	if mismatch.Got == declared {
		t.Fatal("got digest should differ from the declared checksum")
	}
	if repo.uploads[id].Finalized {
		t.Fatal("checksum failure must leave the upload pending")
	}

	entries, err := os.ReadDir(store.UploadDir)
	if err != nil {
		t.Fatalf("read upload dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("aborted assembly must not leave artifacts, found %d entries", len(entries))
	}

	// 覆盖坏分片后重试成功
	mustPut(t, svc, id, 1, chunkOf(payload, 4, 1))
	final, err := svc.Finalize(context.Background(), id, nil)
	if err != nil {
		t.Fatalf("retry Finalize returned error: %v", err)
	}
	content, err := os.ReadFile(final.Location.Path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !bytes.Equal(content, payload) {
		t.Fatal("retried assembly must produce the original payload")
	}
}

func TestUploadService_Finalize_SizeMismatch(t *testing.T) {
	svc, repo, _, _ := newTestService(t)

	result, err := svc.Open(context.Background(), OpenUploadInput{
		Filename: "short.bin", Size: 100, ChunkSize: 40,
	})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	id := result.Upload.ID

	// 三个分片都在，但合计只有 90 字节
	for i := 0; i < 3; i++ {
		mustPut(t, svc, id, i, bytes.Repeat([]byte{byte('a' + i)}, 30))
	}

	var mismatch *SizeMismatchError
	_, err = svc.Finalize(context.Background(), id, nil)
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected SizeMismatchError, got %v", err)
	}
	if mismatch.Expected != 100 || mismatch.Got != 90 {
		t.Fatalf("unexpected SizeMismatchError contents: %+v", mismatch)
	}
	if repo.uploads[id].Finalized {
		t.Fatal("size failure must leave the upload pending")
	}
}

func TestUploadService_Finalize_SecondCallReportsAlready(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	payload := []byte("once only")
	result := mustOpen(t, svc, "once.bin", payload, 9, sha256Hex(payload))
	id := result.Upload.ID
	putIndices(t, svc, id, payload, 9, 0)

	if _, err := svc.Finalize(context.Background(), id, nil); err != nil {
		t.Fatalf("Finalize returned error: %v", err)
	}

	again, err := svc.Finalize(context.Background(), id, nil)
	if err != nil {
		t.Fatalf("second Finalize returned error: %v", err)
	}
	if !again.Already {
		t.Fatal("second finalize must report already")
	}

	err = svc.PutChunk(context.Background(), id, 0, payload, time.Now().UTC())
	if !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("expected ErrAlreadyFinalized after finalize, got %v", err)
	}
}

func TestUploadService_Finalize_SkipsVerificationWithoutChecksum(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	payload := []byte("unverified content")
	result := mustOpen(t, svc, "trust.bin", payload, 6, "")
	id := result.Upload.ID
	putIndices(t, svc, id, payload, 6, 0, 1, 2)

	final, err := svc.Finalize(context.Background(), id, nil)
	if err != nil {
		t.Fatalf("Finalize without checksum returned error: %v", err)
	}
	content, err := os.ReadFile(final.Location.Path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !bytes.Equal(content, payload) {
		t.Fatal("artifact differs from payload")
	}
}

func TestUploadService_CloseWaitsForCleanup(t *testing.T) {
	svc, _, _, store := newTestService(t)

	payload := []byte("sweep me away")
	result := mustOpen(t, svc, "sweep.bin", payload, int64(len(payload)), sha256Hex(payload))
	id := result.Upload.ID
	putIndices(t, svc, id, payload, len(payload), 0)

	if _, err := svc.Finalize(context.Background(), id, nil); err != nil {
		t.Fatalf("Finalize returned error: %v", err)
	}

	// Close 返回后暂存目录必须已经回收，而不是留给后台慢慢删
	svc.Close()

	if _, err := os.Stat(filepath.Join(store.StagingDir, id)); !os.IsNotExist(err) {
		t.Fatalf("staging dir should be gone after Close, stat err: %v", err)
	}
	indices, err := store.ListPresent(context.Background(), id)
	if err != nil {
		t.Fatalf("ListPresent returned error: %v", err)
	}
	if len(indices) != 0 {
		t.Fatalf("expected no staged chunks after Close, got %v", indices)
	}
}

func TestUploadService_Finalize_UnknownUpload(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.Finalize(context.Background(), "missing", nil)
	if !errors.Is(err, ErrUnknownUpload) {
		t.Fatalf("expected ErrUnknownUpload, got %v", err)
	}
}

func TestUploadService_Status_BeforeAndAfterChunks(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	payload := []byte("0123456789")
	result := mustOpen(t, svc, "progress.bin", payload, 4, "")
	id := result.Upload.ID

	status, err := svc.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if status.Received != 0 || len(status.Missing) != 3 {
		t.Fatalf("expected nothing received yet, got %+v", status)
	}
	if status.Stats == nil || status.Stats.AvgUploadBps != nil {
		t.Fatal("throughput must be null before any active time")
	}

	putIndices(t, svc, id, payload, 4, 0, 2)

	status, err = svc.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if status.Received != 2 {
		t.Fatalf("expected 2 received, got %d", status.Received)
	}
	if len(status.Missing) != 1 || status.Missing[0] != 1 {
		t.Fatalf("expected missing [1], got %v", status.Missing)
	}
	if status.Stats.BytesReceived != 8 {
		t.Fatalf("expected 8 bytes received, got %d", status.Stats.BytesReceived)
	}
	if status.Stats.AvgUploadBps == nil {
		t.Fatal("throughput should be reported once active time accrues")
	}
	if status.Stats.UploadStart == nil {
		t.Fatal("upload_start should fall back to the first chunk time before finalize")
	}
}

func TestUploadService_Status_UnknownUpload(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.Status(context.Background(), "missing")
	if !errors.Is(err, ErrUnknownUpload) {
		t.Fatalf("expected ErrUnknownUpload, got %v", err)
	}
}
