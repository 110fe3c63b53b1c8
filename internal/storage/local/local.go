package local

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"landrop/internal/storage"
)

const (
	chunkSuffix      = ".part"
	assemblingSuffix = ".assembling"
	trashDirName     = "_trash"
)

// Store 将暂存分片与完成文件保存在本地文件系统。目录布局：
//
//	<staging>/<handle>/00000007.part   暂存分片
//	<staging>/_trash/<handle>-<unix>   定稿后待清理的分片目录
//	<uploads>/<name>                   已完成文件（装配期间为 <handle>.assembling）
type Store struct {
	StagingDir string
	UploadDir  string
	BaseURL    string

	// publishMu 串行化成品的查名与改名，同名并发定稿不得互相覆盖。
	publishMu sync.Mutex
}

func NewStore(stagingDir, uploadDir, baseURL string) *Store {
	return &Store{StagingDir: stagingDir, UploadDir: uploadDir, BaseURL: baseURL}
}

func (s *Store) chunkDir(handle string) string {
	return filepath.Join(s.StagingDir, handle)
}

func chunkFileName(index int) string {
	return fmt.Sprintf("%08d%s", index, chunkSuffix)
}

// Prepare 确保句柄的暂存目录存在。
func (s *Store) Prepare(ctx context.Context, handle string) error {
	if s == nil {
		return fmt.Errorf("local store uninitialized")
	}
	return os.MkdirAll(s.chunkDir(handle), 0o755)
}

// Put 写入一个分片，重复写入同一序号会原子地覆盖旧内容。
// 临时文件名带随机后缀，同序号并发重传各写各的，最后一次改名胜出。
func (s *Store) Put(ctx context.Context, handle string, index int, r io.Reader) (int64, error) {
	if s == nil {
		return 0, fmt.Errorf("local store uninitialized")
	}

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	dir := s.chunkDir(handle)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("ensure staging dir: %w", err)
	}

	targetPath := filepath.Join(dir, chunkFileName(index))
	file, err := os.CreateTemp(dir, chunkFileName(index)+".tmp*")
	if err != nil {
		return 0, fmt.Errorf("create temp chunk: %w", err)
	}
	tempPath := file.Name()

	written, err := io.Copy(file, r)
	if err != nil {
		file.Close()
		os.Remove(tempPath)
		return 0, fmt.Errorf("write chunk: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return 0, fmt.Errorf("sync chunk: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("close chunk: %w", err)
	}

	if err := os.Rename(tempPath, targetPath); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("rename temp chunk: %w", err)
	}

	return written, nil
}

// Open 打开指定序号的分片内容。
func (s *Store) Open(ctx context.Context, handle string, index int) (io.ReadCloser, error) {
	if s == nil {
		return nil, fmt.Errorf("local store uninitialized")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	file, err := os.Open(filepath.Join(s.chunkDir(handle), chunkFileName(index)))
	if err != nil {
		return nil, fmt.Errorf("open chunk %d of %s: %w", index, handle, err)
	}

	return file, nil
}

// ListPresent 返回暂存区中实际存在的分片序号，升序。
// 以磁盘为准而不是台账，崩溃在两者之间时不会误报齐全。
func (s *Store) ListPresent(ctx context.Context, handle string) ([]int, error) {
	if s == nil {
		return nil, fmt.Errorf("local store uninitialized")
	}

	entries, err := os.ReadDir(s.chunkDir(handle))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read staging dir: %w", err)
	}

	var indices []int
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, chunkSuffix) {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSuffix(name, chunkSuffix))
		if err != nil {
			continue
		}
		indices = append(indices, idx)
	}

	sort.Ints(indices)
	return indices, nil
}

// RemoveAll 清理句柄的全部暂存分片。先整体挪入回收目录再删除，
// 挪动失败时回退为就地删除，失败的删除留给外部清扫。
func (s *Store) RemoveAll(ctx context.Context, handle string) error {
	if s == nil {
		return fmt.Errorf("local store uninitialized")
	}

	dir := s.chunkDir(handle)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat staging dir: %w", err)
	}

	trashRoot := filepath.Join(s.StagingDir, trashDirName)
	if err := os.MkdirAll(trashRoot, 0o755); err != nil {
		return os.RemoveAll(dir)
	}

	trashPath := filepath.Join(trashRoot, fmt.Sprintf("%s-%d", handle, time.Now().Unix()))
	if err := os.Rename(dir, trashPath); err != nil {
		return os.RemoveAll(dir)
	}

	return os.RemoveAll(trashPath)
}

// Create 打开一个装配临时文件，与最终目录同卷，Commit 时可原子改名。
func (s *Store) Create(ctx context.Context, handle string) (storage.ArtifactWriter, error) {
	if s == nil {
		return nil, fmt.Errorf("local store uninitialized")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if err := os.MkdirAll(s.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure upload dir: %w", err)
	}

	path := filepath.Join(s.UploadDir, handle+assemblingSuffix)
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create assembling file: %w", err)
	}

	return &artifactFile{store: s, handle: handle, file: file, path: path}, nil
}

type artifactFile struct {
	store  *Store
	handle string
	file   *os.File
	path   string
}

func (a *artifactFile) Write(p []byte) (int, error) {
	return a.file.Write(p)
}

// Commit 将装配产物落盘并改名为最终文件，同名时追加句柄消歧，绝不覆盖旧成品。
func (a *artifactFile) Commit(ctx context.Context, name string) (storage.Location, error) {
	select {
	case <-ctx.Done():
		return storage.Location{}, ctx.Err()
	default:
	}

	if err := a.file.Sync(); err != nil {
		a.file.Close()
		return storage.Location{}, fmt.Errorf("sync artifact: %w", err)
	}
	if err := a.file.Close(); err != nil {
		return storage.Location{}, fmt.Errorf("close artifact: %w", err)
	}

	a.store.publishMu.Lock()
	target := a.store.resolveArtifactPath(filepath.Base(name), a.handle)
	err := os.Rename(a.path, target)
	a.store.publishMu.Unlock()
	if err != nil {
		return storage.Location{}, fmt.Errorf("publish artifact: %w", err)
	}

	loc := storage.Location{Name: filepath.Base(target), Path: target}
	if a.store.BaseURL != "" {
		if u, err := url.JoinPath(a.store.BaseURL, filepath.Base(target)); err == nil {
			loc.URL = u
		}
	}

	return loc, nil
}

// Abort 丢弃装配临时文件。
func (a *artifactFile) Abort() error {
	a.file.Close()
	if err := os.Remove(a.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// resolveArtifactPath 选定成品的最终路径，调用方须持有 publishMu。
func (s *Store) resolveArtifactPath(name, handle string) string {
	target := filepath.Join(s.UploadDir, name)
	if _, err := os.Stat(target); err == nil {
		ext := filepath.Ext(name)
		stem := strings.TrimSuffix(name, ext)
		return filepath.Join(s.UploadDir, fmt.Sprintf("%s-%s%s", stem, handle, ext))
	}
	return target
}

// OpenArtifact 打开一个已完成文件并返回其元信息。
func (s *Store) OpenArtifact(ctx context.Context, name string) (io.ReadCloser, *storage.ArtifactInfo, error) {
	if s == nil {
		return nil, nil, fmt.Errorf("local store uninitialized")
	}

	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	default:
	}

	base := filepath.Base(name)
	if strings.HasSuffix(base, assemblingSuffix) {
		// 装配中的临时文件不对外提供
		return nil, nil, fmt.Errorf("open artifact %s: %w", base, os.ErrNotExist)
	}

	file, err := os.Open(filepath.Join(s.UploadDir, base))
	if err != nil {
		return nil, nil, fmt.Errorf("open artifact: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("stat artifact: %w", err)
	}

	return file, &storage.ArtifactInfo{
		Name:       base,
		SizeBytes:  info.Size(),
		ModifiedAt: info.ModTime(),
	}, nil
}

// ListArtifacts 返回全部已完成文件，最近修改的在前。
func (s *Store) ListArtifacts(ctx context.Context) ([]storage.ArtifactInfo, error) {
	if s == nil {
		return nil, fmt.Errorf("local store uninitialized")
	}

	entries, err := os.ReadDir(s.UploadDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read upload dir: %w", err)
	}

	var artifacts []storage.ArtifactInfo
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), assemblingSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		artifacts = append(artifacts, storage.ArtifactInfo{
			Name:       entry.Name(),
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime(),
		})
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].ModifiedAt.After(artifacts[j].ModifiedAt)
	})

	return artifacts, nil
}
