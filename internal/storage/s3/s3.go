package s3

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"landrop/internal/storage"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config 包含 S3/MinIO 存储所需的配置。
type Config struct {
	Endpoint   string // 不含协议，如 "localhost:9000" 或 "s3.amazonaws.com"
	AccessKey  string
	SecretKey  string
	Bucket     string
	Region     string
	UseSSL     bool   // 是否使用 HTTPS
	PathStyle  bool   // 是否使用路径风格访问（MinIO 需要设为 true）
	StagingDir string // 装配临时文件的本地目录，空则退回系统临时目录
}

const (
	stagingPrefix = "staging/"
	uploadsPrefix = "uploads/"
	chunkSuffix   = ".part"
)

// Store 基于 S3 兼容对象存储实现分片暂存与成品存储，
// 装配临时产物先落在本地暂存目录，Commit 时整体上传。
type Store struct {
	client     *minio.Client
	bucket     string
	region     string
	stagingDir string
}

// New 创建新的 S3 存储实例。
func New(ctx context.Context, cfg Config) (*Store, error) {
	lookup := minio.BucketLookupAuto
	if cfg.PathStyle {
		lookup = minio.BucketLookupPath
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		Region:       cfg.Region,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	// 检查 bucket 是否存在，不存在则创建
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{
			Region: cfg.Region,
		}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &Store{
		client:     client,
		bucket:     cfg.Bucket,
		region:     cfg.Region,
		stagingDir: cfg.StagingDir,
	}, nil
}

func chunkKey(handle string, index int) string {
	return fmt.Sprintf("%s%s/%08d%s", stagingPrefix, handle, index, chunkSuffix)
}

// Prepare 对象存储没有目录概念，这里无事可做。
func (s *Store) Prepare(ctx context.Context, handle string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("s3 store uninitialized")
	}
	return nil
}

// Put 上传一个分片对象，同序号重传直接覆盖旧对象。
func (s *Store) Put(ctx context.Context, handle string, index int, r io.Reader) (int64, error) {
	if s == nil || s.client == nil {
		return 0, fmt.Errorf("s3 store uninitialized")
	}

	// 使用 -1 表示未知大小，让 SDK 自动处理
	info, err := s.client.PutObject(ctx, s.bucket, chunkKey(handle, index), r, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return 0, fmt.Errorf("put chunk object: %w", err)
	}

	return info.Size, nil
}

// Open 读取指定序号的分片对象。
func (s *Store) Open(ctx context.Context, handle string, index int) (io.ReadCloser, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("s3 store uninitialized")
	}

	obj, err := s.client.GetObject(ctx, s.bucket, chunkKey(handle, index), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get chunk object: %w", err)
	}

	// 验证对象是否存在
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return nil, fmt.Errorf("chunk %d of %s: %w", index, handle, os.ErrNotExist)
		}
		return nil, fmt.Errorf("stat chunk object: %w", err)
	}

	return obj, nil
}

// ListPresent 列出暂存区实际存在的分片序号，升序。
func (s *Store) ListPresent(ctx context.Context, handle string) ([]int, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("s3 store uninitialized")
	}

	prefix := stagingPrefix + handle + "/"
	var indices []int
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list chunk objects: %w", obj.Err)
		}
		name := path.Base(obj.Key)
		if !strings.HasSuffix(name, chunkSuffix) {
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

// RemoveAll 逐个删除句柄的暂存分片对象，返回首个删除错误。
func (s *Store) RemoveAll(ctx context.Context, handle string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("s3 store uninitialized")
	}

	prefix := stagingPrefix + handle + "/"
	var firstErr error
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			if firstErr == nil {
				firstErr = obj.Err
			}
			continue
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// Create 在本地暂存目录打开一个装配临时文件，Commit 时整体上传为成品对象。
func (s *Store) Create(ctx context.Context, handle string) (storage.ArtifactWriter, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("s3 store uninitialized")
	}

	file, err := os.CreateTemp(s.stagingDir, handle+"-*.assembling")
	if err != nil {
		return nil, fmt.Errorf("create assembling temp: %w", err)
	}

	return &artifactSpool{store: s, handle: handle, file: file}, nil
}

type artifactSpool struct {
	store  *Store
	handle string
	file   *os.File
	size   int64
}

func (a *artifactSpool) Write(p []byte) (int, error) {
	n, err := a.file.Write(p)
	a.size += int64(n)
	return n, err
}

// Commit 将装配产物上传为成品对象，同名时追加句柄消歧，绝不覆盖旧成品。
func (a *artifactSpool) Commit(ctx context.Context, name string) (storage.Location, error) {
	defer a.cleanup()

	if err := a.file.Sync(); err != nil {
		return storage.Location{}, fmt.Errorf("sync assembling temp: %w", err)
	}
	if _, err := a.file.Seek(0, io.SeekStart); err != nil {
		return storage.Location{}, fmt.Errorf("rewind assembling temp: %w", err)
	}

	finalName := path.Base(name)
	exists, err := a.store.objectExists(ctx, uploadsPrefix+finalName)
	if err != nil {
		return storage.Location{}, err
	}
	if exists {
		ext := path.Ext(finalName)
		stem := strings.TrimSuffix(finalName, ext)
		finalName = fmt.Sprintf("%s-%s%s", stem, a.handle, ext)
	}

	key := uploadsPrefix + finalName
	if _, err := a.store.client.PutObject(ctx, a.store.bucket, key, a.file, a.size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	}); err != nil {
		return storage.Location{}, fmt.Errorf("put artifact object: %w", err)
	}

	return storage.Location{
		Name: finalName,
		Path: key,
		URL:  fmt.Sprintf("s3://%s/%s", a.store.bucket, key),
	}, nil
}

// Abort 丢弃装配临时文件。
func (a *artifactSpool) Abort() error {
	a.cleanup()
	return nil
}

func (a *artifactSpool) cleanup() {
	name := a.file.Name()
	a.file.Close()
	os.Remove(name)
}

func (s *Store) objectExists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, fmt.Errorf("stat artifact object: %w", err)
}

// OpenArtifact 读取一个成品对象并返回其元信息。
func (s *Store) OpenArtifact(ctx context.Context, name string) (io.ReadCloser, *storage.ArtifactInfo, error) {
	if s == nil || s.client == nil {
		return nil, nil, fmt.Errorf("s3 store uninitialized")
	}

	base := path.Base(name)
	obj, err := s.client.GetObject(ctx, s.bucket, uploadsPrefix+base, minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("get artifact object: %w", err)
	}

	stat, err := obj.Stat()
	if err != nil {
		obj.Close()
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return nil, nil, fmt.Errorf("artifact %s: %w", base, os.ErrNotExist)
		}
		return nil, nil, fmt.Errorf("stat artifact object: %w", err)
	}

	return obj, &storage.ArtifactInfo{
		Name:       base,
		SizeBytes:  stat.Size,
		ModifiedAt: stat.LastModified,
	}, nil
}

// ListArtifacts 返回全部成品对象，最近修改的在前。
func (s *Store) ListArtifacts(ctx context.Context) ([]storage.ArtifactInfo, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("s3 store uninitialized")
	}

	var artifacts []storage.ArtifactInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    uploadsPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list artifact objects: %w", obj.Err)
		}
		artifacts = append(artifacts, storage.ArtifactInfo{
			Name:       strings.TrimPrefix(obj.Key, uploadsPrefix),
			SizeBytes:  obj.Size,
			ModifiedAt: obj.LastModified,
		})
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].ModifiedAt.After(artifacts[j].ModifiedAt)
	})

	return artifacts, nil
}
