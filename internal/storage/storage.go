package storage

import (
	"context"
	"io"
	"time"
)

// ChunkStore 以 (上传句柄, 分片序号) 寻址暂存分片，
// 底层可以是本地磁盘或 S3 兼容对象存储。
type ChunkStore interface {
	Prepare(ctx context.Context, handle string) error
	Put(ctx context.Context, handle string, index int, r io.Reader) (int64, error)
	Open(ctx context.Context, handle string, index int) (io.ReadCloser, error)
	ListPresent(ctx context.Context, handle string) ([]int, error)
	RemoveAll(ctx context.Context, handle string) error
}

// ArtifactWriter 承接装配中的临时产物，Commit 之前对外不可见。
type ArtifactWriter interface {
	io.Writer
	Commit(ctx context.Context, name string) (Location, error)
	Abort() error
}

// ArtifactStore 管理装配完成的最终文件。
type ArtifactStore interface {
	Create(ctx context.Context, handle string) (ArtifactWriter, error)
	OpenArtifact(ctx context.Context, name string) (io.ReadCloser, *ArtifactInfo, error)
	ListArtifacts(ctx context.Context) ([]ArtifactInfo, error)
}

// ArtifactInfo 描述一个已完成文件。
type ArtifactInfo struct {
	Name       string    `json:"filename"`
	SizeBytes  int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Location 描述已提交产物的可访问信息。
type Location struct {
	Name string // 冲突消歧后的最终文件名
	Path string
	URL  string
}
