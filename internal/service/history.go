package service

import (
	"context"
	"errors"
	"fmt"
	"io"

	"landrop/internal/repository"
	"landrop/internal/storage"
)

// historyLimit 单个客户端历史记录返回条数上限。
const historyLimit = 50

// History 返回客户端自己的上传记录与服务器上已完成的文件列表。
// 没有客户端标识时上传列表为空；文件列举失败时退化为空列表。
func (s *UploadService) History(ctx context.Context, clientID *string) ([]repository.UploadRecord, []storage.ArtifactInfo, error) {
	if s == nil || s.repo == nil {
		return nil, nil, errors.New("upload service not initialized")
	}

	var uploads []repository.UploadRecord
	if clientID != nil && *clientID != "" {
		var err error
		uploads, err = s.repo.ListByClient(ctx, *clientID, historyLimit)
		if err != nil {
			return nil, nil, fmt.Errorf("list uploads: %w", err)
		}
	}

	var artifacts []storage.ArtifactInfo
	if s.artifacts != nil {
		var err error
		artifacts, err = s.artifacts.ListArtifacts(ctx)
		if err != nil {
			s.logger.Warn("列出已完成文件失败", "err", err)
			artifacts = nil
		}
	}

	return uploads, artifacts, nil
}

// Download 打开一个已完成文件用于下载，文件名先过同一套清洗。
func (s *UploadService) Download(ctx context.Context, filename string) (io.ReadCloser, *storage.ArtifactInfo, error) {
	if s == nil || s.artifacts == nil {
		return nil, nil, errors.New("upload service not initialized")
	}
	return s.artifacts.OpenArtifact(ctx, sanitizeFilename(filename))
}
