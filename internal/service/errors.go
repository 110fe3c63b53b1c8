package service

import (
	"errors"
	"fmt"
)

// 业务错误哨兵，API 层据此映射状态码与错误种类。
var (
	ErrInvalidParams    = errors.New("invalid upload parameters")
	ErrFileTooLarge     = errors.New("file size exceeds limit")
	ErrChunkTooLarge    = errors.New("chunk size exceeds limit")
	ErrUnknownUpload    = errors.New("unknown upload")
	ErrAlreadyFinalized = errors.New("upload already finalized")
	ErrEmptyChunk       = errors.New("empty chunk body")
)

// BadIndexError 表示分片序号不在 [0, TotalChunks) 范围内。
type BadIndexError struct {
	Index       int
	TotalChunks int
}

func (e *BadIndexError) Error() string {
	return fmt.Sprintf("chunk index %d out of range [0, %d)", e.Index, e.TotalChunks)
}

// IncompleteError 表示定稿时暂存区的分片数量与应有数量不符。
type IncompleteError struct {
	Have int
	Need int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("upload incomplete: %d/%d chunks present", e.Have, e.Need)
}

// SizeMismatchError 表示装配产物的字节数与声明大小不符。
type SizeMismatchError struct {
	Expected int64
	Got      int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("assembled size mismatch: expected %d bytes, got %d", e.Expected, e.Got)
}

// ChecksumMismatchError 表示装配产物的哈希与声明指纹不符。
type ChecksumMismatchError struct {
	Expected string
	Got      string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected %s, got %s", e.Expected, e.Got)
}
