package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"landrop/internal/config"
	"landrop/internal/service"

	"github.com/go-chi/chi/v5"
)

// bodyOverhead 请求体上限在分片上限之外的余量。
const bodyOverhead int64 = 1 << 20

// UploadHandler 提供断点续传协议的 HTTP 端点。
type UploadHandler struct {
	service *service.UploadService
	cfg     *config.Config
}

func NewUploadHandler(s *service.UploadService, cfg *config.Config) *UploadHandler {
	return &UploadHandler{service: s, cfg: cfg}
}

func (h *UploadHandler) RegisterRoutes(r chi.Router) {
	r.Post("/initiate", h.Initiate)
	r.Put("/upload/{uploadID}/{index}", h.PutChunk)
	r.Get("/status/{uploadID}", h.Status)
	r.Post("/finalize/{uploadID}", h.Finalize)
}

type initiateRequest struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	ChunkSize int64  `json:"chunk_size"`
	Checksum  string `json:"checksum"`
}

// Initiate 登记一个新上传，或匹配到未完成的上传并返回续传参数。
func (h *UploadHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		writeError(w, http.StatusInternalServerError, "storage-error")
		return
	}

	var req initiateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-params")
		return
	}

	result, err := h.service.Open(r.Context(), service.OpenUploadInput{
		Filename:  req.Filename,
		Size:      req.Size,
		ChunkSize: req.ChunkSize,
		Checksum:  req.Checksum,
		ClientID:  optionalClientID(r),
	})
	if err != nil {
		h.writeOpenError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"upload_id":        result.Upload.ID,
		"filename":         result.Upload.Filename,
		"size":             result.Upload.SizeBytes,
		"chunk_size":       result.Upload.ChunkSize,
		"total_chunks":     result.Upload.TotalChunks,
		"received_indices": result.ReceivedIndices,
	})
}

func (h *UploadHandler) writeOpenError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidParams):
		writeError(w, http.StatusBadRequest, "invalid-params")
	case errors.Is(err, service.ErrFileTooLarge):
		writeErrorDetails(w, http.StatusRequestEntityTooLarge, "file-too-large",
			map[string]any{"max_bytes": h.cfg.MaxFileSize})
	case errors.Is(err, service.ErrChunkTooLarge):
		writeErrorDetails(w, http.StatusRequestEntityTooLarge, "chunk-too-large",
			map[string]any{"max_bytes": h.cfg.MaxChunkSize})
	default:
		writeError(w, http.StatusInternalServerError, "storage-error")
	}
}

// PutChunk 接收一个原始字节分片。请求体就是分片内容本身。
func (h *UploadHandler) PutChunk(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		writeError(w, http.StatusInternalServerError, "storage-error")
		return
	}

	start := time.Now().UTC()

	uploadID := chi.URLParam(r, "uploadID")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad-index")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxChunkSize+bodyOverhead)
	defer r.Body.Close()

	data, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeErrorDetails(w, http.StatusRequestEntityTooLarge, "chunk-too-large",
				map[string]any{"max_bytes": h.cfg.MaxChunkSize})
			return
		}
		writeError(w, http.StatusBadRequest, "invalid-params")
		return
	}

	if err := h.service.PutChunk(r.Context(), uploadID, index, data, start); err != nil {
		writeChunkError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeChunkError(w http.ResponseWriter, err error) {
	var badIndex *service.BadIndexError
	switch {
	case errors.Is(err, service.ErrUnknownUpload):
		writeError(w, http.StatusNotFound, "unknown-upload")
	case errors.Is(err, service.ErrAlreadyFinalized):
		writeError(w, http.StatusConflict, "already-finalized")
	case errors.As(err, &badIndex):
		writeErrorDetails(w, http.StatusBadRequest, "bad-index",
			map[string]any{"total_chunks": badIndex.TotalChunks})
	case errors.Is(err, service.ErrEmptyChunk):
		writeError(w, http.StatusBadRequest, "empty-body")
	default:
		writeError(w, http.StatusInternalServerError, "storage-error")
	}
}

// Status 返回上传进度、缺失分片与当前统计快照。
func (h *UploadHandler) Status(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		writeError(w, http.StatusInternalServerError, "storage-error")
		return
	}

	snapshot, err := h.service.Status(r.Context(), chi.URLParam(r, "uploadID"))
	if err != nil {
		if errors.Is(err, service.ErrUnknownUpload) {
			writeError(w, http.StatusNotFound, "unknown-upload")
			return
		}
		writeError(w, http.StatusInternalServerError, "storage-error")
		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

// Finalize 装配、校验并提交最终文件。
func (h *UploadHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		writeError(w, http.StatusInternalServerError, "storage-error")
		return
	}

	result, err := h.service.Finalize(r.Context(), chi.URLParam(r, "uploadID"), optionalClientID(r))
	if err != nil {
		writeFinalizeError(w, err)
		return
	}

	if result.Already {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "already": true})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"path":     result.Location.Path,
		"filename": result.Location.Name,
		"stats":    result.Stats,
	})
}

func writeFinalizeError(w http.ResponseWriter, err error) {
	var incomplete *service.IncompleteError
	var sizeMismatch *service.SizeMismatchError
	var checksumMismatch *service.ChecksumMismatchError
	switch {
	case errors.Is(err, service.ErrUnknownUpload):
		writeError(w, http.StatusNotFound, "unknown-upload")
	case errors.As(err, &incomplete):
		writeErrorDetails(w, http.StatusConflict, "incomplete",
			map[string]any{"have": incomplete.Have, "need": incomplete.Need})
	case errors.As(err, &sizeMismatch):
		writeErrorDetails(w, http.StatusInternalServerError, "size-mismatch",
			map[string]any{"expected": sizeMismatch.Expected, "got": sizeMismatch.Got})
	case errors.As(err, &checksumMismatch):
		writeErrorDetails(w, http.StatusUnprocessableEntity, "checksum-mismatch",
			map[string]any{"expected": checksumMismatch.Expected, "got": checksumMismatch.Got})
	default:
		writeError(w, http.StatusInternalServerError, "storage-error")
	}
}
