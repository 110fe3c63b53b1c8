package api

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"landrop/internal/middleware"
	"landrop/internal/repository"
	"landrop/internal/service"

	"github.com/go-chi/chi/v5"
)

// HistoryHandler 提供历史记录、会话与已完成文件下载端点。
type HistoryHandler struct {
	service *service.UploadService
}

func NewHistoryHandler(s *service.UploadService) *HistoryHandler {
	return &HistoryHandler{service: s}
}

func (h *HistoryHandler) RegisterRoutes(r chi.Router) {
	r.Get("/history", h.History)
	r.Get("/downloads/{filename}", h.Download)
	r.Get("/session", h.Session)
	r.Post("/session/log", h.AppendLog)
}

type serverFile struct {
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
	Path       string    `json:"path"`
}

// History 返回当前客户端的上传记录与服务器上的已完成文件列表。
func (h *HistoryHandler) History(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		writeError(w, http.StatusInternalServerError, "storage-error")
		return
	}

	uploads, artifacts, err := h.service.History(r.Context(), optionalClientID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage-error")
		return
	}
	if uploads == nil {
		uploads = []repository.UploadRecord{}
	}

	files := make([]serverFile, 0, len(artifacts))
	for _, artifact := range artifacts {
		files = append(files, serverFile{
			Filename:   artifact.Name,
			Size:       artifact.SizeBytes,
			ModifiedAt: artifact.ModifiedAt,
			Path:       "/downloads/" + artifact.Name,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"uploads":      uploads,
		"server_files": files,
	})
}

// Download 以附件形式流式返回一个已完成文件。
func (h *HistoryHandler) Download(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		writeError(w, http.StatusInternalServerError, "storage-error")
		return
	}

	content, info, err := h.service.Download(r.Context(), chi.URLParam(r, "filename"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeError(w, http.StatusNotFound, "not-found")
			return
		}
		writeError(w, http.StatusInternalServerError, "storage-error")
		return
	}
	defer content.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", info.Name))
	w.Header().Set("Content-Length", strconv.FormatInt(info.SizeBytes, 10))

	if _, err := io.Copy(w, content); err != nil {
		// 客户端可能已断开，无法再写入错误响应
		return
	}
}

// Session 返回 Cookie 标识的客户端会话信息。
func (h *HistoryHandler) Session(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		writeError(w, http.StatusInternalServerError, "storage-error")
		return
	}

	clientID := middleware.GetClientID(r.Context())
	if clientID == "" {
		writeJSON(w, http.StatusOK, map[string]any{"client_id": nil, "last_upload": nil, "logs": ""})
		return
	}

	view, err := h.service.Session(r.Context(), clientID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage-error")
		return
	}

	writeJSON(w, http.StatusOK, view)
}

type sessionLogRequest struct {
	Log string `json:"log"`
}

// AppendLog 往会话日志追加一行，仅保留末尾的有限字节。
func (h *HistoryHandler) AppendLog(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		writeError(w, http.StatusInternalServerError, "storage-error")
		return
	}

	clientID := middleware.GetClientID(r.Context())
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "invalid-params")
		return
	}

	var req sessionLogRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-params")
		return
	}

	if err := h.service.AppendSessionLog(r.Context(), clientID, req.Log); err != nil {
		if errors.Is(err, service.ErrInvalidParams) {
			writeError(w, http.StatusBadRequest, "invalid-params")
			return
		}
		writeError(w, http.StatusInternalServerError, "storage-error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
