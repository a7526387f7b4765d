package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/rag-workspace/internal/middleware"
	"github.com/capitalize-ai/rag-workspace/internal/service"
	"github.com/capitalize-ai/rag-workspace/pkg/logger"
)

const defaultMaxUpload = 50 << 20

// DocumentHandler handles personal and shared document endpoints.
type DocumentHandler struct {
	docs           *service.DocumentService
	adminScope     string
	maxUploadBytes int64
	logger         *logger.Logger
}

// NewDocumentHandler creates a new document handler.
func NewDocumentHandler(docs *service.DocumentService, adminScope string, maxUploadBytes int64, log *logger.Logger) *DocumentHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUpload
	}
	return &DocumentHandler{
		docs:           docs,
		adminScope:     adminScope,
		maxUploadBytes: maxUploadBytes,
		logger:         log,
	}
}

// List handles GET /api/documents/
func (h *DocumentHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.docs.ListDocuments(viewer(r, h.adminScope)))
}

// Upload handles POST /api/documents/ with multipart "files" and an optional
// "folder_id". Unsupported file types are skipped.
func (h *DocumentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	files, form, ok := h.readUpload(w, r)
	if !ok {
		return
	}

	var folderID *int64
	if v := form.Get("folder_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid folder")
			return
		}
		folderID = &id
	}

	acks, err := h.docs.Upload(viewer(r, h.adminScope), folderID, files)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, acks)
}

// Delete handles DELETE /api/documents/{id}
func (h *DocumentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := h.docs.DeleteDocument(viewer(r, h.adminScope), id); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Toggle handles PATCH /api/documents/{id}/toggle
func (h *DocumentHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	active, err := h.docs.ToggleDocument(viewer(r, h.adminScope), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "is_active": active})
}

// Reprocess handles POST /api/documents/{id}/reprocess
func (h *DocumentHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := h.docs.ReprocessDocument(viewer(r, h.adminScope), id); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "processing"})
}

// ListFolders handles GET /api/folders
func (h *DocumentHandler) ListFolders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.docs.ListFolders(viewer(r, h.adminScope)))
}

type folderRequest struct {
	Name       string `json:"name"`
	Department string `json:"department"`
}

// CreateFolder handles POST /api/folders
func (h *DocumentHandler) CreateFolder(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeFolder(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusCreated, h.docs.CreateFolder(viewer(r, h.adminScope), strings.TrimSpace(req.Name)))
}

// ListShared handles GET /api/shared-documents/
func (h *DocumentHandler) ListShared(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.docs.ListSharedDocuments(viewer(r, h.adminScope)))
}

// ListSharedFolders handles GET /api/shared-documents/folders
func (h *DocumentHandler) ListSharedFolders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.docs.ListSharedFolders(viewer(r, h.adminScope)))
}

// CreateSharedFolder handles POST /api/shared-documents/folders (admin). The
// department defaults to the caller's.
func (h *DocumentHandler) CreateSharedFolder(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeFolder(w, r)
	if !ok {
		return
	}
	if req.Department == "" {
		req.Department = middleware.GetDepartment(r.Context())
	}
	writeJSON(w, http.StatusCreated, h.docs.CreateSharedFolder(strings.TrimSpace(req.Name), req.Department))
}

// UploadShared handles POST /api/shared-documents/ (admin) with multipart
// "files" and a required "folder_id".
func (h *DocumentHandler) UploadShared(w http.ResponseWriter, r *http.Request) {
	files, form, ok := h.readUpload(w, r)
	if !ok {
		return
	}
	folderID, err := strconv.ParseInt(form.Get("folder_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "folder_id is required")
		return
	}

	acks, err := h.docs.UploadShared(folderID, files)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, acks)
}

// ToggleVisibility handles PATCH /api/shared-documents/{id}/toggle-visibility (admin)
func (h *DocumentHandler) ToggleVisibility(w http.ResponseWriter, r *http.Request) {
	h.toggleShared(w, r, "is_visible", func(id int64) (bool, error) {
		return h.docs.ToggleSharedVisibility(id)
	})
}

// ToggleRAG handles PATCH /api/shared-documents/{id}/toggle-rag (admin)
func (h *DocumentHandler) ToggleRAG(w http.ResponseWriter, r *http.Request) {
	h.toggleShared(w, r, "is_rag_active", func(id int64) (bool, error) {
		return h.docs.ToggleSharedRAG(id)
	})
}

// TogglePreference handles PATCH /api/shared-documents/{id}/toggle-user
func (h *DocumentHandler) TogglePreference(w http.ResponseWriter, r *http.Request) {
	h.toggleShared(w, r, "user_rag_active", func(id int64) (bool, error) {
		return h.docs.ToggleSharedPreference(viewer(r, h.adminScope), id)
	})
}

func (h *DocumentHandler) toggleShared(w http.ResponseWriter, r *http.Request, field string, toggle func(int64) (bool, error)) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	v, err := toggle(id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, field: v})
}

// ReprocessShared handles POST /api/shared-documents/{id}/reprocess (admin)
func (h *DocumentHandler) ReprocessShared(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := h.docs.ReprocessShared(id); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "processing"})
}

// Storage handles GET /api/shared-documents/storage (admin)
func (h *DocumentHandler) Storage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.docs.Storage())
}

func decodeFolder(w http.ResponseWriter, r *http.Request) (folderRequest, bool) {
	var req folderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return req, false
	}
	if err := middleware.ValidateFolderName(req.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	return req, true
}

// readUpload parses a multipart upload and reads every supported file.
func (h *DocumentHandler) readUpload(w http.ResponseWriter, r *http.Request) ([]service.Upload, url.Values, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Upload too large")
			return nil, nil, false
		}
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return nil, nil, false
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	var files []service.Upload
	for _, fh := range r.MultipartForm.File["files"] {
		if !middleware.AllowedDocument(fh.Filename) {
			middleware.RequestLogger(r.Context(), h.logger).Debug("skipping unsupported upload", zap.String("filename", fh.Filename))
			continue
		}
		data, err := readPart(fh)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return nil, nil, false
		}
		files = append(files, service.Upload{Name: fh.Filename, Data: data})
	}
	return files, url.Values(r.MultipartForm.Value), true
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fh.Filename, err)
	}
	return data, nil
}
