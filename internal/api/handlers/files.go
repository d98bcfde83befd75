// Пакет handlers — HTTP-обработчики API Media Vault.
package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/arturkryukov/mediavault/internal/api/errors"
	"github.com/arturkryukov/mediavault/internal/api/middleware"
	"github.com/arturkryukov/mediavault/internal/domain/model"
	"github.com/arturkryukov/mediavault/internal/repository"
	"github.com/arturkryukov/mediavault/internal/service"
)

// multipartMemoryLimit — объём части multipart-формы, удерживаемый
// в памяти; остальное уходит на диск.
const multipartMemoryLimit = 32 << 20

// FileHandlers — обработчики операций над файлами.
type FileHandlers struct {
	ingest *service.IngestService
	files  *service.FileService
	logger *slog.Logger
}

// NewFileHandlers создаёт обработчики файловых операций.
func NewFileHandlers(ingest *service.IngestService, files *service.FileService, logger *slog.Logger) *FileHandlers {
	return &FileHandlers{
		ingest: ingest,
		files:  files,
		logger: logger.With(slog.String("component", "file_handlers")),
	}
}

// Routes монтирует маршруты файловых операций на router.
func (h *FileHandlers) Routes(r chi.Router) {
	r.Post("/files/upload", h.Upload)
	r.Get("/files", h.List)
	r.Get("/files/search", h.Search)
	r.Get("/files/stats", h.Stats)
	r.Get("/files/{fileID}", h.Get)
	r.Patch("/files/{fileID}", h.Update)
	r.Delete("/files/{fileID}", h.Delete)
	r.Get("/files/{fileID}/download-url", h.DownloadURL)
	r.Get("/files/{fileID}/download", h.Download)
}

// Upload — POST /api/v1/files/upload.
// Принимает multipart/form-data с полем file и опциональными
// полями tags (повторяемое) и description.
func (h *FileHandlers) Upload(w http.ResponseWriter, r *http.Request) {
	owner := middleware.OwnerFromContext(r.Context())

	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		apierrors.NewValidationError("некорректная multipart-форма").Write(w)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		apierrors.NewValidationError("поле file не задано").Write(w)
		return
	}
	defer file.Close()

	rec, serr := h.ingest.Upload(r.Context(), service.UploadParams{
		Reader:      file,
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		OwnerID:     owner,
		Tags:        r.MultipartForm.Value["tags"],
		Description: r.FormValue("description"),
	})
	if serr != nil {
		serr.APIError().Write(w)
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

// Get — GET /api/v1/files/{fileID}.
func (h *FileHandlers) Get(w http.ResponseWriter, r *http.Request) {
	owner := middleware.OwnerFromContext(r.Context())
	fileID := chi.URLParam(r, "fileID")

	rec, serr := h.files.GetByID(r.Context(), fileID, owner)
	if serr != nil {
		serr.APIError().Write(w)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// listResponse — страница списка файлов.
type listResponse struct {
	Files []*model.FileRecord `json:"files"`
	Page  int                 `json:"page"`
	Size  int                 `json:"size"`
	Total int64               `json:"total"`
}

// List — GET /api/v1/files?page=&size=.
// Без параметров пагинации возвращает полный список владельца.
func (h *FileHandlers) List(w http.ResponseWriter, r *http.Request) {
	owner := middleware.OwnerFromContext(r.Context())

	q := r.URL.Query()
	if !q.Has("page") && !q.Has("size") {
		recs, serr := h.files.ListAllByOwner(r.Context(), owner)
		if serr != nil {
			serr.APIError().Write(w)
			return
		}
		writeJSON(w, http.StatusOK, listResponse{
			Files: recs,
			Size:  len(recs),
			Total: int64(len(recs)),
		})
		return
	}

	page := queryInt(r, "page", 0)
	size := queryInt(r, "size", 20)

	recs, serr := h.files.ListByOwner(r.Context(), owner, page, size)
	if serr != nil {
		serr.APIError().Write(w)
		return
	}

	total, serr := h.files.CountByOwner(r.Context(), owner)
	if serr != nil {
		serr.APIError().Write(w)
		return
	}

	writeJSON(w, http.StatusOK, listResponse{
		Files: recs,
		Page:  page,
		Size:  size,
		Total: total,
	})
}

// Search — GET /api/v1/files/search?q=.
func (h *FileHandlers) Search(w http.ResponseWriter, r *http.Request) {
	owner := middleware.OwnerFromContext(r.Context())
	term := r.URL.Query().Get("q")

	recs, serr := h.files.SearchByName(r.Context(), owner, term)
	if serr != nil {
		serr.APIError().Write(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query": term,
		"files": recs,
	})
}

// Stats — GET /api/v1/files/stats.
func (h *FileHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	owner := middleware.OwnerFromContext(r.Context())

	stats, serr := h.files.Statistics(r.Context(), owner)
	if serr != nil {
		serr.APIError().Write(w)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// updateRequest — тело PATCH-запроса обновления метаданных.
type updateRequest struct {
	Name        *string   `json:"name"`
	Tags        *[]string `json:"tags"`
	Description *string   `json:"description"`
}

// Update — PATCH /api/v1/files/{fileID}.
func (h *FileHandlers) Update(w http.ResponseWriter, r *http.Request) {
	owner := middleware.OwnerFromContext(r.Context())
	fileID := chi.URLParam(r, "fileID")

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.NewValidationError("некорректное тело запроса").Write(w)
		return
	}
	if req.Name == nil && req.Tags == nil && req.Description == nil {
		apierrors.NewValidationError("нет полей для обновления").Write(w)
		return
	}

	rec, serr := h.files.UpdateMetadata(r.Context(), fileID, owner, repository.MetadataUpdate{
		Name:        req.Name,
		Tags:        req.Tags,
		Description: req.Description,
	})
	if serr != nil {
		serr.APIError().Write(w)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Delete — DELETE /api/v1/files/{fileID}.
func (h *FileHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	owner := middleware.OwnerFromContext(r.Context())
	fileID := chi.URLParam(r, "fileID")

	if serr := h.files.Delete(r.Context(), fileID, owner); serr != nil {
		serr.APIError().Write(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DownloadURL — GET /api/v1/files/{fileID}/download-url.
func (h *FileHandlers) DownloadURL(w http.ResponseWriter, r *http.Request) {
	owner := middleware.OwnerFromContext(r.Context())
	fileID := chi.URLParam(r, "fileID")

	u, serr := h.files.DownloadURL(r.Context(), fileID, owner)
	if serr != nil {
		serr.APIError().Write(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": u})
}

// Download — GET /api/v1/files/{fileID}/download.
// Проксирует содержимое объекта через сервис.
func (h *FileHandlers) Download(w http.ResponseWriter, r *http.Request) {
	owner := middleware.OwnerFromContext(r.Context())
	fileID := chi.URLParam(r, "fileID")

	rec, rc, serr := h.files.Download(r.Context(), fileID, owner)
	if serr != nil {
		serr.APIError().Write(w)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+rec.Name+`"`)
	w.Header().Set("Content-Length", strconv.FormatInt(rec.Size, 10))
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("прерванная отдача файла",
			slog.String("file_id", fileID), "error", err)
	}
}

// --- Вспомогательные функции ---

// writeJSON сериализует ответ в JSON.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("не удалось сериализовать ответ", "error", err)
	}
}

// queryInt читает целочисленный query-параметр со значением по умолчанию.
func queryInt(r *http.Request, name string, def int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}
