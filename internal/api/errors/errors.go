// Пакет errors — единый формат ошибок HTTP API Media Vault.
package errors

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Коды ошибок API.
const (
	CodeValidationError    = "VALIDATION_ERROR"
	CodeDuplicateContent   = "DUPLICATE_CONTENT"
	CodeStorageWriteFailed = "STORAGE_WRITE_FAILED"
	CodeStorageReadFailed  = "STORAGE_READ_FAILED"
	CodeStorageDeleteFail  = "STORAGE_DELETE_FAILED"
	CodePersistFailed      = "PERSIST_FAILED"
	CodeNotFound           = "NOT_FOUND"
	CodeAccessDenied       = "ACCESS_DENIED"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeInternalError      = "INTERNAL_ERROR"
)

// APIError — ошибка уровня API с HTTP-статусом.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

// Error реализует интерфейс error.
func (e *APIError) Error() string {
	return e.Message
}

// errorResponse — конверт ошибки в теле ответа.
type errorResponse struct {
	Error *APIError `json:"error"`
}

// Write сериализует ошибку в ResponseWriter в формате {"error": {...}}.
func (e *APIError) Write(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	if err := json.NewEncoder(w).Encode(errorResponse{Error: e}); err != nil {
		slog.Error("не удалось сериализовать ошибку API", "error", err)
	}
}

// NewValidationError — ошибка валидации входных данных (400).
func NewValidationError(message string) *APIError {
	return &APIError{
		StatusCode: http.StatusBadRequest,
		Code:       CodeValidationError,
		Message:    message,
	}
}

// NewDuplicateContent — содержимое с таким хэшем уже загружено (409).
func NewDuplicateContent(message string) *APIError {
	return &APIError{
		StatusCode: http.StatusConflict,
		Code:       CodeDuplicateContent,
		Message:    message,
	}
}

// NewStorageWriteFailed — ошибка записи в объектное хранилище (502).
func NewStorageWriteFailed(message string) *APIError {
	return &APIError{
		StatusCode: http.StatusBadGateway,
		Code:       CodeStorageWriteFailed,
		Message:    message,
	}
}

// NewStorageReadFailed — ошибка чтения из объектного хранилища (502).
func NewStorageReadFailed(message string) *APIError {
	return &APIError{
		StatusCode: http.StatusBadGateway,
		Code:       CodeStorageReadFailed,
		Message:    message,
	}
}

// NewStorageDeleteFailed — ошибка удаления из объектного хранилища (502).
func NewStorageDeleteFailed(message string) *APIError {
	return &APIError{
		StatusCode: http.StatusBadGateway,
		Code:       CodeStorageDeleteFail,
		Message:    message,
	}
}

// NewPersistFailed — ошибка сохранения метаданных в БД (500).
func NewPersistFailed(message string) *APIError {
	return &APIError{
		StatusCode: http.StatusInternalServerError,
		Code:       CodePersistFailed,
		Message:    message,
	}
}

// NewNotFound — файл не найден (404).
func NewNotFound(message string) *APIError {
	return &APIError{
		StatusCode: http.StatusNotFound,
		Code:       CodeNotFound,
		Message:    message,
	}
}

// NewAccessDenied — файл принадлежит другому владельцу (403).
func NewAccessDenied(message string) *APIError {
	return &APIError{
		StatusCode: http.StatusForbidden,
		Code:       CodeAccessDenied,
		Message:    message,
	}
}

// NewUnauthorized — запрос без валидного токена (401).
func NewUnauthorized(message string) *APIError {
	return &APIError{
		StatusCode: http.StatusUnauthorized,
		Code:       CodeUnauthorized,
		Message:    message,
	}
}

// NewInternalError — внутренняя ошибка сервера (500).
func NewInternalError(message string) *APIError {
	return &APIError{
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternalError,
		Message:    message,
	}
}
