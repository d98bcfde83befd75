// Пакет service — бизнес-логика Media Vault.
// service.go — общие интерфейсы зависимостей и тип ошибки операций.
package service

import (
	"context"
	"fmt"
	"io"
	"time"

	apierrors "github.com/arturkryukov/mediavault/internal/api/errors"
	"github.com/arturkryukov/mediavault/internal/domain/event"
	"github.com/arturkryukov/mediavault/internal/domain/model"
)

// ObjectStore — операции с объектным хранилищем.
// Реализуется objectstore.Store.
type ObjectStore interface {
	Upload(ctx context.Context, path string, r io.Reader, size int64, contentType string) error
	Download(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
	PresignDownload(ctx context.Context, path string, expiry time.Duration, downloadName string) (string, error)
}

// EventPublisher — публикация событий файлов.
// Реализуется messaging.Publisher.
type EventPublisher interface {
	Publish(ctx context.Context, e event.Event) error
}

// MetadataCache — кэш метаданных и списков.
// Реализуется cache.Cache. Все операции best-effort: сбой кэша
// не прерывает запрос.
type MetadataCache interface {
	GetFile(ctx context.Context, fileID string) (*model.FileRecord, bool)
	SetFile(ctx context.Context, rec *model.FileRecord)
	GetOwnerPage(ctx context.Context, ownerID string, page, size int) ([]*model.FileRecord, bool)
	SetOwnerPage(ctx context.Context, ownerID string, page, size int, recs []*model.FileRecord)
	GetOwnerAll(ctx context.Context, ownerID string) ([]*model.FileRecord, bool)
	SetOwnerAll(ctx context.Context, ownerID string, recs []*model.FileRecord)
	GetSearch(ctx context.Context, ownerID, term string) ([]*model.FileRecord, bool)
	SetSearch(ctx context.Context, ownerID, term string, recs []*model.FileRecord)
	InvalidateFile(ctx context.Context, fileID string)
	InvalidateOwner(ctx context.Context, ownerID string)
	InvalidateOwnerSearches(ctx context.Context, ownerID string)
}

// ServiceError — ошибка операции сервиса с HTTP-кодом.
type ServiceError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// APIError преобразует ошибку сервиса в ошибку API.
func (e *ServiceError) APIError() *apierrors.APIError {
	return &apierrors.APIError{
		StatusCode: e.StatusCode,
		Code:       e.Code,
		Message:    e.Message,
	}
}
