// ingest.go — сервис приёма файлов: валидация, дедупликация по
// содержимому, запись в объектное хранилище, регистрация метаданных
// и публикация события загрузки.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apierrors "github.com/arturkryukov/mediavault/internal/api/errors"
	"github.com/arturkryukov/mediavault/internal/config"
	"github.com/arturkryukov/mediavault/internal/domain/event"
	"github.com/arturkryukov/mediavault/internal/domain/model"
	"github.com/arturkryukov/mediavault/internal/repository"
	"github.com/arturkryukov/mediavault/internal/validation"
)

var (
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mv_uploads_total",
		Help: "Количество загрузок файлов по результату.",
	}, []string{"result"})
	uploadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mv_upload_bytes_total",
		Help: "Суммарный объём принятых файлов в байтах.",
	})
)

// UploadParams — параметры загрузки файла.
type UploadParams struct {
	// Reader — поток данных файла
	Reader io.Reader
	// Filename — оригинальное имя файла
	Filename string
	// ContentType — MIME-тип из multipart part
	ContentType string
	// Size — заявленный размер файла
	Size int64
	// OwnerID — идентификатор владельца (sub из JWT)
	OwnerID string
	// Tags — теги файла (опционально)
	Tags []string
	// Description — описание файла (опционально)
	Description string
}

// IngestService — сервис приёма файлов.
type IngestService struct {
	cfg       *config.Config
	repo      repository.FileRepository
	store     ObjectStore
	cache     MetadataCache
	publisher EventPublisher
	logger    *slog.Logger
}

// NewIngestService создаёт сервис приёма файлов.
func NewIngestService(
	cfg *config.Config,
	repo repository.FileRepository,
	store ObjectStore,
	cache MetadataCache,
	publisher EventPublisher,
	logger *slog.Logger,
) *IngestService {
	return &IngestService{
		cfg:       cfg,
		repo:      repo,
		store:     store,
		cache:     cache,
		publisher: publisher,
		logger:    logger.With(slog.String("component", "ingest_service")),
	}
}

// Upload принимает файл.
//
// Поток:
//  1. Валидация имени, размера и типа содержимого
//  2. Спул во временный файл с вычислением SHA-256
//  3. Дедупликация: поиск записи с тем же хэшем
//  4. Запись объекта в хранилище
//  5. Регистрация метаданных (статус PENDING)
//  6. Инвалидация списков владельца
//  7. Публикация события FILE_UPLOADED
//
// При ошибке регистрации — компенсирующее удаление объекта.
func (s *IngestService) Upload(ctx context.Context, params UploadParams) (*model.FileRecord, *ServiceError) {
	// 1. Валидация входных данных
	name := validation.SanitizeFilename(params.Filename)
	if err := validation.CheckFilename(name); err != nil {
		uploadsTotal.WithLabelValues("validation_error").Inc()
		return nil, &ServiceError{
			StatusCode: http.StatusBadRequest,
			Code:       apierrors.CodeValidationError,
			Message:    err.Error(),
		}
	}
	if err := validation.CheckSize(params.Size, s.cfg.MaxFileSize); err != nil {
		uploadsTotal.WithLabelValues("validation_error").Inc()
		return nil, &ServiceError{
			StatusCode: http.StatusBadRequest,
			Code:       apierrors.CodeValidationError,
			Message:    err.Error(),
		}
	}
	if err := validation.CheckContentType(params.ContentType); err != nil {
		uploadsTotal.WithLabelValues("validation_error").Inc()
		return nil, &ServiceError{
			StatusCode: http.StatusBadRequest,
			Code:       apierrors.CodeValidationError,
			Message:    err.Error(),
		}
	}

	// 2. Спул во временный файл: хэш нужен до записи в хранилище,
	// а содержимое читается дважды (хэш + upload)
	tmp, err := os.CreateTemp("", "mv-upload-*")
	if err != nil {
		s.logger.Error("не удалось создать временный файл", "error", err)
		uploadsTotal.WithLabelValues("internal_error").Inc()
		return nil, internalError("не удалось принять файл")
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	written, err := io.Copy(tmp, io.LimitReader(params.Reader, s.cfg.MaxFileSize+1))
	if err != nil {
		s.logger.Error("ошибка чтения потока загрузки", "error", err)
		uploadsTotal.WithLabelValues("internal_error").Inc()
		return nil, internalError("не удалось прочитать содержимое файла")
	}
	if err := validation.CheckSize(written, s.cfg.MaxFileSize); err != nil {
		uploadsTotal.WithLabelValues("validation_error").Inc()
		return nil, &ServiceError{
			StatusCode: http.StatusBadRequest,
			Code:       apierrors.CodeValidationError,
			Message:    err.Error(),
		}
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		uploadsTotal.WithLabelValues("internal_error").Inc()
		return nil, internalError("не удалось принять файл")
	}
	fileHash, err := validation.Digest(tmp)
	if err != nil {
		uploadsTotal.WithLabelValues("internal_error").Inc()
		return nil, internalError("не удалось вычислить контрольную сумму")
	}

	// 3. Дедупликация по содержимому
	if existing, err := s.repo.GetByHash(ctx, fileHash); err == nil {
		uploadsTotal.WithLabelValues("duplicate").Inc()
		s.logger.Info("отклонена загрузка дубликата",
			slog.String("file_hash", fileHash),
			slog.String("existing_id", existing.ID),
			slog.String("owner_id", params.OwnerID),
		)
		return nil, duplicateError(fileHash)
	} else if !errors.Is(err, repository.ErrNotFound) {
		s.logger.Error("ошибка проверки дубликата", "error", err)
		uploadsTotal.WithLabelValues("persist_error").Inc()
		return nil, &ServiceError{
			StatusCode: http.StatusInternalServerError,
			Code:       apierrors.CodePersistFailed,
			Message:    "не удалось проверить уникальность содержимого",
		}
	}

	// 4. Запись объекта в хранилище
	storagePath := validation.StoragePath(params.OwnerID, name)
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		uploadsTotal.WithLabelValues("internal_error").Inc()
		return nil, internalError("не удалось принять файл")
	}
	if err := s.store.Upload(ctx, storagePath, tmp, written, params.ContentType); err != nil {
		s.logger.Error("ошибка записи в объектное хранилище",
			slog.String("storage_path", storagePath), "error", err)
		uploadsTotal.WithLabelValues("storage_error").Inc()
		return nil, &ServiceError{
			StatusCode: http.StatusBadGateway,
			Code:       apierrors.CodeStorageWriteFailed,
			Message:    "объектное хранилище недоступно",
		}
	}

	// 5. Регистрация метаданных со статусом PENDING
	tags := params.Tags
	if tags == nil {
		tags = []string{}
	}
	record, err := s.repo.Create(ctx, &model.FileRecord{
		Name:         name,
		OriginalName: name,
		Size:         written,
		ContentType:  params.ContentType,
		FileHash:     fileHash,
		StoragePath:  storagePath,
		OwnerID:      params.OwnerID,
		Status:       model.StatusPending,
		Tags:         tags,
		Description:  params.Description,
	})
	if err != nil {
		// Запись не состоялась — убираем объект из хранилища
		s.compensateDelete(ctx, storagePath)

		if errors.Is(err, repository.ErrDuplicateHash) {
			// Гонка двух одновременных загрузок одного содержимого
			uploadsTotal.WithLabelValues("duplicate").Inc()
			return nil, duplicateError(fileHash)
		}
		s.logger.Error("ошибка регистрации метаданных", "error", err)
		uploadsTotal.WithLabelValues("persist_error").Inc()
		return nil, &ServiceError{
			StatusCode: http.StatusInternalServerError,
			Code:       apierrors.CodePersistFailed,
			Message:    "не удалось сохранить метаданные файла",
		}
	}

	// 6. Списки и поиски владельца устарели
	s.cache.InvalidateOwner(ctx, params.OwnerID)
	s.cache.InvalidateOwnerSearches(ctx, params.OwnerID)

	// 7. Публикация события загрузки. Сбой публикации не откатывает
	// загрузку: запись остаётся в PENDING, файл доступен на чтение.
	ev := event.NewUploaded(record)
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Error("не удалось опубликовать событие загрузки",
			slog.String("file_id", record.ID), "error", err)
	}

	uploadsTotal.WithLabelValues("success").Inc()
	uploadBytesTotal.Add(float64(written))
	s.logger.Info("файл принят",
		slog.String("file_id", record.ID),
		slog.String("owner_id", record.OwnerID),
		slog.Int64("size", record.Size),
		slog.String("file_hash", record.FileHash),
	)
	return record, nil
}

// compensateDelete удаляет объект из хранилища после неудачной
// регистрации метаданных. Best-effort: при ошибке объект останется
// сиротой, что фиксируется в логе.
func (s *IngestService) compensateDelete(ctx context.Context, storagePath string) {
	if err := s.store.Delete(ctx, storagePath); err != nil {
		s.logger.Error("компенсирующее удаление объекта не удалось, объект осиротел",
			slog.String("storage_path", storagePath), "error", err)
	}
}

func duplicateError(fileHash string) *ServiceError {
	return &ServiceError{
		StatusCode: http.StatusConflict,
		Code:       apierrors.CodeDuplicateContent,
		Message:    fmt.Sprintf("содержимое с хэшем %s уже загружено", fileHash),
	}
}

func internalError(message string) *ServiceError {
	return &ServiceError{
		StatusCode: http.StatusInternalServerError,
		Code:       apierrors.CodeInternalError,
		Message:    message,
	}
}
