// files.go — чтение, изменение и удаление файлов с read-through
// кэшированием.
package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	apierrors "github.com/arturkryukov/mediavault/internal/api/errors"
	"github.com/arturkryukov/mediavault/internal/config"
	"github.com/arturkryukov/mediavault/internal/domain/model"
	"github.com/arturkryukov/mediavault/internal/repository"
	"github.com/arturkryukov/mediavault/internal/validation"
)

// SearchLimit — максимум результатов поиска.
const SearchLimit = 50

// FileService — операции над зарегистрированными файлами.
type FileService struct {
	cfg    *config.Config
	repo   repository.FileRepository
	store  ObjectStore
	cache  MetadataCache
	logger *slog.Logger
}

// NewFileService создаёт сервис файлов.
func NewFileService(
	cfg *config.Config,
	repo repository.FileRepository,
	store ObjectStore,
	cache MetadataCache,
	logger *slog.Logger,
) *FileService {
	return &FileService{
		cfg:    cfg,
		repo:   repo,
		store:  store,
		cache:  cache,
		logger: logger.With(slog.String("component", "file_service")),
	}
}

// GetByID возвращает запись файла с проверкой владельца.
// Read-through: кэш -> БД -> кэш.
func (s *FileService) GetByID(ctx context.Context, fileID, ownerID string) (*model.FileRecord, *ServiceError) {
	if rec, ok := s.cache.GetFile(ctx, fileID); ok {
		if serr := checkOwnership(rec, ownerID); serr != nil {
			return nil, serr
		}
		return rec, nil
	}

	rec, err := s.repo.GetByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFoundError()
		}
		s.logger.Error("ошибка чтения файла", slog.String("file_id", fileID), "error", err)
		return nil, internalError("не удалось получить файл")
	}

	s.cache.SetFile(ctx, rec)

	if serr := checkOwnership(rec, ownerID); serr != nil {
		return nil, serr
	}
	return rec, nil
}

// ListByOwner возвращает страницу файлов владельца.
// page — с нуля, size — размер страницы.
func (s *FileService) ListByOwner(ctx context.Context, ownerID string, page, size int) ([]*model.FileRecord, *ServiceError) {
	if page < 0 || size < 1 || size > 100 {
		return nil, &ServiceError{
			StatusCode: http.StatusBadRequest,
			Code:       apierrors.CodeValidationError,
			Message:    "недопустимые параметры пагинации",
		}
	}

	if recs, ok := s.cache.GetOwnerPage(ctx, ownerID, page, size); ok {
		return recs, nil
	}

	recs, err := s.repo.ListByOwner(ctx, ownerID, size, page*size)
	if err != nil {
		s.logger.Error("ошибка получения списка файлов",
			slog.String("owner_id", ownerID), "error", err)
		return nil, internalError("не удалось получить список файлов")
	}
	if recs == nil {
		recs = []*model.FileRecord{}
	}

	s.cache.SetOwnerPage(ctx, ownerID, page, size, recs)
	return recs, nil
}

// ListAllByOwner возвращает все файлы владельца без пагинации.
func (s *FileService) ListAllByOwner(ctx context.Context, ownerID string) ([]*model.FileRecord, *ServiceError) {
	if recs, ok := s.cache.GetOwnerAll(ctx, ownerID); ok {
		return recs, nil
	}

	recs, err := s.repo.ListAllByOwner(ctx, ownerID)
	if err != nil {
		s.logger.Error("ошибка получения списка файлов",
			slog.String("owner_id", ownerID), "error", err)
		return nil, internalError("не удалось получить список файлов")
	}
	if recs == nil {
		recs = []*model.FileRecord{}
	}

	s.cache.SetOwnerAll(ctx, ownerID, recs)
	return recs, nil
}

// SearchByName ищет файлы владельца по имени.
func (s *FileService) SearchByName(ctx context.Context, ownerID, term string) ([]*model.FileRecord, *ServiceError) {
	if term == "" {
		return nil, &ServiceError{
			StatusCode: http.StatusBadRequest,
			Code:       apierrors.CodeValidationError,
			Message:    "поисковый запрос не задан",
		}
	}

	if recs, ok := s.cache.GetSearch(ctx, ownerID, term); ok {
		return recs, nil
	}

	recs, err := s.repo.SearchByOwnerAndName(ctx, ownerID, term, SearchLimit)
	if err != nil {
		s.logger.Error("ошибка поиска файлов",
			slog.String("owner_id", ownerID), "error", err)
		return nil, internalError("не удалось выполнить поиск")
	}
	if recs == nil {
		recs = []*model.FileRecord{}
	}

	s.cache.SetSearch(ctx, ownerID, term, recs)
	return recs, nil
}

// UpdateMetadata обновляет имя, теги или описание файла.
func (s *FileService) UpdateMetadata(ctx context.Context, fileID, ownerID string, upd repository.MetadataUpdate) (*model.FileRecord, *ServiceError) {
	if _, serr := s.GetByID(ctx, fileID, ownerID); serr != nil {
		return nil, serr
	}

	if upd.Name != nil {
		if err := checkNewName(*upd.Name); err != nil {
			return nil, &ServiceError{
				StatusCode: http.StatusBadRequest,
				Code:       apierrors.CodeValidationError,
				Message:    err.Error(),
			}
		}
	}

	rec, err := s.repo.UpdateMetadata(ctx, fileID, upd)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFoundError()
		}
		s.logger.Error("ошибка обновления метаданных",
			slog.String("file_id", fileID), "error", err)
		return nil, internalError("не удалось обновить метаданные")
	}

	s.invalidateAll(ctx, fileID, ownerID)
	return rec, nil
}

// Delete удаляет файл: сперва объект из хранилища, затем запись.
func (s *FileService) Delete(ctx context.Context, fileID, ownerID string) *ServiceError {
	rec, serr := s.GetByID(ctx, fileID, ownerID)
	if serr != nil {
		return serr
	}

	if err := s.store.Delete(ctx, rec.StoragePath); err != nil {
		s.logger.Error("ошибка удаления объекта",
			slog.String("file_id", fileID),
			slog.String("storage_path", rec.StoragePath), "error", err)
		return &ServiceError{
			StatusCode: http.StatusBadGateway,
			Code:       apierrors.CodeStorageDeleteFail,
			Message:    "не удалось удалить содержимое файла",
		}
	}

	if err := s.repo.Delete(ctx, fileID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Error("ошибка удаления записи файла",
			slog.String("file_id", fileID), "error", err)
		return internalError("не удалось удалить запись файла")
	}

	s.invalidateAll(ctx, fileID, ownerID)
	s.logger.Info("файл удалён",
		slog.String("file_id", fileID), slog.String("owner_id", ownerID))
	return nil
}

// DownloadURL возвращает временную подписанную ссылку на скачивание.
func (s *FileService) DownloadURL(ctx context.Context, fileID, ownerID string) (string, *ServiceError) {
	rec, serr := s.GetByID(ctx, fileID, ownerID)
	if serr != nil {
		return "", serr
	}

	u, err := s.store.PresignDownload(ctx, rec.StoragePath, s.cfg.PresignTTL, rec.Name)
	if err != nil {
		s.logger.Error("ошибка генерации подписанной ссылки",
			slog.String("file_id", fileID), "error", err)
		return "", &ServiceError{
			StatusCode: http.StatusBadGateway,
			Code:       apierrors.CodeStorageReadFailed,
			Message:    "не удалось сгенерировать ссылку на скачивание",
		}
	}
	return u, nil
}

// Download открывает содержимое файла на чтение.
// Закрытие reader-а — обязанность вызывающего.
func (s *FileService) Download(ctx context.Context, fileID, ownerID string) (*model.FileRecord, io.ReadCloser, *ServiceError) {
	rec, serr := s.GetByID(ctx, fileID, ownerID)
	if serr != nil {
		return nil, nil, serr
	}

	rc, err := s.store.Download(ctx, rec.StoragePath)
	if err != nil {
		s.logger.Error("ошибка чтения объекта",
			slog.String("file_id", fileID), "error", err)
		return nil, nil, &ServiceError{
			StatusCode: http.StatusBadGateway,
			Code:       apierrors.CodeStorageReadFailed,
			Message:    "не удалось прочитать содержимое файла",
		}
	}
	return rec, rc, nil
}

// Statistics возвращает агрегированную статистику владельца.
func (s *FileService) Statistics(ctx context.Context, ownerID string) (*model.OwnerStatistics, *ServiceError) {
	stats, err := s.repo.OwnerStatistics(ctx, ownerID)
	if err != nil {
		s.logger.Error("ошибка получения статистики",
			slog.String("owner_id", ownerID), "error", err)
		return nil, internalError("не удалось получить статистику")
	}
	return stats, nil
}

// CountByOwner возвращает количество файлов владельца.
func (s *FileService) CountByOwner(ctx context.Context, ownerID string) (int64, *ServiceError) {
	count, err := s.repo.CountByOwner(ctx, ownerID)
	if err != nil {
		s.logger.Error("ошибка подсчёта файлов",
			slog.String("owner_id", ownerID), "error", err)
		return 0, internalError("не удалось подсчитать файлы")
	}
	return count, nil
}

// invalidateAll сбрасывает кэш записи и всех списков владельца.
func (s *FileService) invalidateAll(ctx context.Context, fileID, ownerID string) {
	s.cache.InvalidateFile(ctx, fileID)
	s.cache.InvalidateOwner(ctx, ownerID)
	s.cache.InvalidateOwnerSearches(ctx, ownerID)
}

// checkOwnership возвращает ошибку, если файл принадлежит другому
// владельцу.
func checkOwnership(rec *model.FileRecord, ownerID string) *ServiceError {
	if rec.OwnerID != ownerID {
		return &ServiceError{
			StatusCode: http.StatusForbidden,
			Code:       apierrors.CodeAccessDenied,
			Message:    "файл принадлежит другому владельцу",
		}
	}
	return nil
}

// checkNewName валидирует новое имя файла при обновлении метаданных.
func checkNewName(name string) error {
	return validation.CheckFilename(validation.SanitizeFilename(name))
}

func notFoundError() *ServiceError {
	return &ServiceError{
		StatusCode: http.StatusNotFound,
		Code:       apierrors.CodeNotFound,
		Message:    "файл не найден",
	}
}
