package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/arturkryukov/mediavault/internal/domain/model"
)

// fileColumns — список столбцов таблицы file_metadata для SELECT-запросов.
// DRY: одно место для всех SELECT'ов.
const fileColumns = `id, name, original_name, size, content_type, file_hash,
	storage_path, owner_id, status, tags, description,
	created_at, updated_at, processed_at`

// MetadataUpdate — изменяемые пользователем поля записи.
// nil — поле не меняется.
type MetadataUpdate struct {
	Name        *string
	Tags        *[]string
	Description *string
}

// FileRepository — интерфейс доступа к записям file_metadata.
type FileRepository interface {
	// Create вставляет новую запись и возвращает её с заполненными
	// id, created_at и updated_at. При конфликте по file_hash
	// возвращает ErrDuplicateHash.
	Create(ctx context.Context, f *model.FileRecord) (*model.FileRecord, error)
	// GetByID возвращает запись по UUID или ErrNotFound.
	GetByID(ctx context.Context, fileID string) (*model.FileRecord, error)
	// GetByHash возвращает запись по file_hash или ErrNotFound.
	GetByHash(ctx context.Context, fileHash string) (*model.FileRecord, error)
	// ListByOwner возвращает страницу файлов владельца, новые первыми.
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*model.FileRecord, error)
	// ListAllByOwner возвращает все файлы владельца, новые первыми.
	ListAllByOwner(ctx context.Context, ownerID string) ([]*model.FileRecord, error)
	// SearchByOwnerAndName — полнотекстовый поиск по имени внутри
	// файлов владельца.
	SearchByOwnerAndName(ctx context.Context, ownerID, term string, limit int) ([]*model.FileRecord, error)
	// CountByOwner возвращает количество файлов владельца.
	CountByOwner(ctx context.Context, ownerID string) (int64, error)
	// OwnerStatistics возвращает агрегированную статистику владельца.
	OwnerStatistics(ctx context.Context, ownerID string) (*model.OwnerStatistics, error)
	// UpdateMetadata обновляет пользовательские поля записи.
	UpdateMetadata(ctx context.Context, fileID string, upd MetadataUpdate) (*model.FileRecord, error)
	// UpdateStatus переводит запись в новый статус. При входе в
	// терминальный статус проставляет processed_at.
	UpdateStatus(ctx context.Context, fileID string, status model.FileStatus) error
	// Delete удаляет запись или возвращает ErrNotFound.
	Delete(ctx context.Context, fileID string) error
}

// fileRepo — реализация FileRepository через pgx.
type fileRepo struct {
	db DBTX
}

// NewFileRepository создаёт репозиторий файлов.
func NewFileRepository(db DBTX) FileRepository {
	return &fileRepo{db: db}
}

// scanFile сканирует одну строку результата в FileRecord.
func scanFile(row pgx.Row) (*model.FileRecord, error) {
	f := &model.FileRecord{}
	err := row.Scan(
		&f.ID, &f.Name, &f.OriginalName, &f.Size, &f.ContentType, &f.FileHash,
		&f.StoragePath, &f.OwnerID, &f.Status, &f.Tags, &f.Description,
		&f.CreatedAt, &f.UpdatedAt, &f.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Create вставляет новую запись метаданных.
func (r *fileRepo) Create(ctx context.Context, f *model.FileRecord) (*model.FileRecord, error) {
	query := fmt.Sprintf(`
		INSERT INTO file_metadata
			(name, original_name, size, content_type, file_hash,
			 storage_path, owner_id, status, tags, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING %s`, fileColumns)

	tags := f.Tags
	if tags == nil {
		tags = []string{}
	}

	created, err := scanFile(r.db.QueryRow(ctx, query,
		f.Name, f.OriginalName, f.Size, f.ContentType, f.FileHash,
		f.StoragePath, f.OwnerID, f.Status, tags, f.Description,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateHash
		}
		return nil, fmt.Errorf("ошибка создания записи файла: %w", err)
	}
	return created, nil
}

// GetByID возвращает запись по UUID или ErrNotFound.
func (r *fileRepo) GetByID(ctx context.Context, fileID string) (*model.FileRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM file_metadata WHERE id = $1`, fileColumns)

	f, err := scanFile(r.db.QueryRow(ctx, query, fileID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения файла: %w", err)
	}
	return f, nil
}

// GetByHash возвращает запись по file_hash или ErrNotFound.
func (r *fileRepo) GetByHash(ctx context.Context, fileHash string) (*model.FileRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM file_metadata WHERE file_hash = $1`, fileColumns)

	f, err := scanFile(r.db.QueryRow(ctx, query, fileHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения файла по хэшу: %w", err)
	}
	return f, nil
}

// ListByOwner возвращает страницу файлов владельца, новые первыми.
func (r *fileRepo) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*model.FileRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM file_metadata
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, fileColumns)

	rows, err := r.db.Query(ctx, query, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка файлов: %w", err)
	}
	defer rows.Close()

	return collectFiles(rows)
}

// ListAllByOwner возвращает все файлы владельца, новые первыми.
func (r *fileRepo) ListAllByOwner(ctx context.Context, ownerID string) ([]*model.FileRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM file_metadata
		WHERE owner_id = $1
		ORDER BY created_at DESC`, fileColumns)

	rows, err := r.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка файлов: %w", err)
	}
	defer rows.Close()

	return collectFiles(rows)
}

// SearchByOwnerAndName — полнотекстовый поиск по имени файла.
// Дополнительно матчит подстроку через ILIKE, так как tsvector
// не находит частичные слова.
func (r *fileRepo) SearchByOwnerAndName(ctx context.Context, ownerID, term string, limit int) ([]*model.FileRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM file_metadata
		WHERE owner_id = $1
		  AND (to_tsvector('simple', name) @@ plainto_tsquery('simple', $2)
		       OR name ILIKE '%%' || $2 || '%%')
		ORDER BY created_at DESC
		LIMIT $3`, fileColumns)

	rows, err := r.db.Query(ctx, query, ownerID, term, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска файлов: %w", err)
	}
	defer rows.Close()

	return collectFiles(rows)
}

// CountByOwner возвращает количество файлов владельца.
func (r *fileRepo) CountByOwner(ctx context.Context, ownerID string) (int64, error) {
	var total int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM file_metadata WHERE owner_id = $1`, ownerID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта файлов: %w", err)
	}
	return total, nil
}

// OwnerStatistics возвращает агрегированную статистику владельца
// одним запросом.
func (r *fileRepo) OwnerStatistics(ctx context.Context, ownerID string) (*model.OwnerStatistics, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(size), 0),
			COUNT(*) FILTER (WHERE status = 'PENDING'),
			COUNT(*) FILTER (WHERE status = 'PROCESSING'),
			COUNT(*) FILTER (WHERE status = 'READY'),
			COUNT(*) FILTER (WHERE status = 'FAILED')
		FROM file_metadata
		WHERE owner_id = $1`

	stats := &model.OwnerStatistics{OwnerID: ownerID}
	err := r.db.QueryRow(ctx, query, ownerID).Scan(
		&stats.TotalFiles, &stats.TotalSize,
		&stats.Pending, &stats.Processing, &stats.Ready, &stats.Failed,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения статистики: %w", err)
	}
	return stats, nil
}

// UpdateMetadata обновляет пользовательские поля записи.
// Поля с nil не меняются (COALESCE с текущим значением).
func (r *fileRepo) UpdateMetadata(ctx context.Context, fileID string, upd MetadataUpdate) (*model.FileRecord, error) {
	query := fmt.Sprintf(`
		UPDATE file_metadata
		SET name        = COALESCE($2, name),
		    tags        = COALESCE($3, tags),
		    description = COALESCE($4, description),
		    updated_at  = now()
		WHERE id = $1
		RETURNING %s`, fileColumns)

	var tags any
	if upd.Tags != nil {
		tags = *upd.Tags
	}

	f, err := scanFile(r.db.QueryRow(ctx, query, fileID, upd.Name, tags, upd.Description))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка обновления метаданных: %w", err)
	}
	return f, nil
}

// UpdateStatus переводит запись в новый статус. processed_at
// проставляется один раз — при первом входе в терминальный статус.
func (r *fileRepo) UpdateStatus(ctx context.Context, fileID string, status model.FileStatus) error {
	query := `
		UPDATE file_metadata
		SET status       = $2,
		    updated_at   = now(),
		    processed_at = CASE
		        WHEN $2 IN ('READY', 'FAILED') AND processed_at IS NULL THEN now()
		        ELSE processed_at
		    END
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, fileID, status)
	if err != nil {
		return fmt.Errorf("ошибка обновления статуса: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete удаляет запись или возвращает ErrNotFound.
func (r *fileRepo) Delete(ctx context.Context, fileID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM file_metadata WHERE id = $1`, fileID)
	if err != nil {
		return fmt.Errorf("ошибка удаления записи файла: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// collectFiles сканирует все строки результата в срез FileRecord.
func collectFiles(rows pgx.Rows) ([]*model.FileRecord, error) {
	var result []*model.FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования файла: %w", err)
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации результатов: %w", err)
	}
	return result, nil
}
