package service

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arturkryukov/mediavault/internal/config"
	"github.com/arturkryukov/mediavault/internal/domain/event"
	"github.com/arturkryukov/mediavault/internal/domain/model"
	"github.com/arturkryukov/mediavault/internal/repository"
)

// --- Фейки зависимостей для unit-тестов сервисов ---

// fakeRepo — in-memory реализация repository.FileRepository.
type fakeRepo struct {
	files     map[string]*model.FileRecord
	createErr error
	getErr    error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{files: map[string]*model.FileRecord{}}
}

func (r *fakeRepo) Create(ctx context.Context, f *model.FileRecord) (*model.FileRecord, error) {
	if r.createErr != nil {
		return nil, r.createErr
	}
	for _, existing := range r.files {
		if existing.FileHash == f.FileHash {
			return nil, repository.ErrDuplicateHash
		}
	}
	cp := *f
	cp.ID = uuid.New().String()
	cp.CreatedAt = time.Now().UTC()
	cp.UpdatedAt = cp.CreatedAt
	r.files[cp.ID] = &cp
	return &cp, nil
}

func (r *fakeRepo) GetByID(ctx context.Context, fileID string) (*model.FileRecord, error) {
	if r.getErr != nil {
		return nil, r.getErr
	}
	f, ok := r.files[fileID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (r *fakeRepo) GetByHash(ctx context.Context, fileHash string) (*model.FileRecord, error) {
	for _, f := range r.files {
		if f.FileHash == fileHash {
			cp := *f
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeRepo) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*model.FileRecord, error) {
	var result []*model.FileRecord
	for _, f := range r.files {
		if f.OwnerID == ownerID {
			cp := *f
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (r *fakeRepo) ListAllByOwner(ctx context.Context, ownerID string) ([]*model.FileRecord, error) {
	return r.ListByOwner(ctx, ownerID, 0, 0)
}

func (r *fakeRepo) SearchByOwnerAndName(ctx context.Context, ownerID, term string, limit int) ([]*model.FileRecord, error) {
	return r.ListByOwner(ctx, ownerID, limit, 0)
}

func (r *fakeRepo) CountByOwner(ctx context.Context, ownerID string) (int64, error) {
	recs, _ := r.ListByOwner(ctx, ownerID, 0, 0)
	return int64(len(recs)), nil
}

func (r *fakeRepo) OwnerStatistics(ctx context.Context, ownerID string) (*model.OwnerStatistics, error) {
	stats := &model.OwnerStatistics{OwnerID: ownerID}
	for _, f := range r.files {
		if f.OwnerID != ownerID {
			continue
		}
		stats.TotalFiles++
		stats.TotalSize += f.Size
	}
	return stats, nil
}

func (r *fakeRepo) UpdateMetadata(ctx context.Context, fileID string, upd repository.MetadataUpdate) (*model.FileRecord, error) {
	f, ok := r.files[fileID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if upd.Name != nil {
		f.Name = *upd.Name
	}
	if upd.Tags != nil {
		f.Tags = *upd.Tags
	}
	if upd.Description != nil {
		f.Description = *upd.Description
	}
	f.UpdatedAt = time.Now().UTC()
	cp := *f
	return &cp, nil
}

func (r *fakeRepo) UpdateStatus(ctx context.Context, fileID string, status model.FileStatus) error {
	f, ok := r.files[fileID]
	if !ok {
		return repository.ErrNotFound
	}
	f.Status = status
	if status.IsTerminal() && f.ProcessedAt == nil {
		now := time.Now().UTC()
		f.ProcessedAt = &now
	}
	return nil
}

func (r *fakeRepo) Delete(ctx context.Context, fileID string) error {
	if _, ok := r.files[fileID]; !ok {
		return repository.ErrNotFound
	}
	delete(r.files, fileID)
	return nil
}

// fakeStore — in-memory объектное хранилище.
type fakeStore struct {
	objects     map[string][]byte
	uploadErr   error
	deleteErr   error
	downloadErr error
	deleted     []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}}
}

func (s *fakeStore) Upload(ctx context.Context, path string, r io.Reader, size int64, contentType string) error {
	if s.uploadErr != nil {
		return s.uploadErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.objects[path] = data
	return nil
}

func (s *fakeStore) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	if s.downloadErr != nil {
		return nil, s.downloadErr
	}
	data, ok := s.objects[path]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeStore) Delete(ctx context.Context, path string) error {
	s.deleted = append(s.deleted, path)
	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.objects, path)
	return nil
}

func (s *fakeStore) PresignDownload(ctx context.Context, path string, expiry time.Duration, downloadName string) (string, error) {
	return "https://minio.local/presigned/" + path, nil
}

// fakePublisher — накапливает опубликованные события.
type fakePublisher struct {
	published  []event.Event
	publishErr error
}

func (p *fakePublisher) Publish(ctx context.Context, e event.Event) error {
	if p.publishErr != nil {
		return p.publishErr
	}
	p.published = append(p.published, e)
	return nil
}

// fakeCache — in-memory кэш с учётом инвалидаций.
type fakeCache struct {
	files             map[string]*model.FileRecord
	invalidatedFiles  []string
	invalidatedOwners []string
	invalidatedSearch []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{files: map[string]*model.FileRecord{}}
}

func (c *fakeCache) GetFile(ctx context.Context, fileID string) (*model.FileRecord, bool) {
	f, ok := c.files[fileID]
	return f, ok
}

func (c *fakeCache) SetFile(ctx context.Context, rec *model.FileRecord) {
	c.files[rec.ID] = rec
}

func (c *fakeCache) GetOwnerPage(ctx context.Context, ownerID string, page, size int) ([]*model.FileRecord, bool) {
	return nil, false
}

func (c *fakeCache) SetOwnerPage(ctx context.Context, ownerID string, page, size int, recs []*model.FileRecord) {
}

func (c *fakeCache) GetOwnerAll(ctx context.Context, ownerID string) ([]*model.FileRecord, bool) {
	return nil, false
}

func (c *fakeCache) SetOwnerAll(ctx context.Context, ownerID string, recs []*model.FileRecord) {}

func (c *fakeCache) GetSearch(ctx context.Context, ownerID, term string) ([]*model.FileRecord, bool) {
	return nil, false
}

func (c *fakeCache) SetSearch(ctx context.Context, ownerID, term string, recs []*model.FileRecord) {}

func (c *fakeCache) InvalidateFile(ctx context.Context, fileID string) {
	delete(c.files, fileID)
	c.invalidatedFiles = append(c.invalidatedFiles, fileID)
}

func (c *fakeCache) InvalidateOwner(ctx context.Context, ownerID string) {
	c.invalidatedOwners = append(c.invalidatedOwners, ownerID)
}

func (c *fakeCache) InvalidateOwnerSearches(ctx context.Context, ownerID string) {
	c.invalidatedSearch = append(c.invalidatedSearch, ownerID)
}

// testConfig — конфигурация для unit-тестов сервисов.
func testConfig() *config.Config {
	return &config.Config{
		MaxFileSize: 5 * 1024 * 1024 * 1024,
		PresignTTL:  time.Hour,
	}
}

// testLogger — «тихий» логгер для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
