package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	apierrors "github.com/arturkryukov/mediavault/internal/api/errors"
	"github.com/arturkryukov/mediavault/internal/domain/event"
	"github.com/arturkryukov/mediavault/internal/domain/model"
)

func newIngest(repo *fakeRepo, store *fakeStore, cache *fakeCache, pub *fakePublisher) *IngestService {
	return NewIngestService(testConfig(), repo, store, cache, pub, testLogger())
}

func uploadParams(content, owner string) UploadParams {
	return UploadParams{
		Reader:      strings.NewReader(content),
		Filename:    "report.pdf",
		ContentType: "application/pdf",
		Size:        int64(len(content)),
		OwnerID:     owner,
	}
}

func TestUploadSuccess(t *testing.T) {
	repo := newFakeRepo()
	store := newFakeStore()
	cache := newFakeCache()
	pub := &fakePublisher{}
	svc := newIngest(repo, store, cache, pub)

	rec, serr := svc.Upload(context.Background(), uploadParams("содержимое файла", "user-1"))
	if serr != nil {
		t.Fatalf("Upload() ошибка: %v", serr)
	}

	if rec.Status != model.StatusPending {
		t.Errorf("Status = %q, хотели PENDING", rec.Status)
	}
	if rec.FileHash == "" {
		t.Error("FileHash пустой")
	}
	if !strings.HasPrefix(rec.StoragePath, "users/user-1/") {
		t.Errorf("StoragePath = %q, ожидался префикс users/user-1/", rec.StoragePath)
	}

	// Объект записан в хранилище
	if _, ok := store.objects[rec.StoragePath]; !ok {
		t.Error("объект не записан в хранилище")
	}

	// Событие FILE_UPLOADED опубликовано
	if len(pub.published) != 1 {
		t.Fatalf("опубликовано %d событий, хотели 1", len(pub.published))
	}
	up, ok := pub.published[0].(*event.Uploaded)
	if !ok {
		t.Fatalf("опубликовано %T, хотели *event.Uploaded", pub.published[0])
	}
	if up.FileID != rec.ID || up.FileHash != rec.FileHash {
		t.Errorf("событие: FileID=%q FileHash=%q, хотели %q/%q",
			up.FileID, up.FileHash, rec.ID, rec.FileHash)
	}
	if up.OriginalName != rec.OriginalName {
		t.Errorf("событие: OriginalName=%q, хотели %q", up.OriginalName, rec.OriginalName)
	}
	if up.StoragePath != rec.StoragePath {
		t.Errorf("событие: StoragePath=%q, хотели %q", up.StoragePath, rec.StoragePath)
	}

	// Списки владельца инвалидированы
	if len(cache.invalidatedOwners) != 1 || cache.invalidatedOwners[0] != "user-1" {
		t.Errorf("инвалидация владельца: %v", cache.invalidatedOwners)
	}
}

func TestUploadDuplicate(t *testing.T) {
	repo := newFakeRepo()
	store := newFakeStore()
	svc := newIngest(repo, store, newFakeCache(), &fakePublisher{})

	if _, serr := svc.Upload(context.Background(), uploadParams("одинаковое содержимое", "user-1")); serr != nil {
		t.Fatalf("первая загрузка: %v", serr)
	}

	// Повторная загрузка того же содержимого, даже другим владельцем
	_, serr := svc.Upload(context.Background(), uploadParams("одинаковое содержимое", "user-2"))
	if serr == nil {
		t.Fatal("повторная загрузка должна быть отклонена")
	}
	if serr.Code != apierrors.CodeDuplicateContent {
		t.Errorf("Code = %q, хотели DUPLICATE_CONTENT", serr.Code)
	}
	if serr.StatusCode != http.StatusConflict {
		t.Errorf("StatusCode = %d, хотели 409", serr.StatusCode)
	}

	// Дубликат не должен оставить объект в хранилище
	if len(store.objects) != 1 {
		t.Errorf("в хранилище %d объектов, хотели 1", len(store.objects))
	}
}

func TestUploadValidation(t *testing.T) {
	svc := newIngest(newFakeRepo(), newFakeStore(), newFakeCache(), &fakePublisher{})

	tests := []struct {
		name   string
		mutate func(*UploadParams)
	}{
		{"запрещённые символы в имени", func(p *UploadParams) { p.Filename = "a<b.pdf" }},
		{"нулевой размер", func(p *UploadParams) { p.Size = 0 }},
		{"недопустимый тип", func(p *UploadParams) { p.ContentType = "application/x-msdownload" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := uploadParams("данные", "user-1")
			tt.mutate(&params)

			_, serr := svc.Upload(context.Background(), params)
			if serr == nil {
				t.Fatal("загрузка должна быть отклонена")
			}
			if serr.Code != apierrors.CodeValidationError {
				t.Errorf("Code = %q, хотели VALIDATION_ERROR", serr.Code)
			}
		})
	}
}

func TestUploadStorageFailure(t *testing.T) {
	store := newFakeStore()
	store.uploadErr = errors.New("minio недоступен")
	pub := &fakePublisher{}
	svc := newIngest(newFakeRepo(), store, newFakeCache(), pub)

	_, serr := svc.Upload(context.Background(), uploadParams("данные", "user-1"))
	if serr == nil {
		t.Fatal("загрузка при сбое хранилища должна вернуть ошибку")
	}
	if serr.Code != apierrors.CodeStorageWriteFailed {
		t.Errorf("Code = %q, хотели STORAGE_WRITE_FAILED", serr.Code)
	}
	if len(pub.published) != 0 {
		t.Error("событие не должно публиковаться при сбое хранилища")
	}
}

func TestUploadPersistFailureCompensates(t *testing.T) {
	repo := newFakeRepo()
	repo.createErr = errors.New("БД недоступна")
	store := newFakeStore()
	pub := &fakePublisher{}
	svc := newIngest(repo, store, newFakeCache(), pub)

	_, serr := svc.Upload(context.Background(), uploadParams("данные", "user-1"))
	if serr == nil {
		t.Fatal("загрузка при сбое БД должна вернуть ошибку")
	}
	if serr.Code != apierrors.CodePersistFailed {
		t.Errorf("Code = %q, хотели PERSIST_FAILED", serr.Code)
	}

	// Компенсирующее удаление объекта
	if len(store.deleted) != 1 {
		t.Fatalf("компенсирующих удалений: %d, хотели 1", len(store.deleted))
	}
	if len(store.objects) != 0 {
		t.Error("объект остался в хранилище после компенсации")
	}
	if len(pub.published) != 0 {
		t.Error("событие не должно публиковаться при сбое регистрации")
	}
}

func TestUploadPublishFailureNotFatal(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{publishErr: errors.New("rabbit недоступен")}
	svc := newIngest(repo, newFakeStore(), newFakeCache(), pub)

	rec, serr := svc.Upload(context.Background(), uploadParams("данные", "user-1"))
	if serr != nil {
		t.Fatalf("сбой публикации не должен откатывать загрузку: %v", serr)
	}
	if rec.Status != model.StatusPending {
		t.Errorf("Status = %q, хотели PENDING", rec.Status)
	}
	// Запись сохранена
	if _, err := repo.GetByID(context.Background(), rec.ID); err != nil {
		t.Errorf("запись не найдена после сбоя публикации: %v", err)
	}
}
