package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/arturkryukov/mediavault/internal/config"
	"github.com/arturkryukov/mediavault/internal/domain/event"
	"github.com/arturkryukov/mediavault/internal/domain/model"
	"github.com/arturkryukov/mediavault/internal/repository"
	"github.com/arturkryukov/mediavault/internal/validation"
)

// --- Фейки зависимостей ---

type fakeRepo struct {
	files           map[string]*model.FileRecord
	updateStatusErr error
	statusLog       []model.FileStatus
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{files: map[string]*model.FileRecord{}}
}

func (r *fakeRepo) Create(ctx context.Context, f *model.FileRecord) (*model.FileRecord, error) {
	r.files[f.ID] = f
	return f, nil
}

func (r *fakeRepo) GetByID(ctx context.Context, fileID string) (*model.FileRecord, error) {
	f, ok := r.files[fileID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (r *fakeRepo) GetByHash(ctx context.Context, fileHash string) (*model.FileRecord, error) {
	return nil, repository.ErrNotFound
}

func (r *fakeRepo) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*model.FileRecord, error) {
	return nil, nil
}

func (r *fakeRepo) ListAllByOwner(ctx context.Context, ownerID string) ([]*model.FileRecord, error) {
	return nil, nil
}

func (r *fakeRepo) SearchByOwnerAndName(ctx context.Context, ownerID, term string, limit int) ([]*model.FileRecord, error) {
	return nil, nil
}

func (r *fakeRepo) CountByOwner(ctx context.Context, ownerID string) (int64, error) { return 0, nil }

func (r *fakeRepo) OwnerStatistics(ctx context.Context, ownerID string) (*model.OwnerStatistics, error) {
	return &model.OwnerStatistics{}, nil
}

func (r *fakeRepo) UpdateMetadata(ctx context.Context, fileID string, upd repository.MetadataUpdate) (*model.FileRecord, error) {
	return nil, repository.ErrNotFound
}

func (r *fakeRepo) UpdateStatus(ctx context.Context, fileID string, status model.FileStatus) error {
	if r.updateStatusErr != nil {
		return r.updateStatusErr
	}
	f, ok := r.files[fileID]
	if !ok {
		return repository.ErrNotFound
	}
	f.Status = status
	if status.IsTerminal() && f.ProcessedAt == nil {
		now := time.Now().UTC()
		f.ProcessedAt = &now
	}
	r.statusLog = append(r.statusLog, status)
	return nil
}

func (r *fakeRepo) Delete(ctx context.Context, fileID string) error {
	delete(r.files, fileID)
	return nil
}

type fakeStore struct {
	objects     map[string][]byte
	downloadErr error
}

func (s *fakeStore) Upload(ctx context.Context, path string, r io.Reader, size int64, contentType string) error {
	return nil
}

func (s *fakeStore) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	if s.downloadErr != nil {
		return nil, s.downloadErr
	}
	data, ok := s.objects[path]
	if !ok {
		return nil, errors.New("объект не найден")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeStore) Delete(ctx context.Context, path string) error { return nil }

func (s *fakeStore) PresignDownload(ctx context.Context, path string, expiry time.Duration, downloadName string) (string, error) {
	return "", nil
}

type fakePublisher struct {
	published []event.Event
}

func (p *fakePublisher) Publish(ctx context.Context, e event.Event) error {
	p.published = append(p.published, e)
	return nil
}

type fakeCache struct {
	invalidated int
}

func (c *fakeCache) GetFile(ctx context.Context, fileID string) (*model.FileRecord, bool) {
	return nil, false
}
func (c *fakeCache) SetFile(ctx context.Context, rec *model.FileRecord) {}
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
func (c *fakeCache) InvalidateFile(ctx context.Context, fileID string)                             { c.invalidated++ }
func (c *fakeCache) InvalidateOwner(ctx context.Context, ownerID string)                           {}
func (c *fakeCache) InvalidateOwnerSearches(ctx context.Context, ownerID string)                   {}

// fakeAcknowledger фиксирует подтверждения доставки.
type fakeAcknowledger struct {
	acked    bool
	nacked   bool
	rejected bool
	requeue  bool
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.acked = true
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	a.nacked = true
	a.requeue = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	a.rejected = true
	a.requeue = requeue
	return nil
}

// --- Вспомогательные построители ---

func testWorker(repo *fakeRepo, store *fakeStore, pub *fakePublisher, cache *fakeCache) *Worker {
	cfg := &config.Config{WorkerMaxRetries: 3, WorkerPrefetch: 1}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, repo, store, cache, pub, nil, logger)
}

// seedPending создаёт запись PENDING с объектом в хранилище.
func seedPending(repo *fakeRepo, store *fakeStore, content string) *model.FileRecord {
	rec := &model.FileRecord{
		ID:          "file-1",
		Name:        "a.txt",
		Size:        int64(len(content)),
		ContentType: "text/plain",
		FileHash:    validation.DigestBytes([]byte(content)),
		StoragePath: "users/u1/obj",
		OwnerID:     "u1",
		Status:      model.StatusPending,
	}
	repo.files[rec.ID] = rec
	if store.objects == nil {
		store.objects = map[string][]byte{}
	}
	store.objects[rec.StoragePath] = []byte(content)
	return rec
}

func uploadedDelivery(t *testing.T, rec *model.FileRecord, ack *fakeAcknowledger) amqp.Delivery {
	t.Helper()
	ev := event.NewUploaded(rec)
	body, err := event.Encode(ev)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body}
}

// --- Тесты ---

func TestHandleDeliverySuccess(t *testing.T) {
	repo := newFakeRepo()
	store := &fakeStore{}
	pub := &fakePublisher{}
	cache := &fakeCache{}
	rec := seedPending(repo, store, "корректное содержимое")

	w := testWorker(repo, store, pub, cache)
	ack := &fakeAcknowledger{}
	w.HandleDelivery(context.Background(), uploadedDelivery(t, rec, ack))

	if !ack.acked {
		t.Error("доставка не подтверждена")
	}

	got, _ := repo.GetByID(context.Background(), rec.ID)
	if got.Status != model.StatusReady {
		t.Errorf("Status = %q, хотели READY", got.Status)
	}
	if got.ProcessedAt == nil {
		t.Error("ProcessedAt не проставлен")
	}

	// Переходы в порядке PROCESSING -> READY
	if len(repo.statusLog) != 2 ||
		repo.statusLog[0] != model.StatusProcessing ||
		repo.statusLog[1] != model.StatusReady {
		t.Errorf("переходы статусов: %v", repo.statusLog)
	}

	// События Started и Completed опубликованы
	if len(pub.published) != 2 {
		t.Fatalf("опубликовано %d событий, хотели 2", len(pub.published))
	}
	if _, ok := pub.published[0].(*event.ProcessingStarted); !ok {
		t.Errorf("первое событие %T, хотели *ProcessingStarted", pub.published[0])
	}
	completed, ok := pub.published[1].(*event.ProcessingCompleted)
	if !ok {
		t.Fatalf("второе событие %T, хотели *ProcessingCompleted", pub.published[1])
	}

	// Результаты стадий попадают в событие завершения
	if completed.OutputMetadata["detectedContentType"] == nil {
		t.Error("OutputMetadata не содержит detectedContentType")
	}
	if size, _ := completed.OutputMetadata["verifiedSize"].(int64); size != rec.Size {
		t.Errorf("OutputMetadata[verifiedSize] = %v, хотели %d",
			completed.OutputMetadata["verifiedSize"], rec.Size)
	}
	if completed.OutputMetadata["verifiedHash"] != rec.FileHash {
		t.Errorf("OutputMetadata[verifiedHash] = %v, хотели %q",
			completed.OutputMetadata["verifiedHash"], rec.FileHash)
	}

	if cache.invalidated == 0 {
		t.Error("кэш не инвалидирован")
	}
}

func TestHandleDeliveryIntegrityFailure(t *testing.T) {
	repo := newFakeRepo()
	store := &fakeStore{}
	pub := &fakePublisher{}
	rec := seedPending(repo, store, "содержимое")
	// Содержимое объекта подменено — хэш не совпадёт
	store.objects[rec.StoragePath] = []byte("подменённое содержимое")

	w := testWorker(repo, store, pub, &fakeCache{})
	ack := &fakeAcknowledger{}
	w.HandleDelivery(context.Background(), uploadedDelivery(t, rec, ack))

	if !ack.acked {
		t.Error("доставка с зафиксированным FAILED должна подтверждаться")
	}

	got, _ := repo.GetByID(context.Background(), rec.ID)
	if got.Status != model.StatusFailed {
		t.Errorf("Status = %q, хотели FAILED", got.Status)
	}

	// Последнее событие — ProcessingFailed с причиной
	last := pub.published[len(pub.published)-1]
	failed, ok := last.(*event.ProcessingFailed)
	if !ok {
		t.Fatalf("последнее событие %T, хотели *ProcessingFailed", last)
	}
	if failed.ErrorCode != "INTEGRITY_CHECK_FAILED" {
		t.Errorf("ErrorCode = %q, хотели INTEGRITY_CHECK_FAILED", failed.ErrorCode)
	}
	if failed.ErrorMessage == "" {
		t.Error("ErrorMessage пустой, ожидалось описание сбоя стадии")
	}
	if failed.ProcessingType != event.ProcessingType {
		t.Errorf("ProcessingType = %q, хотели %q", failed.ProcessingType, event.ProcessingType)
	}
	if failed.RetryCount != 1 {
		t.Errorf("RetryCount = %d, хотели 1", failed.RetryCount)
	}
	if !failed.CanRetry {
		t.Error("CanRetry = false на первой попытке при лимите 3")
	}
}

func TestHandleDeliveryMalformed(t *testing.T) {
	w := testWorker(newFakeRepo(), &fakeStore{}, &fakePublisher{}, &fakeCache{})
	ack := &fakeAcknowledger{}

	w.HandleDelivery(context.Background(), amqp.Delivery{
		Acknowledger: ack, DeliveryTag: 1, Body: []byte("{мусор"),
	})

	if !ack.rejected {
		t.Error("нераспознанное сообщение должно отклоняться")
	}
	if ack.requeue {
		t.Error("нераспознанное сообщение не должно возвращаться в очередь")
	}
}

func TestHandleDeliveryNonUploadedEvent(t *testing.T) {
	repo := newFakeRepo()
	w := testWorker(repo, &fakeStore{}, &fakePublisher{}, &fakeCache{})
	ack := &fakeAcknowledger{}

	ev := event.NewProcessingCompleted("f1", "u1", time.Second, nil)
	body, _ := event.Encode(ev)
	w.HandleDelivery(context.Background(), amqp.Delivery{
		Acknowledger: ack, DeliveryTag: 1, Body: body,
	})

	if !ack.acked {
		t.Error("событие, не требующее обработки, должно подтверждаться")
	}
	if len(repo.statusLog) != 0 {
		t.Error("статусы не должны меняться")
	}
}

func TestHandleDeliveryRecordGone(t *testing.T) {
	repo := newFakeRepo()
	store := &fakeStore{}
	rec := seedPending(repo, store, "содержимое")
	delete(repo.files, rec.ID)

	w := testWorker(repo, store, &fakePublisher{}, &fakeCache{})
	ack := &fakeAcknowledger{}
	w.HandleDelivery(context.Background(), uploadedDelivery(t, rec, ack))

	if !ack.acked {
		t.Error("событие удалённого файла должно подтверждаться")
	}
}

func TestHandleDeliveryTerminalRecord(t *testing.T) {
	repo := newFakeRepo()
	store := &fakeStore{}
	pub := &fakePublisher{}
	rec := seedPending(repo, store, "содержимое")
	rec.Status = model.StatusReady

	w := testWorker(repo, store, pub, &fakeCache{})
	ack := &fakeAcknowledger{}
	w.HandleDelivery(context.Background(), uploadedDelivery(t, rec, ack))

	if !ack.acked {
		t.Error("повторная доставка терминальной записи должна подтверждаться")
	}
	if len(repo.statusLog) != 0 {
		t.Error("терминальная запись не должна обрабатываться заново")
	}
	if len(pub.published) != 0 {
		t.Error("события не должны публиковаться повторно")
	}
}

func TestHandleDeliveryDuplicateEventID(t *testing.T) {
	repo := newFakeRepo()
	store := &fakeStore{}
	pub := &fakePublisher{}
	rec := seedPending(repo, store, "содержимое")

	w := testWorker(repo, store, pub, &fakeCache{})

	d := uploadedDelivery(t, rec, &fakeAcknowledger{})
	w.HandleDelivery(context.Background(), d)
	publishedAfterFirst := len(pub.published)

	// Та же доставка (тот же eventId) приходит повторно
	ack2 := &fakeAcknowledger{}
	d.Acknowledger = ack2
	w.HandleDelivery(context.Background(), d)

	if !ack2.acked {
		t.Error("повторная доставка должна подтверждаться")
	}
	if len(pub.published) != publishedAfterFirst {
		t.Error("повторная доставка не должна публиковать события")
	}
}

func TestHandleDeliveryPersistFailureRequeues(t *testing.T) {
	repo := newFakeRepo()
	store := &fakeStore{}
	rec := seedPending(repo, store, "содержимое")
	repo.updateStatusErr = errors.New("БД недоступна")

	w := testWorker(repo, store, &fakePublisher{}, &fakeCache{})
	ack := &fakeAcknowledger{}
	w.HandleDelivery(context.Background(), uploadedDelivery(t, rec, ack))

	if !ack.nacked || !ack.requeue {
		t.Error("сбой фиксации статуса должен возвращать сообщение в очередь")
	}
	if ack.acked {
		t.Error("доставка не должна подтверждаться при сбое фиксации")
	}
}

func TestHandleDeliveryPersistFailureExhaustsBudget(t *testing.T) {
	repo := newFakeRepo()
	store := &fakeStore{}
	rec := seedPending(repo, store, "содержимое")
	repo.updateStatusErr = errors.New("БД недоступна")

	w := testWorker(repo, store, &fakePublisher{}, &fakeCache{})

	ev := event.NewUploaded(rec)
	body, _ := event.Encode(ev)

	// Попытки 1 и 2 — requeue, попытка 3 (равна лимиту) — DLQ
	var last *fakeAcknowledger
	for i := 0; i < 3; i++ {
		last = &fakeAcknowledger{}
		w.HandleDelivery(context.Background(), amqp.Delivery{
			Acknowledger: last, DeliveryTag: uint64(i + 1), Body: body,
			Redelivered: i > 0,
		})
	}

	if !last.rejected {
		t.Error("после исчерпания бюджета сообщение должно уходить в DLQ")
	}
	if last.requeue {
		t.Error("сообщение в DLQ не должно возвращаться в очередь")
	}
}
