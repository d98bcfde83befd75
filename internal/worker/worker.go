// Пакет worker — асинхронная обработка загруженных файлов.
//
// Воркер потребляет события FILE_UPLOADED из очереди file.processing
// и проводит запись через конвейер стадий:
//
//	PENDING -> PROCESSING -> READY | FAILED
//
// Доставка at-least-once: подтверждение вручную после фиксации
// терминального статуса. Повторные доставки обрабатываются
// идемпотентно — запись в терминальном статусе подтверждается
// без повторной обработки.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/arturkryukov/mediavault/internal/config"
	"github.com/arturkryukov/mediavault/internal/domain/event"
	"github.com/arturkryukov/mediavault/internal/domain/model"
	"github.com/arturkryukov/mediavault/internal/messaging"
	"github.com/arturkryukov/mediavault/internal/repository"
	"github.com/arturkryukov/mediavault/internal/service"
	"github.com/arturkryukov/mediavault/internal/validation"
)

var (
	eventsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mv_worker_events_total",
		Help: "Количество обработанных воркером доставок по исходу.",
	}, []string{"outcome"})
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mv_worker_stage_duration_seconds",
		Help:    "Длительность стадий обработки файла.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
)

// Размеры LRU для дедупликации и учёта попыток.
const (
	seenWindowSize = 4096
	attemptsSize   = 1024
)

// sniffLimit — сколько байт читается для определения типа содержимого.
const sniffLimit = 512

// stage — стадия конвейера обработки. Результаты стадия складывает
// в out; они попадают в outputMetadata события завершения.
type stage struct {
	name string
	// Код ошибки для события FILE_PROCESSING_FAILED
	code string
	run  func(ctx context.Context, rec *model.FileRecord, out map[string]any) error
}

// Worker — consumer очереди file.processing.
type Worker struct {
	cfg       *config.Config
	repo      repository.FileRepository
	store     service.ObjectStore
	cache     service.MetadataCache
	publisher service.EventPublisher
	ch        *amqp.Channel
	logger    *slog.Logger

	// seen — окно дедупликации по eventId (повторные доставки
	// уже обработанных событий)
	seen *expirable.LRU[string, struct{}]
	// attempts — счётчик попыток обработки по eventId
	attempts *expirable.LRU[string, int]

	stages []stage
	cancel context.CancelFunc
	done   chan struct{}
}

// New создаёт воркер обработки файлов.
func New(
	cfg *config.Config,
	repo repository.FileRepository,
	store service.ObjectStore,
	cache service.MetadataCache,
	publisher service.EventPublisher,
	ch *amqp.Channel,
	logger *slog.Logger,
) *Worker {
	w := &Worker{
		cfg:       cfg,
		repo:      repo,
		store:     store,
		cache:     cache,
		publisher: publisher,
		ch:        ch,
		logger:    logger.With(slog.String("component", "processing_worker")),
		seen:      expirable.NewLRU[string, struct{}](seenWindowSize, nil, time.Hour),
		attempts:  expirable.NewLRU[string, int](attemptsSize, nil, time.Hour),
		done:      make(chan struct{}),
	}
	w.stages = []stage{
		{name: "integrity_validation", code: "INTEGRITY_CHECK_FAILED", run: w.validateIntegrity},
		{name: "metadata_extraction", code: "METADATA_EXTRACTION_FAILED", run: w.extractMetadata},
		{name: "content_analysis", code: "CONTENT_ANALYSIS_FAILED", run: w.analyzeContent},
	}
	return w
}

// Start запускает потребление очереди. Возвращает ошибку, если
// не удалось подписаться на очередь.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.ch.Qos(w.cfg.WorkerPrefetch, 0, false); err != nil {
		return fmt.Errorf("установка prefetch: %w", err)
	}

	deliveries, err := w.ch.Consume(
		messaging.QueueProcessing,
		"mediavault-worker",
		false, // autoAck — подтверждаем вручную
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("подписка на очередь %s: %w", messaging.QueueProcessing, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	go w.loop(runCtx, deliveries)

	w.logger.Info("воркер обработки запущен",
		slog.String("queue", messaging.QueueProcessing),
		slog.Int("prefetch", w.cfg.WorkerPrefetch),
	)
	return nil
}

// Stop останавливает воркер и дожидается завершения текущей доставки.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
	w.logger.Info("воркер обработки остановлен")
}

// loop — основной цикл потребления.
func (w *Worker) loop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				w.logger.Warn("канал доставок закрыт")
				return
			}
			w.HandleDelivery(ctx, d)
		}
	}
}

// HandleDelivery обрабатывает одну доставку из очереди.
//
// Политика подтверждений:
//   - нераспознанное сообщение — Reject без requeue (уходит в DLQ)
//   - событие, не требующее обработки — Ack
//   - успешная обработка или фиксация FAILED — Ack
//   - сбой фиксации статуса — Nack с requeue, пока есть бюджет
//     попыток, затем Reject в DLQ
func (w *Worker) HandleDelivery(ctx context.Context, d amqp.Delivery) {
	e, err := event.Decode(d.Body)
	if err != nil {
		w.logger.Error("нераспознанное сообщение, отправляем в DLQ", "error", err)
		eventsProcessedTotal.WithLabelValues("rejected").Inc()
		_ = d.Reject(false)
		return
	}

	uploaded, ok := e.(*event.Uploaded)
	if !ok {
		// Очередь получает все file.* события, но воркер обрабатывает
		// только загрузки
		eventsProcessedTotal.WithLabelValues("skipped").Inc()
		_ = d.Ack(false)
		return
	}

	meta := uploaded.Metadata()
	logger := w.logger.With(
		slog.String("event_id", meta.EventID),
		slog.String("file_id", meta.FileID),
	)

	// Дедупликация по eventId: событие уже обработано в этом окне
	if _, dup := w.seen.Get(meta.EventID); dup {
		logger.Debug("повторная доставка уже обработанного события")
		eventsProcessedTotal.WithLabelValues("duplicate").Inc()
		_ = d.Ack(false)
		return
	}

	// Учёт попыток: растёт на каждой доставке события
	attempt, _ := w.attempts.Get(meta.EventID)
	attempt++
	w.attempts.Add(meta.EventID, attempt)

	outcome := w.process(ctx, uploaded, attempt, logger)
	eventsProcessedTotal.WithLabelValues(outcome).Inc()

	switch outcome {
	case "requeued":
		_ = d.Nack(false, true)
	case "dead_lettered":
		_ = d.Reject(false)
	default:
		w.seen.Add(meta.EventID, struct{}{})
		_ = d.Ack(false)
	}
}

// process выполняет обработку события загрузки.
// Возвращает исход: processed, failed, skipped, requeued, dead_lettered.
func (w *Worker) process(ctx context.Context, uploaded *event.Uploaded, attempt int, logger *slog.Logger) string {
	meta := uploaded.Metadata()

	rec, err := w.repo.GetByID(ctx, meta.FileID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Файл удалён до обработки — событие устарело
			logger.Info("запись файла не найдена, событие пропущено")
			return "skipped"
		}
		logger.Error("ошибка чтения записи файла", "error", err)
		return w.retryOrDLQ(attempt, logger)
	}

	// Повторная доставка после фиксации терминального статуса
	if rec.Status.IsTerminal() {
		logger.Debug("запись уже в терминальном статусе",
			slog.String("status", rec.Status.String()))
		return "skipped"
	}

	// PENDING -> PROCESSING. Если запись уже PROCESSING, это повторная
	// доставка после сбоя до фиксации терминального статуса — стадии
	// выполняются заново.
	if rec.Status == model.StatusPending {
		if !rec.Status.CanTransitionTo(model.StatusProcessing) {
			logger.Error("недопустимый переход статуса",
				slog.String("from", rec.Status.String()))
			return "dead_lettered"
		}
		if err := w.repo.UpdateStatus(ctx, rec.ID, model.StatusProcessing); err != nil {
			logger.Error("не удалось зафиксировать PROCESSING", "error", err)
			return w.retryOrDLQ(attempt, logger)
		}
		rec.Status = model.StatusProcessing
		w.invalidate(ctx, rec)

		if err := w.publisher.Publish(ctx, event.NewProcessingStarted(rec.ID, rec.OwnerID)); err != nil {
			logger.Warn("не удалось опубликовать событие начала обработки", "error", err)
		}
	}

	// Конвейер стадий
	started := time.Now()
	output, errCode, stageErr := w.runStages(ctx, rec, logger)

	// Фиксация терминального статуса
	target := model.StatusReady
	if stageErr != nil {
		target = model.StatusFailed
	}
	if err := w.repo.UpdateStatus(ctx, rec.ID, target); err != nil {
		logger.Error("не удалось зафиксировать терминальный статус",
			slog.String("target", target.String()), "error", err)
		return w.retryOrDLQ(attempt, logger)
	}
	w.invalidate(ctx, rec)

	if stageErr != nil {
		canRetry := attempt < w.cfg.WorkerMaxRetries
		logger.Warn("обработка файла завершилась с ошибкой",
			slog.String("error_code", errCode),
			slog.String("reason", stageErr.Error()),
			slog.Int("attempt", attempt),
		)
		failed := event.NewProcessingFailed(rec.ID, rec.OwnerID, errCode, stageErr.Error(), attempt, canRetry)
		if err := w.publisher.Publish(ctx, failed); err != nil {
			logger.Warn("не удалось опубликовать событие ошибки обработки", "error", err)
		}
		return "failed"
	}

	completed := event.NewProcessingCompleted(rec.ID, rec.OwnerID, time.Since(started), output)
	if err := w.publisher.Publish(ctx, completed); err != nil {
		logger.Warn("не удалось опубликовать событие завершения обработки", "error", err)
	}

	logger.Info("файл обработан",
		slog.Duration("duration", time.Since(started)))
	return "processed"
}

// runStages выполняет стадии конвейера по порядку, накапливая их
// результаты. Первая сбойная стадия прерывает конвейер; её код
// ошибки возвращается для события FILE_PROCESSING_FAILED.
func (w *Worker) runStages(ctx context.Context, rec *model.FileRecord, logger *slog.Logger) (map[string]any, string, error) {
	out := make(map[string]any)
	for _, st := range w.stages {
		start := time.Now()
		err := st.run(ctx, rec, out)
		stageDuration.WithLabelValues(st.name).Observe(time.Since(start).Seconds())
		if err != nil {
			return nil, st.code, fmt.Errorf("%s: %w", st.name, err)
		}
		logger.Debug("стадия выполнена",
			slog.String("stage", st.name),
			slog.Duration("duration", time.Since(start)))
	}
	return out, "", nil
}

// retryOrDLQ решает судьбу доставки при сбое фиксации:
// requeue пока есть бюджет попыток, иначе DLQ.
func (w *Worker) retryOrDLQ(attempt int, logger *slog.Logger) string {
	if attempt < w.cfg.WorkerMaxRetries {
		return "requeued"
	}
	logger.Error("бюджет попыток исчерпан, сообщение уходит в DLQ",
		slog.Int("attempts", attempt))
	return "dead_lettered"
}

// invalidate сбрасывает кэш записи и списков владельца.
func (w *Worker) invalidate(ctx context.Context, rec *model.FileRecord) {
	w.cache.InvalidateFile(ctx, rec.ID)
	w.cache.InvalidateOwner(ctx, rec.OwnerID)
	w.cache.InvalidateOwnerSearches(ctx, rec.OwnerID)
}

// --- Стадии обработки ---

// validateIntegrity скачивает объект и сверяет SHA-256 с
// зарегистрированным хэшем.
func (w *Worker) validateIntegrity(ctx context.Context, rec *model.FileRecord, out map[string]any) error {
	rc, err := w.store.Download(ctx, rec.StoragePath)
	if err != nil {
		return fmt.Errorf("чтение объекта: %w", err)
	}
	defer rc.Close()

	actual, err := validation.Digest(rc)
	if err != nil {
		return fmt.Errorf("вычисление контрольной суммы: %w", err)
	}
	if actual != rec.FileHash {
		return fmt.Errorf("контрольная сумма не совпала: ожидалась %s, получена %s",
			rec.FileHash, actual)
	}
	out["verifiedHash"] = actual
	return nil
}

// extractMetadata определяет фактический тип содержимого по первым
// байтам объекта. Расхождение с заявленным типом не фатально:
// text/* и application/octet-stream часто неразличимы по сигнатуре.
func (w *Worker) extractMetadata(ctx context.Context, rec *model.FileRecord, out map[string]any) error {
	rc, err := w.store.Download(ctx, rec.StoragePath)
	if err != nil {
		return fmt.Errorf("чтение объекта: %w", err)
	}
	defer rc.Close()

	head := make([]byte, sniffLimit)
	n, err := io.ReadFull(rc, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("чтение заголовка объекта: %w", err)
	}

	detected := http.DetectContentType(head[:n])
	matches := contentTypeMatches(rec.ContentType, detected)
	if !matches {
		w.logger.Warn("фактический тип содержимого отличается от заявленного",
			slog.String("file_id", rec.ID),
			slog.String("declared", rec.ContentType),
			slog.String("detected", detected),
		)
	}
	out["detectedContentType"] = detected
	out["contentTypeMatches"] = matches
	return nil
}

// analyzeContent — базовый анализ содержимого: проверка соответствия
// размера объекта зарегистрированному.
func (w *Worker) analyzeContent(ctx context.Context, rec *model.FileRecord, out map[string]any) error {
	rc, err := w.store.Download(ctx, rec.StoragePath)
	if err != nil {
		return fmt.Errorf("чтение объекта: %w", err)
	}
	defer rc.Close()

	n, err := io.Copy(io.Discard, rc)
	if err != nil {
		return fmt.Errorf("чтение объекта: %w", err)
	}
	if n != rec.Size {
		return fmt.Errorf("размер объекта %d байт не совпадает с зарегистрированным %d байт",
			n, rec.Size)
	}
	out["verifiedSize"] = n
	return nil
}

// contentTypeMatches — мягкое сравнение заявленного и определённого
// типов: совпадение по основному типу (image/, video/ и т.д.)
// либо неразличимый общий тип.
func contentTypeMatches(declared, detected string) bool {
	if detected == "application/octet-stream" {
		return true
	}
	d := strings.SplitN(declared, "/", 2)[0]
	got := strings.SplitN(detected, "/", 2)[0]
	return d == got
}
