// Пакет event — события жизненного цикла файлов, публикуемые в RabbitMQ.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arturkryukov/mediavault/internal/domain/model"
)

// Типы событий (дискриминант в поле eventType).
const (
	TypeUploaded            = "FILE_UPLOADED"
	TypeProcessingStarted   = "FILE_PROCESSING_STARTED"
	TypeProcessingCompleted = "FILE_PROCESSING_COMPLETED"
	TypeProcessingFailed    = "FILE_PROCESSING_FAILED"
)

// Ключи маршрутизации событий в exchange file.events.
const (
	KeyUploaded            = "file.uploaded"
	KeyProcessingStarted   = "file.processing.started"
	KeyProcessingCompleted = "file.processing.completed"
	KeyProcessingFailed    = "file.processing.failed"
)

// ProcessingType — тип обработки, выполняемой воркером.
const ProcessingType = "BASIC_PROCESSING"

// Event — закрытый интерфейс событий файлов.
type Event interface {
	// Metadata возвращает общие поля события.
	Metadata() Meta
	// RoutingKey возвращает ключ маршрутизации события.
	RoutingKey() string

	isFileEvent()
}

// Meta — общие поля всех событий.
type Meta struct {
	EventID   string    `json:"eventId"`
	FileID    string    `json:"fileId"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"eventType"`
}

// Metadata возвращает общие поля события.
func (m Meta) Metadata() Meta { return m }

func (m Meta) isFileEvent() {}

// newMeta создаёт общие поля события с новым eventId и текущим временем UTC.
func newMeta(eventType, fileID, userID string) Meta {
	return Meta{
		EventID:   uuid.New().String(),
		FileID:    fileID,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		EventType: eventType,
	}
}

// Uploaded — файл загружен и ожидает обработки.
type Uploaded struct {
	Meta
	FileName     string `json:"fileName"`
	OriginalName string `json:"originalName"`
	FileSize     int64  `json:"fileSize"`
	ContentType  string `json:"contentType"`
	FileHash     string `json:"fileHash"`
	StoragePath  string `json:"storagePath"`
}

// RoutingKey возвращает ключ маршрутизации file.uploaded.
func (e *Uploaded) RoutingKey() string { return KeyUploaded }

// NewUploaded создаёт событие загрузки файла из записи метаданных.
func NewUploaded(rec *model.FileRecord) *Uploaded {
	return &Uploaded{
		Meta:         newMeta(TypeUploaded, rec.ID, rec.OwnerID),
		FileName:     rec.Name,
		OriginalName: rec.OriginalName,
		FileSize:     rec.Size,
		ContentType:  rec.ContentType,
		FileHash:     rec.FileHash,
		StoragePath:  rec.StoragePath,
	}
}

// ProcessingStarted — воркер начал обработку файла.
type ProcessingStarted struct {
	Meta
	ProcessingType string `json:"processingType"`
}

// RoutingKey возвращает ключ маршрутизации file.processing.started.
func (e *ProcessingStarted) RoutingKey() string { return KeyProcessingStarted }

// NewProcessingStarted создаёт событие начала обработки.
func NewProcessingStarted(fileID, userID string) *ProcessingStarted {
	return &ProcessingStarted{
		Meta:           newMeta(TypeProcessingStarted, fileID, userID),
		ProcessingType: ProcessingType,
	}
}

// ProcessingCompleted — обработка файла успешно завершена.
type ProcessingCompleted struct {
	Meta
	ProcessingType string `json:"processingType"`
	// Длительность обработки в миллисекундах
	DurationMs int64 `json:"durationMs"`
	// Результаты этапов обработки (проверенный размер,
	// определённый тип содержимого и т.п.)
	OutputMetadata map[string]any `json:"outputMetadata,omitempty"`
}

// RoutingKey возвращает ключ маршрутизации file.processing.completed.
func (e *ProcessingCompleted) RoutingKey() string { return KeyProcessingCompleted }

// NewProcessingCompleted создаёт событие успешного завершения обработки.
func NewProcessingCompleted(fileID, userID string, duration time.Duration, output map[string]any) *ProcessingCompleted {
	return &ProcessingCompleted{
		Meta:           newMeta(TypeProcessingCompleted, fileID, userID),
		ProcessingType: ProcessingType,
		DurationMs:     duration.Milliseconds(),
		OutputMetadata: output,
	}
}

// ProcessingFailed — обработка файла завершилась с ошибкой.
type ProcessingFailed struct {
	Meta
	ProcessingType string `json:"processingType"`
	// Машинный код ошибки (INTEGRITY_CHECK_FAILED и т.п.)
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	// Номер попытки обработки (счёт от 1)
	RetryCount int `json:"retryCount"`
	// Остался ли бюджет повторных попыток
	CanRetry bool `json:"canRetry"`
}

// RoutingKey возвращает ключ маршрутизации file.processing.failed.
func (e *ProcessingFailed) RoutingKey() string { return KeyProcessingFailed }

// NewProcessingFailed создаёт событие ошибки обработки.
func NewProcessingFailed(fileID, userID, errorCode, errorMessage string, retryCount int, canRetry bool) *ProcessingFailed {
	return &ProcessingFailed{
		Meta:           newMeta(TypeProcessingFailed, fileID, userID),
		ProcessingType: ProcessingType,
		ErrorCode:      errorCode,
		ErrorMessage:   errorMessage,
		RetryCount:     retryCount,
		CanRetry:       canRetry,
	}
}

// Encode сериализует событие в JSON.
func Encode(e Event) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("сериализация события %s: %w", e.Metadata().EventType, err)
	}
	return body, nil
}

// Decode десериализует событие из JSON, определяя конкретный тип
// по полю eventType.
func Decode(body []byte) (Event, error) {
	var peek struct {
		EventType string `json:"eventType"`
	}
	if err := json.Unmarshal(body, &peek); err != nil {
		return nil, fmt.Errorf("разбор события: %w", err)
	}

	var e Event
	switch peek.EventType {
	case TypeUploaded:
		e = &Uploaded{}
	case TypeProcessingStarted:
		e = &ProcessingStarted{}
	case TypeProcessingCompleted:
		e = &ProcessingCompleted{}
	case TypeProcessingFailed:
		e = &ProcessingFailed{}
	default:
		return nil, fmt.Errorf("неизвестный тип события: %q", peek.EventType)
	}

	if err := json.Unmarshal(body, e); err != nil {
		return nil, fmt.Errorf("разбор события %s: %w", peek.EventType, err)
	}
	return e, nil
}
