// Пакет model — доменные типы хранилища файлов.
package model

import (
	"fmt"
	"time"
)

// FileStatus — статус обработки файла.
type FileStatus string

const (
	// StatusPending — файл загружен, ожидает обработки.
	StatusPending FileStatus = "PENDING"
	// StatusProcessing — файл в обработке.
	StatusProcessing FileStatus = "PROCESSING"
	// StatusReady — обработка успешно завершена.
	StatusReady FileStatus = "READY"
	// StatusFailed — обработка завершилась с ошибкой.
	StatusFailed FileStatus = "FAILED"
)

// transitions — матрица допустимых переходов статусов.
var transitions = map[FileStatus]map[FileStatus]bool{
	StatusPending: {
		StatusProcessing: true,
	},
	StatusProcessing: {
		StatusReady:  true,
		StatusFailed: true,
	},
	StatusReady:  {},
	StatusFailed: {},
}

// ParseStatus преобразует строку в FileStatus.
func ParseStatus(s string) (FileStatus, error) {
	switch FileStatus(s) {
	case StatusPending, StatusProcessing, StatusReady, StatusFailed:
		return FileStatus(s), nil
	default:
		return "", fmt.Errorf("неизвестный статус файла: %q", s)
	}
}

// String возвращает строковое представление статуса.
func (s FileStatus) String() string {
	return string(s)
}

// IsTerminal возвращает true для конечных статусов READY и FAILED.
func (s FileStatus) IsTerminal() bool {
	return s == StatusReady || s == StatusFailed
}

// CanTransitionTo проверяет допустимость перехода в статус target.
func (s FileStatus) CanTransitionTo(target FileStatus) bool {
	allowed, ok := transitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// FileRecord — запись метаданных файла.
type FileRecord struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	OriginalName string     `json:"originalName"`
	Size         int64      `json:"size"`
	ContentType  string     `json:"contentType"`
	FileHash     string     `json:"fileHash"`
	StoragePath  string     `json:"-"`
	OwnerID      string     `json:"ownerId"`
	Status       FileStatus `json:"status"`
	Tags         []string   `json:"tags"`
	Description  string     `json:"description,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	ProcessedAt  *time.Time `json:"processedAt,omitempty"`
}

// OwnerStatistics — агрегированная статистика по файлам владельца.
type OwnerStatistics struct {
	OwnerID    string `json:"ownerId"`
	TotalFiles int64  `json:"totalFiles"`
	TotalSize  int64  `json:"totalSize"`
	Pending    int64  `json:"pending"`
	Processing int64  `json:"processing"`
	Ready      int64  `json:"ready"`
	Failed     int64  `json:"failed"`
}
