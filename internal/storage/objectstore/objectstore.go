// Пакет objectstore — шлюз к объектному хранилищу MinIO.
//
// Содержимое файлов хранится в одном бакете, путь объекта
// генерируется при загрузке и неизменен в течение жизни файла.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mv_objectstore_operations_total",
			Help: "Количество операций с объектным хранилищем по типу и результату",
		},
		[]string{"operation", "result"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mv_objectstore_operation_duration_seconds",
			Help:    "Длительность операций с объектным хранилищем",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

// Config — параметры подключения к MinIO.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Store — клиент объектного хранилища.
type Store struct {
	client *minio.Client
	bucket string
}

// New создаёт клиент MinIO.
func New(cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("создание клиента MinIO: %w", err)
	}

	return &Store{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// EnsureBucket проверяет существование бакета и создаёт его при отсутствии.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("проверка бакета %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("создание бакета %s: %w", s.bucket, err)
	}
	return nil
}

// Upload записывает объект в хранилище.
func (s *Store) Upload(ctx context.Context, path string, r io.Reader, size int64, contentType string) error {
	start := time.Now()
	_, err := s.client.PutObject(ctx, s.bucket, path, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	observe("upload", start, err)
	if err != nil {
		return fmt.Errorf("запись объекта %s: %w", path, err)
	}
	return nil
}

// Download открывает объект на чтение. Закрытие reader-а — обязанность
// вызывающего.
func (s *Store) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	start := time.Now()
	obj, err := s.client.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	observe("download", start, err)
	if err != nil {
		return nil, fmt.Errorf("чтение объекта %s: %w", path, err)
	}
	return obj, nil
}

// Delete удаляет объект из хранилища. Удаление отсутствующего объекта
// не является ошибкой.
func (s *Store) Delete(ctx context.Context, path string) error {
	start := time.Now()
	err := s.client.RemoveObject(ctx, s.bucket, path, minio.RemoveObjectOptions{})
	observe("delete", start, err)
	if err != nil {
		return fmt.Errorf("удаление объекта %s: %w", path, err)
	}
	return nil
}

// PresignDownload возвращает временную подписанную ссылку на скачивание
// объекта.
func (s *Store) PresignDownload(ctx context.Context, path string, expiry time.Duration, downloadName string) (string, error) {
	params := url.Values{}
	if downloadName != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", downloadName))
	}

	start := time.Now()
	u, err := s.client.PresignedGetObject(ctx, s.bucket, path, expiry, params)
	observe("presign", start, err)
	if err != nil {
		return "", fmt.Errorf("подписанная ссылка на объект %s: %w", path, err)
	}
	return u.String(), nil
}

// observe фиксирует метрики операции.
func observe(op string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	operationsTotal.WithLabelValues(op, result).Inc()
	operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
