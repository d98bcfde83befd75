// Пакет database — пул подключений к PostgreSQL для хранилища
// метаданных файлов: настройка pgxpool, применение схемы через
// golang-migrate и проверка готовности для health endpoint.
package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arturkryukov/mediavault/internal/config"
)

// Схема хранилища метаданных: таблица files, индексы по owner_id,
// file_hash и имени для поиска.
//
//go:embed migrations/*.sql
var migrationsFS embed.FS

// pingTimeout — таймаут ping при подключении и в проверках готовности.
const pingTimeout = 3 * time.Second

// Connect создаёт пул подключений к PostgreSQL с настройками из
// конфигурации и проверяет доступность базы.
func Connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга DSN: %w", err)
	}

	// Листинги и поиск ходят в БД при каждом промахе кэша, поэтому
	// размер пула задаётся конфигурацией, а не умолчаниями pgx
	poolCfg.MaxConns = int32(cfg.DBMaxConns)
	poolCfg.MinConns = int32(cfg.DBMinConns)
	poolCfg.MaxConnLifetime = cfg.DBConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания пула подключений: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ошибка подключения к PostgreSQL: %w", err)
	}

	logger.Info("Подключение к PostgreSQL установлено",
		slog.String("host", cfg.DBHost),
		slog.Int("port", cfg.DBPort),
		slog.String("database", cfg.DBName),
		slog.Int("max_conns", cfg.DBMaxConns),
		slog.Int("min_conns", cfg.DBMinConns),
	)

	return pool, nil
}

// Migrate приводит схему хранилища метаданных к актуальной версии.
// Миграции встроены в бинарник, отдельного инструмента не требуется.
func Migrate(cfg *config.Config, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("ошибка создания источника миграций: %w", err)
	}

	// URL-формат golang-migrate для драйвера pgx5
	dbURL := fmt.Sprintf(
		"pgx5://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName, cfg.DBSSLMode,
	)

	m, err := migrate.NewWithSourceInstance("iofs", source, dbURL)
	if err != nil {
		return fmt.Errorf("ошибка инициализации миграций: %w", err)
	}
	defer m.Close()

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		version, _, _ := m.Version()
		logger.Info("Схема актуальна, миграции не требуются",
			slog.Uint64("version", uint64(version)))
		return nil
	}
	if err != nil {
		// Частично применённая миграция оставляет dirty-флаг:
		// его видно в логе, снимается вручную
		version, dirty, _ := m.Version()
		logger.Error("Сбой применения миграций",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
		return fmt.Errorf("ошибка применения миграций: %w", err)
	}

	version, _, _ := m.Version()
	logger.Info("Миграции применены", slog.Uint64("version", uint64(version)))
	return nil
}

// ReadinessChecker — проверка готовности PostgreSQL для health endpoint.
// Реализует интерфейс handlers.ReadinessChecker.
type ReadinessChecker struct {
	pool *pgxpool.Pool
}

// NewReadinessChecker создаёт проверку готовности PostgreSQL.
func NewReadinessChecker(pool *pgxpool.Pool) *ReadinessChecker {
	return &ReadinessChecker{pool: pool}
}

// CheckReady проверяет подключение через ping и сообщает занятость
// пула: исчерпанный пул виден в health-чеке раньше, чем в таймаутах
// запросов.
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := c.pool.Ping(ctx); err != nil {
		return "fail", fmt.Sprintf("PostgreSQL недоступен: %v", err)
	}
	stat := c.pool.Stat()
	return "ok", fmt.Sprintf("подключений занято %d из %d", stat.AcquiredConns(), stat.MaxConns())
}
