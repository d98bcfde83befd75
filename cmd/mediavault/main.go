// Media Vault — сервис хранения файлов с дедупликацией по содержимому
// и асинхронной обработкой загрузок.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/arturkryukov/mediavault/internal/api/handlers"
	"github.com/arturkryukov/mediavault/internal/api/middleware"
	"github.com/arturkryukov/mediavault/internal/cache"
	"github.com/arturkryukov/mediavault/internal/config"
	"github.com/arturkryukov/mediavault/internal/database"
	"github.com/arturkryukov/mediavault/internal/messaging"
	"github.com/arturkryukov/mediavault/internal/repository"
	"github.com/arturkryukov/mediavault/internal/server"
	"github.com/arturkryukov/mediavault/internal/service"
	"github.com/arturkryukov/mediavault/internal/storage/objectstore"
	"github.com/arturkryukov/mediavault/internal/worker"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", "error", err)
		os.Exit(1)
	}
	logger := config.SetupLogger(cfg)
	logger.Info("Запуск Media Vault", slog.String("version", config.Version))

	if err := run(cfg, logger); err != nil {
		logger.Error("Фатальная ошибка", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	// 2. PostgreSQL: миграции и пул подключений
	if err := database.Migrate(cfg, logger); err != nil {
		return err
	}
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	// 3. MinIO
	store, err := objectstore.New(objectstore.Config{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		return err
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return err
	}

	// 4. Redis
	metaCache, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cache.TTLConfig{
		Metadata: cfg.CacheMetadataTTL,
		Listing:  cfg.CacheListingTTL,
		Search:   cfg.CacheSearchTTL,
	}, logger)
	if err != nil {
		return err
	}
	defer metaCache.Close()

	// 5. RabbitMQ: подключение, топология, отдельные каналы
	// для publisher и consumer
	conn, err := messaging.Connect(cfg.RabbitURL, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	pubCh, err := conn.Channel()
	if err != nil {
		return err
	}
	if err := messaging.DeclareTopology(pubCh); err != nil {
		return err
	}
	consumeCh, err := conn.Channel()
	if err != nil {
		return err
	}

	publisher, err := messaging.NewPublisher(pubCh, logger)
	if err != nil {
		return err
	}

	// 6. Репозиторий и сервисы
	repo := repository.NewFileRepository(pool)
	ingest := service.NewIngestService(cfg, repo, store, metaCache, publisher, logger)
	files := service.NewFileService(cfg, repo, store, metaCache, logger)

	// 7. Воркер обработки загрузок
	proc := worker.New(cfg, repo, store, metaCache, publisher, consumeCh, logger)
	if err := proc.Start(ctx); err != nil {
		return err
	}
	defer proc.Stop()

	// 8. Мониторинг зависимостей (topologymetrics)
	dh, err := service.NewDephealthService(
		cfg.DephealthName,
		cfg.DephealthGroup,
		service.MinioLivenessURL(cfg.MinioEndpoint, cfg.MinioUseSSL),
		cfg.DephealthCheckInterval,
		logger,
	)
	if err != nil {
		return err
	}
	if err := dh.Start(ctx); err != nil {
		return err
	}
	defer dh.Stop()

	// 9. JWT middleware (опционально)
	var jwtAuth *middleware.JWTAuth
	if cfg.JWKSUrl != "" {
		jwtAuth, err = middleware.NewJWTAuth(middleware.JWTAuthConfig{
			JWKSURL:         cfg.JWKSUrl,
			ClientTimeout:   10 * time.Second,
			RefreshInterval: time.Hour,
			JWTLeeway:       30 * time.Second,
		}, logger)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("MV_JWKS_URL не задан — запуск без аутентификации")
	}

	// 10. HTTP-сервер
	fileHandlers := handlers.NewFileHandlers(ingest, files, logger)
	health := handlers.NewHealthHandlers(map[string]handlers.ReadinessChecker{
		"postgres": database.NewReadinessChecker(pool),
		"redis":    metaCache,
	})

	srv := server.New(cfg, logger, fileHandlers, health, jwtAuth)
	return srv.Run()
}
