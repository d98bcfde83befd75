// Пакет server — HTTP-сервер Media Vault с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apierrors "github.com/arturkryukov/mediavault/internal/api/errors"
	"github.com/arturkryukov/mediavault/internal/api/handlers"
	"github.com/arturkryukov/mediavault/internal/api/middleware"
	"github.com/arturkryukov/mediavault/internal/config"
)

// Server — HTTP-сервер Media Vault.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с настроенными routes и middleware.
// Служебные endpoint'ы (/health/*, /metrics) всегда без аутентификации;
// JWT применяется только к /api/v1 и только при непустом cfg.JWKSUrl.
func New(
	cfg *config.Config,
	logger *slog.Logger,
	fileHandlers *handlers.FileHandlers,
	health *handlers.HealthHandlers,
	jwtAuth *middleware.JWTAuth,
) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware())

	router.Get("/health/live", health.Live)
	router.Get("/health/ready", health.Ready)
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		if jwtAuth != nil {
			r.Use(jwtAuth.Middleware())
		} else {
			r.Use(headerOwner)
		}
		fileHandlers.Routes(r)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// headerOwner — dev-режим без JWT: владелец берётся из заголовка
// X-User-Id. Запросы без заголовка отклоняются.
func headerOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get("X-User-Id")
		if owner == "" {
			apierrors.NewUnauthorized("заголовок X-User-Id не задан").Write(w)
			return
		}
		middleware.AnnotateOwner(r.Context(), owner)
		next.ServeHTTP(w, r.WithContext(middleware.ContextWithOwner(r.Context(), owner)))
	})
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
