// auth.go — JWT middleware для аутентификации пользователей.
// Использует RS256 + JWKS для валидации токенов внешнего IdP.
// Идентификатор владельца файлов — claim sub.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/arturkryukov/mediavault/internal/api/errors"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

// ContextKeyOwner — ключ для sub из JWT в контексте запроса.
const ContextKeyOwner contextKey = "jwt_owner"

// JWTAuth — middleware для JWT-аутентификации через JWKS.
type JWTAuth struct {
	jwks      keyfunc.Keyfunc
	jwtLeeway time.Duration
	logger    *slog.Logger
}

// JWTAuthConfig — параметры для создания JWT middleware.
type JWTAuthConfig struct {
	// URL JWKS endpoint
	JWKSURL string
	// Таймаут HTTP-клиента JWKS
	ClientTimeout time.Duration
	// Интервал обновления JWKS-ключей
	RefreshInterval time.Duration
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration
}

// NewJWTAuth создаёт JWT middleware с JWKS из указанного URL.
// NoErrorReturnFirstHTTPReq позволяет стартовать даже если JWKS
// endpoint ещё недоступен (одновременный запуск pod-ов).
func NewJWTAuth(authCfg JWTAuthConfig, logger *slog.Logger) (*JWTAuth, error) {
	storage, err := jwkset.NewStorageFromHTTP(authCfg.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    &http.Client{Timeout: authCfg.ClientTimeout},
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           authCfg.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", authCfg.JWKSURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{
		Storage: storage,
	})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	return &JWTAuth{
		jwks:      k,
		jwtLeeway: authCfg.JWTLeeway,
		logger:    logger.With(slog.String("component", "jwt_auth")),
	}, nil
}

// NewJWTAuthWithKeyfunc создаёт JWT middleware с предоставленной keyfunc.
// Используется в тестах для подстановки mock JWKS.
func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, jwtLeeway time.Duration, logger *slog.Logger) *JWTAuth {
	return &JWTAuth{
		jwks:      kf,
		jwtLeeway: jwtLeeway,
		logger:    logger.With(slog.String("component", "jwt_auth")),
	}
}

// Middleware возвращает HTTP middleware для JWT-аутентификации.
// Извлекает Bearer token из заголовка Authorization, валидирует
// подпись (RS256), проверяет exp/nbf, помещает sub в контекст запроса.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apierrors.NewUnauthorized("Отсутствует заголовок Authorization").Write(w)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				apierrors.NewUnauthorized("Неверный формат Authorization: ожидается Bearer <token>").Write(w)
				return
			}

			tokenString := parts[1]
			if tokenString == "" {
				apierrors.NewUnauthorized("Пустой Bearer token").Write(w)
				return
			}

			claims := &jwt.RegisteredClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, j.jwks.KeyfuncCtx(r.Context()),
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(j.jwtLeeway),
			)
			if err != nil {
				j.logger.Debug("JWT валидация не пройдена",
					slog.String("error", err.Error()),
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.NewUnauthorized("Невалидный или просроченный токен").Write(w)
				return
			}

			if !token.Valid {
				apierrors.NewUnauthorized("Невалидный токен").Write(w)
				return
			}

			subject, err := claims.GetSubject()
			if err != nil || subject == "" {
				apierrors.NewUnauthorized("Отсутствует sub в токене").Write(w)
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyOwner, subject)
			AnnotateOwner(ctx, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OwnerFromContext извлекает sub из контекста запроса.
// Возвращает пустую строку, если sub не найден.
func OwnerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ContextKeyOwner).(string)
	return owner
}

// ContextWithOwner кладёт владельца в контекст. Используется
// в dev-режиме без JWT и в тестах handlers.
func ContextWithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ContextKeyOwner, owner)
}
