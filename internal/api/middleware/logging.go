// logging.go — middleware логирования HTTP-запросов хранилища файлов.
// Каждому запросу присваивается request_id; после аутентификации
// запись лога помечается владельцем, а на файловых маршрутах — file_id.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// requestIDHeader — заголовок, в котором request_id возвращается клиенту.
const requestIDHeader = "X-Request-Id"

// logEntry — накапливаемые пометки записи лога текущего запроса.
// Middleware аутентификации проставляет владельца уже после того,
// как логирующий middleware вошёл в цепочку, поэтому держатель
// кладётся в контекст до вызова остальной цепочки.
type logEntry struct {
	owner string
}

type logEntryKey struct{}

// AnnotateOwner помечает запись лога текущего запроса владельцем.
// Вызывается после успешной аутентификации.
func AnnotateOwner(ctx context.Context, owner string) {
	if e, ok := ctx.Value(logEntryKey{}).(*logEntry); ok {
		e.owner = owner
	}
}

// responseWriter — обёртка для перехвата статус-кода и размера ответа.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// RequestLogger возвращает middleware, логирующий каждый HTTP-запрос.
// Уровень зависит от статус-кода: INFO (1xx-3xx), WARN (4xx), ERROR (5xx).
// При отдаче больших файлов размер ответа в логе — фактически
// записанные байты, а не Content-Length.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := uuid.New().String()
			w.Header().Set(requestIDHeader, requestID)

			entry := &logEntry{}
			ctx := context.WithValue(r.Context(), logEntryKey{}, entry)

			wrapped := newResponseWriter(w)
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			level := slog.LevelInfo
			if wrapped.statusCode >= 500 {
				level = slog.LevelError
			} else if wrapped.statusCode >= 400 {
				level = slog.LevelWarn
			}

			attrs := []slog.Attr{
				slog.String("request_id", requestID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", wrapped.statusCode),
				slog.Duration("duration", time.Since(start)),
				slog.Int64("bytes", wrapped.written),
				slog.String("remote_addr", r.RemoteAddr),
			}
			if entry.owner != "" {
				attrs = append(attrs, slog.String("owner", entry.owner))
			}
			// После маршрутизации chi держит параметры пути в RouteContext
			if rctx := chi.RouteContext(ctx); rctx != nil {
				if fileID := rctx.URLParam("fileID"); fileID != "" {
					attrs = append(attrs, slog.String("file_id", fileID))
				}
			}

			logger.LogAttrs(ctx, level, "HTTP запрос", attrs...)
		})
	}
}
