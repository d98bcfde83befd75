package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

// requestLog выполняет запрос через RequestLogger поверх chi-роутера
// и возвращает разобранную JSON-запись лога.
func requestLog(t *testing.T, target string, handler http.HandlerFunc) (map[string]any, *httptest.ResponseRecorder) {
	t.Helper()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	r := chi.NewRouter()
	r.Use(RequestLogger(logger))
	r.Get("/files/{fileID}", handler)
	r.Get("/files", handler)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("запись лога не JSON: %v (%q)", err, buf.String())
	}
	return entry, rec
}

func TestRequestLoggerBasicFields(t *testing.T) {
	entry, rec := requestLog(t, "/files", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ответ"))
	})

	if entry["method"] != "GET" || entry["path"] != "/files" {
		t.Errorf("method/path = %v/%v, ожидалось GET//files", entry["method"], entry["path"])
	}
	if entry["status"] != float64(http.StatusOK) {
		t.Errorf("status = %v, ожидалось 200", entry["status"])
	}
	if entry["bytes"] == float64(0) {
		t.Error("bytes = 0, ожидался размер записанного ответа")
	}
	if entry["request_id"] == nil || entry["request_id"] == "" {
		t.Error("request_id отсутствует в записи лога")
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("заголовок X-Request-Id не возвращён клиенту")
	}
}

func TestRequestLoggerLevelByStatus(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "INFO"},
		{http.StatusNotFound, "WARN"},
		{http.StatusInternalServerError, "ERROR"},
	}

	for _, tt := range tests {
		entry, _ := requestLog(t, "/files", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		})
		if entry["level"] != tt.level {
			t.Errorf("status %d: level = %v, ожидалось %s", tt.status, entry["level"], tt.level)
		}
	}
}

// Владелец, проставленный после аутентификации, и file_id из маршрута
// попадают в запись лога запроса.
func TestRequestLoggerOwnerAndFileID(t *testing.T) {
	entry, _ := requestLog(t, "/files/file-42", func(w http.ResponseWriter, r *http.Request) {
		AnnotateOwner(r.Context(), "user-7")
		w.WriteHeader(http.StatusOK)
	})

	if entry["owner"] != "user-7" {
		t.Errorf("owner = %v, ожидалось user-7", entry["owner"])
	}
	if entry["file_id"] != "file-42" {
		t.Errorf("file_id = %v, ожидалось file-42", entry["file_id"])
	}
}

// Запрос без аутентификации логируется без поля owner.
func TestRequestLoggerNoOwner(t *testing.T) {
	entry, _ := requestLog(t, "/files", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if _, ok := entry["owner"]; ok {
		t.Errorf("owner = %v, поле не должно присутствовать", entry["owner"])
	}
}
