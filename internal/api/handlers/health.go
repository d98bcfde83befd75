package handlers

import (
	"net/http"
	"time"
)

// ReadinessChecker — проверка готовности зависимости сервиса.
type ReadinessChecker interface {
	CheckReady() (status string, message string)
}

// healthResponse — ответ health endpoint'ов.
type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthHandlers — обработчики liveness/readiness.
type HealthHandlers struct {
	checkers map[string]ReadinessChecker
}

// NewHealthHandlers создаёт обработчики health endpoint'ов.
// checkers — именованные проверки зависимостей для readiness.
func NewHealthHandlers(checkers map[string]ReadinessChecker) *HealthHandlers {
	return &HealthHandlers{checkers: checkers}
}

// Live — GET /health/live. Процесс жив — всегда 200.
func (h *HealthHandlers) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready — GET /health/ready. 200 если все зависимости доступны,
// иначе 503 с деталями по каждой проверке.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	overall := "ok"
	code := http.StatusOK

	for name, checker := range h.checkers {
		status, message := checker.CheckReady()
		if status != "ok" {
			overall = "fail"
			code = http.StatusServiceUnavailable
			checks[name] = message
			continue
		}
		checks[name] = "ok"
	}

	writeJSON(w, code, healthResponse{
		Status:    overall,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	})
}
