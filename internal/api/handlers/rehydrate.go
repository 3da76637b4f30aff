// rehydrate.go — обработчики /api/v1/rehydrate и /api/v1/rehydrate/status.
package handlers

import (
	"errors"
	"net/http"

	apierrors "github.com/bigkaa/enrollsync/internal/api/errors"
	"github.com/bigkaa/enrollsync/internal/service"
)

// rehydrateFailure — тело ответа неуспешного запуска.
type rehydrateFailure struct {
	Message  string `json:"message"`
	Error    bool   `json:"error"`
	Status   string `json:"status"`
	Duration *int64 `json:"duration,omitempty"`
}

// Rehydrate — GET/POST /api/v1/rehydrate.
// Выполняет прогон синхронно: 200 — итоги, 409 — блокировка занята, 500 — ошибка прогона.
func (h *APIHandler) Rehydrate(w http.ResponseWriter, r *http.Request) {
	out, err := h.rehydrator.Run(r.Context())
	if err == nil {
		writeJSON(w, http.StatusOK, out)
		return
	}

	if errors.Is(err, service.ErrAlreadyRunning) {
		writeJSON(w, http.StatusConflict, rehydrateFailure{
			Message: "Rehydration уже выполняется, повторите позже",
			Error:   true,
			Status:  "already_running",
		})
		return
	}

	resp := rehydrateFailure{
		Message: h.errorMessage("Rehydration завершился ошибкой", err),
		Error:   true,
		Status:  "failed",
	}
	var duration int64
	var runErr *service.RunFailedError
	if errors.As(err, &runErr) {
		duration = runErr.Duration
	}
	resp.Duration = &duration
	h.logger.Error("Ошибка прогона rehydration", "error", err)
	writeJSON(w, http.StatusInternalServerError, resp)
}

// SyncStatus — GET /api/v1/rehydrate/status.
func (h *APIHandler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.status.Status(r.Context())
	if err != nil {
		h.logger.Error("Ошибка получения статуса синхронизации", "error", err)
		apierrors.InternalError(w, "Ошибка получения статуса синхронизации")
		return
	}
	writeJSON(w, http.StatusOK, st)
}
