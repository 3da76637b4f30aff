// webhook.go — обработчик POST /api/v1/webhooks/enrollment.
// Аутентификация по HMAC-SHA256 тела, JWT не требуется.
package handlers

import (
	"errors"
	"io"
	"net/http"

	apierrors "github.com/bigkaa/enrollsync/internal/api/errors"
	"github.com/bigkaa/enrollsync/internal/service"
)

// ReceiveWebhook — POST /api/v1/webhooks/enrollment.
// Ошибка обработки события отражается в поле status ответа, код остаётся 200,
// чтобы LMS не повторяла доставку.
func (h *APIHandler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		apierrors.ValidationError(w, "Не удалось прочитать тело запроса")
		return
	}

	if !service.VerifySignature(h.webhookSecret, body, r.Header.Get(service.SignatureHeader)) {
		h.logger.Warn("Webhook с неверной подписью", "remote_addr", r.RemoteAddr)
		apierrors.Unauthorized(w, "Неверная подпись webhook")
		return
	}

	res, err := h.webhooks.Handle(r.Context(), body)
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			apierrors.ValidationError(w, err.Error())
			return
		}
		h.logger.Error("Ошибка приёма webhook", "error", err)
		apierrors.InternalError(w, h.errorMessage("Ошибка приёма webhook", err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}
