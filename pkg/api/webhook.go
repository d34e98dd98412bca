package api

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/apperrors"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/events"
)

const (
	headerEventKind = "X-Gitlab-Event"
	headerToken     = "X-Gitlab-Token"

	maxWebhookBody = 1 << 20
)

// writeWebhookReject answers a rejected delivery. Webhook replies keep
// the {success, message} shape in both directions so GitLab delivery
// logs stay uniform.
func writeWebhookReject(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, messageResponse{Success: false, Message: msg})
}

// handleWebhook receives GitLab webhook deliveries. The payload is
// validated and queued; the HTTP response never waits on processing.
func (s *server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	kind := r.Header.Get(headerEventKind)
	if kind == "" {
		writeWebhookReject(w, http.StatusBadRequest,
			"missing "+headerEventKind+" header")

		return
	}

	instanceID, err := strconv.ParseUint(r.URL.Query().Get("instanceId"), 10, 32)
	if err != nil || instanceID == 0 {
		writeWebhookReject(w, http.StatusBadRequest,
			"missing or invalid instanceId")

		return
	}

	inst, err := s.instances.Get(r.Context(), uint(instanceID))
	if err != nil || !inst.Active {
		writeWebhookReject(w, http.StatusBadRequest,
			"unknown or inactive instance")

		return
	}

	if inst.WebhookSecret != "" {
		token := r.Header.Get(headerToken)
		if subtle.ConstantTimeCompare(
			[]byte(token), []byte(inst.WebhookSecret)) != 1 {
			writeWebhookReject(w, http.StatusUnauthorized,
				"webhook token mismatch")

			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeWebhookReject(w, http.StatusBadRequest, "reading request body")

		return
	}

	ev, err := events.Parse(uint(instanceID), kind, body)
	if err != nil {
		writeWebhookReject(w, apperrors.HTTPStatus(err), rejectMessage(err))

		return
	}

	outcome, err := s.queue.Submit(r.Context(), ev)
	if err != nil {
		writeWebhookReject(w, apperrors.HTTPStatus(err), rejectMessage(err))

		return
	}

	msg := "event accepted"
	if outcome == events.OutcomeDuplicate {
		msg = "duplicate event ignored"
	}

	s.log.WithField("instance", inst.ID).
		WithField("object_kind", ev.ObjectKind).
		WithField("outcome", string(outcome)).
		Debug("Webhook received")

	writeJSON(w, http.StatusOK, messageResponse{true, msg})
}

func rejectMessage(err error) string {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}

	return "internal server error"
}
