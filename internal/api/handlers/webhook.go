package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hugh/tenantgate/internal/apperr"
	"github.com/hugh/tenantgate/internal/billing"
	"github.com/hugh/tenantgate/internal/metrics"
)

const maxWebhookBytes = 64 << 10

// EventPublisher hands a verified event to the worker queue.
type EventPublisher interface {
	Publish(ctx context.Context, ev billing.Event) error
}

// EventProcessor reconciles an event in-line.
type EventProcessor interface {
	Process(ctx context.Context, ev billing.Event) (billing.Outcome, error)
}

// WebhookHandler receives billing provider webhooks. Verified events are
// queued when a publisher is configured and reconciled in-line otherwise.
type WebhookHandler struct {
	secret    string
	publisher EventPublisher
	processor EventProcessor
	logger    *slog.Logger
}

func NewWebhookHandler(secret string, publisher EventPublisher, processor EventProcessor, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{secret: secret, publisher: publisher, processor: processor, logger: logger}
}

func (h *WebhookHandler) Billing(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		metrics.WebhookRequestsTotal.WithLabelValues("unknown", "too_large").Inc()
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	se, err := billing.VerifyStripe(payload, r.Header.Get("Stripe-Signature"), h.secret)
	if err != nil {
		metrics.WebhookRequestsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		h.logger.Warn("rejected billing webhook", "error", err)
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	ev, ok, err := billing.FromStripe(se)
	if !ok {
		metrics.WebhookRequestsTotal.WithLabelValues(string(se.Type), "ignored").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err != nil {
		h.hold(w, r, ev, err)
		return
	}

	if h.publisher != nil {
		if err := h.publisher.Publish(r.Context(), ev); err != nil {
			metrics.WebhookRequestsTotal.WithLabelValues(string(ev.Type), "enqueue_error").Inc()
			h.logger.Error("failed to queue billing event", "event_id", ev.ID, "error", err)
			// A non-2xx makes the provider redeliver.
			writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
			return
		}
		metrics.WebhookRequestsTotal.WithLabelValues(string(ev.Type), "queued").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"status": "queued", "event_id": ev.ID})
		return
	}

	outcome, err := h.processor.Process(r.Context(), ev)
	if err != nil {
		metrics.WebhookRequestsTotal.WithLabelValues(string(ev.Type), "error").Inc()
		if errors.Is(err, apperr.ErrValidation) {
			h.logger.Error("malformed billing event left with the provider", "event_id", ev.ID, "error", err)
		} else {
			h.logger.Warn("billing event not applied, provider will redeliver", "event_id", ev.ID, "error", err)
		}
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
		return
	}

	metrics.WebhookRequestsTotal.WithLabelValues(string(ev.Type), "processed").Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": string(outcome), "event_id": ev.ID})
}

// hold answers a verified event that cannot be normalized. With a queue the
// event is enqueued anyway: the worker rejects it without retries, which
// parks it with the held events for an operator to replay or discard.
// Without a queue nothing can hold it, so the provider is asked to redeliver.
func (h *WebhookHandler) hold(w http.ResponseWriter, r *http.Request, ev billing.Event, cause error) {
	h.logger.Warn("malformed billing event", "event_id", ev.ID, "type", ev.Type, "error", cause)

	switch {
	case ev.ID == "":
		metrics.WebhookRequestsTotal.WithLabelValues(string(ev.Type), "invalid").Inc()
		writeAppError(w, cause)
		return
	case h.publisher == nil:
		metrics.WebhookRequestsTotal.WithLabelValues(string(ev.Type), "invalid").Inc()
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
		return
	}

	if err := h.publisher.Publish(r.Context(), ev); err != nil {
		metrics.WebhookRequestsTotal.WithLabelValues(string(ev.Type), "enqueue_error").Inc()
		h.logger.Error("failed to hold billing event", "event_id", ev.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
		return
	}
	metrics.WebhookRequestsTotal.WithLabelValues(string(ev.Type), "held").Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "held", "event_id": ev.ID})
}
