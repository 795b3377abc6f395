package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/hugh/tenantgate/internal/apperr"
	"github.com/hugh/tenantgate/internal/billing"
	"github.com/hugh/tenantgate/internal/metrics"
	"github.com/hugh/tenantgate/internal/notify"
)

// Processor is the reconciler surface the handlers drive.
type Processor interface {
	Process(ctx context.Context, ev billing.Event) (billing.Outcome, error)
	PruneLedger(ctx context.Context, cutoff time.Time) (int64, error)
}

type HandlerConfig struct {
	// NotFoundMaxRetries is how many times an event whose target is missing
	// is retried before it is archived and escalated.
	NotFoundMaxRetries int
	Retention          time.Duration
}

type Handler struct {
	processor Processor
	sender    notify.Sender
	logger    *slog.Logger
	cfg       HandlerConfig
	now       func() time.Time

	retryCount func(ctx context.Context) (int, bool)
}

func NewHandler(processor Processor, sender notify.Sender, logger *slog.Logger, cfg HandlerConfig) *Handler {
	if sender == nil {
		sender = notify.NewLogSender(logger)
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 90 * 24 * time.Hour
	}
	return &Handler{
		processor:  processor,
		sender:     sender,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
		retryCount: asynq.GetRetryCount,
	}
}

func (h *Handler) RegisterHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeBillingEvent, h.HandleBillingEvent)
	mux.HandleFunc(notify.TypeSend, h.HandleNotification)
	mux.HandleFunc(TypeLedgerPrune, h.HandleLedgerPrune)
}

// HandleBillingEvent reconciles one event. Malformed events are archived
// immediately so an operator can inspect and replay them; events whose
// target does not exist yet are retried until the retry budget runs out.
func (h *Handler) HandleBillingEvent(ctx context.Context, t *asynq.Task) error {
	var ev billing.Event
	if err := json.Unmarshal(t.Payload(), &ev); err != nil {
		h.logger.Warn("undecodable billing task archived", "error", err)
		return fmt.Errorf("unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}

	outcome, err := h.processor.Process(ctx, ev)
	switch {
	case err == nil:
		h.logger.Debug("billing task done", "event_id", ev.ID, "outcome", outcome)
		return nil

	case errors.Is(err, apperr.ErrValidation):
		h.logger.Warn("invalid billing event held for replay",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"error", err,
		)
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)

	case errors.Is(err, apperr.ErrNotFound):
		retried, _ := h.retryCount(ctx)
		if retried >= h.cfg.NotFoundMaxRetries {
			metrics.EscalationsTotal.WithLabelValues("not_found").Inc()
			h.logger.Error("billing event target still missing, escalating",
				"event_id", ev.ID,
				"event_type", ev.Type,
				"object_ref", ev.ObjectRef,
				"retried", retried,
				"error", err,
			)
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err

	default:
		return err
	}
}

func (h *Handler) HandleNotification(ctx context.Context, t *asynq.Task) error {
	req, err := notify.DecodeTask(t)
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	if err := h.sender.Send(ctx, req); err != nil {
		metrics.NotificationsTotal.WithLabelValues(string(req.Kind), "error").Inc()
		return fmt.Errorf("sending %s notification: %w", req.Kind, err)
	}
	return nil
}

func (h *Handler) HandleLedgerPrune(ctx context.Context, t *asynq.Task) error {
	var payload LedgerPrunePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("unmarshal payload: %v: %w", err, asynq.SkipRetry)
		}
	}

	retention := h.cfg.Retention
	if payload.RetentionDays > 0 {
		retention = time.Duration(payload.RetentionDays) * 24 * time.Hour
	}
	cutoff := h.now().Add(-retention)

	removed, err := h.processor.PruneLedger(ctx, cutoff)
	if err != nil {
		return err
	}

	h.logger.Info("pruned idempotency ledger", "cutoff", cutoff, "removed", removed)
	return nil
}
