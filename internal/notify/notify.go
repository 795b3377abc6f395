// Package notify delivers best-effort notifications to organization owners.
// Callers never learn whether delivery succeeded beyond the returned error,
// which they log and drop.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/hugh/tenantgate/internal/metrics"
	"github.com/hugh/tenantgate/pkg/queue"
)

// TypeSend is the task type carrying a notification request.
const TypeSend = "notify:send"

type Kind string

const (
	KindSubscriptionStarted  Kind = "subscription_started"
	KindSubscriptionUpdated  Kind = "subscription_updated"
	KindPlanChanged          Kind = "plan_changed"
	KindSubscriptionCanceled Kind = "subscription_canceled"
	KindTrialEnding          Kind = "trial_ending"
	KindPaymentSucceeded     Kind = "payment_succeeded"
	KindPaymentFailed        Kind = "payment_failed"
	KindInvoiceUpcoming      Kind = "invoice_upcoming"
	KindInvoiceFinalized     Kind = "invoice_finalized"
)

// Request is one notification for one owner. Data holds template variables.
type Request struct {
	OwnerUserID uuid.UUID         `json:"owner_user_id"`
	Kind        Kind              `json:"kind"`
	Data        map[string]string `json:"data,omitempty"`
}

// Sender hands a request to whatever delivers it.
type Sender interface {
	Send(ctx context.Context, req Request) error
}

// Dispatcher queues notification requests for the worker.
type Dispatcher struct {
	client queue.Enqueuer
	logger *slog.Logger
}

var _ Sender = (*Dispatcher)(nil)

func NewDispatcher(client queue.Enqueuer, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{client: client, logger: logger}
}

func NewTask(req Request) (*asynq.Task, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeSend, data), nil
}

// DecodeTask extracts the request carried by a TypeSend task.
func DecodeTask(t *asynq.Task) (Request, error) {
	var req Request
	if err := json.Unmarshal(t.Payload(), &req); err != nil {
		return Request{}, fmt.Errorf("unmarshal notification payload: %w", err)
	}
	return req, nil
}

func (d *Dispatcher) Send(ctx context.Context, req Request) error {
	task, err := NewTask(req)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues(string(req.Kind), "error").Inc()
		return fmt.Errorf("building notification task: %w", err)
	}

	_, err = d.client.EnqueueContext(ctx, task,
		asynq.Queue(queue.QueueNotifications),
		asynq.MaxRetry(5),
		asynq.Timeout(30*time.Second),
	)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues(string(req.Kind), "error").Inc()
		return fmt.Errorf("enqueueing notification: %w", err)
	}

	metrics.NotificationsTotal.WithLabelValues(string(req.Kind), "queued").Inc()
	d.logger.Debug("notification queued", "kind", req.Kind, "owner_user_id", req.OwnerUserID)
	return nil
}

// LogSender writes notifications to the log. It is the worker's delivery
// backend until a mail provider is configured.
type LogSender struct {
	logger *slog.Logger
}

var _ Sender = (*LogSender)(nil)

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, req Request) error {
	args := []any{"kind", req.Kind, "owner_user_id", req.OwnerUserID}
	for k, v := range req.Data {
		args = append(args, k, v)
	}
	s.logger.InfoContext(ctx, "notification", args...)
	metrics.NotificationsTotal.WithLabelValues(string(req.Kind), "delivered").Inc()
	return nil
}

// Discard drops every request. Used where no queue is configured.
type Discard struct{}

func (Discard) Send(context.Context, Request) error { return nil }
