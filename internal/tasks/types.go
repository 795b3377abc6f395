package tasks

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"github.com/hugh/tenantgate/internal/billing"
	"github.com/hugh/tenantgate/pkg/queue"
)

// Task type names
const (
	TypeBillingEvent = "billing:event"
	TypeLedgerPrune  = "maintenance:ledger_prune"
)

// NewBillingEventTask wraps a billing event. The task id is the event id, so
// a redelivered webhook is rejected by the queue while the first copy is
// still pending or retained.
func NewBillingEventTask(ev billing.Event, maxRetry int, timeout time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeBillingEvent, data,
		asynq.TaskID(ev.ID),
		asynq.Queue(queue.QueueBilling),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(timeout),
		asynq.Retention(24*time.Hour),
	), nil
}

// LedgerPrunePayload overrides the configured retention when RetentionDays
// is positive.
type LedgerPrunePayload struct {
	RetentionDays int `json:"retention_days,omitempty"`
}

func NewLedgerPruneTask(payload LedgerPrunePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeLedgerPrune, data, asynq.Queue(queue.QueueMaintenance)), nil
}
