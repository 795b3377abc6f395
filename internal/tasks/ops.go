package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/hugh/tenantgate/internal/billing"
	"github.com/hugh/tenantgate/pkg/queue"
)

// TaskInspector is the subset of *asynq.Inspector used for held events.
type TaskInspector interface {
	ListArchivedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	RunTask(queue, id string) error
	DeleteTask(queue, id string) error
}

var _ TaskInspector = (*asynq.Inspector)(nil)

// HeldEvent is a billing event that exhausted its retries or was rejected
// as invalid and now waits for an operator.
type HeldEvent struct {
	ID           string            `json:"id"`
	Type         billing.EventType `json:"type"`
	ObjectRef    string            `json:"object_ref"`
	Retried      int               `json:"retried"`
	LastError    string            `json:"last_error"`
	LastFailedAt time.Time         `json:"last_failed_at"`
}

type HeldEvents struct {
	inspector TaskInspector
}

func NewHeldEvents(inspector TaskInspector) *HeldEvents {
	return &HeldEvents{inspector: inspector}
}

func (h *HeldEvents) List(page, pageSize int) ([]HeldEvent, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}

	infos, err := h.inspector.ListArchivedTasks(queue.QueueBilling, asynq.Page(page), asynq.PageSize(pageSize))
	if err != nil {
		return nil, fmt.Errorf("listing held billing events: %w", err)
	}

	held := make([]HeldEvent, 0, len(infos))
	for _, info := range infos {
		if info.Type != TypeBillingEvent {
			continue
		}
		ev := HeldEvent{
			ID:           info.ID,
			Retried:      info.Retried,
			LastError:    info.LastErr,
			LastFailedAt: info.LastFailedAt,
		}
		var payload billing.Event
		if err := json.Unmarshal(info.Payload, &payload); err == nil {
			ev.Type = payload.Type
			ev.ObjectRef = payload.ObjectRef
		}
		held = append(held, ev)
	}
	return held, nil
}

// Replay moves a held event back to pending. Events already applied in the
// meantime short-circuit on the ledger.
func (h *HeldEvents) Replay(id string) error {
	if err := h.inspector.RunTask(queue.QueueBilling, id); err != nil {
		return fmt.Errorf("replaying billing event %s: %w", id, err)
	}
	return nil
}

func (h *HeldEvents) Discard(id string) error {
	if err := h.inspector.DeleteTask(queue.QueueBilling, id); err != nil {
		return fmt.Errorf("discarding billing event %s: %w", id, err)
	}
	return nil
}
