package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/hugh/tenantgate/internal/billing"
	"github.com/hugh/tenantgate/pkg/queue"
)

// Publisher hands verified billing events to the worker queue.
type Publisher struct {
	client   queue.Enqueuer
	maxRetry int
	timeout  time.Duration
}

func NewPublisher(client queue.Enqueuer, maxRetry int, timeout time.Duration) *Publisher {
	if maxRetry <= 0 {
		maxRetry = 10
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Publisher{client: client, maxRetry: maxRetry, timeout: timeout}
}

// Publish enqueues ev. An event already sitting in the queue under the same
// id counts as accepted; the ledger catches anything that slips past.
func (p *Publisher) Publish(ctx context.Context, ev billing.Event) error {
	task, err := NewBillingEventTask(ev, p.maxRetry, p.timeout)
	if err != nil {
		return fmt.Errorf("building billing task: %w", err)
	}
	if _, err := p.client.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("enqueueing billing event %s: %w", ev.ID, err)
	}
	return nil
}
