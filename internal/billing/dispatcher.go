package billing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// eventHandler processes one parsed webhook event.
type eventHandler interface {
	Handle(ctx context.Context, event *Event) error
}

// Dispatcher decouples the webhook HTTP ack from reconciliation. Submit
// returns immediately; processing runs on its own goroutine against a
// background context, so a client disconnect cannot cancel a half-applied
// reconciliation. Errors and panics go to the log; the provider has
// already been acked and retries on its own schedule.
type Dispatcher struct {
	handler eventHandler
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. timeout bounds each event's
// processing; zero means no bound.
func NewDispatcher(handler eventHandler, logger *slog.Logger, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		handler: handler,
		logger:  logger,
		timeout: timeout,
	}
}

// Submit schedules an event for processing and returns immediately.
func (d *Dispatcher) Submit(event *Event) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.process(event)
	}()
}

func (d *Dispatcher) process(event *Event) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("panic while processing webhook event",
				"event_id", event.ID,
				"event_type", event.Type,
				"panic", fmt.Sprintf("%v", rec))
		}
	}()

	ctx := context.Background()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	if err := d.handler.Handle(ctx, event); err != nil {
		d.logger.Error("webhook event processing failed",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err)
	}
}

// Drain waits for in-flight events to finish, giving up when ctx expires.
// Called during graceful shutdown after the HTTP listener has stopped.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher drain interrupted: %w", ctx.Err())
	}
}
