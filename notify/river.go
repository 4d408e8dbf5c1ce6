package notify

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

// DeliveryArgs is the river job carrying one event.
type DeliveryArgs struct {
	Event Event `json:"event"`
}

func (DeliveryArgs) Kind() string { return "notify_delivery" }

// Inserter is the subset of *river.Client the dispatcher needs.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// RiverDispatcher enqueues each event as a river job. Jobs run once: the core
// does not retry notification delivery.
type RiverDispatcher struct {
	client Inserter
}

func NewRiverDispatcher(client Inserter) *RiverDispatcher {
	return &RiverDispatcher{client: client}
}

func (d *RiverDispatcher) Dispatch(ctx context.Context, ev Event) error {
	if _, err := d.client.Insert(ctx, DeliveryArgs{Event: ev}, &river.InsertOpts{MaxAttempts: 1}); err != nil {
		return fmt.Errorf("enqueue %s notification: %w", ev.Kind, err)
	}
	return nil
}

// DeliveryWorker hands dequeued events to a sink (push gateway, mailer, or
// a LogDispatcher in development).
type DeliveryWorker struct {
	river.WorkerDefaults[DeliveryArgs]
	sink Dispatcher
}

func NewDeliveryWorker(sink Dispatcher) *DeliveryWorker {
	return &DeliveryWorker{sink: sink}
}

func (w *DeliveryWorker) Work(ctx context.Context, job *river.Job[DeliveryArgs]) error {
	if err := w.sink.Dispatch(ctx, job.Args.Event); err != nil {
		return fmt.Errorf("deliver %s to %s: %w", job.Args.Event.Kind, job.Args.Event.UserID, err)
	}
	return nil
}
