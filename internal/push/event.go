// Package push implements the notification side of the worker: the
// subscription flow, push delivery, and notification click routing.
package push

import (
	"context"

	"golang.org/x/sync/errgroup"

	"buzzworker/internal/errors"
)

// Event is the lifetime of one dispatched worker event. Work registered with
// WaitUntil keeps the event open; Wait returns once all of it has settled.
type Event struct {
	ctx context.Context
	g   errgroup.Group
}

func NewEvent(ctx context.Context) *Event {
	return &Event{ctx: ctx}
}

func (e *Event) Context() context.Context { return e.ctx }

// WaitUntil extends the event until fn returns. A panic in fn settles the
// event with an error instead of crashing the worker.
func (e *Event) WaitUntil(fn func(ctx context.Context) error) {
	e.g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Newf("event handler panic: %v", r)
			}
		}()
		return fn(e.ctx)
	})
}

// Wait blocks until every WaitUntil function returned and reports the first
// error.
func (e *Event) Wait() error {
	return e.g.Wait()
}
