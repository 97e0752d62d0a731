// Package task runs the long-lived loops of the process as children of
// a single root. Cancelling the root cancels all children, and Wait
// returns once every child has returned.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"sigsum.org/sigsum-go/pkg/log"
)

type Status int

const (
	OK Status = iota
	Cancelled
	Failed
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

type Task struct {
	parent    context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	requested atomic.Bool
}

// New creates a root task. Cancelling parent is the same as calling
// Cancel.
func New(parent context.Context) *Task {
	ctx, cancel := context.WithCancel(parent)
	group, gctx := errgroup.WithContext(ctx)
	return &Task{
		parent: parent,
		ctx:    gctx,
		cancel: cancel,
		group:  group,
	}
}

// Context is cancelled when the task is cancelled or a child fails.
func (t *Task) Context() context.Context {
	return t.ctx
}

// AddChild runs fn in a new goroutine. A non-nil error from fn,
// other than the cancellation error after Cancel, fails the task and
// cancels all other children.
func (t *Task) AddChild(name string, fn func(context.Context) error) {
	t.group.Go(func() error {
		log.Debug("task %s started", name)
		err := fn(t.ctx)
		switch {
		case err == nil:
			log.Debug("task %s done", name)
			return nil
		case errors.Is(err, context.Canceled) && t.CancelRequested():
			log.Debug("task %s cancelled", name)
			return nil
		default:
			log.Error("task %s failed: %v", name, err)
			return fmt.Errorf("%s: %w", name, err)
		}
	})
}

// Cancel requests all children to stop. It does not wait for them.
func (t *Task) Cancel() {
	t.requested.Store(true)
	t.cancel()
}

func (t *Task) CancelRequested() bool {
	return t.requested.Load() || t.parent.Err() != nil
}

// Wait blocks until all children are done. The error is the first
// failure of any child.
func (t *Task) Wait() (Status, error) {
	err := t.group.Wait()
	defer t.cancel()
	if err != nil {
		return Failed, err
	}
	if t.CancelRequested() {
		return Cancelled, nil
	}
	return OK, nil
}
