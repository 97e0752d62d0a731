// Package state holds verified tree heads until they can be published,
// and persists the latest verified upstream tree head.
package state

import (
	"context"
	"fmt"
	"time"

	"github.com/google/trillian/monitoring"

	"sigsum.org/ct-mirror/internal/types"
	"sigsum.org/sigsum-go/pkg/log"
)

// Subset of the db.Client interface.
type TreeSizer interface {
	CurrentTreeSize(context.Context) (uint64, error)
}

// Publisher is the receiver of tree heads that local storage can
// serve, i.e., the cluster coordinator.
type Publisher interface {
	NewTreeHead(context.Context, types.SignedTreeHead) error
}

// Drainer gates publication of verified tree heads on local storage:
// a tree head is passed on only once CurrentTreeSize has reached its
// tree size. The queue is owned by the Run goroutine, other goroutines
// talk to it over channels.
type Drainer struct {
	storage     TreeSizer
	coordinator Publisher
	interval    time.Duration

	offers  chan types.SignedTreeHead
	lenReqs chan chan int
	queue   *queue

	localSize  monitoring.Gauge
	released   monitoring.Counter
	rejected   monitoring.Counter
	publishErr monitoring.Counter
}

func NewDrainer(storage TreeSizer, coordinator Publisher, interval time.Duration, mf monitoring.MetricFactory) *Drainer {
	if mf == nil {
		mf = monitoring.InertMetricFactory{}
	}
	return &Drainer{
		storage:     storage,
		coordinator: coordinator,
		interval:    interval,
		offers:      make(chan types.SignedTreeHead),
		lenReqs:     make(chan chan int),
		queue:       newQueue(),
		localSize:   mf.NewGauge("latest_local_tree_size", "number of entries in local storage"),
		released:    mf.NewCounter("drainer_released", "number of tree heads passed on for publication"),
		rejected:    mf.NewCounter("drainer_rejected", "number of stale tree heads rejected"),
		publishErr:  mf.NewCounter("drainer_publish_errors", "number of failed publications"),
	}
}

// Offer hands a verified tree head to the drainer. Blocks until the
// drainer goroutine has accepted it, or ctx is done.
func (d *Drainer) Offer(ctx context.Context, sth types.SignedTreeHead) error {
	select {
	case d.offers <- sth:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued tree heads.
func (d *Drainer) Len(ctx context.Context) (int, error) {
	rsp := make(chan int, 1)
	select {
	case d.lenReqs <- rsp:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case n := <-rsp:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Run drains the queue once, and then on every tick, until ctx is
// done. Fails only if local storage fails.
func (d *Drainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	if err := d.drain(ctx); err != nil {
		return err
	}
	for {
		select {
		case sth := <-d.offers:
			if !d.queue.offer(sth) {
				d.rejected.Inc()
			}
		case rsp := <-d.lenReqs:
			rsp <- d.queue.len()
		case <-ticker.C:
			if err := d.drain(ctx); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Drainer) drain(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	size, err := d.storage.CurrentTreeSize(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("reading local tree size: %w", err)
	}
	d.localSize.Set(float64(size))
	d.queue.release(size, func(sth types.SignedTreeHead) {
		log.Debug("local tree size %d, publishing %v", size, sth)
		d.released.Inc()
		if err := d.coordinator.NewTreeHead(ctx, sth); err != nil {
			d.publishErr.Inc()
			log.Warning("publishing tree head %v failed: %v", sth, err)
		}
	})
	return nil
}
