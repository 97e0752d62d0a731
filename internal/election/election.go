// Package election implements leader election on top of a consistent
// store. Each candidate creates a key bound to a lease under a common
// prefix; the candidate whose key has the lowest create revision is
// master.
package election

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sigsum.org/ct-mirror/internal/consistent"
	"sigsum.org/sigsum-go/pkg/log"
)

var errLost = errors.New("candidacy lost")

type Election struct {
	store  consistent.Store
	prefix string
	key    string
	nodeID string
	ttl    time.Duration
	// Clock, replaceable by tests.
	now func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	lease   *consistent.Lease
	master  bool
	// Mastership is void after this time, unless the lease is
	// renewed.
	deadline time.Time
	// Closed, and replaced, whenever mastership or candidacy changes.
	changed chan struct{}
}

func New(store consistent.Store, root, nodeID string, ttl time.Duration) *Election {
	prefix := root + "/election/"
	return &Election{
		store:   store,
		prefix:  prefix,
		key:     prefix + nodeID,
		nodeID:  nodeID,
		ttl:     ttl,
		now:     time.Now,
		changed: make(chan struct{}),
	}
}

// StartElection starts campaigning in the background. Calling it again
// while the election is running has no effect.
func (e *Election) StartElection() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.running = true
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.campaign(ctx, e.done)
}

// StopElection gives up mastership, and withdraws the candidacy.
func (e *Election) StopElection(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.setMasterLocked(false)
	e.cancel()
	done := e.done
	e.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.mu.Lock()
	lease := e.lease
	e.lease = nil
	e.notifyLocked()
	e.mu.Unlock()
	if lease == nil {
		return nil
	}
	if err := e.store.Revoke(ctx, lease.ID); err != nil {
		return fmt.Errorf("withdrawing candidacy: %w", err)
	}
	return nil
}

// IsMaster reports whether this node is master. It never blocks on the
// store, and turns false once the lease may have expired.
func (e *Election) IsMaster() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isMasterLocked()
}

func (e *Election) isMasterLocked() bool {
	return e.master && e.now().Before(e.deadline)
}

// WaitToBecomeMaster blocks until this node is master, or ctx is done.
func (e *Election) WaitToBecomeMaster(ctx context.Context) error {
	ticker := time.NewTicker(e.interval())
	defer ticker.Stop()
	for {
		e.mu.Lock()
		if e.isMasterLocked() {
			e.mu.Unlock()
			return nil
		}
		changed := e.changed
		e.mu.Unlock()

		select {
		case <-changed:
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Changed returns a channel that is closed on the next change of
// mastership, or of the candidacy lease.
func (e *Election) Changed() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.changed
}

// Guard identifies the current candidacy, for writes that must only
// take effect while it is held.
func (e *Election) Guard() (consistent.Guard, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lease == nil {
		return consistent.Guard{}, false
	}
	return consistent.Guard{Key: e.lease.Key, CreateRevision: e.lease.CreateRevision, Lease: e.lease.ID}, true
}

func (e *Election) interval() time.Duration {
	d := e.ttl / 3
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

func (e *Election) setMasterLocked(master bool) {
	if e.master == master {
		return
	}
	e.master = master
	if master {
		log.Info("node %s became master", e.nodeID)
	} else {
		log.Info("node %s is no longer master", e.nodeID)
	}
	e.notifyLocked()
}

func (e *Election) notifyLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

func (e *Election) setLease(lease *consistent.Lease, deadline time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lease = lease
	e.deadline = deadline
	e.notifyLocked()
}

func (e *Election) setMaster(master bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if master && (!e.running || !e.now().Before(e.deadline)) {
		return
	}
	e.setMasterLocked(master)
}

func (e *Election) campaign(ctx context.Context, done chan struct{}) {
	defer close(done)
	for ctx.Err() == nil {
		start := e.now()
		lease, err := e.store.CreateWithLease(ctx, e.key, []byte(e.nodeID), e.ttl)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, consistent.ErrConflict) {
				log.Warning("candidacy key %q exists, waiting for it to expire", e.key)
			} else {
				log.Warning("creating candidacy %q failed: %v", e.key, err)
			}
			select {
			case <-time.After(e.interval()):
			case <-ctx.Done():
				return
			}
			continue
		}
		e.setLease(&lease, start.Add(e.ttl))
		log.Debug("node %s is candidate, create revision %d", e.nodeID, lease.CreateRevision)

		err = e.hold(ctx, lease)
		e.setMaster(false)
		if ctx.Err() != nil {
			return
		}
		log.Warning("node %s: %v, campaigning again", e.nodeID, err)
		// Best effort; the lease may be gone already.
		if err := e.store.Revoke(ctx, lease.ID); err != nil {
			log.Debug("revoking lost lease failed: %v", err)
		}
		e.setLease(nil, time.Time{})
	}
}

// hold keeps the lease alive and tracks mastership, until the lease is
// lost or ctx is done.
func (e *Election) hold(ctx context.Context, lease consistent.Lease) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := e.store.Watch(wctx, e.prefix)

	ticker := time.NewTicker(e.interval())
	defer ticker.Stop()

	if err := e.evaluate(ctx, lease); err != nil {
		return err
	}
	for {
		select {
		case <-ticker.C:
			if events == nil {
				events = e.store.Watch(wctx, e.prefix)
			}
			start := e.now()
			err := e.store.KeepAlive(ctx, lease.ID)
			if errors.Is(err, consistent.ErrLeaseExpired) {
				return errLost
			}
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Warning("renewing lease failed: %v", err)
				e.mu.Lock()
				if !e.now().Before(e.deadline) {
					// Mastership may be held elsewhere by now.
					e.setMasterLocked(false)
				}
				e.mu.Unlock()
				continue
			}
			e.mu.Lock()
			e.deadline = start.Add(e.ttl)
			e.mu.Unlock()
			if err := e.evaluate(ctx, lease); err != nil {
				return err
			}
		case _, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// Watch again on the next tick.
				events = nil
			}
			if err := e.evaluate(ctx, lease); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// evaluate checks whether this candidacy is the oldest one.
func (e *Election) evaluate(ctx context.Context, lease consistent.Lease) error {
	kvs, err := e.store.GetAll(ctx, e.prefix)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warning("reading candidates failed: %v", err)
		return nil
	}
	var oldest *consistent.KeyValue
	found := false
	for i := range kvs {
		if kvs[i].Key == lease.Key && kvs[i].CreateRevision == lease.CreateRevision {
			found = true
		}
		if oldest == nil || kvs[i].CreateRevision < oldest.CreateRevision {
			oldest = &kvs[i]
		}
	}
	if !found {
		return errLost
	}
	e.setMaster(oldest.Key == lease.Key)
	return nil
}
