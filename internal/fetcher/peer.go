package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/trillian/monitoring"

	"sigsum.org/ct-mirror/internal/state"
	"sigsum.org/ct-mirror/internal/types"
	"sigsum.org/ct-mirror/internal/upstream"
	"sigsum.org/ct-mirror/internal/verifier"
	"sigsum.org/sigsum-go/pkg/log"
)

type Verifier interface {
	Verify(prior *types.SignedTreeHead, candidate types.SignedTreeHead, consistency [][]byte) error
	VerifySignature(types.SignedTreeHead) error
}

// PeerMetrics are shared by all peers, labeled by peer name.
type PeerMetrics struct {
	polls    monitoring.Counter
	errors   monitoring.Counter
	rejected monitoring.Counter
	accepted monitoring.Counter
	size     monitoring.Gauge
}

func NewPeerMetrics(mf monitoring.MetricFactory) *PeerMetrics {
	if mf == nil {
		mf = monitoring.InertMetricFactory{}
	}
	return &PeerMetrics{
		polls:    mf.NewCounter("peer_polls", "number of tree head polls", "peer"),
		errors:   mf.NewCounter("peer_poll_errors", "number of failed tree head polls", "peer"),
		rejected: mf.NewCounter("peer_rejected", "number of tree heads failing verification", "peer", "reason"),
		accepted: mf.NewCounter("peer_accepted", "number of new verified tree heads", "peer"),
		size:     mf.NewGauge("peer_verified_tree_size", "tree size of the latest verified tree head", "peer"),
	}
}

// Peer polls one upstream source for tree heads, and passes on those
// that verify against the previously accepted one and are newer.
type Peer struct {
	name     string
	client   upstream.Client
	verifier Verifier
	interval time.Duration
	onSTH    func(context.Context, types.SignedTreeHead)
	metrics  *PeerMetrics
	sthFile  *state.STHFile

	mu     sync.Mutex
	latest *types.SignedTreeHead
}

func NewPeer(name string, client upstream.Client, v Verifier, interval time.Duration,
	onSTH func(context.Context, types.SignedTreeHead), metrics *PeerMetrics) *Peer {
	if metrics == nil {
		metrics = NewPeerMetrics(nil)
	}
	return &Peer{
		name:     name,
		client:   client,
		verifier: v,
		interval: interval,
		onSTH:    onSTH,
		metrics:  metrics,
	}
}

func (p *Peer) Name() string {
	return p.name
}

// Restore sets the baseline from a previously saved tree head, and
// persists each new baseline to the same file.
func (p *Peer) Restore(sthFile state.STHFile) error {
	sth, ok, err := sthFile.Restore(p.verifier)
	if err != nil {
		return fmt.Errorf("peer %s: restoring tree head: %w", p.name, err)
	}
	p.sthFile = &sthFile
	if ok {
		log.Info("peer %s: restored tree head %v from %q", p.name, sth, sthFile.Name())
		p.setLatest(sth)
	}
	return nil
}

// Latest returns the latest verified tree head, or nil.
func (p *Peer) Latest() *types.SignedTreeHead {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == nil {
		return nil
	}
	sth := *p.latest
	return &sth
}

func (p *Peer) setLatest(sth types.SignedTreeHead) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest = &sth
	p.metrics.size.Set(float64(sth.TreeSize), p.name)
}

// Run polls until ctx is done. Poll failures are logged, and retried
// on the next tick.
func (p *Peer) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	if sth := p.Latest(); sth != nil {
		p.onSTH(ctx, *sth)
	}
	for {
		if err := p.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.metrics.errors.Inc(p.name)
			log.Warning("peer %s: %v", p.name, err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Peer) poll(ctx context.Context) error {
	p.metrics.polls.Inc(p.name)
	sth, err := p.client.GetSTH(ctx)
	if err != nil {
		return err
	}
	prior := p.Latest()

	var proof [][]byte
	if prior != nil && prior.TreeSize > 0 && sth.TreeSize > prior.TreeSize {
		proof, err = p.client.GetConsistencyProof(ctx, prior.TreeSize, sth.TreeSize)
		if err != nil {
			return err
		}
	}
	if err := p.verifier.Verify(prior, sth, proof); err != nil {
		reason := "unknown"
		var verr *verifier.Error
		if errors.As(err, &verr) {
			reason = verr.Reason.Error()
		}
		p.metrics.rejected.Inc(p.name, reason)
		if prior != nil {
			log.Error("peer %s: rejected tree head %v, prior %v: %v", p.name, sth, *prior, err)
		} else {
			log.Error("peer %s: rejected tree head %v: %v", p.name, sth, err)
		}
		return nil
	}
	if !sth.NewerThan(prior) {
		log.Debug("peer %s: no new tree head, size %d", p.name, sth.TreeSize)
		return nil
	}
	if p.sthFile != nil {
		if err := p.sthFile.Store(sth); err != nil {
			log.Error("peer %s: saving tree head to %q: %v", p.name, p.sthFile.Name(), err)
		}
	}
	log.Debug("peer %s: new verified tree head %v", p.name, sth)
	p.setLatest(sth)
	p.metrics.accepted.Inc(p.name)
	p.onSTH(ctx, sth)
	return nil
}
