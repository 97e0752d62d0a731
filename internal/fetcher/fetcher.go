// Package fetcher keeps local storage in step with the upstream log:
// peers poll and verify tree heads, and the fetcher backfills entries
// up to the largest verified tree size.
package fetcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/trillian/client/backoff"
	"github.com/google/trillian/monitoring"
	"golang.org/x/sync/errgroup"

	"sigsum.org/ct-mirror/internal/db"
	"sigsum.org/ct-mirror/internal/state"
	"sigsum.org/ct-mirror/internal/types"
	"sigsum.org/ct-mirror/internal/upstream"
	"sigsum.org/sigsum-go/pkg/log"
)

type Config struct {
	// How often peers poll for new tree heads, and how often
	// backfill is retried without new tree heads.
	PollInterval time.Duration
	// Number of entries asked for per get-entries request.
	BatchSize uint64
	// Maximum number of concurrent get-entries requests.
	Workers int
	// Bounds for the delay between retries of a failed batch.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.BatchSize == 0 {
		c.BatchSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = time.Second
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = 2 * time.Minute
	}
}

type Fetcher struct {
	storage db.Client
	onSTH   func(context.Context, types.SignedTreeHead) error
	config  Config

	peerMetrics  *PeerMetrics
	fetched      monitoring.Counter
	fetchErrors  monitoring.Counter
	targetSize   monitoring.Gauge
	appendedSize monitoring.Gauge

	mu    sync.Mutex
	peers map[string]*Peer

	// Signalled when a peer has a new tree head.
	wake chan struct{}
	// Size up to which entries were appended to storage. Only
	// accessed by the backfill goroutine.
	appended uint64
}

// New creates a fetcher appending to storage. Each verified tree head
// is passed on to onSTH.
func New(storage db.Client, onSTH func(context.Context, types.SignedTreeHead) error,
	config Config, mf monitoring.MetricFactory) *Fetcher {
	if mf == nil {
		mf = monitoring.InertMetricFactory{}
	}
	config.setDefaults()
	return &Fetcher{
		storage:      storage,
		onSTH:        onSTH,
		config:       config,
		peerMetrics:  NewPeerMetrics(mf),
		fetched:      mf.NewCounter("fetched_entries", "number of entries fetched from upstream"),
		fetchErrors:  mf.NewCounter("fetch_errors", "number of failed get-entries requests"),
		targetSize:   mf.NewGauge("backfill_target_tree_size", "largest verified upstream tree size"),
		appendedSize: mf.NewGauge("backfill_appended_tree_size", "tree size appended to local storage"),
		peers:        make(map[string]*Peer),
		wake:         make(chan struct{}, 1),
	}
}

// AddPeer registers an upstream source. If sthFile is non-nil, the
// peer's baseline is restored from and saved to that file.
func (f *Fetcher) AddPeer(name string, client upstream.Client, v Verifier, sthFile *state.STHFile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.peers[name]; ok {
		return fmt.Errorf("duplicate peer name %q", name)
	}
	p := NewPeer(name, client, v, f.config.PollInterval, f.peerSTH, f.peerMetrics)
	if sthFile != nil {
		if err := p.Restore(*sthFile); err != nil {
			return err
		}
	}
	f.peers[name] = p
	return nil
}

func (f *Fetcher) peerList() []*Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	peers := make([]*Peer, 0, len(f.peers))
	for _, p := range f.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].name < peers[j].name })
	return peers
}

// LatestVerifiedSize returns the largest tree size verified by any peer.
func (f *Fetcher) LatestVerifiedSize() uint64 {
	var size uint64
	for _, p := range f.peerList() {
		if sth := p.Latest(); sth != nil && sth.TreeSize > size {
			size = sth.TreeSize
		}
	}
	return size
}

func (f *Fetcher) peerSTH(ctx context.Context, sth types.SignedTreeHead) {
	select {
	case f.wake <- struct{}{}:
	default:
	}
	if err := f.onSTH(ctx, sth); err != nil && ctx.Err() == nil {
		log.Warning("passing on tree head %v failed: %v", sth, err)
	}
}

// Run polls all peers and backfills entries until ctx is done, or local
// storage fails.
func (f *Fetcher) Run(ctx context.Context) error {
	peers := f.peerList()
	if len(peers) == 0 {
		return fmt.Errorf("no peers configured")
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range peers {
		p := p
		g.Go(func() error { return p.Run(ctx) })
	}
	g.Go(func() error { return f.runBackfill(ctx) })
	return g.Wait()
}

func (f *Fetcher) runBackfill(ctx context.Context) error {
	ticker := time.NewTicker(f.config.PollInterval)
	defer ticker.Stop()

	for {
		if err := f.backfill(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		select {
		case <-f.wake:
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type batch struct {
	start, end uint64
	entries    []types.Entry
}

// backfill appends entries up to the largest verified tree size. Only
// storage errors and cancellation are returned; upstream errors are
// retried.
func (f *Fetcher) backfill(ctx context.Context) error {
	target := f.LatestVerifiedSize()
	f.targetSize.Set(float64(target))
	local, err := f.storage.CurrentTreeSize(ctx)
	if err != nil {
		return fmt.Errorf("reading local tree size: %w", err)
	}
	next := local
	if f.appended > next {
		next = f.appended
	}
	if next < target {
		log.Debug("backfilling [%d, %d), local size %d", next, target, local)
	}
	for next < target {
		end := next + f.config.BatchSize*uint64(f.config.Workers)
		if end > target {
			end = target
		}
		var batches []*batch
		for start := next; start < end; start += f.config.BatchSize {
			b := batch{start: start, end: start + f.config.BatchSize}
			if b.end > end {
				b.end = end
			}
			batches = append(batches, &b)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(f.config.Workers)
		for _, b := range batches {
			b := b
			g.Go(func() error {
				entries, err := f.fetchBatch(gctx, b.start, b.end)
				b.entries = entries
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		for _, b := range batches {
			if err := f.storage.AppendEntries(ctx, b.start, b.entries); err != nil {
				return fmt.Errorf("appending entries [%d, %d): %w", b.start, b.end, err)
			}
			f.appended = b.end
			f.appendedSize.Set(float64(b.end))
		}
		next = end
	}
	return nil
}

// fetchBatch gets entries [start, end) from a peer that has verified a
// tree of at least size end. Failed requests are retried with
// exponential backoff until ctx is done.
func (f *Fetcher) fetchBatch(ctx context.Context, start, end uint64) ([]types.Entry, error) {
	bo := backoff.Backoff{
		Min:    f.config.MinBackoff,
		Max:    f.config.MaxBackoff,
		Factor: 2,
		Jitter: true,
	}
	entries := make([]types.Entry, 0, end-start)
	for attempt := 0; uint64(len(entries)) < end-start; attempt++ {
		pos := start + uint64(len(entries))
		p := f.pickPeer(end, attempt)
		if p == nil {
			return nil, fmt.Errorf("no peer has verified tree size %d", end)
		}
		got, err := p.client.GetEntries(ctx, pos, end)
		if err == nil && (len(got) == 0 || uint64(len(got)) > end-pos) {
			err = fmt.Errorf("got %d entries, asked for %d", len(got), end-pos)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			f.fetchErrors.Inc()
			wait := bo.Duration()
			log.Warning("fetching entries [%d, %d) from peer %s failed, retrying in %v: %v",
				pos, end, p.name, wait, err)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		bo.Reset()
		f.fetched.Add(float64(len(got)))
		entries = append(entries, got...)
	}
	return entries, nil
}

// pickPeer rotates over the peers that can serve size entries.
func (f *Fetcher) pickPeer(size uint64, attempt int) *Peer {
	var candidates []*Peer
	for _, p := range f.peerList() {
		if sth := p.Latest(); sth != nil && sth.TreeSize >= size {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[attempt%len(candidates)]
}
