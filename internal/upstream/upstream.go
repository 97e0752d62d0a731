// Package upstream fetches tree heads, entries and proofs from the log
// being mirrored.
package upstream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/certificate-transparency-go/client"
	"github.com/google/certificate-transparency-go/jsonclient"
	"golang.org/x/time/rate"

	"sigsum.org/ct-mirror/internal/types"
)

const userAgent = "ct-mirror"

//go:generate go run github.com/golang/mock/mockgen -destination ../mocks/upstream/upstream.go -package upstream . Client

type Client interface {
	GetSTH(ctx context.Context) (types.SignedTreeHead, error)
	// GetEntries returns entries in the range [start, end). The log
	// may return fewer entries than asked for, but at least one.
	GetEntries(ctx context.Context, start, end uint64) ([]types.Entry, error)
	// GetConsistencyProof returns the RFC 6962 consistency proof
	// between two tree sizes. Empty when oldSize is zero or equal to
	// newSize.
	GetConsistencyProof(ctx context.Context, oldSize, newSize uint64) ([][]byte, error)
}

// LogClient talks to an RFC 6962 log over HTTP.
type LogClient struct {
	uri     string
	client  *client.LogClient
	timeout time.Duration
	limiter *rate.Limiter
}

// New creates a client for the log at uri. Each request is bounded by
// timeout, and requests are limited to qps per second; qps <= 0 means
// no limit.
func New(uri string, timeout time.Duration, qps float64) (*LogClient, error) {
	c, err := client.New(uri, &http.Client{}, jsonclient.Options{UserAgent: userAgent})
	if err != nil {
		return nil, fmt.Errorf("creating client for %q: %w", uri, err)
	}
	limit := rate.Inf
	if qps > 0 {
		limit = rate.Limit(qps)
	}
	return &LogClient{
		uri:     uri,
		client:  c,
		timeout: timeout,
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

func (c *LogClient) String() string {
	return c.uri
}

func (c *LogClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}
	if c.timeout <= 0 {
		ctx, cancel := context.WithCancel(ctx)
		return ctx, cancel, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	return ctx, cancel, nil
}

func (c *LogClient) GetSTH(ctx context.Context) (types.SignedTreeHead, error) {
	ctx, cancel, err := c.withTimeout(ctx)
	if err != nil {
		return types.SignedTreeHead{}, err
	}
	defer cancel()
	sth, err := c.client.GetSTH(ctx)
	if err != nil {
		return types.SignedTreeHead{}, fmt.Errorf("get-sth from %q failed: %w", c.uri, err)
	}
	return types.FromCT(sth)
}

func (c *LogClient) GetEntries(ctx context.Context, start, end uint64) ([]types.Entry, error) {
	if end <= start {
		return nil, fmt.Errorf("invalid entry range [%d, %d)", start, end)
	}
	ctx, cancel, err := c.withTimeout(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	// The end index of get-entries is inclusive.
	rsp, err := c.client.GetRawEntries(ctx, int64(start), int64(end-1))
	if err != nil {
		return nil, fmt.Errorf("get-entries [%d, %d) from %q failed: %w", start, end, c.uri, err)
	}
	if len(rsp.Entries) == 0 {
		return nil, fmt.Errorf("get-entries [%d, %d) from %q returned no entries", start, end, c.uri)
	}
	if uint64(len(rsp.Entries)) > end-start {
		return nil, fmt.Errorf("get-entries [%d, %d) from %q returned %d entries",
			start, end, c.uri, len(rsp.Entries))
	}
	entries := make([]types.Entry, len(rsp.Entries))
	for i, e := range rsp.Entries {
		entries[i] = types.Entry{LeafInput: e.LeafInput, ExtraData: e.ExtraData}
	}
	return entries, nil
}

func (c *LogClient) GetConsistencyProof(ctx context.Context, oldSize, newSize uint64) ([][]byte, error) {
	if oldSize > newSize {
		return nil, fmt.Errorf("invalid consistency proof request %d > %d", oldSize, newSize)
	}
	if oldSize == 0 || oldSize == newSize {
		return nil, nil
	}
	ctx, cancel, err := c.withTimeout(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	proof, err := c.client.GetSTHConsistency(ctx, oldSize, newSize)
	if err != nil {
		return nil, fmt.Errorf("get-sth-consistency %d..%d from %q failed: %w", oldSize, newSize, c.uri, err)
	}
	return proof, nil
}
