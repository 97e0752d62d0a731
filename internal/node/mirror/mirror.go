// Package mirror provides the HTTP surface of a mirror node: the tree
// head served by the cluster, node status, and metrics.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"sigsum.org/ct-mirror/internal/node/handler"
	"sigsum.org/ct-mirror/internal/types"
	"sigsum.org/sigsum-go/pkg/log"
)

type ServingSource interface {
	// Fails with consistent.ErrNotFound if there is no serving
	// tree head yet.
	ServingSTH(context.Context) (types.SignedTreeHead, error)
	// The newest tree head that local storage has caught up with.
	LocalSTH() (types.SignedTreeHead, bool)
}

type Leadership interface {
	IsMaster() bool
}

type TreeSizer interface {
	CurrentTreeSize(context.Context) (uint64, error)
}

type VerifiedSizer interface {
	LatestVerifiedSize() uint64
}

type QueueLen interface {
	Len(context.Context) (int, error)
}

// Mirror is an instance of a mirror node
type Mirror struct {
	Config   handler.Config
	NodeID   string
	Serving  ServingSource
	Leader   Leadership
	Storage  TreeSizer
	Verified VerifiedSizer
	Queue    QueueLen
}

// Status is the response of the status endpoint.
type Status struct {
	NodeID           string `json:"node_id"`
	Master           bool   `json:"master"`
	LocalTreeSize    uint64 `json:"local_tree_size"`
	VerifiedTreeSize uint64 `json:"verified_tree_size"`
	ServingTreeSize  uint64 `json:"serving_tree_size"`
	QueueLength      int    `json:"queue_length"`
}

// PublicHTTPMux returns a mux with the mirror's endpoints under prefix,
// and prometheus metrics on /metrics.
func (m Mirror) PublicHTTPMux(prefix string) *http.ServeMux {
	mux := http.NewServeMux()
	handler.Handler{Config: m.Config, Fun: m.getSTH, Endpoint: types.EndpointGetSTH, Method: http.MethodGet}.Register(mux, prefix)
	handler.Handler{Config: m.Config, Fun: m.getStatus, Endpoint: types.EndpointStatus, Method: http.MethodGet}.Register(mux, prefix)
	log.Debug("adding prometheus handler on path: /metrics")
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// status collects the current state of the node. Fails only if local
// storage can't be read.
func (m Mirror) status(ctx context.Context) (Status, error) {
	status := Status{
		NodeID:           m.NodeID,
		Master:           m.Leader.IsMaster(),
		VerifiedTreeSize: m.Verified.LatestVerifiedSize(),
	}
	size, err := m.Storage.CurrentTreeSize(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("reading local tree size: %w", err)
	}
	status.LocalTreeSize = size
	if sth, err := m.Serving.ServingSTH(ctx); err == nil {
		status.ServingTreeSize = sth.TreeSize
	}
	if n, err := m.Queue.Len(ctx); err == nil {
		status.QueueLength = n
	}
	return status, nil
}

// RunStats logs a status summary every interval, until ctx is done.
func (m Mirror) RunStats(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s, err := m.status(ctx)
			if err != nil {
				log.Warning("collecting stats failed: %v", err)
				continue
			}
			log.Info("node %s: master %v, local size %d, verified size %d, serving size %d, queued %d",
				s.NodeID, s.Master, s.LocalTreeSize, s.VerifiedTreeSize, s.ServingTreeSize, s.QueueLength)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Serve serves h on lis, with at most maxConns concurrent connections,
// until ctx is done.
func Serve(ctx context.Context, lis net.Listener, h http.Handler, maxConns int) error {
	if maxConns > 0 {
		lis = netutil.LimitListener(lis, maxConns)
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
	}
	log.Info("stopping http server, please wait...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warning("http server shutdown: %v", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		log.Warning("http server: %v", err)
	}
	log.Info("... done")
	return ctx.Err()
}

// ListenAndServe is like Serve, listening on addr.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, maxConns int) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	log.Info("serving clients on %v", lis.Addr())
	return Serve(ctx, lis, h, maxConns)
}
