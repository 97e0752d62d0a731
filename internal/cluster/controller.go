// Package cluster maintains the cluster-wide state in the consistent
// store: the state of each node, the quorum policy, and the tree head
// that the cluster as a whole serves. Each node writes its own state,
// bound to its candidacy lease; only the master writes the config and
// the serving tree head.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/trillian/monitoring"

	"sigsum.org/ct-mirror/internal/consistent"
	"sigsum.org/ct-mirror/internal/types"
	"sigsum.org/sigsum-go/pkg/log"
)

// Leadership is the subset of election.Election used to gate writes.
type Leadership interface {
	IsMaster() bool
	// Identifies the candidacy lease, so that writes fail once it
	// is lost.
	Guard() (consistent.Guard, bool)
	// Closed on the next change of mastership or candidacy.
	Changed() <-chan struct{}
}

type Controller struct {
	store      consistent.Store
	leadership Leadership
	nodeID     string

	nodesPrefix string
	configKey   string
	servingKey  string

	published monitoring.Counter
	skipped   monitoring.Counter
	conflicts monitoring.Counter
	servingSz monitoring.Gauge

	mu    sync.Mutex
	local *types.SignedTreeHead
}

func NewController(store consistent.Store, leadership Leadership, root, nodeID string, mf monitoring.MetricFactory) *Controller {
	if mf == nil {
		mf = monitoring.InertMetricFactory{}
	}
	return &Controller{
		store:       store,
		leadership:  leadership,
		nodeID:      nodeID,
		nodesPrefix: root + "/nodes/",
		configKey:   root + "/cluster_config",
		servingKey:  root + "/serving_sth",
		published:   mf.NewCounter("cluster_serving_sth_updates", "number of updates of the cluster serving tree head"),
		skipped:     mf.NewCounter("cluster_no_candidacy", "number of node states not written for lack of a candidacy lease"),
		conflicts:   mf.NewCounter("cluster_write_conflicts", "number of cluster writes rejected by the store"),
		servingSz:   mf.NewGauge("cluster_serving_tree_size", "tree size of the cluster serving tree head"),
	}
}

// NewTreeHead records sth as servable by this node, publishes it as the
// node's state and, if this node is master, updates the serving tree
// head accordingly.
func (c *Controller) NewTreeHead(ctx context.Context, sth types.SignedTreeHead) error {
	c.mu.Lock()
	if sth.NewerThan(c.local) {
		c.local = &sth
	}
	local := *c.local
	c.mu.Unlock()

	return c.publish(ctx, local)
}

// LocalSTH returns the newest tree head this node can serve.
func (c *Controller) LocalSTH() (types.SignedTreeHead, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local == nil {
		return types.SignedTreeHead{}, false
	}
	return *c.local, true
}

func (c *Controller) guard() (consistent.Guard, bool) {
	if !c.leadership.IsMaster() {
		return consistent.Guard{}, false
	}
	return c.leadership.Guard()
}

// conflict reports whether err means that a guarded write was
// rejected, in which case leadership is assumed lost.
func (c *Controller) conflict(key string, err error) bool {
	if !errors.Is(err, consistent.ErrConflict) {
		return false
	}
	c.conflicts.Inc()
	log.Warning("write of %q rejected, leadership lost or concurrent update", key)
	return true
}

func (c *Controller) publish(ctx context.Context, local types.SignedTreeHead) error {
	if err := c.writeNodeState(ctx, local); err != nil {
		return err
	}
	return c.updateServingSTH(ctx)
}

// writeNodeState stores local as this node's state. The key is bound to
// the candidacy lease, so the state of a node that is gone expires.
func (c *Controller) writeNodeState(ctx context.Context, local types.SignedTreeHead) error {
	guard, ok := c.leadership.Guard()
	if !ok {
		c.skipped.Inc()
		log.Debug("no candidacy, not publishing node state %v", local)
		return nil
	}
	nodeKey := c.nodesPrefix + c.nodeID
	state, err := json.Marshal(types.ClusterNodeState{NodeID: c.nodeID, NewestSTH: &local})
	if err != nil {
		return fmt.Errorf("encoding node state: %w", err)
	}
	if _, err := c.store.PutWithLease(ctx, nodeKey, state, guard.Lease, consistent.IfHeld(guard)); err != nil {
		if errors.Is(err, consistent.ErrLeaseExpired) {
			log.Warning("candidacy lease gone, not writing %q", nodeKey)
			return nil
		}
		if c.conflict(nodeKey, err) {
			return nil
		}
		return fmt.Errorf("writing node state: %w", err)
	}
	return nil
}

// updateServingSTH recomputes the serving tree head from the node
// states. A no-op unless this node is master.
func (c *Controller) updateServingSTH(ctx context.Context) error {
	guard, ok := c.guard()
	if !ok {
		return nil
	}
	config, err := c.ClusterConfig(ctx)
	if errors.Is(err, consistent.ErrNotFound) {
		log.Warning("no cluster config, not updating serving tree head")
		return nil
	}
	if err != nil {
		return err
	}
	nodes, err := c.nodeStates(ctx)
	if err != nil {
		return err
	}
	current, rev, err := c.servingSTH(ctx)
	if err != nil {
		return err
	}
	next := calculateServingSTH(config, nodes, current)
	if next == nil || (current != nil && !next.NewerThan(current)) {
		return nil
	}
	value, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encoding serving tree head: %w", err)
	}
	if _, err := c.store.Put(ctx, c.servingKey, value,
		consistent.IfVersion(c.servingKey, rev), consistent.IfHeld(guard)); err != nil {
		if c.conflict(c.servingKey, err) {
			return nil
		}
		return fmt.Errorf("writing serving tree head: %w", err)
	}
	c.published.Inc()
	c.servingSz.Set(float64(next.TreeSize))
	log.Info("cluster serving tree head is now %v", *next)
	return nil
}

func (c *Controller) nodeStates(ctx context.Context) ([]types.ClusterNodeState, error) {
	kvs, err := c.store.GetAll(ctx, c.nodesPrefix)
	if err != nil {
		return nil, fmt.Errorf("reading node states: %w", err)
	}
	nodes := make([]types.ClusterNodeState, 0, len(kvs))
	for _, kv := range kvs {
		var node types.ClusterNodeState
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			log.Warning("ignoring invalid node state %q: %v", kv.Key, err)
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (c *Controller) servingSTH(ctx context.Context) (*types.SignedTreeHead, int64, error) {
	kv, err := c.store.Get(ctx, c.servingKey)
	if errors.Is(err, consistent.ErrNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("reading serving tree head: %w", err)
	}
	var sth types.SignedTreeHead
	if err := json.Unmarshal(kv.Value, &sth); err != nil {
		return nil, 0, fmt.Errorf("decoding serving tree head: %w", err)
	}
	return &sth, kv.ModRevision, nil
}

// ServingSTH returns the tree head served by the cluster. Fails with
// consistent.ErrNotFound if there is none yet.
func (c *Controller) ServingSTH(ctx context.Context) (types.SignedTreeHead, error) {
	sth, _, err := c.servingSTH(ctx)
	if err != nil {
		return types.SignedTreeHead{}, err
	}
	if sth == nil {
		return types.SignedTreeHead{}, consistent.ErrNotFound
	}
	return *sth, nil
}

// ClusterConfig fails with consistent.ErrNotFound if no config has been
// set.
func (c *Controller) ClusterConfig(ctx context.Context) (types.ClusterConfig, error) {
	kv, err := c.store.Get(ctx, c.configKey)
	if errors.Is(err, consistent.ErrNotFound) {
		return types.ClusterConfig{}, err
	}
	if err != nil {
		return types.ClusterConfig{}, fmt.Errorf("reading cluster config: %w", err)
	}
	var config types.ClusterConfig
	if err := json.Unmarshal(kv.Value, &config); err != nil {
		return types.ClusterConfig{}, fmt.Errorf("decoding cluster config: %w", err)
	}
	return config, nil
}

// SetClusterConfig is a privileged write, which fails if this node is
// not master.
func (c *Controller) SetClusterConfig(ctx context.Context, config types.ClusterConfig) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid cluster config: %w", err)
	}
	guard, ok := c.guard()
	if !ok {
		return fmt.Errorf("not master, can't set cluster config")
	}
	value, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("encoding cluster config: %w", err)
	}
	if _, err := c.store.Put(ctx, c.configKey, value, consistent.IfHeld(guard)); err != nil {
		c.conflict(c.configKey, err)
		return fmt.Errorf("writing cluster config: %w", err)
	}
	log.Info("cluster config set to %+v", config)
	return nil
}

// Run keeps cluster state current until ctx is done. On each change of
// mastership or candidacy it re-publishes the newest local tree head,
// and while master it recomputes the serving tree head whenever any
// node state changes.
func (c *Controller) Run(ctx context.Context) error {
	nodeEvents := c.store.Watch(ctx, c.nodesPrefix)
	changed := c.leadership.Changed()
	refresh := true
	for {
		if refresh {
			if err := c.refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Warning("publishing after election change failed: %v", err)
			}
			refresh = false
		}
		select {
		case <-changed:
			changed = c.leadership.Changed()
			refresh = true
		case _, ok := <-nodeEvents:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Warning("watch of node states ended, watching again")
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return ctx.Err()
				}
				nodeEvents = c.store.Watch(ctx, c.nodesPrefix)
				// Changes may have been missed.
				refresh = true
				continue
			}
			if err := c.updateServingSTH(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Warning("updating serving tree head failed: %v", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Controller) refresh(ctx context.Context) error {
	if local, ok := c.LocalSTH(); ok {
		if err := c.writeNodeState(ctx, local); err != nil {
			return err
		}
	}
	return c.updateServingSTH(ctx)
}

// calculateServingSTH picks the largest tree size that a quorum of
// nodes can serve, and, for that size, the newest tree head any of
// those nodes has. Returns current if no larger tree size qualifies,
// or nil if there is neither.
func calculateServingSTH(config types.ClusterConfig, nodes []types.ClusterNodeState,
	current *types.SignedTreeHead) *types.SignedTreeHead {
	var heads []types.SignedTreeHead
	for _, node := range nodes {
		if node.NewestSTH != nil {
			heads = append(heads, *node.NewestSTH)
		}
	}
	quorum := config.Quorum(len(nodes))
	if quorum < 1 || len(heads) < quorum {
		return current
	}
	// Largest first. The quorum-th largest tree size is served by
	// at least quorum nodes.
	sort.Slice(heads, func(i, j int) bool { return heads[j].TreeSize < heads[i].TreeSize })
	size := heads[quorum-1].TreeSize
	if current != nil && size < current.TreeSize {
		return current
	}
	var best *types.SignedTreeHead
	for i := range heads {
		if heads[i].TreeSize == size && heads[i].NewerThan(best) {
			best = &heads[i]
		}
	}
	if current != nil && !best.NewerThan(current) {
		return current
	}
	return best
}
