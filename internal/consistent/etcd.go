package consistent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// Etcd is a Store backed by an etcd cluster.
type Etcd struct {
	kv      clientv3.KV
	lease   clientv3.Lease
	watcher clientv3.Watcher
	close   func() error
}

func newEtcd(kv clientv3.KV, lease clientv3.Lease, watcher clientv3.Watcher, closeFn func() error) *Etcd {
	return &Etcd{kv: kv, lease: lease, watcher: watcher, close: closeFn}
}

func DialEtcd(endpoints []string, timeout time.Duration) (*Etcd, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: timeout,
		// The etcd client logs through zap only; keep it quiet
		// except for errors, which go to stderr.
		LogConfig: &zap.Config{
			Level:             zap.NewAtomicLevelAt(zap.ErrorLevel),
			DisableCaller:     true,
			DisableStacktrace: true,
			Encoding:          "console",
			EncoderConfig:     zap.NewProductionEncoderConfig(),
			OutputPaths:       []string{"stderr"},
			ErrorOutputPaths:  []string{"stderr"},
		},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("etcd: failed to establish connection: network timeout")
		}
		return nil, fmt.Errorf("etcd: %w", err)
	}
	return newEtcd(client, client, client, client.Close), nil
}

func fromEtcd(kv *mvccpb.KeyValue) KeyValue {
	return KeyValue{
		Key:            string(kv.Key),
		Value:          kv.Value,
		CreateRevision: kv.CreateRevision,
		ModRevision:    kv.ModRevision,
		Lease:          LeaseID(kv.Lease),
	}
}

func compares(conds []Condition) []clientv3.Cmp {
	cmps := make([]clientv3.Cmp, 0, len(conds))
	for _, c := range conds {
		switch c.typ {
		case modRevisionEquals:
			cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(c.key), "=", c.revision))
		case createRevisionEquals:
			cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(c.key), "=", c.revision))
		}
	}
	return cmps
}

func (e *Etcd) Get(ctx context.Context, key string) (KeyValue, error) {
	rsp, err := e.kv.Get(ctx, key)
	if err != nil {
		return KeyValue{}, fmt.Errorf("etcd: get %q: %w", key, err)
	}
	if len(rsp.Kvs) == 0 {
		return KeyValue{}, ErrNotFound
	}
	return fromEtcd(rsp.Kvs[0]), nil
}

func (e *Etcd) GetAll(ctx context.Context, prefix string) ([]KeyValue, error) {
	rsp, err := e.kv.Get(ctx, prefix, clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("etcd: get prefix %q: %w", prefix, err)
	}
	kvs := make([]KeyValue, len(rsp.Kvs))
	for i, kv := range rsp.Kvs {
		kvs[i] = fromEtcd(kv)
	}
	return kvs, nil
}

func (e *Etcd) Put(ctx context.Context, key string, value []byte, conds ...Condition) (int64, error) {
	rsp, err := e.kv.Txn(ctx).If(compares(conds)...).Then(clientv3.OpPut(key, string(value))).Commit()
	if err != nil {
		return 0, fmt.Errorf("etcd: put %q: %w", key, err)
	}
	if !rsp.Succeeded {
		return 0, ErrConflict
	}
	return rsp.Header.Revision, nil
}

func (e *Etcd) PutWithLease(ctx context.Context, key string, value []byte, lease LeaseID, conds ...Condition) (int64, error) {
	rsp, err := e.kv.Txn(ctx).If(compares(conds)...).
		Then(clientv3.OpPut(key, string(value), clientv3.WithLease(clientv3.LeaseID(lease)))).Commit()
	if errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return 0, ErrLeaseExpired
	}
	if err != nil {
		return 0, fmt.Errorf("etcd: put %q: %w", key, err)
	}
	if !rsp.Succeeded {
		return 0, ErrConflict
	}
	return rsp.Header.Revision, nil
}

func (e *Etcd) Delete(ctx context.Context, key string, conds ...Condition) error {
	rsp, err := e.kv.Txn(ctx).If(compares(conds)...).Then(clientv3.OpDelete(key)).Commit()
	if err != nil {
		return fmt.Errorf("etcd: delete %q: %w", key, err)
	}
	if !rsp.Succeeded {
		return ErrConflict
	}
	return nil
}

func (e *Etcd) CreateWithLease(ctx context.Context, key string, value []byte, ttl time.Duration) (Lease, error) {
	seconds := int64(math.Ceil(ttl.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	grant, err := e.lease.Grant(ctx, seconds)
	if err != nil {
		return Lease{}, fmt.Errorf("etcd: grant lease: %w", err)
	}
	rsp, err := e.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(value), clientv3.WithLease(grant.ID))).
		Commit()
	if err == nil && !rsp.Succeeded {
		err = ErrConflict
	}
	if err != nil {
		if _, rerr := e.lease.Revoke(context.Background(), grant.ID); rerr != nil {
			err = fmt.Errorf("%w (and revoking lease failed: %v)", err, rerr)
		}
		if errors.Is(err, ErrConflict) {
			return Lease{}, err
		}
		return Lease{}, fmt.Errorf("etcd: create %q: %w", key, err)
	}
	return Lease{ID: LeaseID(grant.ID), Key: key, CreateRevision: rsp.Header.Revision}, nil
}

func (e *Etcd) KeepAlive(ctx context.Context, id LeaseID) error {
	rsp, err := e.lease.KeepAliveOnce(ctx, clientv3.LeaseID(id))
	if errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return ErrLeaseExpired
	}
	if err != nil {
		return fmt.Errorf("etcd: keep alive: %w", err)
	}
	if rsp.TTL <= 0 {
		return ErrLeaseExpired
	}
	return nil
}

func (e *Etcd) Revoke(ctx context.Context, id LeaseID) error {
	_, err := e.lease.Revoke(ctx, clientv3.LeaseID(id))
	if err != nil && !errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return fmt.Errorf("etcd: revoke: %w", err)
	}
	return nil
}

func (e *Etcd) Watch(ctx context.Context, prefix string) <-chan []Event {
	ch := make(chan []Event)
	wch := e.watcher.Watch(ctx, prefix, clientv3.WithPrefix())
	go func() {
		defer close(ch)
		for rsp := range wch {
			if err := rsp.Err(); err != nil {
				return
			}
			events := make([]Event, 0, len(rsp.Events))
			for _, ev := range rsp.Events {
				typ := EventPut
				if ev.Type == mvccpb.DELETE {
					typ = EventDelete
				}
				events = append(events, Event{Type: typ, KeyValue: fromEtcd(ev.Kv)})
			}
			select {
			case ch <- events:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (e *Etcd) Close() error {
	return e.close()
}
