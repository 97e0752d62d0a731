// Package consistent provides a strongly consistent key/value store
// shared by all nodes of a mirror cluster, with leases for mutual
// exclusion.
package consistent

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("key not found")
	ErrConflict     = errors.New("condition failed")
	ErrLeaseExpired = errors.New("lease expired")
)

type LeaseID int64

// KeyValue is a stored value, with the store revisions at which the key
// was created and last modified.
type KeyValue struct {
	Key            string
	Value          []byte
	CreateRevision int64
	ModRevision    int64
	Lease          LeaseID
}

// Lease is a key bound to a lease; the key is deleted when the lease
// expires or is revoked.
type Lease struct {
	ID             LeaseID
	Key            string
	CreateRevision int64
}

// Guard identifies a particular incarnation of a key. A key deleted and
// created again gets a new create revision, and no longer matches.
type Guard struct {
	Key            string
	CreateRevision int64
	// Lease of the guarded key, for keys that should live no longer.
	Lease LeaseID
}

type conditionType int

const (
	modRevisionEquals conditionType = iota
	createRevisionEquals
)

// Condition must hold for a write to take effect.
type Condition struct {
	typ      conditionType
	key      string
	revision int64
}

// IfVersion requires key to be unmodified since revision, the
// ModRevision of a previous read. Revision 0 requires that key does
// not exist.
func IfVersion(key string, revision int64) Condition {
	return Condition{typ: modRevisionEquals, key: key, revision: revision}
}

// IfHeld requires that the guarded key still exists, unchanged since
// its creation as far as identity goes.
func IfHeld(g Guard) Condition {
	return Condition{typ: createRevisionEquals, key: g.Key, revision: g.CreateRevision}
}

type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

func (t EventType) String() string {
	switch t {
	case EventPut:
		return "put"
	case EventDelete:
		return "delete"
	default:
		return "unknown"
	}
}

type Event struct {
	Type EventType
	KeyValue
}

type Store interface {
	// Get fails with ErrNotFound for a missing key.
	Get(ctx context.Context, key string) (KeyValue, error)
	// GetAll returns all keys with the given prefix, sorted by key.
	GetAll(ctx context.Context, prefix string) ([]KeyValue, error)
	// Put returns the new store revision, or ErrConflict if any
	// condition fails.
	Put(ctx context.Context, key string, value []byte, conds ...Condition) (int64, error)
	// PutWithLease is like Put, but binds key to an existing lease,
	// so that it is deleted with it. Fails with ErrLeaseExpired if
	// the lease is gone.
	PutWithLease(ctx context.Context, key string, value []byte, lease LeaseID, conds ...Condition) (int64, error)
	Delete(ctx context.Context, key string, conds ...Condition) error
	// CreateWithLease creates a key that lives as long as a new
	// lease with the given ttl. Fails with ErrConflict if the key
	// exists.
	CreateWithLease(ctx context.Context, key string, value []byte, ttl time.Duration) (Lease, error)
	// KeepAlive renews a lease, or fails with ErrLeaseExpired.
	KeepAlive(ctx context.Context, id LeaseID) error
	Revoke(ctx context.Context, id LeaseID) error
	// Watch reports changes to keys with the given prefix, in
	// order, until ctx is done, when the channel is closed.
	Watch(ctx context.Context, prefix string) <-chan []Event
	Close() error
}
