package consistent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Fake is an in-process Store, for standalone mode and tests. All
// operations are serialized by a single mutex. Expired leases are
// collected whenever the store is accessed.
type Fake struct {
	// Clock, replaceable by tests.
	Now func() time.Time

	mu        sync.Mutex
	closed    bool
	revision  int64
	kvs       map[string]KeyValue
	leases    map[LeaseID]*fakeLease
	nextLease LeaseID
	watchers  map[*fakeWatcher]struct{}
}

type fakeLease struct {
	ttl      time.Duration
	deadline time.Time
	keys     map[string]struct{}
}

func NewFake() *Fake {
	return &Fake{
		Now:       time.Now,
		kvs:       make(map[string]KeyValue),
		leases:    make(map[LeaseID]*fakeLease),
		nextLease: 1,
		watchers:  make(map[*fakeWatcher]struct{}),
	}
}

// lock acquires the mutex, and collects expired leases.
func (f *Fake) lock() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return fmt.Errorf("store closed")
	}
	now := f.Now()
	for id, l := range f.leases {
		if !now.Before(l.deadline) {
			f.dropLease(id)
		}
	}
	return nil
}

func (f *Fake) dropLease(id LeaseID) {
	l, ok := f.leases[id]
	if !ok {
		return
	}
	delete(f.leases, id)
	keys := make([]string, 0, len(l.keys))
	for key := range l.keys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	f.revision++
	var events []Event
	for _, key := range keys {
		kv, ok := f.kvs[key]
		if !ok {
			continue
		}
		delete(f.kvs, key)
		kv.ModRevision = f.revision
		events = append(events, Event{Type: EventDelete, KeyValue: kv})
	}
	f.notify(events)
}

func (f *Fake) check(conds []Condition) bool {
	for _, c := range conds {
		kv, ok := f.kvs[c.key]
		var rev int64
		switch c.typ {
		case modRevisionEquals:
			if ok {
				rev = kv.ModRevision
			}
		case createRevisionEquals:
			if ok {
				rev = kv.CreateRevision
			}
		}
		if rev != c.revision {
			return false
		}
	}
	return true
}

func (f *Fake) put(key string, value []byte, lease LeaseID) KeyValue {
	f.revision++
	kv, ok := f.kvs[key]
	if !ok {
		kv = KeyValue{Key: key, CreateRevision: f.revision}
	}
	if kv.Lease != lease {
		if l, ok := f.leases[kv.Lease]; ok {
			delete(l.keys, key)
		}
		if l, ok := f.leases[lease]; ok {
			l.keys[key] = struct{}{}
		}
	}
	kv.Value = append([]byte(nil), value...)
	kv.ModRevision = f.revision
	kv.Lease = lease
	f.kvs[key] = kv
	f.notify([]Event{{Type: EventPut, KeyValue: kv}})
	return kv
}

func (f *Fake) Get(_ context.Context, key string) (KeyValue, error) {
	if err := f.lock(); err != nil {
		return KeyValue{}, err
	}
	defer f.mu.Unlock()
	kv, ok := f.kvs[key]
	if !ok {
		return KeyValue{}, ErrNotFound
	}
	return kv, nil
}

func (f *Fake) GetAll(_ context.Context, prefix string) ([]KeyValue, error) {
	if err := f.lock(); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	var kvs []KeyValue
	for key, kv := range f.kvs {
		if strings.HasPrefix(key, prefix) {
			kvs = append(kvs, kv)
		}
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
	return kvs, nil
}

func (f *Fake) Put(_ context.Context, key string, value []byte, conds ...Condition) (int64, error) {
	if err := f.lock(); err != nil {
		return 0, err
	}
	defer f.mu.Unlock()
	if !f.check(conds) {
		return 0, ErrConflict
	}
	// A plain put keeps no lease.
	return f.put(key, value, 0).ModRevision, nil
}

func (f *Fake) PutWithLease(_ context.Context, key string, value []byte, lease LeaseID, conds ...Condition) (int64, error) {
	if err := f.lock(); err != nil {
		return 0, err
	}
	defer f.mu.Unlock()
	if _, ok := f.leases[lease]; !ok {
		return 0, ErrLeaseExpired
	}
	if !f.check(conds) {
		return 0, ErrConflict
	}
	return f.put(key, value, lease).ModRevision, nil
}

func (f *Fake) Delete(_ context.Context, key string, conds ...Condition) error {
	if err := f.lock(); err != nil {
		return err
	}
	defer f.mu.Unlock()
	if !f.check(conds) {
		return ErrConflict
	}
	kv, ok := f.kvs[key]
	if !ok {
		return nil
	}
	if l, ok := f.leases[kv.Lease]; ok {
		delete(l.keys, key)
	}
	delete(f.kvs, key)
	f.revision++
	kv.ModRevision = f.revision
	f.notify([]Event{{Type: EventDelete, KeyValue: kv}})
	return nil
}

func (f *Fake) CreateWithLease(_ context.Context, key string, value []byte, ttl time.Duration) (Lease, error) {
	if err := f.lock(); err != nil {
		return Lease{}, err
	}
	defer f.mu.Unlock()
	if _, ok := f.kvs[key]; ok {
		return Lease{}, ErrConflict
	}
	id := f.nextLease
	f.nextLease++
	f.leases[id] = &fakeLease{
		ttl:      ttl,
		deadline: f.Now().Add(ttl),
		keys:     make(map[string]struct{}),
	}
	kv := f.put(key, value, id)
	return Lease{ID: id, Key: key, CreateRevision: kv.CreateRevision}, nil
}

func (f *Fake) KeepAlive(_ context.Context, id LeaseID) error {
	if err := f.lock(); err != nil {
		return err
	}
	defer f.mu.Unlock()
	l, ok := f.leases[id]
	if !ok {
		return ErrLeaseExpired
	}
	l.deadline = f.Now().Add(l.ttl)
	return nil
}

func (f *Fake) Revoke(_ context.Context, id LeaseID) error {
	if err := f.lock(); err != nil {
		return err
	}
	defer f.mu.Unlock()
	f.dropLease(id)
	return nil
}

// ExpireLease forces a lease to expire, as if its holder had stopped
// renewing it.
func (f *Fake) ExpireLease(id LeaseID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropLease(id)
}

func (f *Fake) Watch(ctx context.Context, prefix string) <-chan []Event {
	w := &fakeWatcher{
		prefix: prefix,
		ch:     make(chan []Event),
		signal: make(chan struct{}, 1),
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(w.ch)
		return w.ch
	}
	f.watchers[w] = struct{}{}
	f.mu.Unlock()

	go func() {
		defer close(w.ch)
		defer func() {
			f.mu.Lock()
			delete(f.watchers, w)
			f.mu.Unlock()
		}()
		for {
			select {
			case <-w.signal:
			case <-ctx.Done():
				return
			}
			for {
				events, ok := w.pop()
				if !ok {
					break
				}
				select {
				case w.ch <- events:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return w.ch
}

// notify queues events for all interested watchers. Called with the
// mutex held.
func (f *Fake) notify(events []Event) {
	for w := range f.watchers {
		w.push(events)
	}
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakeWatcher has an unbounded queue, so that store operations never
// block on slow watchers.
type fakeWatcher struct {
	prefix string
	ch     chan []Event
	signal chan struct{}

	mu    sync.Mutex
	queue [][]Event
}

func (w *fakeWatcher) push(events []Event) {
	var matching []Event
	for _, e := range events {
		if strings.HasPrefix(e.Key, w.prefix) {
			matching = append(matching, e)
		}
	}
	if len(matching) == 0 {
		return
	}
	w.mu.Lock()
	w.queue = append(w.queue, matching)
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *fakeWatcher) pop() ([]Event, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return nil, false
	}
	events := w.queue[0]
	w.queue = w.queue[1:]
	return events, true
}
