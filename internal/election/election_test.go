package election

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sigsum.org/ct-mirror/internal/consistent"
)

const testTTL = 300 * time.Millisecond

func waitMaster(t *testing.T, e *Election) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.WaitToBecomeMaster(ctx); err != nil {
		t.Fatalf("node %s did not become master: %v", e.nodeID, err)
	}
}

func TestSingleCandidate(t *testing.T) {
	store := consistent.NewFake()
	e := New(store, "/root", "a", testTTL)
	if e.IsMaster() {
		t.Fatalf("master before election started")
	}
	if _, ok := e.Guard(); ok {
		t.Errorf("guard available before election started")
	}
	e.StartElection()
	e.StartElection()
	waitMaster(t, e)

	guard, ok := e.Guard()
	if !ok || guard.Key != "/root/election/a" || guard.Lease == 0 {
		t.Errorf("got guard %v (ok %v), wanted key /root/election/a with a lease", guard, ok)
	}
	// Mastership survives lease renewals.
	time.Sleep(2 * testTTL)
	if !e.IsMaster() {
		t.Errorf("lost mastership while renewing lease")
	}

	if err := e.StopElection(context.Background()); err != nil {
		t.Fatalf("StopElection failed: %v", err)
	}
	if e.IsMaster() {
		t.Errorf("still master after StopElection")
	}
	if _, err := store.Get(context.Background(), "/root/election/a"); !errors.Is(err, consistent.ErrNotFound) {
		t.Errorf("candidacy key after StopElection: got %v, wanted %v", err, consistent.ErrNotFound)
	}
	if err := e.StopElection(context.Background()); err != nil {
		t.Errorf("second StopElection failed: %v", err)
	}
}

func TestExclusivity(t *testing.T) {
	store := consistent.NewFake()
	a := New(store, "/root", "a", testTTL)
	b := New(store, "/root", "b", testTTL)

	var violations atomic.Int32
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if a.IsMaster() && b.IsMaster() {
				violations.Add(1)
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()

	a.StartElection()
	b.StartElection()
	var master, other *Election
	deadline := time.Now().Add(10 * time.Second)
	for master == nil {
		if time.Now().After(deadline) {
			t.Fatalf("no master elected")
		}
		if a.IsMaster() {
			master, other = a, b
		} else if b.IsMaster() {
			master, other = b, a
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(testTTL)
	if other.IsMaster() {
		t.Errorf("both candidates are master")
	}

	if err := master.StopElection(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitMaster(t, other)
	if err := other.StopElection(context.Background()); err != nil {
		t.Fatal(err)
	}
	close(stop)
	wg.Wait()
	if n := violations.Load(); n > 0 {
		t.Errorf("both candidates observed as master %d times", n)
	}
}

func TestLeaseLoss(t *testing.T) {
	store := consistent.NewFake()
	e := New(store, "/root", "a", testTTL)
	e.StartElection()
	defer e.StopElection(context.Background())
	waitMaster(t, e)

	kv, err := store.Get(context.Background(), "/root/election/a")
	if err != nil {
		t.Fatal(err)
	}
	changed := e.Changed()
	store.ExpireLease(kv.Lease)
	select {
	case <-changed:
	case <-time.After(10 * time.Second):
		t.Fatalf("mastership not dropped after lease loss")
	}
	// Campaigning restarts, with a new candidacy.
	waitMaster(t, e)
	guard, ok := e.Guard()
	if !ok || guard.CreateRevision == kv.CreateRevision {
		t.Errorf("got guard %v after re-election, wanted a new create revision", guard)
	}
}

func TestIsMasterDeadline(t *testing.T) {
	now := time.Unix(1000, 0)
	e := New(consistent.NewFake(), "/root", "a", testTTL)
	e.now = func() time.Time { return now }
	e.master = true
	e.deadline = now.Add(time.Second)
	if !e.IsMaster() {
		t.Errorf("not master before deadline")
	}
	now = now.Add(time.Second)
	if e.IsMaster() {
		t.Errorf("still master at deadline")
	}
}

// flakyStore fails lease renewals on demand.
type flakyStore struct {
	*consistent.Fake
	failing atomic.Bool
}

func (s *flakyStore) KeepAlive(ctx context.Context, id consistent.LeaseID) error {
	if s.failing.Load() {
		return fmt.Errorf("mocked error")
	}
	return s.Fake.KeepAlive(ctx, id)
}

func TestRenewalFailure(t *testing.T) {
	fake := consistent.NewFake()
	// Leases never expire in the store, only renewals fail.
	frozen := time.Unix(1000, 0)
	fake.Now = func() time.Time { return frozen }
	store := &flakyStore{Fake: fake}
	e := New(store, "/root", "a", testTTL)
	e.StartElection()
	defer e.StopElection(context.Background())
	waitMaster(t, e)

	changed := e.Changed()
	store.failing.Store(true)
	select {
	case <-changed:
	case <-time.After(10 * time.Second):
		t.Fatalf("no change reported when mastership deadline passed")
	}
	if e.IsMaster() {
		t.Errorf("still master without renewals")
	}

	changed = e.Changed()
	store.failing.Store(false)
	select {
	case <-changed:
	case <-time.After(10 * time.Second):
		t.Fatalf("no change reported when renewals resumed")
	}
	waitMaster(t, e)
}
