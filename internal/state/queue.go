package state

import (
	"sort"

	"sigsum.org/ct-mirror/internal/types"
	"sigsum.org/sigsum-go/pkg/log"
)

// queue holds verified tree heads waiting for local storage to catch
// up, at most one per tree size. Not safe for concurrent use; it is
// owned by the Drainer goroutine.
type queue struct {
	pending map[uint64]types.SignedTreeHead
	// Sorted keys of pending.
	sizes []uint64
}

func newQueue() *queue {
	return &queue{pending: make(map[uint64]types.SignedTreeHead)}
}

func (q *queue) len() int {
	return len(q.sizes)
}

// offer adds sth, replacing any queued tree head of the same size that
// has an older timestamp. A tree head that is not newer than the
// queued one is rejected.
func (q *queue) offer(sth types.SignedTreeHead) bool {
	if existing, ok := q.pending[sth.TreeSize]; ok {
		if existing.Timestamp >= sth.Timestamp {
			log.Warning("rejecting stale tree head %v, already have %v", sth, existing)
			return false
		}
		q.pending[sth.TreeSize] = sth
		return true
	}
	q.pending[sth.TreeSize] = sth
	i := sort.Search(len(q.sizes), func(i int) bool { return q.sizes[i] >= sth.TreeSize })
	q.sizes = append(q.sizes, 0)
	copy(q.sizes[i+1:], q.sizes[i:])
	q.sizes[i] = sth.TreeSize
	return true
}

// release passes all queued tree heads with size <= localSize to fn,
// smallest first, and removes them.
func (q *queue) release(localSize uint64, fn func(types.SignedTreeHead)) {
	for len(q.sizes) > 0 && q.sizes[0] <= localSize {
		size := q.sizes[0]
		sth := q.pending[size]
		q.sizes = q.sizes[1:]
		delete(q.pending, size)
		fn(sth)
	}
}
