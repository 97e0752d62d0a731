package db

import (
	"context"
	"sync"

	"sigsum.org/ct-mirror/internal/types"
)

// MemoryDb keeps entries in memory, with NO persistent storage.
type MemoryDb struct {
	mu      sync.RWMutex
	entries []types.Entry
}

func NewMemoryDb() *MemoryDb {
	return &MemoryDb{}
}

func (db *MemoryDb) CurrentTreeSize(_ context.Context) (uint64, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return uint64(len(db.entries)), nil
}

func (db *MemoryDb) AppendEntries(_ context.Context, index uint64, entries []types.Entry) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	entries, _, err := skipStored(uint64(len(db.entries)), index, entries)
	if err != nil {
		return err
	}
	db.entries = append(db.entries, entries...)
	return nil
}

// Entry returns a stored entry, for tests and debugging.
func (db *MemoryDb) Entry(index uint64) (types.Entry, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if index >= uint64(len(db.entries)) {
		return types.Entry{}, false
	}
	return db.entries[index], true
}

func (db *MemoryDb) Close() error {
	return nil
}
