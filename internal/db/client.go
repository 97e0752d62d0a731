package db

import (
	"context"
	"errors"

	"sigsum.org/ct-mirror/internal/types"
)

var ErrGap = errors.New("entries do not start at or below the current tree size")

//go:generate go run github.com/golang/mock/mockgen -destination ../mocks/db/db.go -package db . Client

// Client is an interface that interacts with the mirror's local
// storage backend. Storage is contiguous and append-only: entries
// [0, CurrentTreeSize()) are present.
type Client interface {
	CurrentTreeSize(context.Context) (uint64, error)
	// AppendEntries stores entries at positions index, index+1, ...
	// Entries below the current tree size are skipped, so that
	// re-appending a range is harmless. An index above the current
	// tree size fails with ErrGap.
	AppendEntries(ctx context.Context, index uint64, entries []types.Entry) error
	Close() error
}

// skipStored trims the prefix of entries that is already stored.
func skipStored(size, index uint64, entries []types.Entry) ([]types.Entry, uint64, error) {
	if index > size {
		return nil, 0, ErrGap
	}
	skip := size - index
	if skip >= uint64(len(entries)) {
		return nil, size, nil
	}
	return entries[skip:], size, nil
}
