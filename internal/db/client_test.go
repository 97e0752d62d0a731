package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"sigsum.org/ct-mirror/internal/types"
)

func newEntries(start, end uint64) []types.Entry {
	entries := make([]types.Entry, 0, end-start)
	for i := start; i < end; i++ {
		entries = append(entries, types.Entry{
			LeafInput: []byte(fmt.Sprintf("leaf-%d", i)),
			ExtraData: []byte(fmt.Sprintf("chain-%d", i)),
		})
	}
	return entries
}

func mustSize(t *testing.T, c Client, want uint64) {
	t.Helper()
	size, err := c.CurrentTreeSize(context.Background())
	if err != nil {
		t.Fatalf("CurrentTreeSize failed: %v", err)
	}
	if size != want {
		t.Errorf("got tree size %d, wanted %d", size, want)
	}
}

// testAppend exercises the append-only contract on an empty backend.
func testAppend(t *testing.T, c Client) {
	ctx := context.Background()
	mustSize(t, c, 0)

	if err := c.AppendEntries(ctx, 0, nil); err != nil {
		t.Fatalf("appending nothing failed: %v", err)
	}
	mustSize(t, c, 0)

	if err := c.AppendEntries(ctx, 1, newEntries(1, 3)); !errors.Is(err, ErrGap) {
		t.Errorf("append with gap: got %v, wanted %v", err, ErrGap)
	}
	mustSize(t, c, 0)

	for _, table := range []struct {
		desc  string
		index uint64
		end   uint64
		want  uint64
	}{
		{"first batch", 0, 5, 5},
		{"adjacent batch", 5, 8, 8},
		{"already stored", 2, 6, 8},
		{"overlapping batch", 6, 12, 12},
	} {
		if err := c.AppendEntries(ctx, table.index, newEntries(table.index, table.end)); err != nil {
			t.Fatalf("%s: AppendEntries failed: %v", table.desc, err)
		}
		mustSize(t, c, table.want)
	}
}
