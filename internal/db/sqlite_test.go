package db

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
)

func TestSqliteAppend(t *testing.T) {
	db, err := NewSqliteDb(filepath.Join(t.TempDir(), "mirror.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	testAppend(t, db)
}

func TestSqliteReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "mirror.sqlite")
	db, err := NewSqliteDb(path)
	if err != nil {
		t.Fatal(err)
	}
	entries := newEntries(0, 10)
	if err := db.AppendEntries(ctx, 0, entries); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db, err = NewSqliteDb(path)
	if err != nil {
		t.Fatalf("reopening failed: %v", err)
	}
	defer db.Close()
	mustSize(t, db, 10)
	entry, err := db.Entry(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(entry.LeafInput, entries[3].LeafInput) {
		t.Errorf("got leaf input %q, wanted %q", entry.LeafInput, entries[3].LeafInput)
	}
}
