package db

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/transparency-dev/merkle/rfc6962"
)

func TestFileAppend(t *testing.T) {
	dir := t.TempDir()
	db, err := NewFileDb(filepath.Join(dir, "certs"), filepath.Join(dir, "tree"), "", 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	testAppend(t, db)
}

func TestFilePath(t *testing.T) {
	for _, table := range []struct {
		depth int
		index uint64
		want  string
	}{
		{0, 0x1a3, "d/00000000000001a3"},
		{1, 0x1a3, "d/3/00000000000001a3"},
		{3, 0x1a3, "d/3/a/1/00000000000001a3"},
	} {
		s := fileStorage{dir: "d", depth: table.depth}
		if got := s.path(table.index); got != filepath.FromSlash(table.want) {
			t.Errorf("depth %d, index %d: got path %q, wanted %q", table.depth, table.index, got, table.want)
		}
	}
}

func TestFileReopen(t *testing.T) {
	dir := t.TempDir()
	certs, tree := filepath.Join(dir, "certs"), filepath.Join(dir, "tree")
	db, err := NewFileDb(certs, tree, "", 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	entries := newEntries(0, 20)
	if err := db.AppendEntries(context.Background(), 0, entries); err != nil {
		t.Fatal(err)
	}

	db, err = NewFileDb(certs, tree, "", 1, 1)
	if err != nil {
		t.Fatalf("reopening failed: %v", err)
	}
	mustSize(t, db, 20)
	for i, want := range entries {
		entry, err := db.Entry(uint64(i))
		if err != nil {
			t.Fatalf("reading entry %d failed: %v", i, err)
		}
		if !bytes.Equal(entry.LeafInput, want.LeafInput) || !bytes.Equal(entry.ExtraData, want.ExtraData) {
			t.Errorf("entry %d: got %v, wanted %v", i, entry, want)
		}
		leafHash, err := db.LeafHash(uint64(i))
		if err != nil {
			t.Fatalf("reading leaf hash %d failed: %v", i, err)
		}
		if !bytes.Equal(leafHash, rfc6962.DefaultHasher.HashLeaf(want.LeafInput)) {
			t.Errorf("unexpected leaf hash for entry %d", i)
		}
	}

	if _, err := NewFileDb(certs, tree, "", 2, 1); err == nil {
		t.Errorf("reopening with different depth succeeded")
	}
}

func TestFileInvalid(t *testing.T) {
	dir := t.TempDir()
	for _, table := range []struct {
		desc                 string
		certs, tree          string
		certDepth, treeDepth int
	}{
		{"missing cert dir", "", filepath.Join(dir, "tree"), 0, 0},
		{"same dirs", filepath.Join(dir, "x"), filepath.Join(dir, "x"), 0, 0},
		{"negative depth", filepath.Join(dir, "c"), filepath.Join(dir, "t"), -1, 0},
	} {
		if _, err := NewFileDb(table.certs, table.tree, "", table.certDepth, table.treeDepth); err == nil {
			t.Errorf("%s: unexpectedly succeeded", table.desc)
		}
	}
}
