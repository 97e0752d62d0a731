package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"git.glasklar.is/sigsum/dependencies/safefile"
	"github.com/transparency-dev/merkle/rfc6962"

	"sigsum.org/ct-mirror/internal/types"
	"sigsum.org/sigsum-go/pkg/ascii"
	"sigsum.org/sigsum-go/pkg/log"
)

const (
	// Index keys are fixed width hex, so at most 16 levels of
	// subdirectories are possible.
	maxStorageDepth = 16

	metaTreeSizeFile = "tree_size"
	metaLayoutFile   = "layout"
)

// FileDb stores each entry as a file in the certificate directory, and
// its RFC 6962 leaf hash as a file in the tree directory. The number
// of entries stored is recorded in the meta directory, and is only
// advanced after all files of a batch are in place.
type FileDb struct {
	certs fileStorage
	tree  fileStorage
	meta  string

	mu   sync.Mutex
	size uint64
}

type fileStorage struct {
	dir   string
	depth int
}

// Path of the file for the given index. With depth d, the file is
// placed in d levels of subdirectories named by the last d hex digits
// of the index, least significant first.
func (s fileStorage) path(index uint64) string {
	key := fmt.Sprintf("%016x", index)
	components := []string{s.dir}
	for i := 0; i < s.depth; i++ {
		components = append(components, key[len(key)-1-i:len(key)-i])
	}
	return filepath.Join(append(components, key)...)
}

func (s fileStorage) write(index uint64, data []byte) error {
	name := s.path(index)
	if err := os.MkdirAll(filepath.Dir(name), 0755); err != nil {
		return err
	}
	f, err := safefile.Create(name, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	// Files above the recorded size are leftovers of an interrupted
	// append, and are replaced.
	return f.Commit()
}

// NewFileDb opens, or creates, a directory backend. If metaDir is
// empty, meta data is kept in a "meta" subdirectory of treeDir. The
// storage depths must match those of any existing data.
func NewFileDb(certDir, treeDir, metaDir string, certDepth, treeDepth int) (*FileDb, error) {
	if certDir == "" || treeDir == "" {
		return nil, fmt.Errorf("both certificate and tree directories are required")
	}
	if filepath.Clean(certDir) == filepath.Clean(treeDir) {
		return nil, fmt.Errorf("certificate and tree directories must be different")
	}
	for _, depth := range []int{certDepth, treeDepth} {
		if depth < 0 || depth > maxStorageDepth {
			return nil, fmt.Errorf("invalid storage depth %d, must be in [0, %d]", depth, maxStorageDepth)
		}
	}
	if metaDir == "" {
		metaDir = filepath.Join(treeDir, "meta")
	}
	for _, dir := range []string{certDir, treeDir, metaDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	db := FileDb{
		certs: fileStorage{dir: certDir, depth: certDepth},
		tree:  fileStorage{dir: treeDir, depth: treeDepth},
		meta:  metaDir,
	}
	if err := db.checkLayout(); err != nil {
		return nil, err
	}
	size, err := db.readTreeSize()
	if err != nil {
		return nil, err
	}
	db.size = size
	log.Debug("opened file storage, certs %q, tree %q, size %d", certDir, treeDir, size)
	return &db, nil
}

// checkLayout records the storage depths on first use, and afterwards
// refuses to open with different depths.
func (db *FileDb) checkLayout() error {
	name := filepath.Join(db.meta, metaLayoutFile)
	f, err := os.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		out, err := safefile.Create(name, 0644)
		if err != nil {
			return err
		}
		defer out.Close()
		if err := ascii.WriteInt(out, "cert-depth", uint64(db.certs.depth)); err != nil {
			return err
		}
		if err := ascii.WriteInt(out, "tree-depth", uint64(db.tree.depth)); err != nil {
			return err
		}
		return out.CommitIfNotExists()
	}
	if err != nil {
		return err
	}
	defer f.Close()
	p := ascii.NewParser(f)
	certDepth, err := p.GetInt("cert-depth")
	if err != nil {
		return fmt.Errorf("invalid layout file %q: %w", name, err)
	}
	treeDepth, err := p.GetInt("tree-depth")
	if err != nil {
		return fmt.Errorf("invalid layout file %q: %w", name, err)
	}
	if certDepth != uint64(db.certs.depth) || treeDepth != uint64(db.tree.depth) {
		return fmt.Errorf("storage depths (%d, %d) do not match existing storage (%d, %d)",
			db.certs.depth, db.tree.depth, certDepth, treeDepth)
	}
	return nil
}

func (db *FileDb) readTreeSize() (uint64, error) {
	f, err := os.Open(filepath.Join(db.meta, metaTreeSizeFile))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return ascii.NewParser(f).GetInt("tree-size")
}

func (db *FileDb) writeTreeSize(size uint64) error {
	f, err := safefile.Create(filepath.Join(db.meta, metaTreeSizeFile), 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := ascii.WriteInt(f, "tree-size", size); err != nil {
		return err
	}
	return f.Commit()
}

func (db *FileDb) CurrentTreeSize(_ context.Context) (uint64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.size, nil
}

func (db *FileDb) AppendEntries(ctx context.Context, index uint64, entries []types.Entry) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	entries, start, err := skipStored(db.size, index, entries)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := db.certs.write(start+uint64(i), data); err != nil {
			return fmt.Errorf("writing entry %d: %w", start+uint64(i), err)
		}
		leafHash := rfc6962.DefaultHasher.HashLeaf(entry.LeafInput)
		if err := db.tree.write(start+uint64(i), leafHash); err != nil {
			return fmt.Errorf("writing leaf hash %d: %w", start+uint64(i), err)
		}
	}
	size := start + uint64(len(entries))
	if err := db.writeTreeSize(size); err != nil {
		return fmt.Errorf("updating tree size: %w", err)
	}
	db.size = size
	return nil
}

// Entry reads back a stored entry.
func (db *FileDb) Entry(index uint64) (types.Entry, error) {
	data, err := os.ReadFile(db.certs.path(index))
	if err != nil {
		return types.Entry{}, err
	}
	var entry types.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return types.Entry{}, fmt.Errorf("invalid entry file for index %d: %w", index, err)
	}
	return entry, nil
}

// LeafHash reads back a stored leaf hash.
func (db *FileDb) LeafHash(index uint64) ([]byte, error) {
	return os.ReadFile(db.tree.path(index))
}

func (db *FileDb) Close() error {
	return nil
}
