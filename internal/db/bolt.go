package db

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"

	"sigsum.org/ct-mirror/internal/types"
)

var (
	entriesBucket = []byte("entries")
	metaBucket    = []byte("meta")
	treeSizeKey   = []byte("tree_size")
)

var boltOpenOptions = &bolt.Options{
	Timeout: 10 * time.Second,
}

// BoltDb stores entries in an embedded key/value database, keyed by
// big-endian index. The tree size is kept in a separate bucket and
// updated in the same transaction as the entries.
type BoltDb struct {
	db *bolt.DB
}

func NewBoltDb(path string) (*BoltDb, error) {
	db, err := bolt.Open(path, 0600, boltOpenOptions)
	if err != nil {
		return nil, fmt.Errorf("cannot open database at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{entriesBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &BoltDb{db: db}, nil
}

func indexKey(index uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], index)
	return key[:]
}

func boltTreeSize(tx *bolt.Tx) uint64 {
	v := tx.Bucket(metaBucket).Get(treeSizeKey)
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func (b *BoltDb) CurrentTreeSize(_ context.Context) (uint64, error) {
	var size uint64
	err := b.db.View(func(tx *bolt.Tx) error {
		size = boltTreeSize(tx)
		return nil
	})
	return size, err
}

func (b *BoltDb) AppendEntries(_ context.Context, index uint64, entries []types.Entry) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		entries, start, err := skipStored(boltTreeSize(tx), index, entries)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		bucket := tx.Bucket(entriesBucket)
		for i, entry := range entries {
			data, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			if err := bucket.Put(indexKey(start+uint64(i)), data); err != nil {
				return err
			}
		}
		return tx.Bucket(metaBucket).Put(treeSizeKey, indexKey(start+uint64(len(entries))))
	})
}

// Entry reads back a stored entry.
func (b *BoltDb) Entry(index uint64) (types.Entry, error) {
	var entry types.Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(entriesBucket).Get(indexKey(index))
		if data == nil {
			return fmt.Errorf("no entry at index %d", index)
		}
		return json.Unmarshal(data, &entry)
	})
	return entry, err
}

func (b *BoltDb) Close() error {
	return b.db.Close()
}
