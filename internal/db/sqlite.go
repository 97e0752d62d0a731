package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"sigsum.org/ct-mirror/internal/types"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS entries (
	idx INTEGER PRIMARY KEY,
	leaf_input BLOB NOT NULL,
	extra_data BLOB
)`

// SqliteDb stores entries in a single SQL table. The tree size is
// derived from the largest stored index, which is contiguous since
// appends below the current size are skipped.
type SqliteDb struct {
	db *sql.DB
}

func NewSqliteDb(path string) (*SqliteDb, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cannot open database at %s: %w", path, err)
	}
	// A single connection serializes appends.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SqliteDb{db: db}, nil
}

func sqliteTreeSize(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}) (uint64, error) {
	var size int64
	if err := q.QueryRowContext(ctx, "SELECT COALESCE(MAX(idx) + 1, 0) FROM entries").Scan(&size); err != nil {
		return 0, err
	}
	return uint64(size), nil
}

func (s *SqliteDb) CurrentTreeSize(ctx context.Context) (uint64, error) {
	return sqliteTreeSize(ctx, s.db)
}

func (s *SqliteDb) AppendEntries(ctx context.Context, index uint64, entries []types.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	size, err := sqliteTreeSize(ctx, tx)
	if err != nil {
		return err
	}
	entries, start, err := skipStored(size, index, entries)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR IGNORE INTO entries (idx, leaf_input, extra_data) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, entry := range entries {
		if _, err := stmt.ExecContext(ctx, int64(start)+int64(i), entry.LeafInput, entry.ExtraData); err != nil {
			return fmt.Errorf("inserting entry %d: %w", start+uint64(i), err)
		}
	}
	return tx.Commit()
}

// Entry reads back a stored entry.
func (s *SqliteDb) Entry(ctx context.Context, index uint64) (types.Entry, error) {
	var entry types.Entry
	err := s.db.QueryRowContext(ctx,
		"SELECT leaf_input, extra_data FROM entries WHERE idx = ?", int64(index)).Scan(
		&entry.LeafInput, &entry.ExtraData)
	return entry, err
}

func (s *SqliteDb) Close() error {
	return s.db.Close()
}
