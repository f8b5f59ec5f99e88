// Package persistence is the host's durable store for guest filesystem
// state that must survive a reload — a path-keyed blob table plus a
// separate metadata key/value table, the same split spec.md §6 describes
// for the embedding page's own backing store. Modeled on the teacher's
// host filesystem handle, a small struct wrapping a backend with plain
// CRUD methods, but backed by sqlite instead of the OS filesystem since
// there is no OS filesystem underneath a page.
package persistence

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	_ "modernc.org/sqlite"
)

// Entry is one stored blob's full metadata, matching spec.md §6's backend
// contract (mode/owner/group/mtime alongside the bytes).
type Entry struct {
	Path  string
	Data  []byte
	Mode  uint32
	Owner uint32
	Group uint32
	Mtime time.Time
}

// Store is the sqlite-backed implementation of bridge.PersistenceBackend,
// extended with the fuller contract (exists, total size, clear,
// export/import) spec.md §6 names but the host callback surface doesn't
// need directly.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a sqlite database at path and
// ensures its schema exists. path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open persistence store")
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS blobs (
			path  TEXT PRIMARY KEY,
			data  BLOB NOT NULL,
			mode  INTEGER NOT NULL DEFAULT 0,
			owner INTEGER NOT NULL DEFAULT 0,
			grp   INTEGER NOT NULL DEFAULT 0,
			mtime INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	return errors.Wrap(err, "migrate persistence schema")
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save implements bridge.PersistenceBackend.
func (s *Store) Save(ctx context.Context, path string, data []byte, mode uint32) error {
	return s.SaveEntry(ctx, Entry{Path: path, Data: data, Mode: mode})
}

// SaveEntry saves a blob with full metadata, used by callers that need
// more than the bridge's save/load/delete/list surface.
func (s *Store) SaveEntry(ctx context.Context, e Entry) error {
	mtime := e.Mtime
	if mtime.IsZero() {
		mtime = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (path, data, mode, owner, grp, mtime) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET data = excluded.data, mode = excluded.mode,
			owner = excluded.owner, grp = excluded.grp, mtime = excluded.mtime
	`, e.Path, e.Data, e.Mode, e.Owner, e.Group, mtime.UnixNano())
	return errors.Wrapf(err, "save entry %s", e.Path)
}

// Load implements bridge.PersistenceBackend.
func (s *Store) Load(ctx context.Context, path string) ([]byte, bool, error) {
	var data []byte

	err := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE path = ?`, path).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "load %s", path)
	}

	return data, true, nil
}

// LoadEntry loads a blob with its full metadata.
func (s *Store) LoadEntry(ctx context.Context, path string) (*Entry, bool, error) {
	var e Entry
	var nanos int64

	row := s.db.QueryRowContext(ctx, `SELECT path, data, mode, owner, grp, mtime FROM blobs WHERE path = ?`, path)
	err := row.Scan(&e.Path, &e.Data, &e.Mode, &e.Owner, &e.Group, &nanos)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "load entry %s", path)
	}

	e.Mtime = time.Unix(0, nanos)
	return &e, true, nil
}

// Delete implements bridge.PersistenceBackend.
func (s *Store) Delete(ctx context.Context, path string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE path = ?`, path)
	if err != nil {
		return false, errors.Wrapf(err, "delete %s", path)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "delete rows affected")
	}

	return n > 0, nil
}

// List implements bridge.PersistenceBackend.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM blobs WHERE path LIKE ? ESCAPE '\' ORDER BY path`, sqlPrefixPattern(prefix))
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", prefix)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, errors.Wrap(err, "scan list row")
		}
		paths = append(paths, p)
	}

	return paths, rows.Err()
}

// Exists reports whether path has a stored blob.
func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM blobs WHERE path = ?`, path).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "exists %s", path)
	}
	return true, nil
}

// TotalSize reports the combined byte size of every stored blob.
func (s *Store) TotalSize(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(LENGTH(data)) FROM blobs`).Scan(&total)
	if err != nil {
		return 0, errors.Wrap(err, "total size")
	}
	return total.Int64, nil
}

// Clear deletes every stored blob.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blobs`)
	return errors.Wrap(err, "clear store")
}

// Export returns every stored entry, for the embedding page's export
// feature.
func (s *Store) Export(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, data, mode, owner, grp, mtime FROM blobs ORDER BY path`)
	if err != nil {
		return nil, errors.Wrap(err, "export")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var nanos int64
		if err := rows.Scan(&e.Path, &e.Data, &e.Mode, &e.Owner, &e.Group, &nanos); err != nil {
			return nil, errors.Wrap(err, "scan export row")
		}
		e.Mtime = time.Unix(0, nanos)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Import replaces the store's contents with entries.
func (s *Store) Import(ctx context.Context, entries []Entry) error {
	if err := s.Clear(ctx); err != nil {
		return err
	}

	for _, e := range entries {
		if err := s.SaveEntry(ctx, e); err != nil {
			return err
		}
	}

	return nil
}

// SetMeta and Meta implement the metadata key/value side of the backend
// contract — small values unrelated to any one path, such as the last
// boot's init_task address.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return errors.Wrapf(err, "set meta %s", key)
}

func (s *Store) Meta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "get meta %s", key)
	}
	return value, true, nil
}

func sqlPrefixPattern(prefix string) string {
	escaped := strings.ReplaceAll(prefix, "%", "\\%")
	escaped = strings.ReplaceAll(escaped, "_", "\\_")
	return escaped + "%"
}
