package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the persistent measurement cache, one SQLite row per subframe
// keyed by absolute path. A row is only used while the file keeps the size
// and modification time it had when measured. A nil *Store is a disabled
// cache: lookups miss and writes are dropped.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	maxAge time.Duration
	now    func() time.Time
	Logger *slog.Logger
}

// Open opens (or creates) the cache database at path. Entries not seen for
// maxAge are pruned by Load; zero keeps them forever.
func Open(path string, maxAge time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("cache directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, maxAge: maxAge, now: time.Now}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS measurements (
            path TEXT PRIMARY KEY,
            mod_time INTEGER NOT NULL,
            size INTEGER NOT NULL,
            last_seen INTEGER NOT NULL,
            record TEXT NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_measurements_last_seen ON measurements(last_seen);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// IsEnabled reports whether s stores anything.
func (s *Store) IsEnabled() bool {
	return s != nil && s.db != nil
}

type fileIdentity struct {
	path    string
	modTime int64
	size    int64
}

func identify(path string) (fileIdentity, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fileIdentity{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fileIdentity{}, err
	}
	return fileIdentity{path: abs, modTime: info.ModTime().UnixNano(), size: info.Size()}, nil
}

// Get returns the cached record of path. Stale, unreadable, foreign-version
// and incomplete records are misses.
func (s *Store) Get(path string) (Record, bool) {
	if !s.IsEnabled() {
		return Record{}, false
	}
	id, err := identify(path)
	if err != nil {
		return Record{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var modTime, size int64
	var text string
	err = s.db.QueryRow(`SELECT mod_time, size, record FROM measurements WHERE path=?;`, id.path).Scan(&modTime, &size, &text)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger().Debug("cache lookup failed", "path", id.path, "error", err)
		}
		return Record{}, false
	}
	if modTime != id.modTime || size != id.size {
		return Record{}, false
	}
	rec, err := DecodeRecord(text)
	if err != nil || !rec.Valid() {
		return Record{}, false
	}
	if _, err := s.db.Exec(`UPDATE measurements SET last_seen=? WHERE path=?;`, s.now().Unix(), id.path); err != nil {
		s.logger().Debug("cache touch failed", "path", id.path, "error", err)
	}
	return rec, true
}

// Put stores rec for path, replacing any previous record.
func (s *Store) Put(path string, rec Record) error {
	if !s.IsEnabled() {
		return nil
	}
	id, err := identify(path)
	if err != nil {
		return fmt.Errorf("cache %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`INSERT INTO measurements (path, mod_time, size, last_seen, record) VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(path) DO UPDATE SET mod_time=excluded.mod_time, size=excluded.size, last_seen=excluded.last_seen, record=excluded.record;`,
		id.path, id.modTime, id.size, s.now().Unix(), rec.Encode())
	return err
}

// Load prunes entries older than the maximum age and returns the number of
// entries left.
func (s *Store) Load() (int, error) {
	if !s.IsEnabled() {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxAge > 0 {
		cutoff := s.now().Add(-s.maxAge).Unix()
		res, err := s.db.Exec(`DELETE FROM measurements WHERE last_seen < ?;`, cutoff)
		if err != nil {
			return 0, err
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			s.logger().Debug("pruned expired cache entries", "count", n)
		}
	}
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM measurements;`).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// Save flushes the write-ahead log into the database file.
func (s *Store) Save() error {
	if !s.IsEnabled() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE);`)
	return err
}

// Clear removes every entry.
func (s *Store) Clear() error {
	if !s.IsEnabled() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM measurements;`)
	return err
}

// Close saves and closes the database.
func (s *Store) Close() error {
	if !s.IsEnabled() {
		return nil
	}
	saveErr := s.Save()
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Close()
	s.db = nil
	return errors.Join(saveErr, err)
}
