package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique natural key is already taken.
	ErrConflict = errors.New("already exists")
)

// Store provides database operations.
type Store struct {
	db     *sql.DB
	dbPath string
}

// New opens (or creates) the SQLite database and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single-writer
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return &Store{db: db, dbPath: dbPath}, nil
}

// Write transactions take the lock up front so concurrent registrations of the
// same hostname serialize instead of failing on upgrade.
func dsn(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
}

// DBPath returns the database file path.
func (s *Store) DBPath() string { return s.dbPath }

// Ping checks that the database is reachable.
func (s *Store) Ping() error { return s.db.Ping() }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

// Unsigned capacities are stored as their int64 bit pattern.
func nullUint(v *uint64) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}
