package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// DefaultDBFileName is the SQLite filename under the app data dir.
	DefaultDBFileName = "messages.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS messages (
  id           TEXT PRIMARY KEY,
  local_id     TEXT NOT NULL DEFAULT '',
  sender_id    INTEGER NOT NULL,
  receiver_id  INTEGER NOT NULL,
  pair_low     INTEGER NOT NULL,
  pair_high    INTEGER NOT NULL,
  content      TEXT NOT NULL,
  iv           TEXT NOT NULL,
  attachments  TEXT NOT NULL DEFAULT '[]',
  is_read      INTEGER NOT NULL DEFAULT 0,
  is_delivered INTEGER NOT NULL DEFAULT 0,
  version      INTEGER NOT NULL DEFAULT 1,
  edited       INTEGER NOT NULL DEFAULT 0,
  created_at   INTEGER NOT NULL,
  updated_at   INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_pair_time
ON messages (pair_low, pair_high, created_at, id);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_direction_time
ON messages (sender_id, receiver_id, created_at);
`,
	`
CREATE TABLE IF NOT EXISTS private_keys (
  user_id       INTEGER PRIMARY KEY,
  encrypted_key TEXT NOT NULL,
  iv            TEXT NOT NULL,
  updated_at    INTEGER NOT NULL
);
`,
}

// Option customizes a Store at open time.
type Option func(*Store)

// WithLogger sets the logger used for skipped or degraded records.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.log = logger
	}
}

// Store is the local message store: a thin wrapper around a SQLite connection.
//
// Writers are serialized by SQLite itself; put-if-absent relies on a single
// INSERT ... ON CONFLICT DO NOTHING, so concurrent puts of one id keep one row.
type Store struct {
	db  *sql.DB
	log zerolog.Logger

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	closeOnce             sync.Once
}

// Open opens (or creates) messages.db under the given data directory and runs migrations.
func Open(dataDir string, opts ...Option) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", errors.Wrap(err, "create storage directory")
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath, opts...)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite database")
	}

	store := &Store{
		db:                    db,
		log:                   zerolog.Nop(),
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return errors.Wrap(err, "read schema version")
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin migration transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return errors.Wrapf(err, "apply migration %d", i+1)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return errors.Wrapf(err, "set schema version %d", i+1)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit migration transaction")
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	if !strings.EqualFold(journalMode, "wal") {
		return errors.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return errors.Wrap(err, "wal checkpoint truncate")
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.checkpointWAL(); err != nil {
					s.log.Warn().Err(err).Msg("Periodic WAL checkpoint failed")
				}
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}
