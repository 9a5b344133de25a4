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
	jww "github.com/spf13/jwalterweatherman"
)

const (
	// DefaultDBFileName is the SQLite filename under app data dir.
	DefaultDBFileName = "megagram.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
)

// migration is one schema step. Its position in migrations is its
// user_version.
type migration struct {
	name  string
	stmts []string
}

var migrations = []migration{
	{
		name: "kv",
		stmts: []string{`
CREATE TABLE IF NOT EXISTS kv (
  key        TEXT PRIMARY KEY,
  value      TEXT NOT NULL,
  updated_at INTEGER NOT NULL
)`},
	},
	{
		name: "message archive",
		stmts: []string{`
CREATE TABLE IF NOT EXISTS messages (
  conversation_key TEXT NOT NULL,
  message_id       TEXT NOT NULL,
  sender           TEXT NOT NULL,
  recipient        TEXT NOT NULL,
  main_wallet      TEXT NOT NULL DEFAULT '',
  content          TEXT NOT NULL,
  timestamp        INTEGER NOT NULL,
  tx_hash          TEXT NOT NULL DEFAULT '',
  status           TEXT CHECK(status IN ('pending','delivered')) DEFAULT 'delivered',
  PRIMARY KEY (conversation_key, message_id)
)`, `
CREATE INDEX IF NOT EXISTS idx_messages_conversation_time
ON messages (conversation_key, timestamp DESC, message_id)`, `
CREATE INDEX IF NOT EXISTS idx_messages_tx_hash
ON messages (tx_hash)`},
	},
}

// Store is a thin wrapper around a SQLite connection holding the durable
// key-value table and the local message archive.
type Store struct {
	db *sql.DB

	checkpointInterval time.Duration
	stop               chan struct{}
	wg                 sync.WaitGroup
	closeOnce          sync.Once
}

// Open opens (or creates) megagram.db under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path, switches it to WAL and brings
// the schema up to date.
func OpenPath(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+filepath.ToSlash(dbPath)+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &Store{
		db:                 db,
		checkpointInterval: DefaultWALCheckpointInterval,
		stop:               make(chan struct{}),
	}
	for _, step := range []func() error{
		db.Ping,
		store.enableWALMode,
		store.migrate,
		store.checkpointWAL,
	} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	store.wg.Add(1)
	go store.checkpointLoop()
	return store, nil
}

// Close stops the checkpoint loop, truncates the WAL and closes the
// connection. Calling it again is a no-op.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		if cpErr := s.checkpointWAL(); cpErr != nil {
			jww.WARN.Printf("[STORAGE] %v", cpErr)
		}
		err = s.db.Close()
	})
	return err
}

// migrate applies every migration past the stored user_version, each in its
// own transaction.
func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		if err := s.applyMigration(i+1, migrations[i]); err != nil {
			return err
		}
		jww.DEBUG.Printf("[STORAGE] applied migration %d (%s)", i+1, migrations[i].name)
	}
	return nil
}

func (s *Store) applyMigration(version int, m migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", version, m.name, err)
		}
	}
	// PRAGMA does not take bind parameters.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("set schema version %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", version, err)
	}
	return nil
}

func (s *Store) enableWALMode() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("enable WAL mode: journal mode is %q", mode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

func (s *Store) checkpointLoop() {
	defer s.wg.Done()
	if s.checkpointInterval <= 0 {
		<-s.stop
		return
	}

	ticker := time.NewTicker(s.checkpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.checkpointWAL(); err != nil {
				jww.WARN.Printf("[STORAGE] %v", err)
			}
		case <-s.stop:
			return
		}
	}
}
