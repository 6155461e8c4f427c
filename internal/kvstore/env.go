// Package kvstore opens the single sqlite-backed, write-transactional
// environment that internal/lockstore and internal/swapstore share,
// plus internal/blocklog's replay log and internal/sidechain's
// per-PegAdvance-block pre-tick swap snapshots. All tables live in one
// database so that a block connect/disconnect can mutate lock and swap
// state inside one *sql.Tx.
package kvstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/coinshift/coinshift/pkg/logging"
)

// Env is the shared write-transactional ordered-KV environment.
type Env struct {
	db   *sql.DB
	path string
	mu   sync.Mutex // serializes logical write transactions; one writer, ever
	log  *logging.Logger
}

// Config configures the environment.
type Config struct {
	// DataDir holds the sqlite file; created if missing.
	DataDir string
	// InMemory opens a shared-cache :memory: database instead, for tests.
	// Every InMemory Env open at the same time in one process sees the
	// same database.
	InMemory bool
}

// Open opens (creating if necessary) the environment's sqlite database
// and initializes its schema.
func Open(cfg Config) (*Env, error) {
	var dsn, path string

	if cfg.InMemory {
		dsn = "file::memory:?cache=shared&_journal_mode=WAL&_busy_timeout=5000"
		path = ":memory:"
	} else {
		dataDir := expandPath(cfg.DataDir)
		if err := os.MkdirAll(dataDir, 0700); err != nil {
			return nil, fmt.Errorf("kvstore: create data dir: %w", err)
		}
		path = filepath.Join(dataDir, "coinshift.db")
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // sqlite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	e := &Env{
		db:   db,
		path: path,
		log:  logging.GetDefault().Component("kvstore"),
	}

	if err := e.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: init schema: %w", err)
	}

	return e, nil
}

// Close closes the underlying database.
func (e *Env) Close() error {
	return e.db.Close()
}

// DB returns the raw *sql.DB for components that need read-only queries
// outside an explicit write transaction.
func (e *Env) DB() *sql.DB {
	return e.db
}

// WriteTx runs fn inside one write transaction, holding Env's writer lock
// for the duration — every state mutation in the daemon goes through
// here. fn's error aborts the transaction; a nil return commits.
func (e *Env) WriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kvstore: begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			e.log.Warn("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("kvstore: commit tx: %w", err)
	}

	return nil
}

func (e *Env) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS swaps (
		swap_id BLOB PRIMARY KEY,
		data BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS swaps_by_l1_txid (
		parent_chain INTEGER NOT NULL,
		l1_txid BLOB NOT NULL,
		swap_id BLOB NOT NULL,
		PRIMARY KEY (parent_chain, l1_txid)
	);

	CREATE TABLE IF NOT EXISTS swaps_by_state (
		state_tag INTEGER NOT NULL,
		swap_id BLOB NOT NULL,
		PRIMARY KEY (state_tag, swap_id)
	);

	CREATE TABLE IF NOT EXISTS swaps_by_recipient (
		recipient BLOB NOT NULL,
		swap_id BLOB NOT NULL,
		seq INTEGER NOT NULL,
		PRIMARY KEY (recipient, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_swaps_by_recipient_swap ON swaps_by_recipient(swap_id);

	CREATE TABLE IF NOT EXISTS locked_swap_outputs (
		txid BLOB NOT NULL,
		vout INTEGER NOT NULL,
		swap_id BLOB NOT NULL,
		PRIMARY KEY (txid, vout)
	);
	CREATE INDEX IF NOT EXISTS idx_locked_swap_outputs_swap ON locked_swap_outputs(swap_id);

	CREATE TABLE IF NOT EXISTS sidechain_utxos (
		txid BLOB NOT NULL,
		vout INTEGER NOT NULL,
		address BLOB NOT NULL,
		value INTEGER NOT NULL,
		spent_at_height INTEGER,
		PRIMARY KEY (txid, vout)
	);
	CREATE INDEX IF NOT EXISTS idx_sidechain_utxos_address ON sidechain_utxos(address);

	CREATE TABLE IF NOT EXISTS sidechain_blocks (
		height INTEGER PRIMARY KEY,
		hash BLOB NOT NULL,
		data BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS peg_tick_snapshots (
		height INTEGER NOT NULL,
		swap_id BLOB NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (height, swap_id)
	);
	`

	_, err := e.db.Exec(schema)
	return err
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
