// Package store implements the Structured Store Adapter on SQLite: typed
// entity instance storage under a dynamic schema, the append-only execution
// log, and durable persistence for the schema and workflow registries.
//
// The store is the transactional boundary of the system. Entity mutations are
// applied in a single SQLite transaction with per-record optimistic version
// checks; a version mismatch surfaces as ErrConflict, never as a lost update.
// The execution log entry for a mutation is written in the same transaction,
// so the audit trail can never lag behind truth.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"steward/internal/logging"
)

// ErrConflict is returned when a mutation's expected record version no longer
// matches the stored one (concurrent writer won).
var ErrConflict = errors.New("store conflict: record version mismatch")

// ErrNotFound is returned when an instance does not exist or is soft-deleted.
var ErrNotFound = errors.New("entity instance not found")

// ErrUnknownSchemaVersion is returned when a mutation carries a schema
// version the store has never persisted.
var ErrUnknownSchemaVersion = errors.New("mutation carries unrecognized schema version")

// Store provides typed access to entity records, the execution log, and
// registry version persistence.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewStore initializes the SQLite database at the given path.
// Use ":memory:" for tests.
func NewStore(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewStore")
	defer timer.Stop()

	logging.Store("Initializing store at path: %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// WAL already provides crash recovery; NORMAL is a large write speedup
	// over the FULL default.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Store initialization complete")
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	entityTable := `
	CREATE TABLE IF NOT EXISTS entity_instances (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		fields_json TEXT NOT NULL,
		schema_version INTEGER NOT NULL,
		record_version INTEGER NOT NULL DEFAULT 1,
		deleted INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_entities_type ON entity_instances(entity_type);
	CREATE INDEX IF NOT EXISTS idx_entities_deleted ON entity_instances(deleted);
	`

	logTable := `
	CREATE TABLE IF NOT EXISTS execution_log (
		id TEXT PRIMARY KEY,
		request_text TEXT NOT NULL,
		workflow_id TEXT,
		workflow_version INTEGER,
		schema_version INTEGER,
		outcome TEXT NOT NULL,
		detail_json TEXT,
		flag TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_log_workflow ON execution_log(workflow_id, workflow_version);
	CREATE INDEX IF NOT EXISTS idx_log_outcome ON execution_log(outcome);
	CREATE INDEX IF NOT EXISTS idx_log_created ON execution_log(created_at);
	`

	schemaTable := `
	CREATE TABLE IF NOT EXISTS schema_versions (
		version INTEGER PRIMARY KEY,
		types_json TEXT NOT NULL,
		origin TEXT NOT NULL,
		unconfirmed INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	workflowTable := `
	CREATE TABLE IF NOT EXISTS workflow_versions (
		workflow_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		definition_json TEXT NOT NULL,
		unconfirmed INTEGER NOT NULL DEFAULT 0,
		revoked INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY(workflow_id, version)
	);
	`

	indexTable := `
	CREATE TABLE IF NOT EXISTS fuzzy_documents (
		doc_id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		doc_type TEXT NOT NULL DEFAULT '',
		embedding TEXT,
		metadata TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_fuzzy_type ON fuzzy_documents(doc_type);
	`

	memoryTable := `
	CREATE TABLE IF NOT EXISTS memory_facts (
		predicate TEXT NOT NULL,
		args TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY(predicate, args)
	);
	CREATE INDEX IF NOT EXISTS idx_memory_predicate ON memory_facts(predicate);
	`

	for _, table := range []string{
		entityTable,
		logTable,
		schemaTable,
		workflowTable,
		indexTable,
		memoryTable,
	} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("Closing store database connection")
	return s.db.Close()
}

// DB returns the underlying SQL database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Stats returns row counts per table.
func (s *Store) Stats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	tables := []string{"entity_instances", "execution_log", "schema_versions", "workflow_versions", "fuzzy_documents", "memory_facts"}
	for _, table := range tables {
		var count int64
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			logging.StoreDebug("Table %s count failed: %v", table, err)
			continue
		}
		stats[table] = count
	}
	return stats, nil
}
