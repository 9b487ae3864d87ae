package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"steward/internal/logging"
)

// EntityInstance is one stored record conforming to an entity type.
// RecordVersion increments on every mutation and backs optimistic concurrency.
type EntityInstance struct {
	ID            string                 `json:"id"`
	EntityType    string                 `json:"entity_type"`
	Fields        map[string]interface{} `json:"fields"`
	SchemaVersion int64                  `json:"schema_version"`
	RecordVersion int64                  `json:"record_version"`
	Deleted       bool                   `json:"deleted,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// MutationKind is the kind of one transactional step.
type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete" // soft delete
)

// Mutation is one step of an atomic transaction.
type Mutation struct {
	Kind MutationKind

	// Instance carries the full record for create, or ID plus the new field
	// map for update/delete.
	Instance EntityInstance

	// ExpectedVersion is the record version the caller observed; a mismatch
	// at commit time yields ErrConflict. Ignored for create.
	ExpectedVersion int64
}

// Filter is an equality constraint on a field for Query.
type Filter struct {
	Field string
	Value interface{}
}

// TxResult reports the record versions written by a successful transaction.
type TxResult struct {
	NewVersions map[string]int64 // instance id -> record version
}

// Get returns a live (non-deleted) instance by type and id.
func (s *Store) Get(ctx context.Context, entityType, id string) (*EntityInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_type, fields_json, schema_version, record_version, deleted, created_at, updated_at
		FROM entity_instances WHERE id = ? AND entity_type = ? AND deleted = 0`, id, entityType)
	return scanInstance(row)
}

// Query returns live instances of a type matching every filter (equality on
// JSON fields). Filters may be empty to list all instances of the type.
func (s *Store) Query(ctx context.Context, entityType string, filters []Filter) ([]EntityInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `SELECT id, entity_type, fields_json, schema_version, record_version, deleted, created_at, updated_at
		FROM entity_instances WHERE entity_type = ? AND deleted = 0`
	args := []interface{}{entityType}
	for _, f := range filters {
		q += " AND json_extract(fields_json, '$.' || ?) = ?"
		args = append(args, f.Field, f.Value)
	}
	q += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", entityType, err)
	}
	defer rows.Close()

	var out []EntityInstance
	for rows.Next() {
		inst, err := scanInstanceRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

// FieldInUseCount reports how many live instances of the type carry a
// non-null value for the field. Wired into the schema registry's
// additive-only check.
func (s *Store) FieldInUseCount(entityType, field string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM entity_instances
		WHERE entity_type = ? AND deleted = 0
		AND json_extract(fields_json, '$.' || ?) IS NOT NULL`, entityType, field).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("field usage count %s.%s: %w", entityType, field, err)
	}
	return n, nil
}

// CountByField reports how many live instances of the type carry the given
// value in the given field. Backs count() rule predicates.
func (s *Store) CountByField(ctx context.Context, entityType, field string, value interface{}) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM entity_instances
		WHERE entity_type = ? AND deleted = 0
		AND json_extract(fields_json, '$.' || ?) = ?`, entityType, field, value).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s.%s: %w", entityType, field, err)
	}
	return n, nil
}

// Transact applies all mutations and the execution log entry as one atomic
// SQLite transaction. Any version mismatch aborts the whole transaction with
// ErrConflict; no partial writes are observable. A mutation carrying a schema
// version the store has never persisted is rejected.
func (s *Store) Transact(ctx context.Context, mutations []Mutation, logEntry *LogEntry) (*TxResult, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Transact")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result := &TxResult{NewVersions: make(map[string]int64)}
	now := time.Now().UTC()

	for _, m := range mutations {
		if err := s.checkSchemaVersionTx(tx, m.Instance.SchemaVersion); err != nil {
			return nil, err
		}

		switch m.Kind {
		case MutationCreate:
			fieldsJSON, err := json.Marshal(m.Instance.Fields)
			if err != nil {
				return nil, fmt.Errorf("marshal fields for %s: %w", m.Instance.ID, err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO entity_instances (id, entity_type, fields_json, schema_version, record_version, created_at, updated_at)
				VALUES (?, ?, ?, ?, 1, ?, ?)`,
				m.Instance.ID, m.Instance.EntityType, string(fieldsJSON), m.Instance.SchemaVersion, now, now)
			if err != nil {
				return nil, fmt.Errorf("insert %s: %w", m.Instance.ID, err)
			}
			result.NewVersions[m.Instance.ID] = 1

		case MutationUpdate:
			fieldsJSON, err := json.Marshal(m.Instance.Fields)
			if err != nil {
				return nil, fmt.Errorf("marshal fields for %s: %w", m.Instance.ID, err)
			}
			res, err := tx.ExecContext(ctx, `
				UPDATE entity_instances
				SET fields_json = ?, schema_version = ?, record_version = record_version + 1, updated_at = ?
				WHERE id = ? AND record_version = ? AND deleted = 0`,
				string(fieldsJSON), m.Instance.SchemaVersion, now, m.Instance.ID, m.ExpectedVersion)
			if err != nil {
				return nil, fmt.Errorf("update %s: %w", m.Instance.ID, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				logging.StoreDebug("Transact conflict: %s expected version %d", m.Instance.ID, m.ExpectedVersion)
				return nil, fmt.Errorf("%w: %s", ErrConflict, m.Instance.ID)
			}
			result.NewVersions[m.Instance.ID] = m.ExpectedVersion + 1

		case MutationDelete:
			res, err := tx.ExecContext(ctx, `
				UPDATE entity_instances
				SET deleted = 1, record_version = record_version + 1, updated_at = ?
				WHERE id = ? AND record_version = ? AND deleted = 0`,
				now, m.Instance.ID, m.ExpectedVersion)
			if err != nil {
				return nil, fmt.Errorf("delete %s: %w", m.Instance.ID, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return nil, fmt.Errorf("%w: %s", ErrConflict, m.Instance.ID)
			}
			result.NewVersions[m.Instance.ID] = m.ExpectedVersion + 1

		default:
			return nil, fmt.Errorf("unknown mutation kind %q", m.Kind)
		}
	}

	// The log entry commits with the mutations; the audit trail never lags
	// behind the store.
	if logEntry != nil {
		if err := appendLogTx(ctx, tx, logEntry); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	logging.StoreDebug("Transact committed: %d mutations", len(mutations))
	return result, nil
}

// checkSchemaVersionTx rejects mutations stamped with a schema version the
// store has never seen. Version 0 (empty bootstrap registry) is always known.
func (s *Store) checkSchemaVersionTx(tx *sql.Tx, version int64) error {
	if version == 0 {
		return nil
	}
	var n int64
	if err := tx.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", version).Scan(&n); err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrUnknownSchemaVersion, version)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row *sql.Row) (*EntityInstance, error) {
	inst, err := scanInstanceFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inst, err
}

func scanInstanceRows(rows *sql.Rows) (*EntityInstance, error) {
	return scanInstanceFrom(rows)
}

func scanInstanceFrom(r rowScanner) (*EntityInstance, error) {
	var inst EntityInstance
	var fieldsJSON string
	var deleted int
	if err := r.Scan(&inst.ID, &inst.EntityType, &fieldsJSON, &inst.SchemaVersion,
		&inst.RecordVersion, &deleted, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		return nil, err
	}
	inst.Deleted = deleted != 0
	if err := json.Unmarshal([]byte(fieldsJSON), &inst.Fields); err != nil {
		return nil, fmt.Errorf("unmarshal fields for %s: %w", inst.ID, err)
	}
	return &inst, nil
}
