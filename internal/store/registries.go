package store

import (
	"encoding/json"
	"fmt"

	"steward/internal/schema"
	"steward/internal/workflow"
)

// The store implements schema.Persister and workflow.Persister so both
// registries survive restarts. Registry versions are append-only rows; the
// only post-hoc updates are the confirmation flags (unconfirmed on schema
// versions, unconfirmed/revoked on workflow versions).

// AppendSchemaVersion persists one schema registry version.
func (s *Store) AppendSchemaVersion(v schema.VersionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	typesJSON, err := json.Marshal(v.Types)
	if err != nil {
		return fmt.Errorf("marshal schema version %d: %w", v.Version, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO schema_versions (version, types_json, origin, unconfirmed, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		v.Version, string(typesJSON), v.Origin, boolInt(v.Unconfirmed), v.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert schema version %d: %w", v.Version, err)
	}
	return nil
}

// LoadSchemaVersions returns every persisted schema version, unordered.
func (s *Store) LoadSchemaVersions() ([]schema.VersionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT version, types_json, origin, unconfirmed, created_at FROM schema_versions`)
	if err != nil {
		return nil, fmt.Errorf("query schema versions: %w", err)
	}
	defer rows.Close()

	var out []schema.VersionRecord
	for rows.Next() {
		var v schema.VersionRecord
		var typesJSON string
		var unconfirmed int
		if err := rows.Scan(&v.Version, &typesJSON, &v.Origin, &unconfirmed, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.Unconfirmed = unconfirmed != 0
		if err := json.Unmarshal([]byte(typesJSON), &v.Types); err != nil {
			return nil, fmt.Errorf("unmarshal schema version %d: %w", v.Version, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// SetSchemaVersionFlags updates the unconfirmed flag of a persisted version.
func (s *Store) SetSchemaVersionFlags(version int64, unconfirmed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE schema_versions SET unconfirmed = ? WHERE version = ?`,
		boolInt(unconfirmed), version)
	if err != nil {
		return fmt.Errorf("update schema flags %d: %w", version, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schema version %d not persisted", version)
	}
	return nil
}

// AppendWorkflowVersion persists one workflow definition version.
func (s *Store) AppendWorkflowVersion(d workflow.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	defJSON, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal workflow %s: %w", d.Key(), err)
	}
	_, err = s.db.Exec(`
		INSERT INTO workflow_versions (workflow_id, version, definition_json, unconfirmed, revoked, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.Version, string(defJSON), boolInt(d.Unconfirmed), boolInt(d.Revoked), d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert workflow %s: %w", d.Key(), err)
	}
	return nil
}

// LoadWorkflowVersions returns every persisted workflow version, unordered.
func (s *Store) LoadWorkflowVersions() ([]workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT definition_json, unconfirmed, revoked FROM workflow_versions`)
	if err != nil {
		return nil, fmt.Errorf("query workflow versions: %w", err)
	}
	defer rows.Close()

	var out []workflow.Definition
	for rows.Next() {
		var defJSON string
		var unconfirmed, revoked int
		if err := rows.Scan(&defJSON, &unconfirmed, &revoked); err != nil {
			return nil, err
		}
		var d workflow.Definition
		if err := json.Unmarshal([]byte(defJSON), &d); err != nil {
			return nil, fmt.Errorf("unmarshal workflow definition: %w", err)
		}
		// Flag columns win over the serialized copy.
		d.Unconfirmed = unconfirmed != 0
		d.Revoked = revoked != 0
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetWorkflowVersionFlags updates the review flags of a persisted version.
func (s *Store) SetWorkflowVersionFlags(id string, version int64, unconfirmed, revoked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE workflow_versions SET unconfirmed = ?, revoked = ?
		WHERE workflow_id = ? AND version = ?`,
		boolInt(unconfirmed), boolInt(revoked), id, version)
	if err != nil {
		return fmt.Errorf("update workflow flags %s@%d: %w", id, version, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("workflow version %s@%d not persisted", id, version)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
