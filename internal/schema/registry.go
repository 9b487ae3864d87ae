package schema

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"steward/internal/logging"
)

// ErrFieldInUse is returned when an evolution would remove or narrow a
// required field that at least one persisted record still carries.
var ErrFieldInUse = errors.New("field is required and in use; it may only be widened or made optional")

// ErrUnknownType is returned when an operation names an undefined entity type.
var ErrUnknownType = errors.New("unknown entity type")

// ErrUnknownVersion is returned when a version reference cannot be resolved.
var ErrUnknownVersion = errors.New("unknown schema version")

// InUseFunc reports how many live records of the given entity type carry a
// non-nil value for the field. Wired to the structured store at boot.
type InUseFunc func(entityType, field string) (int64, error)

// Persister durably records schema versions. Implemented by the structured
// store; versions are append-only, the unconfirmed flag being the one
// post-hoc update.
type Persister interface {
	AppendSchemaVersion(v VersionRecord) error
	LoadSchemaVersions() ([]VersionRecord, error)
	SetSchemaVersionFlags(version int64, unconfirmed bool) error
}

// VersionRecord is one persisted registry version.
type VersionRecord struct {
	Version     int64                 `json:"version"`
	Types       map[string]EntityType `json:"types"`
	Origin      string                `json:"origin"` // seed | evolution | rollback
	Unconfirmed bool                  `json:"unconfirmed"`
	CreatedAt   time.Time             `json:"created_at"`
}

// Registry is the versioned owner of entity type definitions.
// All reads resolve against an explicit version; writes append a new version.
type Registry struct {
	mu       sync.RWMutex
	versions []VersionRecord // append-only, versions[i].Version strictly increasing
	inUse    InUseFunc
	persist  Persister
}

// NewRegistry creates an empty registry at version 0 (no types).
func NewRegistry(inUse InUseFunc, persist Persister) *Registry {
	return &Registry{
		versions: []VersionRecord{{
			Version:   0,
			Types:     map[string]EntityType{},
			Origin:    "seed",
			CreatedAt: time.Now().UTC(),
		}},
		inUse:   inUse,
		persist: persist,
	}
}

// LoadRegistry rebuilds a registry from persisted versions.
func LoadRegistry(inUse InUseFunc, persist Persister) (*Registry, error) {
	r := NewRegistry(inUse, persist)
	if persist == nil {
		return r, nil
	}
	records, err := persist.LoadSchemaVersions()
	if err != nil {
		return nil, fmt.Errorf("load schema versions: %w", err)
	}
	if len(records) == 0 {
		return r, nil
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Version < records[j].Version })
	r.versions = append(r.versions, records...)
	logging.Registry("Schema registry loaded: %d versions, current=%d", len(records), r.Version())
	return r, nil
}

// Version returns the current (highest) version number.
func (r *Registry) Version() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.versions[len(r.versions)-1].Version
}

// current returns the latest version record. Caller holds at least RLock.
func (r *Registry) current() VersionRecord {
	return r.versions[len(r.versions)-1]
}

// Type resolves an entity type against the current version.
func (r *Registry) Type(name string) (EntityType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.current().Types[name]
	return t, ok
}

// TypeAt resolves an entity type against a specific version (audit/replay).
func (r *Registry) TypeAt(version int64, name string) (EntityType, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.versions) - 1; i >= 0; i-- {
		if r.versions[i].Version == version {
			t, ok := r.versions[i].Types[name]
			return t, ok, nil
		}
	}
	return EntityType{}, false, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
}

// Types returns all entity types at the current version, sorted by name.
func (r *Registry) Types() []EntityType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cur := r.current()
	out := make([]EntityType, 0, len(cur.Types))
	for _, t := range cur.Types {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// KnownVersion reports whether the given version exists in the history.
// The store uses this to reject mutations stamped with an unknown version.
func (r *Registry) KnownVersion(version int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.versions) - 1; i >= 0; i-- {
		if r.versions[i].Version == version {
			return true
		}
	}
	return false
}

// DefineType appends a new version containing the given type. Redefining an
// existing type must respect the additive-only invariant for every field.
func (r *Registry) DefineType(t EntityType, origin string, unconfirmed bool) (int64, error) {
	if t.Name == "" {
		return 0, fmt.Errorf("entity type name required")
	}
	seen := make(map[string]bool, len(t.Fields))
	for _, f := range t.Fields {
		if f.Name == "" {
			return 0, fmt.Errorf("entity type %s: field name required", t.Name)
		}
		if !ValidFieldType(f.Type) {
			return 0, fmt.Errorf("entity type %s field %s: invalid type %q", t.Name, f.Name, f.Type)
		}
		if seen[f.Name] {
			return 0, fmt.Errorf("entity type %s: duplicate field %s", t.Name, f.Name)
		}
		seen[f.Name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.current().Types[t.Name]; ok {
		if err := r.checkAdditiveLocked(prev, t); err != nil {
			return 0, err
		}
	}

	return r.appendLocked(func(types map[string]EntityType) {
		types[t.Name] = t.clone()
	}, origin, unconfirmed)
}

// AddField appends a version with one extra field on an existing type.
// New fields on types with existing records must be optional or carry a
// default - otherwise previously valid records would become invalid.
func (r *Registry) AddField(typeName string, f Field, origin string, unconfirmed bool) (int64, error) {
	if !ValidFieldType(f.Type) {
		return 0, fmt.Errorf("field %s: invalid type %q", f.Name, f.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.current().Types[typeName]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownType, typeName)
	}
	if _, exists := t.Field(f.Name); exists {
		return 0, fmt.Errorf("entity type %s already has field %s", typeName, f.Name)
	}
	if f.Required && f.Default == nil {
		return 0, fmt.Errorf("entity type %s: new field %s must be optional or have a default", typeName, f.Name)
	}

	return r.appendLocked(func(types map[string]EntityType) {
		nt := types[typeName].clone()
		nt.Fields = append(nt.Fields, f)
		types[typeName] = nt
	}, origin, unconfirmed)
}

// WidenField appends a version that widens a field's type or marks it
// optional. Narrowing is rejected; widening is always safe.
func (r *Registry) WidenField(typeName, fieldName string, newType FieldType, required bool, origin string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.current().Types[typeName]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownType, typeName)
	}
	f, ok := t.Field(fieldName)
	if !ok {
		return 0, fmt.Errorf("entity type %s has no field %s", typeName, fieldName)
	}
	if !widens(f.Type, newType) {
		return 0, fmt.Errorf("changing %s.%s from %s to %s is a narrowing", typeName, fieldName, f.Type, newType)
	}
	if required && !f.Required {
		if err := r.checkNotInUseLocked(typeName, fieldName); err != nil {
			return 0, fmt.Errorf("tightening %s.%s to required: %w", typeName, fieldName, err)
		}
	}

	return r.appendLocked(func(types map[string]EntityType) {
		nt := types[typeName].clone()
		for i := range nt.Fields {
			if nt.Fields[i].Name == fieldName {
				nt.Fields[i].Type = newType
				nt.Fields[i].Required = required
			}
		}
		types[typeName] = nt
	}, origin, false)
}

// RemoveField appends a version without the field. Rejected with ErrFieldInUse
// when the field is required and carried by live records.
func (r *Registry) RemoveField(typeName, fieldName, origin string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.current().Types[typeName]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownType, typeName)
	}
	f, ok := t.Field(fieldName)
	if !ok {
		return 0, fmt.Errorf("entity type %s has no field %s", typeName, fieldName)
	}
	if f.Required {
		if err := r.checkNotInUseLocked(typeName, fieldName); err != nil {
			return 0, err
		}
	}

	return r.appendLocked(func(types map[string]EntityType) {
		nt := types[typeName].clone()
		fields := nt.Fields[:0]
		for _, ff := range nt.Fields {
			if ff.Name != fieldName {
				fields = append(fields, ff)
			}
		}
		nt.Fields = fields
		types[typeName] = nt
	}, origin, false)
}

// RollbackTo appends a new version whose types equal the snapshot at the
// given version. History is never destroyed - rollback is itself an append.
func (r *Registry) RollbackTo(version int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var snapshot map[string]EntityType
	for i := len(r.versions) - 1; i >= 0; i-- {
		if r.versions[i].Version == version {
			snapshot = r.versions[i].Types
			break
		}
	}
	if snapshot == nil {
		return 0, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}

	return r.appendLocked(func(types map[string]EntityType) {
		for k := range types {
			delete(types, k)
		}
		for k, v := range snapshot {
			types[k] = v.clone()
		}
	}, "rollback", false)
}

// Confirm clears the unconfirmed flag on a provisional version, in the
// persisted record as well so the confirmation survives a restart.
func (r *Registry) Confirm(version int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.versions {
		if r.versions[i].Version == version {
			if r.persist != nil {
				if err := r.persist.SetSchemaVersionFlags(version, false); err != nil {
					return fmt.Errorf("persist schema confirm %d: %w", version, err)
				}
			}
			r.versions[i].Unconfirmed = false
			logging.Registry("Schema version %d confirmed", version)
			return nil
		}
	}
	return fmt.Errorf("%w: %d", ErrUnknownVersion, version)
}

// appendLocked builds the next version from the current one, applies mutate,
// persists it, and returns the new version number. Caller holds the write lock.
func (r *Registry) appendLocked(mutate func(types map[string]EntityType), origin string, unconfirmed bool) (int64, error) {
	cur := r.current()
	next := VersionRecord{
		Version:     cur.Version + 1,
		Types:       make(map[string]EntityType, len(cur.Types)),
		Origin:      origin,
		Unconfirmed: unconfirmed,
		CreatedAt:   time.Now().UTC(),
	}
	for k, v := range cur.Types {
		next.Types[k] = v.clone()
	}
	mutate(next.Types)

	if r.persist != nil {
		if err := r.persist.AppendSchemaVersion(next); err != nil {
			return 0, fmt.Errorf("persist schema version %d: %w", next.Version, err)
		}
	}

	r.versions = append(r.versions, next)
	logging.Registry("Schema version %d appended (origin=%s, unconfirmed=%v, types=%d)",
		next.Version, origin, unconfirmed, len(next.Types))
	return next.Version, nil
}

// checkAdditiveLocked verifies a redefinition keeps every in-use required
// field intact (present, not narrowed).
func (r *Registry) checkAdditiveLocked(prev, next EntityType) error {
	for _, pf := range prev.Fields {
		nf, ok := next.Field(pf.Name)
		if !ok {
			if pf.Required {
				if err := r.checkNotInUseLocked(prev.Name, pf.Name); err != nil {
					return err
				}
			}
			continue
		}
		if !widens(pf.Type, nf.Type) {
			return fmt.Errorf("redefining %s.%s from %s to %s is a narrowing", prev.Name, pf.Name, pf.Type, nf.Type)
		}
		if nf.Required && !pf.Required {
			if err := r.checkNotInUseLocked(prev.Name, pf.Name); err != nil {
				return fmt.Errorf("tightening %s.%s to required: %w", prev.Name, pf.Name, err)
			}
		}
	}
	return nil
}

func (r *Registry) checkNotInUseLocked(typeName, fieldName string) error {
	if r.inUse == nil {
		return nil
	}
	n, err := r.inUse(typeName, fieldName)
	if err != nil {
		return fmt.Errorf("checking field usage: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%w (%s.%s, %d records)", ErrFieldInUse, typeName, fieldName, n)
	}
	return nil
}
