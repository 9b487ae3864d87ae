package workflow

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"steward/internal/logging"
)

// ErrUnknownWorkflow is returned when no definition exists for an id.
var ErrUnknownWorkflow = errors.New("unknown workflow")

// ErrUnknownVersion is returned when an id@version cannot be resolved.
var ErrUnknownVersion = errors.New("unknown workflow version")

// Persister durably records workflow definition versions. Implemented by the
// structured store; versions are append-only, revocation is a flag update.
type Persister interface {
	AppendWorkflowVersion(d Definition) error
	LoadWorkflowVersions() ([]Definition, error)
	SetWorkflowVersionFlags(id string, version int64, unconfirmed, revoked bool) error
}

// Registry is the versioned owner of workflow definitions.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string][]Definition // versions ascending
	lastUsed map[string]time.Time    // MRU per id, for matcher tie-breaks
	persist  Persister
}

// NewRegistry creates an empty workflow registry.
func NewRegistry(persist Persister) *Registry {
	return &Registry{
		byID:     make(map[string][]Definition),
		lastUsed: make(map[string]time.Time),
		persist:  persist,
	}
}

// LoadRegistry rebuilds a registry from persisted versions.
func LoadRegistry(persist Persister) (*Registry, error) {
	r := NewRegistry(persist)
	if persist == nil {
		return r, nil
	}
	defs, err := persist.LoadWorkflowVersions()
	if err != nil {
		return nil, fmt.Errorf("load workflow versions: %w", err)
	}
	for _, d := range defs {
		r.byID[d.ID] = append(r.byID[d.ID], d)
	}
	for id := range r.byID {
		sort.Slice(r.byID[id], func(i, j int) bool {
			return r.byID[id][i].Version < r.byID[id][j].Version
		})
	}
	logging.Registry("Workflow registry loaded: %d workflows, %d versions", len(r.byID), len(defs))
	return r, nil
}

// Register appends a new version of a definition. The version number is
// assigned by the registry; callers pass Version 0.
func (r *Registry) Register(d Definition) (Definition, error) {
	if err := d.Validate(); err != nil {
		return Definition{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.byID[d.ID]
	var next int64 = 1
	if len(existing) > 0 {
		next = existing[len(existing)-1].Version + 1
	}
	d = d.clone()
	d.Version = next
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	if r.persist != nil {
		if err := r.persist.AppendWorkflowVersion(d); err != nil {
			return Definition{}, fmt.Errorf("persist workflow %s: %w", d.Key(), err)
		}
	}

	r.byID[d.ID] = append(existing, d)
	logging.Registry("Workflow registered: %s (origin=%s, unconfirmed=%v, slots=%d, rules=%d)",
		d.Key(), d.Origin, d.Unconfirmed, len(d.Slots), len(d.Rules))
	return d, nil
}

// Latest returns the newest non-revoked version of a workflow.
func (r *Registry) Latest(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := r.byID[id]
	for i := len(versions) - 1; i >= 0; i-- {
		if !versions[i].Revoked {
			return versions[i].clone(), true
		}
	}
	return Definition{}, false
}

// Resolve returns a specific version; revoked versions remain resolvable for
// audit, only matching skips them.
func (r *Registry) Resolve(id string, version int64) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.byID[id] {
		if d.Version == version {
			return d.clone(), nil
		}
	}
	if len(r.byID[id]) == 0 {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownWorkflow, id)
	}
	return Definition{}, fmt.Errorf("%w: %s@%d", ErrUnknownVersion, id, version)
}

// Active returns the latest non-revoked version of every workflow, sorted
// by id. This is the match surface.
func (r *Registry) Active() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.byID))
	for _, versions := range r.byID {
		for i := len(versions) - 1; i >= 0; i-- {
			if !versions[i].Revoked {
				out = append(out, versions[i].clone())
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Touch records workflow usage for the MRU tie-break heuristic.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastUsed[id] = time.Now()
}

// LastUsed returns when the workflow last executed (zero time if never).
func (r *Registry) LastUsed(id string) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastUsed[id]
}

// Confirm clears the unconfirmed flag on a provisional version.
func (r *Registry) Confirm(id string, version int64) error {
	return r.setFlags(id, version, false, false)
}

// Revoke marks a provisional version revoked. The prior version, if any,
// becomes the latest match target again.
func (r *Registry) Revoke(id string, version int64) error {
	return r.setFlags(id, version, false, true)
}

func (r *Registry) setFlags(id string, version int64, unconfirmed, revoked bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.byID[id]
	for i := range versions {
		if versions[i].Version == version {
			if r.persist != nil {
				if err := r.persist.SetWorkflowVersionFlags(id, version, unconfirmed, revoked); err != nil {
					return fmt.Errorf("persist workflow flags %s@%d: %w", id, version, err)
				}
			}
			versions[i].Unconfirmed = unconfirmed
			versions[i].Revoked = revoked
			logging.Registry("Workflow %s@%d flags updated: unconfirmed=%v revoked=%v", id, version, unconfirmed, revoked)
			return nil
		}
	}
	if len(versions) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownWorkflow, id)
	}
	return fmt.Errorf("%w: %s@%d", ErrUnknownVersion, id, version)
}
