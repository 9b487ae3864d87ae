package engine

import (
	"context"

	"steward/internal/schema"
	"steward/internal/store"
	"steward/internal/workflow"
)

// =============================================================================
// BINDINGS
// =============================================================================

// BoundSlot is one entity slot of a candidate binding: either an existing
// instance recalled from the store, or a proto-entity extracted from the
// request text and marked for creation.
type BoundSlot struct {
	Slot       string                 `json:"slot"`
	EntityType string                 `json:"entity_type"`
	InstanceID string                 `json:"instance_id,omitempty"`
	Fields     map[string]interface{} `json:"fields"`

	// Proto marks a newly extracted entity that does not exist in the store
	// yet. Proto slots are created by the executor, never linked.
	Proto bool `json:"proto,omitempty"`

	// RecordVersion of the existing instance at match time, for optimistic
	// concurrency at execution.
	RecordVersion int64 `json:"record_version,omitempty"`

	Confidence float64 `json:"confidence"`
}

// CandidateBinding is a transient per-request pairing of a workflow version
// with extracted slot bindings. Discarded after validation or execution.
type CandidateBinding struct {
	Workflow workflow.Definition   `json:"workflow"`
	Slots    map[string]*BoundSlot `json:"slots"`

	// TriggerScore is the raw fuzzy similarity between request and trigger.
	TriggerScore float64 `json:"trigger_score"`

	// Confidence is the geometric mean of trigger score and slot confidences,
	// plus any memory boost, clamped to [0,1].
	Confidence float64 `json:"confidence"`

	RequestText string `json:"request_text"`
}

// ResolvedBinding is a candidate that passed validation. SchemaVersion pins
// the registry version the binding was validated against.
type ResolvedBinding struct {
	CandidateBinding
	SchemaVersion int64 `json:"schema_version"`
}

// MutationResult reports the instances a successful execution touched.
type MutationResult struct {
	Created []string `json:"created,omitempty"`
	Updated []string `json:"updated,omitempty"`
}

// Empty reports whether the execution mutated nothing (pure query workflow).
func (m MutationResult) Empty() bool {
	return len(m.Created) == 0 && len(m.Updated) == 0
}

// Status of a finished request.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ExecutionResult is the outcome returned to the caller of
// InterpretAndExecute. Failed results always carry explanations sufficient
// for a human to correct the input or approve an evolution.
type ExecutionResult struct {
	Status       Status          `json:"status"`
	WorkflowKey  string          `json:"workflow_key,omitempty"`
	Mutation     *MutationResult `json:"mutation,omitempty"`
	Explanations []string        `json:"explanations,omitempty"`

	// EvolutionID is set when this request committed a provisional evolution
	// awaiting human confirmation.
	EvolutionID string `json:"evolution_id,omitempty"`
}

// =============================================================================
// RULE EVALUATION ENVIRONMENT
// =============================================================================

// evalEnv adapts a candidate binding plus registry/store state to the rule
// interpreter's view.
type evalEnv struct {
	ctx     context.Context
	binding *CandidateBinding
	schemas *schema.Registry
	store   *store.Store
}

var _ workflow.EvalEnv = (*evalEnv)(nil)

func (e *evalEnv) SlotFields(slot string) (map[string]interface{}, bool) {
	b, ok := e.binding.Slots[slot]
	if !ok || b == nil {
		return nil, false
	}
	fields := b.Fields
	if b.InstanceID != "" {
		if fields == nil {
			fields = make(map[string]interface{}, 1)
		}
		if _, has := fields["id"]; !has {
			fields["id"] = b.InstanceID
		}
	}
	return fields, true
}

func (e *evalEnv) SlotExists(slot string) bool {
	b, ok := e.binding.Slots[slot]
	return ok && b != nil && !b.Proto && b.InstanceID != ""
}

func (e *evalEnv) SlotValid(slot string) bool {
	b, ok := e.binding.Slots[slot]
	if !ok || b == nil {
		return false
	}
	t, ok := e.schemas.Type(b.EntityType)
	if !ok {
		return false
	}
	fields := t.ApplyDefaults(b.Fields)
	return len(t.ValidateRecord(fields)) == 0
}

func (e *evalEnv) Count(entityType, field string, value interface{}) (int64, error) {
	// Slot references in the value position resolve before counting.
	return e.store.CountByField(e.ctx, entityType, field, value)
}
