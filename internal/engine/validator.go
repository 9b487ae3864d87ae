package engine

import (
	"context"
	"fmt"

	"steward/internal/logging"
	"steward/internal/schema"
	"steward/internal/store"
	"steward/internal/workflow"
)

// =============================================================================
// VALIDATOR
// =============================================================================

// Validator checks a candidate binding against schema constraints and the
// workflow's business rules. Every rule is evaluated - no short-circuit - so
// a rejection carries the complete list of reasons.
type Validator struct {
	schemas *schema.Registry
	store   *store.Store
}

// NewValidator wires the validator to its collaborators.
func NewValidator(schemas *schema.Registry, st *store.Store) *Validator {
	return &Validator{schemas: schemas, store: st}
}

// Validate returns a resolved binding, or a *ValidationError listing every
// schema violation and failed rule explanation.
func (v *Validator) Validate(ctx context.Context, binding *CandidateBinding) (*ResolvedBinding, error) {
	timer := logging.StartTimer(logging.CategoryValidator, "Validate")
	defer timer.Stop()

	var explanations []string

	// Schema constraints first: required slots bound, field maps conforming.
	for _, slot := range binding.Workflow.Slots {
		bound, ok := binding.Slots[slot.Name]
		if !ok || bound == nil {
			if slot.Required {
				explanations = append(explanations,
					fmt.Sprintf("required slot %q (%s) could not be bound", slot.Name, slot.EntityType))
			}
			continue
		}

		t, ok := v.schemas.Type(bound.EntityType)
		if !ok {
			explanations = append(explanations,
				fmt.Sprintf("slot %q references unknown entity type %q", slot.Name, bound.EntityType))
			continue
		}

		// ApplyDefaults keeps only declared fields; unknown extracted fields
		// must stay visible so they surface as violations here.
		fields := t.ApplyDefaults(bound.Fields)
		for name, value := range bound.Fields {
			if _, declared := t.Field(name); !declared {
				fields[name] = value
			}
		}
		for _, violation := range t.ValidateRecord(fields) {
			explanations = append(explanations,
				fmt.Sprintf("slot %q: %s", slot.Name, violation))
		}
	}

	// Business rules: all of them, collecting every failure.
	env := &evalEnv{ctx: ctx, binding: binding, schemas: v.schemas, store: v.store}
	for _, rule := range binding.Workflow.Rules {
		parsed, err := workflow.ParseRule(rule.Expr)
		if err != nil {
			// Unparseable rules are rejected at registration; reaching this
			// means a registry was hand-edited.
			explanations = append(explanations, fmt.Sprintf("%s (rule unparseable: %v)", rule.Explain, err))
			continue
		}
		ok, err := parsed.Eval(env)
		if err != nil {
			explanations = append(explanations, fmt.Sprintf("%s (evaluation error: %v)", rule.Explain, err))
			continue
		}
		if !ok {
			explanations = append(explanations, rule.Explain)
			logging.ValidatorDebug("Rule failed on %s: %s", binding.Workflow.Key(), rule.Expr)
		}
	}

	if len(explanations) > 0 {
		logging.Validator("Rejected %s with %d failures", binding.Workflow.Key(), len(explanations))
		return nil, &ValidationError{
			WorkflowKey:  binding.Workflow.Key(),
			Explanations: explanations,
		}
	}

	logging.Validator("Accepted %s", binding.Workflow.Key())
	return &ResolvedBinding{
		CandidateBinding: *binding,
		SchemaVersion:    v.schemas.Version(),
	}, nil
}
