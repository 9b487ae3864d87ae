// Package workflow implements the versioned Workflow Registry: the learned,
// data-described action set of the agent. A workflow definition is pure data -
// trigger text, required entity slots, business rules in a small predicate
// expression form, and a mutation template - interpreted at runtime by the
// validator and executor, never compiled.
package workflow

import (
	"fmt"
	"time"
)

// Action is the kind of mutation a template op performs.
type Action string

const (
	ActionCreate Action = "create" // create a new entity instance from a slot's proto-entity
	ActionUpdate Action = "update" // update the instance bound to a slot
	ActionNone   Action = "none"   // pure query workflow, no mutation
)

// Slot declares one required entity binding of a workflow.
type Slot struct {
	Name       string `json:"name" yaml:"name"`
	EntityType string `json:"entity_type" yaml:"entity_type"`

	// Required slots must bind for the workflow to execute. Optional slots
	// missing from the request are simply left unbound.
	Required bool `json:"required" yaml:"required"`
}

// Rule is one conjunctive business rule: a predicate expression over bound
// entities and store state, plus the human-readable explanation surfaced when
// it fails.
type Rule struct {
	Expr    string `json:"expr" yaml:"expr"`
	Explain string `json:"explain" yaml:"explain"`
}

// TemplateOp is one step of a mutation template.
type TemplateOp struct {
	Action     Action                 `json:"action" yaml:"action"`
	EntityType string                 `json:"entity_type,omitempty" yaml:"entity_type,omitempty"`
	Slot       string                 `json:"slot,omitempty" yaml:"slot,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// Template describes which entity instances a workflow creates or updates.
// Field values may be literals or references:
//
//	"{slot:item.id}"    the id (or a field) of the instance bound to a slot
//	"{request}"         the raw request text
//	"{now}"             RFC 3339 timestamp at execution time
type Template struct {
	Ops []TemplateOp `json:"ops" yaml:"ops"`
}

// Definition is one immutable workflow version.
type Definition struct {
	ID      string `json:"id" yaml:"id"`
	Version int64  `json:"version" yaml:"version"`

	// Trigger is the match description: indexed in the fuzzy index and
	// compared against incoming request text.
	Trigger string `json:"trigger" yaml:"trigger"`

	Slots    []Slot   `json:"slots" yaml:"slots"`
	Rules    []Rule   `json:"rules" yaml:"rules"`
	Template Template `json:"template" yaml:"template"`

	// Unconfirmed marks a provisional evolution awaiting human review.
	Unconfirmed bool `json:"unconfirmed,omitempty" yaml:"unconfirmed,omitempty"`

	// Revoked versions are kept for audit but never matched again.
	Revoked bool `json:"revoked,omitempty" yaml:"revoked,omitempty"`

	Origin    string    `json:"origin" yaml:"origin"` // seed | evolution
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// Key returns the id@version reference used in logs and bindings.
func (d Definition) Key() string {
	return fmt.Sprintf("%s@%d", d.ID, d.Version)
}

// Slot returns the named slot declaration.
func (d Definition) Slot(name string) (Slot, bool) {
	for _, s := range d.Slots {
		if s.Name == name {
			return s, true
		}
	}
	return Slot{}, false
}

// Validate checks structural sanity of a definition. Every synthesized or
// seeded workflow must carry at least one rule - an empty rule set would make
// the workflow vacuously permissive.
func (d Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("workflow id required")
	}
	if d.Trigger == "" {
		return fmt.Errorf("workflow %s: trigger description required", d.ID)
	}
	if len(d.Rules) == 0 {
		return fmt.Errorf("workflow %s: at least one rule required (use valid(slot) for a type check)", d.ID)
	}
	seen := make(map[string]bool, len(d.Slots))
	for _, s := range d.Slots {
		if s.Name == "" || s.EntityType == "" {
			return fmt.Errorf("workflow %s: slot name and entity_type required", d.ID)
		}
		if seen[s.Name] {
			return fmt.Errorf("workflow %s: duplicate slot %s", d.ID, s.Name)
		}
		seen[s.Name] = true
	}
	for i, r := range d.Rules {
		if _, err := ParseRule(r.Expr); err != nil {
			return fmt.Errorf("workflow %s rule %d: %w", d.ID, i, err)
		}
		if r.Explain == "" {
			return fmt.Errorf("workflow %s rule %d: explanation required", d.ID, i)
		}
	}
	for i, op := range d.Template.Ops {
		switch op.Action {
		case ActionCreate:
			if op.EntityType == "" {
				return fmt.Errorf("workflow %s template op %d: create requires entity_type", d.ID, i)
			}
		case ActionUpdate:
			if op.Slot == "" {
				return fmt.Errorf("workflow %s template op %d: update requires slot", d.ID, i)
			}
			if _, ok := d.Slot(op.Slot); !ok {
				return fmt.Errorf("workflow %s template op %d: unknown slot %s", d.ID, i, op.Slot)
			}
		case ActionNone:
		default:
			return fmt.Errorf("workflow %s template op %d: unknown action %q", d.ID, i, op.Action)
		}
	}
	return nil
}

// clone returns a deep copy of the definition.
func (d Definition) clone() Definition {
	out := d
	out.Slots = append([]Slot(nil), d.Slots...)
	out.Rules = append([]Rule(nil), d.Rules...)
	out.Template.Ops = make([]TemplateOp, len(d.Template.Ops))
	for i, op := range d.Template.Ops {
		cp := op
		if op.Fields != nil {
			cp.Fields = make(map[string]interface{}, len(op.Fields))
			for k, v := range op.Fields {
				cp.Fields[k] = v
			}
		}
		out.Template.Ops[i] = cp
	}
	return out
}
