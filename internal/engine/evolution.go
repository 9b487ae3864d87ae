package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"steward/internal/index"
	"steward/internal/logging"
	"steward/internal/memory"
	"steward/internal/schema"
	"steward/internal/store"
	"steward/internal/workflow"
)

// =============================================================================
// EVOLUTION CONTROLLER
// =============================================================================

// EvolutionKind is the outcome an evolution chose.
type EvolutionKind string

const (
	EvolutionSchemaExtension   EvolutionKind = "schema_extension"
	EvolutionWorkflowAmendment EvolutionKind = "workflow_amendment"
	EvolutionNewWorkflow       EvolutionKind = "new_workflow"
)

// Proposal is one provisional evolution awaiting human confirmation.
type Proposal struct {
	ID   string        `json:"id"`
	Kind EvolutionKind `json:"kind"`

	RequestText string `json:"request_text"`

	// One of the two is populated depending on Kind.
	WorkflowID      string `json:"workflow_id,omitempty"`
	WorkflowVersion int64  `json:"workflow_version,omitempty"`
	SchemaVersion   int64  `json:"schema_version,omitempty"`

	// PriorSchemaVersion is the rollback target for schema extensions.
	PriorSchemaVersion int64 `json:"prior_schema_version,omitempty"`

	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Evolution decides how the system grows when interpretation fails: extend
// the schema, amend a workflow's rules, or synthesize a new workflow. Only
// one evolution runs at a time; contenders get ErrEvolutionBusy rather than
// queueing, because concurrent registry mutations would race on version
// numbers.
type Evolution struct {
	schemas   *schema.Registry
	workflows *workflow.Registry
	memory    *memory.Engine
	index     *index.Index
	store     *store.Store

	// Buffered channel of size 1 as a try-lock.
	gate chan struct{}

	mu       sync.RWMutex
	pending  map[string]*Proposal
	rejected map[string]bool
}

// NewEvolution wires the controller to its collaborators.
func NewEvolution(schemas *schema.Registry, workflows *workflow.Registry, mem *memory.Engine, ix *index.Index, st *store.Store) *Evolution {
	e := &Evolution{
		schemas:   schemas,
		workflows: workflows,
		memory:    mem,
		index:     ix,
		store:     st,
		gate:      make(chan struct{}, 1),
		pending:   make(map[string]*Proposal),
		rejected:  make(map[string]bool),
	}
	e.gate <- struct{}{}
	return e
}

// Propose commits one provisional evolution for a failed request. bestFailure
// is nil when the matcher produced no candidate at all; otherwise it carries
// the highest-ranked candidate's validation failures, which steer the choice
// between schema extension and workflow amendment.
func (e *Evolution) Propose(ctx context.Context, text string, best *CandidateBinding, failure *ValidationError) (*Proposal, error) {
	select {
	case <-e.gate:
	default:
		return nil, ErrEvolutionBusy
	}
	defer func() { e.gate <- struct{}{} }()

	timer := logging.StartTimer(logging.CategoryEvolution, "Propose")
	defer timer.Stop()

	var (
		proposal *Proposal
		err      error
	)
	switch {
	case best != nil && failure != nil && hasUnknownField(failure):
		proposal, err = e.extendSchema(ctx, text, best, failure)
	case best != nil && failure != nil:
		proposal, err = e.amendWorkflow(ctx, text, best, failure)
	default:
		proposal, err = e.synthesizeWorkflow(ctx, text)
	}
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.pending[proposal.ID] = proposal
	e.mu.Unlock()

	logging.Evolution("Committed provisional %s (%s): %s", proposal.Kind, proposal.ID, proposal.Description)
	return proposal, nil
}

// Pending returns proposals awaiting confirmation.
func (e *Evolution) Pending() []*Proposal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Proposal, 0, len(e.pending))
	for _, p := range e.pending {
		out = append(out, p)
	}
	return out
}

// Confirm resolves a provisional evolution. Accepting clears the unconfirmed
// tag. Rejecting rolls the registries back to the prior version, re-flags
// log entries committed under the rejected version as needs-review, and
// re-logs the original request as unresolved - the entity mutations already
// happened and stay for human re-reconciliation. Resolving an id that was
// already rejected returns ErrEvolutionRejected.
func (e *Evolution) Confirm(ctx context.Context, id string, accept bool) error {
	select {
	case <-e.gate:
	default:
		return ErrEvolutionBusy
	}
	defer func() { e.gate <- struct{}{} }()

	e.mu.Lock()
	proposal, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	} else if e.rejected[id] {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrEvolutionRejected, id)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown evolution %s", id)
	}

	if accept {
		return e.acceptLocked(proposal)
	}
	if err := e.rejectLocked(ctx, proposal); err != nil {
		return err
	}
	e.mu.Lock()
	e.rejected[id] = true
	e.mu.Unlock()
	return nil
}

func (e *Evolution) acceptLocked(p *Proposal) error {
	switch p.Kind {
	case EvolutionSchemaExtension:
		if err := e.schemas.Confirm(p.SchemaVersion); err != nil {
			return err
		}
	case EvolutionWorkflowAmendment, EvolutionNewWorkflow:
		if err := e.workflows.Confirm(p.WorkflowID, p.WorkflowVersion); err != nil {
			return err
		}
	}
	logging.Evolution("Accepted %s (%s)", p.Kind, p.ID)
	return nil
}

func (e *Evolution) rejectLocked(ctx context.Context, p *Proposal) error {
	switch p.Kind {
	case EvolutionSchemaExtension:
		if _, err := e.schemas.RollbackTo(p.PriorSchemaVersion); err != nil {
			return err
		}
	case EvolutionWorkflowAmendment, EvolutionNewWorkflow:
		if err := e.workflows.Revoke(p.WorkflowID, p.WorkflowVersion); err != nil {
			return err
		}
		if err := e.index.Remove(ctx, "workflow:"+p.WorkflowID); err != nil {
			logging.Get(logging.CategoryEvolution).Warn("Deindex of revoked workflow failed: %v", err)
		}
		if prior, ok := e.workflows.Latest(p.WorkflowID); ok {
			// An amendment leaves an older version behind; restore its doc.
			if err := e.index.Put(ctx, "workflow:"+prior.ID, prior.Trigger, index.DocTypeWorkflow,
				map[string]interface{}{"workflow_id": prior.ID}); err != nil {
				logging.Get(logging.CategoryEvolution).Warn("Reindex of prior workflow failed: %v", err)
			}
		}
	}

	flagged, err := e.store.FlagEntriesForReview(ctx, p.WorkflowID, p.WorkflowVersion)
	if err != nil {
		return fmt.Errorf("flag log entries: %w", err)
	}

	if err := e.store.AppendLog(ctx, &store.LogEntry{
		ID:          uuid.NewString(),
		RequestText: p.RequestText,
		Outcome:     store.OutcomeFailed,
		DetailJSON:  fmt.Sprintf(`{"rejected_evolution":%q}`, p.ID),
		Flag:        store.FlagUnresolved,
	}); err != nil {
		return fmt.Errorf("re-log original request: %w", err)
	}

	logging.Evolution("Rejected %s (%s), re-flagged %d log entries", p.Kind, p.ID, flagged)
	return nil
}

// =============================================================================
// THE THREE OUTCOMES
// =============================================================================

// Validator renders unknown-field violations as
// `slot "item": spice: field not defined in schema`.
var unknownFieldRe = regexp.MustCompile(`slot "([^"]+)": ([A-Za-z0-9_]+): field not defined in schema`)

func hasUnknownField(failure *ValidationError) bool {
	for _, expl := range failure.Explanations {
		if unknownFieldRe.MatchString(expl) {
			return true
		}
	}
	return false
}

// extendSchema adds the referenced attribute as an optional string field so
// existing records stay valid.
func (e *Evolution) extendSchema(_ context.Context, text string, best *CandidateBinding, failure *ValidationError) (*Proposal, error) {
	var slotName, field string
	for _, expl := range failure.Explanations {
		if m := unknownFieldRe.FindStringSubmatch(expl); m != nil {
			slotName, field = m[1], m[2]
			break
		}
	}
	slot, ok := best.Workflow.Slot(slotName)
	if !ok {
		return nil, fmt.Errorf("cannot determine entity type for schema extension")
	}
	typeName := slot.EntityType

	prior := e.schemas.Version()
	version, err := e.schemas.AddField(typeName, schema.Field{
		Name: field,
		Type: schema.TypeString,
	}, "evolution", true)
	if err != nil {
		return nil, fmt.Errorf("schema extension: %w", err)
	}

	return &Proposal{
		ID:                 uuid.NewString(),
		Kind:               EvolutionSchemaExtension,
		RequestText:        text,
		SchemaVersion:      version,
		PriorSchemaVersion: prior,
		Description:        fmt.Sprintf("add optional field %s.%s (string)", typeName, field),
		CreatedAt:          time.Now().UTC(),
	}, nil
}

// amendWorkflow registers a new version of the failing workflow with the
// failed rules dropped, keeping at least one type-check rule so the amended
// version is never vacuously permissive.
func (e *Evolution) amendWorkflow(ctx context.Context, text string, best *CandidateBinding, failure *ValidationError) (*Proposal, error) {
	def := best.Workflow

	failed := make(map[string]bool, len(failure.Explanations))
	for _, expl := range failure.Explanations {
		failed[expl] = true
	}

	var kept []workflow.Rule
	for _, r := range def.Rules {
		if !failed[r.Explain] {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(def.Rules) {
		// Nothing amendable: the failures were schema-level, not rule-level.
		return nil, fmt.Errorf("no amendable rules on %s", def.Key())
	}
	if len(kept) == 0 {
		if len(def.Slots) == 0 {
			return nil, fmt.Errorf("cannot amend %s: no slot for a type-check rule", def.ID)
		}
		kept = append(kept, workflow.Rule{
			Expr:    fmt.Sprintf("valid(%s)", def.Slots[0].Name),
			Explain: fmt.Sprintf("%s must satisfy its %s type", def.Slots[0].Name, def.Slots[0].EntityType),
		})
	}

	amended := def
	amended.Rules = kept
	amended.Origin = "evolution"
	amended.Unconfirmed = true
	amended.Revoked = false

	registered, err := e.workflows.Register(amended)
	if err != nil {
		return nil, fmt.Errorf("workflow amendment: %w", err)
	}

	if err := e.index.Put(ctx, "workflow:"+registered.ID, registered.Trigger, index.DocTypeWorkflow,
		map[string]interface{}{"workflow_id": registered.ID}); err != nil {
		return nil, fmt.Errorf("index amended workflow: %w", err)
	}

	return &Proposal{
		ID:              uuid.NewString(),
		Kind:            EvolutionWorkflowAmendment,
		RequestText:     text,
		WorkflowID:      registered.ID,
		WorkflowVersion: registered.Version,
		Description:     fmt.Sprintf("relaxed %d rule(s) on %s", len(def.Rules)-countKeptOriginal(def.Rules, kept), def.ID),
		CreatedAt:       time.Now().UTC(),
	}, nil
}

func countKeptOriginal(original, kept []workflow.Rule) int {
	keptSet := make(map[string]bool, len(kept))
	for _, r := range kept {
		keptSet[r.Expr] = true
	}
	n := 0
	for _, r := range original {
		if keptSet[r.Expr] {
			n++
		}
	}
	return n
}

// synthesizeWorkflow builds a minimal new workflow from the request shape:
// trigger derived from the text, one slot per plausible entity type found in
// the fuzzy index, a type-check rule per slot, and no mutation. The operator
// upgrades the template after confirming.
func (e *Evolution) synthesizeWorkflow(ctx context.Context, text string) (*Proposal, error) {
	slots := e.inferSlots(ctx, text)
	if len(slots) == 0 {
		return nil, fmt.Errorf("no plausible entity type for %q; nothing to synthesize", text)
	}

	rules := make([]workflow.Rule, len(slots))
	for i, s := range slots {
		rules[i] = workflow.Rule{
			Expr:    fmt.Sprintf("valid(%s)", s.Name),
			Explain: fmt.Sprintf("%s must satisfy its %s type", s.Name, s.EntityType),
		}
	}

	def := workflow.Definition{
		ID:          slugify(text),
		Trigger:     text,
		Slots:       slots,
		Rules:       rules,
		Template:    workflow.Template{Ops: []workflow.TemplateOp{{Action: workflow.ActionNone}}},
		Origin:      "evolution",
		Unconfirmed: true,
	}

	registered, err := e.workflows.Register(def)
	if err != nil {
		return nil, fmt.Errorf("workflow synthesis: %w", err)
	}

	if err := e.index.Put(ctx, "workflow:"+registered.ID, registered.Trigger, index.DocTypeWorkflow,
		map[string]interface{}{"workflow_id": registered.ID}); err != nil {
		return nil, fmt.Errorf("index synthesized workflow: %w", err)
	}

	if e.memory != nil {
		if err := e.memory.AssertWorkflowHint(ctx, registered.Trigger, registered.ID, 0.1); err != nil {
			logging.Get(logging.CategoryEvolution).Warn("Hint assertion failed: %v", err)
		}
	}

	return &Proposal{
		ID:              uuid.NewString(),
		Kind:            EvolutionNewWorkflow,
		RequestText:     text,
		WorkflowID:      registered.ID,
		WorkflowVersion: registered.Version,
		Description:     fmt.Sprintf("synthesized query workflow %q with %d slot(s)", registered.ID, len(slots)),
		CreatedAt:       time.Now().UTC(),
	}, nil
}

// inferSlots searches the entity index with the request text and proposes one
// slot per entity type that surfaced.
func (e *Evolution) inferSlots(ctx context.Context, text string) []workflow.Slot {
	results, err := e.index.Search(ctx, text, index.DocTypeEntity, 10)
	if err != nil {
		logging.Get(logging.CategoryEvolution).Warn("Slot inference search failed: %v", err)
		return nil
	}

	seen := make(map[string]bool)
	var slots []workflow.Slot
	for _, r := range results {
		if r.Score <= 0 {
			continue
		}
		entityType, _ := r.Metadata["entity_type"].(string)
		if entityType == "" || seen[entityType] {
			continue
		}
		if _, ok := e.schemas.Type(entityType); !ok {
			continue
		}
		seen[entityType] = true
		slots = append(slots, workflow.Slot{
			Name:       strings.ToLower(entityType),
			EntityType: entityType,
			Required:   false,
		})
	}
	return slots
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(text string) string {
	slug := slugRe.ReplaceAllString(strings.ToLower(text), "_")
	slug = strings.Trim(slug, "_")
	if len(slug) > 48 {
		slug = slug[:48]
	}
	if slug == "" {
		slug = "workflow_" + uuid.NewString()[:8]
	}
	return slug
}
