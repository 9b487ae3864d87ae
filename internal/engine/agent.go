package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"steward/internal/config"
	"steward/internal/index"
	"steward/internal/logging"
	"steward/internal/memory"
	"steward/internal/schema"
	"steward/internal/store"
	"steward/internal/workflow"
)

// =============================================================================
// AGENT
// =============================================================================

// requestState is the per-request interpretation state machine.
type requestState string

const (
	stateReceived   requestState = "received"
	stateMatching   requestState = "matching"
	stateValidating requestState = "validating"
	stateEvolving   requestState = "evolving"
	stateExecuting  requestState = "executing"
	stateCompleted  requestState = "completed"
	stateFailed     requestState = "failed"
)

// Agent is the externally callable core: it owns the matcher, validator,
// executor and evolution controller and drives a request through the
// Received -> Matching -> {Validating|Evolving} -> Executing ->
// {Completed|Failed} state machine. Evolving transitions back to Matching at
// most once per request.
type Agent struct {
	cfg *config.Config

	Schemas   *schema.Registry
	Workflows *workflow.Registry
	Store     *store.Store
	Index     *index.Index
	Memory    *memory.Engine

	matcher   *Matcher
	validator *Validator
	executor  *Executor
	evolution *Evolution
	reindexer *index.Reindexer
}

// NewAgent assembles the pipeline from already-constructed collaborators.
func NewAgent(cfg *config.Config, schemas *schema.Registry, workflows *workflow.Registry, st *store.Store, ix *index.Index, mem *memory.Engine, reindexer *index.Reindexer) *Agent {
	return &Agent{
		cfg:       cfg,
		Schemas:   schemas,
		Workflows: workflows,
		Store:     st,
		Index:     ix,
		Memory:    mem,
		matcher:   NewMatcher(cfg.Engine, workflows, schemas, ix, mem, st),
		validator: NewValidator(schemas, st),
		executor:  NewExecutor(cfg.Engine, st, schemas, reindexer),
		evolution: NewEvolution(schemas, workflows, mem, ix, st),
		reindexer: reindexer,
	}
}

// Evolutions exposes the controller for the confirmation boundary.
func (a *Agent) Evolutions() *Evolution {
	return a.evolution
}

// InterpretAndExecute is the single entry point: raw text in, execution
// result out. Failed results always carry explanations.
func (a *Agent) InterpretAndExecute(ctx context.Context, text string) (*ExecutionResult, error) {
	timer := logging.StartTimer(logging.CategoryRequest, "InterpretAndExecute")
	defer timer.Stop()

	state := stateReceived
	logging.Request("Received request: %q", text)

	evolved := false
	evolutionID := ""

	for {
		state = stateMatching
		logging.RequestDebug("State: %s", state)

		candidates, err := a.match(ctx, text)
		if err != nil {
			return a.fail(ctx, text, nil, []string{err.Error()}, store.OutcomeFailed, evolutionID)
		}

		if len(candidates) == 0 {
			if a.cfg.Engine.EvolutionEnabled && !evolved {
				state = stateEvolving
				logging.RequestDebug("State: %s (no candidate)", state)
				proposal, err := a.evolution.Propose(ctx, text, nil, nil)
				if err != nil {
					explanations := []string{ErrNoCandidate.Error(), fmt.Sprintf("evolution: %v", err)}
					return a.fail(ctx, text, nil, explanations, store.OutcomeNoCandidate, evolutionID)
				}
				evolutionID = proposal.ID
				evolved = true
				continue // Evolving -> Matching, once
			}
			return a.fail(ctx, text, nil, []string{ErrNoCandidate.Error()}, store.OutcomeNoCandidate, evolutionID)
		}

		state = stateValidating
		logging.RequestDebug("State: %s (%d candidates)", state, len(candidates))

		var firstFailure *ValidationError
		for _, candidate := range candidates {
			resolved, err := a.validate(ctx, candidate)
			if err != nil {
				if ve, ok := AsValidationError(err); ok {
					if firstFailure == nil {
						firstFailure = ve
					}
					continue
				}
				return a.fail(ctx, text, candidate, []string{err.Error()}, store.OutcomeFailed, evolutionID)
			}

			state = stateExecuting
			logging.RequestDebug("State: %s (%s)", state, resolved.Workflow.Key())

			mutation, err := a.executor.Execute(ctx, resolved)
			if err != nil {
				outcome := store.OutcomeFailed
				if errors.Is(err, store.ErrConflict) {
					outcome = store.OutcomeConflict
				}
				return a.fail(ctx, text, candidate, []string{err.Error()}, outcome, evolutionID)
			}

			a.Workflows.Touch(resolved.Workflow.ID)

			state = stateCompleted
			logging.Request("Completed %q via %s", text, resolved.Workflow.Key())
			return &ExecutionResult{
				Status:      StatusCompleted,
				WorkflowKey: resolved.Workflow.Key(),
				Mutation:    mutation,
				EvolutionID: evolutionID,
			}, nil
		}

		// Every candidate failed validation.
		if a.cfg.Engine.EvolutionEnabled && !evolved {
			state = stateEvolving
			logging.RequestDebug("State: %s (all candidates rejected)", state)
			proposal, err := a.evolution.Propose(ctx, text, candidates[0], firstFailure)
			if err != nil {
				explanations := append([]string{fmt.Sprintf("evolution: %v", err)}, firstFailure.Explanations...)
				return a.fail(ctx, text, candidates[0], explanations, store.OutcomeValidationFailed, evolutionID)
			}
			evolutionID = proposal.ID
			evolved = true
			continue // Evolving -> Matching, once
		}

		return a.fail(ctx, text, candidates[0], firstFailure.Explanations, store.OutcomeValidationFailed, evolutionID)
	}
}

// ConfirmEvolution resolves a provisional evolution by id.
func (a *Agent) ConfirmEvolution(ctx context.Context, id string, accept bool) error {
	return a.evolution.Confirm(ctx, id, accept)
}

// SyncIndex rebuilds the fuzzy index from the registries and store: every
// active workflow trigger and every live entity instance. Used at boot and by
// the seed command.
func (a *Agent) SyncIndex(ctx context.Context) error {
	for _, def := range a.Workflows.Active() {
		if err := a.Index.Put(ctx, "workflow:"+def.ID, def.Trigger, index.DocTypeWorkflow,
			map[string]interface{}{"workflow_id": def.ID}); err != nil {
			return fmt.Errorf("index workflow %s: %w", def.ID, err)
		}
	}

	for _, t := range a.Schemas.Types() {
		instances, err := a.Store.Query(ctx, t.Name, nil)
		if err != nil {
			return fmt.Errorf("query %s instances: %w", t.Name, err)
		}
		for _, inst := range instances {
			if err := a.Index.Put(ctx, "entity:"+inst.ID, EntityDocument(inst.EntityType, inst.Fields),
				index.DocTypeEntity, map[string]interface{}{
					"entity_type": inst.EntityType,
					"id":          inst.ID,
				}); err != nil {
				return fmt.Errorf("index instance %s: %w", inst.ID, err)
			}
		}
	}

	logging.Boot("Index synchronized")
	return nil
}

// match runs the matcher under the per-collaborator call budget, retrying a
// timeout once.
func (a *Agent) match(ctx context.Context, text string) ([]*CandidateBinding, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		callCtx, cancel := a.callContext(ctx)
		candidates, err := a.matcher.Match(callCtx, text)
		cancel()
		if err == nil {
			return candidates, nil
		}
		if !errors.Is(err, ErrTimeout) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (a *Agent) validate(ctx context.Context, candidate *CandidateBinding) (*ResolvedBinding, error) {
	callCtx, cancel := a.callContext(ctx)
	defer cancel()
	return a.validator.Validate(callCtx, candidate)
}

func (a *Agent) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout, err := a.cfg.CallTimeout()
	if err != nil || timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// fail logs the failure and returns a Failed result carrying every
// explanation. Log write errors are reported in place of silence.
func (a *Agent) fail(ctx context.Context, text string, candidate *CandidateBinding, explanations []string, outcome, evolutionID string) (*ExecutionResult, error) {
	entry := &store.LogEntry{
		ID:          uuid.NewString(),
		RequestText: text,
		Outcome:     outcome,
	}
	if candidate != nil {
		entry.WorkflowID = candidate.Workflow.ID
		entry.WorkflowVersion = candidate.Workflow.Version
		entry.SchemaVersion = a.Schemas.Version()
	}
	if detail, err := json.Marshal(map[string]interface{}{"explanations": explanations}); err == nil {
		entry.DetailJSON = string(detail)
	}
	if err := a.Store.AppendLog(ctx, entry); err != nil {
		logging.Get(logging.CategoryRequest).Error("Failed to log failure: %v", err)
		explanations = append(explanations, fmt.Sprintf("audit log write failed: %v", err))
	}

	logging.Request("Failed %q (%s): %v", text, outcome, explanations)
	result := &ExecutionResult{
		Status:       StatusFailed,
		Explanations: explanations,
		EvolutionID:  evolutionID,
	}
	if candidate != nil {
		result.WorkflowKey = candidate.Workflow.Key()
	}
	return result, nil
}
