package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"steward/internal/config"
	"steward/internal/index"
	"steward/internal/logging"
	"steward/internal/schema"
	"steward/internal/store"
	"steward/internal/workflow"
)

// =============================================================================
// EXECUTOR
// =============================================================================

const lockStripes = 64

// Executor applies a resolved binding as one atomic store transaction. Writes
// to the same entity instance are serialized through lock striping; the log
// entry commits in the same transaction as the mutation, and re-indexing is
// handed to the background reindexer.
type Executor struct {
	cfg       config.EngineConfig
	store     *store.Store
	schemas   *schema.Registry
	reindexer *index.Reindexer

	stripes [lockStripes]sync.Mutex
}

// NewExecutor wires the executor to its collaborators.
func NewExecutor(cfg config.EngineConfig, st *store.Store, schemas *schema.Registry, reindexer *index.Reindexer) *Executor {
	return &Executor{
		cfg:       cfg,
		store:     st,
		schemas:   schemas,
		reindexer: reindexer,
	}
}

// Execute applies the workflow's mutation template. Conflicts and timeouts
// are retried with doubling backoff up to the configured bound; any other
// failure surfaces immediately. No partial writes are observable.
func (e *Executor) Execute(ctx context.Context, resolved *ResolvedBinding) (*MutationResult, error) {
	timer := logging.StartTimer(logging.CategoryExecutor, "Execute")
	defer timer.Stop()

	backoff := e.retryBackoff()
	var lastErr error
	attempts := e.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			logging.Executor("Retrying %s after %v (attempt %d)", resolved.Workflow.Key(), backoff, attempt+1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ErrTimeout
			}
			backoff *= 2
			if err := e.refreshBinding(ctx, resolved); err != nil {
				return nil, err
			}
		}

		result, err := e.executeOnce(ctx, resolved)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, store.ErrConflict) && !errors.Is(err, ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = wrapTimeout(err)
	}
	return nil, lastErr
}

func (e *Executor) executeOnce(ctx context.Context, resolved *ResolvedBinding) (*MutationResult, error) {
	mutations, result, err := e.resolveTemplate(resolved)
	if err != nil {
		return nil, err
	}

	entry := e.logEntry(resolved, result, store.OutcomeCompleted)

	if len(mutations) == 0 {
		// Pure query workflow: no state change, but the request still lands
		// in the execution log.
		if err := e.store.AppendLog(ctx, entry); err != nil {
			return nil, fmt.Errorf("append log: %w", err)
		}
		logging.Executor("Completed %s with no mutation", resolved.Workflow.Key())
		return result, nil
	}

	unlock := e.lockInstances(mutationIDs(mutations))
	defer unlock()

	if _, err := e.store.Transact(ctx, mutations, entry); err != nil {
		return nil, err
	}

	for _, m := range mutations {
		e.enqueueReindex(m)
	}

	logging.Executor("Completed %s: created=%d updated=%d",
		resolved.Workflow.Key(), len(result.Created), len(result.Updated))
	return result, nil
}

// resolveTemplate turns the workflow's mutation template into concrete store
// mutations, assigning identifiers to proto-entities.
func (e *Executor) resolveTemplate(resolved *ResolvedBinding) ([]store.Mutation, *MutationResult, error) {
	result := &MutationResult{}
	var mutations []store.Mutation

	for i, op := range resolved.Workflow.Template.Ops {
		switch op.Action {
		case workflow.ActionNone:
			continue

		case workflow.ActionCreate:
			fields, err := e.resolveFields(resolved, op)
			if err != nil {
				return nil, nil, fmt.Errorf("template op %d: %w", i, err)
			}
			t, ok := e.schemas.Type(op.EntityType)
			if !ok {
				return nil, nil, fmt.Errorf("template op %d: unknown entity type %q", i, op.EntityType)
			}

			id := uuid.NewString()
			if op.Slot != "" {
				if bound, ok := resolved.Slots[op.Slot]; ok && bound.Proto {
					// A proto slot's extracted fields seed the new instance.
					// Merged before coercion so they land typed like any
					// template value.
					for k, v := range bound.Fields {
						if _, has := fields[k]; !has {
							fields[k] = v
						}
					}
					bound.InstanceID = id
				}
			}

			fields = t.ApplyDefaults(fields)
			coerced, err := coerceFields(t, fields)
			if err != nil {
				return nil, nil, fmt.Errorf("template op %d: %w", i, err)
			}

			mutations = append(mutations, store.Mutation{
				Kind: store.MutationCreate,
				Instance: store.EntityInstance{
					ID:            id,
					EntityType:    op.EntityType,
					Fields:        coerced,
					SchemaVersion: resolved.SchemaVersion,
				},
			})
			result.Created = append(result.Created, id)

		case workflow.ActionUpdate:
			bound, ok := resolved.Slots[op.Slot]
			if !ok || bound == nil || bound.InstanceID == "" || bound.Proto {
				return nil, nil, fmt.Errorf("template op %d: slot %q not bound to an existing instance", i, op.Slot)
			}
			fields, err := e.resolveFields(resolved, op)
			if err != nil {
				return nil, nil, fmt.Errorf("template op %d: %w", i, err)
			}

			merged := make(map[string]interface{}, len(bound.Fields)+len(fields))
			for k, v := range bound.Fields {
				merged[k] = v
			}
			for k, v := range fields {
				merged[k] = v
			}
			delete(merged, "id")

			t, ok := e.schemas.Type(bound.EntityType)
			if !ok {
				return nil, nil, fmt.Errorf("template op %d: unknown entity type %q", i, bound.EntityType)
			}
			coerced, err := coerceFields(t, merged)
			if err != nil {
				return nil, nil, fmt.Errorf("template op %d: %w", i, err)
			}

			mutations = append(mutations, store.Mutation{
				Kind: store.MutationUpdate,
				Instance: store.EntityInstance{
					ID:            bound.InstanceID,
					EntityType:    bound.EntityType,
					Fields:        coerced,
					SchemaVersion: resolved.SchemaVersion,
				},
				ExpectedVersion: bound.RecordVersion,
			})
			result.Updated = append(result.Updated, bound.InstanceID)
		}
	}
	return mutations, result, nil
}

// resolveFields substitutes value references in a template op's field map:
//
//	"{slot:item.id}"  a field of the instance bound to a slot
//	"{request}"       the raw request text
//	"{now}"           RFC 3339 execution timestamp
func (e *Executor) resolveFields(resolved *ResolvedBinding, op workflow.TemplateOp) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(op.Fields))
	for name, raw := range op.Fields {
		s, ok := raw.(string)
		if !ok {
			out[name] = raw
			continue
		}
		switch {
		case s == "{request}":
			out[name] = resolved.RequestText
		case s == "{now}":
			out[name] = time.Now().UTC().Format(time.RFC3339)
		case strings.HasPrefix(s, "{slot:") && strings.HasSuffix(s, "}"):
			ref := strings.TrimSuffix(strings.TrimPrefix(s, "{slot:"), "}")
			slotName, field, found := strings.Cut(ref, ".")
			if !found {
				field = "id"
			}
			bound, ok := resolved.Slots[slotName]
			if !ok || bound == nil {
				return nil, fmt.Errorf("field %q references unbound slot %q", name, slotName)
			}
			if field == "id" {
				out[name] = bound.InstanceID
				continue
			}
			v, has := bound.Fields[field]
			if !has {
				return nil, fmt.Errorf("field %q references missing %s.%s", name, slotName, field)
			}
			out[name] = v
		default:
			out[name] = s
		}
	}
	return out, nil
}

// refreshBinding re-reads bound instances before a retry so the optimistic
// version check runs against current state.
func (e *Executor) refreshBinding(ctx context.Context, resolved *ResolvedBinding) error {
	for _, bound := range resolved.Slots {
		if bound.Proto || bound.InstanceID == "" {
			continue
		}
		instance, err := e.store.Get(ctx, bound.EntityType, bound.InstanceID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("slot %q: instance %s disappeared: %w", bound.Slot, bound.InstanceID, store.ErrConflict)
			}
			return err
		}
		bound.Fields = instance.Fields
		bound.RecordVersion = instance.RecordVersion
	}
	return nil
}

// lockInstances acquires the stripes covering every affected instance id, in
// stripe order to avoid deadlock between concurrent executions.
func (e *Executor) lockInstances(ids []string) func() {
	taken := make(map[uint32]bool)
	for _, id := range ids {
		taken[stripeOf(id)] = true
	}
	stripes := make([]uint32, 0, len(taken))
	for s := range taken {
		stripes = append(stripes, s)
	}
	sort.Slice(stripes, func(i, j int) bool { return stripes[i] < stripes[j] })

	for _, s := range stripes {
		e.stripes[s].Lock()
	}
	return func() {
		for i := len(stripes) - 1; i >= 0; i-- {
			e.stripes[stripes[i]].Unlock()
		}
	}
}

func stripeOf(id string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(id))
	return h.Sum32() % lockStripes
}

func mutationIDs(mutations []store.Mutation) []string {
	ids := make([]string, 0, len(mutations))
	for _, m := range mutations {
		ids = append(ids, m.Instance.ID)
	}
	return ids
}

func (e *Executor) enqueueReindex(m store.Mutation) {
	if e.reindexer == nil {
		return
	}
	e.reindexer.Enqueue(index.Job{
		DocID:   "entity:" + m.Instance.ID,
		Content: EntityDocument(m.Instance.EntityType, m.Instance.Fields),
		DocType: index.DocTypeEntity,
		Metadata: map[string]interface{}{
			"entity_type": m.Instance.EntityType,
			"id":          m.Instance.ID,
		},
		Delete: m.Kind == store.MutationDelete,
	})
}

// EntityDocument renders an instance's searchable text: the type name plus
// every string field value.
func EntityDocument(entityType string, fields map[string]interface{}) string {
	parts := []string{entityType}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s, ok := fields[k].(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

func (e *Executor) logEntry(resolved *ResolvedBinding, result *MutationResult, outcome string) *store.LogEntry {
	detail, _ := json.Marshal(map[string]interface{}{
		"binding":  resolved.CandidateBinding,
		"mutation": result,
	})
	flag := ""
	if resolved.Workflow.Unconfirmed {
		flag = store.FlagUnconfirmed
	}
	return &store.LogEntry{
		ID:              uuid.NewString(),
		RequestText:     resolved.RequestText,
		WorkflowID:      resolved.Workflow.ID,
		WorkflowVersion: resolved.Workflow.Version,
		SchemaVersion:   resolved.SchemaVersion,
		Outcome:         outcome,
		DetailJSON:      string(detail),
		Flag:            flag,
	}
}

func (e *Executor) retryBackoff() time.Duration {
	d, err := time.ParseDuration(e.cfg.RetryBackoff)
	if err != nil || d <= 0 {
		return 50 * time.Millisecond
	}
	return d
}

func coerceFields(t schema.EntityType, fields map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(fields))
	for name, raw := range fields {
		f, ok := t.Field(name)
		if !ok {
			out[name] = raw
			continue
		}
		v, err := schema.CoerceValue(f, raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}
