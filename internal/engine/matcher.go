package engine

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"

	"steward/internal/config"
	"steward/internal/embedding"
	"steward/internal/index"
	"steward/internal/logging"
	"steward/internal/memory"
	"steward/internal/schema"
	"steward/internal/store"
	"steward/internal/workflow"
)

// =============================================================================
// MATCHER
// =============================================================================

// Matcher turns raw request text into a ranked list of candidate bindings.
// Strictly read-only: it never mutates registries, store, index, or memory.
type Matcher struct {
	cfg       config.EngineConfig
	workflows *workflow.Registry
	schemas   *schema.Registry
	index     *index.Index
	memory    *memory.Engine
	store     *store.Store
}

// NewMatcher wires the matcher to its collaborators.
func NewMatcher(cfg config.EngineConfig, workflows *workflow.Registry, schemas *schema.Registry, ix *index.Index, mem *memory.Engine, st *store.Store) *Matcher {
	return &Matcher{
		cfg:       cfg,
		workflows: workflows,
		schemas:   schemas,
		index:     ix,
		memory:    mem,
		store:     st,
	}
}

// Match returns candidate bindings above the confidence floor, highest first.
// Empty result means nothing plausible was found; the caller decides whether
// to invoke evolution.
func (m *Matcher) Match(ctx context.Context, text string) ([]*CandidateBinding, error) {
	timer := logging.StartTimer(logging.CategoryMatcher, "Match")
	defer timer.Stop()

	logging.Matcher("Matching request: %q", text)

	shortlist, err := m.shortlist(ctx, text)
	if err != nil {
		return nil, wrapTimeout(err)
	}
	logging.MatcherDebug("Shortlisted %d workflows", len(shortlist))

	hints, disambiguations := m.recallBoosts(text)

	var candidates []*CandidateBinding
	for _, entry := range shortlist {
		binding, err := m.bind(ctx, text, entry.def, entry.score, disambiguations)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
				return nil, wrapTimeout(err)
			}
			logging.Get(logging.CategoryMatcher).Warn("Binding %s failed: %v", entry.def.Key(), err)
			continue
		}

		if boost, ok := hints[binding.Workflow.ID]; ok {
			binding.Confidence = clamp01(binding.Confidence + boost)
			logging.MatcherDebug("Memory boost +%.2f for %s", boost, binding.Workflow.ID)
		}

		if binding.Confidence >= m.cfg.MatchFloor {
			candidates = append(candidates, binding)
		} else {
			logging.MatcherDebug("Candidate %s below floor: %.3f < %.3f",
				binding.Workflow.Key(), binding.Confidence, m.cfg.MatchFloor)
		}
	}

	// Highest confidence first; ties broken by most recently used workflow.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		return m.workflows.LastUsed(candidates[i].Workflow.ID).
			After(m.workflows.LastUsed(candidates[j].Workflow.ID))
	})

	logging.Matcher("Match produced %d candidates above floor", len(candidates))
	return candidates, nil
}

type shortlistEntry struct {
	def   workflow.Definition
	score float64
}

// shortlist queries the fuzzy index for workflows whose trigger is close to
// the request. When the index has no workflow documents yet (fresh boot), all
// active definitions are scored lexically instead.
func (m *Matcher) shortlist(ctx context.Context, text string) ([]shortlistEntry, error) {
	results, err := m.index.Search(ctx, text, index.DocTypeWorkflow, m.cfg.ShortlistSize)
	if err != nil {
		return nil, err
	}

	entries := make([]shortlistEntry, 0, len(results))
	seen := make(map[string]bool)
	for _, r := range results {
		id, _ := r.Metadata["workflow_id"].(string)
		if id == "" {
			id = strings.TrimPrefix(r.DocID, "workflow:")
		}
		def, ok := m.workflows.Latest(id)
		if !ok || seen[def.ID] {
			continue
		}
		seen[def.ID] = true
		entries = append(entries, shortlistEntry{def: def, score: r.Score})
	}

	if len(entries) > 0 {
		return entries, nil
	}

	// Fallback: score every active workflow by token overlap with its trigger.
	for _, def := range m.workflows.Active() {
		if seen[def.ID] {
			continue
		}
		entries = append(entries, shortlistEntry{
			def:   def,
			score: lexicalSimilarity(text, def.Trigger),
		})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].score > entries[j].score })
	if len(entries) > m.cfg.ShortlistSize && m.cfg.ShortlistSize > 0 {
		entries = entries[:m.cfg.ShortlistSize]
	}
	return entries, nil
}

// bind attempts slot extraction for one shortlisted workflow and computes the
// combined confidence as a geometric mean, so one very poor slot match
// suppresses the whole candidate.
func (m *Matcher) bind(ctx context.Context, text string, def workflow.Definition, triggerScore float64, disambiguations []memory.Fact) (*CandidateBinding, error) {
	binding := &CandidateBinding{
		Workflow:     def,
		Slots:        make(map[string]*BoundSlot, len(def.Slots)),
		TriggerScore: triggerScore,
		RequestText:  text,
	}

	scores := []float64{triggerScore}
	for _, slot := range def.Slots {
		bound, err := m.extractSlot(ctx, text, slot, disambiguations)
		if err != nil {
			return nil, err
		}
		if bound == nil {
			if slot.Required {
				// An unbindable required slot makes the candidate implausible.
				scores = append(scores, 0.01)
			}
			continue
		}
		binding.Slots[slot.Name] = bound
		scores = append(scores, bound.Confidence)
	}

	binding.Confidence = clamp01(geometricMean(scores))
	logging.MatcherDebug("Candidate %s: trigger=%.3f combined=%.3f slots=%d",
		def.Key(), triggerScore, binding.Confidence, len(binding.Slots))
	return binding, nil
}

// extractSlot finds the best existing instance for a slot, or synthesizes a
// proto-entity from the request text when nothing in the store matches.
// Returns nil when not even a proto is plausible.
func (m *Matcher) extractSlot(ctx context.Context, text string, slot workflow.Slot, disambiguations []memory.Fact) (*BoundSlot, error) {
	results, err := m.index.SearchEntities(ctx, text, slot.EntityType, m.cfg.SlotTopK)
	if err != nil {
		return nil, err
	}

	var best *BoundSlot
	for _, r := range results {
		id, _ := r.Metadata["id"].(string)
		if id == "" {
			id = strings.TrimPrefix(r.DocID, "entity:")
		}

		instance, err := m.store.Get(ctx, slot.EntityType, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue // index lag after a delete
			}
			return nil, err
		}

		score := r.Score
		score += disambiguationBoost(text, slot.EntityType, instance.Fields, disambiguations)

		if best == nil || score > best.Confidence {
			best = &BoundSlot{
				Slot:          slot.Name,
				EntityType:    slot.EntityType,
				InstanceID:    instance.ID,
				Fields:        instance.Fields,
				RecordVersion: instance.RecordVersion,
				Confidence:    clamp01(score),
			}
		}
	}
	if best != nil {
		return best, nil
	}

	// No store hit: extract a proto-entity from the words the trigger did not
	// consume. A workflow whose template creates from this slot will persist it.
	leftover := residualText(text, m.triggerTokens())
	if leftover == "" {
		return nil, nil
	}
	t, ok := m.schemas.Type(slot.EntityType)
	if !ok {
		return nil, nil
	}
	fields := map[string]interface{}{}
	if _, has := t.Field("name"); has {
		fields["name"] = leftover
	}
	return &BoundSlot{
		Slot:       slot.Name,
		EntityType: slot.EntityType,
		Fields:     fields,
		Proto:      true,
		Confidence: 0.4,
	}, nil
}

// recallBoosts loads the workflow hints and disambiguations whose phrases
// appear in the request text. Memory failures degrade to no boost.
func (m *Matcher) recallBoosts(text string) (map[string]float64, []memory.Fact) {
	lower := strings.ToLower(text)
	hints := make(map[string]float64)

	if m.memory == nil {
		return hints, nil
	}

	hintFacts, err := m.memory.Recall(memory.PredWorkflowHint)
	if err != nil {
		logging.Get(logging.CategoryMatcher).Warn("Hint recall failed: %v", err)
	}
	for _, f := range hintFacts {
		if len(f.Args) != 3 {
			continue
		}
		phrase, _ := f.Args[0].(string)
		workflowID, _ := f.Args[1].(string)
		weight, ok := f.Args[2].(float64)
		if !ok || phrase == "" || workflowID == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(phrase)) {
			hints[workflowID] += weight
		}
	}

	disFacts, err := m.memory.Recall(memory.PredDisambiguation)
	if err != nil {
		logging.Get(logging.CategoryMatcher).Warn("Disambiguation recall failed: %v", err)
		disFacts = nil
	}
	var applicable []memory.Fact
	for _, f := range disFacts {
		if len(f.Args) != 5 {
			continue
		}
		phrase, _ := f.Args[0].(string)
		if phrase != "" && strings.Contains(lower, strings.ToLower(phrase)) {
			applicable = append(applicable, f)
		}
	}
	return hints, applicable
}

// disambiguationBoost sums the weights of applicable disambiguation facts
// satisfied by the instance's fields.
func disambiguationBoost(text, entityType string, fields map[string]interface{}, facts []memory.Fact) float64 {
	boost := 0.0
	for _, f := range facts {
		factType, _ := f.Args[1].(string)
		field, _ := f.Args[2].(string)
		want, _ := f.Args[3].(string)
		weight, ok := f.Args[4].(float64)
		if !ok || factType != entityType {
			continue
		}
		if got, has := fields[field]; has && stringValue(got) == want {
			boost += weight
		}
	}
	return boost
}

func (m *Matcher) triggerTokens() map[string]bool {
	tokens := make(map[string]bool)
	for _, def := range m.workflows.Active() {
		for _, t := range embedding.Tokenize(def.Trigger) {
			tokens[t] = true
		}
	}
	return tokens
}

// residualText returns the request words not present in any trigger, the raw
// material for a proto-entity's identifying field.
func residualText(text string, triggerTokens map[string]bool) string {
	var leftover []string
	for _, t := range embedding.Tokenize(text) {
		if !triggerTokens[t] {
			leftover = append(leftover, t)
		}
	}
	return strings.Join(leftover, " ")
}

func lexicalSimilarity(a, b string) float64 {
	at := embedding.Tokenize(a)
	bt := make(map[string]bool)
	for _, t := range embedding.Tokenize(b) {
		bt[t] = true
	}
	if len(at) == 0 || len(bt) == 0 {
		return 0
	}
	matched := 0
	for _, t := range at {
		if bt[t] {
			matched++
		}
	}
	// Symmetric overlap so long requests against short triggers still score.
	denom := math.Sqrt(float64(len(at)) * float64(len(bt)))
	return float64(matched) / denom
}

func geometricMean(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	product := 1.0
	for _, s := range scores {
		if s <= 0 {
			s = 1e-6
		}
		product *= s
	}
	return math.Pow(product, 1.0/float64(len(scores)))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func stringValue(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func wrapTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
