package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/config"
	"steward/internal/embedding"
	"steward/internal/schema"
)

func TestMatchBindsBestInstance(t *testing.T) {
	w := newWorld(t, embedding.NewLocalEngine(256), lowFloor)
	m := NewMatcher(w.cfg.Engine, w.workflows, w.schemas, w.ix, w.mem, w.store)

	candidates, err := m.Match(context.Background(), "order a spicy burger")
	require.NoError(t, err)
	require.NotEmpty(t, candidates)

	best := candidates[0]
	assert.Equal(t, "create-order", best.Workflow.ID)
	bound, ok := best.Slots["item"]
	require.True(t, ok)
	assert.Equal(t, w.burgerID, bound.InstanceID)
	assert.False(t, bound.Proto)
	assert.GreaterOrEqual(t, best.Confidence, w.cfg.Engine.MatchFloor)
}

func TestSlotSearchIgnoresOtherEntityTypes(t *testing.T) {
	w := newWorld(t, nil, lowFloor)
	ctx := context.Background()

	_, err := w.schemas.DefineType(schema.EntityType{
		Name:   "Customer",
		Fields: []schema.Field{{Name: "name", Type: schema.TypeString, Required: true}},
	}, "seed", false)
	require.NoError(t, err)

	// More near-verbatim Customer records than the slot search returns. If
	// the type restriction ran after the topK cut they would push every
	// MenuItem out of the shortlist.
	for i := 0; i < w.cfg.Engine.SlotTopK+1; i++ {
		w.createInstance(t, "Customer", map[string]interface{}{
			"name": fmt.Sprintf("order a spicy burger fan %d", i),
		})
	}
	require.NoError(t, w.agent.SyncIndex(ctx))

	m := NewMatcher(w.cfg.Engine, w.workflows, w.schemas, w.ix, w.mem, w.store)
	candidates, err := m.Match(ctx, "order a spicy burger")
	require.NoError(t, err)
	require.NotEmpty(t, candidates)

	bound, ok := candidates[0].Slots["item"]
	require.True(t, ok)
	assert.Equal(t, w.burgerID, bound.InstanceID)
	assert.False(t, bound.Proto)
}

func TestMatchFloorFiltersImplausibleCandidates(t *testing.T) {
	w := newWorld(t, nil, nil)
	m := NewMatcher(w.cfg.Engine, w.workflows, w.schemas, w.ix, w.mem, w.store)

	candidates, err := m.Match(context.Background(), "recalibrate the flux capacitor")
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestWorkflowHintLiftsMatchAboveFloor(t *testing.T) {
	w := newWorld(t, nil, nil)
	ctx := context.Background()
	m := NewMatcher(w.cfg.Engine, w.workflows, w.schemas, w.ix, w.mem, w.store)

	// "the usual" shares no vocabulary with the trigger; without a learned
	// hint the request matches nothing.
	candidates, err := m.Match(ctx, "give them the usual")
	require.NoError(t, err)
	require.Empty(t, candidates)

	require.NoError(t, w.mem.AssertWorkflowHint(ctx, "the usual", "create-order", 0.9))

	candidates, err = m.Match(ctx, "give them the usual")
	require.NoError(t, err)
	require.NotEmpty(t, candidates)
	assert.Equal(t, "create-order", candidates[0].Workflow.ID)
	assert.GreaterOrEqual(t, candidates[0].Confidence, 0.9)
}

func TestDisambiguationBreaksTies(t *testing.T) {
	w := newWorld(t, nil, lowFloor)
	ctx := context.Background()

	tofuID := w.createInstance(t, "MenuItem", map[string]interface{}{
		"name": "spicy tofu", "stock": float64(4), "available": true,
	})
	require.NoError(t, w.agent.SyncIndex(ctx))

	// Both spicy items tie on keyword overlap; the learned preference decides.
	require.NoError(t, w.mem.AssertDisambiguation(ctx, "the spicy one", "MenuItem", "name", "spicy tofu", 0.3))

	m := NewMatcher(w.cfg.Engine, w.workflows, w.schemas, w.ix, w.mem, w.store)
	candidates, err := m.Match(ctx, "order the spicy one")
	require.NoError(t, err)
	require.NotEmpty(t, candidates)

	bound, ok := candidates[0].Slots["item"]
	require.True(t, ok)
	assert.Equal(t, tofuID, bound.InstanceID)
}

func TestGeometricMeanSuppressesPoorSlots(t *testing.T) {
	high := geometricMean([]float64{0.9, 0.9})
	withPoor := geometricMean([]float64{0.9, 0.01})
	assert.Greater(t, high, 0.85)
	assert.Less(t, withPoor, 0.15)
	assert.Zero(t, geometricMean(nil))
}

func TestLexicalSimilarity(t *testing.T) {
	assert.Greater(t,
		lexicalSimilarity("order a menu item", "order a menu item"),
		lexicalSimilarity("order a menu item", "reserve a table"))
	assert.Zero(t, lexicalSimilarity("", "order"))
}

func TestMatchUsesLexicalFallbackOnEmptyIndex(t *testing.T) {
	w := newWorld(t, nil, lowFloor)
	ctx := context.Background()

	// Simulate a fresh boot: registry populated, index not yet synced.
	require.NoError(t, w.ix.Remove(ctx, "workflow:create-order"))

	cfg := w.cfg.Engine
	cfg.MatchFloor = 0.05
	m := NewMatcher(cfg, w.workflows, w.schemas, w.ix, w.mem, w.store)

	candidates, err := m.Match(ctx, "order a menu item")
	require.NoError(t, err)
	require.NotEmpty(t, candidates)
	assert.Equal(t, "create-order", candidates[0].Workflow.ID)
}

func TestMatchIsReadOnly(t *testing.T) {
	w := newWorld(t, nil, nil)
	ctx := context.Background()

	before, err := w.store.Stats()
	require.NoError(t, err)

	m := NewMatcher(w.cfg.Engine, w.workflows, w.schemas, w.ix, w.mem, w.store)
	_, err = m.Match(ctx, "order a spicy burger")
	require.NoError(t, err)

	after, err := w.store.Stats()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestMatchFloorConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.Equal(t, 0.35, cfg.Engine.MatchFloor)
}
