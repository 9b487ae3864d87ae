package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/config"
	"steward/internal/embedding"
	"steward/internal/index"
	"steward/internal/memory"
	"steward/internal/schema"
	"steward/internal/store"
	"steward/internal/workflow"
)

// =============================================================================
// TEST HARNESS
// =============================================================================

// world assembles a full agent over an in-memory store, seeded with a small
// restaurant domain: a MenuItem type, an Order type, one ordering workflow,
// a burger in stock and a pizza that is out of stock and unavailable.
type world struct {
	cfg       *config.Config
	agent     *Agent
	store     *store.Store
	schemas   *schema.Registry
	workflows *workflow.Registry
	ix        *index.Index
	mem       *memory.Engine

	burgerID string
	pizzaID  string
}

func newWorld(t *testing.T, eng embedding.Engine, mutate func(*config.Config)) *world {
	t.Helper()
	ctx := context.Background()

	cfg := config.DefaultConfig()
	cfg.Store.DatabasePath = ":memory:"
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	schemas, err := schema.LoadRegistry(st.FieldInUseCount, st)
	require.NoError(t, err)
	workflows, err := workflow.LoadRegistry(st)
	require.NoError(t, err)
	ix := index.New(st, eng)
	mem, err := memory.NewEngine(memory.DefaultConfig(), st)
	require.NoError(t, err)

	w := &world{
		cfg:       cfg,
		store:     st,
		schemas:   schemas,
		workflows: workflows,
		ix:        ix,
		mem:       mem,
	}

	_, err = schemas.DefineType(schema.EntityType{
		Name: "MenuItem",
		Fields: []schema.Field{
			{Name: "name", Type: schema.TypeString, Required: true},
			{Name: "stock", Type: schema.TypeNumber, Required: true, Default: float64(0)},
			{Name: "available", Type: schema.TypeBool, Default: true},
		},
	}, "seed", false)
	require.NoError(t, err)

	_, err = schemas.DefineType(schema.EntityType{
		Name: "Order",
		Fields: []schema.Field{
			{Name: "item", Type: schema.TypeReference, Reference: "MenuItem"},
			{Name: "request", Type: schema.TypeString},
			{Name: "placed_at", Type: schema.TypeTimestamp},
		},
	}, "seed", false)
	require.NoError(t, err)

	_, err = workflows.Register(workflow.Definition{
		ID:      "create-order",
		Trigger: "order a menu item",
		Slots:   []workflow.Slot{{Name: "item", EntityType: "MenuItem", Required: true}},
		Rules: []workflow.Rule{
			{Expr: "exists(item)", Explain: "the menu item must exist"},
			{Expr: "item.stock > 0", Explain: "the item is out of stock"},
			{Expr: "item.available", Explain: "the item is not available"},
		},
		Template: workflow.Template{Ops: []workflow.TemplateOp{{
			Action:     workflow.ActionCreate,
			EntityType: "Order",
			Fields: map[string]interface{}{
				"item":      "{slot:item.id}",
				"request":   "{request}",
				"placed_at": "{now}",
			},
		}}},
		Origin: "seed",
	})
	require.NoError(t, err)

	w.burgerID = w.createInstance(t, "MenuItem", map[string]interface{}{
		"name": "spicy burger", "stock": float64(3), "available": true,
	})
	w.pizzaID = w.createInstance(t, "MenuItem", map[string]interface{}{
		"name": "margherita pizza", "stock": float64(0), "available": false,
	})

	w.agent = NewAgent(cfg, schemas, workflows, st, ix, mem, nil)
	require.NoError(t, w.agent.SyncIndex(ctx))
	return w
}

func (w *world) createInstance(t *testing.T, entityType string, fields map[string]interface{}) string {
	t.Helper()
	id := uuid.NewString()
	_, err := w.store.Transact(context.Background(), []store.Mutation{{
		Kind: store.MutationCreate,
		Instance: store.EntityInstance{
			ID:            id,
			EntityType:    entityType,
			Fields:        fields,
			SchemaVersion: w.schemas.Version(),
		},
	}}, nil)
	require.NoError(t, err)
	return id
}

func (w *world) lastLog(t *testing.T) store.LogEntry {
	t.Helper()
	entries, err := w.store.RecentLog(context.Background(), 1)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	return entries[0]
}

// lowFloor relaxes the match floor so the hash embedding's modest trigger
// similarity does not decide these tests.
func lowFloor(cfg *config.Config) { cfg.Engine.MatchFloor = 0.15 }

// =============================================================================
// EXECUTION SCENARIOS
// =============================================================================

func TestOrderCreatesEntity(t *testing.T) {
	w := newWorld(t, embedding.NewLocalEngine(256), lowFloor)
	ctx := context.Background()

	res, err := w.agent.InterpretAndExecute(ctx, "order a spicy burger")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "create-order@1", res.WorkflowKey)
	require.NotNil(t, res.Mutation)
	require.Len(t, res.Mutation.Created, 1)
	assert.Empty(t, res.EvolutionID)

	orders, err := w.store.Query(ctx, "Order", nil)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, w.burgerID, orders[0].Fields["item"])
	assert.Equal(t, "order a spicy burger", orders[0].Fields["request"])
	placedAt, ok := orders[0].Fields["placed_at"].(string)
	require.True(t, ok)
	_, err = time.Parse(time.RFC3339, placedAt)
	assert.NoError(t, err)

	entry := w.lastLog(t)
	assert.Equal(t, store.OutcomeCompleted, entry.Outcome)
	assert.Equal(t, "create-order", entry.WorkflowID)
	assert.Empty(t, entry.Flag)
}

func TestRepeatedOrdersCreateSeparateInstances(t *testing.T) {
	w := newWorld(t, embedding.NewLocalEngine(256), lowFloor)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := w.agent.InterpretAndExecute(ctx, "order a spicy burger")
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, res.Status)
	}

	orders, err := w.store.Query(ctx, "Order", nil)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.NotEqual(t, orders[0].ID, orders[1].ID)
}

func TestOutOfStockFailsWithEveryReason(t *testing.T) {
	w := newWorld(t, embedding.NewLocalEngine(256), func(cfg *config.Config) {
		lowFloor(cfg)
		cfg.Engine.EvolutionEnabled = false
	})
	ctx := context.Background()

	res, err := w.agent.InterpretAndExecute(ctx, "order a margherita pizza")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Explanations, "the item is out of stock")
	assert.Contains(t, res.Explanations, "the item is not available")
	assert.NotContains(t, res.Explanations, "the menu item must exist")

	orders, err := w.store.Query(ctx, "Order", nil)
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Equal(t, store.OutcomeValidationFailed, w.lastLog(t).Outcome)
}

func TestUnmatchedRequestFailsWhenEvolutionDisabled(t *testing.T) {
	w := newWorld(t, nil, func(cfg *config.Config) { cfg.Engine.EvolutionEnabled = false })

	res, err := w.agent.InterpretAndExecute(context.Background(), "show vegetarian pizza options")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Explanations, ErrNoCandidate.Error())
	assert.Equal(t, store.OutcomeNoCandidate, w.lastLog(t).Outcome)
}

// =============================================================================
// EVOLUTION SCENARIOS
// =============================================================================

func TestUnmatchedRequestSynthesizesWorkflow(t *testing.T) {
	w := newWorld(t, nil, nil)
	ctx := context.Background()

	res, err := w.agent.InterpretAndExecute(ctx, "show vegetarian pizza options")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "show_vegetarian_pizza_options@1", res.WorkflowKey)
	assert.NotEmpty(t, res.EvolutionID)
	require.NotNil(t, res.Mutation)
	assert.True(t, res.Mutation.Empty(), "synthesized workflows start as pure queries")

	def, ok := w.workflows.Latest("show_vegetarian_pizza_options")
	require.True(t, ok)
	assert.True(t, def.Unconfirmed)

	entry := w.lastLog(t)
	assert.Equal(t, store.OutcomeCompleted, entry.Outcome)
	assert.Equal(t, store.FlagUnconfirmed, entry.Flag)

	require.Len(t, w.agent.Evolutions().Pending(), 1)
}

func TestAcceptedEvolutionConfirmsWorkflow(t *testing.T) {
	w := newWorld(t, nil, nil)
	ctx := context.Background()

	res, err := w.agent.InterpretAndExecute(ctx, "show vegetarian pizza options")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)

	require.NoError(t, w.agent.ConfirmEvolution(ctx, res.EvolutionID, true))

	def, ok := w.workflows.Latest("show_vegetarian_pizza_options")
	require.True(t, ok)
	assert.False(t, def.Unconfirmed)
	assert.Empty(t, w.agent.Evolutions().Pending())
}

func TestRejectedEvolutionRevokesAndFlags(t *testing.T) {
	w := newWorld(t, nil, nil)
	ctx := context.Background()

	res, err := w.agent.InterpretAndExecute(ctx, "show vegetarian pizza options")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)

	require.NoError(t, w.agent.ConfirmEvolution(ctx, res.EvolutionID, false))

	_, ok := w.workflows.Latest("show_vegetarian_pizza_options")
	assert.False(t, ok, "rejected synthesis leaves no active version")

	entries, err := w.store.RecentLog(ctx, 10)
	require.NoError(t, err)
	var unresolved, needsReview bool
	for _, e := range entries {
		if e.Flag == store.FlagUnresolved && e.RequestText == "show vegetarian pizza options" {
			unresolved = true
		}
		if e.Flag == store.FlagNeedsReview && e.Outcome == store.OutcomeCompleted {
			needsReview = true
		}
	}
	assert.True(t, unresolved, "original request re-logged as unresolved")
	assert.True(t, needsReview, "execution under the rejected version re-flagged")

	// The rejection is remembered: resolving the same id again reports it.
	assert.ErrorIs(t, w.agent.ConfirmEvolution(ctx, res.EvolutionID, false), ErrEvolutionRejected)
	assert.ErrorIs(t, w.agent.ConfirmEvolution(ctx, res.EvolutionID, true), ErrEvolutionRejected)
}

func TestFailedValidationAmendsWorkflow(t *testing.T) {
	w := newWorld(t, embedding.NewLocalEngine(256), lowFloor)
	ctx := context.Background()

	res, err := w.agent.InterpretAndExecute(ctx, "order a margherita pizza")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "create-order@2", res.WorkflowKey)
	assert.NotEmpty(t, res.EvolutionID)

	amended, ok := w.workflows.Latest("create-order")
	require.True(t, ok)
	assert.Equal(t, int64(2), amended.Version)
	assert.True(t, amended.Unconfirmed)
	require.Len(t, amended.Rules, 1)
	assert.Equal(t, "exists(item)", amended.Rules[0].Expr)

	orders, err := w.store.Query(ctx, "Order", nil)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, w.pizzaID, orders[0].Fields["item"])
	assert.Equal(t, store.FlagUnconfirmed, w.lastLog(t).Flag)
}

func TestRejectedAmendmentRestoresPriorVersion(t *testing.T) {
	w := newWorld(t, embedding.NewLocalEngine(256), lowFloor)
	ctx := context.Background()

	res, err := w.agent.InterpretAndExecute(ctx, "order a margherita pizza")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)

	require.NoError(t, w.agent.ConfirmEvolution(ctx, res.EvolutionID, false))

	restored, ok := w.workflows.Latest("create-order")
	require.True(t, ok)
	assert.Equal(t, int64(1), restored.Version)
	assert.Len(t, restored.Rules, 3)

	// The out-of-stock order stays in the store for human reconciliation,
	// but its log entry now demands review.
	orders, err := w.store.Query(ctx, "Order", nil)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
	entries, err := w.store.RecentLog(ctx, 10)
	require.NoError(t, err)
	var flagged bool
	for _, e := range entries {
		if e.WorkflowVersion == 2 && e.Flag == store.FlagNeedsReview {
			flagged = true
		}
	}
	assert.True(t, flagged)
}

func TestConcurrentEvolutionIsRefused(t *testing.T) {
	w := newWorld(t, nil, nil)
	ctx := context.Background()

	// Hold the controller's gate to simulate an in-flight evolution.
	<-w.agent.evolution.gate
	defer func() { w.agent.evolution.gate <- struct{}{} }()

	_, err := w.agent.Evolutions().Propose(ctx, "show vegetarian pizza options", nil, nil)
	assert.ErrorIs(t, err, ErrEvolutionBusy)
	assert.ErrorIs(t, w.agent.Evolutions().Confirm(ctx, "any", true), ErrEvolutionBusy)
}
