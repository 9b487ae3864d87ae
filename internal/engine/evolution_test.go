package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unknownFieldFailure() *ValidationError {
	return &ValidationError{
		WorkflowKey:  "create-order@1",
		Explanations: []string{`slot "item": spice: field not defined in schema`},
	}
}

func TestProposeExtendsSchemaForUnknownField(t *testing.T) {
	w := newWorld(t, nil, nil)
	ctx := context.Background()

	prior := w.schemas.Version()
	best := orderBinding(w, w.burgerID, map[string]interface{}{"name": "spicy burger", "spice": "extra hot"}, 1)

	p, err := w.agent.Evolutions().Propose(ctx, "order an extra hot spicy burger", best, unknownFieldFailure())
	require.NoError(t, err)
	assert.Equal(t, EvolutionSchemaExtension, p.Kind)
	assert.Equal(t, prior, p.PriorSchemaVersion)
	assert.Greater(t, p.SchemaVersion, prior)

	typ, ok := w.schemas.Type("MenuItem")
	require.True(t, ok)
	f, ok := typ.Field("spice")
	require.True(t, ok, "the unknown field became an optional string")
	assert.False(t, f.Required)
}

func TestRejectedSchemaExtensionRollsBack(t *testing.T) {
	w := newWorld(t, nil, nil)
	ctx := context.Background()

	best := orderBinding(w, w.burgerID, nil, 1)
	p, err := w.agent.Evolutions().Propose(ctx, "order an extra hot spicy burger", best, unknownFieldFailure())
	require.NoError(t, err)

	require.NoError(t, w.agent.Evolutions().Confirm(ctx, p.ID, false))

	typ, ok := w.schemas.Type("MenuItem")
	require.True(t, ok)
	_, has := typ.Field("spice")
	assert.False(t, has, "rollback removed the provisional field")

	// History keeps the provisional version for audit.
	historic, has, err := w.schemas.TypeAt(p.SchemaVersion, "MenuItem")
	require.NoError(t, err)
	require.True(t, has)
	_, has = historic.Field("spice")
	assert.True(t, has)
}

func TestAcceptedSchemaExtensionConfirms(t *testing.T) {
	w := newWorld(t, nil, nil)
	ctx := context.Background()

	best := orderBinding(w, w.burgerID, nil, 1)
	p, err := w.agent.Evolutions().Propose(ctx, "order an extra hot spicy burger", best, unknownFieldFailure())
	require.NoError(t, err)

	require.NoError(t, w.agent.Evolutions().Confirm(ctx, p.ID, true))

	typ, ok := w.schemas.Type("MenuItem")
	require.True(t, ok)
	_, has := typ.Field("spice")
	assert.True(t, has)
}

func TestProposeAmendsFailingRules(t *testing.T) {
	w := newWorld(t, nil, nil)
	ctx := context.Background()

	best := orderBinding(w, w.pizzaID, map[string]interface{}{"name": "margherita pizza"}, 1)
	failure := &ValidationError{
		WorkflowKey:  "create-order@1",
		Explanations: []string{"the item is out of stock"},
	}

	p, err := w.agent.Evolutions().Propose(ctx, "order a margherita pizza", best, failure)
	require.NoError(t, err)
	assert.Equal(t, EvolutionWorkflowAmendment, p.Kind)
	assert.Equal(t, "create-order", p.WorkflowID)
	assert.Equal(t, int64(2), p.WorkflowVersion)

	amended, ok := w.workflows.Latest("create-order")
	require.True(t, ok)
	assert.True(t, amended.Unconfirmed)
	require.Len(t, amended.Rules, 2)
	for _, r := range amended.Rules {
		assert.NotEqual(t, "the item is out of stock", r.Explain)
	}
}

func TestProposeRefusesWhenNothingAmendable(t *testing.T) {
	w := newWorld(t, nil, nil)
	ctx := context.Background()

	best := orderBinding(w, w.pizzaID, nil, 1)
	failure := &ValidationError{
		WorkflowKey:  "create-order@1",
		Explanations: []string{`required slot "table" (Table) could not be bound`},
	}

	_, err := w.agent.Evolutions().Propose(ctx, "order for table nine", best, failure)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no amendable rules")
}

func TestProposeRefusesSynthesisWithoutEntityContext(t *testing.T) {
	w := newWorld(t, nil, nil)
	ctx := context.Background()

	// No request token overlaps any indexed entity: no slot can be inferred.
	_, err := w.agent.Evolutions().Propose(ctx, "recalibrate the flux capacitor", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to synthesize")
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "show_me_the_menu", slugify("Show me the menu!"))
	assert.Len(t, slugify(strings.Repeat("very long request ", 10)), 48)
	assert.True(t, strings.HasPrefix(slugify("!!!"), "workflow_"))
}
