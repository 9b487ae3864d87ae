package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func orderWorkflow() Definition {
	return Definition{
		ID:      "create-order",
		Trigger: "order a menu item",
		Slots:   []Slot{{Name: "item", EntityType: "MenuItem", Required: true}},
		Rules: []Rule{
			{Expr: `exists(item)`, Explain: "the menu item must exist"},
			{Expr: `item.stock > 0`, Explain: "the item is out of stock"},
		},
		Template: Template{Ops: []TemplateOp{{
			Action:     ActionCreate,
			EntityType: "Order",
			Fields:     map[string]interface{}{"item": "{slot:item.id}", "placed_at": "{now}"},
		}}},
		Origin: "seed",
	}
}

func TestRegisterAssignsVersions(t *testing.T) {
	r := NewRegistry(nil)

	d1, err := r.Register(orderWorkflow())
	require.NoError(t, err)
	assert.Equal(t, int64(1), d1.Version)
	assert.Equal(t, "create-order@1", d1.Key())

	amended := orderWorkflow()
	amended.Rules = amended.Rules[:1]
	amended.Origin = "evolution"
	d2, err := r.Register(amended)
	require.NoError(t, err)
	assert.Equal(t, int64(2), d2.Version)

	latest, ok := r.Latest("create-order")
	require.True(t, ok)
	assert.Equal(t, int64(2), latest.Version)
	assert.Len(t, latest.Rules, 1)
}

func TestRegisterRejectsInvalidDefinitions(t *testing.T) {
	r := NewRegistry(nil)

	t.Run("no rules", func(t *testing.T) {
		d := orderWorkflow()
		d.Rules = nil
		_, err := r.Register(d)
		assert.Error(t, err)
	})

	t.Run("unparseable rule", func(t *testing.T) {
		d := orderWorkflow()
		d.Rules = []Rule{{Expr: `item.stock >> 0`, Explain: "broken"}}
		_, err := r.Register(d)
		assert.Error(t, err)
	})

	t.Run("update op on unknown slot", func(t *testing.T) {
		d := orderWorkflow()
		d.Template.Ops = []TemplateOp{{Action: ActionUpdate, Slot: "table"}}
		_, err := r.Register(d)
		assert.Error(t, err)
	})

	t.Run("empty trigger", func(t *testing.T) {
		d := orderWorkflow()
		d.Trigger = ""
		_, err := r.Register(d)
		assert.Error(t, err)
	})
}

func TestRevokeFallsBackToPriorVersion(t *testing.T) {
	r := NewRegistry(nil)

	_, err := r.Register(orderWorkflow())
	require.NoError(t, err)

	amended := orderWorkflow()
	amended.Origin = "evolution"
	amended.Unconfirmed = true
	d2, err := r.Register(amended)
	require.NoError(t, err)

	require.NoError(t, r.Revoke(d2.ID, d2.Version))

	latest, ok := r.Latest("create-order")
	require.True(t, ok)
	assert.Equal(t, int64(1), latest.Version)

	// Revoked versions stay resolvable for audit.
	revoked, err := r.Resolve("create-order", 2)
	require.NoError(t, err)
	assert.True(t, revoked.Revoked)

	active := r.Active()
	require.Len(t, active, 1)
	assert.Equal(t, int64(1), active[0].Version)
}

func TestRevokeOnlyVersionRemovesFromActive(t *testing.T) {
	r := NewRegistry(nil)

	d, err := r.Register(orderWorkflow())
	require.NoError(t, err)
	require.NoError(t, r.Revoke(d.ID, d.Version))

	_, ok := r.Latest(d.ID)
	assert.False(t, ok)
	assert.Empty(t, r.Active())
}

func TestConfirmClearsUnconfirmed(t *testing.T) {
	r := NewRegistry(nil)

	d := orderWorkflow()
	d.Unconfirmed = true
	reg, err := r.Register(d)
	require.NoError(t, err)
	require.True(t, reg.Unconfirmed)

	require.NoError(t, r.Confirm(reg.ID, reg.Version))
	latest, ok := r.Latest(reg.ID)
	require.True(t, ok)
	assert.False(t, latest.Unconfirmed)

	err = r.Confirm("no-such-workflow", 1)
	assert.ErrorIs(t, err, ErrUnknownWorkflow)

	err = r.Confirm(reg.ID, 99)
	assert.ErrorIs(t, err, ErrUnknownVersion)
}

func TestLatestReturnsCopy(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Register(orderWorkflow())
	require.NoError(t, err)

	first, ok := r.Latest("create-order")
	require.True(t, ok)
	first.Rules[0].Explain = "mutated"
	first.Template.Ops[0].Fields["item"] = "mutated"

	second, ok := r.Latest("create-order")
	require.True(t, ok)
	assert.Equal(t, "the menu item must exist", second.Rules[0].Explain)
	assert.Equal(t, "{slot:item.id}", second.Template.Ops[0].Fields["item"])
}
