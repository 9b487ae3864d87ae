package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRecordCollectsAllViolations(t *testing.T) {
	typ := EntityType{
		Name: "Order",
		Fields: []Field{
			{Name: "item", Type: TypeString, Required: true},
			{Name: "quantity", Type: TypeNumber, Required: true},
			{Name: "note", Type: TypeString},
		},
	}

	violations := typ.ValidateRecord(map[string]interface{}{
		"quantity": "a lot",
		"spice":    "extra hot",
	})

	require.Len(t, violations, 3)
	seen := make(map[string]string, len(violations))
	for _, v := range violations {
		seen[v.Field] = v.Message
	}
	assert.Equal(t, "required field missing", seen["item"])
	assert.Contains(t, seen["quantity"], "cannot coerce")
	assert.Equal(t, "field not defined in schema", seen["spice"])
}

func TestValidateRecordMissingOptionalIsFine(t *testing.T) {
	typ := EntityType{
		Name: "Order",
		Fields: []Field{
			{Name: "item", Type: TypeString, Required: true},
			{Name: "note", Type: TypeString},
			{Name: "stock", Type: TypeNumber, Required: true, Default: float64(0)},
		},
	}

	violations := typ.ValidateRecord(map[string]interface{}{"item": "burger"})
	assert.Empty(t, violations)
}

func TestApplyDefaultsFillsAndCoerces(t *testing.T) {
	typ := EntityType{
		Name: "MenuItem",
		Fields: []Field{
			{Name: "name", Type: TypeString, Required: true},
			{Name: "stock", Type: TypeNumber, Required: true, Default: float64(0)},
			{Name: "available", Type: TypeBool, Default: true},
		},
	}

	out := typ.ApplyDefaults(map[string]interface{}{
		"name":  "spicy burger",
		"stock": "12",
	})

	assert.Equal(t, "spicy burger", out["name"])
	assert.Equal(t, float64(12), out["stock"])
	assert.Equal(t, true, out["available"])
}

func TestCoerceValue(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	cases := []struct {
		name    string
		field   Field
		raw     interface{}
		want    interface{}
		wantErr bool
	}{
		{"string passthrough", Field{Name: "f", Type: TypeString}, "hello", "hello", false},
		{"number to string", Field{Name: "f", Type: TypeString}, float64(3.5), "3.5", false},
		{"bool to string", Field{Name: "f", Type: TypeString}, true, "true", false},
		{"int to number", Field{Name: "f", Type: TypeNumber}, 7, float64(7), false},
		{"numeric string to number", Field{Name: "f", Type: TypeNumber}, " 12 ", float64(12), false},
		{"word to number fails", Field{Name: "f", Type: TypeNumber}, "twelve", nil, true},
		{"bool passthrough", Field{Name: "f", Type: TypeBool}, false, false, false},
		{"string to bool", Field{Name: "f", Type: TypeBool}, "true", true, false},
		{"junk to bool fails", Field{Name: "f", Type: TypeBool}, "maybe", nil, true},
		{"rfc3339 string", Field{Name: "f", Type: TypeTimestamp}, "2026-03-14T09:26:53Z", "2026-03-14T09:26:53Z", false},
		{"time value", Field{Name: "f", Type: TypeTimestamp}, ts, "2026-03-14T09:26:53Z", false},
		{"bad timestamp fails", Field{Name: "f", Type: TypeTimestamp}, "yesterday", nil, true},
		{"reference keeps id", Field{Name: "f", Type: TypeReference, Reference: "Room"}, "room-7", "room-7", false},
		{"map to string fails", Field{Name: "f", Type: TypeString}, map[string]int{}, nil, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := CoerceValue(tc.field, tc.raw)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestWidens(t *testing.T) {
	assert.True(t, widens(TypeNumber, TypeNumber))
	assert.True(t, widens(TypeNumber, TypeString))
	assert.True(t, widens(TypeBool, TypeString))
	assert.False(t, widens(TypeString, TypeNumber))
	assert.False(t, widens(TypeReference, TypeString))
}
