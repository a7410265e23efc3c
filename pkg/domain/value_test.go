package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueKinds(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		kind ValueKind
	}{
		{"null", Null(), KindNull},
		{"zero value is null", Value{}, KindNull},
		{"bool", Bool(true), KindBool},
		{"int", Int(42), KindNumber},
		{"float", Float(3.5), KindNumber},
		{"string", Str("hello"), KindString},
		{"list", List(Int(1), Str("a")), KindList},
		{"map", Map(map[string]Value{"k": Bool(false)}), KindMap},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.v.Kind())
		})
	}
}

func TestValueAccessors(t *testing.T) {
	b, ok := Bool(true).Bool()
	require.True(t, ok)
	assert.True(t, b)

	_, ok = Str("x").Bool()
	assert.False(t, ok)

	i, ok := Int(7).Int()
	require.True(t, ok)
	assert.Equal(t, int64(7), i)

	// Integral floats still read back as ints; fractional ones do not.
	i, ok = Float(3.0).Int()
	require.True(t, ok)
	assert.Equal(t, int64(3), i)
	_, ok = Float(3.5).Int()
	assert.False(t, ok)

	s, ok := Str("hello").Str()
	require.True(t, ok)
	assert.Equal(t, "hello", s)
}

func TestValueImmutability(t *testing.T) {
	src := []Value{Int(1), Int(2)}
	v := List(src...)
	src[0] = Int(99)

	items, ok := v.List()
	require.True(t, ok)
	i, _ := items[0].Int()
	assert.Equal(t, int64(1), i, "constructor must copy its input")

	items[1] = Str("mutated")
	again, _ := v.List()
	i, _ = again[1].Int()
	assert.Equal(t, int64(2), i, "accessor must return a copy")
}

func TestValueJSONRoundTrip(t *testing.T) {
	v := Map(map[string]Value{
		"line_number": Int(42),
		"tags":        List(Str("build"), Str("deploy")),
		"nested":      Map(map[string]Value{"ok": Bool(true)}),
		"ratio":       Float(0.85),
		"none":        Null(),
	})

	raw, err := json.Marshal(v)
	require.NoError(t, err)

	var back Value
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.True(t, v.Equal(back))
}

func TestValueMapMarshalDeterministic(t *testing.T) {
	v := Map(map[string]Value{"b": Int(2), "a": Int(1), "c": Int(3)})
	first, err := json.Marshal(v)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		next, err := json.Marshal(v)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(next))
	}
	assert.JSONEq(t, `{"a":1,"b":2,"c":3}`, string(first))
}

func TestContextHelpers(t *testing.T) {
	ctx := Context{
		"line_number":         Int(17),
		"surrounding_context": Str("line a\nline b"),
	}

	n, ok := ctx.GetInt("line_number")
	require.True(t, ok)
	assert.Equal(t, int64(17), n)

	s, ok := ctx.GetString("surrounding_context")
	require.True(t, ok)
	assert.Contains(t, s, "line a")

	_, ok = ctx.GetString("missing")
	assert.False(t, ok)

	clone := ctx.Clone()
	clone["line_number"] = Int(99)
	n, _ = ctx.GetInt("line_number")
	assert.Equal(t, int64(17), n)
}
