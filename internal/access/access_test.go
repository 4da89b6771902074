package access

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFieldSet tests membership and wildcard handling
func TestFieldSet(t *testing.T) {
	tests := []struct {
		name    string
		set     FieldSet
		field   string
		allowed bool
	}{
		{name: "wildcard allows anything", set: AllFields(), field: "title", allowed: true},
		{name: "star entry becomes wildcard", set: Fields("id", "*"), field: "secret", allowed: true},
		{name: "explicit field", set: Fields("title", "body"), field: "body", allowed: true},
		{name: "missing field", set: Fields("title"), field: "body", allowed: false},
		{name: "empty set", set: Fields(), field: "title", allowed: false},
		{name: "zero value", set: FieldSet{}, field: "title", allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.set.Allows(tt.field))
		})
	}
}

// TestFieldSetIntersect tests read/update intersection
func TestFieldSetIntersect(t *testing.T) {
	tests := []struct {
		name string
		a, b FieldSet
		want []string
	}{
		{name: "both wildcard", a: AllFields(), b: AllFields(), want: []string{"*"}},
		{name: "wildcard and explicit", a: AllFields(), b: Fields("title"), want: []string{"title"}},
		{name: "explicit and wildcard", a: Fields("body"), b: AllFields(), want: []string{"body"}},
		{name: "overlap", a: Fields("title", "body"), b: Fields("body", "status"), want: []string{"body"}},
		{name: "disjoint", a: Fields("title"), b: Fields("status"), want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Intersect(tt.b).Names())
		})
	}
}

// TestFieldSetJSON tests the wire form used by the HTTP backend
func TestFieldSetJSON(t *testing.T) {
	var s FieldSet
	require.NoError(t, json.Unmarshal([]byte(`["title","body"]`), &s))
	assert.True(t, s.Allows("title"))
	assert.False(t, s.All())

	require.NoError(t, json.Unmarshal([]byte(`["*"]`), &s))
	assert.True(t, s.All())

	data, err := json.Marshal(Fields("b", "a"))
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b"]`, string(data))
}

// TestSchema tests collection and field lookups
func TestSchema(t *testing.T) {
	schema := &Schema{Collections: map[string]Collection{
		"articles": {Fields: []string{"id", "title"}},
		"settings": {Singleton: true, Fields: []string{"site_name"}},
	}}

	assert.True(t, schema.HasField("articles", "title"))
	assert.False(t, schema.HasField("articles", "missing"))
	assert.False(t, schema.HasField("missing", "title"))

	settings, ok := schema.Collection("settings")
	require.True(t, ok)
	assert.True(t, settings.Singleton)

	var nilSchema *Schema
	_, ok = nilSchema.Collection("articles")
	assert.False(t, ok)
}

// TestAccountabilityIsShare tests share-link detection
func TestAccountabilityIsShare(t *testing.T) {
	assert.False(t, Accountability{User: "u1"}.IsShare())
	assert.True(t, Accountability{Share: "s1"}.IsShare())
}
