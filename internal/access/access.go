package access

import (
	"context"
	"encoding/json"
	"errors"

	"golang.org/x/exp/slices"
)

var (
	// ErrForbidden means the actor may not read the requested item.
	ErrForbidden = errors.New("access: forbidden")
	// ErrNotFound means the requested item does not exist.
	ErrNotFound = errors.New("access: not found")
)

// VersionCollection holds content versions. Joining a room for a version
// requires read access to the version record as well as the item.
const VersionCollection = "coedit_versions"

// Action is a permission action.
type Action string

const (
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
)

// Accountability is the authenticated identity attached to a connection.
type Accountability struct {
	User  string `json:"user" cbor:"user"`
	Role  string `json:"role,omitempty" cbor:"role,omitempty"`
	Share string `json:"share,omitempty" cbor:"share,omitempty"`
	Admin bool   `json:"admin,omitempty" cbor:"admin,omitempty"`
}

// IsShare reports whether the actor is a public share-link session.
func (a Accountability) IsShare() bool {
	return a.Share != ""
}

// FieldSet is the set of fields an actor may touch. The wildcard set
// allows every field.
type FieldSet struct {
	all    bool
	fields map[string]struct{}
}

// AllFields returns the wildcard set.
func AllFields() FieldSet {
	return FieldSet{all: true}
}

// Fields returns a set of named fields. A "*" entry makes it the wildcard set.
func Fields(names ...string) FieldSet {
	s := FieldSet{fields: make(map[string]struct{}, len(names))}
	for _, name := range names {
		if name == "*" {
			return AllFields()
		}
		s.fields[name] = struct{}{}
	}
	return s
}

// All reports whether s is the wildcard set.
func (s FieldSet) All() bool { return s.all }

// Empty reports whether s allows nothing.
func (s FieldSet) Empty() bool { return !s.all && len(s.fields) == 0 }

// Allows reports whether field is in s.
func (s FieldSet) Allows(field string) bool {
	if s.all {
		return true
	}
	_, ok := s.fields[field]
	return ok
}

// Names returns the sorted explicit field names, or ["*"] for the wildcard.
func (s FieldSet) Names() []string {
	if s.all {
		return []string{"*"}
	}
	names := make([]string, 0, len(s.fields))
	for name := range s.fields {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Intersect returns the fields allowed by both s and o.
func (s FieldSet) Intersect(o FieldSet) FieldSet {
	switch {
	case s.all:
		return o
	case o.all:
		return s
	}
	out := FieldSet{fields: make(map[string]struct{})}
	for field := range s.fields {
		if _, ok := o.fields[field]; ok {
			out.fields[field] = struct{}{}
		}
	}
	return out
}

// MarshalJSON encodes s as a list of names.
func (s FieldSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Names())
}

// UnmarshalJSON decodes a list of names.
func (s *FieldSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	*s = Fields(names...)
	return nil
}

// Collection describes one collection of the data model.
type Collection struct {
	Singleton bool     `json:"singleton" yaml:"singleton"`
	Fields    []string `json:"fields" yaml:"fields"`
}

// HasField reports whether field is part of the collection.
func (c Collection) HasField(field string) bool {
	return slices.Contains(c.Fields, field)
}

// Schema is the data model snapshot used for field existence checks.
type Schema struct {
	Collections map[string]Collection `json:"collections" yaml:"collections"`
}

// Collection looks up a collection by name.
func (s *Schema) Collection(name string) (Collection, bool) {
	if s == nil {
		return Collection{}, false
	}
	c, ok := s.Collections[name]
	return c, ok
}

// HasField reports whether collection has field.
func (s *Schema) HasField(collection, field string) bool {
	c, ok := s.Collection(collection)
	return ok && c.HasField(field)
}

// PermissionGate resolves what an actor may do. It is the opaque permission
// engine; coedit never evaluates rules itself.
type PermissionGate interface {
	AllowedFields(ctx context.Context, acct Accountability, collection string, action Action) (FieldSet, error)
	AllowedCollections(ctx context.Context, acct Accountability, action Action) ([]string, error)
}

// DataLayer is the read path used to confirm an item exists and is
// readable by the actor. ReadOne and ReadSingleton return ErrNotFound or
// ErrForbidden (possibly wrapped) on failure.
type DataLayer interface {
	Schema(ctx context.Context) (*Schema, error)
	ReadOne(ctx context.Context, acct Accountability, collection, item string) error
	ReadSingleton(ctx context.Context, acct Accountability, collection string) error
}
