package access

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// Policy is a static permission and data model description. It backs
// single-node deployments and tests.
//
//	collections:
//	  articles: {fields: [id, title, body]}
//	  settings: {singleton: true, fields: [site_name]}
//	items:
//	  articles: ["1", "2"]
//	roles:
//	  editor:
//	    articles:
//	      read: ["*"]
//	      update: [title]
type Policy struct {
	Collections map[string]Collection                     `yaml:"collections"`
	Items       map[string][]string                       `yaml:"items"`
	Roles       map[string]map[string]map[Action][]string `yaml:"roles"`
}

// LoadPolicy reads a YAML policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}
	return &p, nil
}

// Static evaluates a Policy. It implements both PermissionGate and DataLayer.
// Admins are allowed everything. When Items lists ids for a collection only
// those ids exist; collections without an Items entry accept any id.
type Static struct {
	policy *Policy
}

// NewStatic wraps a policy.
func NewStatic(p *Policy) *Static {
	if p == nil {
		p = &Policy{}
	}
	return &Static{policy: p}
}

// AllowedFields returns the fields role may use for action on collection.
func (s *Static) AllowedFields(_ context.Context, acct Accountability, collection string, action Action) (FieldSet, error) {
	if acct.Admin {
		return AllFields(), nil
	}
	return Fields(s.policy.Roles[acct.Role][collection][action]...), nil
}

// AllowedCollections returns the collections where role has any field for action.
func (s *Static) AllowedCollections(_ context.Context, acct Accountability, action Action) ([]string, error) {
	var out []string
	for name := range s.policy.Collections {
		if acct.Admin || len(s.policy.Roles[acct.Role][name][action]) > 0 {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out, nil
}

// Schema returns the policy's data model.
func (s *Static) Schema(context.Context) (*Schema, error) {
	return &Schema{Collections: s.policy.Collections}, nil
}

// ReadOne checks that item exists in collection and acct may read it.
func (s *Static) ReadOne(ctx context.Context, acct Accountability, collection, item string) error {
	if err := s.checkRead(ctx, acct, collection); err != nil {
		return err
	}
	if ids, listed := s.policy.Items[collection]; listed && !slices.Contains(ids, item) {
		return fmt.Errorf("%s/%s: %w", collection, item, ErrNotFound)
	}
	return nil
}

// ReadSingleton checks that collection is a readable singleton.
func (s *Static) ReadSingleton(ctx context.Context, acct Accountability, collection string) error {
	if err := s.checkRead(ctx, acct, collection); err != nil {
		return err
	}
	if !s.policy.Collections[collection].Singleton {
		return fmt.Errorf("%s is not a singleton: %w", collection, ErrNotFound)
	}
	return nil
}

func (s *Static) checkRead(ctx context.Context, acct Accountability, collection string) error {
	if _, ok := s.policy.Collections[collection]; !ok {
		return fmt.Errorf("collection %s: %w", collection, ErrNotFound)
	}
	fields, err := s.AllowedFields(ctx, acct, collection, ActionRead)
	if err != nil {
		return err
	}
	if fields.Empty() {
		return fmt.Errorf("read %s: %w", collection, ErrForbidden)
	}
	return nil
}
