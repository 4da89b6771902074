package access

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dreamware/coedit/internal/cluster"
)

// HTTP delegates permission resolution and item reads to an upstream API.
// It implements both PermissionGate and DataLayer.
//
// Endpoints, relative to the base URL:
//
//	POST /permissions/fields       {accountability, collection, action} -> {fields}
//	POST /permissions/collections  {accountability, action}             -> {collections}
//	POST /items/read               {accountability, collection, item?}  -> 2xx | 403 | 404
//	GET  /schema                                                        -> Schema
type HTTP struct {
	base      string
	token     string
	schemaTTL time.Duration
	now       func() time.Time

	mu       sync.Mutex
	schema   *Schema
	loadedAt time.Time
}

// NewHTTP creates an upstream client. token is sent as a bearer token on
// every request; the schema is cached for schemaTTL.
func NewHTTP(base, token string, schemaTTL time.Duration) *HTTP {
	return &HTTP{
		base:      strings.TrimRight(base, "/"),
		token:     token,
		schemaTTL: schemaTTL,
		now:       time.Now,
	}
}

type fieldsRequest struct {
	Accountability Accountability `json:"accountability"`
	Collection     string         `json:"collection,omitempty"`
	Action         Action         `json:"action"`
}

type itemRequest struct {
	Accountability Accountability `json:"accountability"`
	Collection     string         `json:"collection"`
	Item           *string        `json:"item,omitempty"`
}

// AllowedFields asks the upstream for the actor's field set.
func (h *HTTP) AllowedFields(ctx context.Context, acct Accountability, collection string, action Action) (FieldSet, error) {
	var out struct {
		Fields FieldSet `json:"fields"`
	}
	req := fieldsRequest{Accountability: acct, Collection: collection, Action: action}
	if err := cluster.PostJSON(ctx, h.base+"/permissions/fields", req, &out, cluster.WithBearer(h.token)); err != nil {
		return FieldSet{}, fmt.Errorf("resolve %s fields on %s: %w", action, collection, err)
	}
	return out.Fields, nil
}

// AllowedCollections asks the upstream for the actor's collections.
func (h *HTTP) AllowedCollections(ctx context.Context, acct Accountability, action Action) ([]string, error) {
	var out struct {
		Collections []string `json:"collections"`
	}
	req := fieldsRequest{Accountability: acct, Action: action}
	if err := cluster.PostJSON(ctx, h.base+"/permissions/collections", req, &out, cluster.WithBearer(h.token)); err != nil {
		return nil, fmt.Errorf("resolve %s collections: %w", action, err)
	}
	return out.Collections, nil
}

// Schema returns the cached schema, refreshing it after schemaTTL.
func (h *HTTP) Schema(ctx context.Context) (*Schema, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.schema != nil && h.now().Sub(h.loadedAt) < h.schemaTTL {
		return h.schema, nil
	}

	var schema Schema
	if err := cluster.GetJSON(ctx, h.base+"/schema", &schema, cluster.WithBearer(h.token)); err != nil {
		if h.schema != nil {
			// Serve the stale copy rather than failing every join.
			return h.schema, nil
		}
		return nil, fmt.Errorf("load schema: %w", err)
	}
	h.schema = &schema
	h.loadedAt = h.now()
	return h.schema, nil
}

// ReadOne asks the upstream to read one item as acct.
func (h *HTTP) ReadOne(ctx context.Context, acct Accountability, collection, item string) error {
	return h.read(ctx, itemRequest{Accountability: acct, Collection: collection, Item: &item})
}

// ReadSingleton asks the upstream to read a singleton as acct.
func (h *HTTP) ReadSingleton(ctx context.Context, acct Accountability, collection string) error {
	return h.read(ctx, itemRequest{Accountability: acct, Collection: collection})
}

func (h *HTTP) read(ctx context.Context, req itemRequest) error {
	err := cluster.PostJSON(ctx, h.base+"/items/read", req, nil, cluster.WithBearer(h.token))
	var statusErr *cluster.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusForbidden, http.StatusUnauthorized:
			return fmt.Errorf("read %s: %w", req.Collection, ErrForbidden)
		case http.StatusNotFound:
			return fmt.Errorf("read %s: %w", req.Collection, ErrNotFound)
		}
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", req.Collection, err)
	}
	return nil
}
