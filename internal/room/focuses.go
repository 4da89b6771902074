package room

import (
	"encoding/json"

	"github.com/dreamware/coedit/internal/codec"
)

// Focuses relates fields to the clients editing them. A field is focused
// by at most one client and a client focuses at most one field. Both
// directions are updated together by Assign, the only mutator.
type Focuses struct {
	byClient map[string]string
	byField  map[string]string
}

// NewFocuses returns an empty focus map.
func NewFocuses() Focuses {
	return Focuses{byClient: map[string]string{}, byField: map[string]string{}}
}

// Assign points client at field, releasing whatever it focused before.
// An empty field only releases. Assign fails, changing nothing, when field
// is focused by a different client. previous is the field the client held
// before the call.
func (f *Focuses) Assign(client, field string) (previous string, ok bool) {
	if f.byClient == nil {
		*f = NewFocuses()
	}
	if field != "" {
		if holder, held := f.byField[field]; held && holder != client {
			return f.byClient[client], false
		}
	}

	previous = f.byClient[client]
	if previous != "" {
		delete(f.byField, previous)
		delete(f.byClient, client)
	}
	if field != "" {
		f.byClient[client] = field
		f.byField[field] = client
	}
	return previous, true
}

// ByClient returns the field client focuses.
func (f Focuses) ByClient(client string) (string, bool) {
	field, ok := f.byClient[client]
	return field, ok
}

// ByField returns the client focusing field.
func (f Focuses) ByField(field string) (string, bool) {
	client, ok := f.byField[field]
	return client, ok
}

// Len returns the number of focused fields.
func (f Focuses) Len() int {
	return len(f.byClient)
}

// Map returns a client → field copy.
func (f Focuses) Map() map[string]string {
	out := make(map[string]string, len(f.byClient))
	for client, field := range f.byClient {
		out[client] = field
	}
	return out
}

func (f *Focuses) load(byClient map[string]string) {
	*f = NewFocuses()
	for client, field := range byClient {
		if field == "" {
			continue
		}
		// A corrupt record naming one field twice keeps the first holder.
		if _, taken := f.byField[field]; taken {
			continue
		}
		f.byClient[client] = field
		f.byField[field] = client
	}
}

// MarshalCBOR encodes the client → field direction only.
func (f Focuses) MarshalCBOR() ([]byte, error) {
	return codec.Marshal(f.Map())
}

// UnmarshalCBOR rebuilds both directions.
func (f *Focuses) UnmarshalCBOR(data []byte) error {
	var byClient map[string]string
	if err := codec.Unmarshal(data, &byClient); err != nil {
		return err
	}
	f.load(byClient)
	return nil
}

// MarshalJSON encodes the client → field direction.
func (f Focuses) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Map())
}

// UnmarshalJSON rebuilds both directions.
func (f *Focuses) UnmarshalJSON(data []byte) error {
	var byClient map[string]string
	if err := json.Unmarshal(data, &byClient); err != nil {
		return err
	}
	f.load(byClient)
	return nil
}
