package room

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/exp/slices"

	"github.com/dreamware/coedit/internal/access"
	"github.com/dreamware/coedit/internal/codec"
)

// KeyPrefix prefixes every room record in the shared store.
const KeyPrefix = "coedit:room:"

// Key returns the shared-store key of room uid.
func Key(uid string) string {
	return KeyPrefix + uid
}

// UID derives the room uid of an item. Every node computes the same uid
// for the same collection, item and version, so clients of one item meet
// in one room whichever node they connect to. Nil item or version render
// as the empty string.
func UID(collection string, item, version *string) string {
	sum := blake3.Sum256([]byte(strings.Join([]string{collection, deref(item), deref(version)}, "-")))
	return fmt.Sprintf("%x", sum)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Member is one client in a room.
type Member struct {
	UID            string                `json:"connection" cbor:"uid"`
	Accountability access.Accountability `json:"accountability" cbor:"accountability"`
	Color          string                `json:"color" cbor:"color"`
}

// Changes maps fields to their pending, unsaved JSON values.
type Changes map[string]json.RawMessage

// state is the shared-store record of a room.
type state struct {
	UID        string   `cbor:"uid"`
	Collection string   `cbor:"collection"`
	Item       *string  `cbor:"item"`
	Version    *string  `cbor:"version"`
	Changes    Changes  `cbor:"changes"`
	Members    []Member `cbor:"members"`
	Focuses    Focuses  `cbor:"focuses"`
}

func newState(uid, collection string, item, version *string, seed Changes) *state {
	changes := Changes{}
	for field, value := range seed {
		changes[field] = value
	}
	return &state{
		UID:        uid,
		Collection: collection,
		Item:       item,
		Version:    version,
		Changes:    changes,
		Members:    []Member{},
		Focuses:    NewFocuses(),
	}
}

func decodeState(data []byte) (*state, error) {
	var st state
	if err := codec.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode room: %w", err)
	}
	if st.Changes == nil {
		st.Changes = Changes{}
	}
	return &st, nil
}

func (st *state) encode() ([]byte, error) {
	return codec.Marshal(st)
}

func (st *state) member(uid string) (Member, bool) {
	i := slices.IndexFunc(st.Members, func(m Member) bool { return m.UID == uid })
	if i < 0 {
		return Member{}, false
	}
	return st.Members[i], true
}

func (st *state) removeMember(uid string) bool {
	i := slices.IndexFunc(st.Members, func(m Member) bool { return m.UID == uid })
	if i < 0 {
		return false
	}
	st.Members = slices.Delete(st.Members, i, i+1)
	return true
}
