package flight

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/yungbote/stairway/errs"
)

/*
FlightMap is the typed key/value container used for flight inputs and for
the mutable working state carried across steps.

Values are stored as their JSON encoding, taken eagerly at Put time so
that an unserializable value fails at the call site instead of at the
next database commit. Get unmarshals back into a caller-supplied
destination; a value that cannot be coerced to the requested type is a
serialization error.

A map made immutable rejects all further mutation. Input maps are made
immutable at submission.
*/
type FlightMap struct {
	entries   map[string]json.RawMessage
	immutable bool
}

// NewFlightMap returns an empty mutable map.
func NewFlightMap() *FlightMap {
	return &FlightMap{entries: make(map[string]json.RawMessage)}
}

// Put stores the JSON encoding of value under key.
func (m *FlightMap) Put(key string, value any) error {
	if m.immutable {
		return fmt.Errorf("%w: put %q", errs.ErrImmutableMap, key)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: marshal value for key %q: %v", errs.ErrSerialization, key, err)
	}
	m.entries[key] = raw
	return nil
}

// PutRaw stores an already-encoded JSON value verbatim.
func (m *FlightMap) PutRaw(key, raw string) error {
	if m.immutable {
		return fmt.Errorf("%w: put %q", errs.ErrImmutableMap, key)
	}
	m.entries[key] = json.RawMessage(raw)
	return nil
}

// Get unmarshals the value stored under key into dest. It returns false
// when the key is absent and a serialization error when the stored value
// cannot be coerced into dest's type.
func (m *FlightMap) Get(key string, dest any) (bool, error) {
	raw, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return true, fmt.Errorf("%w: unmarshal value for key %q: %v", errs.ErrSerialization, key, err)
	}
	return true, nil
}

// GetRaw returns the stored JSON text for key without deserialization.
func (m *FlightMap) GetRaw(key string) (string, bool) {
	raw, ok := m.entries[key]
	return string(raw), ok
}

// ContainsKey reports whether key is present.
func (m *FlightMap) ContainsKey(key string) bool {
	_, ok := m.entries[key]
	return ok
}

// Delete removes key. It is an error on an immutable map.
func (m *FlightMap) Delete(key string) error {
	if m.immutable {
		return fmt.Errorf("%w: delete %q", errs.ErrImmutableMap, key)
	}
	delete(m.entries, key)
	return nil
}

// Len returns the number of entries.
func (m *FlightMap) Len() int { return len(m.entries) }

// IsEmpty reports whether the map has no entries.
func (m *FlightMap) IsEmpty() bool { return len(m.entries) == 0 }

// MakeImmutable freezes the map. There is no thaw.
func (m *FlightMap) MakeImmutable() { m.immutable = true }

// Immutable reports whether the map has been frozen.
func (m *FlightMap) Immutable() bool { return m.immutable }

// InputPair is the lowered (key, JSON text) form used for persistence.
type InputPair struct {
	Key   string
	Value string
}

// MakeFlightInputList lowers the map to key/JSON-text pairs, sorted by
// key so the output is deterministic.
func (m *FlightMap) MakeFlightInputList() []InputPair {
	list := make([]InputPair, 0, len(m.entries))
	for k, v := range m.entries {
		list = append(list, InputPair{Key: k, Value: string(v)})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Key < list[j].Key })
	return list
}

// FromInputList rebuilds a map from its lowered pair form. This is the
// preferred deserialization path.
func FromInputList(list []InputPair) *FlightMap {
	m := NewFlightMap()
	for _, p := range list {
		m.entries[p.Key] = json.RawMessage(p.Value)
	}
	return m
}

// ToJSON serializes the whole map as one JSON object.
func (m *FlightMap) ToJSON() (string, error) {
	out, err := json.Marshal(m.entries)
	if err != nil {
		return "", fmt.Errorf("%w: marshal flight map: %v", errs.ErrSerialization, err)
	}
	return string(out), nil
}

// FromJSON rebuilds a map from a whole-object JSON blob. Kept as the
// legacy fallback for rows written before the pair representation.
func FromJSON(text string) (*FlightMap, error) {
	entries := make(map[string]json.RawMessage)
	if err := json.Unmarshal([]byte(text), &entries); err != nil {
		return nil, fmt.Errorf("%w: unmarshal flight map: %v", errs.ErrSerialization, err)
	}
	return &FlightMap{entries: entries}, nil
}

// Clone returns a mutable deep copy. Snapshots taken for persistence and
// the working map handed to a resumed flight both go through here.
func (m *FlightMap) Clone() *FlightMap {
	out := NewFlightMap()
	for k, v := range m.entries {
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		out.entries[k] = cp
	}
	return out
}
