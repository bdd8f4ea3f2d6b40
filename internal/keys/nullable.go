package keys

import (
	"bytes"
	"encoding/json"
)

// Nullable distinguishes an absent JSON field from an explicit null,
// so partial updates can leave absent fields untouched while null
// clears a field.
type Nullable[T any] struct {
	Defined bool
	Value   *T
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *Nullable[T]) UnmarshalJSON(data []byte) error {
	n.Defined = true
	if bytes.Equal(data, []byte("null")) {
		n.Value = nil
		return nil
	}
	return json.Unmarshal(data, &n.Value)
}

// MarshalJSON implements json.Marshaler.
func (n Nullable[T]) MarshalJSON() ([]byte, error) {
	if !n.Defined || n.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}

// Set returns a defined Nullable holding v.
func Set[T any](v T) Nullable[T] {
	return Nullable[T]{Defined: true, Value: &v}
}

// Null returns a defined Nullable holding an explicit null.
func Null[T any]() Nullable[T] {
	return Nullable[T]{Defined: true}
}
