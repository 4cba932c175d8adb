// Package graph defines the primitive replicated graph store the social
// protocol is built on: addressable nodes with last-write-wins fields,
// path navigation, append-with-fresh-soul, single reads and live listeners.
package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedValue is returned when a value cannot be stored in a field.
var ErrUnsupportedValue = errors.New("graph: unsupported field value")

// Link points a field at another node by soul.
type Link struct {
	Soul string `json:"#"`
}

// Node is the field set of a single graph node. Values are nil (tombstone),
// string, float64, bool or Link.
type Node map[string]any

// Change is one field write accepted by a backend.
type Change struct {
	Soul  string
	Key   string
	Value any
	State int64
}

// FieldState is the stored form of a field used by merge decisions.
type FieldState struct {
	Encoded string
	State   int64
}

// ContentAddressed reports whether soul lives in the append-only
// content-addressed space. Fields of such nodes are never overwritten.
func ContentAddressed(soul string) bool {
	return strings.HasPrefix(soul, "#")
}

// Decide reports whether an incoming write (state, encoded) replaces cur.
// Higher state wins; equal states fall back to the lexically greater encoding
// so every replica converges on the same value.
func Decide(soul string, cur *FieldState, state int64, encoded string) bool {
	if cur == nil {
		return true
	}
	if ContentAddressed(soul) {
		return false
	}
	if state != cur.State {
		return state > cur.State
	}
	return encoded > cur.Encoded
}

// Normalize converts v into one of the storable field types.
func Normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string, bool, float64:
		return t, nil
	case Link:
		return t, nil
	case *Link:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint:
		return float64(t), nil
	case uint32:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case float32:
		return float64(t), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}

// Encode serializes a normalized field value. Links encode as {"#": soul}.
func Encode(v any) (string, error) {
	n, err := Normalize(v)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("graph: encode value: %w", err)
	}
	return string(b), nil
}

// Decode parses a value produced by Encode.
func Decode(s string) (any, error) {
	var raw any
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("graph: decode value: %w", err)
	}
	switch t := raw.(type) {
	case map[string]any:
		soul, ok := t["#"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: object without soul", ErrUnsupportedValue)
		}
		return Link{Soul: soul}, nil
	case []any:
		return nil, fmt.Errorf("%w: array", ErrUnsupportedValue)
	default:
		return t, nil
	}
}

// AsLink returns the link held by v, if any.
func AsLink(v any) (Link, bool) {
	switch t := v.(type) {
	case Link:
		return t, t.Soul != ""
	case *Link:
		if t == nil {
			return Link{}, false
		}
		return *t, t.Soul != ""
	}
	return Link{}, false
}

// AsNode returns v as a Node when it is one.
func AsNode(v any) (Node, bool) {
	switch t := v.(type) {
	case Node:
		return t, t != nil
	case map[string]any:
		return Node(t), t != nil
	}
	return nil, false
}

// String returns the string field key of n, or "".
func (n Node) String(key string) string {
	if s, ok := n[key].(string); ok {
		return s
	}
	return ""
}

// Int64 returns the numeric field key of n truncated to int64, or 0.
func (n Node) Int64(key string) int64 {
	switch t := n[key].(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	}
	return 0
}

// Bool returns the boolean field key of n.
func (n Node) Bool(key string) bool {
	b, _ := n[key].(bool)
	return b
}

// Link returns the link stored at key, if any.
func (n Node) Link(key string) (Link, bool) {
	return AsLink(n[key])
}

// Live returns the keys of n whose values are not tombstones.
func (n Node) Live() []string {
	keys := make([]string, 0, len(n))
	for k, v := range n {
		if v != nil {
			keys = append(keys, k)
		}
	}
	return keys
}
