// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package script is the typed value surface the core exposes to the
// embedded interpreter (spec §6): a small tagged value algebra and a
// fixed set of primitive calls over the Node API. The interpreter itself
// is an external collaborator; nothing here depends on its internals.
package script

import (
	"fmt"
	"sort"
	"strings"
)

// Kind tags a Value.
type Kind byte

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindMap
)

// Value is the tagged union crossing the scripting boundary. Exactly the
// field matching Kind is meaningful.
type Value struct {
	Kind  Kind
	Bool  bool
	Int   int64
	Float float64
	Str   string
	List  []Value
	Map   map[string]Value
}

// Null is the null value.
func Null() Value { return Value{Kind: KindNull} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Int wraps an integer.
func Int(i int64) Value { return Value{Kind: KindInt, Int: i} }

// Float wraps a float.
func Float(f float64) Value { return Value{Kind: KindFloat, Float: f} }

// String wraps a string.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// List wraps a list.
func List(items ...Value) Value { return Value{Kind: KindList, List: items} }

// Map wraps a string-keyed map.
func Map(m map[string]Value) Value { return Value{Kind: KindMap, Map: m} }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// AsString returns the string payload, or an error on kind mismatch.
func (v Value) AsString() (string, error) {
	if v.Kind != KindString {
		return "", fmt.Errorf("expected string, got %s", v.Kind)
	}
	return v.Str, nil
}

// AsInt returns the integer payload, accepting floats with integral
// values the way interpreter frontends commonly produce them.
func (v Value) AsInt() (int64, error) {
	switch v.Kind {
	case KindInt:
		return v.Int, nil
	case KindFloat:
		if v.Float == float64(int64(v.Float)) {
			return int64(v.Float), nil
		}
	}
	return 0, fmt.Errorf("expected int, got %s", v.Kind)
}

// AsList returns the list payload, or an error on kind mismatch.
func (v Value) AsList() ([]Value, error) {
	if v.Kind != KindList {
		return nil, fmt.Errorf("expected list, got %s", v.Kind)
	}
	return v.List, nil
}

// AsMap returns the map payload, or an error on kind mismatch.
func (v Value) AsMap() (map[string]Value, error) {
	if v.Kind != KindMap {
		return nil, fmt.Errorf("expected map, got %s", v.Kind)
	}
	return v.Map, nil
}

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// String renders the value for diagnostics; maps print with sorted keys
// so output is stable.
func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindFloat:
		return fmt.Sprintf("%g", v.Float)
	case KindString:
		return fmt.Sprintf("%q", v.Str)
	case KindList:
		parts := make([]string, len(v.List))
		for i, item := range v.List {
			parts[i] = item.String()
		}
		return "(" + strings.Join(parts, " ") + ")"
	case KindMap:
		keys := make([]string, 0, len(v.Map))
		for k := range v.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ":" + v.Map[k].String()
		}
		return "{" + strings.Join(parts, " ") + "}"
	default:
		return "?"
	}
}
