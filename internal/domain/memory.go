package domain

import (
	"encoding/json"
	"strings"
)

// Category classifies an extracted fact and selects the store type segment
// of its namespace.
type Category string

const (
	CategoryPreference Category = "preference"
	CategoryContact    Category = "contact"
	CategoryFact       Category = "fact"
)

// StoreType returns the namespace segment records of this category live under.
// Unknown categories are treated as general facts.
func (c Category) StoreType() string {
	switch c {
	case CategoryPreference:
		return "preferences"
	case CategoryContact:
		return "contacts"
	default:
		return "memories"
	}
}

// ParseCategory maps free-form category text onto a known Category, ignoring
// case and surrounding whitespace.
func ParseCategory(s string) Category {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case CategoryPreference, CategoryContact:
		return c
	default:
		return CategoryFact
	}
}

type ValueKind string

const (
	ValueText       ValueKind = "text"
	ValueStructured ValueKind = "structured"
)

// Value is either a text body or an opaque JSON payload.
type Value struct {
	Kind ValueKind       `json:"kind"`
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func TextValue(s string) Value {
	return Value{Kind: ValueText, Text: s}
}

func StructuredValue(data json.RawMessage) Value {
	return Value{Kind: ValueStructured, Data: data}
}

// String renders the value for prompts and logs.
func (v Value) String() string {
	if v.Kind == ValueStructured {
		return string(v.Data)
	}
	return v.Text
}

// CandidateFact is an extraction result that has not been reconciled with
// stored memory yet. Confidence is on a 0..1 scale.
type CandidateFact struct {
	Key        string
	Category   Category
	Value      Value
	Confidence float64
}

// MemoryRecord is a persisted fact addressed by Namespace and Key.
type MemoryRecord struct {
	Namespace       string
	Key             string
	Category        Category
	Value           Value
	Confidence      float64
	LastUpdatedFrom string
}
