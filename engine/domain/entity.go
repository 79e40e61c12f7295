// Package domain defines core domain types, constants, and validation for the
// Quarry indexing pipeline. It acts as the validation gate at pipeline entry points.
package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Entity is a structured record of a declared type, owned by an external store.
// The pipeline never mutates entities; it only derives text and vectors from them.
type Entity struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	TenantID string           `json:"tenant_id"`
	ParentID string           `json:"parent_id,omitempty"`
	Fields   map[string]Value `json:"fields"`
}

// ValueKind tags the variant held by a Value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindObject
)

// Value is a tagged variant for schema-less entity fields. Entities carry
// arbitrary JSON-like structures; modelling them explicitly keeps flattening
// deterministic without reflection.
type Value struct {
	kind ValueKind
	str  string
	num  float64
	b    bool
	list []Value
	obj  map[string]Value
}

// String wraps a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number wraps a numeric value.
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// Bool wraps a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// List wraps a list of values.
func List(vs ...Value) Value { return Value{kind: KindList, list: vs} }

// Object wraps a key/value map.
func Object(m map[string]Value) Value { return Value{kind: KindObject, obj: m} }

// Null is the empty value.
func Null() Value { return Value{kind: KindNull} }

// Kind returns the variant tag.
func (v Value) Kind() ValueKind { return v.kind }

// IsZero reports whether the value carries no content.
func (v Value) IsZero() bool {
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == ""
	case KindList:
		return len(v.list) == 0
	case KindObject:
		return len(v.obj) == 0
	}
	return false
}

// IsTextual reports whether the value flattens to meaningful free text.
// Synthesized default templates include only textual fields.
func (v Value) IsTextual() bool {
	switch v.kind {
	case KindString:
		return v.str != ""
	case KindList:
		for _, item := range v.list {
			if item.IsTextual() {
				return true
			}
		}
		return false
	case KindObject:
		for _, item := range v.obj {
			if item.IsTextual() {
				return true
			}
		}
		return false
	}
	return false
}

// Flatten projects a value into deterministic text. Lists are joined with
// ", "; objects become sorted "key: value" pairs so identical content always
// yields identical text regardless of map iteration order.
func (v Value) Flatten() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindList:
		parts := make([]string, 0, len(v.list))
		for _, item := range v.list {
			if s := item.Flatten(); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case KindObject:
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			if s := v.obj[k].Flatten(); s != "" {
				parts = append(parts, k+": "+s)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// FromAny converts decoded JSON (any) into a Value.
func FromAny(raw any) Value {
	switch t := raw.(type) {
	case nil:
		return Null()
	case string:
		return String(t)
	case float64:
		return Number(t)
	case int:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case bool:
		return Bool(t)
	case []any:
		items := make([]Value, len(t))
		for i, e := range t {
			items[i] = FromAny(e)
		}
		return Value{kind: KindList, list: items}
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = FromAny(e)
		}
		return Object(m)
	default:
		return String(fmt.Sprint(t))
	}
}

// UnmarshalJSON decodes arbitrary JSON into the tagged variant.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = FromAny(raw)
	return nil
}

// MarshalJSON encodes the variant back to plain JSON.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindList:
		return json.Marshal(v.list)
	case KindObject:
		return json.Marshal(v.obj)
	}
	return []byte("null"), nil
}

// FieldContribution records one field's share of an extracted text.
type FieldContribution struct {
	Field  string
	Weight float64
	Repeat int
	Text   string
}

// FieldSpan marks the byte range one field's text occupies in the joined blob,
// repeats included.
type FieldSpan struct {
	Field string
	Start int
	End   int
}

// ExtractedText is the weighted projection of an entity under a template.
// It is ephemeral; only the derived vectors are persisted.
type ExtractedText struct {
	EntityID      string
	EntityType    string
	TenantID      string
	Contributions []FieldContribution
	Spans         []FieldSpan
	Text          string
}

// FieldAt returns the field whose span starts at or before the byte offset.
// Normalization never grows the text, so chunk offsets taken after it still
// land in or before the originating span.
func (e ExtractedText) FieldAt(offset int) string {
	field := ""
	for _, sp := range e.Spans {
		if sp.Start > offset {
			break
		}
		field = sp.Field
	}
	return field
}

// Empty reports whether extraction yielded no embeddable content.
// This is a valid outcome, not an error; the indexer records it as skipped.
func (e ExtractedText) Empty() bool { return strings.TrimSpace(e.Text) == "" }

// Chunk is a bounded-length span of preprocessed text.
type Chunk struct {
	Text          string
	Start         int
	Index         int
	TokenEstimate int
	Truncated     bool
}

// EmbeddingVector is a persisted vector with the metadata required to detect
// staleness and to cite its source. Vectors are superseded, never mutated.
type EmbeddingVector struct {
	ID          string    `json:"id"`
	EntityID    string    `json:"entity_id"`
	EntityType  string    `json:"entity_type"`
	TenantID    string    `json:"tenant_id"`
	ChunkIndex  int       `json:"chunk_index"`
	ModelID     string    `json:"model_id"`
	Dim         int       `json:"dim"`
	Values      []float32 `json:"values"`
	ContentHash string    `json:"content_hash"`
	Snippet     string    `json:"snippet"`
	Field       string    `json:"field,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// SearchResult is a single ranked hit from hybrid search.
type SearchResult struct {
	EntityID      string  `json:"entity_id"`
	EntityType    string  `json:"entity_type"`
	TenantID      string  `json:"tenant_id"`
	ChunkIndex    int     `json:"chunk_index"`
	VectorScore   float32 `json:"vector_score"`
	KeywordScore  float32 `json:"keyword_score"`
	CombinedScore float32 `json:"combined_score"`
	Snippet       string  `json:"snippet"`
	Field         string  `json:"field,omitempty"`
}

// Citation identifies the source of a retrieved chunk for the generation step.
type Citation struct {
	EntityID   string `json:"entity_id"`
	EntityType string `json:"entity_type"`
	Field      string `json:"field,omitempty"`
	ChunkIndex int    `json:"chunk_index"`
}

// RAGChunk is a search result plus citation metadata, sized in estimated tokens.
type RAGChunk struct {
	SearchResult
	Citation Citation `json:"citation"`
	Tokens   int      `json:"tokens"`
}
