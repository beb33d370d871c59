package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// DistributionKind identifies what a parallel or loop construct iterates over.
type DistributionKind int

const (
	// DistributionNone means no distribution was supplied.
	DistributionNone DistributionKind = iota
	// DistributionSequence iterates over an ordered list of items.
	DistributionSequence
	// DistributionMapping iterates over key/value pairs in key order.
	DistributionMapping
	// DistributionCount repeats the body a fixed number of times.
	DistributionCount
	// DistributionExpression is unresolved text that the caller must
	// evaluate into one of the other kinds before initialization.
	DistributionExpression
)

func (k DistributionKind) String() string {
	switch k {
	case DistributionSequence:
		return "sequence"
	case DistributionMapping:
		return "mapping"
	case DistributionCount:
		return "count"
	case DistributionExpression:
		return "expression"
	default:
		return "none"
	}
}

// KeyValue is one entry of a mapping distribution.
type KeyValue struct {
	Key   string
	Value any
}

// Distribution is the set of items a construct fans out over.
//
// Mappings keep the key order of the serialized input when decoded from
// JSON. Mappings built from a Go map are ordered by key.
type Distribution struct {
	Kind  DistributionKind
	Items []any
	Pairs []KeyValue
	Count int
	Expr  string
}

// NewDistribution converts a decoded value into a Distribution.
//
// Accepted inputs: nil, a slice, a map with string keys, an integer count,
// a string (treated as JSON text when it parses as an array or object, else
// as an unresolved expression), or an existing Distribution.
func NewDistribution(v any) (Distribution, error) {
	switch t := v.(type) {
	case nil:
		return Distribution{}, nil
	case Distribution:
		return t, nil
	case *Distribution:
		if t == nil {
			return Distribution{}, nil
		}
		return *t, nil
	case []any:
		return Distribution{Kind: DistributionSequence, Items: t}, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]KeyValue, len(keys))
		for i, k := range keys {
			pairs[i] = KeyValue{Key: k, Value: t[k]}
		}
		return Distribution{Kind: DistributionMapping, Pairs: pairs}, nil
	case []KeyValue:
		return Distribution{Kind: DistributionMapping, Pairs: t}, nil
	case int:
		return countDistribution(t)
	case int64:
		return countDistribution(int(t))
	case float64:
		if t != float64(int(t)) {
			return Distribution{}, fmt.Errorf("distribution count must be a whole number, got %v", t)
		}
		return countDistribution(int(t))
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return Distribution{}, fmt.Errorf("distribution count: %w", err)
		}
		return countDistribution(int(n))
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return Distribution{}, nil
		}
		if s[0] == '[' || s[0] == '{' {
			var d Distribution
			if err := d.UnmarshalJSON([]byte(s)); err == nil {
				return d, nil
			}
		}
		return Distribution{Kind: DistributionExpression, Expr: s}, nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return Distribution{Kind: DistributionSequence, Items: items}, nil
	}
	return Distribution{}, fmt.Errorf("unsupported distribution type %T", v)
}

func countDistribution(n int) (Distribution, error) {
	if n < 0 {
		return Distribution{}, fmt.Errorf("distribution count must not be negative, got %d", n)
	}
	return Distribution{Kind: DistributionCount, Count: n}, nil
}

// Len returns the number of iterations the distribution produces.
func (d Distribution) Len() int {
	switch d.Kind {
	case DistributionSequence:
		return len(d.Items)
	case DistributionMapping:
		return len(d.Pairs)
	case DistributionCount:
		return d.Count
	default:
		return 0
	}
}

// Item returns the value bound to iteration i: the i-th sequence element, a
// [key, value] pair for mappings, or nil for counts and out-of-range indexes.
func (d Distribution) Item(i int) any {
	if i < 0 {
		return nil
	}
	switch d.Kind {
	case DistributionSequence:
		if i < len(d.Items) {
			return d.Items[i]
		}
	case DistributionMapping:
		if i < len(d.Pairs) {
			return []any{d.Pairs[i].Key, d.Pairs[i].Value}
		}
	}
	return nil
}

// Value returns the distribution as a plain value, or nil when there are no
// items to expose. Sequences return their items. Mappings return their
// [key, value] pairs in mapping order, so element i of the value is always
// Item(i).
func (d Distribution) Value() any {
	switch d.Kind {
	case DistributionSequence:
		return d.Items
	case DistributionMapping:
		pairs := make([]any, len(d.Pairs))
		for i := range d.Pairs {
			pairs[i] = d.Item(i)
		}
		return pairs
	default:
		return nil
	}
}

// HasItems reports whether the distribution carries item values, as opposed
// to a bare repetition count.
func (d Distribution) HasItems() bool {
	return d.Kind == DistributionSequence || d.Kind == DistributionMapping
}

// UnmarshalJSON decodes a sequence, an ordered mapping, a count or an
// expression string.
func (d *Distribution) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*d = Distribution{}
		return nil
	}

	switch data[0] {
	case '[':
		var items []any
		if err := json.Unmarshal(data, &items); err != nil {
			return fmt.Errorf("decode distribution sequence: %w", err)
		}
		*d = Distribution{Kind: DistributionSequence, Items: items}
		return nil
	case '{':
		pairs, err := decodeOrderedObject(data)
		if err != nil {
			return fmt.Errorf("decode distribution mapping: %w", err)
		}
		*d = Distribution{Kind: DistributionMapping, Pairs: pairs}
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := NewDistribution(s)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("decode distribution: %w", err)
		}
		parsed, err := NewDistribution(n)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	}
}

// MarshalJSON encodes the distribution in the same shapes UnmarshalJSON
// accepts. Mapping order is preserved.
func (d Distribution) MarshalJSON() ([]byte, error) {
	switch d.Kind {
	case DistributionSequence:
		return json.Marshal(d.Items)
	case DistributionMapping:
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, p := range d.Pairs {
			if i > 0 {
				buf.WriteByte(',')
			}
			k, err := json.Marshal(p.Key)
			if err != nil {
				return nil, err
			}
			v, err := json.Marshal(p.Value)
			if err != nil {
				return nil, err
			}
			buf.Write(k)
			buf.WriteByte(':')
			buf.Write(v)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	case DistributionCount:
		return json.Marshal(d.Count)
	case DistributionExpression:
		return json.Marshal(d.Expr)
	default:
		return []byte("null"), nil
	}
}

// decodeOrderedObject decodes a JSON object into key/value pairs in document
// order.
func decodeOrderedObject(data []byte) ([]KeyValue, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}

	var pairs []KeyValue
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected object key, got %v", tok)
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		pairs = append(pairs, KeyValue{Key: key, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return pairs, nil
}
