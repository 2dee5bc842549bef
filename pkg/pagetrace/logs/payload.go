package logs

import (
	"bytes"
	"fmt"
	"sort"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Kind identifies which variant a Payload holds.
type Kind uint8

const (
	KindText Kind = iota
	KindList
	KindMap
	KindOpaque
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	case KindOpaque:
		return "opaque"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Pair is one entry of a Map payload.
type Pair struct {
	Key   string
	Value Payload
}

// Payload is a log value whose shape is decided once, when it enters the
// system. The zero value is an empty Text.
type Payload struct {
	kind  Kind
	text  string
	items []Payload
	pairs []Pair
	value any
}

// Text returns a plain string payload.
func Text(s string) Payload {
	return Payload{kind: KindText, text: s}
}

// List returns an ordered payload of items.
func List(items ...Payload) Payload {
	cp := make([]Payload, len(items))
	copy(cp, items)
	return Payload{kind: KindList, items: cp}
}

// Map returns a keyed payload that keeps the given pair order.
func Map(pairs ...Pair) Payload {
	cp := make([]Pair, len(pairs))
	copy(cp, pairs)
	return Payload{kind: KindMap, pairs: cp}
}

// Opaque wraps a value that has no structured representation.
func Opaque(v any) Payload {
	return Payload{kind: KindOpaque, value: v}
}

// Of classifies an arbitrary Go value into a Payload. Maps with string keys
// become Map payloads with sorted keys so output is deterministic.
func Of(v any) Payload {
	switch t := v.(type) {
	case Payload:
		return t
	case string:
		return Text(t)
	case []byte:
		return Text(string(t))
	case error:
		return Text(t.Error())
	case []string:
		items := make([]Payload, len(t))
		for i, s := range t {
			items[i] = Text(s)
		}
		return Payload{kind: KindList, items: items}
	case []Payload:
		return List(t...)
	case []any:
		items := make([]Payload, len(t))
		for i, item := range t {
			items[i] = Of(item)
		}
		return Payload{kind: KindList, items: items}
	case map[string]string:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]Pair, len(keys))
		for i, k := range keys {
			pairs[i] = Pair{Key: k, Value: Text(t[k])}
		}
		return Payload{kind: KindMap, pairs: pairs}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]Pair, len(keys))
		for i, k := range keys {
			pairs[i] = Pair{Key: k, Value: Of(t[k])}
		}
		return Payload{kind: KindMap, pairs: pairs}
	default:
		return Opaque(v)
	}
}

func (p Payload) Kind() Kind { return p.kind }

// Text returns the string of a Text payload and "" for every other kind.
func (p Payload) Text() string { return p.text }

// Items returns the elements of a List payload.
func (p Payload) Items() []Payload { return p.items }

// Pairs returns the entries of a Map payload in insertion order.
func (p Payload) Pairs() []Pair { return p.pairs }

// Value returns the wrapped value of an Opaque payload.
func (p Payload) Value() any { return p.value }

// Len reports how many renderable entries the payload has. A non-empty Text
// and any Opaque count as a single entry.
func (p Payload) Len() int {
	switch p.kind {
	case KindList:
		return len(p.items)
	case KindMap:
		return len(p.pairs)
	case KindOpaque:
		return 1
	default:
		if p.text == "" {
			return 0
		}
		return 1
	}
}

// IsEmpty reports whether the payload has nothing to render.
func (p Payload) IsEmpty() bool { return p.Len() == 0 }

// Entries flattens the payload into the sequence a renderer walks: List
// items as-is, Map values with their keys, scalars as a single entry.
func (p Payload) Entries() []Pair {
	switch p.kind {
	case KindMap:
		return p.pairs
	case KindList:
		out := make([]Pair, len(p.items))
		for i, item := range p.items {
			out[i] = Pair{Value: item}
		}
		return out
	default:
		if p.IsEmpty() {
			return nil
		}
		return []Pair{{Value: p}}
	}
}

// String renders scalars verbatim and structured payloads as JSON.
func (p Payload) String() string {
	switch p.kind {
	case KindText:
		return p.text
	case KindOpaque:
		return fmt.Sprint(p.value)
	default:
		data, err := p.MarshalJSON()
		if err != nil {
			return fmt.Sprintf("!(%v)", err)
		}
		return string(data)
	}
}

// GoString is the debug dump used for values that are neither text nor
// structured.
func (p Payload) GoString() string {
	switch p.kind {
	case KindOpaque:
		return fmt.Sprintf("%#v", p.value)
	case KindText:
		return fmt.Sprintf("%q", p.text)
	default:
		return p.String()
	}
}

// MarshalJSON encodes Text as a string, List as an array, Map as an object
// in pair order and Opaque through the regular JSON encoder.
func (p Payload) MarshalJSON() ([]byte, error) {
	switch p.kind {
	case KindText:
		return json.Marshal(p.text)
	case KindOpaque:
		data, err := json.Marshal(p.value)
		if err != nil {
			return json.Marshal(fmt.Sprint(p.value))
		}
		return data, nil
	case KindList:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range p.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			data, err := item.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(data)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case KindMap:
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, pair := range p.pairs {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(pair.Key)
			if err != nil {
				return nil, err
			}
			buf.Write(key)
			buf.WriteByte(':')
			data, err := pair.Value.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(data)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unknown payload kind %s", p.kind)
}
