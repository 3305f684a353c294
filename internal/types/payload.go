package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Field is one key/value entry of a Payload.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for building payload fields.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Payload is an ordered string-keyed mapping. The zero value is an empty
// payload, so handlers never need a nil check. Methods never mutate the
// receiver; With returns a copy.
type Payload struct {
	fields []Field
	index  map[string]int
}

// NewPayload keeps the first position of a repeated key and the last value.
func NewPayload(fields ...Field) Payload {
	var p Payload
	for _, f := range fields {
		p = p.with(f.Key, f.Value)
	}
	return p
}

func (p Payload) with(key string, value any) Payload {
	if i, ok := p.index[key]; ok {
		p.fields[i].Value = value
		return p
	}
	if p.index == nil {
		p.index = make(map[string]int)
	}
	p.index[key] = len(p.fields)
	p.fields = append(p.fields, Field{Key: key, Value: value})
	return p
}

// With returns a copy of p with key set.
func (p Payload) With(key string, value any) Payload {
	out := Payload{
		fields: make([]Field, len(p.fields), len(p.fields)+1),
		index:  make(map[string]int, len(p.index)+1),
	}
	copy(out.fields, p.fields)
	for k, v := range p.index {
		out.index[k] = v
	}
	return out.with(key, value)
}

func (p Payload) Len() int { return len(p.fields) }

func (p Payload) Get(key string) (any, bool) {
	i, ok := p.index[key]
	if !ok {
		return nil, false
	}
	return p.fields[i].Value, true
}

// Keys returns the keys in insertion order.
func (p Payload) Keys() []string {
	keys := make([]string, len(p.fields))
	for i, f := range p.fields {
		keys[i] = f.Key
	}
	return keys
}

// Fields returns a copy of the entries in insertion order.
func (p Payload) Fields() []Field {
	out := make([]Field, len(p.fields))
	copy(out, p.fields)
	return out
}

func (p Payload) String(key string) string {
	v, _ := p.Get(key)
	s, _ := v.(string)
	return s
}

// Float reads a numeric field, accepting the integer kinds JSON decoding
// and Go callers commonly produce.
func (p Payload) Float(key string) (float64, bool) {
	v, ok := p.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func (p Payload) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range p.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("payload field %q: %w", f.Key, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON preserves key order of the top-level object. Nested
// objects decode as map[string]any.
func (p *Payload) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*p = Payload{}
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("payload must be a JSON object")
	}
	var out Payload
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("payload key must be a string")
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("payload field %q: %w", key, err)
		}
		out = out.with(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*p = out
	return nil
}
