package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Value is a scalar metadata value: string, json.Number, bool or nil.
type Value struct {
	v any
}

func StringValue(s string) Value { return Value{v: s} }

func NumberValue(n json.Number) Value { return Value{v: n} }

func BoolValue(b bool) Value { return Value{v: b} }

// Raw returns the underlying scalar.
func (v Value) Raw() any { return v.v }

// String renders the value the way it reads in a path label.
func (v Value) String() string {
	switch x := v.v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "true"
		}
		return "false"
	}
	return ""
}

// Truthy is false for empty strings, zero numbers, false and null.
func (v Value) Truthy() bool {
	switch x := v.v.(type) {
	case string:
		return x != ""
	case json.Number:
		f, err := x.Float64()
		return err != nil || f != 0
	case bool:
		return x
	}
	return false
}

// Metadata is a flat, insertion-ordered map of scalar values. Nested objects
// are flattened to dotted keys on decode; arrays are kept as compact JSON text.
type Metadata struct {
	keys   []string
	values map[string]Value
}

// NewMetadata builds metadata from alternating key/value string pairs.
func NewMetadata(pairs ...string) Metadata {
	var m Metadata
	for i := 0; i+1 < len(pairs); i += 2 {
		m.Set(pairs[i], StringValue(pairs[i+1]))
	}
	return m
}

func (m *Metadata) Set(key string, v Value) {
	if m.values == nil {
		m.values = make(map[string]Value)
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = v
}

func (m *Metadata) SetString(key, s string) { m.Set(key, StringValue(s)) }

func (m Metadata) Get(key string) (Value, bool) {
	v, ok := m.values[key]
	return v, ok
}

// GetString returns the string form of key, or "" when absent.
func (m Metadata) GetString(key string) string {
	v, ok := m.values[key]
	if !ok {
		return ""
	}
	return v.String()
}

func (m Metadata) Has(key string) bool {
	_, ok := m.values[key]
	return ok
}

// Keys returns keys in insertion order.
func (m Metadata) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

func (m Metadata) Len() int { return len(m.keys) }

func (m Metadata) Clone() Metadata {
	var out Metadata
	for _, k := range m.keys {
		out.Set(k, m.values[k])
	}
	return out
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(m.values[k].v)
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	dec := newNumberDecoder(data)
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*m = Metadata{}
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("metadata must be a JSON object")
	}
	var out Metadata
	if err := out.decodeObject(dec, ""); err != nil {
		return err
	}
	*m = out
	return nil
}

// decodeObject consumes members up to and including the closing brace.
func (m *Metadata) decodeObject(dec *json.Decoder, prefix string) error {
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("metadata: unexpected token %v", tok)
		}
		if prefix != "" {
			key = prefix + "." + key
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}

		switch raw[0] {
		case '{':
			sub := newNumberDecoder(raw)
			if _, err := sub.Token(); err != nil {
				return err
			}
			if err := m.decodeObject(sub, key); err != nil {
				return err
			}
		case '[':
			var compact bytes.Buffer
			if err := json.Compact(&compact, raw); err != nil {
				return err
			}
			m.Set(key, StringValue(compact.String()))
		default:
			var v any
			if err := newNumberDecoder(raw).Decode(&v); err != nil {
				return err
			}
			m.Set(key, Value{v: v})
		}
	}
	_, err := dec.Token()
	return err
}

func newNumberDecoder(data []byte) *json.Decoder {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec
}
