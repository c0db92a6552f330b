package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Value is one JSON value inside an envelope payload. Integers and
// floats are kept apart so that 42 round-trips as 42, not 42.0.
type Value struct {
	v any // nil | bool | int64 | float64 | string | []Value | *Payload
}

func Null() Value             { return Value{} }
func Bool(b bool) Value       { return Value{v: b} }
func Int(i int64) Value       { return Value{v: i} }
func Float(f float64) Value   { return Value{v: f} }
func String(s string) Value   { return Value{v: s} }
func Array(el ...Value) Value { return Value{v: el} }
func Object(p *Payload) Value { return Value{v: p} }

func (v Value) IsNull() bool { return v.v == nil }

func (v Value) AsBool() (bool, bool) {
	b, ok := v.v.(bool)
	return b, ok
}

func (v Value) AsInt() (int64, bool) {
	i, ok := v.v.(int64)
	return i, ok
}

func (v Value) AsFloat() (float64, bool) {
	f, ok := v.v.(float64)
	return f, ok
}

func (v Value) AsString() (string, bool) {
	s, ok := v.v.(string)
	return s, ok
}

func (v Value) AsArray() ([]Value, bool) {
	a, ok := v.v.([]Value)
	return a, ok
}

func (v Value) AsObject() (*Payload, bool) {
	p, ok := v.v.(*Payload)
	return p, ok
}

// MarshalJSON serializes the value without losing the int/float split.
func (v Value) MarshalJSON() ([]byte, error) {
	switch t := v.v.(type) {
	case nil:
		return []byte("null"), nil
	case bool, int64, float64, string:
		return json.Marshal(t)
	case []Value:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := el.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case *Payload:
		return t.MarshalJSON()
	default:
		return nil, fmt.Errorf("protocol: unsupported value %T", t)
	}
}

// UnmarshalJSON decodes any JSON value, preserving object key order
// and distinguishing integers from floats.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	val, err := decodeValue(dec)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

// decodeValue consumes exactly one JSON value from the token stream.
// json.Decoder handles objects as unordered maps, so objects are walked
// token by token into the insertion-ordered Payload.
func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '[':
			var elems []Value
			for dec.More() {
				el, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				elems = append(elems, el)
			}
			if _, err := dec.Token(); err != nil { // closing ]
				return Value{}, err
			}
			return Array(elems...), nil
		case '{':
			p := NewPayload()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Value{}, fmt.Errorf("protocol: object key %v", keyTok)
				}
				val, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				p.Set(key, val)
			}
			if _, err := dec.Token(); err != nil { // closing }
				return Value{}, err
			}
			return Object(p), nil
		default:
			return Value{}, fmt.Errorf("protocol: unexpected delimiter %v", t)
		}
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		return numberValue(t), nil
	case nil:
		return Null(), nil
	default:
		return Value{}, fmt.Errorf("protocol: unexpected token %v", tok)
	}
}

func numberValue(n json.Number) Value {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Int(i)
		}
	}
	f, err := n.Float64()
	if err != nil {
		// Out-of-range literal; keep the raw text as a string rather
		// than silently corrupting it.
		return String(s)
	}
	return Float(f)
}
