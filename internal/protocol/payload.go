package protocol

import (
	"bytes"
	"encoding/json"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Payload is the envelope payload: a string-keyed mapping that keeps
// insertion order on serialization. Setting an existing key updates the
// value in place and keeps the original position.
type Payload struct {
	m *orderedmap.OrderedMap[string, Value]
}

func NewPayload() *Payload {
	return &Payload{m: orderedmap.New[string, Value]()}
}

// KV builds a payload from alternating key/value arguments:
//
//	protocol.KV("user", "alice", "count", 3)
//
// Values may be string, bool, int, int64, float64, nil, Value, []Value
// or *Payload. Odd trailing arguments and non-string keys are ignored.
func KV(pairs ...any) *Payload {
	p := NewPayload()
	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			continue
		}
		p.Set(key, toValue(pairs[i+1]))
	}
	return p
}

func toValue(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case int:
		return Int(int64(t))
	case int64:
		return Int(t)
	case float64:
		return Float(t)
	case []Value:
		return Array(t...)
	case *Payload:
		return Object(t)
	default:
		return Null()
	}
}

func (p *Payload) Set(key string, v Value) *Payload {
	p.m.Set(key, v)
	return p
}

func (p *Payload) Get(key string) (Value, bool) {
	return p.m.Get(key)
}

// GetString returns the string at key, or "" when the key is absent or
// holds a non-string value.
func (p *Payload) GetString(key string) string {
	if v, ok := p.m.Get(key); ok {
		if s, ok := v.AsString(); ok {
			return s
		}
	}
	return ""
}

func (p *Payload) Len() int {
	return p.m.Len()
}

func (p *Payload) Keys() []string {
	keys := make([]string, 0, p.m.Len())
	for pair := p.m.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Range calls fn for each entry in insertion order until fn returns false.
func (p *Payload) Range(fn func(key string, v Value) bool) {
	for pair := p.m.Oldest(); pair != nil; pair = pair.Next() {
		if !fn(pair.Key, pair.Value) {
			return
		}
	}
}

func (p *Payload) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	for pair := p.m.Oldest(); pair != nil; pair = pair.Next() {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		k, err := json.Marshal(pair.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := pair.Value.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON replaces the payload with the decoded object. Valid
// JSON that is not an object decodes to an empty payload.
func (p *Payload) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	val, err := decodeValue(dec)
	if err != nil {
		return err
	}
	if obj, ok := val.AsObject(); ok {
		p.m = obj.m
		return nil
	}
	p.m = orderedmap.New[string, Value]()
	return nil
}
