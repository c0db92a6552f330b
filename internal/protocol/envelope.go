package protocol

import (
	"bytes"
	"encoding/json"
	"time"
)

// Message kinds. Kind is free-form on the wire; these are the values
// the chat application and the store write.
const (
	KindEvent   = "event"
	KindSystem  = "system"
	KindError   = "error"
	KindHistory = "history"
)

// Envelope is the typed message exchanged on every transport: WebSocket
// frames, long-poll buffers and store rows all carry this shape.
// ID, Kind, TS and Room are optional; Type is required and non-empty on
// any parsed envelope.
type Envelope struct {
	ID      string
	Kind    string
	TS      string
	Room    string
	Type    string
	Payload *Payload
}

type wireEnvelope struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	TS      string          `json:"ts"`
	Room    string          `json:"room"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Parse decodes one envelope from text. It is total: malformed JSON, a
// non-object document or a missing/empty "type" yield (nil, false),
// never a panic. A missing, null or non-object "payload" becomes an
// empty payload.
func Parse(text string) (*Envelope, bool) {
	var raw wireEnvelope
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, false
	}
	if raw.Type == "" {
		return nil, false
	}
	payload := NewPayload()
	if len(raw.Payload) > 0 && !bytes.Equal(raw.Payload, []byte("null")) {
		if err := payload.UnmarshalJSON(raw.Payload); err != nil {
			return nil, false
		}
	}
	return &Envelope{
		ID:      raw.ID,
		Kind:    raw.Kind,
		TS:      raw.TS,
		Room:    raw.Room,
		Type:    raw.Type,
		Payload: payload,
	}, true
}

// Serialize renders the envelope as a single-line JSON object. Empty
// id/kind/ts/room are omitted; "type" and "payload" are always present,
// a nil payload rendering as {}.
func Serialize(e *Envelope) string {
	var buf bytes.Buffer
	buf.WriteByte('{')
	writeField(&buf, "id", e.ID)
	writeField(&buf, "kind", e.Kind)
	writeField(&buf, "ts", e.TS)
	writeField(&buf, "room", e.Room)
	buf.WriteString(`"type":`)
	t, _ := json.Marshal(e.Type)
	buf.Write(t)
	buf.WriteString(`,"payload":`)
	if e.Payload == nil {
		buf.WriteString("{}")
	} else {
		b, err := e.Payload.MarshalJSON()
		if err != nil {
			buf.WriteString("{}")
		} else {
			buf.Write(b)
		}
	}
	buf.WriteByte('}')
	return buf.String()
}

func writeField(buf *bytes.Buffer, name, value string) {
	if value == "" {
		return
	}
	k, _ := json.Marshal(name)
	v, _ := json.Marshal(value)
	buf.Write(k)
	buf.WriteByte(':')
	buf.Write(v)
	buf.WriteByte(',')
}

// Timestamp renders t in the wire timestamp format: second-resolution
// ISO-8601 in UTC.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
