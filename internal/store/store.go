// Package store persists envelopes and serves room history and replay
// queries. The SQLite provider is the durable one; the memory provider
// backs tests and ephemeral deployments.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/softadastra/chatcore/internal/protocol"
)

// ErrStorageFailed wraps every provider-level failure.
var ErrStorageFailed = errors.New("storage failed")

// MessageStore is the durable append-only envelope log.
//
// Append returns the persisted envelope: a copy of the input with id,
// ts and kind filled in when they were empty. Returned IDs from
// consecutive Append calls are strictly lexicographically increasing.
type MessageStore interface {
	Append(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error)

	// ListByRoom returns at most limit rows in room, strictly earlier
	// than beforeID when non-empty, newest first. limit <= 0 returns
	// an empty list.
	ListByRoom(ctx context.Context, room string, limit int, beforeID string) ([]*protocol.Envelope, error)

	// ReplayFrom returns rows with id > startID, oldest first, capped
	// at limit. limit <= 0 returns an empty list.
	ReplayFrom(ctx context.Context, startID string, limit int) ([]*protocol.Envelope, error)

	Close() error
}

// idGenerator issues zero-padded microsecond-timestamp IDs. The pad
// width keeps lexicographic and numeric order identical; the guard
// keeps IDs strictly increasing even when the clock stalls or steps
// backwards.
type idGenerator struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func newIDGenerator() *idGenerator {
	return &idGenerator{now: time.Now}
}

func (g *idGenerator) next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	micros := g.now().UnixMicro()
	if micros <= g.last {
		micros = g.last + 1
	}
	g.last = micros
	return fmt.Sprintf("%020d", micros)
}

// normalized returns a copy of env with id, ts and kind defaulted the
// way rows are stored.
func normalized(env *protocol.Envelope, gen *idGenerator, now func() time.Time) *protocol.Envelope {
	out := *env
	if out.ID == "" {
		out.ID = gen.next()
	}
	if out.TS == "" {
		out.TS = protocol.Timestamp(now())
	}
	if out.Kind == "" {
		out.Kind = protocol.KindEvent
	}
	if out.Payload == nil {
		out.Payload = protocol.NewPayload()
	}
	return &out
}

func payloadJSON(env *protocol.Envelope) (string, error) {
	if env.Payload == nil {
		return "{}", nil
	}
	b, err := env.Payload.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("%w: encode payload: %v", ErrStorageFailed, err)
	}
	return string(b), nil
}

func decodePayload(text string) *protocol.Payload {
	p := protocol.NewPayload()
	if text == "" {
		return p
	}
	if err := p.UnmarshalJSON([]byte(text)); err != nil {
		return protocol.NewPayload()
	}
	return p
}
