package longpoll

import (
	"github.com/softadastra/chatcore/internal/protocol"
)

// Resolver maps an envelope to the long-poll SessionId that should
// buffer it.
type Resolver func(*protocol.Envelope) string

// Forward pushes an HTTP-origin envelope back into the WebSocket world
// (room or global broadcast).
type Forward func(*protocol.Envelope)

// DefaultSessionID routes per room when the envelope names one, and to
// the shared "broadcast" buffer otherwise.
func DefaultSessionID(env *protocol.Envelope) string {
	if env.Room != "" {
		return "room:" + env.Room
	}
	return "broadcast"
}

// Bridge connects the WebSocket server to the long-polling buffers. It
// operates on already-parsed envelopes only; framing stays with the
// server and the HTTP surface.
type Bridge struct {
	manager  *Manager
	resolver Resolver
	forward  Forward
}

// NewBridge wires a bridge over manager. A nil resolver falls back to
// DefaultSessionID; a nil forward disables HTTP-to-WS propagation.
func NewBridge(manager *Manager, resolver Resolver, forward Forward) *Bridge {
	return &Bridge{manager: manager, resolver: resolver, forward: forward}
}

func (b *Bridge) resolveSessionID(env *protocol.Envelope) string {
	if b.resolver != nil {
		return b.resolver(env)
	}
	return DefaultSessionID(env)
}

// OnWSMessage mirrors a server-received envelope into its buffer.
func (b *Bridge) OnWSMessage(env *protocol.Envelope) {
	b.manager.PushTo(b.resolveSessionID(env), env)
}

// Poll drains up to max envelopes for sid.
func (b *Bridge) Poll(sid string, max int, createIfMissing bool) []*protocol.Envelope {
	return b.manager.Poll(sid, max, createIfMissing)
}

// SendFromHTTP buffers an HTTP-origin envelope for sid, then forwards
// it to WebSocket clients when a forwarder is installed.
func (b *Bridge) SendFromHTTP(sid string, env *protocol.Envelope) {
	b.manager.PushTo(sid, env)
	if b.forward != nil {
		b.forward(env)
	}
}

func (b *Bridge) Manager() *Manager { return b.manager }

func (b *Bridge) SessionCount() int { return b.manager.SessionCount() }

func (b *Bridge) BufferSize(sid string) int { return b.manager.BufferSize(sid) }
