package longpoll

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softadastra/chatcore/internal/metrics"
	"github.com/softadastra/chatcore/internal/protocol"
)

func TestDefaultSessionID(t *testing.T) {
	assert.Equal(t, "room:africa", DefaultSessionID(&protocol.Envelope{Type: "t", Room: "africa"}))
	assert.Equal(t, "broadcast", DefaultSessionID(&protocol.Envelope{Type: "t"}))
}

func TestOnWSMessageRoutesByRoom(t *testing.T) {
	m := NewManager(time.Minute, 10, metrics.NewRegistry(), zerolog.Nop())
	b := NewBridge(m, nil, nil)

	b.OnWSMessage(&protocol.Envelope{Type: "chat.message", Room: "africa"})
	b.OnWSMessage(&protocol.Envelope{Type: "chat.message"})

	assert.Equal(t, 1, b.BufferSize("room:africa"))
	assert.Equal(t, 1, b.BufferSize("broadcast"))
}

func TestCustomResolver(t *testing.T) {
	m := NewManager(time.Minute, 10, metrics.NewRegistry(), zerolog.Nop())
	b := NewBridge(m, func(env *protocol.Envelope) string {
		return "type:" + env.Type
	}, nil)

	b.OnWSMessage(&protocol.Envelope{Type: "chat.message", Room: "africa"})
	assert.Equal(t, 1, b.BufferSize("type:chat.message"))
	assert.Equal(t, 0, b.BufferSize("room:africa"))
}

func TestSendFromHTTPForwards(t *testing.T) {
	m := NewManager(time.Minute, 10, metrics.NewRegistry(), zerolog.Nop())
	var forwarded []*protocol.Envelope
	b := NewBridge(m, nil, func(env *protocol.Envelope) {
		forwarded = append(forwarded, env)
	})

	env := &protocol.Envelope{Type: "chat.message", Room: "africa"}
	b.SendFromHTTP("room:africa", env)

	require.Len(t, forwarded, 1)
	assert.Same(t, env, forwarded[0])
	assert.Equal(t, 1, b.BufferSize("room:africa"))
}

func TestSendFromHTTPWithoutForwarder(t *testing.T) {
	m := NewManager(time.Minute, 10, metrics.NewRegistry(), zerolog.Nop())
	b := NewBridge(m, nil, nil)

	b.SendFromHTTP("broadcast", &protocol.Envelope{Type: "t"})
	assert.Equal(t, 1, b.BufferSize("broadcast"))
}
