package longpoll

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softadastra/chatcore/internal/metrics"
	"github.com/softadastra/chatcore/internal/protocol"
)

func newTestManager(ttl time.Duration, maxBuffer int) (*Manager, *metrics.Registry) {
	reg := metrics.NewRegistry()
	return NewManager(ttl, maxBuffer, reg, zerolog.Nop()), reg
}

func env(text string) *protocol.Envelope {
	return &protocol.Envelope{Type: "chat.message", Payload: protocol.KV("text", text)}
}

func TestPollDrainsFIFO(t *testing.T) {
	m, _ := newTestManager(time.Minute, 10)
	for i := 0; i < 5; i++ {
		m.PushTo("sid", env(fmt.Sprintf("m%d", i)))
	}

	out := m.Poll("sid", 3, true)
	require.Len(t, out, 3)
	for i, e := range out {
		assert.Equal(t, fmt.Sprintf("m%d", i), e.Payload.GetString("text"))
	}

	out = m.Poll("sid", 10, true)
	require.Len(t, out, 2)
	assert.Equal(t, "m3", out[0].Payload.GetString("text"))
	assert.Equal(t, "m4", out[1].Payload.GetString("text"))

	assert.Empty(t, m.Poll("sid", 10, true))
}

func TestPushEvictsOldestAtBound(t *testing.T) {
	m, _ := newTestManager(time.Minute, 3)
	for i := 0; i < 8; i++ {
		m.PushTo("sid", env(fmt.Sprintf("m%d", i)))
	}

	assert.Equal(t, 3, m.BufferSize("sid"))
	out := m.Poll("sid", 10, true)
	require.Len(t, out, 3)
	assert.Equal(t, "m5", out[0].Payload.GetString("text"))
	assert.Equal(t, "m7", out[2].Payload.GetString("text"))
}

func TestPollMissingSessionWithoutCreate(t *testing.T) {
	m, _ := newTestManager(time.Minute, 10)
	assert.Empty(t, m.Poll("ghost", 10, false))
	assert.Equal(t, 0, m.SessionCount())

	assert.Empty(t, m.Poll("ghost", 10, true))
	assert.Equal(t, 1, m.SessionCount())
}

func TestSweepExpired(t *testing.T) {
	m, reg := newTestManager(50*time.Millisecond, 10)
	base := time.Now()
	m.now = func() time.Time { return base }

	m.PushTo("old", env("a"))
	m.PushTo("old", env("b"))
	m.PushTo("fresh", env("c"))

	m.now = func() time.Time { return base.Add(80 * time.Millisecond) }
	m.Poll("fresh", 0, true) // touch lastSeen only

	m.now = func() time.Time { return base.Add(100 * time.Millisecond) }
	removed := m.SweepExpired()

	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, m.SessionCount())
	assert.Equal(t, 0, m.BufferSize("old"))
	assert.Equal(t, 1, m.BufferSize("fresh"))

	out, err := reg.Render()
	require.NoError(t, err)
	assert.Contains(t, out, "lp_sessions_active 1")
	assert.Contains(t, out, "lp_messages_buffered 1")
}

func TestMetricsBookkeeping(t *testing.T) {
	m, reg := newTestManager(time.Minute, 10)
	m.PushTo("sid", env("a"))
	m.PushTo("sid", env("b"))
	m.Poll("sid", 1, true)
	m.Poll("sid", 10, true)
	m.Poll("other", 10, true)

	out, err := reg.Render()
	require.NoError(t, err)
	assert.Contains(t, out, "lp_sessions_total 2")
	assert.Contains(t, out, "lp_sessions_active 2")
	assert.Contains(t, out, "lp_polls_total 3")
	assert.Contains(t, out, "lp_messages_enqueued_total 2")
	assert.Contains(t, out, "lp_messages_drained_total 2")
	assert.Contains(t, out, "lp_messages_buffered 0")
}
