// Package longpoll buffers envelopes for clients that cannot hold a
// WebSocket open. Buffers are bounded FIFOs keyed by an application
// SessionId and reaped after a TTL of inactivity.
package longpoll

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/softadastra/chatcore/internal/metrics"
	"github.com/softadastra/chatcore/internal/protocol"
)

const (
	DefaultSessionTTL = 60 * time.Second
	DefaultMaxBuffer  = 256
)

type session struct {
	buf      []*protocol.Envelope
	lastSeen time.Time
}

// Manager owns every long-polling buffer. One mutex guards the session
// map and the per-session queues; no callback runs under it.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session

	ttl       time.Duration
	maxBuffer int
	metrics   *metrics.Registry
	logger    zerolog.Logger
	now       func() time.Time
}

func NewManager(ttl time.Duration, maxBuffer int, m *metrics.Registry, logger zerolog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBuffer
	}
	return &Manager{
		sessions:  make(map[string]*session),
		ttl:       ttl,
		maxBuffer: maxBuffer,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

func (m *Manager) ensureLocked(sid string) *session {
	s, ok := m.sessions[sid]
	if !ok {
		s = &session{}
		m.sessions[sid] = s
		m.metrics.LPSessionsTotal.Inc()
		m.metrics.LPSessionsActive.Inc()
	}
	return s
}

// PushTo enqueues env for sid, creating the buffer on demand. Above
// maxBuffer the oldest entries are evicted.
func (m *Manager) PushTo(sid string, env *protocol.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.ensureLocked(sid)
	s.buf = append(s.buf, env)
	s.lastSeen = m.now()
	m.metrics.LPMessagesEnqueuedTotal.Inc()
	m.metrics.LPMessagesBuffered.Inc()

	for len(s.buf) > m.maxBuffer {
		s.buf = s.buf[1:]
		m.metrics.LPMessagesBuffered.Dec()
	}
}

// Poll removes and returns up to max entries for sid in FIFO order.
// When the buffer is absent and createIfMissing is false, it returns
// empty without creating anything.
func (m *Manager) Poll(sid string, max int, createIfMissing bool) []*protocol.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sid]
	if !ok {
		if !createIfMissing {
			return []*protocol.Envelope{}
		}
		s = m.ensureLocked(sid)
	}

	n := len(s.buf)
	if max < n {
		n = max
	}
	if n < 0 {
		n = 0
	}
	out := make([]*protocol.Envelope, n)
	copy(out, s.buf[:n])
	s.buf = s.buf[n:]
	s.lastSeen = m.now()

	m.metrics.LPPollsTotal.Inc()
	m.metrics.LPMessagesDrainedTotal.Add(float64(n))
	m.metrics.LPMessagesBuffered.Sub(float64(n))
	return out
}

// SweepExpired removes every buffer idle longer than the TTL and
// returns how many were removed.
func (m *Manager) SweepExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for sid, s := range m.sessions {
		if now.Sub(s.lastSeen) <= m.ttl {
			continue
		}
		delete(m.sessions, sid)
		removed++
		m.metrics.LPSessionsActive.Dec()
		m.metrics.LPMessagesBuffered.Sub(float64(len(s.buf)))
	}
	if removed > 0 {
		m.logger.Debug().Int("removed", removed).Msg("swept expired long-poll sessions")
	}
	return removed
}

func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) BufferSize(sid string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sid]; ok {
		return len(s.buf)
	}
	return 0
}
