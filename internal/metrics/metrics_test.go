package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderExposesAllMetrics(t *testing.T) {
	r := NewRegistry()
	r.ConnectionsTotal.Inc()
	r.ConnectionsActive.Inc()
	r.MessagesInTotal.Add(3)
	r.LPMessagesBuffered.Add(2)
	r.LPMessagesBuffered.Dec()

	out, err := r.Render()
	require.NoError(t, err)

	for _, name := range []string{
		"connections_total",
		"connections_active",
		"messages_in_total",
		"messages_out_total",
		"errors_total",
		"lp_sessions_total",
		"lp_sessions_active",
		"lp_polls_total",
		"lp_messages_enqueued_total",
		"lp_messages_drained_total",
		"lp_messages_buffered",
	} {
		assert.Contains(t, out, "# HELP "+name)
		assert.Contains(t, out, "# TYPE "+name)
	}
	assert.Contains(t, out, "connections_total 1")
	assert.Contains(t, out, "messages_in_total 3")
	assert.Contains(t, out, "lp_messages_buffered 1")
}

func TestRegistriesAreIsolated(t *testing.T) {
	a := NewRegistry()
	b := NewRegistry()
	a.ErrorsTotal.Inc()

	out, err := b.Render()
	require.NoError(t, err)
	assert.Contains(t, out, "errors_total 0")
}

func TestHandlerServesExposition(t *testing.T) {
	r := NewRegistry()
	r.ConnectionsTotal.Inc()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "connections_total 1")
}
