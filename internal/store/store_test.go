package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softadastra/chatcore/internal/protocol"
)

func openProviders(t *testing.T) map[string]MessageStore {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "chat.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]MessageStore{
		"sqlite": sq,
		"memory": NewMemoryStore(),
	}
}

func TestAppendFillsDefaults(t *testing.T) {
	for name, st := range openProviders(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			in := &protocol.Envelope{Type: "chat.message", Room: "africa",
				Payload: protocol.KV("text", "hi")}
			out, err := st.Append(ctx, in)
			require.NoError(t, err)

			assert.Len(t, out.ID, 20)
			assert.Equal(t, protocol.KindEvent, out.Kind)
			assert.NotEmpty(t, out.TS)
			_, perr := time.Parse("2006-01-02T15:04:05Z", out.TS)
			assert.NoError(t, perr)

			// Input envelope stays untouched.
			assert.Empty(t, in.ID)
			assert.Empty(t, in.Kind)
		})
	}
}

func TestAppendKeepsPresetFields(t *testing.T) {
	for name, st := range openProviders(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			out, err := st.Append(ctx, &protocol.Envelope{
				ID:   "00000000000000000001",
				Kind: "system",
				TS:   "2024-01-01T00:00:00Z",
				Room: "africa",
				Type: "chat.message",
			})
			require.NoError(t, err)
			assert.Equal(t, "00000000000000000001", out.ID)
			assert.Equal(t, "system", out.Kind)
			assert.Equal(t, "2024-01-01T00:00:00Z", out.TS)
		})
	}
}

func TestAppendIDsStrictlyIncreasing(t *testing.T) {
	for name, st := range openProviders(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			prev := ""
			for i := 0; i < 200; i++ {
				out, err := st.Append(ctx, &protocol.Envelope{Type: "t"})
				require.NoError(t, err)
				assert.Greater(t, out.ID, prev)
				prev = out.ID
			}
		})
	}
}

func TestListByRoom(t *testing.T) {
	for name, st := range openProviders(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var ids []string
			for i := 0; i < 5; i++ {
				out, err := st.Append(ctx, &protocol.Envelope{Type: "m", Room: "africa"})
				require.NoError(t, err)
				ids = append(ids, out.ID)
			}
			_, err := st.Append(ctx, &protocol.Envelope{Type: "m", Room: "europe"})
			require.NoError(t, err)

			rows, err := st.ListByRoom(ctx, "africa", 3, "")
			require.NoError(t, err)
			require.Len(t, rows, 3)
			assert.Equal(t, ids[4], rows[0].ID)
			assert.Equal(t, ids[3], rows[1].ID)
			assert.Equal(t, ids[2], rows[2].ID)

			rows, err = st.ListByRoom(ctx, "africa", 10, ids[2])
			require.NoError(t, err)
			require.Len(t, rows, 2)
			assert.Equal(t, ids[1], rows[0].ID)
			assert.Equal(t, ids[0], rows[1].ID)

			rows, err = st.ListByRoom(ctx, "africa", 0, "")
			require.NoError(t, err)
			assert.Empty(t, rows)

			rows, err = st.ListByRoom(ctx, "nowhere", 10, "")
			require.NoError(t, err)
			assert.Empty(t, rows)
		})
	}
}

func TestReplayFrom(t *testing.T) {
	for name, st := range openProviders(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var ids []string
			for i := 0; i < 5; i++ {
				out, err := st.Append(ctx, &protocol.Envelope{Type: "m", Room: "africa"})
				require.NoError(t, err)
				ids = append(ids, out.ID)
			}

			rows, err := st.ReplayFrom(ctx, ids[1], 100)
			require.NoError(t, err)
			require.Len(t, rows, 3)
			assert.Equal(t, ids[2], rows[0].ID)
			assert.Equal(t, ids[3], rows[1].ID)
			assert.Equal(t, ids[4], rows[2].ID)

			rows, err = st.ReplayFrom(ctx, "", 2)
			require.NoError(t, err)
			require.Len(t, rows, 2)
			assert.Equal(t, ids[0], rows[0].ID)

			rows, err = st.ReplayFrom(ctx, ids[4], 100)
			require.NoError(t, err)
			assert.Empty(t, rows)

			rows, err = st.ReplayFrom(ctx, "", 0)
			require.NoError(t, err)
			assert.Empty(t, rows)
		})
	}
}

func TestPayloadSurvivesStore(t *testing.T) {
	for name, st := range openProviders(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			out, err := st.Append(ctx, &protocol.Envelope{
				Type: "m", Room: "africa",
				Payload: protocol.KV("user", "alice", "count", 7, "ratio", 0.25),
			})
			require.NoError(t, err)

			rows, err := st.ListByRoom(ctx, "africa", 1, "")
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.Equal(t, protocol.Serialize(out), protocol.Serialize(rows[0]))
		})
	}
}

func TestAppendSameIDReplaces(t *testing.T) {
	for name, st := range openProviders(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := st.Append(ctx, &protocol.Envelope{ID: "00000000000000000009",
				Type: "m", Room: "africa", Payload: protocol.KV("v", 1)})
			require.NoError(t, err)
			_, err = st.Append(ctx, &protocol.Envelope{ID: "00000000000000000009",
				Type: "m", Room: "africa", Payload: protocol.KV("v", 2)})
			require.NoError(t, err)

			rows, err := st.ListByRoom(ctx, "africa", 10, "")
			require.NoError(t, err)
			require.Len(t, rows, 1)
			v, _ := rows[0].Payload.Get("v")
			i, _ := v.AsInt()
			assert.Equal(t, int64(2), i)
		})
	}
}

func TestSQLiteDurableAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chat.db")

	st, err := OpenSQLite(path, zerolog.Nop())
	require.NoError(t, err)
	out, err := st.Append(ctx, &protocol.Envelope{Type: "m", Room: "africa",
		Payload: protocol.KV("text", "persisted")})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st2, err := OpenSQLite(path, zerolog.Nop())
	require.NoError(t, err)
	defer st2.Close()

	rows, err := st2.ListByRoom(ctx, "africa", 10, "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, out.ID, rows[0].ID)
	assert.Equal(t, "persisted", rows[0].Payload.GetString("text"))
}

func TestIDGeneratorMonotonicUnderClockStall(t *testing.T) {
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	gen := &idGenerator{now: func() time.Time { return fixed }}

	prev := ""
	for i := 0; i < 10; i++ {
		id := gen.next()
		assert.Len(t, id, 20)
		assert.Greater(t, id, prev)
		prev = id
	}
}
