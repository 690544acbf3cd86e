package store

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SessionStore {
	t.Helper()
	s, err := NewSessionStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadSession(t *testing.T) {
	s := newTestStore(t)

	payload := json.RawMessage(`{"request":"deploy the service"}`)
	require.NoError(t, s.SaveSession(SessionRecord{
		ID: "sess-1", State: "analyzing", Payload: payload,
	}))

	rec, err := s.LoadSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "analyzing", rec.State)
	assert.JSONEq(t, string(payload), string(rec.Payload))
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestSaveSessionUpserts(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveSession(SessionRecord{
		ID: "sess-1", State: "executing", Payload: json.RawMessage(`{}`),
	}))
	require.NoError(t, s.SaveSession(SessionRecord{
		ID: "sess-1", State: "completed", TerminalReason: "all stages done",
		Payload: json.RawMessage(`{"done":true}`),
	}))

	rec, err := s.LoadSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", rec.State)
	assert.Equal(t, "all stages done", rec.TerminalReason)
}

func TestLoadSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadSession("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveSessionRequiresID(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.SaveSession(SessionRecord{State: "received"}))
}

func TestListSessionsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.SaveSession(SessionRecord{
			ID: id, State: "received", Payload: json.RawMessage(`{}`),
		}))
	}

	all, err := s.ListSessions(2)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestSnapshotHistoryIsAppendOnlyAndOrdered(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveSession(SessionRecord{
		ID: "sess-1", State: "executing", Payload: json.RawMessage(`{}`),
	}))

	for i := 0; i < 3; i++ {
		payload, _ := json.Marshal(map[string]int{"completed": i})
		require.NoError(t, s.AppendSnapshot("sess-1", payload))
	}

	history, err := s.LoadHistory("sess-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i := 1; i < len(history); i++ {
		assert.Greater(t, history[i].Seq, history[i-1].Seq)
	}
	assert.JSONEq(t, `{"completed":2}`, string(history[2].Payload))
}

func TestLoadHistoryEmpty(t *testing.T) {
	s := newTestStore(t)
	history, err := s.LoadHistory("nothing")
	require.NoError(t, err)
	assert.Empty(t, history)
}
