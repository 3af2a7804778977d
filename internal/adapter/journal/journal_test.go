package journal

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clawdeck/internal/domain"
)

func newTestStore(t *testing.T, keepLast int) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "journal.db"), keepLast, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func event(name domain.EventName, seq int64, payload string) domain.Event {
	return domain.Event{
		Name:       name,
		Seq:        seq,
		Payload:    json.RawMessage(payload),
		ReceivedAt: time.Now(),
	}
}

func TestRecordAndRecent(t *testing.T) {
	s := newTestStore(t, 100)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, event(domain.EventPresence, 1, `{"online":2}`)))
	require.NoError(t, s.Record(ctx, event(domain.EventChat, 2, `{"runId":"r1"}`)))
	require.NoError(t, s.Record(ctx, event(domain.EventChat, 3, `{"runId":"r2"}`)))

	all, err := s.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Most recent first.
	assert.Equal(t, int64(3), all[0].Seq)
	assert.Equal(t, int64(1), all[2].Seq)

	chats, err := s.Recent(ctx, "chat.event", 10)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.JSONEq(t, `{"runId":"r2"}`, string(chats[0].Payload))
}

func TestRecentHonorsLimit(t *testing.T) {
	s := newTestStore(t, 100)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Record(ctx, event(domain.EventLog, int64(i), `{}`)))
	}

	got, err := s.Recent(ctx, "", 4)
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestTickEventsSkipped(t *testing.T) {
	s := newTestStore(t, 100)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, event(domain.EventTick, 1, `{}`)))
	got, err := s.Recent(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPruneKeepsNewest(t *testing.T) {
	s := newTestStore(t, 5)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		require.NoError(t, s.Record(ctx, event(domain.EventLog, int64(i), `{}`)))
	}

	deleted, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), deleted)

	left, err := s.Recent(ctx, "", 100)
	require.NoError(t, err)
	require.Len(t, left, 5)
	assert.Equal(t, int64(11), left[0].Seq, "prune must keep the newest rows")
}
