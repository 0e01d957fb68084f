package chatlog

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state", "chatlog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAppendAndListExchanges(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.EnsureSession(ctx, "s1", "cli", "local", "grandma"))

	base := time.UnixMilli(1_700_000_000_000)
	for i := 0; i < 3; i++ {
		ex, err := store.AppendExchange(ctx, Exchange{
			SessionID:        "s1",
			Persona:          "grandma",
			UserMessage:      fmt.Sprintf("u%d", i),
			AssistantMessage: fmt.Sprintf("a%d", i),
			CreatedAt:        base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		assert.NotEmpty(t, ex.ID)
	}

	all, err := store.ListExchanges(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "u0", all[0].UserMessage)
	assert.Equal(t, "a2", all[2].AssistantMessage)
	assert.True(t, base.Equal(all[0].CreatedAt))

	recent, err := store.ListExchanges(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "u1", recent[0].UserMessage)
	assert.Equal(t, "u2", recent[1].UserMessage)

	rec, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Exchanges)
	assert.Equal(t, "cli", rec.Channel)
	assert.Equal(t, "grandma", rec.Persona)
}

func TestAppendExchange_CreatesSession(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.AppendExchange(ctx, Exchange{SessionID: "auto", Persona: "clown", UserMessage: "hi", AssistantMessage: "ho"})
	require.NoError(t, err)

	rec, err := store.GetSession(ctx, "auto")
	require.NoError(t, err)
	assert.Equal(t, "clown", rec.Persona)
	assert.Equal(t, 1, rec.Exchanges)

	_, err = store.AppendExchange(ctx, Exchange{})
	assert.Error(t, err)
}

func TestMarkSessionEnded(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.EnsureSession(ctx, "s1", "http", "", "grandma"))

	require.NoError(t, store.MarkSessionEnded(ctx, "s1", "model_signaled"))
	rec, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "model_signaled", rec.EndReason)
	assert.False(t, rec.EndedAt.IsZero())

	assert.ErrorIs(t, store.MarkSessionEnded(ctx, "missing", "x"), ErrSessionNotFound)
	_, err = store.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestListSessions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.EnsureSession(ctx, "old", "cli", "", "grandma"))
	require.NoError(t, store.EnsureSession(ctx, "new", "cli", "", "clown"))
	_, err := store.AppendExchange(ctx, Exchange{SessionID: "old", Persona: "grandma", UserMessage: "u", AssistantMessage: "a", CreatedAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	list, err := store.ListSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "old", list[0].ID)
}

func TestEnsureSession_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.EnsureSession(ctx, "s1", "discord", "c1", "grandma"))
	require.NoError(t, store.EnsureSession(ctx, "s1", "http", "", "clown"))

	rec, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "discord", rec.Channel)
	assert.Equal(t, "grandma", rec.Persona)

	assert.Error(t, store.EnsureSession(ctx, " ", "", "", ""))
}
