package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/chatbridge/internal/storage"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

// forEachStore runs a test against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("file", func(t *testing.T) {
		fn(t, NewFileStore(storage.New(t.TempDir())))
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQLite(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func newSession(id, owner string, created time.Time) *types.Session {
	return &types.Session{
		ID:        id,
		OwnerID:   owner,
		Status:    types.StatusPending,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func newConversation(sessionID, contact string) *types.Conversation {
	now := time.Now()
	return &types.Conversation{
		ID:                NewID(),
		SessionID:         sessionID,
		ContactIdentifier: contact,
		Kind:              types.ConversationContact,
		CreatedAt:         now,
		LastMessageAt:     now,
	}
}

func TestStore_Sessions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().Add(-time.Hour)

		require.NoError(t, s.CreateSession(ctx, newSession("s2", "u1", base.Add(time.Minute))))
		require.NoError(t, s.CreateSession(ctx, newSession("s1", "u1", base)))
		require.NoError(t, s.CreateSession(ctx, newSession("s3", "u2", base)))

		assert.ErrorIs(t, s.CreateSession(ctx, newSession("s1", "u1", base)), ErrConflict)

		got, err := s.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "u1", got.OwnerID)
		assert.Equal(t, types.StatusPending, got.Status)

		_, err = s.GetSession(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		list, err := s.ListSessions(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "s1", list[0].ID)
		assert.Equal(t, "s2", list[1].ID)

		none, err := s.ListSessions(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestStore_UpdateSession(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateSession(ctx, newSession("s1", "u1", time.Now())))

		qr := "ABC123"
		updated, err := s.UpdateSession(ctx, "s1", func(sess *types.Session) error {
			sess.Status = types.StatusQR
			sess.QRPayload = &qr
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, types.StatusQR, updated.Status)

		got, err := s.GetSession(ctx, "s1")
		require.NoError(t, err)
		require.NotNil(t, got.QRPayload)
		assert.Equal(t, "ABC123", *got.QRPayload)

		_, err = s.UpdateSession(ctx, "s1", func(sess *types.Session) error {
			sess.Status = types.StatusConnected
			sess.QRPayload = nil
			return nil
		})
		require.NoError(t, err)

		got, err = s.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, types.StatusConnected, got.Status)
		assert.Nil(t, got.QRPayload)

		_, err = s.UpdateSession(ctx, "missing", func(*types.Session) error { return nil })
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ConversationUniqueness(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateSession(ctx, newSession("s1", "u1", time.Now())))

		first := newConversation("s1", "5511999999999@s.whatsapp.net")
		require.NoError(t, s.CreateConversation(ctx, first))

		dup := newConversation("s1", "5511999999999@s.whatsapp.net")
		assert.ErrorIs(t, s.CreateConversation(ctx, dup), ErrConflict)

		// Same contact on another session is a different conversation.
		require.NoError(t, s.CreateSession(ctx, newSession("s2", "u1", time.Now())))
		require.NoError(t, s.CreateConversation(ctx, newConversation("s2", "5511999999999@s.whatsapp.net")))

		found, err := s.FindConversation(ctx, "s1", "5511999999999@s.whatsapp.net")
		require.NoError(t, err)
		assert.Equal(t, first.ID, found.ID)

		_, err = s.FindConversation(ctx, "s1", "other")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.GetConversation(ctx, "s2", first.ID)
		assert.ErrorIs(t, err, ErrNotFound, "conversation must be scoped to its session")
	})
}

func TestStore_TouchStrictlyIncreases(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateSession(ctx, newSession("s1", "u1", time.Now())))
		conv := newConversation("s1", "c")
		require.NoError(t, s.CreateConversation(ctx, conv))

		stale := conv.LastMessageAt.Add(-time.Second)
		first, err := s.TouchConversation(ctx, "s1", conv.ID, stale)
		require.NoError(t, err)
		assert.True(t, first.LastMessageAt.After(conv.LastMessageAt))

		second, err := s.TouchConversation(ctx, "s1", conv.ID, first.LastMessageAt)
		require.NoError(t, err)
		assert.True(t, second.LastMessageAt.After(first.LastMessageAt))

		later := second.LastMessageAt.Add(time.Minute)
		third, err := s.TouchConversation(ctx, "s1", conv.ID, later)
		require.NoError(t, err)
		assert.True(t, third.LastMessageAt.Equal(later))

		_, err = s.TouchConversation(ctx, "s1", "missing", later)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ListConversationsByActivity(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateSession(ctx, newSession("s1", "u1", time.Now())))

		older := newConversation("s1", "a")
		newer := newConversation("s1", "b")
		require.NoError(t, s.CreateConversation(ctx, older))
		require.NoError(t, s.CreateConversation(ctx, newer))
		_, err := s.TouchConversation(ctx, "s1", newer.ID, time.Now().Add(time.Hour))
		require.NoError(t, err)

		list, err := s.ListConversations(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, newer.ID, list[0].ID)
		assert.Equal(t, older.ID, list[1].ID)
	})
}

func TestStore_MessagesOrdered(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateSession(ctx, newSession("s1", "u1", time.Now())))
		conv := newConversation("s1", "c")
		require.NoError(t, s.CreateConversation(ctx, conv))

		// Identical timestamps still order by sequence.
		at := time.Now()
		bodies := []string{"Oi", "Olá!", "tudo bem?", "sim"}
		for i, body := range bodies {
			m := &types.Message{
				ID:             NewID(),
				ConversationID: conv.ID,
				FromSelf:       i%2 == 1,
				Body:           body,
				Type:           types.MessageText,
				CreatedAt:      at,
			}
			require.NoError(t, s.AppendMessage(ctx, "s1", m))
			assert.Equal(t, int64(i+1), m.Seq)
		}

		list, err := s.ListMessages(ctx, "s1", conv.ID)
		require.NoError(t, err)
		require.Len(t, list, len(bodies))
		for i, m := range list {
			assert.Equal(t, bodies[i], m.Body)
			assert.Equal(t, int64(i+1), m.Seq)
		}

		_, err = s.ListMessages(ctx, "s1", "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		err = s.AppendMessage(ctx, "s1", &types.Message{ID: NewID(), ConversationID: "missing"})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_EmptyHistoryIsEmptySlice(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateSession(ctx, newSession("s1", "u1", time.Now())))
		conv := newConversation("s1", "c")
		require.NoError(t, s.CreateConversation(ctx, conv))

		list, err := s.ListMessages(ctx, "s1", conv.ID)
		require.NoError(t, err)
		assert.NotNil(t, list)
		assert.Empty(t, list)
	})
}

func TestStore_DeleteSession(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateSession(ctx, newSession("s1", "u1", time.Now())))
		require.NoError(t, s.CreateSession(ctx, newSession("s2", "u1", time.Now())))

		conv := newConversation("s1", "c")
		require.NoError(t, s.CreateConversation(ctx, conv))
		require.NoError(t, s.AppendMessage(ctx, "s1", &types.Message{
			ID: NewID(), ConversationID: conv.ID, Body: "Oi", Type: types.MessageText, CreatedAt: time.Now(),
		}))

		require.NoError(t, s.DeleteSession(ctx, "s1"))

		_, err := s.GetSession(ctx, "s1")
		assert.ErrorIs(t, err, ErrNotFound)
		convs, err := s.ListConversations(ctx, "s1")
		require.NoError(t, err)
		assert.Empty(t, convs)

		// The contact is free again once the session data is gone.
		require.NoError(t, s.CreateSession(ctx, newSession("s1", "u1", time.Now())))
		require.NoError(t, s.CreateConversation(ctx, newConversation("s1", "c")))

		_, err = s.GetSession(ctx, "s2")
		assert.NoError(t, err)
	})
}

func TestStore_ConcurrentConversationCreate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateSession(ctx, newSession("s1", "u1", time.Now())))

		var wg sync.WaitGroup
		var mu sync.Mutex
		created := 0
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.CreateConversation(ctx, newConversation("s1", "same")); err == nil {
					mu.Lock()
					created++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, created)
		list, err := s.ListConversations(ctx, "s1")
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}
