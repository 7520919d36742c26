package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duckchat/api"
	"duckchat/models"
	"duckchat/storage"
)

// hookStore runs callbacks after selected store calls complete.
type hookStore struct {
	*storage.Store
	afterGetConversation func()
	afterConfirm         func()
}

func (h *hookStore) GetConversation(userA, userB int64, cipher storage.ContentCipher) ([]models.Message, error) {
	messages, err := h.Store.GetConversation(userA, userB, cipher)
	if h.afterGetConversation != nil {
		h.afterGetConversation()
	}
	return messages, err
}

func (h *hookStore) ConfirmMessage(oldID string, confirmed models.Message) error {
	err := h.Store.ConfirmMessage(oldID, confirmed)
	if h.afterConfirm != nil {
		h.afterConfirm()
	}
	return err
}

func newHookedUser(t *testing.T, id int64) (*testUser, *hookStore) {
	t.Helper()

	user := newTestUser(t, id)
	hooks := &hookStore{Store: user.store}
	engine, err := NewEngine(Options{
		Session: user.session,
		Store:   hooks,
		API:     user.api,
		Logger:  zerolog.Nop(),
		Now:     func() time.Time { return t0 },
	})
	require.NoError(t, err)
	user.engine = engine
	return user, hooks
}

// pauseAfterRead holds the first conversation read until release is closed
// and signals read once the store has been queried.
func pauseAfterRead(hooks *hookStore) (read, release chan struct{}) {
	read = make(chan struct{})
	release = make(chan struct{})
	var once sync.Once
	hooks.afterGetConversation = func() {
		once.Do(func() {
			close(read)
			<-release
		})
	}
	return read, release
}

func TestConcurrentLoadDoesNotRestoreConfirmedLocalID(t *testing.T) {
	alice, hooks := newHookedUser(t, 1)
	bob := newKeyPair(t)
	ctx := context.Background()
	read, release := pauseAfterRead(hooks)

	loaded := make(chan struct{})
	alice.api.onSend = func(receiverID int64, ciphertext string) (*models.Message, error) {
		go func() {
			defer close(loaded)
			_, err := alice.engine.Load(ctx, 2, 1)
			assert.NoError(t, err)
		}()
		<-read
		time.AfterFunc(20*time.Millisecond, func() { close(release) })
		return &models.Message{ID: "42", SenderID: 1, ReceiverID: receiverID, Content: ciphertext, CreatedAt: t0}, nil
	}

	out, err := alice.engine.Send(ctx, "hello", 2, bob.public)
	require.NoError(t, err)
	<-loaded

	assert.Equal(t, []string{"42"}, messageIDs(alice.engine.Conversation(2)))
	assert.False(t, alice.exists(t, out.LocalID))
	assert.True(t, alice.exists(t, "42"))
}

func TestConcurrentLoadDoesNotRestoreRolledBackSend(t *testing.T) {
	alice, hooks := newHookedUser(t, 1)
	bob := newKeyPair(t)
	ctx := context.Background()
	read, release := pauseAfterRead(hooks)

	loaded := make(chan struct{})
	alice.api.onSend = func(int64, string) (*models.Message, error) {
		go func() {
			defer close(loaded)
			_, err := alice.engine.Load(ctx, 2, 1)
			assert.NoError(t, err)
		}()
		<-read
		time.AfterFunc(20*time.Millisecond, func() { close(release) })
		return nil, &api.TransportError{Method: "POST", Path: "/messages/2", StatusCode: 503}
	}

	out, err := alice.engine.Send(ctx, "hello", 2, bob.public)
	require.Error(t, err)
	<-loaded

	assert.Equal(t, StateFailed, out.State)
	assert.Empty(t, alice.engine.Conversation(2))
	assert.False(t, alice.exists(t, out.LocalID))
}

func TestLoadWaitsForIdentitySwap(t *testing.T) {
	alice, hooks := newHookedUser(t, 1)
	bob := newKeyPair(t)
	ctx := context.Background()

	loaded := make(chan struct{})
	var midSwap []string
	hooks.afterConfirm = func() {
		go func() {
			defer close(loaded)
			_, err := alice.engine.Load(ctx, 2, 1)
			assert.NoError(t, err)
		}()
		time.Sleep(20 * time.Millisecond)
		midSwap = messageIDs(alice.engine.Conversation(2))
	}
	alice.api.onSend = func(receiverID int64, ciphertext string) (*models.Message, error) {
		return &models.Message{ID: "42", SenderID: 1, ReceiverID: receiverID, Content: ciphertext, CreatedAt: t0}, nil
	}

	_, err := alice.engine.Send(ctx, "hello", 2, bob.public)
	require.NoError(t, err)
	<-loaded

	require.Len(t, midSwap, 1)
	assert.True(t, models.IsLocalID(midSwap[0]))
	assert.Equal(t, []string{"42"}, messageIDs(alice.engine.Conversation(2)))
}

func TestLoadDoesNotMatchSendInProgress(t *testing.T) {
	alice := newTestUser(t, 1)
	bob := newKeyPair(t)
	ctx := context.Background()

	alice.api.pages[1] = &models.Page{
		Records:      []models.Message{wireMessage(t, "77", 1, 2, "sent elsewhere", bob.public, time.Second)},
		TotalRecords: 1,
	}

	var during *LoadResult
	alice.api.onSend = func(receiverID int64, ciphertext string) (*models.Message, error) {
		result, err := alice.engine.Load(ctx, 2, 1)
		require.NoError(t, err)
		during = result
		return &models.Message{ID: "42", SenderID: 1, ReceiverID: receiverID, Content: ciphertext, CreatedAt: t0}, nil
	}

	out, err := alice.engine.Send(ctx, "hello", 2, bob.public)
	require.NoError(t, err)

	require.NotNil(t, during)
	require.Len(t, during.Records, 1)
	assert.Equal(t, models.PlaceholderNotFound, during.Records[0].Content)
	assert.False(t, alice.exists(t, "77"))

	assert.Equal(t, []string{"42", "77"}, messageIDs(alice.engine.Conversation(2)))
	stored, err := alice.store.GetMessage("42", alice.session.Cache())
	require.NoError(t, err)
	assert.Equal(t, "hello", stored.Content)
	assert.False(t, alice.exists(t, out.LocalID))
}

func TestSendDefaultsMissingUpdatedAt(t *testing.T) {
	alice := newTestUser(t, 1)
	bob := newKeyPair(t)
	alice.api.onSend = func(receiverID int64, ciphertext string) (*models.Message, error) {
		return &models.Message{ID: "42", SenderID: 1, ReceiverID: receiverID, Content: ciphertext}, nil
	}

	out, err := alice.engine.Send(context.Background(), "hello", 2, bob.public)
	require.NoError(t, err)
	assert.True(t, out.Message.UpdatedAt.Equal(t0))

	stored, err := alice.store.GetMessage("42", alice.session.Cache())
	require.NoError(t, err)
	conversation := alice.engine.Conversation(2)
	require.Len(t, conversation, 1)
	assert.True(t, conversation[0].UpdatedAt.Equal(stored.UpdatedAt))
	assert.True(t, conversation[0].CreatedAt.Equal(stored.CreatedAt))
}
