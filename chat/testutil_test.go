package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"duckchat/api"
	"duckchat/crypto"
	"duckchat/models"
	"duckchat/session"
	"duckchat/storage"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type sendCall struct {
	receiverID int64
	ciphertext string
}

// fakeAPI serves canned pages and answers sends through onSend.
type fakeAPI struct {
	mu       sync.Mutex
	onSend   func(receiverID int64, ciphertext string) (*models.Message, error)
	pages    map[int]*models.Page
	fetchErr error
	sends    []sendCall
	queries  []api.PageQuery
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{pages: map[int]*models.Page{}}
}

func (f *fakeAPI) SendMessage(_ context.Context, receiverID int64, ciphertext string) (*models.Message, error) {
	f.mu.Lock()
	f.sends = append(f.sends, sendCall{receiverID: receiverID, ciphertext: ciphertext})
	onSend := f.onSend
	f.mu.Unlock()

	if onSend == nil {
		return nil, &api.TransportError{Method: "POST", Path: "/messages", StatusCode: 503}
	}
	return onSend(receiverID, ciphertext)
}

func (f *fakeAPI) FetchMessages(_ context.Context, q api.PageQuery) (*models.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queries = append(f.queries, q)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	page, ok := f.pages[q.Page]
	if !ok {
		return &models.Page{Records: []models.Message{}}, nil
	}
	copied := *page
	copied.Records = append([]models.Message(nil), page.Records...)
	return &copied, nil
}

type keyPair struct {
	public  string
	private string
}

func newKeyPair(t *testing.T) keyPair {
	t.Helper()

	public, private, err := crypto.GenerateMessageKeyPair()
	require.NoError(t, err)
	return keyPair{public: public, private: private}
}

type testUser struct {
	id      int64
	keys    keyPair
	session *session.Session
	store   *storage.Store
	api     *fakeAPI
	engine  *Engine
}

func newTestUser(t *testing.T, id int64) *testUser {
	t.Helper()

	keys := newKeyPair(t)
	sess, err := session.New(id, keys.private, "cache-secret-of-user")
	require.NoError(t, err)

	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fake := newFakeAPI()
	engine, err := NewEngine(Options{
		Session: sess,
		Store:   store,
		API:     fake,
		Logger:  zerolog.Nop(),
		Now:     func() time.Time { return t0 },
	})
	require.NoError(t, err)

	return &testUser{id: id, keys: keys, session: sess, store: store, api: fake, engine: engine}
}

func (u *testUser) exists(t *testing.T, id string) bool {
	t.Helper()

	ok, err := u.store.Exists(id)
	require.NoError(t, err)
	return ok
}

func wireMessage(t *testing.T, id string, sender, receiver int64, plaintext, recipientPublicKey string, offset time.Duration) models.Message {
	t.Helper()

	ciphertext, err := crypto.EncryptForRecipient(plaintext, recipientPublicKey)
	require.NoError(t, err)
	at := t0.Add(offset)
	return models.Message{
		ID:         id,
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    ciphertext,
		Version:    1,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
}

func messageIDs(messages []models.Message) []string {
	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
	}
	return ids
}
