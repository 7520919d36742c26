// Package chat reconciles the local encrypted message cache with the server's
// paginated history, outgoing sends and live pushes.
package chat

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"duckchat/api"
	"duckchat/crypto"
	"duckchat/models"
	"duckchat/session"
	"duckchat/storage"
)

const (
	// DefaultPageSize is the number of server records requested per page.
	DefaultPageSize = 50
	// DefaultMatchTolerance bounds the timestamp match used to recover sent
	// plaintext for server records with an unknown id.
	DefaultMatchTolerance = 5 * time.Second
)

// ErrStorage classifies failures of the local store surfaced by the engine.
var ErrStorage = errors.New("chat: local storage failure")

// StorageError is a local store failure during an engine operation. It
// matches ErrStorage under errors.Is.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

// Is reports ErrStorage as a match.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// MessageStore is the local message store the engine caches into.
type MessageStore interface {
	PutMessage(m models.Message, cipher storage.ContentCipher) (bool, error)
	PutMessages(ms []models.Message, cipher storage.ContentCipher) (int, error)
	GetMessage(id string, cipher storage.ContentCipher) (*models.Message, error)
	GetConversation(userA, userB int64, cipher storage.ContentCipher) ([]models.Message, error)
	ConfirmMessage(oldID string, confirmed models.Message) error
	DeleteMessage(id string) error
	FindLocalNear(senderID, receiverID int64, at time.Time, tolerance time.Duration, exclude []string, cipher storage.ContentCipher) (*models.Message, error)
}

// MessageAPI is the server side of sends and history fetches.
type MessageAPI interface {
	SendMessage(ctx context.Context, receiverID int64, ciphertext string) (*models.Message, error)
	FetchMessages(ctx context.Context, q api.PageQuery) (*models.Page, error)
}

// Options configures an Engine. Session, Store and API are required.
type Options struct {
	Session *session.Session
	Store   MessageStore
	API     MessageAPI
	// Index defaults to a fresh index for the session user.
	Index          *Index
	Logger         zerolog.Logger
	PageSize       int
	MatchTolerance time.Duration
	Now            func() time.Time
}

// Engine runs the send, load and push protocols for one session.
type Engine struct {
	session   *session.Session
	store     MessageStore
	api       MessageAPI
	index     *Index
	log       zerolog.Logger
	pageSize  int
	tolerance time.Duration
	now       func() time.Time

	// reconcileMu orders id swaps and rollbacks against Load's
	// read-then-publish of the cached conversation.
	reconcileMu sync.Mutex
	inflight    map[string]struct{}
}

// LoadResult is one processed page of server history.
type LoadResult struct {
	// Records are the page's records with plaintext or placeholder content.
	Records      []models.Message
	TotalRecords int
	// NextPage is the page to load next, or 0 when this was the last one.
	NextPage int
	// LocalSaveErr is set when the page could not be cached locally.
	LocalSaveErr error
}

// NewEngine validates opts and returns an Engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Session == nil {
		return nil, errors.New("session is required")
	}
	if opts.Store == nil {
		return nil, errors.New("message store is required")
	}
	if opts.API == nil {
		return nil, errors.New("message api is required")
	}

	e := &Engine{
		session:   opts.Session,
		store:     opts.Store,
		api:       opts.API,
		index:     opts.Index,
		log:       opts.Logger.With().Object("session", opts.Session).Logger(),
		pageSize:  opts.PageSize,
		tolerance: opts.MatchTolerance,
		now:       opts.Now,
		inflight:  make(map[string]struct{}),
	}
	if e.index == nil {
		e.index = NewIndex(opts.Session.UserID())
	}
	if e.pageSize <= 0 {
		e.pageSize = DefaultPageSize
	}
	if e.tolerance <= 0 {
		e.tolerance = DefaultMatchTolerance
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Send encrypts plaintext for the recipient, shows it optimistically and
// delivers it. On transport failure the optimistic record is rolled back and
// the returned error matches api.ErrTransport. The returned Outgoing is never
// nil once validation passes.
func (e *Engine) Send(ctx context.Context, plaintext string, recipientID int64, recipientPublicKey string) (*Outgoing, error) {
	if strings.TrimSpace(plaintext) == "" {
		return nil, errors.New("message content is empty")
	}
	if recipientID <= 0 {
		return nil, errors.Errorf("invalid recipient id %d", recipientID)
	}

	self := e.session.UserID()
	at := e.now().UTC()
	localID := models.NewLocalID()
	out := &Outgoing{
		LocalID: localID,
		Message: models.Message{
			ID:         localID,
			LocalID:    localID,
			SenderID:   self,
			ReceiverID: recipientID,
			Content:    plaintext,
			Version:    1,
			CreatedAt:  at,
			UpdatedAt:  at,
		},
		State: StateComposing,
	}
	if err := out.advance(StateOptimistic); err != nil {
		return out, err
	}
	e.reconcileMu.Lock()
	e.inflight[localID] = struct{}{}
	e.reconcileMu.Unlock()

	var ciphertext string
	var g errgroup.Group
	g.Go(func() error {
		ct, err := crypto.EncryptForRecipient(plaintext, recipientPublicKey)
		if err != nil {
			return errors.Wrap(err, "encrypt for recipient")
		}
		ciphertext = ct
		return nil
	})
	g.Go(func() error {
		e.index.Add(recipientID, out.Message)
		if _, err := e.store.PutMessage(out.Message, e.session.Cache()); err != nil {
			out.LocalSaveErr = &StorageError{Op: "save optimistic message", Err: err}
			e.log.Warn().Err(err).Str("local_id", localID).Msg("Message not saved locally")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		e.rollback(out)
		return out, err
	}

	confirmed, err := e.api.SendMessage(ctx, recipientID, ciphertext)
	if err != nil {
		e.rollback(out)
		return out, errors.Wrap(err, "send message")
	}

	final := *confirmed
	final.Content = plaintext
	final.LocalID = ""
	if final.SenderID == 0 {
		final.SenderID = self
	}
	if final.ReceiverID == 0 {
		final.ReceiverID = recipientID
	}
	if final.CreatedAt.IsZero() {
		final.CreatedAt = at
	}
	if final.UpdatedAt.IsZero() {
		final.UpdatedAt = at
	}

	e.reconcileMu.Lock()
	if err := e.confirmLocal(localID, final, out.LocalSaveErr == nil); err != nil && out.LocalSaveErr == nil {
		out.LocalSaveErr = err
	}
	e.index.Swap(recipientID, localID, final)
	delete(e.inflight, localID)
	e.reconcileMu.Unlock()

	out.Message = final
	if err := out.advance(StateConfirmed); err != nil {
		return out, err
	}
	e.log.Debug().Str("local_id", localID).Str("message_id", final.ID).Msg("Message confirmed")
	return out, nil
}

// confirmLocal moves the stored optimistic record to the server id. When the
// optimistic write never happened, the confirmed message is stored directly.
func (e *Engine) confirmLocal(localID string, final models.Message, optimisticSaved bool) error {
	if optimisticSaved {
		err := e.store.ConfirmMessage(localID, final)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			e.log.Warn().Err(err).Str("message_id", final.ID).Msg("Failed to confirm local message")
			return &StorageError{Op: "confirm message", Err: err}
		}
	}

	if _, err := e.store.PutMessage(final, e.session.Cache()); err != nil {
		e.log.Warn().Err(err).Str("message_id", final.ID).Msg("Message not saved locally")
		return &StorageError{Op: "save confirmed message", Err: err}
	}
	return nil
}

func (e *Engine) rollback(out *Outgoing) {
	e.reconcileMu.Lock()
	defer e.reconcileMu.Unlock()

	if err := e.store.DeleteMessage(out.LocalID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.log.Warn().Err(err).Str("local_id", out.LocalID).Msg("Failed to roll back optimistic message")
	}
	e.index.Remove(out.Message.ReceiverID, out.LocalID)
	delete(e.inflight, out.LocalID)
	if err := out.advance(StateFailed); err != nil {
		e.log.Error().Err(err).Str("local_id", out.LocalID).Msg("Unexpected send state")
	}
}

// Load fetches one page of server history, recovers plaintext for every
// record, caches what it recovered and publishes the contact's conversation to
// the index. Transport failures are returned and leave the cache untouched.
func (e *Engine) Load(ctx context.Context, contactID int64, page int) (*LoadResult, error) {
	if page < 1 {
		page = 1
	}

	resp, err := e.api.FetchMessages(ctx, api.PageQuery{
		Page:          page,
		Limit:         e.pageSize,
		Sort:          "created_at",
		SortDirection: "DESC",
	})
	if err != nil {
		return nil, errors.Wrapf(err, "fetch messages page %d", page)
	}

	self := e.session.UserID()
	records := make([]models.Message, 0, len(resp.Records))
	cacheable := make([]models.Message, 0, len(resp.Records))
	var placeholders []models.Message
	for _, m := range resp.Records {
		switch {
		case m.ReceiverID == self:
			m.Content = e.openIncoming(m)
		case m.SenderID == self:
			m.Content = e.recoverSent(m)
		default:
			e.log.Debug().Str("message_id", m.ID).Msg("Skipping record not addressed to session user")
			records = append(records, m)
			continue
		}
		m.LocalID = ""
		records = append(records, m)

		if models.IsPlaceholder(m.Content) {
			if m.Involves(self, contactID) {
				placeholders = append(placeholders, m)
			}
			continue
		}
		cacheable = append(cacheable, m)
	}

	result := &LoadResult{
		Records:      records,
		TotalRecords: resp.TotalRecords,
		NextPage:     nextPage(page, len(records), resp.TotalRecords, e.pageSize),
	}

	if _, err := e.store.PutMessages(cacheable, e.session.Cache()); err != nil {
		e.log.Warn().Err(err).Int("page", page).Msg("Failed to cache message page")
		result.LocalSaveErr = &StorageError{Op: "cache message page", Err: err}
	}

	e.reconcileMu.Lock()
	defer e.reconcileMu.Unlock()

	conversation, err := e.store.GetConversation(self, contactID, e.session.Cache())
	if err != nil {
		e.log.Warn().Err(err).Int64("contact_id", contactID).Msg("Failed to read cached conversation")
		if result.LocalSaveErr == nil {
			result.LocalSaveErr = &StorageError{Op: "read conversation", Err: err}
		}
		conversation = conversation[:0]
		for _, m := range cacheable {
			if m.Involves(self, contactID) {
				conversation = append(conversation, m)
			}
		}
	}

	e.index.AddMany(append(conversation, placeholders...))
	return result, nil
}

func (e *Engine) openIncoming(m models.Message) string {
	plaintext, err := crypto.DecryptWithPrivateKey(m.Content, e.session.PrivateKey())
	if err != nil {
		e.log.Warn().Err(err).Str("message_id", m.ID).Msg("Failed to decrypt received message")
		return models.PlaceholderUndecryptable
	}
	return plaintext
}

// recoverSent finds the plaintext of a message the session user sent, first
// by id and then by timestamp proximity to an unconfirmed local record whose
// send is no longer in progress.
func (e *Engine) recoverSent(m models.Message) string {
	cache := e.session.Cache()

	stored, err := e.store.GetMessage(m.ID, cache)
	if err == nil {
		return stored.Content
	}
	if !errors.Is(err, storage.ErrNotFound) {
		e.log.Warn().Err(err).Str("message_id", m.ID).Msg("Failed to get sent message from storage")
		return models.PlaceholderLoadFailed
	}

	e.reconcileMu.Lock()
	defer e.reconcileMu.Unlock()

	exclude := make([]string, 0, len(e.inflight))
	for id := range e.inflight {
		exclude = append(exclude, id)
	}
	local, err := e.store.FindLocalNear(m.SenderID, m.ReceiverID, m.CreatedAt, e.tolerance, exclude, cache)
	if errors.Is(err, storage.ErrNotFound) {
		return models.PlaceholderNotFound
	}
	if err != nil {
		e.log.Warn().Err(err).Str("message_id", m.ID).Msg("Failed to search local messages")
		return models.PlaceholderLoadFailed
	}

	if err := e.store.ConfirmMessage(local.ID, m); err != nil {
		e.log.Warn().Err(err).Str("message_id", m.ID).Str("local_id", local.ID).Msg("Failed to swap local message id")
		return models.PlaceholderLoadFailed
	}
	recovered := m
	recovered.Content = local.Content
	recovered.LocalID = ""
	e.index.Swap(m.ReceiverID, local.ID, recovered)

	e.log.Debug().Str("message_id", m.ID).Str("local_id", local.ID).Msg("Matched server message to local record")
	return local.Content
}

func nextPage(page, records, total, pageSize int) int {
	if records == 0 || pageSize <= 0 {
		return 0
	}
	totalPages := int(math.Ceil(float64(total) / float64(pageSize)))
	if page+1 > totalPages {
		return 0
	}
	return page + 1
}

// HandlePush processes one live-channel event. Events other than messages
// addressed to the session user are ignored. A message that cannot be
// decrypted is dropped without being stored; the next load recovers it.
func (e *Engine) HandlePush(ctx context.Context, event models.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Type != models.EventTypeMessage || event.Message == nil {
		return nil
	}

	m := *event.Message
	if m.ReceiverID != e.session.UserID() {
		e.log.Debug().Str("message_id", m.ID).Msg("Ignoring push not addressed to session user")
		return nil
	}

	plaintext, err := crypto.DecryptWithPrivateKey(m.Content, e.session.PrivateKey())
	if err != nil {
		return errors.Wrapf(err, "decrypt pushed message %q", m.ID)
	}
	m.Content = plaintext
	m.LocalID = ""

	_, err = e.store.PutMessage(m, e.session.Cache())
	e.index.Add(m.SenderID, m)
	if err != nil {
		return &StorageError{Op: "cache pushed message", Err: err}
	}
	return nil
}

// Conversation returns the indexed conversation with contactID in ascending
// creation order.
func (e *Engine) Conversation(contactID int64) []models.Message {
	return e.index.Get(contactID)
}

// Logout wipes the in-memory index. The encrypted local store is kept.
func (e *Engine) Logout() {
	e.index.Clear()
	e.log.Debug().Msg("Conversation index cleared")
}
