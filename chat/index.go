package chat

import (
	"sort"
	"sync"

	"duckchat/models"
)

// Index is the in-memory view of loaded conversations, keyed by contact.
// Entries are unique per message id. Temporary ids that were swapped or
// removed are retired and never indexed again.
type Index struct {
	self int64

	mu            sync.RWMutex
	conversations map[int64]map[string]models.Message
	retired       map[string]struct{}
}

// NewIndex returns an empty index for the user self.
func NewIndex(self int64) *Index {
	return &Index{
		self:          self,
		conversations: make(map[int64]map[string]models.Message),
		retired:       make(map[string]struct{}),
	}
}

// Add inserts m into contactID's conversation. An existing entry with the same
// id is kept unless it holds placeholder content and m does not. It reports
// whether the index changed.
func (x *Index) Add(contactID int64, m models.Message) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.addLocked(contactID, m)
}

// AddMany adds each message to the conversation with its other participant
// and returns how many entries changed.
func (x *Index) AddMany(messages []models.Message) int {
	x.mu.Lock()
	defer x.mu.Unlock()

	changed := 0
	for _, m := range messages {
		if x.addLocked(m.Peer(x.self), m) {
			changed++
		}
	}
	return changed
}

func (x *Index) addLocked(contactID int64, m models.Message) bool {
	if m.ID == "" {
		return false
	}
	if _, ok := x.retired[m.ID]; ok {
		return false
	}
	conversation, ok := x.conversations[contactID]
	if !ok {
		conversation = make(map[string]models.Message)
		x.conversations[contactID] = conversation
	}

	if existing, ok := conversation[m.ID]; ok {
		if !models.IsPlaceholder(existing.Content) || models.IsPlaceholder(m.Content) {
			return false
		}
	}
	conversation[m.ID] = m
	return true
}

// Get returns a copy of contactID's conversation ordered by creation time.
func (x *Index) Get(contactID int64) []models.Message {
	x.mu.RLock()
	conversation := x.conversations[contactID]
	out := make([]models.Message, 0, len(conversation))
	for _, m := range conversation {
		out = append(out, m)
	}
	x.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Remove drops the entry id from contactID's conversation.
func (x *Index) Remove(contactID int64, id string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.retireLocked(id)
	conversation := x.conversations[contactID]
	if _, ok := conversation[id]; !ok {
		return false
	}
	delete(conversation, id)
	return true
}

// Swap replaces the entry oldID with m in one step, so readers never see both
// identities or neither.
func (x *Index) Swap(contactID int64, oldID string, m models.Message) {
	x.mu.Lock()
	defer x.mu.Unlock()

	conversation, ok := x.conversations[contactID]
	if !ok {
		conversation = make(map[string]models.Message)
		x.conversations[contactID] = conversation
	}
	x.retireLocked(oldID)
	delete(conversation, oldID)
	conversation[m.ID] = m
}

func (x *Index) retireLocked(id string) {
	if models.IsLocalID(id) {
		x.retired[id] = struct{}{}
	}
}

// Clear drops every conversation. Retired ids stay retired.
func (x *Index) Clear() {
	x.mu.Lock()
	x.conversations = make(map[int64]map[string]models.Message)
	x.mu.Unlock()
}
