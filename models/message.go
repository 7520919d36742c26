package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalIDPrefix marks ids assigned before the server confirms a message.
const LocalIDPrefix = "local-"

// Placeholder contents substituted when a message cannot be shown in clear.
const (
	PlaceholderUndecryptable = "[Encrypted message - unable to decrypt]"
	PlaceholderNotFound      = "[Message not found in local storage]"
	PlaceholderLoadFailed    = "[Failed to load message content]"
)

// Message is one chat message. Content is plaintext in memory and ciphertext
// on the wire.
type Message struct {
	ID          string    `json:"id"`
	SenderID    int64     `json:"senderId"`
	ReceiverID  int64     `json:"receiverId"`
	Content     string    `json:"content"`
	Attachments []string  `json:"attachments,omitempty"`
	IsRead      bool      `json:"isRead"`
	IsDelivered bool      `json:"isDelivered"`
	Version     int       `json:"version"`
	Edited      bool      `json:"edited"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	LocalID     string    `json:"localId,omitempty"`
}

// Peer returns the participant that is not self.
func (m Message) Peer(self int64) int64 {
	if m.SenderID == self {
		return m.ReceiverID
	}
	return m.SenderID
}

// Involves reports whether both users are the two participants.
func (m Message) Involves(a, b int64) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

// NewLocalID returns a fresh temporary id.
func NewLocalID() string {
	return LocalIDPrefix + uuid.NewString()
}

// IsLocalID reports whether id is a temporary, unconfirmed id.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}

// IsPlaceholder reports whether content is one of the placeholder strings.
func IsPlaceholder(content string) bool {
	switch content {
	case PlaceholderUndecryptable, PlaceholderNotFound, PlaceholderLoadFailed:
		return true
	default:
		return false
	}
}

// Page is one page of server message records.
type Page struct {
	Records      []Message `json:"records"`
	TotalRecords int       `json:"totalRecords"`
}

// EventTypeMessage tags live-channel events carrying a message.
const EventTypeMessage = "MESSAGE"

// Event is one live-channel push.
type Event struct {
	Type    string   `json:"type"`
	Message *Message `json:"message,omitempty"`
}
