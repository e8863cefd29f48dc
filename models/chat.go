package models

import (
	"time"
)

// Chat is a 1:1 or group conversation container. Participants, LastMessage
// and UnreadCount are projections resolved by the roster synchronizer; they
// are never written back to the chats relation.
type Chat struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	IsGroup   bool      `json:"is_group"`
	CreatedAt time.Time `json:"created_at"`

	Participants []*Participant `json:"-"`
	LastMessage  *Message       `json:"-"`
	UnreadCount  int            `json:"-"`
}

// Participant links an identity to a chat. Identity is a weak reference
// resolved against the profiles relation; it stays nil when the profile
// cannot be found.
type Participant struct {
	ChatID   string    `json:"chat_id"`
	UserID   string    `json:"user_id" validate:"required"`
	JoinedAt time.Time `json:"joined_at"`

	Identity *Identity `json:"-"`
}
