package models

import (
	"time"
)

// Message is a single authored text entry in a chat. ReadBy and Reactions
// are joined from their own relations by the stream synchronizer.
type Message struct {
	ID        string     `json:"id"`
	ChatID    string     `json:"chat_id" validate:"required"`
	UserID    string     `json:"user_id" validate:"required"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	IsEdited  bool       `json:"is_edited"`

	ReadBy    []string    `json:"-"`
	Reactions []*Reaction `json:"-"`
}

// ReadByUser reports whether userID has a read marker on the message.
func (m *Message) ReadByUser(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// ReactionBy returns the index of the (userID, emoji) reaction, or -1.
func (m *Message) ReactionBy(userID, emoji string) int {
	for i, r := range m.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			return i
		}
	}
	return -1
}

// Reaction is an emoji annotation on a message, unique per
// (message_id, user_id, emoji) and toggled rather than duplicated.
type Reaction struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// ReadMarker records that a user has seen a message.
type ReadMarker struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}
