package models

import (
	"time"
)

// Presence is the coarse availability state shown next to an identity.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceAway    Presence = "away"
	PresenceOffline Presence = "offline"
)

// Identity is an authenticated user profile backed by the profiles relation.
type Identity struct {
	ID        string     `json:"id"`
	Email     string     `json:"email" validate:"required,email"`
	Username  string     `json:"username" validate:"required"`
	FullName  string     `json:"full_name"`
	Status    Presence   `json:"status"`
	AvatarURL string     `json:"avatar_url,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}
