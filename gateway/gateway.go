// Package gateway defines the contract of the hosted backend the
// synchronizers run against: typed-relation queries and writes, change
// subscriptions, blob storage and credential management. Implementations
// live in gateway/rest (hosted backend) and gateway/gatewaytest (in-memory).
package gateway

import (
	"context"
	"time"
)

// Event is the kind of change carried by a notification.
type Event string

const (
	EventInsert Event = "INSERT"
	EventUpdate Event = "UPDATE"
	EventDelete Event = "DELETE"
)

// Change is a single push notification for a subscribed relation.
type Change struct {
	Relation string
	Event    Event
	Row      map[string]any
}

// ChangeHandler receives change notifications. Handlers must not assume
// they run on any particular goroutine.
type ChangeHandler func(Change)

// Subscription is a live change feed; Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

// Store is the relational surface of the remote backend.
type Store interface {
	// Select decodes all rows matching filter into dest (pointer to slice).
	Select(ctx context.Context, relation string, filter Filter, dest any, opts ...SelectOption) error
	// SelectOne decodes the first matching row into dest, or returns
	// models.ErrNotFound.
	SelectOne(ctx context.Context, relation string, filter Filter, dest any) error
	// Insert writes row and, when dest is non-nil, decodes the stored row
	// (including server-generated fields) back into it.
	Insert(ctx context.Context, relation string, row any, dest any) error
	Update(ctx context.Context, relation string, filter Filter, patch map[string]any) error
	// Delete removes all matching rows; deleting zero rows is not an error.
	Delete(ctx context.Context, relation string, filter Filter) error
	// Subscribe registers fn for changes on relation matching filter.
	Subscribe(ctx context.Context, relation string, filter Filter, fn ChangeHandler) (Subscription, error)
}

// Blob is the object-storage surface of the remote backend.
type Blob interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	PublicURL(bucket, key string) string
	Remove(ctx context.Context, bucket, key string) error
}

// Credential is an authenticated remote identity reference.
type Credential struct {
	UserID      string
	Email       string
	AccessToken string
	ExpiresAt   time.Time
}

// Auth is the credential surface of the remote backend.
type Auth interface {
	SignUp(ctx context.Context, email, password string) (*Credential, error)
	SignIn(ctx context.Context, email, password string) (*Credential, error)
	SignOut(ctx context.Context) error
	ChangePassword(ctx context.Context, newPassword string) error
	// CurrentSession returns the live credential, or (nil, nil) when signed out.
	CurrentSession(ctx context.Context) (*Credential, error)
	// DeleteCredential removes a provisioned credential; it is the
	// compensating action for a sign-up whose profile write failed.
	DeleteCredential(ctx context.Context, userID string) error
	OnChange(fn func(*Credential)) Subscription
}
