// Package session owns the current authenticated identity and fans out
// identity changes to the synchronizers that depend on it.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/carousell/ct-go/pkg/logger/log_context"
	"github.com/go-playground/validator/v10"

	"github.com/teamhubapp/teamhub-go/gateway"
	"github.com/teamhubapp/teamhub-go/models"
	"github.com/teamhubapp/teamhub-go/notify"
)

// Listener receives the new identity on every session state change; nil
// means signed out.
type Listener func(*models.Identity)

type Store struct {
	auth     gateway.Auth
	store    gateway.Store
	notifier notify.Notifier
	validate *validator.Validate

	mu        sync.Mutex
	identity  *models.Identity
	listeners []Listener
}

func New(auth gateway.Auth, store gateway.Store, notifier notify.Notifier) *Store {
	return &Store{
		auth:     auth,
		store:    store,
		notifier: notifier,
		validate: validator.New(),
	}
}

// CurrentIdentity returns the signed-in identity, or nil.
func (s *Store) CurrentIdentity() *models.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// OnChange registers a listener for session state changes.
func (s *Store) OnChange(fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) setIdentity(identity *models.Identity) {
	s.mu.Lock()
	s.identity = identity
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(identity)
	}
}

// SignUpParams are the inputs of SignUp.
type SignUpParams struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required,min=6"`
	Username string `validate:"required"`
	FullName string `validate:"required"`
}

// SignUp provisions a remote credential and then a profile row. When the
// profile write fails the credential is rolled back so no orphaned
// credential is left behind.
func (s *Store) SignUp(ctx context.Context, params SignUpParams) (*models.Identity, error) {
	if err := s.validate.Struct(params); err != nil {
		return nil, fmt.Errorf("validate sign up: %w", err)
	}

	cred, err := s.auth.SignUp(ctx, params.Email, params.Password)
	if err != nil {
		s.notifier.Notify(ctx, notify.Notice{Title: "Sign up failed", Detail: params.Email, Err: err})
		return nil, fmt.Errorf("provision credential: %w", err)
	}

	identity := &models.Identity{
		ID:        cred.UserID,
		Email:     params.Email,
		Username:  params.Username,
		FullName:  params.FullName,
		Status:    models.PresenceOnline,
		CreatedAt: time.Now(),
	}
	if err := s.store.Insert(ctx, models.RelationProfiles, identity, nil); err != nil {
		if rbErr := s.auth.DeleteCredential(ctx, cred.UserID); rbErr != nil {
			log.Errorw(ctx, "credential rollback failed", "user_id", cred.UserID, "error", rbErr)
		}
		s.notifier.Notify(ctx, notify.Notice{Title: "Sign up failed", Detail: params.Email, Err: err})
		return nil, fmt.Errorf("%w: %v", models.ErrProfileCreation, err)
	}

	s.setIdentity(identity)
	s.notifier.Notify(ctx, notify.Notice{Title: "Account created", Detail: "You've been successfully signed up"})
	return identity, nil
}

// SignIn resolves username to email via a profile lookup, then
// authenticates with email and password.
func (s *Store) SignIn(ctx context.Context, username, password string) (*models.Identity, error) {
	var identity models.Identity
	err := s.store.SelectOne(ctx, models.RelationProfiles, gateway.Filter{"username": gateway.Eq(username)}, &identity)
	if err != nil {
		s.notifier.Notify(ctx, notify.Notice{Title: "Sign in failed", Detail: username, Err: err})
		return nil, fmt.Errorf("resolve username %q: %w", username, err)
	}

	if _, err := s.auth.SignIn(ctx, identity.Email, password); err != nil {
		s.notifier.Notify(ctx, notify.Notice{Title: "Sign in failed", Detail: username, Err: err})
		return nil, fmt.Errorf("sign in %q: %w", username, models.ErrAuthFailed)
	}

	identity.Status = models.PresenceOnline
	if err := s.writePresence(ctx, identity.ID, models.PresenceOnline); err != nil {
		log.Warnw(ctx, "presence update on sign-in failed", "user_id", identity.ID, "error", err)
	}

	s.setIdentity(&identity)
	s.notifier.Notify(ctx, notify.Notice{Title: "Welcome back!", Detail: "You've been successfully signed in"})
	return &identity, nil
}

// Resume restores an existing remote session, if any.
func (s *Store) Resume(ctx context.Context) error {
	cred, err := s.auth.CurrentSession(ctx)
	if err != nil {
		return fmt.Errorf("current session: %w", err)
	}
	if cred == nil {
		return nil
	}

	var identity models.Identity
	err = s.store.SelectOne(ctx, models.RelationProfiles, gateway.Filter{"id": gateway.Eq(cred.UserID)}, &identity)
	if err != nil {
		return fmt.Errorf("load profile %s: %w", cred.UserID, err)
	}

	s.setIdentity(&identity)
	return nil
}

// SignOut sets presence to offline remotely before invalidating the local
// session; the presence write is best-effort.
func (s *Store) SignOut(ctx context.Context) error {
	s.mu.Lock()
	identity := s.identity
	s.mu.Unlock()
	if identity == nil {
		return nil
	}

	if err := s.writePresence(ctx, identity.ID, models.PresenceOffline); err != nil {
		log.Warnw(ctx, "presence update on sign-out failed", "user_id", identity.ID, "error", err)
	}
	if err := s.auth.SignOut(ctx); err != nil {
		log.Warnw(ctx, "remote sign-out failed", "user_id", identity.ID, "error", err)
	}

	s.setIdentity(nil)
	s.notifier.Notify(ctx, notify.Notice{Title: "Signed out", Detail: "You've been successfully signed out"})
	return nil
}

// ChangePassword verifies the current password before writing the new one.
func (s *Store) ChangePassword(ctx context.Context, current, newPassword string) error {
	s.mu.Lock()
	identity := s.identity
	s.mu.Unlock()
	if identity == nil {
		return models.ErrNotAuthenticated
	}

	if _, err := s.auth.SignIn(ctx, identity.Email, current); err != nil {
		s.notifier.Notify(ctx, notify.Notice{Title: "Password update failed", Detail: "Current password rejected", Err: err})
		return fmt.Errorf("verify current password: %w", models.ErrAuthFailed)
	}
	if err := s.auth.ChangePassword(ctx, newPassword); err != nil {
		s.notifier.Notify(ctx, notify.Notice{Title: "Password update failed", Err: err})
		return fmt.Errorf("change password: %w", err)
	}

	s.notifier.Notify(ctx, notify.Notice{Title: "Password updated", Detail: "Your password has been successfully updated"})
	return nil
}

// SetPresence updates the presence state; it is a no-op when signed out.
func (s *Store) SetPresence(ctx context.Context, state models.Presence) error {
	s.mu.Lock()
	identity := s.identity
	s.mu.Unlock()
	if identity == nil {
		return nil
	}

	if err := s.writePresence(ctx, identity.ID, state); err != nil {
		s.notifier.Notify(ctx, notify.Notice{Title: "Status update failed", Err: err})
		return fmt.Errorf("%w: %v", models.ErrRemoteWrite, err)
	}

	updated := *identity
	updated.Status = state
	s.setIdentity(&updated)
	return nil
}

func (s *Store) writePresence(ctx context.Context, userID string, state models.Presence) error {
	return s.store.Update(ctx, models.RelationProfiles,
		gateway.Filter{"id": gateway.Eq(userID)},
		map[string]any{"status": state, "updated_at": time.Now()},
	)
}
