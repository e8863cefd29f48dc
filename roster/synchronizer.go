// Package roster maintains the ordered set of chats the current identity
// participates in, each enriched with participant identities, last message
// and unread count. State is rebuilt by full reload; a reload started under
// an older identity epoch is discarded instead of applied.
package roster

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/carousell/ct-go/pkg/logger/log_context"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/teamhubapp/teamhub-go/gateway"
	"github.com/teamhubapp/teamhub-go/models"
	"github.com/teamhubapp/teamhub-go/notify"
	"github.com/teamhubapp/teamhub-go/pkg/util"
)

// IdentitySource exposes the signed-in identity; satisfied by
// *session.Store.
type IdentitySource interface {
	CurrentIdentity() *models.Identity
}

// ActiveListener is told whenever the active chat selection changes; nil
// means no chat is selected.
type ActiveListener func(*models.Chat)

type Synchronizer struct {
	store    gateway.Store
	source   IdentitySource
	notifier notify.Notifier
	validate *validator.Validate

	mu              sync.Mutex
	epoch           uint64
	chats           []*models.Chat
	users           []*models.Identity
	activeID        string
	sub             gateway.Subscription
	activeListeners []ActiveListener
}

func New(store gateway.Store, source IdentitySource, notifier notify.Notifier) *Synchronizer {
	return &Synchronizer{
		store:    store,
		source:   source,
		notifier: notifier,
		validate: validator.New(),
	}
}

// HandleIdentityChange is registered as a session listener. Identity gone
// tears everything down; identity present reloads and re-subscribes to the
// identity's participation rows.
func (s *Synchronizer) HandleIdentityChange(identity *models.Identity) {
	ctx := context.Background()

	s.mu.Lock()
	s.epoch++
	if s.sub != nil {
		s.sub.Unsubscribe()
		s.sub = nil
	}
	if identity == nil {
		s.chats = nil
		s.users = nil
		s.activeID = ""
		listeners := make([]ActiveListener, len(s.activeListeners))
		copy(listeners, s.activeListeners)
		s.mu.Unlock()
		for _, fn := range listeners {
			fn(nil)
		}
		return
	}
	s.mu.Unlock()

	if err := s.Refresh(ctx); err != nil {
		log.Errorw(ctx, "roster load failed", "user_id", identity.ID, "error", err)
		s.notifier.Notify(ctx, notify.Notice{Title: "Failed to load chats", Err: err})
	}

	sub, err := s.store.Subscribe(ctx, models.RelationParticipants,
		gateway.Filter{"user_id": gateway.Eq(identity.ID)},
		func(gateway.Change) {
			if err := s.Refresh(context.Background()); err != nil {
				log.Warnw(context.Background(), "roster refresh failed", "error", err)
			}
		})
	if err != nil {
		log.Errorw(ctx, "roster subscription failed", "user_id", identity.ID, "error", err)
		s.notifier.Notify(ctx, notify.Notice{Title: "Chat updates unavailable", Err: fmt.Errorf("%w: %v", models.ErrSubscription, err)})
		return
	}

	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
}

// Refresh reloads every chat the current identity participates in. It is
// idempotent and safe to call concurrently; the last reload to complete
// wins, and a reload outlived by an identity change is discarded.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	identity := s.source.CurrentIdentity()
	if identity == nil {
		return models.ErrNotAuthenticated
	}

	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	var memberships []*models.Participant
	err := s.store.Select(ctx, models.RelationParticipants,
		gateway.Filter{"user_id": gateway.Eq(identity.ID)},
		&memberships, gateway.OrderBy("joined_at", false))
	if err != nil {
		return fmt.Errorf("load participations: %w", err)
	}

	users, byID, err := s.loadDirectory(ctx)
	if err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}

	chats := make([]*models.Chat, len(memberships))
	group, gctx := errgroup.WithContext(ctx)
	for i, membership := range memberships {
		group.Go(func() error {
			chat, err := s.resolveChat(gctx, membership.ChatID, identity.ID, byID)
			if err != nil {
				return err
			}
			chats[i] = chat
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		// Identity changed while loading; this snapshot is stale.
		return nil
	}
	s.chats = chats
	s.users = users
	return nil
}

func (s *Synchronizer) loadDirectory(ctx context.Context) ([]*models.Identity, map[string]*models.Identity, error) {
	var users []*models.Identity
	err := s.store.Select(ctx, models.RelationProfiles, gateway.Filter{}, &users,
		gateway.OrderBy("created_at", false))
	if err != nil {
		return nil, nil, err
	}
	byID := make(map[string]*models.Identity, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	return users, byID, nil
}

// resolveChat loads one chat row and rebuilds its projections: resolved
// participants, unread count and last message.
func (s *Synchronizer) resolveChat(ctx context.Context, chatID, selfID string, byID map[string]*models.Identity) (*models.Chat, error) {
	var chat models.Chat
	err := s.store.SelectOne(ctx, models.RelationChats, gateway.Filter{"id": gateway.Eq(chatID)}, &chat)
	if err != nil {
		return nil, fmt.Errorf("load chat %s: %w", chatID, err)
	}

	err = s.store.Select(ctx, models.RelationParticipants,
		gateway.Filter{"chat_id": gateway.Eq(chatID)},
		&chat.Participants, gateway.OrderBy("joined_at", false))
	if err != nil {
		return nil, fmt.Errorf("load participants of %s: %w", chatID, err)
	}
	for _, p := range chat.Participants {
		// Unresolvable identities stay nil rather than failing the load.
		p.Identity = byID[p.UserID]
	}

	var messages []*models.Message
	err = s.store.Select(ctx, models.RelationMessages,
		gateway.Filter{"chat_id": gateway.Eq(chatID)},
		&messages, gateway.OrderBy("created_at", false))
	if err != nil {
		return nil, fmt.Errorf("load messages of %s: %w", chatID, err)
	}
	if len(messages) == 0 {
		return &chat, nil
	}

	chat.LastMessage = messages[len(messages)-1]

	ids := util.ConvertList(messages, func(m *models.Message) string { return m.ID })
	var markers []*models.ReadMarker
	err = s.store.Select(ctx, models.RelationReadStatus,
		gateway.Filter{"user_id": gateway.Eq(selfID), "message_id": gateway.In(ids)},
		&markers)
	if err != nil {
		return nil, fmt.Errorf("load read markers of %s: %w", chatID, err)
	}
	read := make(map[string]bool, len(markers))
	for _, m := range markers {
		read[m.MessageID] = true
	}
	for _, m := range messages {
		if !read[m.ID] {
			chat.UnreadCount++
		}
	}
	return &chat, nil
}

// List returns the chats in fetch/creation order.
func (s *Synchronizer) List() []*models.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Chat, len(s.chats))
	copy(out, s.chats)
	return out
}

// Users returns the resolved identity directory.
func (s *Synchronizer) Users() []*models.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Identity, len(s.users))
	copy(out, s.users)
	return out
}

// CreateParams are the inputs of Create. ParticipantIDs excludes the
// creator, who is always added first.
type CreateParams struct {
	ParticipantIDs []string `validate:"required,min=1,dive,required"`
	Name           string
}

// Create inserts the chat row, then the creator's participant row, then
// one row per invited participant. The steps are not atomic: a failure
// after the chat row exists surfaces ErrPartialCreate and leaves the
// partially-created chat behind.
func (s *Synchronizer) Create(ctx context.Context, params CreateParams) (*models.Chat, error) {
	identity := s.source.CurrentIdentity()
	if identity == nil {
		return nil, models.ErrNotAuthenticated
	}
	if err := s.validate.Struct(params); err != nil {
		return nil, fmt.Errorf("validate create: %w", err)
	}

	chat := &models.Chat{
		ID:   models.NewID(),
		Name: params.Name,
		// Fixed at creation from the invite list; never recomputed.
		IsGroup:   len(params.ParticipantIDs) > 1,
		CreatedAt: time.Now(),
	}
	if err := s.store.Insert(ctx, models.RelationChats, chat, nil); err != nil {
		s.notifier.Notify(ctx, notify.Notice{Title: "Failed to create chat", Err: err})
		return nil, fmt.Errorf("%w: %v", models.ErrRemoteWrite, err)
	}

	members := append([]string{identity.ID}, params.ParticipantIDs...)
	for _, userID := range members {
		row := &models.Participant{ChatID: chat.ID, UserID: userID, JoinedAt: time.Now()}
		if err := s.store.Insert(ctx, models.RelationParticipants, row, nil); err != nil {
			s.notifier.Notify(ctx, notify.Notice{Title: "Failed to create chat", Err: err})
			return nil, fmt.Errorf("%w: participant %s: %v", models.ErrPartialCreate, userID, err)
		}
	}

	if err := s.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("reload after create: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chats {
		if c.ID == chat.ID {
			return c, nil
		}
	}
	return nil, fmt.Errorf("created chat %s: %w", chat.ID, models.ErrNotFound)
}

// OnActiveChange registers a listener for active chat selection changes.
func (s *Synchronizer) OnActiveChange(fn ActiveListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeListeners = append(s.activeListeners, fn)
}

// SetActive selects a chat by id; the empty id clears the selection. It is
// a pure local pointer change: it never marks anything read by itself.
func (s *Synchronizer) SetActive(chatID string) (*models.Chat, error) {
	s.mu.Lock()
	var active *models.Chat
	if chatID != "" {
		for _, c := range s.chats {
			if c.ID == chatID {
				active = c
				break
			}
		}
		if active == nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("chat %s: %w", chatID, models.ErrNotFound)
		}
	}
	s.activeID = chatID
	listeners := make([]ActiveListener, len(s.activeListeners))
	copy(listeners, s.activeListeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(active)
	}
	return active, nil
}

// Active returns the currently selected chat, or nil.
func (s *Synchronizer) Active() *models.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeID == "" {
		return nil
	}
	for _, c := range s.chats {
		if c.ID == s.activeID {
			return c
		}
	}
	return nil
}

// ClearUnread zeroes the cached unread count of a chat; called by the
// message stream after marking messages read.
func (s *Synchronizer) ClearUnread(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chats {
		if c.ID == chatID {
			c.UnreadCount = 0
			return
		}
	}
}

// RecordLastMessage republishes a freshly sent message as its chat's last
// message.
func (s *Synchronizer) RecordLastMessage(m *models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chats {
		if c.ID == m.ChatID {
			c.LastMessage = m
			return
		}
	}
}
