// Package stream maintains the ordered message list of the single active
// chat, enriched with read-by sets and reaction tallies. Every activation
// or push notification fully replaces the local list; a load whose target
// chat is no longer active is discarded instead of applied.
package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/carousell/ct-go/pkg/logger/log_context"

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

// RosterView is the slice of the roster the stream writes back to:
// clearing unread counts after mark-read and republishing last messages
// after send. Satisfied by *roster.Synchronizer.
type RosterView interface {
	ClearUnread(chatID string)
	RecordLastMessage(m *models.Message)
}

type Synchronizer struct {
	store    gateway.Store
	source   IdentitySource
	roster   RosterView
	notifier notify.Notifier

	mu       sync.Mutex
	gen      uint64
	chat     *models.Chat
	messages []*models.Message
	sub      gateway.Subscription
}

func New(store gateway.Store, source IdentitySource, roster RosterView, notifier notify.Notifier) *Synchronizer {
	return &Synchronizer{
		store:    store,
		source:   source,
		roster:   roster,
		notifier: notifier,
	}
}

// HandleActiveChat adapts the roster's active-chat listener to Activate.
func (s *Synchronizer) HandleActiveChat(chat *models.Chat) {
	ctx := context.Background()
	if err := s.Activate(ctx, chat); err != nil {
		log.Warnw(ctx, "chat activation failed", "error", err)
	}
}

// Activate switches the stream to chat (nil deactivates): the previous
// subscription is dropped, the message list is fully reloaded, and every
// loaded message not yet read by the current identity is marked read.
func (s *Synchronizer) Activate(ctx context.Context, chat *models.Chat) error {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	if s.sub != nil {
		s.sub.Unsubscribe()
		s.sub = nil
	}
	s.chat = chat
	s.messages = nil
	s.mu.Unlock()

	if chat == nil {
		return nil
	}

	sub, err := s.store.Subscribe(ctx, models.RelationMessages,
		gateway.Filter{"chat_id": gateway.Eq(chat.ID)},
		func(gateway.Change) {
			if err := s.reload(context.Background(), chat.ID, gen); err != nil {
				log.Warnw(context.Background(), "message reload failed", "chat_id", chat.ID, "error", err)
			}
		})
	if err != nil {
		s.notifier.Notify(ctx, notify.Notice{Title: "Message updates unavailable", Err: fmt.Errorf("%w: %v", models.ErrSubscription, err)})
		return fmt.Errorf("subscribe chat %s: %w", chat.ID, err)
	}

	s.mu.Lock()
	if s.gen != gen {
		// A later activation raced us; give up our subscription.
		s.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	s.sub = sub
	s.mu.Unlock()

	if err := s.reload(ctx, chat.ID, gen); err != nil {
		s.notifier.Notify(ctx, notify.Notice{Title: "Failed to load messages", Err: err})
		return err
	}

	s.mu.Lock()
	stale := s.gen != gen
	s.mu.Unlock()
	if stale {
		return nil
	}

	// Marking read is a side effect of loading, not of selection.
	if err := s.MarkRead(ctx, chat.ID); err != nil {
		log.Warnw(ctx, "auto mark-read failed", "chat_id", chat.ID, "error", err)
	}
	return nil
}

// Deactivate clears the active chat and its subscription.
func (s *Synchronizer) Deactivate() {
	_ = s.Activate(context.Background(), nil)
}

// reload fetches the full ordered message list of chatID with its read-by
// and reaction joins, then applies it only if the stream still targets the
// same chat and generation.
func (s *Synchronizer) reload(ctx context.Context, chatID string, gen uint64) error {
	var messages []*models.Message
	err := s.store.Select(ctx, models.RelationMessages,
		gateway.Filter{"chat_id": gateway.Eq(chatID)},
		&messages, gateway.OrderBy("created_at", false))
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}

	if len(messages) > 0 {
		ids := util.ConvertList(messages, func(m *models.Message) string { return m.ID })
		byID := make(map[string]*models.Message, len(messages))
		for _, m := range messages {
			byID[m.ID] = m
		}

		var markers []*models.ReadMarker
		err = s.store.Select(ctx, models.RelationReadStatus,
			gateway.Filter{"message_id": gateway.In(ids)}, &markers)
		if err != nil {
			return fmt.Errorf("load read markers: %w", err)
		}
		for _, marker := range markers {
			if m := byID[marker.MessageID]; m != nil {
				m.ReadBy = append(m.ReadBy, marker.UserID)
			}
		}

		var reactions []*models.Reaction
		err = s.store.Select(ctx, models.RelationReactions,
			gateway.Filter{"message_id": gateway.In(ids)}, &reactions,
			gateway.OrderBy("created_at", false))
		if err != nil {
			return fmt.Errorf("load reactions: %w", err)
		}
		for _, r := range reactions {
			if m := byID[r.MessageID]; m != nil {
				m.Reactions = append(m.Reactions, r)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.chat == nil || s.chat.ID != chatID {
		// Late response for a chat that is no longer active.
		return nil
	}
	s.messages = messages
	return nil
}

// Messages returns the active chat's messages ascending by creation time.
func (s *Synchronizer) Messages() []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// ActiveChat returns the chat the stream is bound to, or nil.
func (s *Synchronizer) ActiveChat() *models.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chat
}

// Send writes a new message authored by the current identity. The local
// append is optimistic: it happens before the remote write and is not
// rolled back when the write fails.
func (s *Synchronizer) Send(ctx context.Context, content string) (*models.Message, error) {
	identity := s.source.CurrentIdentity()
	if identity == nil {
		return nil, models.ErrNotAuthenticated
	}

	s.mu.Lock()
	chat := s.chat
	if chat == nil {
		s.mu.Unlock()
		return nil, models.ErrNoActiveChat
	}
	msg := &models.Message{
		ID:        models.NewID(),
		ChatID:    chat.ID,
		UserID:    identity.ID,
		Content:   content,
		CreatedAt: time.Now(),
		ReadBy:    []string{identity.ID},
	}
	s.messages = append(s.messages, msg)
	s.mu.Unlock()

	if err := s.store.Insert(ctx, models.RelationMessages, msg, nil); err != nil {
		s.notifier.Notify(ctx, notify.Notice{Title: "Failed to send message", Err: err})
		return nil, fmt.Errorf("%w: %v", models.ErrRemoteWrite, err)
	}

	marker := &models.ReadMarker{MessageID: msg.ID, UserID: identity.ID, ReadAt: time.Now()}
	if err := s.store.Insert(ctx, models.RelationReadStatus, marker, nil); err != nil {
		log.Warnw(ctx, "self-read marker failed", "message_id", msg.ID, "error", err)
	}

	// A reload triggered by our own insert may have replaced the local
	// list before the self-read marker existed remotely.
	s.markLocalRead(msg.ID, identity.ID)
	s.roster.RecordLastMessage(msg)
	return msg, nil
}

func (s *Synchronizer) markLocalRead(messageID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == messageID && !m.ReadByUser(userID) {
			m.ReadBy = append(m.ReadBy, userID)
		}
	}
}

func (s *Synchronizer) findMessage(id string) *models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// Edit rewrites a message's content. Only the author may edit; the local
// state is mutated only after the remote write succeeds.
func (s *Synchronizer) Edit(ctx context.Context, messageID, content string) error {
	identity := s.source.CurrentIdentity()
	if identity == nil {
		return models.ErrNotAuthenticated
	}
	msg := s.findMessage(messageID)
	if msg == nil {
		return fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
	}
	if msg.UserID != identity.ID {
		return fmt.Errorf("edit message %s: %w", messageID, models.ErrForbidden)
	}

	now := time.Now()
	err := s.store.Update(ctx, models.RelationMessages,
		gateway.Filter{"id": gateway.Eq(messageID)},
		map[string]any{"content": content, "is_edited": true, "updated_at": now})
	if err != nil {
		s.notifier.Notify(ctx, notify.Notice{Title: "Failed to edit message", Err: err})
		return fmt.Errorf("%w: %v", models.ErrRemoteWrite, err)
	}

	s.mu.Lock()
	for _, m := range s.messages {
		if m.ID == messageID {
			m.Content = content
			m.IsEdited = true
			m.UpdatedAt = util.Ptr(now)
		}
	}
	s.mu.Unlock()

	s.notifier.Notify(ctx, notify.Notice{Title: "Message edited", Detail: "Your message has been updated"})
	return nil
}

// Delete removes a message. Dependent reaction and read-marker rows are
// deleted before the message row so the remote store never holds dangling
// references.
func (s *Synchronizer) Delete(ctx context.Context, messageID string) error {
	identity := s.source.CurrentIdentity()
	if identity == nil {
		return models.ErrNotAuthenticated
	}
	msg := s.findMessage(messageID)
	if msg == nil {
		return fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
	}
	if msg.UserID != identity.ID {
		return fmt.Errorf("delete message %s: %w", messageID, models.ErrForbidden)
	}

	byMessage := gateway.Filter{"message_id": gateway.Eq(messageID)}
	if err := s.store.Delete(ctx, models.RelationReactions, byMessage); err != nil {
		s.notifier.Notify(ctx, notify.Notice{Title: "Failed to delete message", Err: err})
		return fmt.Errorf("%w: reactions: %v", models.ErrRemoteWrite, err)
	}
	if err := s.store.Delete(ctx, models.RelationReadStatus, byMessage); err != nil {
		s.notifier.Notify(ctx, notify.Notice{Title: "Failed to delete message", Err: err})
		return fmt.Errorf("%w: read markers: %v", models.ErrRemoteWrite, err)
	}
	if err := s.store.Delete(ctx, models.RelationMessages, gateway.Filter{"id": gateway.Eq(messageID)}); err != nil {
		s.notifier.Notify(ctx, notify.Notice{Title: "Failed to delete message", Err: err})
		return fmt.Errorf("%w: %v", models.ErrRemoteWrite, err)
	}

	s.mu.Lock()
	kept := s.messages[:0]
	for _, m := range s.messages {
		if m.ID != messageID {
			kept = append(kept, m)
		}
	}
	s.messages = kept
	s.mu.Unlock()

	s.notifier.Notify(ctx, notify.Notice{Title: "Message deleted", Detail: "Your message has been removed"})
	return nil
}

// React toggles the (current identity, emoji) reaction on a message:
// reacting with an emoji already present removes it.
func (s *Synchronizer) React(ctx context.Context, messageID, emoji string) error {
	identity := s.source.CurrentIdentity()
	if identity == nil {
		return models.ErrNotAuthenticated
	}
	msg := s.findMessage(messageID)
	if msg == nil {
		return fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
	}

	s.mu.Lock()
	existing := msg.ReactionBy(identity.ID, emoji)
	s.mu.Unlock()

	if existing >= 0 {
		err := s.store.Delete(ctx, models.RelationReactions, gateway.Filter{
			"message_id": gateway.Eq(messageID),
			"user_id":    gateway.Eq(identity.ID),
			"emoji":      gateway.Eq(emoji),
		})
		if err != nil {
			s.notifier.Notify(ctx, notify.Notice{Title: "Failed to update reaction", Err: err})
			return fmt.Errorf("%w: %v", models.ErrRemoteWrite, err)
		}
		s.mu.Lock()
		if i := msg.ReactionBy(identity.ID, emoji); i >= 0 {
			msg.Reactions = append(msg.Reactions[:i], msg.Reactions[i+1:]...)
		}
		s.mu.Unlock()
		return nil
	}

	reaction := &models.Reaction{
		MessageID: messageID,
		UserID:    identity.ID,
		Emoji:     emoji,
		CreatedAt: time.Now(),
	}
	if err := s.store.Insert(ctx, models.RelationReactions, reaction, nil); err != nil {
		s.notifier.Notify(ctx, notify.Notice{Title: "Failed to add reaction", Err: err})
		return fmt.Errorf("%w: %v", models.ErrRemoteWrite, err)
	}
	s.mu.Lock()
	if msg.ReactionBy(identity.ID, emoji) < 0 {
		msg.Reactions = append(msg.Reactions, reaction)
	}
	s.mu.Unlock()
	return nil
}

// MarkRead marks every loaded message of chatID not authored by the
// current identity as read by them. Re-marking already-read messages is a
// no-op; the roster's cached unread count is zeroed either way.
func (s *Synchronizer) MarkRead(ctx context.Context, chatID string) error {
	identity := s.source.CurrentIdentity()
	if identity == nil {
		return models.ErrNotAuthenticated
	}

	s.mu.Lock()
	if s.chat == nil || s.chat.ID != chatID {
		s.mu.Unlock()
		return fmt.Errorf("chat %s: %w", chatID, models.ErrNoActiveChat)
	}
	var unread []string
	for _, m := range s.messages {
		if m.UserID != identity.ID && !m.ReadByUser(identity.ID) {
			unread = append(unread, m.ID)
		}
	}
	s.mu.Unlock()

	for _, id := range unread {
		marker := &models.ReadMarker{MessageID: id, UserID: identity.ID, ReadAt: time.Now()}
		if err := s.store.Insert(ctx, models.RelationReadStatus, marker, nil); err != nil {
			s.notifier.Notify(ctx, notify.Notice{Title: "Failed to mark messages as read", Err: err})
			return fmt.Errorf("%w: %v", models.ErrRemoteWrite, err)
		}
		s.markLocalRead(id, identity.ID)
	}

	s.roster.ClearUnread(chatID)
	return nil
}

// Search matches query against the active chat's message content using the
// store's text-match operator. Empty and whitespace-only queries return no
// results rather than the whole chat.
func (s *Synchronizer) Search(ctx context.Context, query string) ([]*models.Message, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	s.mu.Lock()
	chat := s.chat
	s.mu.Unlock()
	if chat == nil {
		return nil, nil
	}

	var matches []*models.Message
	err := s.store.Select(ctx, models.RelationMessages,
		gateway.Filter{
			"chat_id": gateway.Eq(chat.ID),
			"content": gateway.Match(query),
		},
		&matches, gateway.OrderBy("created_at", false))
	if err != nil {
		s.notifier.Notify(ctx, notify.Notice{Title: "Search failed", Err: err})
		return nil, fmt.Errorf("search messages: %w", err)
	}
	return matches, nil
}
