// Package messaging sends chat messages between users whose adoption request
// was approved, and serves conversation history for catch-up after reconnect.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/pawpair/adoption-chat/domain"
	"github.com/pawpair/adoption-chat/registry"
	"github.com/pawpair/adoption-chat/router"
)

// MaxBodyLength bounds a message body, in runes.
const MaxBodyLength = 4000

// A Store is the durable append-only message log.
type Store interface {
	// Append assigns the next serverSeq of the conversation atomically. It
	// fails with domain.ErrStoreUnavailable when the backend cannot be reached.
	Append(ctx context.Context, conversationID, senderID, recipientID, body string) (domain.Message, error)
	// Read returns up to limit messages with serverSeq > afterSeq in ascending
	// order.
	Read(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]domain.Message, error)
}

// A Cache keeps the recent tail of conversations.
type Cache interface {
	// ListMessages returns cached messages with serverSeq > afterSeq in
	// ascending order. An empty result means the cache cannot answer.
	ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]domain.Message, error)
	InsertMessage(ctx context.Context, msg domain.Message) error
	Invalidate(ctx context.Context, conversationID string) error
}

// An Authorizer resolves a sender and recipient to a conversation.
type Authorizer interface {
	Authorize(ctx context.Context, senderID, recipientID string) (string, error)
}

// An Emitter persists and delivers a notification.
type Emitter interface {
	Emit(ctx context.Context, recipientID string, typ domain.NotificationType, payload any) (domain.Notification, error)
}

// Sessions is the connection registry as seen by the service.
type Sessions interface {
	Register(userID string, sink registry.Sink) string
	Unregister(sessionID string)
	Deliver(userID string, e domain.Event) int
}

// Typing is the typing relay as seen by the service.
type Typing interface {
	Signal(ctx context.Context, senderID, recipientID string) error
	Stop(senderID, recipientID string)
	CancelSender(senderID string)
}

// Paging bounds history reads.
type Paging struct {
	Default int
	Max     int
}

// MessagePayload is the payload of a message notification.
type MessagePayload struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	ServerSeq      int64  `json:"server_seq"`
	Preview        string `json:"preview"`
}

// Service is the entry point of the messaging core.
type Service struct {
	Logger   *slog.Logger
	Router   Authorizer
	Store    Store
	Cache    Cache // optional
	Events   Emitter
	Sessions Sessions
	Typing   Typing
	Paging   Paging
}

// Connect registers a live session for id and returns the session id.
func (s *Service) Connect(id domain.Identity, sink registry.Sink) string {
	sessionID := s.Sessions.Register(id.UserID, sink)
	s.Logger.Info("Session connected", "user_id", id.UserID, "role", id.Role, "session_id", sessionID)
	return sessionID
}

// Disconnect synchronously drops the session and cancels every typing
// indicator its user is showing, so a quick reconnect sees no ghost state.
func (s *Service) Disconnect(userID, sessionID string) {
	s.Sessions.Unregister(sessionID)
	s.Typing.CancelSender(userID)
	s.Logger.Info("Session disconnected", "user_id", userID, "session_id", sessionID)
}

// Send appends a message and pushes it live to both participants. Success
// means the message is persisted; live delivery is best effort.
func (s *Service) Send(ctx context.Context, senderID, recipientID, body string) (domain.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return domain.Message{}, fmt.Errorf("%w: empty message", domain.ErrInvalidInput)
	}
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return domain.Message{}, fmt.Errorf("%w: message longer than %d characters", domain.ErrInvalidInput, MaxBodyLength)
	}

	conversationID, err := s.Router.Authorize(ctx, senderID, recipientID)
	if err != nil {
		return domain.Message{}, err
	}
	msg, err := s.Store.Append(ctx, conversationID, senderID, recipientID, body)
	if err != nil {
		return domain.Message{}, fmt.Errorf("append: %w", err)
	}

	if s.Cache != nil {
		if msg.ServerSeq == 1 {
			// The store has no earlier message, so any cached tail is left
			// over from a previous store and must not be served.
			if err := s.Cache.Invalidate(ctx, conversationID); err != nil {
				s.Logger.Error("Could not invalidate cached conversation", "conversation_id", conversationID, "error", err.Error())
			}
		}
		if err := s.Cache.InsertMessage(ctx, msg); err != nil {
			s.Logger.Error("Could not cache message", "conversation_id", conversationID, "error", err.Error())
			if err := s.Cache.Invalidate(ctx, conversationID); err != nil {
				s.Logger.Error("Could not invalidate cached conversation", "conversation_id", conversationID, "error", err.Error())
			}
		}
	}

	_, err = s.Events.Emit(ctx, recipientID, domain.NotificationMessage, MessagePayload{
		ConversationID: conversationID,
		SenderID:       senderID,
		ServerSeq:      msg.ServerSeq,
		Preview:        preview(body),
	})
	if err != nil {
		s.Logger.Error("Could not emit message notification", "conversation_id", conversationID, "error", err.Error())
	}

	s.Typing.Stop(senderID, recipientID)
	delivered := domain.MessageDelivered{Message: msg}
	s.Sessions.Deliver(recipientID, delivered)
	s.Sessions.Deliver(senderID, delivered)
	return msg, nil
}

// FetchHistory returns messages of a conversation after afterSeq. Only the two
// participants may read it.
func (s *Service) FetchHistory(ctx context.Context, userID, conversationID string, afterSeq int64, limit int) ([]domain.Message, error) {
	if !router.IsParticipant(conversationID, userID) {
		return nil, domain.ErrNotParticipant
	}
	if afterSeq < 0 {
		afterSeq = 0
	}
	limit = s.Paging.clamp(limit)

	if s.Cache != nil {
		cached, err := s.Cache.ListMessages(ctx, conversationID, afterSeq, limit)
		switch {
		case err != nil:
			s.Logger.Warn("Could not read history cache", "conversation_id", conversationID, "error", err.Error())
		case contiguous(cached, afterSeq):
			return cached, nil
		}
	}

	msgs, err := s.Store.Read(ctx, conversationID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return msgs, nil
}

// StartTyping forwards a typing indicator.
func (s *Service) StartTyping(ctx context.Context, senderID, recipientID string) error {
	return s.Typing.Signal(ctx, senderID, recipientID)
}

// StopTyping ends a typing indicator.
func (s *Service) StopTyping(senderID, recipientID string) {
	s.Typing.Stop(senderID, recipientID)
}

func (p Paging) clamp(limit int) int {
	def, ceiling := p.Default, p.Max
	if def <= 0 {
		def = 50
	}
	if ceiling <= 0 {
		ceiling = 200
	}
	switch {
	case limit <= 0:
		return min(def, ceiling)
	case limit > ceiling:
		return ceiling
	}
	return limit
}

// contiguous reports whether msgs start right after afterSeq without gaps.
func contiguous(msgs []domain.Message, afterSeq int64) bool {
	if len(msgs) == 0 {
		return false
	}
	for i, m := range msgs {
		if m.ServerSeq != afterSeq+int64(i)+1 {
			return false
		}
	}
	return true
}

func preview(body string) string {
	const n = 80
	if utf8.RuneCountInString(body) <= n {
		return body
	}
	return string([]rune(body)[:n]) + "…"
}
