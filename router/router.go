// Package router resolves pairs of users to conversations and decides whether
// they may message each other.
package router

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pawpair/adoption-chat/domain"
)

const separator = "~"

// Approvals answers whether an adoption request between two users, in either
// direction, has ever been approved. Approved is a terminal status, so a true
// answer never flips back.
type Approvals interface {
	HasApprovedRequest(ctx context.Context, a, b string) (bool, error)
}

// A Directory knows which user ids the identity collaborator has vouched for.
type Directory interface {
	UserExists(ctx context.Context, userID string) (bool, error)
}

// Router authorizes messaging between two users.
type Router struct {
	Approvals Approvals
	Users     Directory

	open sync.Map // conversation id -> struct{}
}

// ConversationID returns the canonical id of the conversation between a and b.
// The order of the arguments does not matter.
func ConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + separator + b
}

// Participants splits a conversation id into its two user ids.
func Participants(conversationID string) (string, string, bool) {
	a, b, ok := strings.Cut(conversationID, separator)
	if !ok || a == "" || b == "" || a >= b {
		return "", "", false
	}
	return a, b, true
}

// IsParticipant reports whether userID takes part in conversationID.
func IsParticipant(conversationID, userID string) bool {
	a, b, ok := Participants(conversationID)
	return ok && (userID == a || userID == b)
}

// Authorize returns the conversation id senderID may write to recipientID in,
// or the reason it may not.
func (r *Router) Authorize(ctx context.Context, senderID, recipientID string) (string, error) {
	if senderID == recipientID {
		return "", domain.ErrSelfMessage
	}
	id := ConversationID(senderID, recipientID)
	if _, ok := r.open.Load(id); ok {
		return id, nil
	}

	exists, err := r.Users.UserExists(ctx, recipientID)
	if err != nil {
		return "", fmt.Errorf("lookup recipient: %w", err)
	}
	if !exists {
		return "", domain.ErrUnknownRecipient
	}

	approved, err := r.Approvals.HasApprovedRequest(ctx, senderID, recipientID)
	if err != nil {
		return "", fmt.Errorf("lookup approvals: %w", err)
	}
	if !approved {
		return "", domain.ErrNoApprovedRequest
	}
	r.open.Store(id, struct{}{})
	return id, nil
}

// Open records that a and b may message each other from now on. The durable
// source is the approved request itself; Open only spares later lookups.
func (r *Router) Open(a, b string) string {
	id := ConversationID(a, b)
	r.open.Store(id, struct{}{})
	return id
}
