// Package typing relays ephemeral typing indicators between conversation
// participants.
package typing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pawpair/adoption-chat/domain"
)

// DefaultTimeout is the silence after which a typing indicator is stopped by
// the server.
const DefaultTimeout = 2500 * time.Millisecond

// An Authorizer decides whether sender may address recipient.
type Authorizer interface {
	Authorize(ctx context.Context, senderID, recipientID string) (string, error)
}

// A Deliverer pushes an event to every live session of a user.
type Deliverer interface {
	Deliver(userID string, e domain.Event) int
}

type pending struct {
	timer *time.Timer
}

// Relay forwards typing signals to online recipients and synthesizes the stop
// event once a sender goes quiet. Nothing is persisted.
type Relay struct {
	Logger   *slog.Logger
	Auth     Authorizer
	Sessions Deliverer
	Timeout  time.Duration

	mu     sync.Mutex
	timers map[string]map[string]*pending // sender -> recipient -> timer
}

// NewRelay returns a Relay. A non-positive timeout selects DefaultTimeout.
func NewRelay(log *slog.Logger, auth Authorizer, sessions Deliverer, timeout time.Duration) *Relay {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Relay{
		Logger:   log,
		Auth:     auth,
		Sessions: sessions,
		Timeout:  timeout,
		timers:   make(map[string]map[string]*pending),
	}
}

// Signal forwards a typing indicator from senderID to recipientID and
// (re)arms the stop timer for the pair.
func (r *Relay) Signal(ctx context.Context, senderID, recipientID string) error {
	if _, err := r.Auth.Authorize(ctx, senderID, recipientID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	byRecipient, ok := r.timers[senderID]
	if !ok {
		byRecipient = make(map[string]*pending)
		r.timers[senderID] = byRecipient
	}
	if p, ok := byRecipient[recipientID]; ok {
		p.timer.Stop()
	}
	p := &pending{}
	p.timer = time.AfterFunc(r.Timeout, func() { r.expire(senderID, recipientID, p) })
	byRecipient[recipientID] = p

	r.Sessions.Deliver(recipientID, domain.Typing{SenderID: senderID, IsTyping: true})
	return nil
}

// Stop ends the indicator from senderID toward recipientID. It is a no-op when
// no indicator is showing.
func (r *Relay) Stop(senderID, recipientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked(senderID, recipientID)
}

// CancelSender ends every indicator senderID is showing. It runs when a
// session of the sender disconnects.
func (r *Relay) CancelSender(senderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for recipientID := range r.timers[senderID] {
		r.stopLocked(senderID, recipientID)
	}
}

// Active reports whether an indicator from senderID toward recipientID is
// showing.
func (r *Relay) Active(senderID, recipientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[senderID][recipientID]
	return ok
}

// Close cancels all timers without emitting stop events.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, byRecipient := range r.timers {
		for _, p := range byRecipient {
			p.timer.Stop()
		}
	}
	r.timers = make(map[string]map[string]*pending)
}

func (r *Relay) stopLocked(senderID, recipientID string) {
	byRecipient := r.timers[senderID]
	p, ok := byRecipient[recipientID]
	if !ok {
		return
	}
	p.timer.Stop()
	r.removeLocked(senderID, recipientID)
	r.Sessions.Deliver(recipientID, domain.Typing{SenderID: senderID, IsTyping: false})
}

// expire fires from the timer goroutine. A timer replaced or stopped after it
// fired finds a different entry and does nothing.
func (r *Relay) expire(senderID, recipientID string, p *pending) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timers[senderID][recipientID] != p {
		return
	}
	r.removeLocked(senderID, recipientID)
	r.Logger.Debug("Typing timed out", "sender_id", senderID, "recipient_id", recipientID)
	r.Sessions.Deliver(recipientID, domain.Typing{SenderID: senderID, IsTyping: false})
}

func (r *Relay) removeLocked(senderID, recipientID string) {
	byRecipient := r.timers[senderID]
	delete(byRecipient, recipientID)
	if len(byRecipient) == 0 {
		delete(r.timers, senderID)
	}
}
