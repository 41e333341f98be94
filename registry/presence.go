package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Presence is the derived online state of a user.
type Presence struct {
	UserID   string     `json:"user_id"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// A LastSeenStore remembers when users went offline across restarts.
type LastSeenStore interface {
	LastSeen(ctx context.Context, userID string) (time.Time, bool, error)
}

// Tracker derives presence from registry transitions and forwards them to
// subscribers. Slow subscribers lose transitions instead of stalling the
// registry.
type Tracker struct {
	Logger *slog.Logger
	// History answers last-seen lookups for users this process has not seen
	// go offline. Optional.
	History LastSeenStore

	mu       sync.RWMutex
	online   map[string]struct{}
	lastSeen map[string]time.Time
	subs     map[uint64]chan Transition
	nextSub  uint64
}

// NewTracker returns an empty Tracker.
func NewTracker(log *slog.Logger) *Tracker {
	return &Tracker{
		Logger:   log,
		online:   make(map[string]struct{}),
		lastSeen: make(map[string]time.Time),
		subs:     make(map[uint64]chan Transition),
	}
}

// Observe implements Observer.
func (t *Tracker) Observe(tr Transition) {
	t.mu.Lock()
	if tr.Online {
		t.online[tr.UserID] = struct{}{}
	} else {
		delete(t.online, tr.UserID)
		t.lastSeen[tr.UserID] = tr.At
	}
	subs := make([]chan Transition, 0, len(t.subs))
	for _, ch := range t.subs {
		subs = append(subs, ch)
	}
	t.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- tr:
		default:
			t.Logger.Warn("Presence subscriber full, dropping transition", "user_id", tr.UserID, "online", tr.Online)
		}
	}
}

// Subscribe returns a channel of transitions and a function that cancels the
// subscription.
func (t *Tracker) Subscribe(buffer int) (<-chan Transition, func()) {
	ch := make(chan Transition, buffer)
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

// Status returns the presence of userID.
func (t *Tracker) Status(ctx context.Context, userID string) Presence {
	t.mu.RLock()
	p := Presence{UserID: userID}
	_, online := t.online[userID]
	at, seen := t.lastSeen[userID]
	t.mu.RUnlock()

	switch {
	case online:
		p.Online = true
	case seen:
		p.LastSeen = &at
	case t.History != nil:
		at, ok, err := t.History.LastSeen(ctx, userID)
		if err != nil {
			t.Logger.Warn("Could not read last seen", "user_id", userID, "error", err.Error())
			break
		}
		if ok {
			p.LastSeen = &at
		}
	}
	return p
}
