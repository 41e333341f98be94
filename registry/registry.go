// Package registry maps users to their live sessions and derives presence from
// them.
package registry

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pawpair/adoption-chat/domain"
)

const shardCount = 64

// A Sink is the outbound side of one live connection. Deliver must not block;
// it reports false when the event was dropped.
type Sink interface {
	Deliver(e domain.Event) bool
}

// A Transition is a presence change of one user.
type Transition struct {
	UserID string
	Online bool
	At     time.Time
}

// An Observer is told about presence transitions. Observe is called while the
// user's shard is locked, so transitions of one user arrive in order; it must
// return quickly and must not call back into the Registry.
type Observer interface {
	Observe(t Transition)
}

type session struct {
	id          string
	sink        Sink
	connectedAt time.Time
}

type userBucket struct {
	sync.RWMutex
	users map[string]map[string]*session
}

type indexBucket struct {
	sync.Mutex
	owners map[string]string // session id -> user id
}

// Registry is the in-memory directory of live sessions. Users hash to one of
// shardCount buckets so registrations of different users rarely contend.
type Registry struct {
	Logger *slog.Logger

	users     [shardCount]*userBucket
	index     [shardCount]*indexBucket
	observers []Observer
	now       func() time.Time
}

// New returns an empty Registry reporting transitions to observers.
func New(log *slog.Logger, observers ...Observer) *Registry {
	r := &Registry{
		Logger:    log,
		observers: observers,
		now:       time.Now,
	}
	for i := 0; i < shardCount; i++ {
		r.users[i] = &userBucket{users: make(map[string]map[string]*session)}
		r.index[i] = &indexBucket{owners: make(map[string]string)}
	}
	return r
}

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// Register adds a session for userID and returns its id. The first session of
// a user raises an online transition.
func (r *Registry) Register(userID string, sink Sink) string {
	s := &session{
		id:          uuid.NewString(),
		sink:        sink,
		connectedAt: r.now(),
	}

	ib := r.index[shardOf(s.id)]
	ib.Lock()
	ib.owners[s.id] = userID
	ib.Unlock()

	b := r.users[shardOf(userID)]
	b.Lock()
	defer b.Unlock()
	sessions, ok := b.users[userID]
	if !ok {
		sessions = make(map[string]*session)
		b.users[userID] = sessions
	}
	sessions[s.id] = s
	if len(sessions) == 1 {
		r.notify(Transition{UserID: userID, Online: true, At: s.connectedAt})
	}
	r.Logger.Debug("Session registered", "user_id", userID, "session_id", s.id, "sessions", len(sessions))
	return s.id
}

// Unregister removes a session. Removing the last session of a user raises an
// offline transition. Unknown ids are logged and ignored.
func (r *Registry) Unregister(sessionID string) {
	ib := r.index[shardOf(sessionID)]
	ib.Lock()
	userID, ok := ib.owners[sessionID]
	delete(ib.owners, sessionID)
	ib.Unlock()
	if !ok {
		r.Logger.Warn("Unregister of unknown session", "session_id", sessionID)
		return
	}

	b := r.users[shardOf(userID)]
	b.Lock()
	defer b.Unlock()
	sessions := b.users[userID]
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(b.users, userID)
		r.notify(Transition{UserID: userID, Online: false, At: r.now()})
	}
	r.Logger.Debug("Session unregistered", "user_id", userID, "session_id", sessionID, "sessions", len(sessions))
}

// SessionsOf returns the sinks of every live session of userID.
func (r *Registry) SessionsOf(userID string) []Sink {
	b := r.users[shardOf(userID)]
	b.RLock()
	defer b.RUnlock()
	sessions := b.users[userID]
	out := make([]Sink, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.sink)
	}
	return out
}

// IsOnline reports whether userID holds at least one session.
func (r *Registry) IsOnline(userID string) bool {
	b := r.users[shardOf(userID)]
	b.RLock()
	defer b.RUnlock()
	return len(b.users[userID]) > 0
}

// ownerOf returns the user holding sessionID.
func (r *Registry) ownerOf(sessionID string) (string, bool) {
	ib := r.index[shardOf(sessionID)]
	ib.Lock()
	defer ib.Unlock()
	userID, ok := ib.owners[sessionID]
	return userID, ok
}

// Deliver pushes e to every session of userID without blocking and returns the
// number of sessions that accepted it. Dropped pushes are logged only; the
// pull-based APIs stay authoritative.
func (r *Registry) Deliver(userID string, e domain.Event) int {
	delivered := 0
	for _, s := range r.SessionsOf(userID) {
		if s.Deliver(e) {
			delivered++
			continue
		}
		r.Logger.Warn("Live delivery dropped", "user_id", userID, "event", e.Type())
	}
	return delivered
}

// online returns the number of users holding at least one session.
func (r *Registry) online() int {
	n := 0
	for _, b := range r.users {
		b.RLock()
		n += len(b.users)
		b.RUnlock()
	}
	return n
}

// Close drops every session, raising offline transitions for all users.
func (r *Registry) Close() {
	for _, ib := range r.index {
		ib.Lock()
		ib.owners = make(map[string]string)
		ib.Unlock()
	}
	at := r.now()
	for _, b := range r.users {
		b.Lock()
		for userID := range b.users {
			delete(b.users, userID)
			r.notify(Transition{UserID: userID, Online: false, At: at})
		}
		b.Unlock()
	}
}

func (r *Registry) notify(t Transition) {
	for _, o := range r.observers {
		o.Observe(t)
	}
}
