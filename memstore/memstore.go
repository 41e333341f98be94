// Package memstore is an in-memory implementation of every persistence
// interface of the core. It backs tests and single-process deployments that
// run without a database.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/pawpair/adoption-chat/domain"
	"github.com/pawpair/adoption-chat/router"
)

type conversation struct {
	mu       sync.Mutex
	messages []domain.Message // messages[i].ServerSeq == i+1
}

// Memory keeps all state in process memory.
type Memory struct {
	convMu sync.Mutex
	convs  map[string]*conversation

	noteMu        sync.RWMutex
	notifications map[string]*domain.Notification
	byRecipient   map[string][]string // insertion order

	reqMu    sync.RWMutex
	requests map[string]domain.AdoptionRequest
	order    []string
	approved map[string]struct{} // conversation ids

	dirMu sync.RWMutex
	pets  map[string]domain.Pet
	users map[string]domain.Role

	now func() time.Time
}

// New returns an empty Memory.
func New() *Memory {
	return &Memory{
		convs:         make(map[string]*conversation),
		notifications: make(map[string]*domain.Notification),
		byRecipient:   make(map[string][]string),
		requests:      make(map[string]domain.AdoptionRequest),
		approved:      make(map[string]struct{}),
		pets:          make(map[string]domain.Pet),
		users:         make(map[string]domain.Role),
		now:           time.Now,
	}
}

func (m *Memory) conversation(id string) *conversation {
	m.convMu.Lock()
	defer m.convMu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		c = &conversation{}
		m.convs[id] = c
	}
	return c
}

// Append adds a message to a conversation and assigns the next serverSeq.
// Appends to one conversation are serialized; different conversations never
// wait on each other.
func (m *Memory) Append(ctx context.Context, conversationID, senderID, recipientID, body string) (domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	c := m.conversation(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := domain.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		RecipientID:    recipientID,
		Body:           body,
		CreatedAt:      m.now().UTC(),
		ServerSeq:      int64(len(c.messages)) + 1,
	}
	c.messages = append(c.messages, msg)
	return msg, nil
}

// Read returns up to limit messages with serverSeq greater than afterSeq, in
// order.
func (m *Memory) Read(_ context.Context, conversationID string, afterSeq int64, limit int) ([]domain.Message, error) {
	m.convMu.Lock()
	c, ok := m.convs[conversationID]
	m.convMu.Unlock()
	if !ok {
		return []domain.Message{}, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if afterSeq < 0 {
		afterSeq = 0
	}
	if afterSeq >= int64(len(c.messages)) {
		return []domain.Message{}, nil
	}
	page := c.messages[afterSeq:]
	if limit > 0 && len(page) > limit {
		page = page[:limit]
	}
	return append([]domain.Message(nil), page...), nil
}

// InsertNotification stores n.
func (m *Memory) InsertNotification(_ context.Context, n domain.Notification) (domain.Notification, error) {
	m.noteMu.Lock()
	defer m.noteMu.Unlock()
	if _, ok := m.notifications[n.ID]; ok {
		return domain.Notification{}, fmt.Errorf("%w: duplicate notification id %s", domain.ErrInvalidInput, n.ID)
	}
	stored := n
	m.notifications[n.ID] = &stored
	m.byRecipient[n.RecipientID] = append(m.byRecipient[n.RecipientID], n.ID)
	return stored, nil
}

// ListNotifications returns the notifications of userID, newest first.
func (m *Memory) ListNotifications(_ context.Context, userID string, unreadOnly bool) ([]domain.Notification, error) {
	m.noteMu.RLock()
	defer m.noteMu.RUnlock()
	ids := m.byRecipient[userID]
	out := make([]domain.Notification, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		n := m.notifications[ids[i]]
		if unreadOnly && n.IsRead {
			continue
		}
		out = append(out, *n)
	}
	return out, nil
}

// CountUnread counts the unread notifications of userID.
func (m *Memory) CountUnread(_ context.Context, userID string) (int, error) {
	m.noteMu.RLock()
	defer m.noteMu.RUnlock()
	return lo.CountBy(m.byRecipient[userID], func(id string) bool {
		return !m.notifications[id].IsRead
	}), nil
}

// MarkNotificationRead marks one notification of userID read.
func (m *Memory) MarkNotificationRead(_ context.Context, id, userID string) error {
	m.noteMu.Lock()
	defer m.noteMu.Unlock()
	n, err := m.ownedLocked(id, userID)
	if err != nil {
		return err
	}
	n.IsRead = true
	return nil
}

// MarkAllNotificationsRead marks every unread notification of userID read.
func (m *Memory) MarkAllNotificationsRead(_ context.Context, userID string) ([]string, error) {
	m.noteMu.Lock()
	defer m.noteMu.Unlock()
	var marked []string
	for _, id := range m.byRecipient[userID] {
		if n := m.notifications[id]; !n.IsRead {
			n.IsRead = true
			marked = append(marked, id)
		}
	}
	return marked, nil
}

// DeleteNotification removes a notification of userID.
func (m *Memory) DeleteNotification(_ context.Context, id, userID string) error {
	m.noteMu.Lock()
	defer m.noteMu.Unlock()
	if _, err := m.ownedLocked(id, userID); err != nil {
		return err
	}
	delete(m.notifications, id)
	m.byRecipient[userID] = lo.Without(m.byRecipient[userID], id)
	return nil
}

func (m *Memory) ownedLocked(id, userID string) (*domain.Notification, error) {
	n, ok := m.notifications[id]
	if !ok {
		return nil, fmt.Errorf("notification %s: %w", id, domain.ErrNotFound)
	}
	if n.RecipientID != userID {
		return nil, domain.ErrNotOwner
	}
	return n, nil
}

// InsertRequest stores r unless a pending request already exists for the same
// pet and requester.
func (m *Memory) InsertRequest(_ context.Context, r domain.AdoptionRequest) (domain.AdoptionRequest, error) {
	m.reqMu.Lock()
	defer m.reqMu.Unlock()
	for _, existing := range m.requests {
		if existing.PetID == r.PetID && existing.RequesterID == r.RequesterID && existing.Status == domain.StatusPending {
			return domain.AdoptionRequest{}, domain.ErrDuplicatePending
		}
	}
	m.requests[r.ID] = r
	m.order = append(m.order, r.ID)
	return r, nil
}

// GetRequest returns the request with id.
func (m *Memory) GetRequest(_ context.Context, id string) (domain.AdoptionRequest, error) {
	m.reqMu.RLock()
	defer m.reqMu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return domain.AdoptionRequest{}, fmt.Errorf("request %s: %w", id, domain.ErrNotFound)
	}
	return r, nil
}

// TransitionRequest moves a pending request to status to. It fails with
// domain.ErrInvalidState when the request is no longer pending.
func (m *Memory) TransitionRequest(_ context.Context, id string, to domain.RequestStatus, response string, at time.Time) (domain.AdoptionRequest, error) {
	m.reqMu.Lock()
	defer m.reqMu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return domain.AdoptionRequest{}, fmt.Errorf("request %s: %w", id, domain.ErrNotFound)
	}
	if r.Status != domain.StatusPending {
		return domain.AdoptionRequest{}, fmt.Errorf("request %s is %s: %w", id, r.Status, domain.ErrInvalidState)
	}
	r.Status = to
	r.Response = response
	r.RespondedAt = &at
	m.requests[id] = r
	if to == domain.StatusApproved {
		m.approved[router.ConversationID(r.RequesterID, r.OwnerID)] = struct{}{}
	}
	return r, nil
}

// ListRequests returns the requests userID made or received, newest first.
func (m *Memory) ListRequests(_ context.Context, userID string) ([]domain.AdoptionRequest, error) {
	m.reqMu.RLock()
	defer m.reqMu.RUnlock()
	out := lo.FilterMap(m.order, func(id string, _ int) (domain.AdoptionRequest, bool) {
		r := m.requests[id]
		return r, r.Involves(userID)
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// HasApprovedRequest reports whether a request between a and b was ever
// approved.
func (m *Memory) HasApprovedRequest(_ context.Context, a, b string) (bool, error) {
	m.reqMu.RLock()
	defer m.reqMu.RUnlock()
	_, ok := m.approved[router.ConversationID(a, b)]
	return ok, nil
}

// UpsertPet creates or replaces a pet listing.
func (m *Memory) UpsertPet(_ context.Context, p domain.Pet) error {
	m.dirMu.Lock()
	defer m.dirMu.Unlock()
	m.pets[p.ID] = p
	return nil
}

// GetPet returns the pet with id.
func (m *Memory) GetPet(_ context.Context, id string) (domain.Pet, error) {
	m.dirMu.RLock()
	defer m.dirMu.RUnlock()
	p, ok := m.pets[id]
	if !ok {
		return domain.Pet{}, fmt.Errorf("pet %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

// UpdatePetStatus sets the adoptability of a pet.
func (m *Memory) UpdatePetStatus(_ context.Context, id string, status domain.PetStatus) error {
	m.dirMu.Lock()
	defer m.dirMu.Unlock()
	p, ok := m.pets[id]
	if !ok {
		return fmt.Errorf("pet %s: %w", id, domain.ErrNotFound)
	}
	p.Status = status
	m.pets[id] = p
	return nil
}

// UpsertUser records an identity vouched for by the identity collaborator.
func (m *Memory) UpsertUser(_ context.Context, id domain.Identity) error {
	m.dirMu.Lock()
	defer m.dirMu.Unlock()
	m.users[id.UserID] = id.Role
	return nil
}

// UserExists reports whether userID was ever upserted.
func (m *Memory) UserExists(_ context.Context, userID string) (bool, error) {
	m.dirMu.RLock()
	defer m.dirMu.RUnlock()
	_, ok := m.users[userID]
	return ok, nil
}
