// Package adoption owns the lifecycle of adoption requests. Every successful
// transition emits exactly one notification; the committed transition is the
// source of truth even when that notification cannot be delivered.
package adoption

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pawpair/adoption-chat/domain"
)

// A Store persists adoption requests.
type Store interface {
	// InsertRequest fails with domain.ErrDuplicatePending when a pending
	// request exists for the same pet and requester. The check and the insert
	// are atomic.
	InsertRequest(ctx context.Context, r domain.AdoptionRequest) (domain.AdoptionRequest, error)
	GetRequest(ctx context.Context, id string) (domain.AdoptionRequest, error)
	// TransitionRequest moves a pending request to status to, failing with
	// domain.ErrInvalidState when it is no longer pending.
	TransitionRequest(ctx context.Context, id string, to domain.RequestStatus, response string, at time.Time) (domain.AdoptionRequest, error)
	ListRequests(ctx context.Context, userID string) ([]domain.AdoptionRequest, error)
}

// Pets is the listing collaborator.
type Pets interface {
	GetPet(ctx context.Context, id string) (domain.Pet, error)
	UpdatePetStatus(ctx context.Context, id string, status domain.PetStatus) error
}

// An Emitter persists and delivers a notification.
type Emitter interface {
	Emit(ctx context.Context, recipientID string, typ domain.NotificationType, payload any) (domain.Notification, error)
}

// A Conversations opener records that two users may now chat.
type Conversations interface {
	Open(a, b string) string
}

// Payload is the notification payload of every request transition.
type Payload struct {
	RequestID      string               `json:"request_id"`
	PetID          string               `json:"pet_id"`
	RequesterID    string               `json:"requester_id"`
	OwnerID        string               `json:"owner_id"`
	Status         domain.RequestStatus `json:"status"`
	Message        string               `json:"message,omitempty"`
	ConversationID string               `json:"conversation_id,omitempty"`
}

// Machine drives adoption requests through pending → approved | rejected |
// withdrawn.
type Machine struct {
	Logger        *slog.Logger
	Store         Store
	Pets          Pets
	Events        Emitter
	Conversations Conversations

	now   func() time.Time
	newID func() string
}

// New returns a Machine.
func New(log *slog.Logger, store Store, pets Pets, events Emitter, conversations Conversations) *Machine {
	return &Machine{
		Logger:        log,
		Store:         store,
		Pets:          pets,
		Events:        events,
		Conversations: conversations,
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

// Create opens a pending request by requesterID for petID and notifies the
// owner.
func (m *Machine) Create(ctx context.Context, petID, requesterID, message string) (domain.AdoptionRequest, error) {
	pet, err := m.Pets.GetPet(ctx, petID)
	if err != nil {
		return domain.AdoptionRequest{}, fmt.Errorf("get pet: %w", err)
	}
	if pet.OwnerID == requesterID {
		return domain.AdoptionRequest{}, domain.ErrSelfRequest
	}
	if pet.Status != domain.PetAvailable {
		return domain.AdoptionRequest{}, domain.ErrPetUnavailable
	}

	r, err := m.Store.InsertRequest(ctx, domain.AdoptionRequest{
		ID:          m.newID(),
		PetID:       petID,
		RequesterID: requesterID,
		OwnerID:     pet.OwnerID,
		Status:      domain.StatusPending,
		Message:     strings.TrimSpace(message),
		CreatedAt:   m.now().UTC(),
	})
	if err != nil {
		return domain.AdoptionRequest{}, fmt.Errorf("insert request: %w", err)
	}
	m.emit(ctx, r.OwnerID, domain.NotificationAdoptionRequest, r, r.Message, "")
	return r, nil
}

// Respond records the owner's decision on a pending request. Approval marks
// the pet pending and opens the conversation between owner and requester.
func (m *Machine) Respond(ctx context.Context, requestID, byOwnerID string, decision domain.Decision, message string) (domain.AdoptionRequest, error) {
	to, ok := decision.Status()
	if !ok {
		return domain.AdoptionRequest{}, fmt.Errorf("%w: unknown decision %q", domain.ErrInvalidInput, decision)
	}
	r, err := m.Store.GetRequest(ctx, requestID)
	if err != nil {
		return domain.AdoptionRequest{}, fmt.Errorf("get request: %w", err)
	}
	if r.OwnerID != byOwnerID {
		return domain.AdoptionRequest{}, domain.ErrNotOwner
	}
	if r.Status.Terminal() {
		return domain.AdoptionRequest{}, domain.ErrInvalidState
	}

	r, err = m.Store.TransitionRequest(ctx, requestID, to, strings.TrimSpace(message), m.now().UTC())
	if err != nil {
		return domain.AdoptionRequest{}, fmt.Errorf("transition request: %w", err)
	}

	switch to {
	case domain.StatusApproved:
		if err := m.Pets.UpdatePetStatus(ctx, r.PetID, domain.PetPending); err != nil {
			m.Logger.Error("Could not mark pet pending", "pet_id", r.PetID, "request_id", r.ID, "error", err.Error())
		}
		conversationID := m.Conversations.Open(r.RequesterID, r.OwnerID)
		m.emit(ctx, r.RequesterID, domain.NotificationRequestApproved, r, r.Response, conversationID)
	case domain.StatusRejected:
		m.emit(ctx, r.RequesterID, domain.NotificationRequestRejected, r, r.Response, "")
	}
	return r, nil
}

// Withdraw cancels a pending request on behalf of its requester and notifies
// the owner.
func (m *Machine) Withdraw(ctx context.Context, requestID, byRequesterID string) (domain.AdoptionRequest, error) {
	r, err := m.Store.GetRequest(ctx, requestID)
	if err != nil {
		return domain.AdoptionRequest{}, fmt.Errorf("get request: %w", err)
	}
	if r.RequesterID != byRequesterID {
		return domain.AdoptionRequest{}, domain.ErrNotOwner
	}
	if r.Status.Terminal() {
		return domain.AdoptionRequest{}, domain.ErrInvalidState
	}
	r, err = m.Store.TransitionRequest(ctx, requestID, domain.StatusWithdrawn, "", m.now().UTC())
	if err != nil {
		return domain.AdoptionRequest{}, fmt.Errorf("transition request: %w", err)
	}
	m.emit(ctx, r.OwnerID, domain.NotificationAdoptionRequest, r, "", "")
	return r, nil
}

// Get returns a request visible to byUserID.
func (m *Machine) Get(ctx context.Context, requestID, byUserID string) (domain.AdoptionRequest, error) {
	r, err := m.Store.GetRequest(ctx, requestID)
	if err != nil {
		return domain.AdoptionRequest{}, fmt.Errorf("get request: %w", err)
	}
	if !r.Involves(byUserID) {
		return domain.AdoptionRequest{}, domain.ErrNotOwner
	}
	return r, nil
}

// List returns the requests userID made or received.
func (m *Machine) List(ctx context.Context, userID string) ([]domain.AdoptionRequest, error) {
	rs, err := m.Store.ListRequests(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return rs, nil
}

// emit is the last step of every transition. Failures are logged: the
// transition has already committed.
func (m *Machine) emit(ctx context.Context, recipientID string, typ domain.NotificationType, r domain.AdoptionRequest, message, conversationID string) {
	_, err := m.Events.Emit(ctx, recipientID, typ, Payload{
		RequestID:      r.ID,
		PetID:          r.PetID,
		RequesterID:    r.RequesterID,
		OwnerID:        r.OwnerID,
		Status:         r.Status,
		Message:        message,
		ConversationID: conversationID,
	})
	if err != nil {
		m.Logger.Error("Could not emit request notification",
			"request_id", r.ID, "recipient_id", recipientID, "type", typ, "error", err.Error())
	}
}
