// Package domain holds the types shared by the messaging core: identities,
// messages, notifications and adoption requests, plus the event contracts
// exchanged with connected sessions.
package domain

import (
	"encoding/json"
	"time"
)

// A Role tags an identity supplied by the authentication collaborator.
type Role string

const (
	RoleAdopter      Role = "adopter"
	RoleShelterOwner Role = "shelter-owner"
	RoleAdmin        Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdopter, RoleShelterOwner, RoleAdmin:
		return true
	}
	return false
}

// An Identity is a verified user handed to the core. It is never re-validated.
type Identity struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// A Message is one entry of a conversation log.
type Message struct {
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	RecipientID    string    `json:"recipient_id"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
	ServerSeq      int64     `json:"server_seq"`
}

// NotificationType is the closed set of notification kinds.
type NotificationType string

const (
	NotificationAdoptionRequest NotificationType = "adoption_request"
	NotificationRequestApproved NotificationType = "request_approved"
	NotificationRequestRejected NotificationType = "request_rejected"
	NotificationMessage         NotificationType = "message"
)

// A Notification is a per-user record produced by the fan-out.
type Notification struct {
	ID          string           `json:"id"`
	RecipientID string           `json:"recipient_id"`
	Type        NotificationType `json:"type"`
	Payload     json.RawMessage  `json:"payload"`
	IsRead      bool             `json:"is_read"`
	CreatedAt   time.Time        `json:"created_at"`
}

// RequestStatus is the lifecycle state of an adoption request.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusApproved  RequestStatus = "approved"
	StatusRejected  RequestStatus = "rejected"
	StatusWithdrawn RequestStatus = "withdrawn"
)

// Terminal reports whether no further transition is allowed from s.
func (s RequestStatus) Terminal() bool {
	return s != StatusPending
}

// Decision is an owner's answer to a pending request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Status returns the request status a decision leads to.
func (d Decision) Status() (RequestStatus, bool) {
	switch d {
	case DecisionApprove:
		return StatusApproved, true
	case DecisionReject:
		return StatusRejected, true
	}
	return "", false
}

// An AdoptionRequest asks a pet's owner to let the requester adopt it.
type AdoptionRequest struct {
	ID          string        `json:"id"`
	PetID       string        `json:"pet_id"`
	RequesterID string        `json:"requester_id"`
	OwnerID     string        `json:"owner_id"`
	Status      RequestStatus `json:"status"`
	Message     string        `json:"message,omitempty"`
	Response    string        `json:"response,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	RespondedAt *time.Time    `json:"responded_at,omitempty"`
}

// Involves reports whether userID is the requester or the owner.
func (r AdoptionRequest) Involves(userID string) bool {
	return r.RequesterID == userID || r.OwnerID == userID
}

// PetStatus is the adoptability of a listing. Listings themselves live outside
// the core.
type PetStatus string

const (
	PetAvailable PetStatus = "available"
	PetPending   PetStatus = "pending"
	PetAdopted   PetStatus = "adopted"
)

// A Pet is the slice of a listing the state machine needs.
type Pet struct {
	ID      string    `json:"id"`
	OwnerID string    `json:"owner_id"`
	Status  PetStatus `json:"status"`
}
