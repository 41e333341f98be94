package postgres

import (
	"encoding/json"
	"time"

	"github.com/pawpair/adoption-chat/domain"
)

// A conversation holds the serverSeq counter of one conversation. Appends lock
// its row, so only appends to the same conversation serialize.
type conversation struct {
	ID      string `bun:",pk"`
	LastSeq int64  `bun:",notnull,default:0"`
}

// A message represents a message in the database.
type message struct {
	ConversationID string    `bun:",pk"`
	ServerSeq      int64     `bun:",pk"`
	SenderID       string    `bun:",notnull"`
	RecipientID    string    `bun:",notnull"`
	Body           string    `bun:",notnull"`
	CreatedAt      time.Time `bun:",nullzero,notnull,default:now()"`
}

type notification struct {
	ID          string          `bun:",pk"`
	RecipientID string          `bun:",notnull"`
	Type        string          `bun:",notnull"`
	Payload     json.RawMessage `bun:"type:jsonb"`
	IsRead      bool            `bun:",notnull,default:false"`
	CreatedAt   time.Time       `bun:",nullzero,notnull,default:now()"`
}

type adoptionRequest struct {
	ID          string     `bun:",pk"`
	PetID       string     `bun:",notnull"`
	RequesterID string     `bun:",notnull"`
	OwnerID     string     `bun:",notnull"`
	Status      string     `bun:",notnull"`
	Message     string     `bun:",notnull,default:''"`
	Response    string     `bun:",notnull,default:''"`
	CreatedAt   time.Time  `bun:",nullzero,notnull,default:now()"`
	RespondedAt *time.Time `bun:",nullzero"`
}

type pet struct {
	ID      string `bun:",pk"`
	OwnerID string `bun:",notnull"`
	Status  string `bun:",notnull"`
}

type user struct {
	ID   string `bun:",pk"`
	Role string `bun:",notnull"`
}

func (m message) DomainMessage() domain.Message {
	return domain.Message{
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		RecipientID:    m.RecipientID,
		Body:           m.Body,
		CreatedAt:      m.CreatedAt,
		ServerSeq:      m.ServerSeq,
	}
}

func (n notification) DomainNotification() domain.Notification {
	return domain.Notification{
		ID:          n.ID,
		RecipientID: n.RecipientID,
		Type:        domain.NotificationType(n.Type),
		Payload:     n.Payload,
		IsRead:      n.IsRead,
		CreatedAt:   n.CreatedAt,
	}
}

func (r adoptionRequest) DomainRequest() domain.AdoptionRequest {
	return domain.AdoptionRequest{
		ID:          r.ID,
		PetID:       r.PetID,
		RequesterID: r.RequesterID,
		OwnerID:     r.OwnerID,
		Status:      domain.RequestStatus(r.Status),
		Message:     r.Message,
		Response:    r.Response,
		CreatedAt:   r.CreatedAt,
		RespondedAt: r.RespondedAt,
	}
}

func (p pet) DomainPet() domain.Pet {
	return domain.Pet{
		ID:      p.ID,
		OwnerID: p.OwnerID,
		Status:  domain.PetStatus(p.Status),
	}
}
