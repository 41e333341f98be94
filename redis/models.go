package redis

import (
	"time"

	"github.com/pawpair/adoption-chat/domain"
)

// A message represents a cached message. CreatedAt is kept as unix
// nanoseconds because hash fields are scanned by kind.
type message struct {
	ConversationID string `redis:"conversation_id"`
	SenderID       string `redis:"sender_id"`
	RecipientID    string `redis:"recipient_id"`
	Body           string `redis:"body"`
	CreatedAt      int64  `redis:"created_at"`
	ServerSeq      int64  `redis:"server_seq"`
}

func fromDomain(m domain.Message) message {
	return message{
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		RecipientID:    m.RecipientID,
		Body:           m.Body,
		CreatedAt:      m.CreatedAt.UnixNano(),
		ServerSeq:      m.ServerSeq,
	}
}

func (m message) DomainMessage() domain.Message {
	return domain.Message{
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		RecipientID:    m.RecipientID,
		Body:           m.Body,
		CreatedAt:      time.Unix(0, m.CreatedAt).UTC(),
		ServerSeq:      m.ServerSeq,
	}
}
