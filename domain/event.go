package domain

import (
	"encoding/json"
	"fmt"
)

// EventType keys the event envelope exchanged over a session.
type EventType string

// Outbound event types.
const (
	EventMessageDelivered    EventType = "message.delivered"
	EventMessageSent         EventType = "message.sent"
	EventMessageTyping       EventType = "message.typing"
	EventNotificationCreated EventType = "notification.created"
	EventNotificationRead    EventType = "notification.read"
	EventNotificationsRead   EventType = "notification.read_all"
	EventError               EventType = "error"
)

// Inbound event types.
const (
	EventSend        EventType = "message.send"
	EventTypingStart EventType = "typing.start"
	EventTypingStop  EventType = "typing.stop"
)

// An Event is an outbound event pushed to a live session.
type Event interface {
	Type() EventType
}

// MessageDelivered carries a persisted message to recipient and sender sessions.
type MessageDelivered struct {
	Message Message `json:"message"`
}

// MessageSent acknowledges a send command to the session that issued it.
type MessageSent struct {
	ClientRef      string `json:"client_ref,omitempty"`
	ConversationID string `json:"conversation_id"`
	ServerSeq      int64  `json:"server_seq"`
}

// Typing tells a recipient whether the sender is typing.
type Typing struct {
	SenderID string `json:"sender_id"`
	IsTyping bool   `json:"is_typing"`
}

// NotificationCreated pushes a freshly persisted notification.
type NotificationCreated struct {
	Notification Notification `json:"notification"`
}

// NotificationRead tells every session of a user that a notification was read.
type NotificationRead struct {
	NotificationID string `json:"notification_id"`
}

// NotificationsRead lists every notification a mark-all-read call flipped.
type NotificationsRead struct {
	NotificationIDs []string `json:"notification_ids"`
}

// ErrorEvent reports a failed inbound command back to the issuing session.
type ErrorEvent struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	ClientRef string `json:"client_ref,omitempty"`
}

func (MessageDelivered) Type() EventType    { return EventMessageDelivered }
func (MessageSent) Type() EventType         { return EventMessageSent }
func (Typing) Type() EventType              { return EventMessageTyping }
func (NotificationCreated) Type() EventType { return EventNotificationCreated }
func (NotificationRead) Type() EventType    { return EventNotificationRead }
func (NotificationsRead) Type() EventType   { return EventNotificationsRead }
func (ErrorEvent) Type() EventType          { return EventError }

// Envelope is the wire shape of every event.
type Envelope struct {
	Event   EventType       `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps e in an envelope.
func Encode(e Event) (Envelope, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", e.Type(), err)
	}
	return Envelope{Event: e.Type(), Payload: b}, nil
}

// Decode turns an outbound envelope back into its typed event.
func Decode(env Envelope) (Event, error) {
	var (
		e   Event
		err error
	)
	switch env.Event {
	case EventMessageDelivered:
		var v MessageDelivered
		err = json.Unmarshal(env.Payload, &v)
		e = v
	case EventMessageSent:
		var v MessageSent
		err = json.Unmarshal(env.Payload, &v)
		e = v
	case EventMessageTyping:
		var v Typing
		err = json.Unmarshal(env.Payload, &v)
		e = v
	case EventNotificationCreated:
		var v NotificationCreated
		err = json.Unmarshal(env.Payload, &v)
		e = v
	case EventNotificationRead:
		var v NotificationRead
		err = json.Unmarshal(env.Payload, &v)
		e = v
	case EventNotificationsRead:
		var v NotificationsRead
		err = json.Unmarshal(env.Payload, &v)
		e = v
	case EventError:
		var v ErrorEvent
		err = json.Unmarshal(env.Payload, &v)
		e = v
	default:
		return nil, fmt.Errorf("%w: unknown event %q", ErrInvalidInput, env.Event)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidInput, env.Event, err)
	}
	return e, nil
}

// A Command is an inbound event sent by a session.
type Command interface {
	Type() EventType
}

// SendCommand asks to send a chat message.
type SendCommand struct {
	RecipientID string `json:"recipient_id"`
	Body        string `json:"body"`
	ClientRef   string `json:"client_ref,omitempty"`
}

// TypingCommand starts or stops a typing indicator toward a recipient.
type TypingCommand struct {
	RecipientID string `json:"recipient_id"`
	Stop        bool   `json:"-"`
}

func (SendCommand) Type() EventType { return EventSend }

func (c TypingCommand) Type() EventType {
	if c.Stop {
		return EventTypingStop
	}
	return EventTypingStart
}

// DecodeCommand parses an inbound envelope.
func DecodeCommand(env Envelope) (Command, error) {
	switch env.Event {
	case EventSend:
		var c SendCommand
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidInput, env.Event, err)
		}
		return c, nil
	case EventTypingStart, EventTypingStop:
		var c TypingCommand
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidInput, env.Event, err)
		}
		c.Stop = env.Event == EventTypingStop
		return c, nil
	}
	return nil, fmt.Errorf("%w: unknown command %q", ErrInvalidInput, env.Event)
}
