package api

import "github.com/pawpair/adoption-chat/domain"

type sendMessageRequest struct {
	RecipientID string `json:"recipient_id" validate:"required"`
	Body        string `json:"body" validate:"required,max=4000"`
}

type createRequestRequest struct {
	PetID   string `json:"pet_id" validate:"required"`
	Message string `json:"message" validate:"max=2000"`
}

type respondRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approve reject"`
	Message  string `json:"message" validate:"max=2000"`
}

type upsertPetRequest struct {
	Status string `json:"status" validate:"required,oneof=available pending adopted"`
}

type messagesResponse struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []domain.Message `json:"messages"`
}

type notificationsResponse struct {
	Notifications []domain.Notification `json:"notifications"`
	UnreadCount   int                   `json:"unread_count"`
}

type markAllReadResponse struct {
	Read []string `json:"read"`
}

type requestsResponse struct {
	Requests []domain.AdoptionRequest `json:"requests"`
}

// orEmpty keeps empty lists encoded as [] rather than null.
func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
