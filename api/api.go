package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/pawpair/adoption-chat/api/validator"
	"github.com/pawpair/adoption-chat/auth"
	"github.com/pawpair/adoption-chat/domain"
	"github.com/pawpair/adoption-chat/registry"
)

// An Authenticator is the identity collaborator: it turns a request into a
// verified identity.
type Authenticator interface {
	Authenticate(r *http.Request) (domain.Identity, error)
}

// A Directory records every identity the collaborator vouched for.
type Directory interface {
	UpsertUser(ctx context.Context, id domain.Identity) error
}

// Chat is the messaging core.
type Chat interface {
	Connect(id domain.Identity, sink registry.Sink) string
	Disconnect(userID, sessionID string)
	Send(ctx context.Context, senderID, recipientID, body string) (domain.Message, error)
	FetchHistory(ctx context.Context, userID, conversationID string, afterSeq int64, limit int) ([]domain.Message, error)
	StartTyping(ctx context.Context, senderID, recipientID string) error
	StopTyping(senderID, recipientID string)
}

// Notifications is the notification fan-out.
type Notifications interface {
	List(ctx context.Context, userID string, unreadOnly bool) ([]domain.Notification, int, error)
	MarkRead(ctx context.Context, id, byUserID string) error
	MarkAllRead(ctx context.Context, userID string) ([]string, error)
	Delete(ctx context.Context, id, byUserID string) error
}

// Requests is the adoption request state machine.
type Requests interface {
	Create(ctx context.Context, petID, requesterID, message string) (domain.AdoptionRequest, error)
	Respond(ctx context.Context, requestID, byOwnerID string, decision domain.Decision, message string) (domain.AdoptionRequest, error)
	Withdraw(ctx context.Context, requestID, byRequesterID string) (domain.AdoptionRequest, error)
	Get(ctx context.Context, requestID, byUserID string) (domain.AdoptionRequest, error)
	List(ctx context.Context, userID string) ([]domain.AdoptionRequest, error)
}

// Pets is the slice of the listing catalogue exposed to shelter owners.
type Pets interface {
	UpsertPet(ctx context.Context, p domain.Pet) error
	GetPet(ctx context.Context, id string) (domain.Pet, error)
}

// A Presence reports whether a user is online.
type Presence interface {
	Status(ctx context.Context, userID string) registry.Presence
}

// API provides the REST and websocket endpoints for the application.
type API struct {
	Logger        *slog.Logger
	Auth          Authenticator
	Users         Directory
	Chat          Chat
	Notifications Notifications
	Requests      Requests
	Pets          Pets
	Presence      Presence
	Val           *validator.Validator

	// Upgrader upgrades /ws requests; the zero value is used when nil.
	Upgrader *websocket.Upgrader
	// SessionBuffer bounds the outbound queue of each websocket session.
	SessionBuffer int

	once sync.Once
	mux  *http.ServeMux
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, id domain.Identity)

func (a *API) setupRoutes() {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /conversations/{conversationID}/messages", a.authenticated(a.listMessages))
	mux.HandleFunc("POST /messages", a.authenticated(a.createMessage))

	mux.HandleFunc("GET /notifications", a.authenticated(a.listNotifications))
	mux.HandleFunc("POST /notifications/read", a.authenticated(a.markAllRead))
	mux.HandleFunc("POST /notifications/{id}/read", a.authenticated(a.markRead))
	mux.HandleFunc("DELETE /notifications/{id}", a.authenticated(a.deleteNotification))

	mux.HandleFunc("POST /requests", a.authenticated(a.createRequest))
	mux.HandleFunc("GET /requests", a.authenticated(a.listRequests))
	mux.HandleFunc("GET /requests/{id}", a.authenticated(a.getRequest))
	mux.HandleFunc("POST /requests/{id}/respond", a.authenticated(a.respondRequest))
	mux.HandleFunc("POST /requests/{id}/withdraw", a.authenticated(a.withdrawRequest))

	mux.HandleFunc("PUT /pets/{petID}", a.authenticated(a.upsertPet))
	mux.HandleFunc("GET /pets/{petID}", a.authenticated(a.getPet))

	mux.HandleFunc("GET /users/{userID}/presence", a.authenticated(a.getPresence))

	mux.HandleFunc("GET /ws", a.authenticated(a.serveWS))

	a.mux = mux
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.once.Do(a.setupRoutes)
	a.Logger.Info("Request received", "method", r.Method, "path", r.URL.Path)
	a.mux.ServeHTTP(w, r)
}

// authenticated resolves the caller's identity and records it in the
// directory before running h.
func (a *API) authenticated(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Auth.Authenticate(r)
		if err != nil {
			a.respondError(w, http.StatusUnauthorized, err, "Unauthenticated")
			return
		}
		if err := a.Users.UpsertUser(r.Context(), id); err != nil {
			a.respondDomainError(w, err, "Could not record user")
			return
		}
		h(w, r, id)
	}
}

func (a *API) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.Logger.Error("Could not encode JSON body", "error", err.Error())
	}
}

func (a *API) respondError(w http.ResponseWriter, status int, err error, msg string) {
	type response struct {
		Error string `json:"error"`
	}
	if status >= http.StatusInternalServerError {
		a.Logger.Error("Error", "status", status, "error", err.Error())
	} else {
		a.Logger.Warn("Request rejected", "status", status, "error", err.Error())
	}
	a.respond(w, status, response{Error: msg})
}

// respondDomainError answers with the status of the error class. Client
// errors carry the error text; server errors carry msg only.
func (a *API) respondDomainError(w http.ResponseWriter, err error, msg string) {
	status := statusOf(err)
	if status < http.StatusInternalServerError {
		msg = err.Error()
	}
	a.respondError(w, status, err, msg)
}

func statusOf(err error) int {
	if errors.Is(err, auth.ErrUnauthenticated) {
		return http.StatusUnauthorized
	}
	switch domain.ClassOf(err) {
	case domain.ClassAuthorization:
		return http.StatusForbidden
	case domain.ClassState:
		return http.StatusConflict
	case domain.ClassInfrastructure:
		return http.StatusServiceUnavailable
	case domain.ClassNotFound:
		return http.StatusNotFound
	case domain.ClassInvalid:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (a *API) validateBody(w http.ResponseWriter, s interface{}) bool {
	errs := a.Val.ValidateStruct(s)
	type response struct {
		Errors []validator.ValidationError `json:"errors"`
	}

	if len(errs) > 0 {
		a.respond(w, http.StatusBadRequest, &response{
			Errors: errs,
		})
		return false
	}
	return true
}

// decodeBody decodes and validates a JSON request body into v.
func (a *API) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.respondError(w, http.StatusBadRequest, err, "Could not decode request body")
		return false
	}
	return a.validateBody(w, v)
}

func (a *API) listMessages(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	conversationID := r.PathValue("conversationID")
	q := r.URL.Query()

	var afterSeq int64
	if s := q.Get("after"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			a.respondError(w, http.StatusBadRequest, errors.New("invalid after"), "Invalid after parameter")
			return
		}
		afterSeq = n
	}
	var limit int
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			a.respondError(w, http.StatusBadRequest, err, "Invalid limit parameter")
			return
		}
		limit = n
	}

	msgs, err := a.Chat.FetchHistory(r.Context(), id.UserID, conversationID, afterSeq, limit)
	if err != nil {
		a.respondDomainError(w, err, "Could not list messages")
		return
	}
	a.Logger.Info("Got messages", "conversation_id", conversationID, "count", len(msgs))

	a.respond(w, http.StatusOK, messagesResponse{
		ConversationID: conversationID,
		Messages:       orEmpty(msgs),
	})
}

func (a *API) createMessage(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	var body sendMessageRequest
	if !a.decodeBody(w, r, &body) {
		return
	}

	msg, err := a.Chat.Send(r.Context(), id.UserID, body.RecipientID, body.Body)
	if err != nil {
		a.respondDomainError(w, err, "Could not send message")
		return
	}

	a.respond(w, http.StatusCreated, msg)
}

func (a *API) listNotifications(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	unreadOnly, _ := strconv.ParseBool(r.URL.Query().Get("unread"))

	ns, unread, err := a.Notifications.List(r.Context(), id.UserID, unreadOnly)
	if err != nil {
		a.respondDomainError(w, err, "Could not list notifications")
		return
	}

	a.respond(w, http.StatusOK, notificationsResponse{
		Notifications: orEmpty(ns),
		UnreadCount:   unread,
	})
}

func (a *API) markRead(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	if err := a.Notifications.MarkRead(r.Context(), r.PathValue("id"), id.UserID); err != nil {
		a.respondDomainError(w, err, "Could not mark notification read")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) markAllRead(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	ids, err := a.Notifications.MarkAllRead(r.Context(), id.UserID)
	if err != nil {
		a.respondDomainError(w, err, "Could not mark notifications read")
		return
	}
	a.respond(w, http.StatusOK, markAllReadResponse{Read: orEmpty(ids)})
}

func (a *API) deleteNotification(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	if err := a.Notifications.Delete(r.Context(), r.PathValue("id"), id.UserID); err != nil {
		a.respondDomainError(w, err, "Could not delete notification")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) createRequest(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	var body createRequestRequest
	if !a.decodeBody(w, r, &body) {
		return
	}

	req, err := a.Requests.Create(r.Context(), body.PetID, id.UserID, body.Message)
	if err != nil {
		a.respondDomainError(w, err, "Could not create request")
		return
	}
	a.respond(w, http.StatusCreated, req)
}

func (a *API) listRequests(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	rs, err := a.Requests.List(r.Context(), id.UserID)
	if err != nil {
		a.respondDomainError(w, err, "Could not list requests")
		return
	}
	a.respond(w, http.StatusOK, requestsResponse{Requests: orEmpty(rs)})
}

func (a *API) getRequest(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	req, err := a.Requests.Get(r.Context(), r.PathValue("id"), id.UserID)
	if err != nil {
		a.respondDomainError(w, err, "Could not get request")
		return
	}
	a.respond(w, http.StatusOK, req)
}

func (a *API) respondRequest(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	var body respondRequest
	if !a.decodeBody(w, r, &body) {
		return
	}

	req, err := a.Requests.Respond(r.Context(), r.PathValue("id"), id.UserID, domain.Decision(body.Decision), body.Message)
	if err != nil {
		a.respondDomainError(w, err, "Could not respond to request")
		return
	}
	a.respond(w, http.StatusOK, req)
}

func (a *API) withdrawRequest(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	req, err := a.Requests.Withdraw(r.Context(), r.PathValue("id"), id.UserID)
	if err != nil {
		a.respondDomainError(w, err, "Could not withdraw request")
		return
	}
	a.respond(w, http.StatusOK, req)
}

// upsertPet lets a shelter owner list a pet or change its status. Only the
// listing owner or an admin may modify an existing listing.
func (a *API) upsertPet(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	if id.Role != domain.RoleShelterOwner && id.Role != domain.RoleAdmin {
		a.respondDomainError(w, domain.ErrNotOwner, "")
		return
	}
	var body upsertPetRequest
	if !a.decodeBody(w, r, &body) {
		return
	}

	pet := domain.Pet{ID: r.PathValue("petID"), OwnerID: id.UserID, Status: domain.PetStatus(body.Status)}
	existing, err := a.Pets.GetPet(r.Context(), pet.ID)
	switch {
	case err == nil:
		if existing.OwnerID != id.UserID && id.Role != domain.RoleAdmin {
			a.respondDomainError(w, domain.ErrNotOwner, "")
			return
		}
		pet.OwnerID = existing.OwnerID
	case domain.ClassOf(err) != domain.ClassNotFound:
		a.respondDomainError(w, err, "Could not get pet")
		return
	}

	if err := a.Pets.UpsertPet(r.Context(), pet); err != nil {
		a.respondDomainError(w, err, "Could not save pet")
		return
	}
	a.respond(w, http.StatusOK, pet)
}

func (a *API) getPet(w http.ResponseWriter, r *http.Request, _ domain.Identity) {
	pet, err := a.Pets.GetPet(r.Context(), r.PathValue("petID"))
	if err != nil {
		a.respondDomainError(w, err, "Could not get pet")
		return
	}
	a.respond(w, http.StatusOK, pet)
}

func (a *API) getPresence(w http.ResponseWriter, r *http.Request, _ domain.Identity) {
	a.respond(w, http.StatusOK, a.Presence.Status(r.Context(), r.PathValue("userID")))
}
