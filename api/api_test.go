package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/neilotoole/slogt"

	"github.com/pawpair/adoption-chat/api/validator"
	"github.com/pawpair/adoption-chat/auth"
	"github.com/pawpair/adoption-chat/domain"
	"github.com/pawpair/adoption-chat/registry"
)

var day = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestAPI_authentication(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		users      *testusers
		wantStatus int
		wantBody   string
	}{
		{
			name:       "MissingToken",
			wantStatus: 401,
			wantBody: `{
				"error": "Unauthenticated"
			}`,
		},
		{
			name:  "DirectoryDown",
			token: "adopter:adopter",
			users: &testusers{
				upsertUser: func(t *testing.T, id domain.Identity) error {
					return fmt.Errorf("upsert: %w", domain.ErrStoreUnavailable)
				},
			},
			wantStatus: 503,
			wantBody: `{
				"error": "Could not record user"
			}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t, slogt.New(t))
			if tt.users != nil {
				tt.users.T = t
				api.Users = tt.users
			}

			srv := httptest.NewServer(api)
			defer srv.Close()

			resp := do(t, srv, "GET", "/notifications", tt.token, "")
			checkStatus(t, resp.StatusCode, tt.wantStatus)
			checkBody(t, resp, tt.wantBody)
		})
	}
}

func TestAPI_listMessages(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		chat       *testchat
		wantStatus int
		wantBody   string
	}{
		{
			name:       "InvalidAfter",
			path:       "/conversations/adopter~owner/messages?after=abc",
			wantStatus: 400,
			wantBody: `{
				"error": "Invalid after parameter"
			}`,
		},
		{
			name: "NotParticipant",
			path: "/conversations/other~owner/messages",
			chat: &testchat{
				fetchHistory: func(t *testing.T, userID, conversationID string, afterSeq int64, limit int) ([]domain.Message, error) {
					return nil, domain.ErrNotParticipant
				},
			},
			wantStatus: 403,
			wantBody: `{
				"error": "not a participant of the conversation"
			}`,
		},
		{
			name: "StoreUnavailable",
			path: "/conversations/adopter~owner/messages",
			chat: &testchat{
				fetchHistory: func(t *testing.T, userID, conversationID string, afterSeq int64, limit int) ([]domain.Message, error) {
					return nil, fmt.Errorf("read: %w", domain.ErrStoreUnavailable)
				},
			},
			wantStatus: 503,
			wantBody: `{
				"error": "Could not list messages"
			}`,
		},
		{
			name: "Empty",
			path: "/conversations/adopter~owner/messages",
			chat: &testchat{
				fetchHistory: func(t *testing.T, userID, conversationID string, afterSeq int64, limit int) ([]domain.Message, error) {
					return nil, nil
				},
			},
			wantStatus: 200,
			wantBody: `{
				"conversation_id": "adopter~owner",
				"messages": []
			}`,
		},
		{
			name: "OK",
			path: "/conversations/adopter~owner/messages?after=1&limit=10",
			chat: &testchat{
				fetchHistory: func(t *testing.T, userID, conversationID string, afterSeq int64, limit int) ([]domain.Message, error) {
					if userID != "adopter" {
						t.Errorf("Got userID %q, want adopter", userID)
					}
					if afterSeq != 1 || limit != 10 {
						t.Errorf("Got after=%d limit=%d, want 1 and 10", afterSeq, limit)
					}
					return []domain.Message{
						{
							ConversationID: conversationID,
							SenderID:       "owner",
							RecipientID:    "adopter",
							Body:           "Hi!",
							CreatedAt:      day,
							ServerSeq:      2,
						},
					}, nil
				},
			},
			wantStatus: 200,
			wantBody: `{
				"conversation_id": "adopter~owner",
				"messages": [
					{
						"conversation_id": "adopter~owner",
						"sender_id": "owner",
						"recipient_id": "adopter",
						"body": "Hi!",
						"created_at": "2024-01-01T00:00:00Z",
						"server_seq": 2
					}
				]
			}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t, slogt.New(t))
			if tt.chat != nil {
				tt.chat.T = t
				api.Chat = tt.chat
			}

			srv := httptest.NewServer(api)
			defer srv.Close()

			resp := do(t, srv, "GET", tt.path, "adopter:adopter", "")
			checkStatus(t, resp.StatusCode, tt.wantStatus)
			checkBody(t, resp, tt.wantBody)
		})
	}
}

func TestAPI_createMessage(t *testing.T) {
	tests := []struct {
		name        string
		chat        *testchat
		req         string
		wantStatus  int
		wantBody    string
		containsLog string
	}{
		{
			name:       "InvalidJSON",
			req:        `not json`,
			wantStatus: 400,
			wantBody: `{
				"error": "Could not decode request body"
			}`,
		},
		{
			name:       "MissingFields",
			req:        `{}`,
			wantStatus: 400,
			wantBody: `{
				"errors": [
					{"field": "recipient_id", "message": "is required"},
					{"field": "body", "message": "is required"}
				]
			}`,
		},
		{
			name: "NoApprovedRequest",
			req: `{
				"recipient_id": "owner",
				"body": "hello"
			}`,
			chat: &testchat{
				send: func(t *testing.T, senderID, recipientID, body string) (domain.Message, error) {
					return domain.Message{}, domain.ErrNoApprovedRequest
				},
			},
			wantStatus: 403,
			wantBody: `{
				"error": "no approved adoption request between users"
			}`,
			containsLog: "Request rejected",
		},
		{
			name: "StoreError",
			req: `{
				"recipient_id": "owner",
				"body": "hello"
			}`,
			chat: &testchat{
				send: func(t *testing.T, senderID, recipientID, body string) (domain.Message, error) {
					return domain.Message{}, errors.New("something went wrong")
				},
			},
			wantStatus: 500,
			wantBody: `{
				"error": "Could not send message"
			}`,
			containsLog: "something went wrong",
		},
		{
			name: "OK",
			req: `{
				"recipient_id": "owner",
				"body": "hello"
			}`,
			chat: &testchat{
				send: func(t *testing.T, senderID, recipientID, body string) (domain.Message, error) {
					if senderID != "adopter" {
						t.Errorf("Got senderID %q, want adopter", senderID)
					}
					if body != "hello" {
						t.Errorf("Got body %q, want hello", body)
					}
					return domain.Message{
						ConversationID: "adopter~owner",
						SenderID:       senderID,
						RecipientID:    recipientID,
						Body:           body,
						CreatedAt:      day,
						ServerSeq:      1,
					}, nil
				},
			},
			wantStatus: 201,
			wantBody: `{
				"conversation_id": "adopter~owner",
				"sender_id": "adopter",
				"recipient_id": "owner",
				"body": "hello",
				"created_at": "2024-01-01T00:00:00Z",
				"server_seq": 1
			}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			api := newTestAPI(t, slog.New(slog.NewTextHandler(buf, nil)))
			if tt.chat != nil {
				tt.chat.T = t
				api.Chat = tt.chat
			}

			srv := httptest.NewServer(api)
			defer srv.Close()

			resp := do(t, srv, "POST", "/messages", "adopter:adopter", tt.req)
			checkStatus(t, resp.StatusCode, tt.wantStatus)
			checkBody(t, resp, tt.wantBody)
			checkLog(t, buf, tt.containsLog)
		})
	}
}

func TestAPI_notifications(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		notes      *testnotifications
		wantStatus int
		wantBody   string
	}{
		{
			name:   "ListUnread",
			method: "GET",
			path:   "/notifications?unread=true",
			notes: &testnotifications{
				list: func(t *testing.T, userID string, unreadOnly bool) ([]domain.Notification, int, error) {
					if !unreadOnly {
						t.Error("Got unreadOnly false, want true")
					}
					return []domain.Notification{
						{
							ID:          "n1",
							RecipientID: userID,
							Type:        domain.NotificationRequestApproved,
							Payload:     json.RawMessage(`{"request_id":"r1"}`),
							CreatedAt:   day,
						},
					}, 1, nil
				},
			},
			wantStatus: 200,
			wantBody: `{
				"notifications": [
					{
						"id": "n1",
						"recipient_id": "adopter",
						"type": "request_approved",
						"payload": {"request_id": "r1"},
						"is_read": false,
						"created_at": "2024-01-01T00:00:00Z"
					}
				],
				"unread_count": 1
			}`,
		},
		{
			name:   "MarkReadNotOwner",
			method: "POST",
			path:   "/notifications/n1/read",
			notes: &testnotifications{
				markRead: func(t *testing.T, id, byUserID string) error {
					if id != "n1" {
						t.Errorf("Got id %q, want n1", id)
					}
					return domain.ErrNotOwner
				},
			},
			wantStatus: 403,
			wantBody: `{
				"error": "not owner"
			}`,
		},
		{
			name:   "MarkAllRead",
			method: "POST",
			path:   "/notifications/read",
			notes: &testnotifications{
				markAllRead: func(t *testing.T, userID string) ([]string, error) {
					return []string{"n1", "n2"}, nil
				},
			},
			wantStatus: 200,
			wantBody: `{
				"read": ["n1", "n2"]
			}`,
		},
		{
			name:   "DeleteMissing",
			method: "DELETE",
			path:   "/notifications/n9",
			notes: &testnotifications{
				delete: func(t *testing.T, id, byUserID string) error {
					return fmt.Errorf("notification %s: %w", id, domain.ErrNotFound)
				},
			},
			wantStatus: 404,
			wantBody: `{
				"error": "notification n9: not found"
			}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t, slogt.New(t))
			tt.notes.T = t
			api.Notifications = tt.notes

			srv := httptest.NewServer(api)
			defer srv.Close()

			resp := do(t, srv, tt.method, tt.path, "adopter:adopter", "")
			checkStatus(t, resp.StatusCode, tt.wantStatus)
			checkBody(t, resp, tt.wantBody)
		})
	}
}

func TestAPI_requests(t *testing.T) {
	approved := domain.AdoptionRequest{
		ID:          "r1",
		PetID:       "rex",
		RequesterID: "adopter",
		OwnerID:     "owner",
		Status:      domain.StatusApproved,
		CreatedAt:   day,
		RespondedAt: &day,
	}

	tests := []struct {
		name       string
		method     string
		path       string
		token      string
		req        string
		requests   *testrequests
		wantStatus int
		wantBody   string
	}{
		{
			name:   "CreateDuplicate",
			method: "POST",
			path:   "/requests",
			token:  "adopter:adopter",
			req:    `{"pet_id": "rex"}`,
			requests: &testrequests{
				create: func(t *testing.T, petID, requesterID, message string) (domain.AdoptionRequest, error) {
					return domain.AdoptionRequest{}, domain.ErrDuplicatePending
				},
			},
			wantStatus: 409,
			wantBody: `{
				"error": "a pending request already exists for this pet"
			}`,
		},
		{
			name:       "RespondUnknownDecision",
			method:     "POST",
			path:       "/requests/r1/respond",
			token:      "owner:shelter-owner",
			req:        `{"decision": "maybe"}`,
			requests:   &testrequests{},
			wantStatus: 400,
			wantBody: `{
				"errors": [
					{"field": "decision", "message": "must be one of: approve reject"}
				]
			}`,
		},
		{
			name:   "RespondApprove",
			method: "POST",
			path:   "/requests/r1/respond",
			token:  "owner:shelter-owner",
			req:    `{"decision": "approve"}`,
			requests: &testrequests{
				respond: func(t *testing.T, requestID, byOwnerID string, decision domain.Decision, message string) (domain.AdoptionRequest, error) {
					if requestID != "r1" || byOwnerID != "owner" || decision != domain.DecisionApprove {
						t.Errorf("Got respond(%q, %q, %q)", requestID, byOwnerID, decision)
					}
					return approved, nil
				},
			},
			wantStatus: 200,
			wantBody: `{
				"id": "r1",
				"pet_id": "rex",
				"requester_id": "adopter",
				"owner_id": "owner",
				"status": "approved",
				"created_at": "2024-01-01T00:00:00Z",
				"responded_at": "2024-01-01T00:00:00Z"
			}`,
		},
		{
			name:   "WithdrawTerminal",
			method: "POST",
			path:   "/requests/r1/withdraw",
			token:  "adopter:adopter",
			requests: &testrequests{
				withdraw: func(t *testing.T, requestID, byRequesterID string) (domain.AdoptionRequest, error) {
					return domain.AdoptionRequest{}, fmt.Errorf("request r1 is approved: %w", domain.ErrInvalidState)
				},
			},
			wantStatus: 409,
			wantBody: `{
				"error": "request r1 is approved: invalid request state"
			}`,
		},
		{
			name:   "ListEmpty",
			method: "GET",
			path:   "/requests",
			token:  "adopter:adopter",
			requests: &testrequests{
				list: func(t *testing.T, userID string) ([]domain.AdoptionRequest, error) {
					return nil, nil
				},
			},
			wantStatus: 200,
			wantBody: `{
				"requests": []
			}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t, slogt.New(t))
			tt.requests.T = t
			api.Requests = tt.requests

			srv := httptest.NewServer(api)
			defer srv.Close()

			resp := do(t, srv, tt.method, tt.path, tt.token, tt.req)
			checkStatus(t, resp.StatusCode, tt.wantStatus)
			checkBody(t, resp, tt.wantBody)
		})
	}
}

func TestAPI_upsertPet(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		existing   *domain.Pet
		wantStatus int
		wantBody   string
	}{
		{
			name:       "AdopterForbidden",
			token:      "adopter:adopter",
			wantStatus: 403,
			wantBody: `{
				"error": "not owner"
			}`,
		},
		{
			name:       "OtherOwnersPet",
			token:      "owner:shelter-owner",
			existing:   &domain.Pet{ID: "rex", OwnerID: "someone", Status: domain.PetAvailable},
			wantStatus: 403,
			wantBody: `{
				"error": "not owner"
			}`,
		},
		{
			name:       "Create",
			token:      "owner:shelter-owner",
			wantStatus: 200,
			wantBody: `{
				"id": "rex",
				"owner_id": "owner",
				"status": "available"
			}`,
		},
		{
			name:       "AdminKeepsOwner",
			token:      "root:admin",
			existing:   &domain.Pet{ID: "rex", OwnerID: "owner", Status: domain.PetPending},
			wantStatus: 200,
			wantBody: `{
				"id": "rex",
				"owner_id": "owner",
				"status": "available"
			}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t, slogt.New(t))
			api.Pets = &testpets{
				T: t,
				getPet: func(t *testing.T, id string) (domain.Pet, error) {
					if tt.existing == nil {
						return domain.Pet{}, fmt.Errorf("pet %s: %w", id, domain.ErrNotFound)
					}
					return *tt.existing, nil
				},
				upsertPet: func(t *testing.T, p domain.Pet) error {
					return nil
				},
			}

			srv := httptest.NewServer(api)
			defer srv.Close()

			resp := do(t, srv, "PUT", "/pets/rex", tt.token, `{"status": "available"}`)
			checkStatus(t, resp.StatusCode, tt.wantStatus)
			checkBody(t, resp, tt.wantBody)
		})
	}
}

func TestAPI_getPresence(t *testing.T) {
	api := newTestAPI(t, slogt.New(t))
	api.Presence = testpresence(func(userID string) registry.Presence {
		return registry.Presence{UserID: userID, LastSeen: &day}
	})

	srv := httptest.NewServer(api)
	defer srv.Close()

	resp := do(t, srv, "GET", "/users/owner/presence", "adopter:adopter", "")
	checkStatus(t, resp.StatusCode, 200)
	checkBody(t, resp, `{
		"user_id": "owner",
		"online": false,
		"last_seen": "2024-01-01T00:00:00Z"
	}`)
}

// newTestAPI returns an API whose collaborators fail the test when called.
func newTestAPI(t *testing.T, log *slog.Logger) *API {
	return &API{
		Logger:        log,
		Auth:          testauth{},
		Users:         &testusers{T: t},
		Chat:          &testchat{T: t},
		Notifications: &testnotifications{T: t},
		Requests:      &testrequests{T: t},
		Pets:          &testpets{T: t},
		Presence:      testpresence(func(string) registry.Presence { return registry.Presence{} }),
		Val:           validator.New(),
	}
}

func do(t *testing.T, srv *httptest.Server, method, path, token, body string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// testauth accepts tokens of the form "user:role".
type testauth struct{}

func (testauth) Authenticate(r *http.Request) (domain.Identity, error) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		raw = r.URL.Query().Get("token")
	}
	user, role, ok := strings.Cut(raw, ":")
	if !ok {
		return domain.Identity{}, auth.ErrUnauthenticated
	}
	return domain.Identity{UserID: user, Role: domain.Role(role)}, nil
}

type testusers struct {
	T          *testing.T
	upsertUser func(t *testing.T, id domain.Identity) error
}

func (u *testusers) UpsertUser(_ context.Context, id domain.Identity) error {
	if u.upsertUser == nil {
		return nil
	}
	return u.upsertUser(u.T, id)
}

type testchat struct {
	T            *testing.T
	connect      func(t *testing.T, id domain.Identity, sink registry.Sink) string
	disconnect   func(t *testing.T, userID, sessionID string)
	send         func(t *testing.T, senderID, recipientID, body string) (domain.Message, error)
	fetchHistory func(t *testing.T, userID, conversationID string, afterSeq int64, limit int) ([]domain.Message, error)
	startTyping  func(t *testing.T, senderID, recipientID string) error
	stopTyping   func(t *testing.T, senderID, recipientID string)
}

func (c *testchat) Connect(id domain.Identity, sink registry.Sink) string {
	return c.connect(c.T, id, sink)
}

func (c *testchat) Disconnect(userID, sessionID string) {
	c.disconnect(c.T, userID, sessionID)
}

func (c *testchat) Send(_ context.Context, senderID, recipientID, body string) (domain.Message, error) {
	return c.send(c.T, senderID, recipientID, body)
}

func (c *testchat) FetchHistory(_ context.Context, userID, conversationID string, afterSeq int64, limit int) ([]domain.Message, error) {
	return c.fetchHistory(c.T, userID, conversationID, afterSeq, limit)
}

func (c *testchat) StartTyping(_ context.Context, senderID, recipientID string) error {
	return c.startTyping(c.T, senderID, recipientID)
}

func (c *testchat) StopTyping(senderID, recipientID string) {
	c.stopTyping(c.T, senderID, recipientID)
}

type testnotifications struct {
	T           *testing.T
	list        func(t *testing.T, userID string, unreadOnly bool) ([]domain.Notification, int, error)
	markRead    func(t *testing.T, id, byUserID string) error
	markAllRead func(t *testing.T, userID string) ([]string, error)
	delete      func(t *testing.T, id, byUserID string) error
}

func (n *testnotifications) List(_ context.Context, userID string, unreadOnly bool) ([]domain.Notification, int, error) {
	return n.list(n.T, userID, unreadOnly)
}

func (n *testnotifications) MarkRead(_ context.Context, id, byUserID string) error {
	return n.markRead(n.T, id, byUserID)
}

func (n *testnotifications) MarkAllRead(_ context.Context, userID string) ([]string, error) {
	return n.markAllRead(n.T, userID)
}

func (n *testnotifications) Delete(_ context.Context, id, byUserID string) error {
	return n.delete(n.T, id, byUserID)
}

type testrequests struct {
	T        *testing.T
	create   func(t *testing.T, petID, requesterID, message string) (domain.AdoptionRequest, error)
	respond  func(t *testing.T, requestID, byOwnerID string, decision domain.Decision, message string) (domain.AdoptionRequest, error)
	withdraw func(t *testing.T, requestID, byRequesterID string) (domain.AdoptionRequest, error)
	get      func(t *testing.T, requestID, byUserID string) (domain.AdoptionRequest, error)
	list     func(t *testing.T, userID string) ([]domain.AdoptionRequest, error)
}

func (r *testrequests) Create(_ context.Context, petID, requesterID, message string) (domain.AdoptionRequest, error) {
	return r.create(r.T, petID, requesterID, message)
}

func (r *testrequests) Respond(_ context.Context, requestID, byOwnerID string, decision domain.Decision, message string) (domain.AdoptionRequest, error) {
	return r.respond(r.T, requestID, byOwnerID, decision, message)
}

func (r *testrequests) Withdraw(_ context.Context, requestID, byRequesterID string) (domain.AdoptionRequest, error) {
	return r.withdraw(r.T, requestID, byRequesterID)
}

func (r *testrequests) Get(_ context.Context, requestID, byUserID string) (domain.AdoptionRequest, error) {
	return r.get(r.T, requestID, byUserID)
}

func (r *testrequests) List(_ context.Context, userID string) ([]domain.AdoptionRequest, error) {
	return r.list(r.T, userID)
}

type testpets struct {
	T         *testing.T
	upsertPet func(t *testing.T, p domain.Pet) error
	getPet    func(t *testing.T, id string) (domain.Pet, error)
}

func (p *testpets) UpsertPet(_ context.Context, pet domain.Pet) error {
	return p.upsertPet(p.T, pet)
}

func (p *testpets) GetPet(_ context.Context, id string) (domain.Pet, error) {
	return p.getPet(p.T, id)
}

type testpresence func(userID string) registry.Presence

func (f testpresence) Status(_ context.Context, userID string) registry.Presence {
	return f(userID)
}

func checkStatus(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("Got HTTP status %d, want %d", got, want)
	}
}

func checkBody(t *testing.T, resp *http.Response, want string) {
	t.Helper()
	gotBody := normalizeJSON(t, resp.Body)
	wantBody := normalizeJSON(t, bytes.NewReader([]byte(want)))
	if gotBody != wantBody {
		t.Errorf("Body does not match\nGot\n  %s\n\nWant\n  %s", gotBody, wantBody)
	}
}

func checkLog(t *testing.T, buffer *bytes.Buffer, want string) {
	t.Helper()

	if s := buffer.String(); want != "" && !strings.Contains(s, want) {
		t.Errorf("Log does not contain  %s\n", want)
	}
}

// normalizeJSON re-encodes a JSON document with sorted keys and fixed
// indentation so bodies compare independently of formatting.
func normalizeJSON(t *testing.T, r io.Reader) string {
	t.Helper()
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("Could not read JSON: %v", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("Could not decode JSON %q: %v", b, err)
	}
	out, err := json.MarshalIndent(v, "  ", "  ")
	if err != nil {
		t.Fatalf("Could not indent JSON: %v", err)
	}
	return strings.TrimSpace(string(out))
}
