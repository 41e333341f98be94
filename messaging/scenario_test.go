package messaging_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/pawpair/adoption-chat/adoption"
	"github.com/pawpair/adoption-chat/domain"
	"github.com/pawpair/adoption-chat/memstore"
	"github.com/pawpair/adoption-chat/messaging"
	"github.com/pawpair/adoption-chat/notify"
	"github.com/pawpair/adoption-chat/registry"
	"github.com/pawpair/adoption-chat/router"
	"github.com/pawpair/adoption-chat/typing"
)

type sink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *sink) Deliver(e domain.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return true
}

func (s *sink) received() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.events...)
}

type platform struct {
	store    *memstore.Memory
	registry *registry.Registry
	router   *router.Router
	fanout   *notify.Fanout
	machine  *adoption.Machine
	chat     *messaging.Service
}

func newPlatform(t *testing.T) platform {
	log := slogt.New(t)
	store := memstore.New()
	reg := registry.New(log)
	rt := &router.Router{Approvals: store, Users: store}
	fanout := notify.New(log, store, reg)
	relay := typing.NewRelay(log, rt, reg, 50*time.Millisecond)
	t.Cleanup(relay.Close)

	ctx := context.Background()
	for _, id := range []domain.Identity{
		{UserID: "adopter", Role: domain.RoleAdopter},
		{UserID: "owner", Role: domain.RoleShelterOwner},
	} {
		require.NoError(t, store.UpsertUser(ctx, id))
	}
	require.NoError(t, store.UpsertPet(ctx, domain.Pet{ID: "pet", OwnerID: "owner", Status: domain.PetAvailable}))

	return platform{
		store:    store,
		registry: reg,
		router:   rt,
		fanout:   fanout,
		machine:  adoption.New(log, store, store, fanout, rt),
		chat: &messaging.Service{
			Logger:   log,
			Router:   rt,
			Store:    store,
			Events:   fanout,
			Sessions: reg,
			Typing:   relay,
			Paging:   messaging.Paging{Default: 50, Max: 200},
		},
	}
}

func TestScenario_ApproveThenChat(t *testing.T) {
	req := require.New(t)
	p := newPlatform(t)
	ctx := context.Background()

	ownerSink := &sink{}
	ownerSession := p.chat.Connect(domain.Identity{UserID: "owner", Role: domain.RoleShelterOwner}, ownerSink)

	// Adopter requests the pet, owner approves.
	r, err := p.machine.Create(ctx, "pet", "adopter", "I'd love to adopt")
	req.NoError(err)
	_, err = p.chat.Send(ctx, "adopter", "owner", "too early")
	req.ErrorIs(err, domain.ErrNoApprovedRequest)

	_, err = p.machine.Respond(ctx, r.ID, "owner", domain.DecisionApprove, "Great, let's meet")
	req.NoError(err)

	// Adopter sends, owner receives it live in the same call.
	msg, err := p.chat.Send(ctx, "adopter", "owner", "Thanks!")
	req.NoError(err)
	req.Contains(ownerSink.received(), domain.Event(domain.MessageDelivered{Message: msg}))

	// Owner goes offline, the adopter keeps writing, owner catches up.
	p.chat.Disconnect("owner", ownerSession)
	req.False(p.registry.IsOnline("owner"))
	second, err := p.chat.Send(ctx, "adopter", "owner", "Are you there?")
	req.NoError(err)

	conv := router.ConversationID("adopter", "owner")
	history, err := p.chat.FetchHistory(ctx, "owner", conv, 0, 50)
	req.NoError(err)
	req.Len(history, 2)
	req.Equal(msg.ServerSeq, history[0].ServerSeq)
	req.Equal(second.ServerSeq, history[1].ServerSeq)
	req.Equal(int64(1), history[0].ServerSeq)
	req.Equal(int64(2), history[1].ServerSeq)

	// The adopter has the approval; the owner has the request and both messages.
	adopterNotes, adopterUnread, err := p.fanout.List(ctx, "adopter", false)
	req.NoError(err)
	req.Len(adopterNotes, 1)
	req.Equal(domain.NotificationRequestApproved, adopterNotes[0].Type)
	req.Equal(1, adopterUnread)

	_, ownerUnread, err := p.fanout.List(ctx, "owner", true)
	req.NoError(err)
	req.Equal(3, ownerUnread)

	// A later, unrelated request between the pair being rejected does not
	// close the conversation.
	req.NoError(p.store.UpsertPet(ctx, domain.Pet{ID: "pet2", OwnerID: "owner", Status: domain.PetAvailable}))
	r2, err := p.machine.Create(ctx, "pet2", "adopter", "")
	req.NoError(err)
	_, err = p.machine.Respond(ctx, r2.ID, "owner", domain.DecisionReject, "")
	req.NoError(err)
	_, err = p.router.Authorize(ctx, "owner", "adopter")
	req.NoError(err)
}

func TestScenario_Reject(t *testing.T) {
	req := require.New(t)
	p := newPlatform(t)
	ctx := context.Background()

	adopterSink := &sink{}
	p.chat.Connect(domain.Identity{UserID: "adopter", Role: domain.RoleAdopter}, adopterSink)

	r, err := p.machine.Create(ctx, "pet", "adopter", "")
	req.NoError(err)
	_, err = p.machine.Respond(ctx, r.ID, "owner", domain.DecisionReject, "Sorry")
	req.NoError(err)

	notes, _, err := p.fanout.List(ctx, "adopter", false)
	req.NoError(err)
	rejected := 0
	for _, n := range notes {
		if n.Type == domain.NotificationRequestRejected {
			rejected++
		}
	}
	req.Equal(1, rejected)
	req.Len(adopterSink.received(), 1)

	_, err = p.router.Authorize(ctx, "adopter", "owner")
	req.ErrorIs(err, domain.ErrNoApprovedRequest)

	_, err = p.machine.Respond(ctx, r.ID, "owner", domain.DecisionReject, "")
	req.ErrorIs(err, domain.ErrInvalidState)

	pet, err := p.store.GetPet(ctx, "pet")
	req.NoError(err)
	req.Equal(domain.PetAvailable, pet.Status)
}

func TestScenario_TypingAcrossDisconnect(t *testing.T) {
	req := require.New(t)
	p := newPlatform(t)
	ctx := context.Background()

	r, err := p.machine.Create(ctx, "pet", "adopter", "")
	req.NoError(err)
	_, err = p.machine.Respond(ctx, r.ID, "owner", domain.DecisionApprove, "")
	req.NoError(err)

	ownerSink := &sink{}
	p.chat.Connect(domain.Identity{UserID: "owner"}, ownerSink)
	adopterSession := p.chat.Connect(domain.Identity{UserID: "adopter"}, &sink{})

	req.NoError(p.chat.StartTyping(ctx, "adopter", "owner"))
	p.chat.Disconnect("adopter", adopterSession)

	// The stop arrives synchronously with the disconnect, not after a timeout.
	events := ownerSink.received()
	var typingEvents []domain.Typing
	for _, e := range events {
		if ty, ok := e.(domain.Typing); ok {
			typingEvents = append(typingEvents, ty)
		}
	}
	req.Equal([]domain.Typing{
		{SenderID: "adopter", IsTyping: true},
		{SenderID: "adopter", IsTyping: false},
	}, typingEvents)

	// No late stop fires from the cancelled timer.
	time.Sleep(120 * time.Millisecond)
	req.Len(ownerSink.received(), len(events))

	err = p.chat.StartTyping(ctx, "adopter", "stranger")
	req.True(errors.Is(err, domain.ErrUnknownRecipient))
}
