package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pawpair/adoption-chat/domain"
)

var (
	// tuning parameters
	writeWait      = 10 * time.Second    // time allowed to write a message to the peer
	pongWait       = 60 * time.Second    // time allowed to read the next pong message from the peer
	pingInterval   = (pongWait * 9) / 10 // send pings to peer with this period
	maxMessageSize = int64(16 * 1024)    // max inbound message size
	commandTimeout = 5 * time.Second     // time allowed to process one inbound command
)

// A client is one websocket session. Outbound events queue on egress; when it
// is full, events are dropped and the client is expected to catch up through
// history and notification pulls.
type client struct {
	log    *slog.Logger
	conn   *websocket.Conn
	egress chan domain.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(log *slog.Logger, conn *websocket.Conn, buffer int) *client {
	if buffer <= 0 {
		buffer = 64
	}
	return &client{
		log:    log,
		conn:   conn,
		egress: make(chan domain.Envelope, buffer),
		done:   make(chan struct{}),
	}
}

// Deliver queues e without blocking.
func (c *client) Deliver(e domain.Event) bool {
	env, err := domain.Encode(e)
	if err != nil {
		c.log.Error("Could not encode event", "event", e.Type(), "error", err.Error())
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.egress <- env:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case env := <-c.egress:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.log.Debug("Could not write event", "error", err.Error())
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug("Could not write ping", "error", err.Error())
				c.close()
				return
			}
		}
	}
}

// readPump reads envelopes until the connection fails or closes, passing each
// to handle.
func (c *client) readPump(handle func(env domain.Envelope)) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env domain.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("Unexpected close", "error", err.Error())
			}
			return
		}
		handle(env)
	}
}

func (a *API) serveWS(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	upgrader := a.Upgrader
	if upgrader == nil {
		upgrader = &websocket.Upgrader{}
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		a.Logger.Warn("Could not upgrade connection", "user_id", id.UserID, "error", err.Error())
		return
	}

	c := newClient(a.Logger.With("user_id", id.UserID), conn, a.SessionBuffer)
	sessionID := a.Chat.Connect(id, c)
	defer a.Chat.Disconnect(id.UserID, sessionID)
	defer c.close()

	go c.writePump()

	ctx := context.WithoutCancel(r.Context())
	c.readPump(func(env domain.Envelope) {
		a.handleCommand(ctx, c, id, env)
	})
}

func (a *API) handleCommand(ctx context.Context, c *client, id domain.Identity, env domain.Envelope) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd, err := domain.DecodeCommand(env)
	if err != nil {
		c.Deliver(errorEvent(err, ""))
		return
	}

	switch cmd := cmd.(type) {
	case domain.SendCommand:
		msg, err := a.Chat.Send(ctx, id.UserID, cmd.RecipientID, cmd.Body)
		if err != nil {
			a.Logger.Warn("Could not send message", "user_id", id.UserID, "recipient_id", cmd.RecipientID, "error", err.Error())
			c.Deliver(errorEvent(err, cmd.ClientRef))
			return
		}
		c.Deliver(domain.MessageSent{
			ClientRef:      cmd.ClientRef,
			ConversationID: msg.ConversationID,
			ServerSeq:      msg.ServerSeq,
		})
	case domain.TypingCommand:
		if cmd.Stop {
			a.Chat.StopTyping(id.UserID, cmd.RecipientID)
			return
		}
		if err := a.Chat.StartTyping(ctx, id.UserID, cmd.RecipientID); err != nil {
			c.Deliver(errorEvent(err, ""))
		}
	}
}

// errorEvent reports err to the issuing session. Internal failures are not
// described beyond their class.
func errorEvent(err error, clientRef string) domain.ErrorEvent {
	class := domain.ClassOf(err)
	msg := err.Error()
	if class == domain.ClassInternal || class == domain.ClassInfrastructure {
		msg = "Could not process command"
	}
	return domain.ErrorEvent{
		Code:      class.String(),
		Message:   msg,
		ClientRef: clientRef,
	}
}
