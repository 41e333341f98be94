// Package notify turns domain events into persisted per-user notifications
// and pushes them to the recipient's live sessions.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pawpair/adoption-chat/domain"
)

// A Store persists notifications. The unread count is always computed from the
// stored rows, never kept as a separate counter.
type Store interface {
	InsertNotification(ctx context.Context, n domain.Notification) (domain.Notification, error)
	ListNotifications(ctx context.Context, userID string, unreadOnly bool) ([]domain.Notification, error)
	CountUnread(ctx context.Context, userID string) (int, error)
	// MarkNotificationRead fails with domain.ErrNotOwner when userID is not
	// the recipient. Marking a read notification again succeeds.
	MarkNotificationRead(ctx context.Context, id, userID string) error
	// MarkAllNotificationsRead marks, in one atomic step, every notification
	// of userID that is unread at call time and returns their ids.
	MarkAllNotificationsRead(ctx context.Context, userID string) ([]string, error)
	DeleteNotification(ctx context.Context, id, userID string) error
}

// A Deliverer pushes an event to every live session of a user.
type Deliverer interface {
	Deliver(userID string, e domain.Event) int
}

// Fanout persists notifications first and only then attempts live delivery.
// Live delivery is best effort and never undoes persistence.
type Fanout struct {
	Logger   *slog.Logger
	Store    Store
	Sessions Deliverer

	now   func() time.Time
	newID func() string
}

// New returns a Fanout.
func New(log *slog.Logger, store Store, sessions Deliverer) *Fanout {
	return &Fanout{
		Logger:   log,
		Store:    store,
		Sessions: sessions,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Emit persists a notification of type typ for recipientID and pushes it to
// the recipient's sessions.
func (f *Fanout) Emit(ctx context.Context, recipientID string, typ domain.NotificationType, payload any) (domain.Notification, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.Notification{}, fmt.Errorf("marshal payload: %w", err)
	}
	n, err := f.Store.InsertNotification(ctx, domain.Notification{
		ID:          f.newID(),
		RecipientID: recipientID,
		Type:        typ,
		Payload:     body,
		CreatedAt:   f.now().UTC(),
	})
	if err != nil {
		return domain.Notification{}, fmt.Errorf("insert notification: %w", err)
	}

	delivered := f.Sessions.Deliver(recipientID, domain.NotificationCreated{Notification: n})
	f.Logger.Debug("Notification emitted",
		"notification_id", n.ID, "recipient_id", recipientID, "type", typ, "live_sessions", delivered)
	return n, nil
}

// List returns the notifications of userID, newest first, with the unread
// count.
func (f *Fanout) List(ctx context.Context, userID string, unreadOnly bool) ([]domain.Notification, int, error) {
	ns, err := f.Store.ListNotifications(ctx, userID, unreadOnly)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	unread, err := f.Store.CountUnread(ctx, userID)
	if err != nil {
		return nil, 0, fmt.Errorf("count unread: %w", err)
	}
	return ns, unread, nil
}

// UnreadCount returns the number of unread notifications of userID.
func (f *Fanout) UnreadCount(ctx context.Context, userID string) (int, error) {
	n, err := f.Store.CountUnread(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// MarkRead marks one notification read on behalf of byUserID and tells the
// user's other sessions.
func (f *Fanout) MarkRead(ctx context.Context, id, byUserID string) error {
	if err := f.Store.MarkNotificationRead(ctx, id, byUserID); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	f.Sessions.Deliver(byUserID, domain.NotificationRead{NotificationID: id})
	return nil
}

// MarkAllRead marks every notification of userID that is unread right now and
// tells the user's sessions in a single event. Notifications created while the
// call runs stay unread.
func (f *Fanout) MarkAllRead(ctx context.Context, userID string) ([]string, error) {
	ids, err := f.Store.MarkAllNotificationsRead(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("mark all read: %w", err)
	}
	if len(ids) > 0 {
		f.Sessions.Deliver(userID, domain.NotificationsRead{NotificationIDs: ids})
	}
	return ids, nil
}

// Delete removes a notification owned by byUserID.
func (f *Fanout) Delete(ctx context.Context, id, byUserID string) error {
	if err := f.Store.DeleteNotification(ctx, id, byUserID); err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	return nil
}
