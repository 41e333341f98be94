package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/samber/lo"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/pawpair/adoption-chat/domain"
)

// Postgres provides storage in PostgreSQL.
type Postgres struct {
	bun *bun.DB
}

// Connect connects to the database and ping the DB to ensure the connection is
// working.
func Connect(ctx context.Context, connStr string) (*Postgres, error) {
	sqlDB := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(connStr)))
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	db := bun.NewDB(sqlDB, pgdialect.New())
	return &Postgres{
		bun: db,
	}, nil
}

// Close closes the database.
func (pg *Postgres) Close() error {
	return pg.bun.Close()
}

// CreateSchema creates the tables and indexes if they do not exist.
func (pg *Postgres) CreateSchema(ctx context.Context) error {
	models := []any{
		(*conversation)(nil),
		(*message)(nil),
		(*notification)(nil),
		(*adoptionRequest)(nil),
		(*pet)(nil),
		(*user)(nil),
	}
	for _, model := range models {
		if _, err := pg.bun.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	if _, err := pg.bun.NewCreateIndex().
		Model((*notification)(nil)).
		Index("notifications_recipient_idx").
		Column("recipient_id", "is_read").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	// At most one pending request per pet and requester.
	if _, err := pg.bun.NewRaw(
		"CREATE UNIQUE INDEX IF NOT EXISTS adoption_requests_one_pending_idx ON adoption_requests (pet_id, requester_id) WHERE status = ?",
		string(domain.StatusPending),
	).Exec(ctx); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

// Append inserts a message and assigns the next serverSeq of its conversation.
// The counter row is locked by the upsert until the transaction ends.
func (pg *Postgres) Append(ctx context.Context, conversationID, senderID, recipientID, body string) (domain.Message, error) {
	m := &message{
		ConversationID: conversationID,
		SenderID:       senderID,
		RecipientID:    recipientID,
		Body:           body,
		CreatedAt:      time.Now().UTC(),
	}
	err := pg.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		c := &conversation{ID: conversationID, LastSeq: 1}
		if _, err := tx.NewInsert().
			Model(c).
			On("CONFLICT (id) DO UPDATE").
			Set("last_seq = conversation.last_seq + 1").
			Returning("last_seq").
			Exec(ctx); err != nil {
			return fmt.Errorf("next seq: %w", err)
		}
		m.ServerSeq = c.LastSeq
		if _, err := tx.NewInsert().Model(m).Exec(ctx); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Message{}, storeErr("append", err)
	}
	return m.DomainMessage(), nil
}

// Read returns up to limit messages of a conversation after afterSeq, oldest
// first.
func (pg *Postgres) Read(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]domain.Message, error) {
	var msgs []message
	q := pg.bun.NewSelect().
		Model(&msgs).
		Where("conversation_id = ?", conversationID).
		Where("server_seq > ?", afterSeq).
		Order("server_seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, storeErr("scan", err)
	}
	return lo.Map(msgs, func(m message, _ int) domain.Message { return m.DomainMessage() }), nil
}

// InsertNotification inserts a notification.
func (pg *Postgres) InsertNotification(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	row := &notification{
		ID:          n.ID,
		RecipientID: n.RecipientID,
		Type:        string(n.Type),
		Payload:     n.Payload,
		IsRead:      n.IsRead,
		CreatedAt:   n.CreatedAt,
	}
	if _, err := pg.bun.NewInsert().Model(row).Exec(ctx); err != nil {
		return domain.Notification{}, storeErr("insert", err)
	}
	return row.DomainNotification(), nil
}

// ListNotifications returns the notifications of userID, newest first.
func (pg *Postgres) ListNotifications(ctx context.Context, userID string, unreadOnly bool) ([]domain.Notification, error) {
	var rows []notification
	q := pg.bun.NewSelect().
		Model(&rows).
		Where("recipient_id = ?", userID).
		Order("created_at DESC", "id DESC")
	if unreadOnly {
		q = q.Where("NOT is_read")
	}
	if err := q.Scan(ctx); err != nil {
		return nil, storeErr("scan", err)
	}
	return lo.Map(rows, func(n notification, _ int) domain.Notification { return n.DomainNotification() }), nil
}

// CountUnread counts the unread notifications of userID.
func (pg *Postgres) CountUnread(ctx context.Context, userID string) (int, error) {
	n, err := pg.bun.NewSelect().
		Model((*notification)(nil)).
		Where("recipient_id = ?", userID).
		Where("NOT is_read").
		Count(ctx)
	if err != nil {
		return 0, storeErr("count", err)
	}
	return n, nil
}

// MarkNotificationRead marks a notification of userID read.
func (pg *Postgres) MarkNotificationRead(ctx context.Context, id, userID string) error {
	res, err := pg.bun.NewUpdate().
		Model((*notification)(nil)).
		Set("is_read = TRUE").
		Where("id = ?", id).
		Where("recipient_id = ?", userID).
		Exec(ctx)
	if err != nil {
		return storeErr("update", err)
	}
	return pg.checkOwned(ctx, res, id)
}

// MarkAllNotificationsRead marks every unread notification of userID read in a
// single statement; rows inserted after its snapshot stay unread.
func (pg *Postgres) MarkAllNotificationsRead(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	_, err := pg.bun.NewUpdate().
		Model((*notification)(nil)).
		Set("is_read = TRUE").
		Where("recipient_id = ?", userID).
		Where("NOT is_read").
		Returning("id").
		Exec(ctx, &ids)
	if err != nil {
		return nil, storeErr("update", err)
	}
	return ids, nil
}

// DeleteNotification deletes a notification of userID.
func (pg *Postgres) DeleteNotification(ctx context.Context, id, userID string) error {
	res, err := pg.bun.NewDelete().
		Model((*notification)(nil)).
		Where("id = ?", id).
		Where("recipient_id = ?", userID).
		Exec(ctx)
	if err != nil {
		return storeErr("delete", err)
	}
	return pg.checkOwned(ctx, res, id)
}

// checkOwned turns an update that touched no row into ErrNotFound or
// ErrNotOwner.
func (pg *Postgres) checkOwned(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if n > 0 {
		return nil
	}
	exists, err := pg.bun.NewSelect().Model((*notification)(nil)).Where("id = ?", id).Exists(ctx)
	if err != nil {
		return storeErr("exists", err)
	}
	if !exists {
		return fmt.Errorf("notification %s: %w", id, domain.ErrNotFound)
	}
	return domain.ErrNotOwner
}

// InsertRequest inserts an adoption request. The partial unique index turns a
// second pending request for the same pet and requester into
// ErrDuplicatePending.
func (pg *Postgres) InsertRequest(ctx context.Context, r domain.AdoptionRequest) (domain.AdoptionRequest, error) {
	row := &adoptionRequest{
		ID:          r.ID,
		PetID:       r.PetID,
		RequesterID: r.RequesterID,
		OwnerID:     r.OwnerID,
		Status:      string(r.Status),
		Message:     r.Message,
		CreatedAt:   r.CreatedAt,
	}
	if _, err := pg.bun.NewInsert().Model(row).Exec(ctx); err != nil {
		if uniqueViolation(err) {
			return domain.AdoptionRequest{}, domain.ErrDuplicatePending
		}
		return domain.AdoptionRequest{}, storeErr("insert", err)
	}
	return row.DomainRequest(), nil
}

// GetRequest returns the adoption request with id.
func (pg *Postgres) GetRequest(ctx context.Context, id string) (domain.AdoptionRequest, error) {
	var row adoptionRequest
	err := pg.bun.NewSelect().Model(&row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AdoptionRequest{}, fmt.Errorf("request %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.AdoptionRequest{}, storeErr("scan", err)
	}
	return row.DomainRequest(), nil
}

// TransitionRequest moves a pending request to status to. The status guard in
// the WHERE clause makes concurrent transitions race safely: only one wins.
func (pg *Postgres) TransitionRequest(ctx context.Context, id string, to domain.RequestStatus, response string, at time.Time) (domain.AdoptionRequest, error) {
	res, err := pg.bun.NewUpdate().
		Model((*adoptionRequest)(nil)).
		Set("status = ?", string(to)).
		Set("response = ?", response).
		Set("responded_at = ?", at).
		Where("id = ?", id).
		Where("status = ?", string(domain.StatusPending)).
		Exec(ctx)
	if err != nil {
		return domain.AdoptionRequest{}, storeErr("update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.AdoptionRequest{}, storeErr("rows affected", err)
	}
	r, err := pg.GetRequest(ctx, id)
	if err != nil {
		return domain.AdoptionRequest{}, err
	}
	if n == 0 {
		return domain.AdoptionRequest{}, fmt.Errorf("request %s is %s: %w", id, r.Status, domain.ErrInvalidState)
	}
	return r, nil
}

// ListRequests returns the requests userID made or received, newest first.
func (pg *Postgres) ListRequests(ctx context.Context, userID string) ([]domain.AdoptionRequest, error) {
	var rows []adoptionRequest
	err := pg.bun.NewSelect().
		Model(&rows).
		Where("requester_id = ?", userID).
		WhereOr("owner_id = ?", userID).
		Order("created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, storeErr("scan", err)
	}
	return lo.Map(rows, func(r adoptionRequest, _ int) domain.AdoptionRequest { return r.DomainRequest() }), nil
}

// HasApprovedRequest reports whether a request between a and b, in either
// direction, was ever approved.
func (pg *Postgres) HasApprovedRequest(ctx context.Context, a, b string) (bool, error) {
	ok, err := pg.bun.NewSelect().
		Model((*adoptionRequest)(nil)).
		Where("status = ?", string(domain.StatusApproved)).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("requester_id = ? AND owner_id = ?", a, b).
				WhereOr("requester_id = ? AND owner_id = ?", b, a)
		}).
		Exists(ctx)
	if err != nil {
		return false, storeErr("exists", err)
	}
	return ok, nil
}

// UpsertPet creates or replaces a pet listing.
func (pg *Postgres) UpsertPet(ctx context.Context, p domain.Pet) error {
	row := &pet{ID: p.ID, OwnerID: p.OwnerID, Status: string(p.Status)}
	_, err := pg.bun.NewInsert().
		Model(row).
		On("CONFLICT (id) DO UPDATE").
		Set("owner_id = EXCLUDED.owner_id").
		Set("status = EXCLUDED.status").
		Exec(ctx)
	if err != nil {
		return storeErr("upsert", err)
	}
	return nil
}

// GetPet returns the pet with id.
func (pg *Postgres) GetPet(ctx context.Context, id string) (domain.Pet, error) {
	var row pet
	err := pg.bun.NewSelect().Model(&row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Pet{}, fmt.Errorf("pet %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Pet{}, storeErr("scan", err)
	}
	return row.DomainPet(), nil
}

// UpdatePetStatus sets the adoptability of a pet.
func (pg *Postgres) UpdatePetStatus(ctx context.Context, id string, status domain.PetStatus) error {
	res, err := pg.bun.NewUpdate().
		Model((*pet)(nil)).
		Set("status = ?", string(status)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return storeErr("update", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("pet %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// UpsertUser records an identity vouched for by the identity collaborator.
func (pg *Postgres) UpsertUser(ctx context.Context, id domain.Identity) error {
	row := &user{ID: id.UserID, Role: string(id.Role)}
	_, err := pg.bun.NewInsert().
		Model(row).
		On("CONFLICT (id) DO UPDATE").
		Set("role = EXCLUDED.role").
		Exec(ctx)
	if err != nil {
		return storeErr("upsert", err)
	}
	return nil
}

// UserExists reports whether userID was ever upserted.
func (pg *Postgres) UserExists(ctx context.Context, userID string) (bool, error) {
	ok, err := pg.bun.NewSelect().Model((*user)(nil)).Where("id = ?", userID).Exists(ctx)
	if err != nil {
		return false, storeErr("exists", err)
	}
	return ok, nil
}

// storeErr wraps err, marking connectivity failures as ErrStoreUnavailable so
// callers can tell them from query errors.
func storeErr(op string, err error) error {
	if unavailable(err) {
		return fmt.Errorf("%s: %w: %v", op, domain.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func unavailable(err error) bool {
	var netErr net.Error
	return errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.As(err, &netErr)
}

func uniqueViolation(err error) bool {
	var pgErr pgdriver.Error
	return errors.As(err, &pgErr) && pgErr.Field('C') == "23505"
}
