package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lalith-99/wirechat/internal/models"
)

type MessageStore struct {
	pool *pgxpool.Pool
}

func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

// messageColumns is the one column list every query shares, so a scan
// helper can own the row shape.
const messageColumns = `
	id, type,
	sender_id, sender_role, sender_username,
	receiver_id, receiver_role, receiver_username,
	group_id, group_name,
	content, created_at, read_by, is_deleted`

// scanMessage reassembles a models.Message from the flattened row.
// Receiver and group snapshots are nullable column groups: private
// messages have receiver_* set, group messages have group_*.
func scanMessage(row pgx.Row) (*models.Message, error) {
	var (
		msg          models.Message
		recvID       *int64
		recvRole     *string
		recvUsername *string
		groupID      *int64
		groupName    *string
	)
	err := row.Scan(
		&msg.ID, &msg.Type,
		&msg.Sender.ID, &msg.Sender.Role, &msg.Sender.Username,
		&recvID, &recvRole, &recvUsername,
		&groupID, &groupName,
		&msg.Content, &msg.CreatedAt, &msg.ReadBy, &msg.IsDeleted,
	)
	if err != nil {
		return nil, err
	}
	if recvID != nil && recvRole != nil {
		msg.Receiver = &models.Identity{ID: *recvID, Role: models.Role(*recvRole)}
		if recvUsername != nil {
			msg.Receiver.Username = *recvUsername
		}
	}
	if groupID != nil {
		msg.Group = &models.GroupRef{ID: *groupID}
		if groupName != nil {
			msg.Group.Name = *groupName
		}
	}
	return &msg, nil
}

func collectMessages(rows pgx.Rows) ([]models.Message, error) {
	defer rows.Close()
	messages := make([]models.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

func (s *MessageStore) Insert(ctx context.Context, msg *models.Message) error {
	query := `
		INSERT INTO messages (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	var (
		recvID, groupID               *int64
		recvRole, recvUser, groupName *string
	)
	if msg.Receiver != nil {
		recvID = &msg.Receiver.ID
		role := string(msg.Receiver.Role)
		recvRole = &role
		recvUser = &msg.Receiver.Username
	}
	if msg.Group != nil {
		groupID = &msg.Group.ID
		groupName = &msg.Group.Name
	}

	_, err := s.pool.Exec(ctx, query,
		msg.ID, msg.Type,
		msg.Sender.ID, msg.Sender.Role, msg.Sender.Username,
		recvID, recvRole, recvUser,
		groupID, groupName,
		msg.Content, msg.CreatedAt, msg.ReadBy, msg.IsDeleted,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *MessageStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	msg, err := scanMessage(s.pool.QueryRow(ctx, query, id))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

func (s *MessageStore) SetDeleted(ctx context.Context, id uuid.UUID) error {
	// One-way flag. Repeating the UPDATE is harmless, so no guard on
	// the current value.
	query := `UPDATE messages SET is_deleted = TRUE WHERE id = $1`

	_, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("set deleted: %w", err)
	}
	return nil
}

func (s *MessageStore) MarkPrivateRead(ctx context.Context, reader, partner models.ConnKey) ([]models.Message, error) {
	// The add-if-absent is a single atomic UPDATE: the `NOT read_by ?`
	// guard makes re-invocation a no-op (zero rows match), and the
	// append happens inside the same statement — no read-modify-write
	// across the wire, so concurrent readers cannot lose an entry.
	query := `
		UPDATE messages
		SET read_by = read_by || to_jsonb($1::text)
		WHERE type = 'private'
		  AND sender_id = $2 AND sender_role = $3
		  AND receiver_id = $4 AND receiver_role = $5
		  AND NOT read_by ? $1
		RETURNING ` + messageColumns

	rows, err := s.pool.Query(ctx, query,
		reader.String(),
		partner.ID, partner.Role,
		reader.ID, reader.Role,
	)
	if err != nil {
		return nil, fmt.Errorf("mark private read: %w", err)
	}
	return collectMessages(rows)
}

func (s *MessageStore) MarkGroupRead(ctx context.Context, reader models.ConnKey, groupID int64) ([]models.Message, error) {
	query := `
		UPDATE messages
		SET read_by = read_by || to_jsonb($1::text)
		WHERE type = 'group'
		  AND group_id = $2
		  AND NOT read_by ? $1
		RETURNING ` + messageColumns

	rows, err := s.pool.Query(ctx, query, reader.String(), groupID)
	if err != nil {
		return nil, fmt.Errorf("mark group read: %w", err)
	}
	return collectMessages(rows)
}

func (s *MessageStore) ListPrivate(ctx context.Context, a, b models.ConnKey, before time.Time, limit int) ([]models.Message, error) {
	// Cursor pagination on created_at: zero `before` means "from the
	// latest". The id tiebreak keeps ordering stable when two messages
	// share a timestamp.
	//
	// Both directions of the conversation match — (a→b) OR (b→a).
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE type = 'private'
		  AND ((sender_id = $1 AND sender_role = $2 AND receiver_id = $3 AND receiver_role = $4)
		    OR (sender_id = $3 AND sender_role = $4 AND receiver_id = $1 AND receiver_role = $2))
		  AND ($5::timestamptz IS NULL OR created_at < $5)
		ORDER BY created_at DESC, id DESC
		LIMIT $6`

	var cursor *time.Time
	if !before.IsZero() {
		cursor = &before
	}
	rows, err := s.pool.Query(ctx, query,
		a.ID, a.Role, b.ID, b.Role, cursor, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list private messages: %w", err)
	}
	return collectMessages(rows)
}

func (s *MessageStore) ListGroup(ctx context.Context, groupID int64, before time.Time, limit int) ([]models.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE type = 'group'
		  AND group_id = $1
		  AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3`

	var cursor *time.Time
	if !before.IsZero() {
		cursor = &before
	}
	rows, err := s.pool.Query(ctx, query, groupID, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("list group messages: %w", err)
	}
	return collectMessages(rows)
}
