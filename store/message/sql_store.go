package message

import (
	"context"
	"database/sql"
	"errors"
	"slices"

	"github.com/lib/pq"
)

const invalidTextRepresentation = "22P02"

const messageColumns = `
	id, conversation_id, sender_id, body,
	image_key, image_url, image_thumb_url, image_content_type,
	created_at`

// SQLStore implements Store using a database/sql connection.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new SQLStore.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		msg                          Message
		key, url, thumb, contentType sql.NullString
	)
	if err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Body,
		&key, &url, &thumb, &contentType,
		&msg.CreatedAt,
	); err != nil {
		return nil, err
	}
	if key.Valid {
		msg.Image = &Image{
			Key:          key.String,
			URL:          url.String,
			ThumbnailURL: thumb.String,
			ContentType:  contentType.String,
		}
	}
	return &msg, nil
}

// Create inserts msg. The stored created_at is the later of msg.CreatedAt
// and the database clock at insert, and is written back to msg.
func (s *SQLStore) Create(ctx context.Context, msg *Message) error {
	if msg.Body == "" && msg.Image == nil {
		return ErrEmptyMessage
	}

	query := `
		INSERT INTO messages (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, GREATEST($9::timestamptz, clock_timestamp()))
		RETURNING created_at
	`

	var key, url, thumb, contentType sql.NullString
	if img := msg.Image; img != nil {
		key = sql.NullString{String: img.Key, Valid: true}
		url = sql.NullString{String: img.URL, Valid: true}
		thumb = sql.NullString{String: img.ThumbnailURL, Valid: img.ThumbnailURL != ""}
		contentType = sql.NullString{String: img.ContentType, Valid: true}
	}

	return s.db.QueryRowContext(ctx, query,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Body,
		key, url, thumb, contentType,
		msg.CreatedAt,
	).Scan(&msg.CreatedAt)
}

func (s *SQLStore) Get(ctx context.Context, conversationID, id string) (*Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE id = $1 AND conversation_id = $2
	`

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, id, conversationID))
	if err != nil {
		if err == sql.ErrNoRows || isInvalidText(err) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return msg, nil
}

func (s *SQLStore) ListAfter(ctx context.Context, conversationID string, after Cursor, limit int) ([]Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
			AND (created_at, id) > ($2, $3)
		ORDER BY created_at, id
		LIMIT $4
	`

	return s.list(ctx, false, query, conversationID, after.CreatedAt, after.ID, limit)
}

func (s *SQLStore) ListBefore(ctx context.Context, conversationID string, before Cursor, limit int) ([]Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
			AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`

	return s.list(ctx, true, query, conversationID, before.CreatedAt, before.ID, limit)
}

func (s *SQLStore) ListLatest(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	return s.list(ctx, true, query, conversationID, limit)
}

func (s *SQLStore) Count(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, conversationID,
	).Scan(&n)
	return n, err
}

// list runs a message query; descending results are reversed so callers
// always receive ascending order.
func (s *SQLStore) list(ctx context.Context, descending bool, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	msgs := []Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if descending {
		slices.Reverse(msgs)
	}
	return msgs, nil
}

func isInvalidText(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == invalidTextRepresentation
}
