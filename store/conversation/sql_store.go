package conversation

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

const uniqueViolation = "23505"

const conversationColumns = `
	c.id, c.chat_type, c.created_by, c.title, c.member_count,
	c.last_message_id, c.last_message_at, c.last_message_preview,
	c.created_at, c.updated_at`

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

func scanConversation(row rowScanner, extra ...any) (*Conversation, error) {
	var (
		convo       Conversation
		title       sql.NullString
		lastID      sql.NullString
		lastAt      sql.NullTime
		lastPreview sql.NullString
	)
	dest := []any{
		&convo.ID, &convo.Type, &convo.CreatedBy, &title, &convo.MemberCount,
		&lastID, &lastAt, &lastPreview,
		&convo.CreatedAt, &convo.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	convo.Title = title.String
	if lastID.Valid && lastAt.Valid {
		convo.LastMessage = &LastMessage{
			ID:      lastID.String,
			Preview: lastPreview.String,
			At:      lastAt.Time,
		}
	}
	return &convo, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + `
		FROM conversations c
		WHERE c.id = $1
	`

	convo, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return convo, nil
}

func (s *SQLStore) GetDirectBetween(ctx context.Context, userAID, userBID string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + `
		FROM conversations c
		JOIN conversation_members m1 ON m1.conversation_id = c.id
		JOIN conversation_members m2 ON m2.conversation_id = c.id
		WHERE c.chat_type = 'direct'
			AND m1.user_id = $1
			AND m2.user_id = $2
		ORDER BY c.created_at
		LIMIT 1
	`

	convo, err := scanConversation(s.db.QueryRowContext(ctx, query, userAID, userBID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return convo, nil
}

func (s *SQLStore) CreateDirect(ctx context.Context, convo *Conversation, userAID, userBID string) (err error) {
	low, high := Pair(userAID, userBID)
	if low == high {
		return ErrSamePair
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	if convo.CreatedAt.IsZero() {
		convo.CreatedAt = now
	}
	convo.UpdatedAt = convo.CreatedAt
	convo.Type = TypeDirect
	convo.MemberCount = MaxMembers

	convoInsert := `
		INSERT INTO conversations (chat_type, created_by, member_count, member_low, member_high, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING id
	`

	if err = tx.QueryRowContext(ctx, convoInsert,
		convo.Type, convo.CreatedBy, convo.MemberCount, low, high, convo.CreatedAt,
	).Scan(&convo.ID); err != nil {
		if isUniqueViolation(err) {
			err = ErrDuplicatePair
		}
		return err
	}

	memberInsert := `
		INSERT INTO conversation_members (conversation_id, user_id, joined_at)
		VALUES ($1, $2, $3)
	`

	for _, memberID := range []string{userAID, userBID} {
		if _, err = tx.ExecContext(ctx, memberInsert, convo.ID, memberID, convo.CreatedAt); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return err
	}

	return nil
}

func (s *SQLStore) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM conversation_members
			WHERE conversation_id = $1 AND user_id = $2
		)
	`

	var ok bool
	if err := s.db.QueryRowContext(ctx, query, conversationID, userID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (s *SQLStore) Members(ctx context.Context, conversationID string) ([]Member, error) {
	query := `
		SELECT conversation_id, user_id, joined_at, last_read_at
		FROM conversation_members
		WHERE conversation_id = $1
		ORDER BY joined_at, user_id
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var members []Member
	for rows.Next() {
		var (
			m        Member
			lastRead sql.NullTime
		)
		if err := rows.Scan(&m.ConversationID, &m.UserID, &m.JoinedAt, &lastRead); err != nil {
			return nil, err
		}
		if lastRead.Valid {
			t := lastRead.Time
			m.LastReadAt = &t
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *SQLStore) AddMember(ctx context.Context, conversationID, userID string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// The row lock serializes concurrent joins on one conversation.
	var count int
	lock := `SELECT member_count FROM conversations WHERE id = $1 FOR UPDATE`
	if err = tx.QueryRowContext(ctx, lock, conversationID).Scan(&count); err != nil {
		if err == sql.ErrNoRows {
			err = ErrConversationNotFound
		}
		return err
	}

	var exists bool
	check := `SELECT EXISTS (SELECT 1 FROM conversation_members WHERE conversation_id = $1 AND user_id = $2)`
	if err = tx.QueryRowContext(ctx, check, conversationID, userID).Scan(&exists); err != nil {
		return err
	}
	if exists {
		err = ErrAlreadyMember
		return err
	}
	if count >= MaxMembers {
		err = ErrConversationFull
		return err
	}

	insert := `
		INSERT INTO conversation_members (conversation_id, user_id, joined_at)
		VALUES ($1, $2, $3)
	`
	if _, err = tx.ExecContext(ctx, insert, conversationID, userID, time.Now().UTC()); err != nil {
		return err
	}

	bump := `UPDATE conversations SET member_count = member_count + 1, updated_at = now() WHERE id = $1`
	if _, err = tx.ExecContext(ctx, bump, conversationID); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLStore) ListForUser(ctx context.Context, userID string) ([]Summary, error) {
	query := `SELECT ` + conversationColumns + `,
			other.user_id,
			me.last_read_at,
			(
				SELECT COUNT(*) FROM messages msg
				WHERE msg.conversation_id = c.id
					AND msg.sender_id <> me.user_id
					AND (me.last_read_at IS NULL OR msg.created_at > me.last_read_at)
			) AS unread
		FROM conversations c
		JOIN conversation_members me ON me.conversation_id = c.id AND me.user_id = $1
		LEFT JOIN conversation_members other ON other.conversation_id = c.id AND other.user_id <> $1
		ORDER BY c.last_message_at DESC NULLS LAST, c.created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var summaries []Summary
	for rows.Next() {
		var (
			other    sql.NullString
			lastRead sql.NullTime
			unread   int
		)
		convo, err := scanConversation(rows, &other, &lastRead, &unread)
		if err != nil {
			return nil, err
		}
		sum := Summary{
			Conversation: *convo,
			OtherUserID:  other.String,
			UnreadCount:  unread,
		}
		if lastRead.Valid {
			t := lastRead.Time
			sum.LastReadAt = &t
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

func (s *SQLStore) UpdateLastMessage(ctx context.Context, conversationID string, last LastMessage) error {
	// An older message never overwrites a newer cache entry.
	query := `
		UPDATE conversations
		SET last_message_id = $2, last_message_at = $3, last_message_preview = $4, updated_at = now()
		WHERE id = $1
			AND (last_message_at IS NULL OR last_message_at <= $3)
	`

	_, err := s.db.ExecContext(ctx, query, conversationID, last.ID, last.At, last.Preview)
	return err
}

func (s *SQLStore) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	query := `
		UPDATE conversation_members
		SET last_read_at = $3
		WHERE conversation_id = $1 AND user_id = $2
	`

	res, err := s.db.ExecContext(ctx, query, conversationID, userID, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotMember
	}
	return nil
}

func (s *SQLStore) ReconcileLastMessages(ctx context.Context) (int64, error) {
	query := `
		UPDATE conversations c
		SET last_message_id = lm.id,
			last_message_at = lm.created_at,
			last_message_preview = CASE
				WHEN lm.body = '' AND lm.image_key IS NOT NULL THEN $1
				ELSE left(lm.body, $2)
			END,
			updated_at = now()
		FROM (
			SELECT DISTINCT ON (conversation_id) conversation_id, id, created_at, body, image_key
			FROM messages
			ORDER BY conversation_id, created_at DESC, id DESC
		) lm
		WHERE lm.conversation_id = c.id
			AND c.last_message_id IS DISTINCT FROM lm.id
	`

	res, err := s.db.ExecContext(ctx, query, ImagePlaceholder, PreviewLength)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
