package user

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/lib/pq"
)

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

func scanUser(row rowScanner) (*User, error) {
	var (
		u       User
		display sql.NullString
		avatar  sql.NullString
	)
	if err := row.Scan(&u.ID, &u.Username, &display, &avatar, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.DisplayName = display.String
	u.AvatarURL = avatar.String
	return &u, nil
}

func (s *SQLStore) GetByID(ctx context.Context, id string) (*User, error) {
	query := `
		SELECT id, username, display_name, avatar_url, created_at
		FROM users
		WHERE id = $1
	`

	u, err := scanUser(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows || isInvalidText(err) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return u, nil
}

func (s *SQLStore) GetByUsername(ctx context.Context, username string) (*User, error) {
	query := `
		SELECT id, username, display_name, avatar_url, created_at
		FROM users
		WHERE username = $1
	`

	u, err := scanUser(s.db.QueryRowContext(ctx, query, username))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return u, nil
}

func (s *SQLStore) Search(ctx context.Context, query, excludeID string, limit int) ([]User, error) {
	stmt := `
		SELECT id, username, display_name, avatar_url, created_at
		FROM users
		WHERE id::text <> $2
			AND (username ILIKE $1 OR display_name ILIKE $1)
		ORDER BY username
		LIMIT $3
	`

	rows, err := s.db.QueryContext(ctx, stmt, likePattern(query), excludeID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	users := []User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePattern builds a substring pattern with LIKE metacharacters escaped.
func likePattern(query string) string {
	return "%" + likeEscaper.Replace(query) + "%"
}

func isInvalidText(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "22P02"
}
