package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/certmill/certmill/dbopen"
	"github.com/certmill/certmill/idgen"
)

// Roles a user account can hold.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// ErrUserExists is returned by CreateUser for a duplicate email.
var ErrUserExists = errors.New("store: user already exists")

// User is one account row. PasswordHash is a bcrypt hash, never plaintext.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// HistoryEntry is one processing-history row for a user.
type HistoryEntry struct {
	ProcessedAt time.Time `json:"date"`
	Count       int       `json:"count"`
}

// CreateUser inserts a new account and returns it.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash, role string) (*User, error) {
	if role != RoleAdmin {
		role = RoleUser
	}
	u := &User{
		ID:           s.newUserID(),
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: passwordHash,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := dbopen.Exec(ctx, s.db, `
		INSERT INTO users (id, email, password_hash, role, created_at)
		VALUES (?,?,?,?,?)`,
		u.ID, u.Email, u.PasswordHash, u.Role, u.CreatedAt.Format(time.RFC3339))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("store: insert user: %w", err)
	}
	return u, nil
}

// GetUserByEmail returns the account for email, or nil when absent.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, role, created_at
		FROM users WHERE email = ?`,
		strings.ToLower(strings.TrimSpace(email))))
}

// GetUserByID returns the account for id, or nil when absent.
func (s *Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, role, created_at
		FROM users WHERE id = ?`, id))
}

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	var u User
	var createdAt string
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan user: %w", err)
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &u, nil
}

// AppendProcessHistory records one completed processing run for userID with
// the current timestamp. Called by the job supervisor after a successful run.
func (s *Store) AppendProcessHistory(ctx context.Context, userID string) error {
	_, err := dbopen.Exec(ctx, s.db, `
		INSERT INTO process_history (id, user_id, processed_at, count)
		VALUES (?,?,?,1)`,
		idgen.Prefixed("hist_", idgen.Default)(), userID,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("store: append history: %w", err)
	}
	return nil
}

// ProcessHistory returns the history entries for userID, newest first.
func (s *Store) ProcessHistory(ctx context.Context, userID string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT processed_at, count FROM process_history
		WHERE user_id = ? ORDER BY processed_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: query history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var at string
		if err := rows.Scan(&at, &e.Count); err != nil {
			return nil, fmt.Errorf("store: scan history: %w", err)
		}
		e.ProcessedAt, _ = time.Parse(time.RFC3339, at)
		out = append(out, e)
	}
	return out, rows.Err()
}
