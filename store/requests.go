package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/certmill/certmill/dbopen"
)

// Automation request statuses.
const (
	RequestPending    = "pending"
	RequestInProgress = "in-progress"
	RequestCompleted  = "completed"
)

// Request is one automation request submitted by a user.
type Request struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Direction   string    `json:"direction"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateRequest inserts a pending automation request for userID.
func (s *Store) CreateRequest(ctx context.Context, userID, direction, title, description string) (*Request, error) {
	r := &Request{
		ID:          s.newReqID(),
		UserID:      userID,
		Direction:   direction,
		Title:       title,
		Description: description,
		Status:      RequestPending,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := dbopen.Exec(ctx, s.db, `
		INSERT INTO automation_requests (id, user_id, direction, title, description, status, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		r.ID, r.UserID, r.Direction, r.Title, r.Description, r.Status,
		r.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("store: insert request: %w", err)
	}
	return r, nil
}

// GetRequest returns the request with id, or nil when absent.
func (s *Store) GetRequest(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, direction, title, description, status, created_at
		FROM automation_requests WHERE id = ?`, id)
	return scanRequest(row)
}

// ListRequests returns all requests, newest first.
func (s *Store) ListRequests(ctx context.Context) ([]Request, error) {
	return s.listRequests(ctx, `
		SELECT id, user_id, direction, title, description, status, created_at
		FROM automation_requests ORDER BY created_at DESC, id DESC`)
}

// ListRequestsByUser returns the requests submitted by userID, newest first.
// Filters on the stored user_id reference.
func (s *Store) ListRequestsByUser(ctx context.Context, userID string) ([]Request, error) {
	return s.listRequests(ctx, `
		SELECT id, user_id, direction, title, description, status, created_at
		FROM automation_requests WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
}

// UpdateRequestStatus moves a request to status.
func (s *Store) UpdateRequestStatus(ctx context.Context, id, status string) error {
	res, err := dbopen.Exec(ctx, s.db,
		`UPDATE automation_requests SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("store: update request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: request %s not found", id)
	}
	return nil
}

func (s *Store) listRequests(ctx context.Context, query string, args ...any) ([]Request, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query requests: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		var r Request
		var createdAt string
		if err := rows.Scan(&r.ID, &r.UserID, &r.Direction, &r.Title,
			&r.Description, &r.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan request: %w", err)
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRequest(row *sql.Row) (*Request, error) {
	var r Request
	var createdAt string
	err := row.Scan(&r.ID, &r.UserID, &r.Direction, &r.Title,
		&r.Description, &r.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan request: %w", err)
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &r, nil
}
