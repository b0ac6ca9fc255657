package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lalith-99/wirechat/internal/models"
)

// isNoRows distinguishes "not found" from real failures. Callers turn
// the former into nil, nil — not-found is an answer, not an error.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

type UserStore struct {
	pool *pgxpool.Pool
}

func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

func (s *UserStore) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx, `
		SELECT id, admin_id, username, password_hash, is_active, last_seen
		FROM users WHERE username = $1`, username,
	).Scan(&u.ID, &u.AdminID, &u.Username, &u.PasswordHash, &u.IsActive, &u.LastSeen)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *UserStore) Deactivate(ctx context.Context, adminID, userID int64) (bool, error) {
	// Scoped by admin_id: an admin can only deactivate their own
	// tenant's users, enforced at the query, not just the handler.
	query := `
		UPDATE users SET is_active = FALSE
		WHERE id = $1 AND admin_id = $2`

	tag, err := s.pool.Exec(ctx, query, userID, adminID)
	if err != nil {
		return false, fmt.Errorf("deactivate user: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

type AdminStore struct {
	pool *pgxpool.Pool
}

func NewAdminStore(pool *pgxpool.Pool) *AdminStore {
	return &AdminStore{pool: pool}
}

func (s *AdminStore) GetByUsername(ctx context.Context, username string) (*models.Admin, error) {
	var a models.Admin
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, is_active, last_seen
		FROM admins WHERE username = $1`, username,
	).Scan(&a.ID, &a.Username, &a.PasswordHash, &a.IsActive, &a.LastSeen)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get admin: %w", err)
	}
	return &a, nil
}
