package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lalith-99/wirechat/internal/models"
)

// PresenceStore persists last-seen timestamps. Users and admins live in
// different tables, so every operation branches on the key's role — the
// one place that distinction leaks out of the relational layer.
type PresenceStore struct {
	pool *pgxpool.Pool
}

func NewPresenceStore(pool *pgxpool.Pool) *PresenceStore {
	return &PresenceStore{pool: pool}
}

func (s *PresenceStore) SetLastSeen(ctx context.Context, key models.ConnKey, at time.Time) error {
	var query string
	switch key.Role {
	case models.RoleUser:
		query = `UPDATE users SET last_seen = $2 WHERE id = $1`
	case models.RoleAdmin:
		query = `UPDATE admins SET last_seen = $2 WHERE id = $1`
	default:
		return fmt.Errorf("set last seen: unknown role %q", key.Role)
	}

	if _, err := s.pool.Exec(ctx, query, key.ID, at); err != nil {
		return fmt.Errorf("set last seen for %s: %w", key, err)
	}
	return nil
}

// LastSeenFor fetches last-seen values for a mixed set of keys in two
// batched queries (one per table) instead of a query per peer — this
// runs on every connect to build the presence snapshot.
func (s *PresenceStore) LastSeenFor(ctx context.Context, keys []models.ConnKey) (map[models.ConnKey]time.Time, error) {
	var userIDs, adminIDs []int64
	for _, k := range keys {
		switch k.Role {
		case models.RoleUser:
			userIDs = append(userIDs, k.ID)
		case models.RoleAdmin:
			adminIDs = append(adminIDs, k.ID)
		}
	}

	out := make(map[models.ConnKey]time.Time, len(keys))

	collect := func(query string, ids []int64, role models.Role) error {
		if len(ids) == 0 {
			return nil
		}
		rows, err := s.pool.Query(ctx, query, ids)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				id       int64
				lastSeen *time.Time
			)
			if err := rows.Scan(&id, &lastSeen); err != nil {
				return err
			}
			if lastSeen != nil {
				out[models.ConnKey{Role: role, ID: id}] = *lastSeen
			}
		}
		return rows.Err()
	}

	if err := collect(
		`SELECT id, last_seen FROM users WHERE id = ANY($1)`,
		userIDs, models.RoleUser,
	); err != nil {
		return nil, fmt.Errorf("last seen for users: %w", err)
	}
	if err := collect(
		`SELECT id, last_seen FROM admins WHERE id = ANY($1)`,
		adminIDs, models.RoleAdmin,
	); err != nil {
		return nil, fmt.Errorf("last seen for admins: %w", err)
	}
	return out, nil
}
