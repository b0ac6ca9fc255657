package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lalith-99/wirechat/internal/models"
)

type MembershipStore struct {
	pool *pgxpool.Pool
}

func NewMembershipStore(pool *pgxpool.Pool) *MembershipStore {
	return &MembershipStore{pool: pool}
}

// ActiveGroupMemberKeys is the cold-path loader behind the membership
// cache: active members plus the owning admin, as connection keys.
// The admin is not a group_members row — their membership is derived
// from owning the tenant, so it's synthesized into the result here.
func (s *MembershipStore) ActiveGroupMemberKeys(ctx context.Context, groupID int64) ([]models.ConnKey, error) {
	var adminID int64
	err := s.pool.QueryRow(ctx,
		`SELECT admin_id FROM groups WHERE id = $1 AND is_active = TRUE`, groupID,
	).Scan(&adminID)
	if err != nil {
		if isNoRows(err) {
			// Unknown and deactivated groups both resolve to an empty
			// delivery set, not an error — a broadcast to nobody.
			return []models.ConnKey{}, nil
		}
		return nil, fmt.Errorf("get group admin: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT user_id FROM group_members
		WHERE group_id = $1 AND is_member_active = TRUE`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group members: %w", err)
	}
	defer rows.Close()

	keys := []models.ConnKey{{Role: models.RoleAdmin, ID: adminID}}
	for rows.Next() {
		var userID int64
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		keys = append(keys, models.ConnKey{Role: models.RoleUser, ID: userID})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group members: %w", err)
	}
	return keys, nil
}

// TenantMemberKeys returns the presence audience for a tenant: every
// user (active or not — a deactivated user still shows as a peer with a
// last-seen) plus the admin.
func (s *MembershipStore) TenantMemberKeys(ctx context.Context, tenantID int64) ([]models.ConnKey, error) {
	var adminExists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM admins WHERE id = $1)`, tenantID,
	).Scan(&adminExists)
	if err != nil {
		return nil, fmt.Errorf("check admin: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id FROM users WHERE admin_id = $1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list tenant users: %w", err)
	}
	defer rows.Close()

	keys := make([]models.ConnKey, 0)
	if adminExists {
		keys = append(keys, models.ConnKey{Role: models.RoleAdmin, ID: tenantID})
	}
	for rows.Next() {
		var userID int64
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan tenant user: %w", err)
		}
		keys = append(keys, models.ConnKey{Role: models.RoleUser, ID: userID})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tenant users: %w", err)
	}
	return keys, nil
}

func (s *MembershipStore) GetGroup(ctx context.Context, groupID int64) (*models.Group, error) {
	var g models.Group
	err := s.pool.QueryRow(ctx, `
		SELECT id, admin_id, name, is_active
		FROM groups WHERE id = $1`, groupID,
	).Scan(&g.ID, &g.AdminID, &g.Name, &g.IsActive)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get group: %w", err)
	}
	return &g, nil
}

func (s *MembershipStore) IsActiveMember(ctx context.Context, groupID, userID int64) (bool, error) {
	// EXISTS stops at the first match — this runs on the history
	// authorization path, so it should stay cheap.
	query := `
		SELECT EXISTS (
			SELECT 1 FROM group_members
			WHERE group_id = $1 AND user_id = $2 AND is_member_active = TRUE
		)`

	var exists bool
	if err := s.pool.QueryRow(ctx, query, groupID, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return exists, nil
}

func (s *MembershipStore) AddMember(ctx context.Context, groupID, userID int64) error {
	// ON CONFLICT reactivates a previously-removed membership instead
	// of erroring on the primary key — "add member" is idempotent and
	// re-adding a kicked user is the normal path.
	query := `
		INSERT INTO group_members (group_id, user_id, is_member_active)
		VALUES ($1, $2, TRUE)
		ON CONFLICT (group_id, user_id)
		DO UPDATE SET is_member_active = TRUE, removed_at = NULL`

	if _, err := s.pool.Exec(ctx, query, groupID, userID); err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (s *MembershipStore) RemoveMember(ctx context.Context, groupID, userID int64) (bool, error) {
	// Soft removal: the row stays so history access decisions and
	// audits can see when someone was a member.
	query := `
		UPDATE group_members
		SET is_member_active = FALSE, removed_at = now()
		WHERE group_id = $1 AND user_id = $2 AND is_member_active = TRUE`

	tag, err := s.pool.Exec(ctx, query, groupID, userID)
	if err != nil {
		return false, fmt.Errorf("remove member: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *MembershipStore) DeactivateGroup(ctx context.Context, adminID, groupID int64) (bool, error) {
	query := `
		UPDATE groups SET is_active = FALSE
		WHERE id = $1 AND admin_id = $2`

	tag, err := s.pool.Exec(ctx, query, groupID, adminID)
	if err != nil {
		return false, fmt.Errorf("deactivate group: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
