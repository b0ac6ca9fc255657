package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lalith-99/wirechat/internal/models"
)

// Why context.Context as the first parameter on every method?
//
//   - It's idiomatic Go for anything that does I/O (DB, Redis, HTTP).
//   - It carries deadlines: if the request or connection is gone, the
//     query gets cancelled too. No wasted work.
//   - Rule of thumb: if a function touches the network, it takes ctx.
//
// Why do the realtime engines depend on these interfaces and never on
// *pgxpool.Pool?
//
//   - The engines' logic (fan-out, read-marks, presence) is exactly the
//     part worth unit-testing without a database. Interfaces here,
//     fakes in the _test files.
//   - The durable stores are collaborators, not part of the core: the
//     core only needs the handful of operations below.

// AdminRepository handles tenant-admin records.
type AdminRepository interface {
	// GetByUsername returns nil, nil if no such admin exists.
	GetByUsername(ctx context.Context, username string) (*models.Admin, error)
}

// UserRepository handles user records.
type UserRepository interface {
	// GetByUsername returns nil, nil if no such user exists.
	GetByUsername(ctx context.Context, username string) (*models.User, error)

	// Deactivate flips is_active off for a user in the admin's tenant.
	// Reports false if the user doesn't exist in that tenant.
	Deactivate(ctx context.Context, adminID, userID int64) (bool, error)
}

// MembershipRepository is the durable source of truth behind the
// membership cache, plus the mutation paths that must patch it.
type MembershipRepository interface {
	// ActiveGroupMemberKeys returns the delivery set for a group:
	// active members plus the owning admin. Empty (not an error) if the
	// group does not exist.
	ActiveGroupMemberKeys(ctx context.Context, groupID int64) ([]models.ConnKey, error)

	// TenantMemberKeys returns every user in the tenant — active or
	// not, presence does not filter — plus the admin.
	TenantMemberKeys(ctx context.Context, tenantID int64) ([]models.ConnKey, error)

	// GetGroup returns nil, nil if the group does not exist.
	GetGroup(ctx context.Context, groupID int64) (*models.Group, error)

	// IsActiveMember reports whether the user is an active member of
	// the group. Admin access is derived, not stored — callers check
	// models.AdminOwnsGroup first.
	IsActiveMember(ctx context.Context, groupID, userID int64) (bool, error)

	// AddMember inserts the membership row, or reactivates it if the
	// user was previously removed. Idempotent.
	AddMember(ctx context.Context, groupID, userID int64) error

	// RemoveMember deactivates the membership row. Reports false if
	// the user was not a member.
	RemoveMember(ctx context.Context, groupID, userID int64) (bool, error)

	// DeactivateGroup soft-deletes a group in the admin's tenant.
	// Reports false if the group doesn't exist in that tenant.
	DeactivateGroup(ctx context.Context, adminID, groupID int64) (bool, error)
}

// MessageRepository handles the durable message store. Single-row
// mutations (AddReader semantics inside MarkRead, SetDeleted) are
// atomic at the store level — the engine never does read-modify-write
// on read_by.
type MessageRepository interface {
	// Insert persists a message. The caller has already populated ID,
	// ReadBy ({sender}) and CreatedAt.
	Insert(ctx context.Context, msg *models.Message) error

	// GetByID returns nil, nil if the message does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Message, error)

	// SetDeleted flips is_deleted on. One-way; repeat calls are no-ops.
	SetDeleted(ctx context.Context, id uuid.UUID) error

	// MarkPrivateRead adds reader to read_by on every private message
	// from partner to reader that reader hasn't read yet, and returns
	// the affected messages (for sender notification). Idempotent:
	// nothing unread means an empty result, not an error.
	MarkPrivateRead(ctx context.Context, reader, partner models.ConnKey) ([]models.Message, error)

	// MarkGroupRead is the group analogue: every message in the group
	// not yet read by reader. The reader's own messages are naturally
	// excluded — a sender is in read_by from creation.
	MarkGroupRead(ctx context.Context, reader models.ConnKey, groupID int64) ([]models.Message, error)

	// ListPrivate returns the private conversation between a and b,
	// newest first, strictly older than before (zero time = from the
	// top), at most limit rows.
	ListPrivate(ctx context.Context, a, b models.ConnKey, before time.Time, limit int) ([]models.Message, error)

	// ListGroup is the group-history analogue. Not gated by live
	// membership — the caller authorizes.
	ListGroup(ctx context.Context, groupID int64, before time.Time, limit int) ([]models.Message, error)
}

// PresenceRepository persists last-seen timestamps, keyed by identity
// (users and admins both have one).
type PresenceRepository interface {
	SetLastSeen(ctx context.Context, key models.ConnKey, at time.Time) error

	// LastSeenFor batch-fetches last-seen values for the given keys.
	// Keys with no persisted value are absent from the result.
	LastSeenFor(ctx context.Context, keys []models.ConnKey) (map[models.ConnKey]time.Time, error)
}
