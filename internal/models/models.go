package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role distinguishes the two kinds of participants.
//
// Why a string type and not iota constants?
//   - The role travels over the wire ("user-42", JWT claims, presence
//     events). A string enum marshals to exactly what the clients expect
//     with zero conversion code.
//   - Typos still fail loudly: ParseRole rejects anything else.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUser, RoleAdmin:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Identity is the single sum type threaded through every component:
// who is this participant, what are they, and which tenant do they
// belong to. It replaces any "is this a User or an Admin?" type switch —
// components branch on Role, never on a concrete struct type.
//
// TenantID is the owning admin's ID. For an admin, TenantID == ID:
// the admin IS the tenant boundary.
type Identity struct {
	ID       int64  `json:"id"`
	Role     Role   `json:"role"`
	TenantID int64  `json:"-"`
	Username string `json:"username,omitempty"`
}

func (i Identity) Key() ConnKey {
	return ConnKey{Role: i.Role, ID: i.ID}
}

// ConnKey identifies one logical participant on the realtime plane:
// at most one live transport exists per key. Textual form "<role>-<id>"
// ("user-42", "admin-7") — this exact string is the registry map key,
// the cache set member, and the read_by element.
type ConnKey struct {
	Role Role
	ID   int64
}

func (k ConnKey) String() string {
	return string(k.Role) + "-" + strconv.FormatInt(k.ID, 10)
}

// ParseConnKey is the inverse of String. Cache entries come back from
// Redis as strings, so this runs on every cache read.
func ParseConnKey(s string) (ConnKey, error) {
	role, id, ok := strings.Cut(s, "-")
	if !ok {
		return ConnKey{}, fmt.Errorf("malformed connection key %q", s)
	}
	r, err := ParseRole(role)
	if err != nil {
		return ConnKey{}, fmt.Errorf("malformed connection key %q: %w", s, err)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return ConnKey{}, fmt.Errorf("malformed connection key %q: %w", s, err)
	}
	return ConnKey{Role: r, ID: n}, nil
}

// MessageType partitions messages into 1:1 and group conversations.
type MessageType string

const (
	MessagePrivate MessageType = "private"
	MessageGroup   MessageType = "group"
)

// GroupRef is the group snapshot embedded in a group message.
type GroupRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Message is one chat message, private or group.
//
// The core fields are immutable after insert. Only two things ever
// change: ReadBy grows (never shrinks), and IsDeleted flips false→true
// (never back). The message row is never physically removed.
//
// Why snapshot Sender/Receiver instead of joining at read time?
//   - The message must render correctly even if the user is later
//     renamed or deactivated. Chat history is a record of what was
//     said by whom at the time, not a view over current account state.
//
// ReadBy holds connection-key strings ("user-42"), not bare IDs —
// a user and an admin can share a numeric ID, and the key form cannot
// collide across roles.
type Message struct {
	ID        uuid.UUID       `json:"_id"`
	Type      MessageType     `json:"type"`
	Sender    Identity        `json:"sender"`
	Receiver  *Identity       `json:"receiver,omitempty"`
	Group     *GroupRef       `json:"group,omitempty"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"timestamp"`
	ReadBy    []string        `json:"read_by"`
	IsDeleted bool            `json:"is_deleted"`

	// Status is derived per viewer at query time ("sent" or "read"),
	// never stored. Zero value means "not computed".
	Status string `json:"status,omitempty"`
}

// ReadByKey reports whether key has acknowledged this message.
func (m *Message) ReadByKey(key ConnKey) bool {
	want := key.String()
	for _, k := range m.ReadBy {
		if k == want {
			return true
		}
	}
	return false
}

// StatusFor derives the binary sent/read status from the viewer's
// perspective:
//   - The sender sees "read" once the receiving party is in read_by.
//     For groups there is no single receiving party, so the sender
//     always sees "sent".
//   - Anyone else sees "read" iff they themselves are in read_by.
//
// The sender is in read_by from creation, so their own messages never
// count as unread for them.
func (m *Message) StatusFor(viewer ConnKey) string {
	if m.Sender.Key() == viewer {
		if m.Type == MessagePrivate && m.Receiver != nil && m.ReadByKey(m.Receiver.Key()) {
			return "read"
		}
		return "sent"
	}
	if m.ReadByKey(viewer) {
		return "read"
	}
	return "sent"
}

// Admin is the tenant root: one admin owns a set of users and groups.
type Admin struct {
	ID           int64      `json:"id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	IsActive     bool       `json:"is_active"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
}

// User is a person within a tenant. AdminID is the tenant boundary —
// every query involving users is scoped by it.
type User struct {
	ID           int64      `json:"id"`
	AdminID      int64      `json:"admin_id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	IsActive     bool       `json:"is_active"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
}

// Group is a chat group owned by a tenant's admin. Deactivation is a
// soft flag: history survives, live delivery stops.
type Group struct {
	ID       int64  `json:"id"`
	AdminID  int64  `json:"admin_id"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

// PresenceStatus is the derived per-key presence value. A key is online
// iff it has a live registry entry; LastSeen only means anything when
// the key is offline.
type PresenceStatus struct {
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"lastSeen"`
}

// AdminOwnsGroup is the derived "admin is a member of every group in
// their tenant" rule: a capability computed from the identity and the
// group's owning tenant, never a synthesized membership row. Users go
// through the membership store instead.
func AdminOwnsGroup(id Identity, g *Group) bool {
	return id.Role == RoleAdmin && g != nil && g.AdminID == id.ID
}
