// Package protocol defines the JSON wire events exchanged over the
// persistent connection — one JSON object per frame, discriminated by
// the "event" field.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/lalith-99/wirechat/internal/models"
)

// Inbound event names.
const (
	EventNewMessage   = "new_message"
	EventMessagesRead = "messages_read"
	EventDelete       = "delete_message"
)

// Outbound event names.
const (
	EventInitialPresence = "initial_presence_state"
	EventPresenceUpdate  = "presence_update"
	EventStatusUpdate    = "status_update"
	EventMessageDeleted  = "message_deleted"
	EventForceLogout     = "force_logout"
	EventMemberRemoved   = "member_removed"
)

// Inbound is the superset frame every client event decodes into; the
// session dispatches on Event and each handler validates the fields it
// needs. Unknown or missing fields are a drop, never a teardown — one
// bad frame must not kill a healthy stream.
type Inbound struct {
	Event string `json:"event"`

	// new_message
	Type     string          `json:"type,omitempty"`
	Receiver *InboundPeer    `json:"receiver,omitempty"`
	Group    *InboundGroup   `json:"group,omitempty"`
	Content  json.RawMessage `json:"content,omitempty"`

	// messages_read
	Partner *InboundPeer `json:"partner,omitempty"`
	GroupID int64        `json:"group_id,omitempty"`

	// delete_message
	MessageID string `json:"message_id,omitempty"`
}

type InboundPeer struct {
	ID       int64  `json:"id"`
	Role     string `json:"role"`
	Username string `json:"username,omitempty"`
}

type InboundGroup struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// InitialPresence is the snapshot sent to a freshly connected client:
// every tenant-mate (self excluded) keyed by connection-key string.
type InitialPresence struct {
	Event string                           `json:"event"`
	Users map[string]models.PresenceStatus `json:"users"`
}

func NewInitialPresence(users map[string]models.PresenceStatus) ([]byte, error) {
	return json.Marshal(InitialPresence{Event: EventInitialPresence, Users: users})
}

type PresenceUpdate struct {
	Event     string       `json:"event"`
	User      presenceUser `json:"user"`
	Status    string       `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
}

type presenceUser struct {
	ID   int64       `json:"id"`
	Role models.Role `json:"role"`
}

func NewPresenceUpdate(key models.ConnKey, status string, at time.Time) ([]byte, error) {
	return json.Marshal(PresenceUpdate{
		Event:     EventPresenceUpdate,
		User:      presenceUser{ID: key.ID, Role: key.Role},
		Status:    status,
		Timestamp: at,
	})
}

// StatusUpdate tells a sender their messages changed read status.
type StatusUpdate struct {
	Event      string   `json:"event"`
	MessageIDs []string `json:"message_ids"`
	Status     string   `json:"status"`
}

func NewStatusUpdate(messageIDs []string, status string) ([]byte, error) {
	return json.Marshal(StatusUpdate{Event: EventStatusUpdate, MessageIDs: messageIDs, Status: status})
}

type MessageDeleted struct {
	Event     string `json:"event"`
	MessageID string `json:"message_id"`
}

func NewMessageDeleted(messageID string) ([]byte, error) {
	return json.Marshal(MessageDeleted{Event: EventMessageDeleted, MessageID: messageID})
}

type ForceLogout struct {
	Event  string `json:"event"`
	Reason string `json:"reason"`
}

func NewForceLogout(reason string) ([]byte, error) {
	return json.Marshal(ForceLogout{Event: EventForceLogout, Reason: reason})
}

// MemberRemoved notifies a kicked user which conversation to drop.
type MemberRemoved struct {
	Event string `json:"event"`
	Type  string `json:"type"`
	ID    int64  `json:"id"`
}

func NewMemberRemoved(groupID int64) ([]byte, error) {
	return json.Marshal(MemberRemoved{Event: EventMemberRemoved, Type: "group", ID: groupID})
}
