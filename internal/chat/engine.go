// Package chat is the message/read-receipt engine: it validates and
// persists inbound message events, resolves delivery targets, pushes
// through the connection registry, and maintains the read-by set and
// soft-delete flag. It is the sole writer of message state.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/wirechat/internal/models"
	"github.com/lalith-99/wirechat/internal/observ"
	"github.com/lalith-99/wirechat/internal/protocol"
	"github.com/lalith-99/wirechat/internal/repository"
)

// ErrDropped marks events that were deliberately ignored: malformed
// frames and authorization violations. The session logs and moves on —
// the lenient-channel policy says a stream never tears down, and an
// offender never learns whether the target existed.
var ErrDropped = errors.New("event dropped")

// IsDropped reports whether err is the deliberate-ignore case.
func IsDropped(err error) bool {
	return errors.Is(err, ErrDropped)
}

// History authorization errors surface as HTTP statuses in the API
// layer (history is request/response, not a stream, so it may be loud).
var (
	ErrGroupNotFound = errors.New("group not found")
	ErrNotMember     = errors.New("not a member of this group")
)

// Conns is the delivery slice of the connection registry.
type Conns interface {
	Send(key models.ConnKey, payload []byte) bool
}

// Members resolves the group delivery audience (the membership cache).
type Members interface {
	GroupMembers(ctx context.Context, groupID int64) ([]models.ConnKey, error)
}

type Engine struct {
	conns    Conns
	members  Members
	messages repository.MessageRepository
	groups   repository.MembershipRepository
	logger   *zap.Logger

	// Swappable for deterministic tests.
	now   func() time.Time
	newID func() uuid.UUID
}

func NewEngine(conns Conns, members Members, messages repository.MessageRepository, groups repository.MembershipRepository, logger *zap.Logger) *Engine {
	return &Engine{
		conns:    conns,
		members:  members,
		messages: messages,
		groups:   groups,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.New,
	}
}

// isObject reports whether raw is a JSON object. Message content must
// be structured — a bare string or array is rejected (dropped).
func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}

// HandleNewMessage validates, persists, and delivers one new_message
// event. Persistence strictly precedes delivery: if the insert fails,
// nothing is broadcast and the message does not exist.
func (e *Engine) HandleNewMessage(ctx context.Context, sender models.Identity, ev *protocol.Inbound) error {
	if !isObject(ev.Content) {
		return ErrDropped
	}

	msg := &models.Message{
		ID:        e.newID(),
		Sender:    sender,
		Content:   ev.Content,
		CreatedAt: e.now(),
		ReadBy:    []string{sender.Key().String()},
	}

	var targets []models.ConnKey
	switch models.MessageType(ev.Type) {
	case models.MessagePrivate:
		if ev.Receiver == nil {
			return ErrDropped
		}
		role, err := models.ParseRole(ev.Receiver.Role)
		if err != nil {
			return ErrDropped
		}
		msg.Type = models.MessagePrivate
		msg.Receiver = &models.Identity{
			ID:       ev.Receiver.ID,
			Role:     role,
			Username: ev.Receiver.Username,
		}
		targets = []models.ConnKey{msg.Receiver.Key()}

	case models.MessageGroup:
		if ev.Group == nil {
			return ErrDropped
		}
		msg.Type = models.MessageGroup
		msg.Group = &models.GroupRef{ID: ev.Group.ID, Name: ev.Group.Name}

		// Resolve the audience before persisting: a resolution failure
		// means the message is not accepted at all, rather than stored
		// but undeliverable.
		keys, err := e.members.GroupMembers(ctx, ev.Group.ID)
		if err != nil {
			return fmt.Errorf("resolve group members: %w", err)
		}
		self := sender.Key()
		for _, k := range keys {
			if k != self {
				targets = append(targets, k)
			}
		}

	default:
		return ErrDropped
	}

	if err := e.messages.Insert(ctx, msg); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}
	observ.MessagesStored.WithLabelValues(string(msg.Type)).Inc()

	// The delivery push is the raw persisted message object.
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	for _, k := range targets {
		ok := e.conns.Send(k, payload)
		countSend("message", ok)
	}
	return nil
}

// HandleMessagesRead bulk-marks a conversation read for the reader and
// notifies each affected sender with a status_update. Idempotent: a
// second invocation matches zero unread messages and does nothing.
func (e *Engine) HandleMessagesRead(ctx context.Context, reader models.Identity, ev *protocol.Inbound) error {
	var (
		affected []models.Message
		err      error
	)
	switch {
	case ev.Partner != nil:
		role, perr := models.ParseRole(ev.Partner.Role)
		if perr != nil {
			return ErrDropped
		}
		partner := models.ConnKey{Role: role, ID: ev.Partner.ID}
		affected, err = e.messages.MarkPrivateRead(ctx, reader.Key(), partner)
	case ev.GroupID != 0:
		affected, err = e.messages.MarkGroupRead(ctx, reader.Key(), ev.GroupID)
	default:
		return ErrDropped
	}
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}

	// One status_update per sender, batching their message IDs.
	bySender := make(map[models.ConnKey][]string)
	for _, msg := range affected {
		key := msg.Sender.Key()
		bySender[key] = append(bySender[key], msg.ID.String())
	}
	for sender, ids := range bySender {
		payload, err := protocol.NewStatusUpdate(ids, "read")
		if err != nil {
			continue
		}
		ok := e.conns.Send(sender, payload)
		countSend(protocol.EventStatusUpdate, ok)
	}
	return nil
}

// HandleDelete soft-deletes a message. Only the original sender may
// delete; any mismatch is logged for audit and silently ignored, so a
// probing client cannot distinguish "not yours" from "doesn't exist".
// The deletion notice goes to the participants resolved at delete time
// — for groups that can include members who joined after the send.
func (e *Engine) HandleDelete(ctx context.Context, requester models.Identity, ev *protocol.Inbound) error {
	id, err := uuid.Parse(ev.MessageID)
	if err != nil {
		return ErrDropped
	}

	msg, err := e.messages.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if msg == nil {
		return ErrDropped
	}
	if msg.Sender.Key() != requester.Key() {
		e.logger.Warn("delete denied: requester is not the sender",
			zap.String("message_id", ev.MessageID),
			zap.String("requester", requester.Key().String()),
			zap.String("sender", msg.Sender.Key().String()),
		)
		return ErrDropped
	}

	if err := e.messages.SetDeleted(ctx, id); err != nil {
		// Persistence failed: the delete did not happen, nobody is told.
		return fmt.Errorf("set deleted: %w", err)
	}

	var participants []models.ConnKey
	switch msg.Type {
	case models.MessagePrivate:
		participants = []models.ConnKey{msg.Sender.Key()}
		if msg.Receiver != nil {
			participants = append(participants, msg.Receiver.Key())
		}
	case models.MessageGroup:
		if msg.Group != nil {
			participants, err = e.members.GroupMembers(ctx, msg.Group.ID)
			if err != nil {
				// The delete itself stuck; degrade to notifying nobody
				// rather than failing the event.
				e.logger.Warn("resolve participants for delete notice", zap.Error(err))
			}
		}
	}

	payload, err := protocol.NewMessageDeleted(ev.MessageID)
	if err != nil {
		return nil
	}
	for _, k := range participants {
		ok := e.conns.Send(k, payload)
		countSend(protocol.EventMessageDeleted, ok)
	}
	return nil
}

// History serves a conversation page, newest first, with a timestamp
// cursor. Group history is gated by the derived access rule (owning
// admin or active member) — NOT by live delivery membership, so former
// members of a deactivated group can still read.
func (e *Engine) History(ctx context.Context, viewer models.Identity, convType models.MessageType, partner models.ConnKey, before time.Time, limit int) ([]models.Message, string, error) {
	var (
		messages []models.Message
		err      error
	)
	switch convType {
	case models.MessagePrivate:
		messages, err = e.messages.ListPrivate(ctx, viewer.Key(), partner, before, limit)
	case models.MessageGroup:
		group, gerr := e.groups.GetGroup(ctx, partner.ID)
		if gerr != nil {
			return nil, "", gerr
		}
		if group == nil {
			return nil, "", ErrGroupNotFound
		}
		if !models.AdminOwnsGroup(viewer, group) {
			member, merr := e.groups.IsActiveMember(ctx, partner.ID, viewer.ID)
			if merr != nil {
				return nil, "", merr
			}
			if !member {
				return nil, "", ErrNotMember
			}
		}
		messages, err = e.messages.ListGroup(ctx, partner.ID, before, limit)
	default:
		return nil, "", fmt.Errorf("invalid conversation type %q", convType)
	}
	if err != nil {
		return nil, "", err
	}

	for i := range messages {
		messages[i].Status = messages[i].StatusFor(viewer.Key())
	}

	var nextCursor string
	if len(messages) == limit && limit > 0 {
		nextCursor = messages[len(messages)-1].CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return messages, nextCursor, nil
}

func countSend(event string, ok bool) {
	if ok {
		observ.EventsDelivered.WithLabelValues(event).Inc()
	} else {
		observ.EventsDropped.WithLabelValues(event).Inc()
	}
}
