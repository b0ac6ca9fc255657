package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalith-99/wirechat/internal/models"
	"github.com/lalith-99/wirechat/internal/protocol"
)

type fakeConns struct {
	mu     sync.Mutex
	online map[models.ConnKey]struct{}
	sent   map[models.ConnKey][][]byte
}

func newFakeConns(online ...models.ConnKey) *fakeConns {
	f := &fakeConns{
		online: make(map[models.ConnKey]struct{}),
		sent:   make(map[models.ConnKey][][]byte),
	}
	for _, k := range online {
		f.online[k] = struct{}{}
	}
	return f
}

func (f *fakeConns) Send(key models.ConnKey, payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.online[key]; !ok {
		return false
	}
	f.sent[key] = append(f.sent[key], payload)
	return true
}

type fakeMembers struct {
	groups map[int64][]models.ConnKey
	err    error
}

func (f *fakeMembers) GroupMembers(_ context.Context, groupID int64) ([]models.ConnKey, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.groups[groupID], nil
}

// fakeMessages is an in-memory MessageRepository mirroring the store's
// contract: MarkRead is add-if-absent and returns only messages that
// actually changed.
type fakeMessages struct {
	mu         sync.Mutex
	messages   map[uuid.UUID]*models.Message
	order      []uuid.UUID
	failInsert bool
	failDelete bool
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{messages: make(map[uuid.UUID]*models.Message)}
}

func (s *fakeMessages) Insert(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsert {
		return errors.New("store unavailable")
	}
	cp := *msg
	cp.ReadBy = append([]string{}, msg.ReadBy...)
	s.messages[msg.ID] = &cp
	s.order = append(s.order, msg.ID)
	return nil
}

func (s *fakeMessages) GetByID(_ context.Context, id uuid.UUID) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	cp := *msg
	return &cp, nil
}

func (s *fakeMessages) SetDeleted(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDelete {
		return errors.New("store unavailable")
	}
	if msg, ok := s.messages[id]; ok {
		msg.IsDeleted = true
	}
	return nil
}

func (s *fakeMessages) markRead(reader models.ConnKey, match func(*models.Message) bool) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	rk := reader.String()
	var affected []models.Message
	for _, id := range s.order {
		msg := s.messages[id]
		if !match(msg) || msg.ReadByKey(reader) {
			continue
		}
		msg.ReadBy = append(msg.ReadBy, rk)
		affected = append(affected, *msg)
	}
	return affected
}

func (s *fakeMessages) MarkPrivateRead(_ context.Context, reader, partner models.ConnKey) ([]models.Message, error) {
	return s.markRead(reader, func(m *models.Message) bool {
		return m.Type == models.MessagePrivate &&
			m.Sender.Key() == partner &&
			m.Receiver != nil && m.Receiver.Key() == reader
	}), nil
}

func (s *fakeMessages) MarkGroupRead(_ context.Context, reader models.ConnKey, groupID int64) ([]models.Message, error) {
	return s.markRead(reader, func(m *models.Message) bool {
		return m.Type == models.MessageGroup && m.Group != nil && m.Group.ID == groupID
	}), nil
}

func (s *fakeMessages) list(match func(*models.Message) bool, before time.Time, limit int) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, id := range s.order {
		msg := s.messages[id]
		if !match(msg) {
			continue
		}
		if !before.IsZero() && !msg.CreatedAt.Before(before) {
			continue
		}
		out = append(out, *msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *fakeMessages) ListPrivate(_ context.Context, a, b models.ConnKey, before time.Time, limit int) ([]models.Message, error) {
	return s.list(func(m *models.Message) bool {
		if m.Type != models.MessagePrivate || m.Receiver == nil {
			return false
		}
		sk, rk := m.Sender.Key(), m.Receiver.Key()
		return (sk == a && rk == b) || (sk == b && rk == a)
	}, before, limit), nil
}

func (s *fakeMessages) ListGroup(_ context.Context, groupID int64, before time.Time, limit int) ([]models.Message, error) {
	return s.list(func(m *models.Message) bool {
		return m.Type == models.MessageGroup && m.Group != nil && m.Group.ID == groupID
	}, before, limit), nil
}

// fakeGroups serves the history authorization checks.
type fakeGroups struct {
	groups  map[int64]*models.Group
	members map[int64]map[int64]bool
}

func (f *fakeGroups) GetGroup(_ context.Context, groupID int64) (*models.Group, error) {
	return f.groups[groupID], nil
}

func (f *fakeGroups) IsActiveMember(_ context.Context, groupID, userID int64) (bool, error) {
	return f.members[groupID][userID], nil
}

func (f *fakeGroups) ActiveGroupMemberKeys(context.Context, int64) ([]models.ConnKey, error) {
	return nil, nil
}
func (f *fakeGroups) TenantMemberKeys(context.Context, int64) ([]models.ConnKey, error) {
	return nil, nil
}
func (f *fakeGroups) AddMember(context.Context, int64, int64) error { return nil }
func (f *fakeGroups) RemoveMember(context.Context, int64, int64) (bool, error) {
	return false, nil
}
func (f *fakeGroups) DeactivateGroup(context.Context, int64, int64) (bool, error) {
	return false, nil
}

var (
	u1     = models.Identity{ID: 1, Role: models.RoleUser, TenantID: 7, Username: "alice"}
	u2     = models.Identity{ID: 2, Role: models.RoleUser, TenantID: 7, Username: "bob"}
	u3     = models.Identity{ID: 3, Role: models.RoleUser, TenantID: 7, Username: "carol"}
	admin7 = models.Identity{ID: 7, Role: models.RoleAdmin, TenantID: 7, Username: "boss"}
)

type fixture struct {
	engine   *Engine
	conns    *fakeConns
	members  *fakeMembers
	messages *fakeMessages
	groups   *fakeGroups
}

func newFixture(online ...models.ConnKey) *fixture {
	f := &fixture{
		conns:    newFakeConns(online...),
		members:  &fakeMembers{groups: map[int64][]models.ConnKey{}},
		messages: newFakeMessages(),
		groups: &fakeGroups{
			groups:  map[int64]*models.Group{},
			members: map[int64]map[int64]bool{},
		},
	}
	f.engine = NewEngine(f.conns, f.members, f.messages, f.groups, zap.NewNop())
	return f
}

func privateEvent(to models.Identity, body string) *protocol.Inbound {
	return &protocol.Inbound{
		Event: protocol.EventNewMessage,
		Type:  "private",
		Receiver: &protocol.InboundPeer{
			ID: to.ID, Role: string(to.Role), Username: to.Username,
		},
		Content: json.RawMessage(`{"text":"` + body + `"}`),
	}
}

func groupEvent(groupID int64, body string) *protocol.Inbound {
	return &protocol.Inbound{
		Event:   protocol.EventNewMessage,
		Type:    "group",
		Group:   &protocol.InboundGroup{ID: groupID, Name: "eng"},
		Content: json.RawMessage(`{"text":"` + body + `"}`),
	}
}

func TestPrivateMessageDelivered(t *testing.T) {
	f := newFixture(u1.Key(), u2.Key())

	require.NoError(t, f.engine.HandleNewMessage(context.Background(), u1, privateEvent(u2, "hi")))

	// Persisted with the sender pre-seeded into read_by.
	require.Len(t, f.messages.order, 1)
	stored := f.messages.messages[f.messages.order[0]]
	assert.Equal(t, models.MessagePrivate, stored.Type)
	assert.Equal(t, []string{"user-1"}, stored.ReadBy)
	assert.False(t, stored.IsDeleted)

	// Unicast to the receiver only — the sender has local echo.
	require.Len(t, f.conns.sent[u2.Key()], 1)
	assert.Empty(t, f.conns.sent[u1.Key()])

	var pushed models.Message
	require.NoError(t, json.Unmarshal(f.conns.sent[u2.Key()][0], &pushed))
	assert.Equal(t, stored.ID, pushed.ID)
	assert.JSONEq(t, `{"text":"hi"}`, string(pushed.Content))
}

func TestPrivateMessageToOfflinePeer(t *testing.T) {
	f := newFixture(u1.Key()) // u2 offline

	require.NoError(t, f.engine.HandleNewMessage(context.Background(), u1, privateEvent(u2, "hi")))

	// Persistence succeeded, delivery silently missed.
	require.Len(t, f.messages.order, 1)
	assert.Empty(t, f.conns.sent[u2.Key()])

	// On reconnect, history shows the message as unread from U2's side.
	msgs, _, err := f.engine.History(context.Background(), u2, models.MessagePrivate, u1.Key(), time.Time{}, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "sent", msgs[0].Status)
}

func TestGroupFanOutExcludesSender(t *testing.T) {
	f := newFixture(u1.Key(), u2.Key(), admin7.Key())
	f.members.groups[10] = []models.ConnKey{admin7.Key(), u1.Key(), u2.Key(), u3.Key()}

	require.NoError(t, f.engine.HandleNewMessage(context.Background(), u1, groupEvent(10, "hello team")))

	assert.Empty(t, f.conns.sent[u1.Key()], "sender must not receive their own broadcast")
	assert.Len(t, f.conns.sent[u2.Key()], 1)
	assert.Len(t, f.conns.sent[admin7.Key()], 1)
	// u3 is a resolved target but offline: dropped, not an error.
	assert.Empty(t, f.conns.sent[u3.Key()])
}

func TestNewMessageRejectsUnstructuredContent(t *testing.T) {
	f := newFixture(u1.Key(), u2.Key())

	for _, content := range []string{`"just a string"`, `[1,2]`, `42`, ``, `{broken`} {
		ev := privateEvent(u2, "x")
		ev.Content = json.RawMessage(content)
		err := f.engine.HandleNewMessage(context.Background(), u1, ev)
		assert.ErrorIs(t, err, ErrDropped, "content %q must be dropped", content)
	}
	assert.Empty(t, f.messages.order, "rejected events must not persist")
}

func TestNewMessageStoreFailureMeansNoBroadcast(t *testing.T) {
	f := newFixture(u1.Key(), u2.Key())
	f.messages.failInsert = true

	err := f.engine.HandleNewMessage(context.Background(), u1, privateEvent(u2, "hi"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDropped)
	assert.Empty(t, f.conns.sent[u2.Key()], "no broadcast for an unpersisted message")
}

func TestMessagesReadIdempotent(t *testing.T) {
	f := newFixture(u1.Key(), u2.Key())
	require.NoError(t, f.engine.HandleNewMessage(context.Background(), u1, privateEvent(u2, "one")))
	require.NoError(t, f.engine.HandleNewMessage(context.Background(), u1, privateEvent(u2, "two")))

	readEv := &protocol.Inbound{
		Event:   protocol.EventMessagesRead,
		Partner: &protocol.InboundPeer{ID: u1.ID, Role: string(u1.Role)},
	}
	require.NoError(t, f.engine.HandleMessagesRead(context.Background(), u2, readEv))

	// Both messages now carry the reader; the sender got one batched
	// status_update covering both IDs.
	for _, id := range f.messages.order {
		assert.Contains(t, f.messages.messages[id].ReadBy, "user-2")
	}
	require.Len(t, f.conns.sent[u1.Key()], 1)
	var upd protocol.StatusUpdate
	require.NoError(t, json.Unmarshal(f.conns.sent[u1.Key()][0], &upd))
	assert.Equal(t, "read", upd.Status)
	assert.Len(t, upd.MessageIDs, 2)

	// Second invocation: nothing unread, no notifications, same state.
	require.NoError(t, f.engine.HandleMessagesRead(context.Background(), u2, readEv))
	assert.Len(t, f.conns.sent[u1.Key()], 1)
	for _, id := range f.messages.order {
		assert.Len(t, f.messages.messages[id].ReadBy, 2, "read_by must not grow on re-invocation")
	}
}

func TestDeleteBySenderNotifiesParticipants(t *testing.T) {
	f := newFixture(u1.Key(), u2.Key())
	require.NoError(t, f.engine.HandleNewMessage(context.Background(), u1, privateEvent(u2, "oops")))
	id := f.messages.order[0]

	ev := &protocol.Inbound{Event: protocol.EventDelete, MessageID: id.String()}
	require.NoError(t, f.engine.HandleDelete(context.Background(), u1, ev))

	// Soft delete: flag set, content retained.
	stored := f.messages.messages[id]
	assert.True(t, stored.IsDeleted)
	assert.JSONEq(t, `{"text":"oops"}`, string(stored.Content))

	// Both parties get the notice (receiver already had the push).
	var note protocol.MessageDeleted
	require.Len(t, f.conns.sent[u2.Key()], 2)
	require.NoError(t, json.Unmarshal(f.conns.sent[u2.Key()][1], &note))
	assert.Equal(t, id.String(), note.MessageID)
	require.Len(t, f.conns.sent[u1.Key()], 1)
}

func TestDeleteByNonSenderSilentlyIgnored(t *testing.T) {
	f := newFixture(u1.Key(), u2.Key())
	require.NoError(t, f.engine.HandleNewMessage(context.Background(), u1, privateEvent(u2, "mine")))
	id := f.messages.order[0]

	ev := &protocol.Inbound{Event: protocol.EventDelete, MessageID: id.String()}
	err := f.engine.HandleDelete(context.Background(), u2, ev)
	assert.ErrorIs(t, err, ErrDropped)
	assert.False(t, f.messages.messages[id].IsDeleted)
	// No error frame, no notice — existence must not leak.
	assert.Len(t, f.conns.sent[u2.Key()], 1) // just the original push
}

func TestDeleteGroupUsesMembershipAtDeleteTime(t *testing.T) {
	f := newFixture(u1.Key(), u2.Key(), u3.Key())
	f.members.groups[10] = []models.ConnKey{u1.Key(), u2.Key()}
	require.NoError(t, f.engine.HandleNewMessage(context.Background(), u1, groupEvent(10, "ephemeral")))
	id := f.messages.order[0]

	// u3 joins after the send; they still get the deletion notice.
	f.members.groups[10] = []models.ConnKey{u1.Key(), u2.Key(), u3.Key()}

	ev := &protocol.Inbound{Event: protocol.EventDelete, MessageID: id.String()}
	require.NoError(t, f.engine.HandleDelete(context.Background(), u1, ev))

	assert.Len(t, f.conns.sent[u3.Key()], 1)
	assert.Len(t, f.conns.sent[u1.Key()], 1) // sender is a participant too
}

func TestDeleteStoreFailureMeansNoNotice(t *testing.T) {
	f := newFixture(u1.Key(), u2.Key())
	require.NoError(t, f.engine.HandleNewMessage(context.Background(), u1, privateEvent(u2, "hi")))
	id := f.messages.order[0]
	f.messages.failDelete = true

	ev := &protocol.Inbound{Event: protocol.EventDelete, MessageID: id.String()}
	require.Error(t, f.engine.HandleDelete(context.Background(), u1, ev))
	assert.Len(t, f.conns.sent[u2.Key()], 1, "only the original push, no deletion notice")
}

func TestHistoryGroupAuthorization(t *testing.T) {
	f := newFixture()
	f.groups.groups[10] = &models.Group{ID: 10, AdminID: 7, Name: "eng", IsActive: true}
	f.groups.members[10] = map[int64]bool{u1.ID: true}

	// Active member: allowed.
	_, _, err := f.engine.History(context.Background(), u1, models.MessageGroup, models.ConnKey{ID: 10}, time.Time{}, 50)
	assert.NoError(t, err)

	// Owning admin: allowed without a membership row.
	_, _, err = f.engine.History(context.Background(), admin7, models.MessageGroup, models.ConnKey{ID: 10}, time.Time{}, 50)
	assert.NoError(t, err)

	// Non-member: forbidden.
	_, _, err = f.engine.History(context.Background(), u2, models.MessageGroup, models.ConnKey{ID: 10}, time.Time{}, 50)
	assert.ErrorIs(t, err, ErrNotMember)

	// Unknown group.
	_, _, err = f.engine.History(context.Background(), u1, models.MessageGroup, models.ConnKey{ID: 11}, time.Time{}, 50)
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestDeactivatedGroupDeliversNothingButHistorySurvives(t *testing.T) {
	f := newFixture(u1.Key(), u2.Key())
	f.members.groups[10] = []models.ConnKey{u1.Key(), u2.Key()}
	f.groups.groups[10] = &models.Group{ID: 10, AdminID: 7, Name: "eng", IsActive: true}
	f.groups.members[10] = map[int64]bool{u1.ID: true, u2.ID: true}

	require.NoError(t, f.engine.HandleNewMessage(context.Background(), u1, groupEvent(10, "before")))
	require.Len(t, f.conns.sent[u2.Key()], 1)

	// Deactivation: the cache now resolves zero targets.
	f.members.groups[10] = nil
	f.groups.groups[10].IsActive = false

	require.NoError(t, f.engine.HandleNewMessage(context.Background(), u1, groupEvent(10, "after")))
	assert.Len(t, f.conns.sent[u2.Key()], 1, "no delivery after deactivation")

	// Former members still read history.
	msgs, _, err := f.engine.History(context.Background(), u2, models.MessageGroup, models.ConnKey{ID: 10}, time.Time{}, 50)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestHistoryCursorPagination(t *testing.T) {
	f := newFixture(u1.Key(), u2.Key())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	i := 0
	f.engine.now = func() time.Time { i++; return base.Add(time.Duration(i) * time.Minute) }

	for n := 0; n < 5; n++ {
		require.NoError(t, f.engine.HandleNewMessage(context.Background(), u1, privateEvent(u2, "m")))
	}

	// Page 1: newest two, with a cursor.
	page1, cursor, err := f.engine.History(context.Background(), u1, models.MessagePrivate, u2.Key(), time.Time{}, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.NotEmpty(t, cursor)
	assert.True(t, page1[0].CreatedAt.After(page1[1].CreatedAt))

	before, err := time.Parse(time.RFC3339Nano, cursor)
	require.NoError(t, err)

	// Page 2 continues strictly older than the cursor.
	page2, _, err := f.engine.History(context.Background(), u1, models.MessagePrivate, u2.Key(), before, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.True(t, page2[0].CreatedAt.Before(page1[1].CreatedAt))

	// Last page: one message, no cursor.
	page3, cursor3, err := f.engine.History(context.Background(), u1, models.MessagePrivate, u2.Key(), page2[1].CreatedAt, 2)
	require.NoError(t, err)
	assert.Len(t, page3, 1)
	assert.Empty(t, cursor3)
}
