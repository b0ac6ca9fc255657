// Package presence maintains the derived online/offline state machine.
// A key is ONLINE iff it has a live registry entry; everything else —
// snapshots, broadcasts, last-seen — is computed from that plus the
// persisted last_seen column.
package presence

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lalith-99/wirechat/internal/models"
	"github.com/lalith-99/wirechat/internal/observ"
	"github.com/lalith-99/wirechat/internal/protocol"
	"github.com/lalith-99/wirechat/internal/repository"
)

// Conns is the slice of the connection registry the engine needs.
type Conns interface {
	Send(key models.ConnKey, payload []byte) bool
	OnlineKeys() map[models.ConnKey]struct{}
}

// Members resolves the tenant audience (the membership cache).
type Members interface {
	TenantMembers(ctx context.Context, tenantID int64) ([]models.ConnKey, error)
}

type Engine struct {
	conns    Conns
	members  Members
	store    repository.PresenceRepository
	lastSeen *LastSeenWriter
	logger   *zap.Logger

	// now is swappable for tests.
	now func() time.Time
}

func NewEngine(conns Conns, members Members, store repository.PresenceRepository, lastSeen *LastSeenWriter, logger *zap.Logger) *Engine {
	return &Engine{
		conns:    conns,
		members:  members,
		store:    store,
		lastSeen: lastSeen,
		logger:   logger,
		now:      time.Now,
	}
}

// HandleConnect runs after the registry registration: it sends the
// connecting client one initial_presence_state snapshot of their
// tenant-mates, then announces the arrival to the tenant.
//
// The snapshot partition is computed against a single OnlineKeys
// snapshot so one call sees a consistent view; peers flapping the
// instant after will announce themselves via presence_update anyway.
func (e *Engine) HandleConnect(ctx context.Context, id models.Identity) {
	self := id.Key()

	tenantKeys, err := e.members.TenantMembers(ctx, id.TenantID)
	if err != nil {
		// Without the audience there is neither a snapshot nor an
		// announcement; the connection itself stays up.
		e.logger.Error("resolve tenant members", zap.Int64("tenant_id", id.TenantID), zap.Error(err))
		return
	}

	online := e.conns.OnlineKeys()

	var offline []models.ConnKey
	for _, k := range tenantKeys {
		if k == self {
			continue
		}
		if _, ok := online[k]; !ok {
			offline = append(offline, k)
		}
	}

	lastSeen, err := e.store.LastSeenFor(ctx, offline)
	if err != nil {
		// Degrade: the snapshot still says who is offline, just
		// without timestamps.
		e.logger.Warn("last-seen lookup failed", zap.Error(err))
		lastSeen = map[models.ConnKey]time.Time{}
	}

	users := make(map[string]models.PresenceStatus, len(tenantKeys))
	for _, k := range tenantKeys {
		if k == self {
			continue
		}
		if _, ok := online[k]; ok {
			users[k.String()] = models.PresenceStatus{Status: "online"}
			continue
		}
		st := models.PresenceStatus{Status: "offline"}
		if ts, ok := lastSeen[k]; ok {
			t := ts
			st.LastSeen = &t
		}
		users[k.String()] = st
	}

	if payload, err := protocol.NewInitialPresence(users); err == nil {
		ok := e.conns.Send(self, payload)
		countSend(protocol.EventInitialPresence, ok)
	}

	e.broadcastUpdate(self, "online", tenantKeys)
}

// HandleDisconnect announces the departure and queues the last-seen
// persist. The registry entry is already gone by the time this runs
// (the session removes it first, so the broadcast below cannot be
// delivered to the leaving connection).
func (e *Engine) HandleDisconnect(ctx context.Context, id models.Identity) {
	self := id.Key()

	tenantKeys, err := e.members.TenantMembers(ctx, id.TenantID)
	if err != nil {
		e.logger.Error("resolve tenant members", zap.Int64("tenant_id", id.TenantID), zap.Error(err))
	} else {
		e.broadcastUpdate(self, "offline", tenantKeys)
	}

	// Fire-and-forget relative to teardown, ordered per identity.
	e.lastSeen.Enqueue(self, e.now())
}

func (e *Engine) broadcastUpdate(about models.ConnKey, status string, audience []models.ConnKey) {
	payload, err := protocol.NewPresenceUpdate(about, status, e.now())
	if err != nil {
		return
	}
	for _, k := range audience {
		if k == about {
			continue
		}
		ok := e.conns.Send(k, payload)
		countSend(protocol.EventPresenceUpdate, ok)
	}
}

func countSend(event string, ok bool) {
	if ok {
		observ.EventsDelivered.WithLabelValues(event).Inc()
	} else {
		observ.EventsDropped.WithLabelValues(event).Inc()
	}
}
