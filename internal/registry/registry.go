// Package registry tracks which participants have a live connection and
// delivers payloads to them. It is the single shared structure every
// connection handler touches, so all of its state lives behind one
// mutex — even "read" paths like replace-on-connect are read-modify-write.
package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/lalith-99/wirechat/internal/models"
	"github.com/lalith-99/wirechat/internal/observ"
)

// Transport is one live connection's write side. Implementations must
// be safe for concurrent Send calls — the registry fans out to the same
// transport from many goroutines.
type Transport interface {
	Send(payload []byte) error
	Close() error
}

// Registry maps connection keys to transports. At most one transport
// per key: a new Connect evicts the old entry.
type Registry struct {
	mu     sync.Mutex
	conns  map[models.ConnKey]Transport
	logger *zap.Logger
}

func New(logger *zap.Logger) *Registry {
	return &Registry{
		conns:  make(map[models.ConnKey]Transport),
		logger: logger,
	}
}

// Connect registers t under key and returns the transport it replaced,
// or nil. The replaced transport is NOT closed here — the caller owns
// that, because closing may block on a peer and must not happen under
// the registry lock.
func (r *Registry) Connect(key models.ConnKey, t Transport) Transport {
	r.mu.Lock()
	prev := r.conns[key]
	r.conns[key] = t
	n := len(r.conns)
	r.mu.Unlock()

	observ.ConnectionsLive.Set(float64(n))
	if prev != nil {
		r.logger.Info("connection replaced", zap.String("key", key.String()))
	}
	return prev
}

// Disconnect removes key only if it still maps to t, and reports
// whether anything was removed. The transport check matters during
// reconnect races: the old session's teardown must not evict the new
// session's registration.
func (r *Registry) Disconnect(key models.ConnKey, t Transport) bool {
	r.mu.Lock()
	cur, ok := r.conns[key]
	if ok && cur == t {
		delete(r.conns, key)
	} else {
		ok = false
	}
	n := len(r.conns)
	r.mu.Unlock()

	observ.ConnectionsLive.Set(float64(n))
	return ok
}

// Send delivers payload to key, best-effort. Returns false if the key
// is offline or the transport write failed — never an error: a miss is
// not a fault. Callers that care about reachability check the return.
func (r *Registry) Send(key models.ConnKey, payload []byte) bool {
	r.mu.Lock()
	t, ok := r.conns[key]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if err := t.Send(payload); err != nil {
		r.logger.Debug("send failed",
			zap.String("key", key.String()),
			zap.Error(err),
		)
		return false
	}
	return true
}

// Broadcast delivers payload to every key, best-effort per key: one
// dead transport never blocks delivery to the rest.
func (r *Registry) Broadcast(payload []byte, keys []models.ConnKey) {
	for _, key := range keys {
		r.Send(key, payload)
	}
}

// Evict removes key unconditionally and returns the transport that was
// registered, or nil. Used for forced logout: the caller sends the
// force_logout frame first, then evicts and closes. The evicted
// session's own teardown becomes a no-op (its Disconnect won't match).
func (r *Registry) Evict(key models.ConnKey) Transport {
	r.mu.Lock()
	t := r.conns[key]
	delete(r.conns, key)
	n := len(r.conns)
	r.mu.Unlock()

	observ.ConnectionsLive.Set(float64(n))
	return t
}

func (r *Registry) IsOnline(key models.ConnKey) bool {
	r.mu.Lock()
	_, ok := r.conns[key]
	r.mu.Unlock()
	return ok
}

// OnlineKeys returns a snapshot of every registered key. The snapshot
// is consistent at the moment of the call; keys may connect or drop the
// instant after.
func (r *Registry) OnlineKeys() map[models.ConnKey]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[models.ConnKey]struct{}, len(r.conns))
	for k := range r.conns {
		out[k] = struct{}{}
	}
	return out
}
