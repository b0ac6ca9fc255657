// Package cache resolves broadcast audiences — "who must be notified
// for group G / tenant T" — without putting a membership join query on
// every message send.
//
// Entries are Redis sets with a TTL. The TTL bounds staleness only for
// COLD entries (a miss always re-reads the durable source); warm
// entries are patched synchronously on every membership mutation, so
// normal add/remove/deactivate changes are visible to the very next
// broadcast.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalith-99/wirechat/internal/models"
	"github.com/lalith-99/wirechat/internal/observ"
	"github.com/lalith-99/wirechat/internal/repository"
)

// setCmds is the slice of the go-redis API the cache actually uses.
// *redis.Client satisfies it; tests fake it with the redis.New*Result
// constructors.
type setCmds interface {
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type Membership struct {
	redis  setCmds
	store  repository.MembershipRepository
	ttl    time.Duration
	logger *zap.Logger
}

func NewMembership(rdb setCmds, store repository.MembershipRepository, ttl time.Duration, logger *zap.Logger) *Membership {
	return &Membership{
		redis:  rdb,
		store:  store,
		ttl:    ttl,
		logger: logger,
	}
}

func groupKey(groupID int64) string {
	return fmt.Sprintf("group:%d:members", groupID)
}

func tenantKey(tenantID int64) string {
	return fmt.Sprintf("tenant:%d:members", tenantID)
}

// GroupMembers returns the delivery set for a group: active members
// plus the owning admin. Cache hit returns the cached set; a miss loads
// from the membership store and populates the entry with the TTL.
// Unknown groups resolve to an empty set (and are never cached — an
// empty set would be indistinguishable from a missing entry anyway).
func (m *Membership) GroupMembers(ctx context.Context, groupID int64) ([]models.ConnKey, error) {
	return m.cachedSet(ctx, groupKey(groupID), "group", func(ctx context.Context) ([]models.ConnKey, error) {
		return m.store.ActiveGroupMemberKeys(ctx, groupID)
	})
}

// TenantMembers returns the presence audience for a tenant: admin plus
// every user, active or not.
func (m *Membership) TenantMembers(ctx context.Context, tenantID int64) ([]models.ConnKey, error) {
	return m.cachedSet(ctx, tenantKey(tenantID), "tenant", func(ctx context.Context) ([]models.ConnKey, error) {
		return m.store.TenantMemberKeys(ctx, tenantID)
	})
}

func (m *Membership) cachedSet(ctx context.Context, key, scope string, load func(context.Context) ([]models.ConnKey, error)) ([]models.ConnKey, error) {
	cached, err := m.redis.SMembers(ctx, key).Result()
	if err == nil && len(cached) > 0 {
		observ.CacheHits.WithLabelValues(scope).Inc()
		return parseKeys(cached), nil
	}
	if err != nil {
		// A cache fault degrades to a store read; it must not fail the
		// broadcast that needed the audience.
		m.logger.Warn("membership cache read failed", zap.String("key", key), zap.Error(err))
	}
	observ.CacheMisses.WithLabelValues(scope).Inc()

	keys, err := load(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return keys, nil
	}

	members := make([]interface{}, len(keys))
	for i, k := range keys {
		members[i] = k.String()
	}
	if err := m.redis.SAdd(ctx, key, members...).Err(); err != nil {
		m.logger.Warn("membership cache populate failed", zap.String("key", key), zap.Error(err))
		return keys, nil
	}
	if err := m.redis.Expire(ctx, key, m.ttl).Err(); err != nil {
		m.logger.Warn("membership cache expire failed", zap.String("key", key), zap.Error(err))
	}
	return keys, nil
}

// AddMember patches a warm group entry. It deliberately does NOT create
// the entry on a miss: seeding a set with a single member would cache
// an incomplete audience. Cold entries get the full load on next read.
func (m *Membership) AddMember(ctx context.Context, groupID int64, key models.ConnKey) error {
	ck := groupKey(groupID)
	n, err := m.redis.Exists(ctx, ck).Result()
	if err != nil {
		return fmt.Errorf("check cache entry: %w", err)
	}
	if n == 0 {
		return nil
	}
	if err := m.redis.SAdd(ctx, ck, key.String()).Err(); err != nil {
		return fmt.Errorf("add member to cache: %w", err)
	}
	return nil
}

// RemoveMember removes the key from a warm entry; no-op on a cold one.
func (m *Membership) RemoveMember(ctx context.Context, groupID int64, key models.ConnKey) error {
	if err := m.redis.SRem(ctx, groupKey(groupID), key.String()).Err(); err != nil {
		return fmt.Errorf("remove member from cache: %w", err)
	}
	return nil
}

// InvalidateGroup drops the entry outright — used when a group is
// deactivated so the next broadcast resolves zero targets.
func (m *Membership) InvalidateGroup(ctx context.Context, groupID int64) error {
	if err := m.redis.Del(ctx, groupKey(groupID)).Err(); err != nil {
		return fmt.Errorf("invalidate group cache: %w", err)
	}
	return nil
}

func (m *Membership) InvalidateTenant(ctx context.Context, tenantID int64) error {
	if err := m.redis.Del(ctx, tenantKey(tenantID)).Err(); err != nil {
		return fmt.Errorf("invalidate tenant cache: %w", err)
	}
	return nil
}

// parseKeys drops unparseable members rather than failing the whole
// resolution — one corrupt set entry shouldn't black out a group.
func parseKeys(raw []string) []models.ConnKey {
	keys := make([]models.ConnKey, 0, len(raw))
	for _, s := range raw {
		k, err := models.ParseConnKey(s)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}
