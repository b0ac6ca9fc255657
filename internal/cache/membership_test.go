package cache

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalith-99/wirechat/internal/models"
)

// fakeSets is an in-memory stand-in for the Redis set commands the
// cache uses. The redis.New*Result constructors exist exactly for this.
type fakeSets struct {
	sets map[string]map[string]struct{}
	ttls map[string]time.Duration
	fail bool
}

func newFakeSets() *fakeSets {
	return &fakeSets{
		sets: make(map[string]map[string]struct{}),
		ttls: make(map[string]time.Duration),
	}
}

func (f *fakeSets) SMembers(_ context.Context, key string) *redis.StringSliceCmd {
	if f.fail {
		return redis.NewStringSliceResult(nil, errors.New("connection refused"))
	}
	var out []string
	for m := range f.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return redis.NewStringSliceResult(out, nil)
}

func (f *fakeSets) SAdd(_ context.Context, key string, members ...interface{}) *redis.IntCmd {
	if f.fail {
		return redis.NewIntResult(0, errors.New("connection refused"))
	}
	if f.sets[key] == nil {
		f.sets[key] = make(map[string]struct{})
	}
	var added int64
	for _, m := range members {
		s := m.(string)
		if _, ok := f.sets[key][s]; !ok {
			f.sets[key][s] = struct{}{}
			added++
		}
	}
	return redis.NewIntResult(added, nil)
}

func (f *fakeSets) SRem(_ context.Context, key string, members ...interface{}) *redis.IntCmd {
	var removed int64
	for _, m := range members {
		s := m.(string)
		if _, ok := f.sets[key][s]; ok {
			delete(f.sets[key], s)
			removed++
		}
	}
	return redis.NewIntResult(removed, nil)
}

func (f *fakeSets) Expire(_ context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	f.ttls[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (f *fakeSets) Exists(_ context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if len(f.sets[k]) > 0 {
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeSets) Del(_ context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if _, ok := f.sets[k]; ok {
			delete(f.sets, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

// fakeMembershipStore is the durable source of truth behind the cache.
// Only the two loader methods matter here; the rest satisfy the
// interface for wiring and are never called.
type fakeMembershipStore struct {
	groups  map[int64][]models.ConnKey
	tenants map[int64][]models.ConnKey
	loads   int
}

func (s *fakeMembershipStore) ActiveGroupMemberKeys(_ context.Context, groupID int64) ([]models.ConnKey, error) {
	s.loads++
	return append([]models.ConnKey{}, s.groups[groupID]...), nil
}

func (s *fakeMembershipStore) TenantMemberKeys(_ context.Context, tenantID int64) ([]models.ConnKey, error) {
	s.loads++
	return append([]models.ConnKey{}, s.tenants[tenantID]...), nil
}

func (s *fakeMembershipStore) GetGroup(context.Context, int64) (*models.Group, error) {
	return nil, nil
}
func (s *fakeMembershipStore) IsActiveMember(context.Context, int64, int64) (bool, error) {
	return false, nil
}
func (s *fakeMembershipStore) AddMember(context.Context, int64, int64) error { return nil }
func (s *fakeMembershipStore) RemoveMember(context.Context, int64, int64) (bool, error) {
	return false, nil
}
func (s *fakeMembershipStore) DeactivateGroup(context.Context, int64, int64) (bool, error) {
	return false, nil
}

func user(id int64) models.ConnKey  { return models.ConnKey{Role: models.RoleUser, ID: id} }
func admin(id int64) models.ConnKey { return models.ConnKey{Role: models.RoleAdmin, ID: id} }

func newTestCache(t *testing.T) (*Membership, *fakeSets, *fakeMembershipStore) {
	t.Helper()
	sets := newFakeSets()
	store := &fakeMembershipStore{
		groups:  map[int64][]models.ConnKey{},
		tenants: map[int64][]models.ConnKey{},
	}
	return NewMembership(sets, store, time.Hour, zap.NewNop()), sets, store
}

func TestGroupMembersMissPopulatesWithTTL(t *testing.T) {
	m, sets, store := newTestCache(t)
	store.groups[10] = []models.ConnKey{admin(7), user(1), user(2)}

	keys, err := m.GroupMembers(context.Background(), 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.ConnKey{admin(7), user(1), user(2)}, keys)
	assert.Equal(t, 1, store.loads)
	assert.Equal(t, time.Hour, sets.ttls["group:10:members"])

	// Warm now: no second store read.
	keys, err = m.GroupMembers(context.Background(), 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.ConnKey{admin(7), user(1), user(2)}, keys)
	assert.Equal(t, 1, store.loads)
}

func TestGroupMembersUnknownGroupNotCached(t *testing.T) {
	m, sets, store := newTestCache(t)

	keys, err := m.GroupMembers(context.Background(), 404)
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.NotContains(t, sets.sets, "group:404:members")

	// Still a miss next time — never cache an empty set.
	_, err = m.GroupMembers(context.Background(), 404)
	require.NoError(t, err)
	assert.Equal(t, 2, store.loads)
}

func TestAddMemberPatchesWarmEntryImmediately(t *testing.T) {
	m, _, store := newTestCache(t)
	store.groups[10] = []models.ConnKey{admin(7), user(1)}

	_, err := m.GroupMembers(context.Background(), 10)
	require.NoError(t, err)

	require.NoError(t, m.AddMember(context.Background(), 10, user(99)))

	// Visible immediately, no TTL wait, no store reload.
	keys, err := m.GroupMembers(context.Background(), 10)
	require.NoError(t, err)
	assert.Contains(t, keys, user(99))
	assert.Equal(t, 1, store.loads)
}

func TestAddMemberDoesNotCreateColdEntry(t *testing.T) {
	m, sets, _ := newTestCache(t)

	require.NoError(t, m.AddMember(context.Background(), 10, user(99)))
	assert.NotContains(t, sets.sets, "group:10:members",
		"seeding a cold entry would cache an incomplete audience")
}

func TestRemoveMember(t *testing.T) {
	m, _, store := newTestCache(t)
	store.groups[10] = []models.ConnKey{admin(7), user(1), user(2)}

	_, err := m.GroupMembers(context.Background(), 10)
	require.NoError(t, err)

	require.NoError(t, m.RemoveMember(context.Background(), 10, user(2)))

	keys, err := m.GroupMembers(context.Background(), 10)
	require.NoError(t, err)
	assert.NotContains(t, keys, user(2))

	// Removing from a cold entry is a no-op, not an error.
	require.NoError(t, m.RemoveMember(context.Background(), 11, user(2)))
}

func TestInvalidateGroupForcesReload(t *testing.T) {
	m, _, store := newTestCache(t)
	store.groups[10] = []models.ConnKey{admin(7), user(1)}

	_, err := m.GroupMembers(context.Background(), 10)
	require.NoError(t, err)

	require.NoError(t, m.InvalidateGroup(context.Background(), 10))

	// Group deactivated: the store now resolves nobody.
	store.groups[10] = nil
	keys, err := m.GroupMembers(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Equal(t, 2, store.loads)
}

func TestTenantMembers(t *testing.T) {
	m, sets, store := newTestCache(t)
	store.tenants[7] = []models.ConnKey{admin(7), user(1), user(2)}

	keys, err := m.TenantMembers(context.Background(), 7)
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.ConnKey{admin(7), user(1), user(2)}, keys)
	assert.Equal(t, time.Hour, sets.ttls["tenant:7:members"])

	require.NoError(t, m.InvalidateTenant(context.Background(), 7))
	assert.NotContains(t, sets.sets, "tenant:7:members")
}

func TestCacheFaultFallsBackToStore(t *testing.T) {
	m, sets, store := newTestCache(t)
	store.groups[10] = []models.ConnKey{admin(7), user(1)}
	sets.fail = true

	// Redis down: resolution degrades to the durable read.
	keys, err := m.GroupMembers(context.Background(), 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.ConnKey{admin(7), user(1)}, keys)
}
