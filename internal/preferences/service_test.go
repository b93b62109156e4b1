package preferences

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kickoff/internal/types"
)

type memStore struct {
	mu       sync.Mutex
	prefs    map[string]types.NotificationPreference
	gets     int
	getManys [][]string
	upserted []types.NotificationPreference
	err      error
}

func newMemStore(prefs ...types.NotificationPreference) *memStore {
	s := &memStore{prefs: map[string]types.NotificationPreference{}}
	for _, p := range prefs {
		s.prefs[p.UserID] = p
	}
	return s
}

func (s *memStore) Get(_ context.Context, userID string) (types.NotificationPreference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.err != nil {
		return types.NotificationPreference{}, s.err
	}
	if p, ok := s.prefs[userID]; ok {
		return p, nil
	}
	return types.DefaultNotificationPreference(userID), nil
}

func (s *memStore) GetMany(_ context.Context, userIDs []string) (map[string]types.NotificationPreference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getManys = append(s.getManys, userIDs)
	if s.err != nil {
		return nil, s.err
	}
	out := map[string]types.NotificationPreference{}
	for _, id := range userIDs {
		if p, ok := s.prefs[id]; ok {
			out[id] = p
		} else {
			out[id] = types.DefaultNotificationPreference(id)
		}
	}
	return out, nil
}

func (s *memStore) ListNewMatchSubscribers(context.Context) ([]types.NotificationPreference, error) {
	var out []types.NotificationPreference
	for _, p := range s.prefs {
		if p.NewMatches {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) Upsert(_ context.Context, p *types.NotificationPreference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.prefs[p.UserID] = *p
	s.upserted = append(s.upserted, *p)
	return nil
}

type memCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	ttls    map[string]time.Duration
	err     error
}

func newMemCache() *memCache {
	return &memCache{entries: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, false, c.err
	}
	b, ok := c.entries[key]
	return b, ok, nil
}

func (c *memCache) MGet(_ context.Context, keys ...string) (map[string][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	out := map[string][]byte{}
	for _, k := range keys {
		if b, ok := c.entries[k]; ok {
			out[k] = b
		}
	}
	return out, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.entries[key] = value
	c.ttls[key] = ttl
	return nil
}

func (c *memCache) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

func TestGet_ReadsThroughAndFills(t *testing.T) {
	stored := types.DefaultNotificationPreference("u1")
	stored.Locale = "nl"
	store, cache := newMemStore(stored), newMemCache()
	svc := New(store, cache, 5*time.Minute, nil)

	p, err := svc.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "nl", p.Locale)
	assert.Equal(t, 5*time.Minute, cache.ttls["kickoff:pref:u1"])

	p, err = svc.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "nl", p.Locale)
	assert.Equal(t, 1, store.gets, "second read served from cache")
}

func TestGet_CacheFailureFallsBackToStore(t *testing.T) {
	store, cache := newMemStore(), newMemCache()
	cache.err = errors.New("connection refused")
	svc := New(store, cache, time.Minute, nil)

	p, err := svc.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, p.MatchReminders)
	assert.Equal(t, 1, store.gets)
}

func TestGet_UndecodableEntryIsIgnored(t *testing.T) {
	store, cache := newMemStore(), newMemCache()
	cache.entries["kickoff:pref:u1"] = []byte("{not json")
	svc := New(store, cache, time.Minute, nil)

	_, err := svc.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, store.gets)
}

func TestGet_StoreErrorPropagates(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("db down")
	svc := New(store, nil, time.Minute, nil)

	_, err := svc.Get(context.Background(), "u1")
	assert.Error(t, err)
}

func TestGetMany_OnlyLoadsMisses(t *testing.T) {
	store, cache := newMemStore(), newMemCache()
	cachedPref := types.DefaultNotificationPreference("u1")
	cachedPref.PlayerChanges = true
	b, _ := json.Marshal(cachedPref)
	cache.entries["kickoff:pref:u1"] = b
	svc := New(store, cache, time.Minute, nil)

	got, err := svc.GetMany(context.Background(), []string{"u1", "u2"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got["u1"].PlayerChanges)
	require.Len(t, store.getManys, 1)
	assert.Equal(t, []string{"u2"}, store.getManys[0])
	assert.Contains(t, cache.entries, "kickoff:pref:u2")
}

func TestGetMany_AllCached(t *testing.T) {
	store, cache := newMemStore(), newMemCache()
	b, _ := json.Marshal(types.DefaultNotificationPreference("u1"))
	cache.entries["kickoff:pref:u1"] = b
	svc := New(store, cache, time.Minute, nil)

	got, err := svc.GetMany(context.Background(), []string{"u1"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Empty(t, store.getManys)
}

func TestUpdate_NormalizesStoresAndInvalidates(t *testing.T) {
	store, cache := newMemStore(), newMemCache()
	cache.entries["kickoff:pref:u1"] = []byte(`{}`)
	now := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	svc := New(store, cache, time.Minute, nil)
	svc.SetClock(types.FixedClock{T: now})

	in := types.DefaultNotificationPreference("u1")
	in.ReminderOffsets = []float64{0.5, 24, 2}
	in.Locale = ""

	out, err := svc.Update(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []float64{24, 2, 0.5}, out.ReminderOffsets)
	assert.Equal(t, "en", out.Locale)
	assert.Equal(t, now, out.UpdatedAt)
	require.Len(t, store.upserted, 1)
	assert.NotContains(t, cache.entries, "kickoff:pref:u1")
}

func TestUpdate_RejectsInvalid(t *testing.T) {
	store := newMemStore()
	svc := New(store, nil, time.Minute, nil)

	in := types.DefaultNotificationPreference("u1")
	in.QuietHoursStart = 25
	_, err := svc.Update(context.Background(), in)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationPreferences, appErr.Code)
	assert.Empty(t, store.upserted)
}

func TestRedisCache_UnreachableServerReturnsErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	cache := NewRedisCache(client)

	_, _, err := cache.Get(context.Background(), "k")
	assert.Error(t, err)

	// The service treats the failure as a miss.
	svc := New(newMemStore(), cache, time.Minute, nil)
	_, err = svc.Get(context.Background(), "u1")
	assert.NoError(t, err)
}

func TestRedisCache_EmptyKeys(t *testing.T) {
	cache := NewRedisCache(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}))
	got, err := cache.MGet(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, cache.Del(context.Background()))
}

func TestNewRedisClient(t *testing.T) {
	client, err := NewRedisClient("redis://:secret@cache.internal:6380/2")
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, "cache.internal:6380", client.Options().Addr)
	assert.Equal(t, 2, client.Options().DB)

	_, err = NewRedisClient("http://nope")
	assert.Error(t, err)
}
