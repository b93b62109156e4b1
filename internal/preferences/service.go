// Package preferences serves user notification settings, reading through a
// Redis cache in front of the preference repository.
//
// The cache is an optimization only. Any cache error falls back to the
// repository, and writes always invalidate after the row is stored.
package preferences

import (
	"context"
	"encoding/json"
	"time"

	"kickoff/internal/types"
)

// keyPrefix namespaces preference entries in the shared Redis.
const keyPrefix = "kickoff:pref:"

// Store is the persistent preference repository.
type Store interface {
	Get(ctx context.Context, userID string) (types.NotificationPreference, error)
	GetMany(ctx context.Context, userIDs []string) (map[string]types.NotificationPreference, error)
	ListNewMatchSubscribers(ctx context.Context) ([]types.NotificationPreference, error)
	Upsert(ctx context.Context, p *types.NotificationPreference) error
}

// Service resolves preferences for the notification service and the API.
type Service struct {
	store  Store
	cache  Cache
	ttl    time.Duration
	clock  types.Clock
	logger types.Logger
}

// New creates a Service. A nil cache disables caching.
func New(store Store, cache Cache, ttl time.Duration, logger types.Logger) *Service {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Service{store: store, cache: cache, ttl: ttl, clock: types.RealClock{}, logger: logger}
}

// SetClock overrides the clock for testing.
func (s *Service) SetClock(c types.Clock) {
	s.clock = c
}

func cacheKey(userID string) string {
	return keyPrefix + userID
}

// Get returns one user's preferences, defaults included.
func (s *Service) Get(ctx context.Context, userID string) (types.NotificationPreference, error) {
	if s.cache != nil {
		b, ok, err := s.cache.Get(ctx, cacheKey(userID))
		if err != nil {
			s.logger.Warn("preference cache read failed", "user_id", userID, "error", err)
		} else if ok {
			var p types.NotificationPreference
			if err := json.Unmarshal(b, &p); err == nil {
				return p, nil
			}
			s.logger.Warn("discarding undecodable cached preference", "user_id", userID)
		}
	}

	p, err := s.store.Get(ctx, userID)
	if err != nil {
		return types.NotificationPreference{}, err
	}
	s.fill(ctx, p)
	return p, nil
}

// GetMany returns preferences for every requested user.
func (s *Service) GetMany(ctx context.Context, userIDs []string) (map[string]types.NotificationPreference, error) {
	out := make(map[string]types.NotificationPreference, len(userIDs))
	missing := userIDs

	if s.cache != nil && len(userIDs) > 0 {
		keys := make([]string, len(userIDs))
		for i, id := range userIDs {
			keys[i] = cacheKey(id)
		}
		cached, err := s.cache.MGet(ctx, keys...)
		if err != nil {
			s.logger.Warn("preference cache batch read failed", "count", len(keys), "error", err)
		} else {
			missing = make([]string, 0, len(userIDs))
			for _, id := range userIDs {
				var p types.NotificationPreference
				if b, ok := cached[cacheKey(id)]; ok && json.Unmarshal(b, &p) == nil {
					out[id] = p
					continue
				}
				missing = append(missing, id)
			}
		}
	}

	if len(missing) == 0 {
		return out, nil
	}
	loaded, err := s.store.GetMany(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, p := range loaded {
		out[id] = p
		s.fill(ctx, p)
	}
	return out, nil
}

// ListNewMatchSubscribers bypasses the cache; it is a scan, not a lookup.
func (s *Service) ListNewMatchSubscribers(ctx context.Context) ([]types.NotificationPreference, error) {
	return s.store.ListNewMatchSubscribers(ctx)
}

// Update validates, normalizes and stores p, then drops the cached copy.
func (s *Service) Update(ctx context.Context, p types.NotificationPreference) (types.NotificationPreference, error) {
	p.Normalize()
	if err := p.Validate(); err != nil {
		return types.NotificationPreference{}, err
	}
	p.UpdatedAt = s.clock.Now()
	if err := s.store.Upsert(ctx, &p); err != nil {
		return types.NotificationPreference{}, err
	}
	if s.cache != nil {
		if err := s.cache.Del(ctx, cacheKey(p.UserID)); err != nil {
			s.logger.Error("preference cache invalidation failed", "user_id", p.UserID, "error", err)
		}
	}
	return p, nil
}

func (s *Service) fill(ctx context.Context, p types.NotificationPreference) {
	if s.cache == nil || s.ttl <= 0 {
		return
	}
	b, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(p.UserID), b, s.ttl); err != nil {
		s.logger.Warn("preference cache write failed", "user_id", p.UserID, "error", err)
	}
}
