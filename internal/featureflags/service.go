package featureflags

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ServiceConfig holds configuration for the feature flag service.
type ServiceConfig struct {
	Repository Repository
	Logger     zerolog.Logger

	// CacheTTL is how long a loaded snapshot is served before the store is
	// read again (default: 1 minute).
	CacheTTL time.Duration

	// DefaultFlags apply to keys the store does not hold (default: DefaultFlags()).
	DefaultFlags map[string]*Flag

	// Now returns the local clock (default: time.Now).
	Now func() time.Time
}

// Service evaluates flags from a cached snapshot of the store merged over
// the defaults. The store is read at most once per TTL and concurrent
// refreshes share one load.
//
// When the store fails the last snapshot keeps being served (or the defaults,
// before the first successful load) and the load is retried on the next read.
type Service struct {
	repo     Repository
	logger   zerolog.Logger
	cacheTTL time.Duration
	defaults map[string]*Flag
	now      func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	snapshot  map[string]*Flag
	expiresAt time.Time
}

// NewService creates a new feature flag service.
func NewService(cfg ServiceConfig) *Service {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	defaults := cfg.DefaultFlags
	if defaults == nil {
		defaults = DefaultFlags()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		repo:     cfg.Repository,
		logger:   cfg.Logger,
		cacheTTL: ttl,
		defaults: defaults,
		now:      now,
		snapshot: maps.Clone(defaults),
	}
}

// GetFlag returns the effective flag for key, or nil for a key with neither
// a stored value nor a default.
func (s *Service) GetFlag(ctx context.Context, key string) *Flag {
	return s.current(ctx)[key]
}

// GetAllFlags returns every effective flag. The map is the caller's to keep.
func (s *Service) GetAllFlags(ctx context.Context) map[string]*Flag {
	return maps.Clone(s.current(ctx))
}

// SetFlag stores one flag.
func (s *Service) SetFlag(ctx context.Context, flag *Flag) error {
	return s.SetFlags(ctx, []*Flag{flag})
}

// SetFlags stores flags as one unit and makes them visible immediately.
func (s *Service) SetFlags(ctx context.Context, flags []*Flag) error {
	now := s.now()
	stored := make([]*Flag, len(flags))
	for i, f := range flags {
		stored[i] = &Flag{Key: f.Key, Value: f.Value, UpdatedAt: now}
	}

	if err := s.repo.Save(ctx, stored); err != nil {
		return fmt.Errorf("save feature flags: %w", err)
	}

	s.mu.Lock()
	next := maps.Clone(s.snapshot)
	for _, f := range stored {
		next[f.Key] = f
	}
	s.snapshot = next
	s.mu.Unlock()

	for _, f := range stored {
		s.logger.Info().Str("flag", f.Key).Interface("value", f.Value).Msg("feature flag updated")
	}
	return nil
}

// ResetFlags removes stored overrides so the keys fall back to their defaults.
func (s *Service) ResetFlags(ctx context.Context, keys ...string) error {
	if err := s.repo.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("reset feature flags: %w", err)
	}

	s.mu.Lock()
	next := maps.Clone(s.snapshot)
	for _, k := range keys {
		if d, ok := s.defaults[k]; ok {
			next[k] = d
		} else {
			delete(next, k)
		}
	}
	s.snapshot = next
	s.mu.Unlock()

	s.logger.Info().Strs("flags", keys).Msg("feature flags reset")
	return nil
}

// InvalidateCache forces the next read to load from the store.
func (s *Service) InvalidateCache() {
	s.mu.Lock()
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}

// IsEnabled returns true if the flag with the given key is truthy.
func (s *Service) IsEnabled(ctx context.Context, key string) bool {
	return s.GetFlag(ctx, key).BoolValue(false)
}

// current returns the live snapshot, refreshing it when expired. The returned
// map is never mutated; writers swap in a new one.
func (s *Service) current(ctx context.Context) map[string]*Flag {
	s.mu.RLock()
	snap, fresh := s.snapshot, s.now().Before(s.expiresAt)
	s.mu.RUnlock()
	if fresh {
		return snap
	}

	v, _, _ := s.group.Do("load", func() (any, error) {
		return s.load(ctx), nil
	})
	return v.(map[string]*Flag)
}

func (s *Service) load(ctx context.Context) map[string]*Flag {
	stored, err := s.repo.Load(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to load feature flags, serving last snapshot")
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.snapshot
	}

	next := maps.Clone(s.defaults)
	maps.Copy(next, stored)

	s.mu.Lock()
	s.snapshot = next
	s.expiresAt = s.now().Add(s.cacheTTL)
	s.mu.Unlock()
	return next
}

// IsPushChannelDisabled returns true if new resources must not open a push channel.
func (s *Service) IsPushChannelDisabled(ctx context.Context) bool {
	return s.IsEnabled(ctx, FlagDisablePushChannel)
}

// IsNotificationsDisabled returns true if no notification may be dispatched.
func (s *Service) IsNotificationsDisabled(ctx context.Context) bool {
	return s.IsEnabled(ctx, FlagDisableNotifications)
}

// IsNativeNotificationsPermitted returns true if the native sink may be used.
func (s *Service) IsNativeNotificationsPermitted(ctx context.Context) bool {
	return s.IsEnabled(ctx, FlagNativeNotificationsPermitted)
}

// StaleGraceMultiplier returns the stale grace multiple of the poll interval.
// Values below 1 fall back to DefaultStaleGraceMultiplier.
func (s *Service) StaleGraceMultiplier(ctx context.Context) int {
	n := s.GetFlag(ctx, FlagStaleGraceMultiplier).IntValue(DefaultStaleGraceMultiplier)
	if n < 1 {
		return DefaultStaleGraceMultiplier
	}
	return n
}
