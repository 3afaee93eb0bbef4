package settings

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultCacheTTL applies when no override is stored
const DefaultCacheTTL = 5 * time.Minute

// Accessor exposes the runtime settings the core services consult. Values
// are re-read on every call so a change takes effect on the next operation
// without a restart.
type Accessor interface {
	CacheTTL(ctx context.Context) time.Duration
	SetCacheTTL(ctx context.Context, ttl time.Duration) error

	APIKey(ctx context.Context) string
	SetAPIKey(ctx context.Context, key string) error
	ClearAPIKey(ctx context.Context) error

	RestrictedAccess(ctx context.Context) bool
	SetRestrictedAccess(ctx context.Context, restricted bool) error

	ExperimentalAPIsEnabled(ctx context.Context) bool
	SetExperimentalAPIs(ctx context.Context, enabled bool) error

	CurrentUserID(ctx context.Context) string
	SetCurrentUserID(ctx context.Context, id string) error
}

const (
	keyCacheTTL     = "settings:cache_ttl_ms"
	keyAPIKey       = "settings:api_key"
	keyRestricted   = "settings:restricted_access"
	keyExperimental = "settings:experimental_apis"
	keyCurrentUser  = "settings:current_user_id"
)

// RedisStore persists settings in Redis
type RedisStore struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewRedisStore(rdb *redis.Client, log *zap.Logger) *RedisStore {
	return &RedisStore{rdb: rdb, log: log}
}

func (s *RedisStore) getString(ctx context.Context, key string) string {
	val, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			s.log.Warn("settings read failed", zap.String("key", key), zap.Error(err))
		}
		return ""
	}
	return val
}

func (s *RedisStore) CacheTTL(ctx context.Context) time.Duration {
	val := s.getString(ctx, keyCacheTTL)
	if val == "" {
		return DefaultCacheTTL
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil || ms <= 0 {
		return DefaultCacheTTL
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *RedisStore) SetCacheTTL(ctx context.Context, ttl time.Duration) error {
	return s.rdb.Set(ctx, keyCacheTTL, strconv.FormatInt(ttl.Milliseconds(), 10), 0).Err()
}

func (s *RedisStore) APIKey(ctx context.Context) string {
	return s.getString(ctx, keyAPIKey)
}

func (s *RedisStore) SetAPIKey(ctx context.Context, key string) error {
	return s.rdb.Set(ctx, keyAPIKey, key, 0).Err()
}

func (s *RedisStore) ClearAPIKey(ctx context.Context) error {
	return s.rdb.Del(ctx, keyAPIKey).Err()
}

func (s *RedisStore) RestrictedAccess(ctx context.Context) bool {
	return s.getString(ctx, keyRestricted) == "1"
}

func (s *RedisStore) SetRestrictedAccess(ctx context.Context, restricted bool) error {
	if !restricted {
		return s.rdb.Del(ctx, keyRestricted).Err()
	}
	return s.rdb.Set(ctx, keyRestricted, "1", 0).Err()
}

func (s *RedisStore) ExperimentalAPIsEnabled(ctx context.Context) bool {
	return s.getString(ctx, keyExperimental) == "1"
}

func (s *RedisStore) SetExperimentalAPIs(ctx context.Context, enabled bool) error {
	if !enabled {
		return s.rdb.Del(ctx, keyExperimental).Err()
	}
	return s.rdb.Set(ctx, keyExperimental, "1", 0).Err()
}

func (s *RedisStore) CurrentUserID(ctx context.Context) string {
	return s.getString(ctx, keyCurrentUser)
}

func (s *RedisStore) SetCurrentUserID(ctx context.Context, id string) error {
	if id == "" {
		return s.rdb.Del(ctx, keyCurrentUser).Err()
	}
	return s.rdb.Set(ctx, keyCurrentUser, id, 0).Err()
}

// Memory is an in-process Accessor used by tests and as a fallback when no
// Redis is configured
type Memory struct {
	mu           sync.RWMutex
	ttl          time.Duration
	apiKey       string
	restricted   bool
	experimental bool
	currentUser  string
}

func NewMemory() *Memory {
	return &Memory{ttl: DefaultCacheTTL}
}

func (m *Memory) CacheTTL(ctx context.Context) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ttl <= 0 {
		return DefaultCacheTTL
	}
	return m.ttl
}

func (m *Memory) SetCacheTTL(ctx context.Context, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ttl = ttl
	return nil
}

func (m *Memory) APIKey(ctx context.Context) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.apiKey
}

func (m *Memory) SetAPIKey(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiKey = key
	return nil
}

func (m *Memory) ClearAPIKey(ctx context.Context) error {
	return m.SetAPIKey(ctx, "")
}

func (m *Memory) RestrictedAccess(ctx context.Context) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.restricted
}

func (m *Memory) SetRestrictedAccess(ctx context.Context, restricted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restricted = restricted
	return nil
}

func (m *Memory) ExperimentalAPIsEnabled(ctx context.Context) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.experimental
}

func (m *Memory) SetExperimentalAPIs(ctx context.Context, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.experimental = enabled
	return nil
}

func (m *Memory) CurrentUserID(ctx context.Context) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentUser
}

func (m *Memory) SetCurrentUserID(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentUser = id
	return nil
}
