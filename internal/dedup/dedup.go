// Пакет dedup — дедупликация событий по ключу с временем жизни.
// RedisStore разделяет состояние между экземплярами сервиса,
// MemoryStore работает в пределах процесса.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Store отмечает ключ как увиденный.
type Store interface {
	// MarkIfNew возвращает true, если ключ ещё не встречался в пределах TTL.
	MarkIfNew(ctx context.Context, key string) (bool, error)
	// Forget снимает отметку, чтобы повторная доставка ключа была обработана.
	Forget(ctx context.Context, key string) error
}

// RedisStore — Store поверх SET NX с TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore создаёт RedisStore.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// MarkIfNew выполняет SET key 1 NX EX ttl.
func (s *RedisStore) MarkIfNew(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SETNX %s: %w", key, err)
	}
	return ok, nil
}

// Forget выполняет DEL key.
func (s *RedisStore) Forget(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis DEL %s: %w", key, err)
	}
	return nil
}

// MemoryStore — Store поверх LRU-кэша с истечением записей.
type MemoryStore struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, struct{}]
}

// NewMemoryStore создаёт MemoryStore на size ключей.
func NewMemoryStore(size int, ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		cache: expirable.NewLRU[string, struct{}](size, nil, ttl),
	}
}

// MarkIfNew проверяет и добавляет ключ атомарно.
func (s *MemoryStore) MarkIfNew(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache.Contains(key) {
		return false, nil
	}
	s.cache.Add(key, struct{}{})
	return true, nil
}

// Forget удаляет ключ из кэша.
func (s *MemoryStore) Forget(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Remove(key)
	return nil
}

// New возвращает RedisStore, если задан redisURL, иначе MemoryStore.
// Второе значение — функция закрытия соединения.
func New(redisURL string, ttl time.Duration) (Store, func() error, error) {
	if redisURL == "" {
		return NewMemoryStore(10000, ttl), func() error { return nil }, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("разбор ES_REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	return NewRedisStore(client, "enrollsync:webhook:", ttl), client.Close, nil
}
