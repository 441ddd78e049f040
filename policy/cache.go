package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"commissionflow/logger"
	"commissionflow/metrics"
)

const activePoliciesKey = "commission:policies:active"

// RedisClient is the subset of *redis.Client used by CachedRepository.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// CachedRepository serves ListActive from Redis and delegates everything else
// to the wrapped Repository. Writes through Upsert drop the cached catalog.
// Redis failures degrade to reading Postgres directly.
type CachedRepository struct {
	Repository
	client RedisClient
	ttl    time.Duration
	group  singleflight.Group
}

func NewCachedRepository(repo Repository, client RedisClient, ttl time.Duration) *CachedRepository {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedRepository{Repository: repo, client: client, ttl: ttl}
}

func (c *CachedRepository) ListActive(ctx context.Context) ([]Policy, error) {
	val, err := c.client.Get(ctx, activePoliciesKey).Bytes()
	switch {
	case err == nil:
		var policies []Policy
		if err := json.Unmarshal(val, &policies); err == nil {
			metrics.PolicyCacheRequests.WithLabelValues("hit").Inc()
			return policies, nil
		}
		logger.Warn("discarding unreadable policy cache entry", "key", activePoliciesKey)
	case errors.Is(err, redis.Nil):
		metrics.PolicyCacheRequests.WithLabelValues("miss").Inc()
	default:
		metrics.PolicyCacheRequests.WithLabelValues("error").Inc()
		logger.Warn("policy cache read failed", "error", err)
	}

	v, err, _ := c.group.Do(activePoliciesKey, func() (any, error) {
		policies, err := c.Repository.ListActive(ctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(policies)
		if err != nil {
			return nil, fmt.Errorf("policy: encode cache: %w", err)
		}
		if err := c.client.Set(ctx, activePoliciesKey, data, c.ttl).Err(); err != nil {
			logger.Warn("policy cache write failed", "error", err)
		}
		return policies, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Policy), nil
}

func (c *CachedRepository) Upsert(ctx context.Context, p Policy) (Policy, error) {
	saved, err := c.Repository.Upsert(ctx, p)
	if err != nil {
		return Policy{}, err
	}
	if err := c.Invalidate(ctx); err != nil {
		logger.Warn("policy cache invalidation failed", "policy_code", saved.PolicyCode, "error", err)
	}
	return saved, nil
}

// Invalidate drops the cached active catalog so the next read goes to Postgres.
func (c *CachedRepository) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, activePoliciesKey).Err(); err != nil {
		return fmt.Errorf("policy: invalidate cache: %w", err)
	}
	return nil
}

// NewRedisClient connects to addr and verifies the connection with a PING.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("policy: connect redis %s: %w", addr, err)
	}
	return client, nil
}
