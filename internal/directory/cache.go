package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisClient is the subset of *redis.Client the cache needs
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// NewRedisClient connects to redis and checks the connection
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// Cached is a read-through redis cache in front of another Directory.
// Redis failures fall through to the inner directory.
type Cached struct {
	inner  Directory
	client RedisClient
	ttl    time.Duration
	log    *zap.Logger
}

// NewCached wraps inner with a redis cache holding entries for ttl
func NewCached(inner Directory, client RedisClient, ttl time.Duration, log *zap.Logger) *Cached {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cached{
		inner:  inner,
		client: client,
		ttl:    ttl,
		log:    log,
	}
}

func aliasKey(address string) string {
	return "alias:" + strings.ToLower(address)
}

func mailboxKey(ownerID uint) string {
	return "mailbox:" + strconv.FormatUint(uint64(ownerID), 10)
}

// LookupAlias returns the cached alias or loads it from the inner directory
func (c *Cached) LookupAlias(ctx context.Context, address string) (*Alias, error) {
	key := aliasKey(address)

	data, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		var alias Alias
		if err := json.Unmarshal([]byte(data), &alias); err == nil {
			return &alias, nil
		}
		c.log.Warn("Discarding undecodable cached alias", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.log.Warn("Alias cache read failed", zap.String("key", key), zap.Error(err))
	}

	alias, err := c.inner.LookupAlias(ctx, address)
	if err != nil {
		return nil, err
	}

	if payload, err := json.Marshal(alias); err == nil {
		if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
			c.log.Warn("Alias cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return alias, nil
}

// MailboxOf returns the cached owner mailbox or loads it from the inner directory
func (c *Cached) MailboxOf(ctx context.Context, ownerID uint) (string, error) {
	key := mailboxKey(ownerID)

	mailbox, err := c.client.Get(ctx, key).Result()
	if err == nil {
		return mailbox, nil
	}
	if !errors.Is(err, redis.Nil) {
		c.log.Warn("Mailbox cache read failed", zap.String("key", key), zap.Error(err))
	}

	mailbox, err = c.inner.MailboxOf(ctx, ownerID)
	if err != nil {
		return "", err
	}
	if err := c.client.Set(ctx, key, mailbox, c.ttl).Err(); err != nil {
		c.log.Warn("Mailbox cache write failed", zap.String("key", key), zap.Error(err))
	}
	return mailbox, nil
}

// Invalidate drops the cached entry for address
func (c *Cached) Invalidate(ctx context.Context, address string) error {
	return c.client.Del(ctx, aliasKey(address)).Err()
}
