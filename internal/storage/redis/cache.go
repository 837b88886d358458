// Package redis layers a read-through cache over another store. Only the
// gate-critical lookups are cached: block records and whitelist membership
// are read on every inbound direct message, while the rest of the store is
// touched far less often and passes straight through.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"modmail/backend/internal/config"
	"modmail/backend/internal/domain"
	"modmail/backend/internal/storage"
)

const (
	blockTTL     = 5 * time.Minute
	whitelistTTL = 5 * time.Minute

	// missMarker is cached for absent block records so repeat lookups of
	// unblocked users skip the database too.
	missMarker = "__none__"
)

// Cache wraps a store with Redis-backed block and whitelist lookups.
type Cache struct {
	storage.Store
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects to Redis and wraps inner. The connection is verified before
// use.
func New(inner storage.Store, cfg config.RedisConfig, logger *zap.Logger) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Cache{Store: inner, rdb: rdb, logger: logger}, nil
}

func (c *Cache) Close() error { return c.rdb.Close() }

func blockKey(targetID string, kind domain.BlockKind) string {
	return fmt.Sprintf("block:%s:%s", kind, targetID)
}

func whitelistKey(userID string) string {
	return "whitelist:" + userID
}

func (c *Cache) GetBlock(targetID string, kind domain.BlockKind) (*domain.BlockRecord, error) {
	ctx := context.Background()
	key := blockKey(targetID, kind)

	if raw, err := c.rdb.Get(ctx, key).Result(); err == nil {
		if raw == missMarker {
			return nil, storage.ErrBlockNotFound
		}
		var rec domain.BlockRecord
		if err := json.Unmarshal([]byte(raw), &rec); err == nil {
			return &rec, nil
		}
		// A corrupt entry falls through to the database.
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Debug("block cache read failed", zap.String("key", key), zap.Error(err))
	}

	rec, err := c.Store.GetBlock(targetID, kind)
	if errors.Is(err, storage.ErrBlockNotFound) {
		c.set(ctx, key, missMarker, blockTTL)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if raw, merr := json.Marshal(rec); merr == nil {
		c.set(ctx, key, string(raw), blockTTL)
	}
	return rec, nil
}

func (c *Cache) SaveBlock(record *domain.BlockRecord) error {
	if err := c.Store.SaveBlock(record); err != nil {
		return err
	}
	c.invalidate(blockKey(record.TargetID, record.Kind))
	return nil
}

func (c *Cache) DeleteBlock(targetID string, kind domain.BlockKind) error {
	err := c.Store.DeleteBlock(targetID, kind)
	if err == nil || errors.Is(err, storage.ErrBlockNotFound) {
		c.invalidate(blockKey(targetID, kind))
	}
	return err
}

func (c *Cache) IsWhitelisted(userID string) (bool, error) {
	ctx := context.Background()
	key := whitelistKey(userID)

	if raw, err := c.rdb.Get(ctx, key).Result(); err == nil {
		return raw == "1", nil
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Debug("whitelist cache read failed", zap.String("key", key), zap.Error(err))
	}

	ok, err := c.Store.IsWhitelisted(userID)
	if err != nil {
		return false, err
	}
	val := "0"
	if ok {
		val = "1"
	}
	c.set(ctx, key, val, whitelistTTL)
	return ok, nil
}

func (c *Cache) AddWhitelist(userID string) error {
	if err := c.Store.AddWhitelist(userID); err != nil {
		return err
	}
	c.invalidate(whitelistKey(userID))
	return nil
}

func (c *Cache) RemoveWhitelist(userID string) error {
	if err := c.Store.RemoveWhitelist(userID); err != nil {
		return err
	}
	c.invalidate(whitelistKey(userID))
	return nil
}

func (c *Cache) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return err
	}
	return c.Store.Ping()
}

func (c *Cache) set(ctx context.Context, key, val string, ttl time.Duration) {
	if err := c.rdb.Set(ctx, key, val, ttl).Err(); err != nil {
		c.logger.Debug("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Cache) invalidate(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		c.logger.Debug("cache invalidate failed", zap.String("key", key), zap.Error(err))
	}
}
