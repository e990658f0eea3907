package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the local durable side: an offline mirror of daily records and
// the serialized race baseline list that lets a restarted process resume
// mid-race. All methods degrade to ErrNotFound / pass-through errors; the
// callers treat cache failures as a missing fallback, never as fatal.
type Cache struct {
	redis *redis.Client
}

func NewCache(client *redis.Client) *Cache {
	return &Cache{redis: client}
}

const dailyTTL = 48 * time.Hour

func dailyKey(userID, date string) string {
	return "daily:" + userID + ":" + date
}

func baselinesKey(userID string) string {
	return "race:baselines:" + userID
}

func (c *Cache) CacheDailyRecord(ctx context.Context, rec DailyRecord) error {
	if c.redis == nil {
		return ErrNotFound
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, dailyKey(rec.UserID, rec.Date), payload, dailyTTL).Err()
}

func (c *Cache) CachedDailyRecord(ctx context.Context, userID, date string) (DailyRecord, error) {
	if c.redis == nil {
		return DailyRecord{}, ErrNotFound
	}
	payload, err := c.redis.Get(ctx, dailyKey(userID, date)).Bytes()
	if errors.Is(err, redis.Nil) {
		return DailyRecord{}, ErrNotFound
	}
	if err != nil {
		return DailyRecord{}, err
	}
	var rec DailyRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return DailyRecord{}, err
	}
	return rec, nil
}

// SaveRaceBaselines persists the serialized baseline list. The race package
// owns the encoding; the cache only stores bytes.
func (c *Cache) SaveRaceBaselines(ctx context.Context, userID string, payload []byte) error {
	if c.redis == nil {
		return ErrNotFound
	}
	return c.redis.Set(ctx, baselinesKey(userID), payload, 0).Err()
}

func (c *Cache) RaceBaselines(ctx context.Context, userID string) ([]byte, error) {
	if c.redis == nil {
		return nil, ErrNotFound
	}
	payload, err := c.redis.Get(ctx, baselinesKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return payload, err
}

func (c *Cache) DropRaceBaselines(ctx context.Context, userID string) error {
	if c.redis == nil {
		return ErrNotFound
	}
	return c.redis.Del(ctx, baselinesKey(userID)).Err()
}
