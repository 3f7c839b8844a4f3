package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/medicore/clinic/internal/platform/redisx"
)

// SlotCache memoizes computed slot lists per (doctor, date). Entries hold
// the full day; past-slot filtering happens after a read.
//
// Every invalidation bumps a generation. A miss reports the generation it
// saw and Set refuses to store once that generation has moved, so a list
// computed before a booking never lands after the booking's invalidation.
type SlotCache interface {
	Get(ctx context.Context, doctorID uuid.UUID, date string) (slots []Slot, gen string, hit bool, err error)
	// Set stores slots computed after a miss that returned gen.
	Set(ctx context.Context, doctorID uuid.UUID, date, gen string, slots []Slot) error
	// Invalidate drops the given dates, or every date of the doctor when
	// none are given.
	Invalidate(ctx context.Context, doctorID uuid.UUID, dates ...string) error
}

type noopSlotCache struct{}

// NoopSlotCache never hits.
func NoopSlotCache() SlotCache { return noopSlotCache{} }

func (noopSlotCache) Get(context.Context, uuid.UUID, string) ([]Slot, string, bool, error) {
	return nil, "", false, nil
}

func (noopSlotCache) Set(context.Context, uuid.UUID, string, string, []Slot) error { return nil }

func (noopSlotCache) Invalidate(context.Context, uuid.UUID, ...string) error { return nil }

// Generation counters outlive any computation by a wide margin; an expired
// counter restarts at zero, which can only make a pending Set miss.
const generationTTL = 24 * time.Hour

// setIfGeneration writes the entry only while both counters still read
// ARGV[1].
var setIfGeneration = redis.NewScript(`
local d = redis.call('GET', KEYS[2]) or '0'
local g = redis.call('GET', KEYS[3]) or '0'
if d .. '.' .. g ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

type redisSlotCache struct {
	client *redisx.Client
	ttl    time.Duration
}

func NewRedisSlotCache(client *redisx.Client, ttl time.Duration) SlotCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &redisSlotCache{client: client, ttl: ttl}
}

func slotKey(doctorID uuid.UUID, date string) string {
	return fmt.Sprintf("slots:%s:%s", doctorID, date)
}

func doctorGenKey(doctorID uuid.UUID) string {
	return fmt.Sprintf("slotgen:%s", doctorID)
}

func dateGenKey(doctorID uuid.UUID, date string) string {
	return fmt.Sprintf("slotgen:%s:%s", doctorID, date)
}

func genToken(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return "0"
}

func (c *redisSlotCache) Get(ctx context.Context, doctorID uuid.UUID, date string) ([]Slot, string, bool, error) {
	vals, err := c.client.Client().MGet(ctx, slotKey(doctorID, date), doctorGenKey(doctorID), dateGenKey(doctorID, date)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, "", false, fmt.Errorf("failed to get from cache: %w", err)
	}
	gen := genToken(vals[1]) + "." + genToken(vals[2])
	raw, ok := vals[0].(string)
	if !ok {
		return nil, gen, false, nil
	}
	var slots []Slot
	if err := json.Unmarshal([]byte(raw), &slots); err != nil {
		return nil, gen, false, fmt.Errorf("corrupt cache entry: %w", err)
	}
	return slots, gen, true, nil
}

func (c *redisSlotCache) Set(ctx context.Context, doctorID uuid.UUID, date, gen string, slots []Slot) error {
	raw, err := json.Marshal(slots)
	if err != nil {
		return err
	}
	keys := []string{slotKey(doctorID, date), doctorGenKey(doctorID), dateGenKey(doctorID, date)}
	if err := setIfGeneration.Run(ctx, c.client.Client(), keys, gen, raw, c.ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("failed to set in cache: %w", err)
	}
	return nil
}

func (c *redisSlotCache) Invalidate(ctx context.Context, doctorID uuid.UUID, dates ...string) error {
	rdb := c.client.Client()
	if len(dates) == 0 {
		_, err := rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Incr(ctx, doctorGenKey(doctorID))
			pipe.Expire(ctx, doctorGenKey(doctorID), generationTTL)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to bump cache generation: %w", err)
		}
		_, err = c.client.DeletePattern(ctx, fmt.Sprintf("slots:%s:*", doctorID))
		return err
	}
	_, err := rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, d := range dates {
			pipe.Incr(ctx, dateGenKey(doctorID, d))
			pipe.Expire(ctx, dateGenKey(doctorID, d), generationTTL)
			pipe.Del(ctx, slotKey(doctorID, d))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete from cache: %w", err)
	}
	return nil
}
