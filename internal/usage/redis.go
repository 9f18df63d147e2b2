package usage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vnmchuo/tutor-gateway/internal/provider"
)

const bucketTTL = 48 * time.Hour

// RedisLedger shares counters between gateway instances.
type RedisLedger struct {
	rdb       *redis.Client
	providers []provider.ID
}

func NewRedisLedger(rdb *redis.Client, providers []provider.ID) *RedisLedger {
	if len(providers) == 0 {
		providers = provider.All
	}
	return &RedisLedger{rdb: rdb, providers: providers}
}

func bucketKey(k Key) string {
	return fmt.Sprintf("usage:%s:%s:%s", k.UserID, k.Provider, k.Day)
}

func (l *RedisLedger) Add(ctx context.Context, callID string, key Key, delta Counters) (bool, error) {
	if callID != "" {
		ok, err := l.rdb.SetNX(ctx, "usage:call:"+callID, key.Day, bucketTTL).Result()
		if err != nil {
			return false, fmt.Errorf("failed to claim call id: %w", err)
		}
		if !ok {
			return false, nil
		}
	}

	bucket := bucketKey(key)
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, bucket, "requests", delta.Requests)
		pipe.HIncrBy(ctx, bucket, "tokens", delta.Tokens)
		pipe.HIncrByFloat(ctx, bucket, "cost", delta.Cost)
		pipe.Expire(ctx, bucket, bucketTTL)
		return nil
	})
	if err != nil {
		if callID != "" {
			l.rdb.Del(context.WithoutCancel(ctx), "usage:call:"+callID)
		}
		return false, fmt.Errorf("failed to increment usage: %w", err)
	}
	return true, nil
}

func (l *RedisLedger) Day(ctx context.Context, userID, day string) (map[provider.ID]Counters, error) {
	cmds := make(map[provider.ID]*redis.MapStringStringCmd, len(l.providers))
	_, err := l.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range l.providers {
			cmds[id] = pipe.HGetAll(ctx, bucketKey(Key{UserID: userID, Provider: id, Day: day}))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read usage: %w", err)
	}

	out := make(map[provider.ID]Counters)
	for id, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		c, err := parseCounters(fields)
		if err != nil {
			return nil, fmt.Errorf("usage bucket %s: %w", id, err)
		}
		out[id] = c
	}
	return out, nil
}

func parseCounters(fields map[string]string) (Counters, error) {
	var c Counters
	var err error
	if v, ok := fields["requests"]; ok {
		if c.Requests, err = strconv.ParseInt(v, 10, 64); err != nil {
			return c, err
		}
	}
	if v, ok := fields["tokens"]; ok {
		if c.Tokens, err = strconv.ParseInt(v, 10, 64); err != nil {
			return c, err
		}
	}
	if v, ok := fields["cost"]; ok {
		if c.Cost, err = strconv.ParseFloat(v, 64); err != nil {
			return c, err
		}
	}
	return c, nil
}
