package otp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "medvault:otp:"

// incrIfExists avoids HINCRBY resurrecting an expired key without a TTL.
var incrIfExists = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return redis.call("HINCRBY", KEYS[1], "attempts", 1)
end
return -1
`)

// RedisStore keeps codes in Redis hashes that expire with the code, so every
// API replica sees the same outstanding code.
type RedisStore struct {
	client redis.Cmdable
	nowFn  func() time.Time
}

func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client, nowFn: time.Now}
}

func redisKey(email string) string { return redisKeyPrefix + email }

func (s *RedisStore) Put(ctx context.Context, email string, rec Record) error {
	ttl := rec.ExpiresAt.Sub(s.nowFn())
	if ttl <= 0 {
		return fmt.Errorf("otp record already expired")
	}
	key := redisKey(email)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key,
			"code", rec.Code,
			"expires_at", strconv.FormatInt(rec.ExpiresAt.UnixMilli(), 10),
			"attempts", strconv.Itoa(rec.Attempts),
		)
		p.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store otp: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, email string) (Record, error) {
	vals, err := s.client.HGetAll(ctx, redisKey(email)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("load otp: %w", err)
	}
	if len(vals) == 0 {
		return Record{}, ErrNoCode
	}
	ms, err := strconv.ParseInt(vals["expires_at"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("parse otp expiry: %w", err)
	}
	attempts, _ := strconv.Atoi(vals["attempts"])
	rec := Record{Code: vals["code"], ExpiresAt: time.UnixMilli(ms), Attempts: attempts}
	if !s.nowFn().Before(rec.ExpiresAt) {
		return Record{}, ErrNoCode
	}
	return rec, nil
}

func (s *RedisStore) IncrementAttempts(ctx context.Context, email string) (int, error) {
	n, err := incrIfExists.Run(ctx, s.client, []string{redisKey(email)}).Int()
	if err != nil {
		return 0, fmt.Errorf("increment otp attempts: %w", err)
	}
	if n < 0 {
		return 0, ErrNoCode
	}
	return n, nil
}

func (s *RedisStore) Delete(ctx context.Context, email string) (bool, error) {
	n, err := s.client.Del(ctx, redisKey(email)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("delete otp: %w", err)
	}
	return n == 1, nil
}
