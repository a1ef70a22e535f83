package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrLockHeld = errors.New("lock held by another worker")

// Locker gives cross-process mutual exclusion for a key.
type Locker interface {
	// Acquire returns a release func, or ErrLockHeld if another holder owns key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

type redisLocker struct {
	rdb    *redis.Client
	prefix string
}

// releaseScript deletes the key only if it still carries our token, so a
// lock that expired and was taken by another worker is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func NewRedisLocker(rdb *redis.Client, prefix string) Locker {
	return &redisLocker{rdb: rdb, prefix: prefix}
}

func (l *redisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token, err := lockToken()
	if err != nil {
		return nil, err
	}
	full := l.prefix + key

	ok, err := l.rdb.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", full, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		releaseScript.Run(ctx, l.rdb, []string{full}, token)
	}
	return release, nil
}

func lockToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
