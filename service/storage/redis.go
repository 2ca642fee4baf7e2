package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"FamLink/tools/errs"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisPresence is the cross-gateway presence directory. Key per user holds
// the owning gateway id; the TTL is the liveness window, so a crashed
// gateway's entries age out on their own.
type RedisPresence struct {
	rdb       *redis.Client
	gatewayID string
}

func presenceKey(user string) string { return "famlink:presence:" + user }

func NewRedisPresence(ctx context.Context, conf RedisConfig, gatewayID string) (*RedisPresence, error) {
	rdb := redis.NewClient(&redis.Options{Addr: conf.Addr, Password: conf.Password, DB: conf.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errs.ErrStoreUnavailable.WrapErr(err, "ping redis", "addr", conf.Addr)
	}
	return &RedisPresence{rdb: rdb, gatewayID: gatewayID}, nil
}

func (p *RedisPresence) Online(userID string, ttl time.Duration) error {
	return p.rdb.Set(context.Background(), presenceKey(userID), p.gatewayID, ttl).Err()
}

func (p *RedisPresence) Offline(userID string) error {
	return p.rdb.Del(context.Background(), presenceKey(userID)).Err()
}

// Lookup resolves which gateway currently owns the user's connections.
func (p *RedisPresence) Lookup(userID string) (gatewayID string, online bool, err error) {
	val, err := p.rdb.Get(context.Background(), presenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (p *RedisPresence) Close() error { return p.rdb.Close() }
