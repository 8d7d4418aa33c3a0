package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisLedger is a DedupLedger on Redis, for deployments where
// several replicas must share one ledger. SET NX gives the atomic
// check-and-insert; expiry is native, so PruneDedup is a no-op.
type RedisLedger struct {
	client *redis.Client
	prefix string
	log    zerolog.Logger
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces ledger keys; default "notifyd:dedup:".
	Prefix string
}

func NewRedisLedger(cfg RedisConfig, log zerolog.Logger) (*RedisLedger, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// Connection problems at startup are reported but not fatal:
		// Redis may come up after us.
		log.Warn().Str("addr", cfg.Addr).Err(err).Msg("redis ping failed")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "notifyd:dedup:"
	}
	return &RedisLedger{client: rdb, prefix: prefix, log: log}, nil
}

func (l *RedisLedger) Seen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, nil
	}
	set, err := l.client.SetNX(ctx, l.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}

func (l *RedisLedger) PruneDedup(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func (l *RedisLedger) Close() error { return l.client.Close() }
