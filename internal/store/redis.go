package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

import (
	"github.com/redis/go-redis/v9"
)

import (
	"github.com/stockpulse/rls/internal/config"
	"github.com/stockpulse/rls/internal/util"
)

// Redis is the shared counter backend for multi-instance deployments.
// All counting is done in Lua so that trim+insert+count is one atomic
// round trip per key.
type Redis struct {
	cli            redis.UniversalClient
	logger         *slog.Logger
	defaultTimeout time.Duration

	// nonce+seq make every zset member unique across processes sharing one
	// Redis. Two instances hitting the same key in the same millisecond must
	// insert two members, never update one.
	nonce string
	seq   atomic.Int64
}

// RedisOption customizes the backend.
type RedisOption func(*Redis)

func WithDefaultTimeout(d time.Duration) RedisOption {
	return func(r *Redis) { r.defaultTimeout = d }
}

// NewRedis connects and pings the backend.
func NewRedis(cfg config.RedisCfg, logger *slog.Logger, opts ...RedisOption) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}
	addrs := normalizeAddrs(cfg)
	if len(addrs) == 0 {
		return nil, errors.New("store: no redis addresses configured")
	}

	r := &Redis{
		logger:         logger,
		defaultTimeout: 100 * time.Millisecond,
		nonce:          processNonce(),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.cli = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     intOrDefault(cfg.PoolSize, 100),
		MinIdleConns: intOrDefault(cfg.MinIdleConns, 10),
		MaxRetries:   intOrDefault(cfg.MaxRetries, 2),
		DialTimeout:  durationOrDefault(cfg.DialTimeoutMs, 800),
		ReadTimeout:  durationOrDefault(cfg.ReadTimeoutMs, 800),
		WriteTimeout: durationOrDefault(cfg.WriteTimeoutMs, 800),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.cli.Ping(ctx).Err(); err != nil {
		logger.Error("redis ping failed", "err", err)
		return nil, fmt.Errorf("store: redis connect failed: %w", err)
	}
	return r, nil
}

func (r *Redis) withTimeout(parent context.Context, opTimeout time.Duration) (context.Context, context.CancelFunc) {
	if opTimeout == 0 {
		opTimeout = r.defaultTimeout
	}
	return context.WithTimeout(parent, opTimeout)
}

func (r *Redis) IncrSlidingWindow(parent context.Context, key string, window time.Duration) (int64, int64, error) {
	ctx, cancel := r.withTimeout(parent, 0)
	defer cancel()
	res, err := scriptWindowIncr.Run(ctx, r.cli, []string{key}, window.Milliseconds(), r.member()).Result()
	return windowReply(key, res, err)
}

// member returns the next zset member suffix, unique within this process by
// the sequence and across processes by the nonce.
func (r *Redis) member() string {
	return r.nonce + "-" + strconv.FormatInt(r.seq.Add(1), 36)
}

func (r *Redis) CountSlidingWindow(parent context.Context, key string, window time.Duration) (int64, int64, error) {
	ctx, cancel := r.withTimeout(parent, 0)
	defer cancel()
	res, err := scriptWindowCount.Run(ctx, r.cli, []string{key}, window.Milliseconds()).Result()
	return windowReply(key, res, err)
}

func (r *Redis) IncrConcurrent(parent context.Context, key string, timeout time.Duration) (int64, error) {
	ctx, cancel := r.withTimeout(parent, 0)
	defer cancel()
	ttlMs := timeout.Milliseconds()
	if ttlMs <= 0 {
		ttlMs = 1
	}
	cnt, err := scriptConcurrentIncr.Run(ctx, r.cli, []string{key}, ttlMs).Int64()
	if err != nil {
		return 0, unavailable(key, err)
	}
	return cnt, nil
}

func (r *Redis) DecrConcurrent(parent context.Context, key string) (int64, error) {
	ctx, cancel := r.withTimeout(parent, 0)
	defer cancel()
	cnt, err := scriptConcurrentDecr.Run(ctx, r.cli, []string{key}).Int64()
	if err != nil {
		return 0, unavailable(key, err)
	}
	return cnt, nil
}

func (r *Redis) GetConcurrent(parent context.Context, key string) (int64, error) {
	ctx, cancel := r.withTimeout(parent, 0)
	defer cancel()
	cnt, err := r.cli.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable(key, err)
	}
	return cnt, nil
}

// Reset deletes the exact key, or scans out every key under a trailing-'*'
// prefix. SCAN keeps the sweep incremental instead of blocking on KEYS.
func (r *Redis) Reset(parent context.Context, pattern string) error {
	if !strings.HasSuffix(pattern, "*") {
		ctx, cancel := r.withTimeout(parent, 0)
		defer cancel()
		if err := r.cli.Del(ctx, pattern).Err(); err != nil {
			return unavailable(pattern, err)
		}
		return nil
	}

	ctx, cancel := r.withTimeout(parent, 2*time.Second)
	defer cancel()
	cursor := uint64(0)
	for {
		keys, next, err := r.cli.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return unavailable(pattern, err)
		}
		if len(keys) > 0 {
			if err := r.cli.Del(ctx, keys...).Err(); err != nil {
				return unavailable(pattern, err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (r *Redis) Close() error {
	return r.cli.Close()
}

func windowReply(key string, res interface{}, err error) (int64, int64, error) {
	if err != nil {
		return 0, 0, unavailable(key, err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return 0, 0, unavailable(key, errors.New("unexpected script reply"))
	}
	return util.ToInt64(vals[0]), util.ToInt64(vals[1]), nil
}

func unavailable(key string, err error) error {
	return fmt.Errorf("%w: key %s: %v", ErrUnavailable, key, err)
}

func normalizeAddrs(cfg config.RedisCfg) []string {
	if len(cfg.Addrs) > 0 {
		return cfg.Addrs
	}
	if cfg.Addr == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(cfg.Addr, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// processNonce draws a random per-process tag for zset members. If the
// random source fails the clock stands in, which still keeps members
// unique within the process.
func processNonce() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(b[:])
}

func intOrDefault(val, def int) int {
	if val > 0 {
		return val
	}
	return def
}

func durationOrDefault(ms, defMs int) time.Duration {
	if ms <= 0 {
		ms = defMs
	}
	return time.Duration(ms) * time.Millisecond
}
