package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/regenlab/regencache/types"
	"github.com/regenlab/regencache/utils"
)

type RedisConfig struct {
	Host               string        `json:"host"`
	Port               int           `json:"port"`
	Password           string        `json:"password"`
	DB                 int           `json:"db"`
	PoolSize           int           `json:"pool_size"`
	MinIdleConnections int           `json:"min_idle_connections"`
	DialTimeout        time.Duration `json:"dial_timeout"`
	ReadTimeout        time.Duration `json:"read_timeout"`
	WriteTimeout       time.Duration `json:"write_timeout"`
	KeyPrefix          string        `json:"key_prefix"`
	ScanBatch          int64         `json:"scan_batch"`
}

// replaceScript performs the compare-and-replace against the key's hard
// invalidation epoch and advances the generation counter, all atomically on
// the redis side. Returns -1 when a hard invalidation won the race.
var replaceScript = redis.NewScript(`
local epoch = tonumber(redis.call('GET', KEYS[2]) or '0')
local observed = tonumber(ARGV[2])
if epoch > observed then
  return -1
end

local gen = 0
local existing = redis.call('GET', KEYS[1])
if existing then
  local old = cjson.decode(existing)
  gen = tonumber(old.generation) or 0
  if old.tags then
    for _, tag in ipairs(old.tags) do
      redis.call('SREM', ARGV[3] .. ':tag:' .. tag, old.key)
    end
  end
end

local entry = cjson.decode(ARGV[1])
entry.generation = gen + 1
entry.hard_epoch = epoch
entry.state = 'committed'
redis.call('SET', KEYS[1], cjson.encode(entry))

if entry.tags then
  for _, tag in ipairs(entry.tags) do
    redis.call('SADD', ARGV[3] .. ':tag:' .. tag, entry.key)
  end
end

return entry.generation
`)

// invalidateScript flips one entry to invalidated in place. The epoch key is
// advanced even when the entry is missing so in-flight renders that observed
// the old epoch cannot commit.
var invalidateScript = redis.NewScript(`
local hard = ARGV[1] == '1'
if hard then
  redis.call('INCR', KEYS[2])
end

local existing = redis.call('GET', KEYS[1])
if not existing then
  return 0
end

local entry = cjson.decode(existing)
entry.state = 'invalidated'
if hard then
  entry.hard_epoch = tonumber(redis.call('GET', KEYS[2]))
end
redis.call('SET', KEYS[1], cjson.encode(entry))
return 1
`)

// RedisStore is the shared backend for multi-instance deployments. Entries
// are sonic-encoded envelopes; per-key atomicity comes from Lua scripts.
type RedisStore struct {
	ctx     context.Context
	logger  types.Logger
	health  types.HealthManager
	config  *RedisConfig
	client  *redis.Client
	started int32
}

func NewRedisStore(ctx context.Context, logger types.Logger, config *types.StoreConfig, health types.HealthManager) (types.EntryStore, error) {
	redisConfig := &RedisConfig{
		Host:               "localhost",
		Port:               6379,
		DB:                 0,
		PoolSize:           10,
		MinIdleConnections: 2,
		DialTimeout:        5 * time.Second,
		ReadTimeout:        3 * time.Second,
		WriteTimeout:       3 * time.Second,
		KeyPrefix:          "regencache",
		ScanBatch:          100,
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, redisConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal redis store config")
		}
	}

	rs := &RedisStore{
		ctx:    ctx,
		logger: logger,
		health: health,
		config: redisConfig,
	}

	rs.client = redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", redisConfig.Host, redisConfig.Port),
		Password:     redisConfig.Password,
		DB:           redisConfig.DB,
		PoolSize:     redisConfig.PoolSize,
		MinIdleConns: redisConfig.MinIdleConnections,
		DialTimeout:  redisConfig.DialTimeout,
		ReadTimeout:  redisConfig.ReadTimeout,
		WriteTimeout: redisConfig.WriteTimeout,
	})

	if err := rs.ping(); err != nil {
		return nil, types.WrapError(err, "failed to connect to redis")
	}

	if health != nil {
		health.RegisterChecker("store_redis", rs.healthCheck)
	}

	return rs, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (*types.Entry, error) {
	if key == "" {
		return nil, types.ErrEntryKeyEmpty
	}

	result, err := r.client.Get(ctx, r.entryKey(key)).Result()
	if err != nil {
		if types.IsError(err, redis.Nil) {
			return nil, types.ErrEntryNotFound
		}
		r.logger.Error("failed to get entry", zap.String("key", key), zap.Error(err))
		return nil, types.WrapError(types.ErrStoreUnavailable, err.Error())
	}

	var entry types.Entry
	if err := utils.Unmarshal([]byte(result), &entry); err != nil {
		return nil, types.WrapError(err, "failed to unmarshal entry")
	}

	return &entry, nil
}

func (r *RedisStore) Replace(ctx context.Context, entry *types.Entry, observedHardEpoch uint64) error {
	if entry == nil || entry.Key == "" {
		return types.ErrEntryKeyEmpty
	}

	data, err := utils.Marshal(entry)
	if err != nil {
		return types.WrapError(err, "failed to marshal entry")
	}

	res, err := replaceScript.Run(ctx, r.client,
		[]string{r.entryKey(entry.Key), r.epochKey(entry.Key)},
		utils.BytesToString(data),
		observedHardEpoch,
		r.config.KeyPrefix,
	).Int64()
	if err != nil {
		r.logger.Error("failed to replace entry", zap.String("key", entry.Key), zap.Error(err))
		return types.WrapError(types.ErrStoreUnavailable, err.Error())
	}

	if res < 0 {
		return types.ErrInvalidationConflict
	}

	return nil
}

func (r *RedisStore) MarkInvalidated(ctx context.Context, key string, hard bool) error {
	if key == "" {
		return types.ErrEntryKeyEmpty
	}

	hardArg := "0"
	if hard {
		hardArg = "1"
	}

	_, err := invalidateScript.Run(ctx, r.client,
		[]string{r.entryKey(key), r.epochKey(key)},
		hardArg,
	).Int64()
	if err != nil {
		r.logger.Error("failed to invalidate entry", zap.String("key", key), zap.Error(err))
		return types.WrapError(types.ErrStoreUnavailable, err.Error())
	}

	return nil
}

func (r *RedisStore) InvalidateTag(ctx context.Context, tag string, hard bool) (int, error) {
	members, err := r.client.SMembers(ctx, r.tagKey(tag)).Result()
	if err != nil {
		if types.IsError(err, redis.Nil) {
			return 0, nil
		}
		return 0, types.WrapError(types.ErrStoreUnavailable, err.Error())
	}

	count := 0
	for _, key := range members {
		if err := r.MarkInvalidated(ctx, key, hard); err != nil {
			r.logger.Error("failed to invalidate tagged entry",
				zap.String("tag", tag), zap.String("key", key), zap.Error(err))
			continue
		}
		count++
	}

	return count, nil
}

func (r *RedisStore) Scan(ctx context.Context, fn func(*types.Entry) bool) error {
	pattern := r.config.KeyPrefix + ":entry:*"
	var cursor uint64

	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, r.config.ScanBatch).Result()
		if err != nil {
			return types.WrapError(types.ErrStoreUnavailable, err.Error())
		}

		for _, fullKey := range keys {
			result, err := r.client.Get(ctx, fullKey).Result()
			if err != nil {
				continue
			}

			var entry types.Entry
			if err := utils.Unmarshal([]byte(result), &entry); err != nil {
				continue
			}

			if !fn(&entry) {
				return nil
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (r *RedisStore) Start() error {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	r.logger.Info("Redis store started",
		zap.String("prefix", r.config.KeyPrefix))
	return nil
}

func (r *RedisStore) Stop() error {
	if !atomic.CompareAndSwapInt32(&r.started, 1, 0) {
		return types.ErrServerNotRunning
	}

	if err := r.client.Close(); err != nil {
		r.logger.Error("Failed to close redis client", zap.Error(err))
		return types.WrapError(err, "failed to close redis client")
	}

	r.logger.Info("Redis store stopped")
	return nil
}

func (r *RedisStore) IsRunning() bool {
	return atomic.LoadInt32(&r.started) == 1
}

func (r *RedisStore) ping() error {
	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()

	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) healthCheck(ctx context.Context) types.HealthCheck {
	start := time.Now()
	check := types.HealthCheck{
		Name:      "store_redis",
		LastCheck: start,
	}

	if err := r.client.Ping(ctx).Err(); err != nil {
		check.Status = types.StatusUnhealthy
		check.Message = err.Error()
	} else {
		check.Status = types.StatusHealthy
	}

	check.Duration = time.Since(start)
	return check
}

func (r *RedisStore) entryKey(key string) string {
	return fmt.Sprintf("%s:entry:%s", r.config.KeyPrefix, key)
}

func (r *RedisStore) epochKey(key string) string {
	return fmt.Sprintf("%s:epoch:%s", r.config.KeyPrefix, key)
}

func (r *RedisStore) tagKey(tag string) string {
	return fmt.Sprintf("%s:tag:%s", r.config.KeyPrefix, tag)
}
