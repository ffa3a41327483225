package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360studio/stageflow/workflow"
)

// DefaultRedisPrefix namespaces every key the Redis store writes.
const DefaultRedisPrefix = "stageflow"

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// TTL expires a flow's keys after the last write. Zero keeps them.
	TTL time.Duration
}

// RedisStore keeps artifacts in Redis. Each artifact is a hash of its latest
// record and version; versions come from an INCR counter per flow and stage.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	s := NewRedisStoreFromClient(client, cfg.Prefix, cfg.TTL, logger)
	s.logger.Info("Connected to Redis store", "addr", cfg.Addr, "db", cfg.DB, "prefix", s.prefix)
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client. The store takes ownership
// and closes it on Close.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration, logger *slog.Logger) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (s *RedisStore) artifactKey(flowID string, stage workflow.Stage) string {
	return fmt.Sprintf("%s:flow:%s:artifact:%s", s.prefix, flowID, stage)
}

func (s *RedisStore) versionKey(flowID string, stage workflow.Stage) string {
	return fmt.Sprintf("%s:flow:%s:version:%s", s.prefix, flowID, stage)
}

func (s *RedisStore) historyKey(flowID string) string {
	return fmt.Sprintf("%s:flow:%s:history", s.prefix, flowID)
}

// putScript bumps the version counter and stores the record in one step, so
// the latest record always carries the highest version.
var putScript = redis.NewScript(`
local v = redis.call('INCR', KEYS[1])
redis.call('HSET', KEYS[2], 'version', v, 'record', ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
  redis.call('PEXPIRE', KEYS[2], ttl)
end
return v
`)

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, flowID string, stage workflow.Stage) (*workflow.StoredArtifact, error) {
	if err := validateGet(flowID, stage); err != nil {
		return nil, err
	}
	fields, err := s.client.HGetAll(ctx, s.artifactKey(flowID, stage)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get %s/%s: %w", flowID, stage, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	var rec workflow.StoredArtifact
	if err := json.Unmarshal([]byte(fields["record"]), &rec); err != nil {
		return nil, fmt.Errorf("decode stored %s artifact: %w", stage, err)
	}
	version, err := strconv.Atoi(fields["version"])
	if err != nil {
		return nil, fmt.Errorf("decode stored %s version: %w", stage, err)
	}
	rec.Version = version
	return &rec, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, rec workflow.StoredArtifact) (*workflow.StoredArtifact, error) {
	if err := validatePut(&rec); err != nil {
		return nil, err
	}

	rec.Version = 0
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode %s artifact: %w", rec.Stage, err)
	}

	keys := []string{s.versionKey(rec.FlowID, rec.Stage), s.artifactKey(rec.FlowID, rec.Stage)}
	version, err := putScript.Run(ctx, s.client, keys, data, s.ttl.Milliseconds()).Int64()
	if err != nil {
		return nil, fmt.Errorf("redis put %s/%s: %w", rec.FlowID, rec.Stage, err)
	}
	rec.Version = int(version)
	return &rec, nil
}

// AppendTurn implements Store.
func (s *RedisStore) AppendTurn(ctx context.Context, flowID string, turn workflow.Turn) error {
	if err := ValidateFlowID(flowID); err != nil {
		return err
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}

	key := s.historyKey(flowID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis append turn %s: %w", flowID, err)
	}
	return nil
}

// History implements Store.
func (s *RedisStore) History(ctx context.Context, flowID string) ([]workflow.Turn, error) {
	if err := ValidateFlowID(flowID); err != nil {
		return nil, err
	}
	items, err := s.client.LRange(ctx, s.historyKey(flowID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis history %s: %w", flowID, err)
	}

	turns := make([]workflow.Turn, 0, len(items))
	for _, item := range items {
		var t workflow.Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			s.logger.Warn("Skipping undecodable turn", "flow_id", flowID, "error", err)
			continue
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
