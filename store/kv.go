package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/stageflow/workflow"
)

// DefaultBucket is the JetStream KV bucket used when none is configured.
const DefaultBucket = "STAGEFLOW_ARTIFACTS"

// maxCASRetries bounds optimistic-concurrency retries on a contended key.
const maxCASRetries = 5

// KVConfig configures a JetStream KV store.
type KVConfig struct {
	URL    string
	Bucket string
	// TTL expires entries after their last write. Zero keeps them.
	TTL time.Duration
}

// KVStore keeps artifacts in a NATS JetStream key-value bucket. Keys are
// "<flow>.<stage>" and "<flow>.history"; writes use revision checks so
// versions stay monotonic with several writers.
type KVStore struct {
	kv     jetstream.KeyValue
	nc     *nats.Conn
	logger *slog.Logger
}

// OpenKV connects to NATS and opens (or creates) the bucket. The returned
// store owns the connection.
func OpenKV(ctx context.Context, cfg KVConfig, logger *slog.Logger) (*KVStore, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, nats.Name("stageflow"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get jetstream: %w", err)
	}
	s, err := NewKVStore(ctx, js, cfg.Bucket, cfg.TTL, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	s.nc = nc
	s.logger.Info("Connected to NATS KV store", "url", url, "bucket", cfg.Bucket)
	return s, nil
}

// NewKVStore opens (or creates) bucket on js. The caller keeps ownership of
// the underlying connection.
func NewKVStore(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration, logger *slog.Logger) (*KVStore, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	if logger == nil {
		logger = slog.Default()
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "stageflow artifacts and history",
		TTL:         ttl,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket %s: %w", bucket, err)
	}
	return &KVStore{kv: kv, logger: logger}, nil
}

func artifactKey(flowID string, stage workflow.Stage) string {
	return flowID + "." + string(stage)
}

func historyKey(flowID string) string {
	return flowID + ".history"
}

// Get implements Store.
func (s *KVStore) Get(ctx context.Context, flowID string, stage workflow.Stage) (*workflow.StoredArtifact, error) {
	if err := validateGet(flowID, stage); err != nil {
		return nil, err
	}
	entry, err := s.kv.Get(ctx, artifactKey(flowID, stage))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get %s/%s: %w", flowID, stage, err)
	}

	var rec workflow.StoredArtifact
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("decode stored %s artifact: %w", stage, err)
	}
	return &rec, nil
}

// Put implements Store.
func (s *KVStore) Put(ctx context.Context, rec workflow.StoredArtifact) (*workflow.StoredArtifact, error) {
	if err := validatePut(&rec); err != nil {
		return nil, err
	}
	key := artifactKey(rec.FlowID, rec.Stage)

	err := s.compareAndSwap(ctx, key, func(current []byte) ([]byte, error) {
		rec.Version = 1
		if current != nil {
			var prev workflow.StoredArtifact
			if err := json.Unmarshal(current, &prev); err != nil {
				return nil, fmt.Errorf("decode stored %s artifact: %w", rec.Stage, err)
			}
			rec.Version = prev.Version + 1
		}
		return json.Marshal(rec)
	})
	if err != nil {
		return nil, fmt.Errorf("kv put %s: %w", key, err)
	}
	return &rec, nil
}

// AppendTurn implements Store.
func (s *KVStore) AppendTurn(ctx context.Context, flowID string, turn workflow.Turn) error {
	if err := ValidateFlowID(flowID); err != nil {
		return err
	}
	key := historyKey(flowID)
	err := s.compareAndSwap(ctx, key, func(current []byte) ([]byte, error) {
		var turns []workflow.Turn
		if current != nil {
			if err := json.Unmarshal(current, &turns); err != nil {
				return nil, fmt.Errorf("decode history: %w", err)
			}
		}
		return json.Marshal(append(turns, turn))
	})
	if err != nil {
		return fmt.Errorf("kv append %s: %w", key, err)
	}
	return nil
}

// History implements Store.
func (s *KVStore) History(ctx context.Context, flowID string) ([]workflow.Turn, error) {
	if err := ValidateFlowID(flowID); err != nil {
		return nil, err
	}
	entry, err := s.kv.Get(ctx, historyKey(flowID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return []workflow.Turn{}, nil
		}
		return nil, fmt.Errorf("kv history %s: %w", flowID, err)
	}
	var turns []workflow.Turn
	if err := json.Unmarshal(entry.Value(), &turns); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return turns, nil
}

// compareAndSwap writes next(current) to key, retrying when another writer
// updated the key in between. current is nil when the key does not exist.
func (s *KVStore) compareAndSwap(ctx context.Context, key string, next func(current []byte) ([]byte, error)) error {
	for i := 0; i < maxCASRetries; i++ {
		var current []byte
		var revision uint64
		entry, err := s.kv.Get(ctx, key)
		switch {
		case err == nil:
			current, revision = entry.Value(), entry.Revision()
		case errors.Is(err, jetstream.ErrKeyNotFound), errors.Is(err, jetstream.ErrKeyDeleted):
		default:
			return err
		}

		data, err := next(current)
		if err != nil {
			return err
		}

		if revision == 0 {
			_, err = s.kv.Create(ctx, key, data)
		} else {
			_, err = s.kv.Update(ctx, key, data, revision)
		}
		if err == nil {
			return nil
		}
		if !isConflict(err) {
			return err
		}
		s.logger.Debug("KV write conflict, retrying", "key", key, "attempt", i+1)
	}
	return fmt.Errorf("too many concurrent writers for %s", key)
}

func isConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// Close implements Store. The connection is closed only when OpenKV made it.
func (s *KVStore) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}
