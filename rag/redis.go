package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyIDs      = "artemis:rag:ids"
	keyArtifact = "artemis:rag:artifact:"

	// scanLimit bounds how many recent artifacts a similarity query reads.
	scanLimit = 512
)

// openStores guards against two stores targeting the same backend in one
// process. A second store on the same address is a configuration error.
var (
	openStoresMu sync.Mutex
	openStores   = map[string]bool{}
)

// DuplicateStoreError is returned when a RedisStore is opened for an
// address that already has one in this process.
type DuplicateStoreError struct {
	Addr string
}

func (e *DuplicateStoreError) Error() string {
	return fmt.Sprintf("rag store already open for %s in this process", e.Addr)
}

// RedisStore is a redis-backed Store. Artifacts live in hashes, ids in an
// append-only list; similarity runs client-side over recent artifacts.
type RedisStore struct {
	addr   string
	client *redis.Client
	logger *slog.Logger
}

// NewRedisStore opens a store on the given redis address.
func NewRedisStore(ctx context.Context, addr string, logger *slog.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	openStoresMu.Lock()
	if openStores[addr] {
		openStoresMu.Unlock()
		return nil, &DuplicateStoreError{Addr: addr}
	}
	openStores[addr] = true
	openStoresMu.Unlock()

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		release(addr)
		client.Close()
		return nil, fmt.Errorf("connect rag backend %s: %w", addr, err)
	}
	return &RedisStore{addr: addr, client: client, logger: logger}, nil
}

func release(addr string) {
	openStoresMu.Lock()
	delete(openStores, addr)
	openStoresMu.Unlock()
}

// StoreArtifact appends an artifact and returns its id.
func (s *RedisStore) StoreArtifact(ctx context.Context, artifactType, content string, metadata map[string]any) (string, error) {
	id := uuid.New().String()
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("marshal artifact metadata: %w", err)
	}

	key := keyArtifact + id
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"type":       artifactType,
		"content":    content,
		"metadata":   string(metaJSON),
		"created_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	pipe.RPush(ctx, keyIDs, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}

	s.logger.Debug("Stored artifact", "id", id, "type", artifactType)
	return id, nil
}

// QuerySimilar ranks recent artifacts by similarity to the query.
func (s *RedisStore) QuerySimilar(ctx context.Context, query string, topK int, filter map[string]string) ([]Hit, error) {
	artifacts, err := s.recent(ctx, scanLimit)
	if err != nil {
		return nil, err
	}
	filtered := artifacts[:0]
	for _, a := range artifacts {
		if matchesFilter(a, filter) {
			filtered = append(filtered, a)
		}
	}
	return rank(query, filtered, topK), nil
}

// GetRecommendations builds a recommendation summary from similar artifacts.
func (s *RedisStore) GetRecommendations(ctx context.Context, taskDescription string) (*Recommendations, error) {
	hits, err := s.QuerySimilar(ctx, taskDescription, 10, nil)
	if err != nil {
		return nil, err
	}

	rec := &Recommendations{SimilarSuccesses: []Hit{}, HistoricalInsights: []string{}}
	var total float64
	for _, hit := range hits {
		total += hit.Score
		if outcome, _ := hit.Metadata["outcome"].(string); outcome == "success" {
			rec.SimilarSuccesses = append(rec.SimilarSuccesses, hit)
			continue
		}
		rec.HistoricalInsights = append(rec.HistoricalInsights, hit.Content)
	}
	if len(hits) > 0 {
		rec.Confidence = total / float64(len(hits))
	}
	return rec, nil
}

// Count returns the total number of stored artifacts.
func (s *RedisStore) Count(ctx context.Context) (int64, error) {
	n, err := s.client.LLen(ctx, keyIDs).Result()
	if err != nil {
		return 0, fmt.Errorf("count artifacts: %w", err)
	}
	return n, nil
}

// Close releases the client and the process-wide backend registration.
func (s *RedisStore) Close() error {
	release(s.addr)
	return s.client.Close()
}

// recent loads up to limit of the most recently appended artifacts.
func (s *RedisStore) recent(ctx context.Context, limit int64) ([]*Artifact, error) {
	ids, err := s.client.LRange(ctx, keyIDs, -limit, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}

	artifacts := make([]*Artifact, 0, len(ids))
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, keyArtifact+id).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		a := &Artifact{
			ID:      id,
			Type:    fields["type"],
			Content: fields["content"],
		}
		if raw := fields["metadata"]; raw != "" {
			var meta map[string]any
			if err := json.Unmarshal([]byte(raw), &meta); err == nil {
				a.Metadata = meta
			}
		}
		if ts, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
			a.CreatedAt = ts
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, nil
}

// matchesFilter applies type and metadata equality filters.
func matchesFilter(a *Artifact, filter map[string]string) bool {
	for k, want := range filter {
		if k == "type" {
			if a.Type != want {
				return false
			}
			continue
		}
		got, ok := a.Metadata[k].(string)
		if !ok || got != want {
			return false
		}
	}
	return true
}
