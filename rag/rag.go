// Package rag is the pipeline's institutional memory: an append-only
// artifact store with similarity queries and task recommendations. Stores
// are best-effort collaborators — callers log and continue when an
// operation fails, the pipeline itself never fails on a RAG error.
package rag

import (
	"context"
	"time"
)

// Artifact is one stored record.
type Artifact struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Hit is one ranked result from QuerySimilar.
type Hit struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Score    float64        `json:"score"`
}

// Recommendations packages prior experience relevant to a task description.
type Recommendations struct {
	SimilarSuccesses   []Hit    `json:"similar_successes"`
	HistoricalInsights []string `json:"historical_insights"`
	Confidence         float64  `json:"confidence"`
}

// Store is the artifact store consumed by the orchestrator, supervisor, and
// stages. Exactly one Store per backing database per process; constructors
// enforce this.
type Store interface {
	// StoreArtifact appends an artifact and returns its id.
	StoreArtifact(ctx context.Context, artifactType, content string, metadata map[string]any) (string, error)

	// QuerySimilar returns up to topK artifacts ranked by similarity to the
	// query text. filter restricts results by artifact type and/or metadata
	// equality.
	QuerySimilar(ctx context.Context, query string, topK int, filter map[string]string) ([]Hit, error)

	// GetRecommendations summarizes prior successes and insights relevant
	// to a task description.
	GetRecommendations(ctx context.Context, taskDescription string) (*Recommendations, error)

	// Count returns the total number of stored artifacts.
	Count(ctx context.Context) (int64, error)

	// Close releases the store and its backend registration.
	Close() error
}
