package statemachine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Snapshot is the persisted on-disk record for one card's pipeline run.
type Snapshot struct {
	CardID              string                `json:"card_id"`
	State               State                 `json:"state"`
	ActiveStage         string                `json:"active_stage,omitempty"`
	HealthStatus        HealthStatus          `json:"health_status"`
	ActiveIssues        []string              `json:"active_issues,omitempty"`
	Stages              map[string]*StageInfo `json:"stages"`
	CircuitBreakersOpen []string              `json:"circuit_breakers_open,omitempty"`
	Stack               []Frame               `json:"stack"`
	Timestamp           time.Time             `json:"timestamp"`
}

// SnapshotStore persists one snapshot file per card under dir. Writes are
// atomic (temp file + rename) and the previous snapshot is kept as a
// fallback for readers that hit a corrupt or truncated file.
type SnapshotStore struct {
	dir    string
	logger *slog.Logger
}

// NewSnapshotStore creates the store, creating dir if needed.
func NewSnapshotStore(dir string, logger *slog.Logger) (*SnapshotStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &SnapshotStore{dir: dir, logger: logger}, nil
}

func (s *SnapshotStore) path(cardID string) string {
	return filepath.Join(s.dir, cardID+"_state.json")
}

func (s *SnapshotStore) prevPath(cardID string) string {
	return s.path(cardID) + ".prev"
}

// Save writes the snapshot atomically, keeping the prior snapshot as a
// fallback copy.
func (s *SnapshotStore) Save(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	path := s.path(snap.CardID)
	if _, err := os.Stat(path); err == nil {
		// Best effort: the fallback copy is advisory.
		if err := copyFile(path, s.prevPath(snap.CardID)); err != nil {
			s.logger.Debug("Could not keep previous snapshot", "card_id", snap.CardID, "error", err)
		}
	}

	tmp, err := os.CreateTemp(s.dir, ".snap-*.json")
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot for a card. A corrupt main file falls back to the
// previous snapshot; if both are unreadable the result is (nil, nil) — the
// caller restarts from IDLE. Only I/O problems other than absence are
// reported as errors.
func (s *SnapshotStore) Load(cardID string) (*Snapshot, error) {
	snap, err := s.read(s.path(cardID))
	if err == nil {
		return snap, nil
	}
	if os.IsNotExist(err) {
		return nil, nil
	}
	s.logger.Warn("Snapshot unreadable, trying previous", "card_id", cardID, "error", err)

	snap, err = s.read(s.prevPath(cardID))
	if err == nil {
		return snap, nil
	}
	if os.IsNotExist(err) {
		return nil, nil
	}
	s.logger.Warn("Previous snapshot unreadable, restarting from IDLE", "card_id", cardID, "error", err)
	return nil, nil
}

func (s *SnapshotStore) read(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	return &snap, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
