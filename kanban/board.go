package kanban

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Board is a file-backed kanban board. All mutations rewrite the board file
// atomically (temp file + rename). Only one logical writer per process is
// supported; concurrent processes must use separate board files.
type Board struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	file    *boardFile
	watcher *watcher
}

// OpenBoard loads the board file at path. A missing file is an error; the
// board is externally owned and the pipeline never creates it.
func OpenBoard(path string, logger *slog.Logger) (*Board, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Board{path: path, logger: logger}
	if err := b.reload(); err != nil {
		return nil, err
	}
	return b, nil
}

// reload reads the board file from disk, replacing the in-memory copy.
func (b *Board) reload() error {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrBoardUnavailable, b.path, err)
	}
	var file boardFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrBoardUnavailable, b.path, err)
	}
	b.mu.Lock()
	b.file = &file
	b.mu.Unlock()
	return nil
}

// Path returns the board file path.
func (b *Board) Path() string {
	return b.path
}

// GetCard resolves a card by id anywhere on the board and returns a clone.
func (b *Board) GetCard(cardID string) (*Card, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if card, _ := b.locate(cardID); card != nil {
		return card.Clone(), nil
	}
	return nil, &CardNotFoundError{CardID: cardID}
}

// locate finds a card and its column. Callers must hold b.mu.
func (b *Board) locate(cardID string) (*Card, *Column) {
	for _, col := range b.file.Columns {
		for _, card := range col.Cards {
			if card.ID == cardID {
				return card, col
			}
		}
	}
	return nil, nil
}

// Columns returns the board's columns in file order, with cloned cards.
func (b *Board) Columns() []*Column {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Column, 0, len(b.file.Columns))
	for _, col := range b.file.Columns {
		dup := &Column{ID: col.ID, Cards: make([]*Card, 0, len(col.Cards))}
		for _, card := range col.Cards {
			dup.Cards = append(dup.Cards, card.Clone())
		}
		out = append(out, dup)
	}
	return out
}

// MoveCard moves a card to another column, enforcing WIP limits. Moving to
// the card's current column is a no-op.
func (b *Board) MoveCard(cardID, toColumn string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	card, from := b.locate(cardID)
	if card == nil {
		return &CardNotFoundError{CardID: cardID}
	}
	if from.ID == toColumn {
		return nil
	}

	dest := b.column(toColumn)
	if dest == nil {
		dest = &Column{ID: toColumn}
		b.file.Columns = append(b.file.Columns, dest)
	}
	if limit, ok := b.file.WIPLimits[toColumn]; ok && len(dest.Cards) >= limit {
		return &WIPLimitError{Column: toColumn, Limit: limit}
	}

	for i, c := range from.Cards {
		if c.ID == cardID {
			from.Cards = append(from.Cards[:i], from.Cards[i+1:]...)
			break
		}
	}
	card.Column = toColumn
	card.UpdatedAt = time.Now().UTC()
	dest.Cards = append(dest.Cards, card)

	if err := b.save(); err != nil {
		return err
	}
	b.logger.Debug("Moved card", "card_id", cardID, "from", from.ID, "to", toColumn)
	return nil
}

// UpdateCardMetadata merges patch into the card's metadata map. Existing
// keys are overwritten; keys are never removed.
func (b *Board) UpdateCardMetadata(cardID string, patch map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	card, _ := b.locate(cardID)
	if card == nil {
		return &CardNotFoundError{CardID: cardID}
	}
	if card.Metadata == nil {
		card.Metadata = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		card.Metadata[k] = v
	}
	card.UpdatedAt = time.Now().UTC()
	return b.save()
}

// column returns the column with the given id, or nil. Callers must hold b.mu.
func (b *Board) column(id string) *Column {
	for _, col := range b.file.Columns {
		if col.ID == id {
			return col
		}
	}
	return nil
}

// save writes the board file atomically. Callers must hold b.mu.
func (b *Board) save() error {
	data, err := json.MarshalIndent(b.file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal board: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(b.path), ".board-*.json")
	if err != nil {
		return fmt.Errorf("write board: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write board: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write board: %w", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace board: %w", err)
	}
	return nil
}

// Close stops the file watcher if one is running.
func (b *Board) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.watcher != nil {
		err := b.watcher.stop()
		b.watcher = nil
		return err
	}
	return nil
}
