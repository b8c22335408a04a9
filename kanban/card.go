// Package kanban provides the JSON-file backed work board the pipeline reads
// cards from and reports progress to. The board is externally owned; the
// pipeline mutates it only through Board operations.
package kanban

import (
	"fmt"
	"time"
)

// Priority orders cards within a column.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// IsValid reports whether p is a known priority.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Rank returns a sortable rank, higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// Card is one unit of work on the board.
type Card struct {
	ID                  string         `json:"card_id"`
	Title               string         `json:"title"`
	Description         string         `json:"description"`
	Priority            Priority       `json:"priority"`
	StoryPoints         int            `json:"story_points"`
	AcceptanceCriteria  []string       `json:"acceptance_criteria,omitempty"`
	UserResearchPrompts []string       `json:"user_research_prompts,omitempty"`
	Column              string         `json:"column"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	CreatedAt           time.Time      `json:"created_at,omitempty"`
	UpdatedAt           time.Time      `json:"updated_at,omitempty"`
}

// Validate checks the card for structural problems.
func (c *Card) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("card_id is required")
	}
	if c.Title == "" {
		return fmt.Errorf("card %s: title is required", c.ID)
	}
	if c.Priority != "" && !c.Priority.IsValid() {
		return fmt.Errorf("card %s: unknown priority %q", c.ID, c.Priority)
	}
	if c.StoryPoints < 0 {
		return fmt.Errorf("card %s: story_points must be non-negative", c.ID)
	}
	return nil
}

// Clone returns a deep copy of the card. Stages receive clones so the
// board's copy is only mutated through Board operations.
func (c *Card) Clone() *Card {
	dup := *c
	dup.AcceptanceCriteria = append([]string(nil), c.AcceptanceCriteria...)
	dup.UserResearchPrompts = append([]string(nil), c.UserResearchPrompts...)
	if c.Metadata != nil {
		dup.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			dup.Metadata[k] = v
		}
	}
	return &dup
}

// Column is one lane of the board.
type Column struct {
	ID    string  `json:"column_id"`
	Cards []*Card `json:"cards"`
}

// boardFile is the on-disk schema.
type boardFile struct {
	Columns   []*Column      `json:"columns"`
	WIPLimits map[string]int `json:"wip_limits,omitempty"`
}
