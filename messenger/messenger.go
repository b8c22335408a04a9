// Package messenger provides the mailbox-style transport agents and
// pipeline components use to signal each other. Delivery is at-least-once;
// consumers deduplicate on message id.
package messenger

import (
	"context"
	"time"
)

// Message types relevant to the pipeline core.
const (
	TypeDataUpdate = "data_update"
	TypeError      = "error"
	TypeAlert      = "alert"
)

// RecipientAll broadcasts to every mailbox consumer.
const RecipientAll = "all"

// Message is one mailbox delivery.
type Message struct {
	ID        string         `json:"message_id"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Type      string         `json:"type"`
	CardID    string         `json:"card_id,omitempty"`
	Priority  string         `json:"priority,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Messenger is the transport consumed by the orchestrator and supervisor.
type Messenger interface {
	// Send delivers a message to the recipient's mailbox.
	Send(ctx context.Context, msg *Message) error

	// GetSharedState returns the cross-agent shared state for a card.
	// A card with no state yet yields an empty map.
	GetSharedState(ctx context.Context, cardID string) (map[string]any, error)

	// UpdateSharedState merges patch into the card's shared state.
	UpdateSharedState(ctx context.Context, cardID string, patch map[string]any) error

	// Close releases transport resources.
	Close() error
}
