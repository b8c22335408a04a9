package messenger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Messenger for single-process runs and tests.
// Mailboxes are unbounded slices; shared state is a per-card map.
type Memory struct {
	mu          sync.RWMutex
	mailboxes   map[string][]*Message
	sharedState map[string]map[string]any
	closed      bool
}

// NewMemory creates an empty in-process messenger.
func NewMemory() *Memory {
	return &Memory{
		mailboxes:   make(map[string][]*Message),
		sharedState: make(map[string]map[string]any),
	}
}

// Send appends the message to the recipient's mailbox.
func (m *Memory) Send(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delivered := *msg
	if delivered.ID == "" {
		delivered.ID = uuid.New().String()
	}
	if delivered.Timestamp.IsZero() {
		delivered.Timestamp = time.Now().UTC()
	}
	m.mailboxes[delivered.To] = append(m.mailboxes[delivered.To], &delivered)
	return nil
}

// Inbox returns a copy of all messages delivered to a recipient.
func (m *Memory) Inbox(recipient string) []*Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Message(nil), m.mailboxes[recipient]...)
}

// GetSharedState returns a copy of the card's shared state.
func (m *Memory) GetSharedState(_ context.Context, cardID string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state := make(map[string]any, len(m.sharedState[cardID]))
	for k, v := range m.sharedState[cardID] {
		state[k] = v
	}
	return state, nil
}

// UpdateSharedState merges patch into the card's shared state.
func (m *Memory) UpdateSharedState(_ context.Context, cardID string, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sharedState[cardID]
	if !ok {
		state = make(map[string]any, len(patch))
		m.sharedState[cardID] = state
	}
	for k, v := range patch {
		state[k] = v
	}
	return nil
}

// Close marks the messenger closed. Sends after Close still succeed; the
// in-memory transport has nothing to release.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
