package messenger

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestMemory_Send(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	err := m.Send(ctx, &Message{
		From:   "orchestrator",
		To:     RecipientAll,
		Type:   TypeDataUpdate,
		CardID: "card-1",
		Data:   map[string]any{"stage": "architecture"},
	})
	require.NoError(t, err)

	inbox := m.Inbox(RecipientAll)
	require.Len(t, inbox, 1)
	assert.NotEmpty(t, inbox[0].ID)
	assert.False(t, inbox[0].Timestamp.IsZero())
	assert.Equal(t, TypeDataUpdate, inbox[0].Type)
	assert.Equal(t, "card-1", inbox[0].CardID)

	assert.Empty(t, m.Inbox("nobody"))
}

func TestMemory_SharedState(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	state, err := m.GetSharedState(ctx, "card-1")
	require.NoError(t, err)
	assert.Empty(t, state)

	require.NoError(t, m.UpdateSharedState(ctx, "card-1", map[string]any{"current_stage": "development"}))
	require.NoError(t, m.UpdateSharedState(ctx, "card-1", map[string]any{"retry_attempt": 1}))

	state, err = m.GetSharedState(ctx, "card-1")
	require.NoError(t, err)
	assert.Equal(t, "development", state["current_stage"])
	assert.Equal(t, 1, state["retry_attempt"])

	// Returned map is a copy; mutating it does not leak back.
	state["current_stage"] = "mutated"
	again, err := m.GetSharedState(ctx, "card-1")
	require.NoError(t, err)
	assert.Equal(t, "development", again["current_stage"])
}

func TestEmbeddedNATS_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping embedded NATS test in short mode")
	}
	ctx := context.Background()

	m, err := NewEmbeddedNATS(ctx, t.TempDir(), testLogger())
	require.NoError(t, err)
	defer m.Close()

	err = m.Send(ctx, &Message{
		From: "supervisor", To: "orchestrator", Type: TypeAlert, CardID: "card-1",
		Data: map[string]any{"reason": "circuit_open", "stage": "development"},
	})
	require.NoError(t, err)

	require.NoError(t, m.UpdateSharedState(ctx, "card-1", map[string]any{"current_stage": "code_review"}))
	state, err := m.GetSharedState(ctx, "card-1")
	require.NoError(t, err)
	assert.Equal(t, "code_review", state["current_stage"])

	// Missing card yields an empty state, not an error.
	state, err = m.GetSharedState(ctx, "card-404")
	require.NoError(t, err)
	assert.Empty(t, state)
}
