package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	mailboxStream        = "ARTEMIS_MAILBOX"
	mailboxSubjectPrefix = "artemis.mailbox."
	sharedStateBucket    = "ARTEMIS_SHARED"
)

// NATS is a JetStream-backed Messenger. Messages are published to a durable
// stream keyed by recipient subject; shared state lives in a KV bucket.
type NATS struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	kv     jetstream.KeyValue
	logger *slog.Logger
}

// NewNATS connects to the given NATS URL and provisions the mailbox stream
// and shared-state bucket.
func NewNATS(ctx context.Context, url string, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	m, err := newNATSFromConn(ctx, conn, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return m, nil
}

func newNATSFromConn(ctx context.Context, conn *nats.Conn, logger *slog.Logger) (*NATS, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     mailboxStream,
		Subjects: []string{mailboxSubjectPrefix + ">"},
		Storage:  jetstream.FileStorage,
	}); err != nil {
		return nil, fmt.Errorf("provision mailbox stream: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: sharedStateBucket,
	})
	if err != nil {
		return nil, fmt.Errorf("provision shared state bucket: %w", err)
	}

	return &NATS{conn: conn, js: js, kv: kv, logger: logger}, nil
}

// Send publishes the message to the recipient's mailbox subject.
func (m *NATS) Send(ctx context.Context, msg *Message) error {
	delivered := *msg
	if delivered.ID == "" {
		delivered.ID = uuid.New().String()
	}
	if delivered.Timestamp.IsZero() {
		delivered.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(&delivered)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	subject := mailboxSubjectPrefix + delivered.To
	if _, err := m.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	m.logger.Debug("Published message",
		"message_id", delivered.ID, "to", delivered.To, "type", delivered.Type)
	return nil
}

// GetSharedState reads the card's shared state from the KV bucket.
func (m *NATS) GetSharedState(ctx context.Context, cardID string) (map[string]any, error) {
	entry, err := m.kv.Get(ctx, cardID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("get shared state: %w", err)
	}
	var state map[string]any
	if err := json.Unmarshal(entry.Value(), &state); err != nil {
		return nil, fmt.Errorf("parse shared state: %w", err)
	}
	return state, nil
}

// UpdateSharedState merges patch into the card's shared state entry.
func (m *NATS) UpdateSharedState(ctx context.Context, cardID string, patch map[string]any) error {
	state, err := m.GetSharedState(ctx, cardID)
	if err != nil {
		return err
	}
	for k, v := range patch {
		state[k] = v
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal shared state: %w", err)
	}
	if _, err := m.kv.Put(ctx, cardID, data); err != nil {
		return fmt.Errorf("put shared state: %w", err)
	}
	return nil
}

// Close drains and closes the connection.
func (m *NATS) Close() error {
	if m.conn != nil {
		m.conn.Drain()
		m.conn.Close()
	}
	return nil
}
