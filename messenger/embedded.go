package messenger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EmbeddedNATS bundles an in-process NATS server with a Messenger connected
// to it, for single-process deployments that want durable mailboxes without
// an external broker.
type EmbeddedNATS struct {
	*NATS
	server *server.Server
}

// NewEmbeddedNATS starts an in-process JetStream-enabled NATS server on a
// random port and connects a Messenger to it.
func NewEmbeddedNATS(ctx context.Context, storeDir string, logger *slog.Logger) (*EmbeddedNATS, error) {
	opts := &server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  storeDir,
		NoLog:     true,
		NoSigs:    true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start")
	}

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to embedded NATS: %w", err)
	}

	m, err := newNATSFromConn(ctx, conn, logger)
	if err != nil {
		conn.Close()
		ns.Shutdown()
		return nil, err
	}
	return &EmbeddedNATS{NATS: m, server: ns}, nil
}

// Close drains the client connection and shuts the server down.
func (e *EmbeddedNATS) Close() error {
	err := e.NATS.Close()
	if e.server != nil {
		e.server.Shutdown()
		e.server.WaitForShutdown()
	}
	return err
}
