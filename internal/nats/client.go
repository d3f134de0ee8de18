// Package nats mirrors knowledge base audit events onto a JetStream stream so other
// processes can follow them.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/aiox-platform/kbchat/internal/config"
)

const (
	streamMaxAge   = 30 * 24 * time.Hour
	streamMaxBytes = 256 << 20
	// dedupWindow bounds how long a repeated message id is dropped.
	dedupWindow = 2 * time.Minute
)

type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// NewClient returns nil, nil when no URL is configured. Publishing is best effort,
// so the connection keeps reconnecting for the life of the process.
func NewClient(ctx context.Context, cfg config.NATSConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("kbchat"),
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("NATS reconnected", "url", c.ConnectedUrlRedacted())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, eventsStream()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensuring stream %s: %w", StreamEvents, err)
	}

	slog.Info("connected to NATS", "url", nc.ConnectedUrlRedacted(), "stream", StreamEvents)
	return &Client{conn: nc, js: js}, nil
}

func eventsStream() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        StreamEvents,
		Description: "kbchat knowledge base audit trail",
		Subjects:    []string{SubjectEvents},
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		MaxAge:      streamMaxAge,
		MaxBytes:    streamMaxBytes,
		Discard:     jetstream.DiscardOld,
		Duplicates:  dedupWindow,
	}
}

func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

func (c *Client) Healthy() bool {
	return c.conn.IsConnected()
}

// Close flushes pending publishes before closing.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		slog.Warn("draining NATS connection", "error", err)
	}
}
