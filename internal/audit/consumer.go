package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	inats "github.com/aiox-platform/kbchat/internal/nats"
)

// Follower streams audit events published by running chat sessions.
type Follower struct {
	consumerMgr *inats.ConsumerManager
	durable     string
}

// NewFollower creates a Follower. With an empty durable name it only sees new events.
func NewFollower(consumerMgr *inats.ConsumerManager, durable string) *Follower {
	return &Follower{consumerMgr: consumerMgr, durable: durable}
}

// Follow passes each event to sink until ctx is cancelled.
func (f *Follower) Follow(ctx context.Context, sink Sink) error {
	consumer, err := f.consumerMgr.AuditConsumer(ctx, f.durable)
	if err != nil {
		return err
	}

	slog.Info("audit follower started", "consumer", f.durable)

	for {
		msgs, err := consumer.Fetch(10, jetstream.FetchMaxWait(inats.FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("audit follower: fetching events", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			handleEvent(ctx, msg, sink)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

type ackable interface {
	Data() []byte
	Ack() error
	Nak() error
}

func handleEvent(ctx context.Context, msg ackable, sink Sink) {
	var event inats.AuditEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		slog.Error("audit follower: unmarshaling event", "error", err)
		_ = msg.Ack() // never decodable, do not redeliver
		return
	}

	rec := fromEvent(event)
	if err := sink.Write(ctx, rec); err != nil {
		slog.Error("audit follower: writing record", "error", err, "operation", rec.Operation)
		_ = msg.Nak()
		return
	}

	_ = msg.Ack()
	slog.Debug("audit follower: handled event", "operation", rec.Operation, "article_id", rec.ArticleID)
}
