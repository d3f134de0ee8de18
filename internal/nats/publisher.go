package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go/jetstream"
)

// Publisher sends kbchat events to the events stream.
type Publisher struct {
	js jetstream.JetStream
}

func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

// PublishAuditEvent publishes one knowledge base mutation. The message id lets
// JetStream drop a retried publish of the same mutation.
func (p *Publisher) PublishAuditEvent(ctx context.Context, event AuditEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	if _, err := p.js.Publish(ctx, SubjectAuditEvent, payload, jetstream.WithMsgID(event.MsgID())); err != nil {
		return fmt.Errorf("publishing %s event for %s: %w", event.Operation, event.ArticleID, err)
	}
	return nil
}

// MsgID identifies the mutation by operation, article and time.
func (e AuditEvent) MsgID() string {
	return e.Operation + ":" + e.ArticleID + ":" + strconv.FormatInt(e.Timestamp.UnixNano(), 10)
}
