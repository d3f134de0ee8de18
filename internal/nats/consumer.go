package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// ephemeralIdle is how long an unnamed follower survives without fetching.
const ephemeralIdle = 5 * time.Minute

// ConsumerManager creates consumers on the events stream.
type ConsumerManager struct {
	js jetstream.JetStream
}

func NewConsumerManager(js jetstream.JetStream) *ConsumerManager {
	return &ConsumerManager{js: js}
}

// AuditConsumer binds a consumer to audit events. A durable consumer replays the
// whole stream on first use and resumes where it stopped afterwards; an unnamed one
// only sees events published from now on and is removed once idle.
func (cm *ConsumerManager) AuditConsumer(ctx context.Context, durable string) (jetstream.Consumer, error) {
	cfg := jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: SubjectAuditEvent,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    5,
	}
	if durable == "" {
		cfg.DeliverPolicy = jetstream.DeliverNewPolicy
		cfg.InactiveThreshold = ephemeralIdle
	}

	consumer, err := cm.js.CreateOrUpdateConsumer(ctx, StreamEvents, cfg)
	if err != nil {
		return nil, fmt.Errorf("binding audit consumer %q: %w", durable, err)
	}
	return consumer, nil
}
