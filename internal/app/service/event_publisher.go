package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sifan077/PowerTrack/internal/app/model"
)

// EventPublisher publishes tracking events to NATS JetStream.
type EventPublisher struct {
	js nats.JetStreamContext
}

// NewEventPublisher creates a new tracking event publisher.
func NewEventPublisher(js nats.JetStreamContext) *EventPublisher {
	return &EventPublisher{js: js}
}

// Publish wraps ev in an envelope and publishes it to the tracking stream.
func (p *EventPublisher) Publish(ctx context.Context, ev model.Event, at time.Time) error {
	env, err := model.Wrap(uuid.NewString(), ev, at)
	if err != nil {
		return err
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	// The envelope id doubles as the JetStream dedup key.
	_, err = p.js.Publish(model.TrackingStreamSubject, data, nats.Context(ctx), nats.MsgId(env.ID))
	return err
}
