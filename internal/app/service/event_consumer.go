package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/nats-io/nats.go"
	"github.com/sifan077/PowerTrack/internal/app/model"
	"go.uber.org/zap"
)

const (
	consumerBatch      = 10
	consumerMaxWait    = 5 * time.Second
	consumerMaxDeliver = 5
	fetchRetryDelay    = 2 * time.Second
)

// redeliveryBackoff spaces out redeliveries of a failed event; the last
// entry repeats until consumerMaxDeliver is reached.
var redeliveryBackoff = []time.Duration{time.Second, 10 * time.Second, 30 * time.Second, 2 * time.Minute}

// EventApplier records a decoded event as of its publish time.
type EventApplier interface {
	Apply(ctx context.Context, ev model.Event, at time.Time) error
}

type ackAction int

const (
	ack ackAction = iota
	nak
	term
)

// EventConsumer consumes tracking events from NATS JetStream.
type EventConsumer struct {
	js      nats.JetStreamContext
	logger  *zap.Logger
	applier EventApplier
	clock   quartz.Clock
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewEventConsumer creates a new tracking event consumer.
func NewEventConsumer(js nats.JetStreamContext, logger *zap.Logger, applier EventApplier) *EventConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventConsumer{js: js, logger: logger.Named("consumer"), applier: applier, clock: quartz.NewReal()}
}

// fetcher is the pull side of a JetStream subscription.
type fetcher interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

// Start ensures the stream and durable consumer exist and begins consuming.
func (c *EventConsumer) Start() error {
	// Create stream if not exists. Acked events leave the stream at once and
	// unconsumed ones expire after TrackingStreamMaxAge.
	if info, err := c.js.StreamInfo(model.TrackingStreamName); err != nil {
		_, err = c.js.AddStream(&nats.StreamConfig{
			Name:      model.TrackingStreamName,
			Subjects:  []string{model.TrackingStreamSubject},
			Retention: nats.WorkQueuePolicy,
			MaxAge:    model.TrackingStreamMaxAge,
			MaxBytes:  model.TrackingStreamMaxBytes,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
	} else if info.Config.Retention != nats.WorkQueuePolicy {
		c.logger.Warn("tracking stream keeps acknowledged events; recreate it to switch to work queue retention",
			zap.String("stream", model.TrackingStreamName),
			zap.Stringer("retention", info.Config.Retention))
	}

	// Create consumer if not exists
	if _, err := c.js.ConsumerInfo(model.TrackingStreamName, model.TrackingConsumerName); err != nil {
		_, err = c.js.AddConsumer(model.TrackingStreamName, &nats.ConsumerConfig{
			Durable:    model.TrackingConsumerName,
			AckPolicy:  nats.AckExplicitPolicy,
			MaxDeliver: consumerMaxDeliver,
			BackOff:    redeliveryBackoff,
		})
		if err != nil {
			return fmt.Errorf("failed to create consumer: %w", err)
		}
	}

	sub, err := c.js.PullSubscribe(model.TrackingStreamSubject, model.TrackingConsumerName)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.consume(ctx, sub)
	return nil
}

// Stop ends the consume loop and waits for the in-flight batch.
func (c *EventConsumer) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.logger.Info("tracking consumer stopped")
}

func (c *EventConsumer) consume(ctx context.Context, sub fetcher) {
	defer close(c.done)
	for ctx.Err() == nil {
		msgs, err := sub.Fetch(consumerBatch, nats.MaxWait(consumerMaxWait))
		if err != nil && !errors.Is(err, nats.ErrTimeout) {
			c.logger.Error("failed to fetch messages", zap.Error(err))
			c.sleep(ctx, fetchRetryDelay)
			continue
		}

		for _, msg := range msgs {
			c.settle(msg, c.handle(ctx, msg.Data))
		}
	}
}

// settle acknowledges msg. A failed event is redelivered after a backoff
// and terminated once it has used up its deliveries.
func (c *EventConsumer) settle(msg *nats.Msg, action ackAction) {
	switch action {
	case ack:
		_ = msg.Ack()
	case term:
		_ = msg.Term()
	case nak:
		var delivered uint64
		if meta, err := msg.Metadata(); err == nil {
			delivered = meta.NumDelivered
		}
		if delivered >= consumerMaxDeliver {
			c.logger.Error("dropping tracking event after repeated failures", zap.Uint64("deliveries", delivered))
			_ = msg.Term()
			return
		}
		_ = msg.NakWithDelay(redeliveryDelay(delivered))
	}
}

// redeliveryDelay is the wait before the next delivery of an event that
// failed on its delivered-th attempt.
func redeliveryDelay(delivered uint64) time.Duration {
	if delivered == 0 {
		delivered = 1
	}
	i := min(int(delivered)-1, len(redeliveryBackoff)-1)
	return redeliveryBackoff[i]
}

// sleep waits for d or until ctx is done.
func (c *EventConsumer) sleep(ctx context.Context, d time.Duration) {
	t := c.clock.NewTimer(d, "consumer", "fetch")
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// handle applies one message body and decides how to acknowledge it.
func (c *EventConsumer) handle(ctx context.Context, data []byte) ackAction {
	var env model.EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Error("failed to unmarshal tracking envelope", zap.Error(err))
		return term
	}

	ev, err := env.Unwrap()
	if err != nil {
		c.logger.Error("failed to decode tracking event", zap.String("id", env.ID), zap.Error(err))
		return term
	}

	if err := c.applier.Apply(ctx, ev, env.Timestamp); err != nil {
		if IsSkip(err) {
			c.logger.Debug("tracking event skipped",
				zap.String("id", env.ID),
				zap.String("kind", string(env.Kind)),
				zap.String("reason", err.Error()))
			return ack
		}
		c.logger.Error("failed to store tracking event",
			zap.String("id", env.ID),
			zap.String("kind", string(env.Kind)),
			zap.Error(err))
		return nak
	}

	c.logger.Debug("tracking event stored",
		zap.String("id", env.ID),
		zap.String("kind", string(env.Kind)),
		zap.Time("timestamp", env.Timestamp),
	)
	return ack
}
