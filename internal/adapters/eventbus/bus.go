// Package eventbus decouples interaction producers (HTTP handlers, the
// check-in ledger) from the affinity tracker with an in-process watermill
// pub/sub.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog/log"

	"mutelu/internal/domain"
)

const TopicInteractions = "interactions"

type Bus struct {
	pubsub *gochannel.GoChannel
	wg     sync.WaitGroup
}

func New(buffer int64) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{pubsub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: buffer}, watermill.NopLogger{})}
}

// Emit publishes ev. Delivery to the tracker happens asynchronously.
func (b *Bus) Emit(_ context.Context, ev domain.InteractionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode interaction: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("user_id", ev.UserID)
	return b.pubsub.Publish(TopicInteractions, msg)
}

// Start subscribes sink to the interaction topic and consumes until ctx is
// done or the bus is closed. It returns once the subscription is live, so
// no event emitted afterwards is dropped.
func (b *Bus) Start(ctx context.Context, sink domain.EventSink) error {
	msgs, err := b.pubsub.Subscribe(ctx, TopicInteractions)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", TopicInteractions, err)
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range msgs {
			b.handle(ctx, sink, msg)
		}
	}()
	return nil
}

// handle always acks: a gochannel nack redelivers at once, which would spin on
// a poisoned message or a store outage.
func (b *Bus) handle(ctx context.Context, sink domain.EventSink, msg *message.Message) {
	defer msg.Ack()

	var ev domain.InteractionEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		log.Error().Err(err).Str("message_uuid", msg.UUID).Msg("dropping malformed interaction")
		return
	}
	if err := sink.Emit(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Str("message_uuid", msg.UUID).Str("user", ev.UserID).Str("place", ev.PlaceID).
			Msg("interaction not recorded")
	}
}

// Close stops the pub/sub and waits for consumers to drain.
func (b *Bus) Close() error {
	err := b.pubsub.Close()
	b.wg.Wait()
	return err
}
