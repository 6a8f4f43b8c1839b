package clusterbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// GoChannelBus is an in-process Bus backed by Watermill's gochannel
// pub/sub, exactly as the teacher uses gochannel for local/single-node
// deployments and tests. It never leaves the process, so it is the
// default for `db.driver=inmemory` single-node setups and for every unit
// test in this module.
type GoChannelBus struct {
	pubsub *gochannel.GoChannel

	mu   sync.Mutex
	subs []*message.Subscriber // kept only so Close can stop them cleanly
}

// NewGoChannelBus constructs an in-process Bus.
func NewGoChannelBus() *GoChannelBus {
	return &GoChannelBus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            64,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		}, watermill.NopLogger{}),
	}
}

func (b *GoChannelBus) Publish(_ context.Context, topic string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("clusterbus: marshal payload: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), raw)

	return b.pubsub.Publish(topic, msg)
}

func (b *GoChannelBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	messages, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("clusterbus: subscribe %s: %w", topic, err)
	}

	go func() {
		for msg := range messages {
			if err := handler(ctx, msg.Payload); err != nil {
				msg.Nack()

				continue
			}

			msg.Ack()
		}
	}()

	return nil
}

func (b *GoChannelBus) Close() error {
	return b.pubsub.Close()
}
