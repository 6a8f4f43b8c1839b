package clusterbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
)

// KafkaBus is the cluster-wide Bus transport: every node's scheduler,
// registry, and local agent publish and subscribe through the same Kafka
// cluster, exactly as the teacher's pkg/channels/kafka.CreateChannel sets
// up its publisher/subscriber pair.
type KafkaBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
}

// NewKafkaBus dials brokers (comma-separated) and returns a cluster Bus.
// consumerGroup should be unique per logical component (e.g.
// "steep-scheduler", "steep-agent-<id>") so every node in a component
// class shares delivery, while distinct components each see every
// message.
func NewKafkaBus(brokers []string, consumerGroup string, logger watermill.LoggerAdapter) (*KafkaBus, error) {
	if len(brokers) == 0 || strings.TrimSpace(brokers[0]) == "" {
		return nil, errors.New("clusterbus: no kafka brokers configured")
	}

	subscriberConfig := kafka.DefaultSaramaSubscriberConfig()
	subscriberConfig.Consumer.Offsets.Initial = sarama.OffsetNewest

	subscriber, err := kafka.NewSubscriber(
		kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: subscriberConfig,
			ConsumerGroup:         consumerGroup,
		},
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("clusterbus: kafka subscriber: %w", err)
	}

	publisherConfig := sarama.NewConfig()
	publisherConfig.Producer.Return.Successes = true

	publisher, err := kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: publisherConfig,
		},
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("clusterbus: kafka publisher: %w", err)
	}

	return &KafkaBus{publisher: publisher, subscriber: subscriber}, nil
}

func (b *KafkaBus) Publish(_ context.Context, topic string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("clusterbus: marshal payload: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), raw)

	return b.publisher.Publish(topic, msg)
}

func (b *KafkaBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	messages, err := b.subscriber.Subscribe(ctx, topic)
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

func (b *KafkaBus) Close() error {
	if err := b.publisher.Close(); err != nil {
		return err
	}

	return b.subscriber.Close()
}
