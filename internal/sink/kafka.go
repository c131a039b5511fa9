package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// DefaultTopicPrefix routes messages to one topic per aggregate type when no
// fixed topic is configured, matching the Debezium outbox event router.
const DefaultTopicPrefix = "outbox.event."

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers     []string
	Topic       string
	TopicPrefix string
	ClientID    string
	Timeout     time.Duration
}

// Kafka publishes messages with a synchronous producer. The ordering key is
// the message key, so one aggregate always lands on one partition.
type Kafka struct {
	producer    sarama.SyncProducer
	topic       string
	topicPrefix string
}

// NewKafka dials the brokers with an idempotent, all-replica-ack producer.
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Idempotent = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Net.MaxOpenRequests = 1
	if cfg.Timeout > 0 {
		config.Producer.Timeout = cfg.Timeout
	}

	p, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("error creating kafka producer: %w", err)
	}
	return NewKafkaWithProducer(p, cfg.Topic, cfg.TopicPrefix), nil
}

// NewKafkaWithProducer wraps an existing producer.
func NewKafkaWithProducer(p sarama.SyncProducer, topic, topicPrefix string) *Kafka {
	if topicPrefix == "" {
		topicPrefix = DefaultTopicPrefix
	}
	return &Kafka{producer: p, topic: topic, topicPrefix: topicPrefix}
}

func (k *Kafka) topicFor(msg Message) string {
	if k.topic != "" {
		return k.topic
	}
	return k.topicPrefix + msg.AggregateType
}

func (k *Kafka) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	md := msg.Metadata()
	headers := make([]sarama.RecordHeader, 0, len(md))
	for key, v := range md {
		headers = append(headers, sarama.RecordHeader{Key: []byte(key), Value: []byte(v)})
	}

	pm := &sarama.ProducerMessage{
		Topic:     k.topicFor(msg),
		Key:       sarama.StringEncoder(msg.Key()),
		Value:     sarama.ByteEncoder(msg.Payload),
		Headers:   headers,
		Timestamp: msg.Timestamp,
	}

	if _, _, err := k.producer.SendMessage(pm); err != nil {
		return fmt.Errorf("error sending message to %s: %w", pm.Topic, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.producer.Close()
}
