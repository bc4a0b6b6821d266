package publisher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/fortuna/nhlcrawler/internal/crawl"
)

// DefaultTopic is the Kafka topic run summaries are written to.
const DefaultTopic = "nhl-crawl-summaries"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes run summaries to a Kafka topic, keyed by run id.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher builds a publisher for a comma-separated broker list.
func NewKafkaPublisher(brokers, topic string) (*KafkaPublisher, error) {
	var addrs []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("kafka publisher: no brokers configured")
	}
	if topic == "" {
		topic = DefaultTopic
	}

	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(addrs...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.LeastBytes{},
		},
	}, nil
}

func (k *KafkaPublisher) PublishSummary(ctx context.Context, summary *crawl.Summary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(summary.RunID),
		Value: data,
		Time:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("write summary %s: %w", summary.RunID, err)
	}
	return nil
}

func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}
