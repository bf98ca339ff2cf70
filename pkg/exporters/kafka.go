package exporters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Shopify/sarama"

	"github.com/HatiCode/voltcast/pkg/storage"
)

// KafkaExporter publishes one JSON message per month, keyed by
// "{dataset}/{month}" so compacted topics keep the latest value per month.
type KafkaExporter struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaExporter(brokers []string, topic string) (*KafkaExporter, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers cannot be empty")
	}

	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Timeout = 10 * time.Second

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newKafkaExporter(producer, topic)
}

func newKafkaExporter(producer sarama.SyncProducer, topic string) (*KafkaExporter, error) {
	if topic == "" {
		producer.Close()
		return nil, errors.New("kafka topic cannot be empty")
	}
	return &KafkaExporter{producer: producer, topic: topic}, nil
}

func (k *KafkaExporter) Name() string { return "kafka" }

func (k *KafkaExporter) Export(ctx context.Context, s storage.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(s.Months) == 0 {
		return nil
	}

	msgs := make([]*sarama.ProducerMessage, 0, len(s.Months))
	for _, r := range rows(s) {
		value, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal kafka message %s: %w", r.Month, err)
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: k.topic,
			Key:   sarama.StringEncoder(r.Dataset + "/" + r.Month),
			Value: sarama.ByteEncoder(value),
		})
	}

	if err := k.producer.SendMessages(msgs); err != nil {
		return fmt.Errorf("send kafka messages: %w", err)
	}
	return nil
}

func (k *KafkaExporter) Close() error {
	return k.producer.Close()
}
