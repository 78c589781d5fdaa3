package generator

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/citypulse/trafficflow/internal/models"
)

// SaramaProducer publishes generated readings to Kafka. Synchronous with
// acks from all replicas, so a reported success really landed.
type SaramaProducer struct {
	producer sarama.SyncProducer
	log      *slog.Logger
}

func NewSaramaProducer(cfg *models.Config, logger *slog.Logger) (*SaramaProducer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 5
	saramaConfig.Producer.Retry.Backoff = 100 * time.Millisecond
	saramaConfig.Producer.Return.Successes = true // required for SyncProducer
	saramaConfig.Net.DialTimeout = 30 * time.Second
	saramaConfig.Net.ReadTimeout = 30 * time.Second
	saramaConfig.Net.WriteTimeout = 30 * time.Second

	brokers := cfg.Brokers()
	producer, err := sarama.NewSyncProducer(brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	logger.Info("producer connected", "brokers", brokers)
	return &SaramaProducer{producer: producer, log: logger}, nil
}

func (s *SaramaProducer) WriteMessage(topic string, key, msg []byte) error {
	pm := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(msg),
	}
	// keyed messages hash to a fixed partition, keeping one sensor's
	// readings in order
	if len(key) > 0 {
		pm.Key = sarama.ByteEncoder(key)
	}

	_, _, err := s.producer.SendMessage(pm)
	if err != nil {
		return fmt.Errorf("failed to send message to topic %s: %w", topic, err)
	}
	return nil
}

func (s *SaramaProducer) Close() error {
	return s.producer.Close()
}
