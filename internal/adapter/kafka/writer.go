package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/wildflower-sightings/internal/config"
	"github.com/couchcryptid/wildflower-sightings/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

// Writer publishes normalized sightings to a Kafka topic.
// It implements pipeline.Publisher.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured sighting topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// PublishBatch serializes the sightings of one load cycle and writes them in
// a single WriteMessages call. Messages are keyed by sighting ID so a
// republished sighting lands on the same partition.
func (w *Writer) PublishBatch(ctx context.Context, sightings []domain.Sighting, loadedAt time.Time) error {
	if len(sightings) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(sightings))
	for i := range sightings {
		msg, err := serializeToMessage(sightings[i], loadedAt)
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d sightings: %w", len(msgs), err)
	}
	w.logger.Debug("sightings published", "count", len(msgs), "topic", w.writer.Topic)
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals a Sighting into a Kafka message.
func serializeToMessage(s domain.Sighting, loadedAt time.Time) (kafkago.Message, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize sighting %s: %w", s.ID, err)
	}
	return kafkago.Message{
		Key:   []byte(s.ID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "source", Value: []byte(s.Source)},
			{Key: "loaded_at", Value: []byte(loadedAt.UTC().Format(time.RFC3339))},
		},
	}, nil
}
