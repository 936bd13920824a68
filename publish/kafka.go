package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink appends records to a trace topic, keyed by storage id so that
// the history of one storage stays ordered within a partition.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink creates a writer for topic on brokers.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic must not be empty")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
	return &KafkaSink{writer: w, topic: topic}, nil
}

// Publish implements Sink.
func (s *KafkaSink) Publish(ctx context.Context, r Record) error {
	payload, err := encode(r)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(r.StorageID),
		Value: payload,
		Time:  r.Time,
		Headers: []kafka.Header{
			{Key: "record-id", Value: []byte(r.ID.String())},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write record to %s: %w", s.topic, err)
	}
	return nil
}

// Close implements Sink.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
