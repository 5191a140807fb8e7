package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"numbers-betting-backend/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaEventPublisher writes one SessionSettledEvent per settlement, keyed
// by session id so a session's events land on one partition.
type KafkaEventPublisher struct {
	writer messageWriter
	log    zerolog.Logger
}

func NewKafkaEventPublisher(brokers []string, topic string, log zerolog.Logger) *KafkaEventPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Error().Err(err).Int("messages", len(messages)).Msg("failed to deliver settlement events")
			}
		},
	}
	return &KafkaEventPublisher{writer: w, log: log}
}

func (p *KafkaEventPublisher) PublishSettlement(event *models.SessionSettledEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal settlement event: %w", err)
	}

	// The writer is async, so this only enqueues.
	return p.writer.WriteMessages(context.Background(), kafka.Message{
		Key:   []byte(strconv.FormatInt(event.SessionID, 10)),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("session_settled")},
		},
	})
}

func (p *KafkaEventPublisher) Close() error {
	return p.writer.Close()
}
