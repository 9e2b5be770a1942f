package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/eventbridge-systems/eventbridge/internal/models"
)

const (
	dlqStreamName    = "EVENTBRIDGE_DLQ"
	dlqSubjectPrefix = "eventbridge.dlq."
	dlqFetchWait     = 2 * time.Second
)

// JetStreamDeadLetterStore persists dead letters in a NATS JetStream stream,
// one subject per subscription, so they survive restarts and are shared
// across instances.
type JetStreamDeadLetterStore struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
}

func NewJetStreamDeadLetterStore(ctx context.Context, natsURL string) (*JetStreamDeadLetterStore, error) {
	conn, err := nats.Connect(natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      dlqStreamName,
		Subjects:  []string{dlqSubjectPrefix + ">"},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create dlq stream: %w", err)
	}

	return &JetStreamDeadLetterStore{conn: conn, js: js, stream: stream}, nil
}

func (s *JetStreamDeadLetterStore) Write(ctx context.Context, dl models.DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	if _, err := s.js.Publish(ctx, dlqSubjectPrefix+dl.SubscriptionID, data); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}

func (s *JetStreamDeadLetterStore) List(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.fetch(ctx, limit)
}

func (s *JetStreamDeadLetterStore) Drain(ctx context.Context) ([]models.DeadLetter, error) {
	entries, err := s.fetch(ctx, 10000)
	if err != nil {
		return nil, err
	}
	if err := s.stream.Purge(ctx); err != nil {
		return nil, fmt.Errorf("purge after drain: %w", err)
	}
	return entries, nil
}

func (s *JetStreamDeadLetterStore) fetch(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	consumer, err := s.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject: dlqSubjectPrefix + ">",
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("create list consumer: %w", err)
	}

	msgs, err := consumer.Fetch(limit, jetstream.FetchMaxWait(dlqFetchWait))
	if err != nil {
		return nil, fmt.Errorf("fetch dead letters: %w", err)
	}

	var entries []models.DeadLetter
	for msg := range msgs.Messages() {
		var dl models.DeadLetter
		if err := json.Unmarshal(msg.Data(), &dl); err != nil {
			slog.Warn("skipping unparseable dead letter", slog.String("error", err.Error()))
			continue
		}
		entries = append(entries, dl)
	}
	if msgs.Error() != nil {
		slog.Warn("dead letter fetch completed with error",
			slog.String("error", msgs.Error().Error()))
	}
	return entries, nil
}

func (s *JetStreamDeadLetterStore) Purge(ctx context.Context) error {
	if err := s.stream.Purge(ctx); err != nil {
		return fmt.Errorf("purge dlq stream: %w", err)
	}
	return nil
}

func (s *JetStreamDeadLetterStore) Close() error {
	s.conn.Close()
	return nil
}
