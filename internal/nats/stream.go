package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/deck-assistant/internal/model"
)

const (
	// StreamName is the name of the deck transcript stream.
	StreamName = "DECKS"

	// SubjectPrefix is the prefix for all deck subjects.
	SubjectPrefix = "deck"
)

// StreamConfig tunes the transcript stream.
type StreamConfig struct {
	MaxAge   time.Duration
	MaxBytes int64
	Replicas int
}

// StreamManager publishes and replays transcript messages and session events.
type StreamManager struct {
	client *Client
	cfg    StreamConfig
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client, cfg StreamConfig) *StreamManager {
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 365 * 24 * time.Hour
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 10 * 1024 * 1024 * 1024
	}
	if cfg.Replicas == 0 {
		cfg.Replicas = 1
	}
	return &StreamManager{client: client, cfg: cfg}
}

// EnsureStream creates the transcript stream if it does not exist.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      m.cfg.MaxAge,
		MaxBytes:    m.cfg.MaxBytes,
		Storage:     jetstream.FileStorage,
		Replicas:    m.cfg.Replicas,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Deck assistant transcripts and tool invocation events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// token makes an id safe to use as a single subject token.
func token(id string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(id)
}

// MessageSubject returns the subject for a transcript message.
func MessageSubject(key model.SessionKey, role model.Role) string {
	return fmt.Sprintf("%s.%s.%s.msg.%s", SubjectPrefix, token(key.DocumentID), token(key.ThreadID), role)
}

// EventSubject returns the subject for a session event.
func EventSubject(key model.SessionKey, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.%s.event.%s", SubjectPrefix, token(key.DocumentID), token(key.ThreadID), eventType)
}

// SessionFilter returns the filter subject for everything in one session.
func SessionFilter(key model.SessionKey) string {
	return fmt.Sprintf("%s.%s.%s.>", SubjectPrefix, token(key.DocumentID), token(key.ThreadID))
}

// PublishMessage publishes a transcript message. The message id is used as
// the JetStream dedup id so a retried publish is stored once.
func (m *StreamManager) PublishMessage(ctx context.Context, msg *model.Message) (uint64, error) {
	key := model.SessionKey{DocumentID: msg.DocumentID, ThreadID: msg.ThreadID}

	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal message: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, MessageSubject(key, msg.Role), data,
		jetstream.WithMsgID(msg.ID))
	if err != nil {
		return 0, fmt.Errorf("failed to publish message: %w", err)
	}
	return ack.Sequence, nil
}

// PublishEvent publishes a session event.
func (m *StreamManager) PublishEvent(ctx context.Context, event *model.SessionEvent) (uint64, error) {
	key := model.SessionKey{DocumentID: event.DocumentID, ThreadID: event.ThreadID}

	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, EventSubject(key, event.Type), data,
		jetstream.WithMsgID(event.ID))
	if err != nil {
		return 0, fmt.Errorf("failed to publish event: %w", err)
	}
	return ack.Sequence, nil
}

// GetMessages replays up to limit messages of a session after a sequence.
func (m *StreamManager) GetMessages(ctx context.Context, key model.SessionKey, afterSequence uint64, limit int) ([]model.Message, uint64, bool, error) {
	return fetch(ctx, m, sessionSubject(key, "msg"), afterSequence, limit, func(msg *model.Message, seq uint64) {
		msg.Sequence = seq
	})
}

// GetEvents replays up to limit session events after a sequence.
func (m *StreamManager) GetEvents(ctx context.Context, key model.SessionKey, afterSequence uint64, limit int) ([]model.SessionEvent, uint64, bool, error) {
	return fetch(ctx, m, sessionSubject(key, "event"), afterSequence, limit, func(ev *model.SessionEvent, seq uint64) {
		ev.Sequence = seq
	})
}

func sessionSubject(key model.SessionKey, kind string) string {
	return fmt.Sprintf("%s.%s.%s.%s.>", SubjectPrefix, token(key.DocumentID), token(key.ThreadID), kind)
}

// fetch reads one page of a filtered subject with an ordered consumer.
// Entries that do not decode as T are skipped.
func fetch[T any](ctx context.Context, m *StreamManager, filter string, afterSequence uint64, limit int, setSequence func(*T, uint64)) ([]T, uint64, bool, error) {
	consumerConfig := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{filter},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if afterSequence > 0 {
		consumerConfig.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerConfig.OptStartSeq = afterSequence + 1
	}

	consumer, err := m.client.JetStream().OrderedConsumer(ctx, StreamName, consumerConfig)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to fetch %s: %w", filter, err)
	}

	var (
		out          []T
		lastSequence uint64
	)
	for msg := range batch.Messages() {
		var v T
		if err := json.Unmarshal(msg.Data(), &v); err != nil {
			continue
		}
		if meta, err := msg.Metadata(); err == nil {
			setSequence(&v, meta.Sequence.Stream)
			lastSequence = meta.Sequence.Stream
		}
		out = append(out, v)
	}

	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
		return nil, 0, false, fmt.Errorf("batch error: %w", err)
	}

	return out, lastSequence, len(out) == limit, nil
}
