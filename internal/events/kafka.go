package events

import (
	"context"
	"encoding/json"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter is satisfied by *kafkago.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

func NewKafkaWriter(brokers []string, topic string) *kafkago.Writer {
	return &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireOne,
		Async:        true,
	}
}

// KafkaSink forwards every bus event to a topic, keyed by chat id so a chat's
// events land on one partition.
type KafkaSink struct {
	writer  MessageWriter
	timeout time.Duration
	log     *zap.SugaredLogger
}

func NewKafkaSink(w MessageWriter, log *zap.SugaredLogger) *KafkaSink {
	return &KafkaSink{writer: w, timeout: 5 * time.Second, log: log}
}

// Attach subscribes the sink to bus and returns the unsubscribe func.
func (s *KafkaSink) Attach(bus *Bus) func() {
	return bus.Subscribe(s.Handle)
}

func (s *KafkaSink) Handle(e Event) {
	if e.Err != nil && e.Error == "" {
		e.Error = e.Err.Error()
	}
	b, err := json.Marshal(e)
	if err != nil {
		s.log.Warnw("kafka sink encode", "type", e.Type, "err", err)
		return
	}
	key := e.ChatID
	if key == "" {
		key = e.UserID
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	msg := kafkago.Message{
		Key:   []byte(key),
		Value: b,
		Time:  e.At,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.log.Warnw("kafka sink write", "type", e.Type, "err", err)
	}
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
