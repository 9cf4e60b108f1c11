package forward

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/agentworkforce/chatrelay/internal/session"
)

const kafkaWriteTimeout = 5 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaForwarder writes each message as JSON keyed by session and
// conversation, so one conversation stays on one partition.
type KafkaForwarder struct {
	writer messageWriter
}

func NewKafkaForwarder(brokers []string, topic string) *KafkaForwarder {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	return &KafkaForwarder{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}}
}

func (k *KafkaForwarder) Forward(ctx context.Context, msg session.InboundMessage) error {
	if k == nil || k.writer == nil {
		return nil
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, kafkaWriteTimeout)
	defer cancel()
	return k.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(msg.SessionKey + "/" + msg.ConversationID),
		Value: payload,
		Time:  msg.ReceivedAt,
		Headers: []kafka.Header{
			{Key: "session_key", Value: []byte(msg.SessionKey)},
			{Key: "message_id", Value: []byte(msg.MessageID)},
		},
	})
}

func (k *KafkaForwarder) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
