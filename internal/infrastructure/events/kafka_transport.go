package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/davidleathers/fraud-alert-engine/internal/domain/alert"
	"github.com/davidleathers/fraud-alert-engine/internal/domain/transaction"
)

// KafkaConfig configures the Kafka readers and writers
type KafkaConfig struct {
	Brokers      []string
	GroupID      string
	Topic        string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	MinBytes     int
	MaxBytes     int
	MaxWait      time.Duration
}

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageReader is satisfied by *kafka.Reader.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a writer for cfg.Topic balanced by message key.
func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           writeTimeout,
		AllowAutoTopicCreation: true,
	}
}

// NewKafkaReader builds a consumer-group reader for cfg.Topic.
func NewKafkaReader(cfg KafkaConfig) *kafka.Reader {
	minBytes := cfg.MinBytes
	if minBytes <= 0 {
		minBytes = 1
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 10_000_000
	}
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = 500 * time.Millisecond
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: minBytes,
		MaxBytes: maxBytes,
		MaxWait:  maxWait,
		Dialer:   &kafka.Dialer{Timeout: dialTimeout, DualStack: true},
	})
}

// KafkaTransactionProducer enqueues raw transaction payloads for the engine.
type KafkaTransactionProducer struct {
	writer MessageWriter
	logger *zap.Logger
}

// NewKafkaTransactionProducer wraps writer.
func NewKafkaTransactionProducer(writer MessageWriter, logger *zap.Logger) *KafkaTransactionProducer {
	return &KafkaTransactionProducer{writer: writer, logger: logger}
}

// Enqueue writes tx keyed by user id so one user's transactions stay on one
// partition and are evaluated in order. An invalid tx is rejected before it
// reaches the topic.
func (p *KafkaTransactionProducer) Enqueue(ctx context.Context, tx transaction.Transaction, payload []byte) error {
	if err := tx.Validate(); err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(tx.UserID),
		Value: payload,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("enqueue transaction failed", zap.String("user_id", tx.UserID), zap.Error(err))
		return fmt.Errorf("enqueue transaction: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaTransactionProducer) Close() error {
	return p.writer.Close()
}

// KafkaAlertSink mirrors alerts onto a Kafka topic for downstream consumers.
type KafkaAlertSink struct {
	writer MessageWriter
	logger *zap.Logger
}

// NewKafkaAlertSink wraps writer.
func NewKafkaAlertSink(writer MessageWriter, logger *zap.Logger) *KafkaAlertSink {
	return &KafkaAlertSink{writer: writer, logger: logger}
}

// Deliver writes the alert keyed by device id.
func (s *KafkaAlertSink) Deliver(ctx context.Context, a *alert.FraudAlert) error {
	data, err := a.Marshal()
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(a.Transaction.DeviceID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(a.Type)},
		},
		Time: time.Now().UTC(),
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return fmt.Errorf("%w: %v", ErrSinkClosed, err)
		}
		return fmt.Errorf("kafka alert write failed: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (s *KafkaAlertSink) Close() error {
	return s.writer.Close()
}

// Delivery is one queued transaction payload. Commit acknowledges it and
// every earlier offset of the same partition.
type Delivery struct {
	Payload   []byte
	Key       string
	Partition int
	Offset    int64
	commit    func(ctx context.Context) error
}

// NewDelivery builds a Delivery around an arbitrary acknowledgement.
func NewDelivery(payload []byte, key string, offset int64, commit func(ctx context.Context) error) Delivery {
	return Delivery{Payload: payload, Key: key, Offset: offset, commit: commit}
}

// Commit acknowledges the message so it is not redelivered.
func (d Delivery) Commit(ctx context.Context) error {
	if d.commit == nil {
		return nil
	}
	return d.commit(ctx)
}

// KafkaTransactionSource reads queued transactions with at-least-once
// semantics: messages are committed only after they have been handled.
type KafkaTransactionSource struct {
	reader MessageReader
	logger *zap.Logger
}

// NewKafkaTransactionSource wraps reader.
func NewKafkaTransactionSource(reader MessageReader, logger *zap.Logger) *KafkaTransactionSource {
	return &KafkaTransactionSource{reader: reader, logger: logger}
}

// Next blocks for the next message. It returns ctx.Err() once ctx is done.
func (s *KafkaTransactionSource) Next(ctx context.Context) (Delivery, error) {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err == nil {
			return Delivery{
				Payload:   msg.Value,
				Key:       string(msg.Key),
				Partition: msg.Partition,
				Offset:    msg.Offset,
				commit: func(ctx context.Context) error {
					return s.reader.CommitMessages(ctx, msg)
				},
			}, nil
		}

		if ctx.Err() != nil {
			return Delivery{}, ctx.Err()
		}
		// The reader reports io.EOF once closed.
		if errors.Is(err, io.EOF) {
			return Delivery{}, err
		}

		s.logger.Warn("kafka fetch failed", zap.Error(err))
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		}
	}
}

// Close closes the reader.
func (s *KafkaTransactionSource) Close() error {
	return s.reader.Close()
}
