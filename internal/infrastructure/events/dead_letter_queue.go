package events

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Dead letter headers carried next to the original payload.
const (
	HeaderDeadLetterReason   = "dlq_reason"
	HeaderDeadLetterAttempts = "dlq_attempts"
	HeaderOriginalPartition  = "original_partition"
	HeaderOriginalOffset     = "original_offset"
	HeaderFailedAt           = "failed_at"
)

// KafkaDeadLetterQueue parks transactions the consumer gave up on, so they
// can be inspected or replayed instead of being lost at commit.
type KafkaDeadLetterQueue struct {
	writer MessageWriter
	logger *zap.Logger
	now    func() time.Time
}

// NewKafkaDeadLetterQueue wraps a writer for the dead letter topic.
func NewKafkaDeadLetterQueue(writer MessageWriter, logger *zap.Logger) *KafkaDeadLetterQueue {
	return &KafkaDeadLetterQueue{
		writer: writer,
		logger: logger,
		now:    time.Now,
	}
}

// Add writes the original payload and key unchanged, with the failure
// reason and attempt count as headers.
func (q *KafkaDeadLetterQueue) Add(ctx context.Context, d Delivery, reason string, attempts int) error {
	now := q.now().UTC()
	msg := kafka.Message{
		Key:   []byte(d.Key),
		Value: d.Payload,
		Headers: []kafka.Header{
			{Key: HeaderDeadLetterReason, Value: []byte(reason)},
			{Key: HeaderDeadLetterAttempts, Value: []byte(strconv.Itoa(attempts))},
			{Key: HeaderOriginalPartition, Value: []byte(strconv.Itoa(d.Partition))},
			{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(d.Offset, 10))},
			{Key: HeaderFailedAt, Value: []byte(now.Format(time.RFC3339Nano))},
		},
		Time: now,
	}

	if err := q.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("dead letter write failed: %w", err)
	}

	q.logger.Warn("transaction dead-lettered",
		zap.String("key", d.Key),
		zap.Int64("offset", d.Offset),
		zap.String("reason", reason),
		zap.Int("attempts", attempts))
	return nil
}

// Close closes the underlying writer.
func (q *KafkaDeadLetterQueue) Close() error {
	return q.writer.Close()
}
