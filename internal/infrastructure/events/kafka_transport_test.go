package events

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/fraud-alert-engine/internal/domain/alert"
	domainerrors "github.com/davidleathers/fraud-alert-engine/internal/domain/errors"
	"github.com/davidleathers/fraud-alert-engine/internal/testutil"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	queue     []kafka.Message
	errs      []error
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return kafka.Message{}, err
	}
	if len(r.queue) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.queue[0]
	r.queue = r.queue[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestKafkaAlertSink(t *testing.T) {
	writer := &fakeWriter{}
	sink := NewKafkaAlertSink(writer, zaptest.NewLogger(t))

	a := alert.New("High Transaction Velocity", testutil.NewTransaction("u3", testutil.WithDevice("d3")))
	require.NoError(t, sink.Deliver(context.Background(), a))

	require.Len(t, writer.messages, 1)
	msg := writer.messages[0]
	assert.Equal(t, "d3", string(msg.Key))
	assert.Equal(t, "FRAUD_ALERT", string(msg.Headers[0].Value))

	decoded, err := alert.Unmarshal(msg.Value)
	require.NoError(t, err)
	assert.Equal(t, "u3", decoded.Transaction.UserID)

	writer.err = io.ErrClosedPipe
	assert.ErrorIs(t, sink.Deliver(context.Background(), a), ErrSinkClosed)

	writer.err = errors.New("leader not available")
	err = sink.Deliver(context.Background(), a)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSinkClosed)
}

func TestKafkaTransactionProducer(t *testing.T) {
	writer := &fakeWriter{}
	producer := NewKafkaTransactionProducer(writer, zaptest.NewLogger(t))

	tx := testutil.NewTransaction("u9")
	require.NoError(t, producer.Enqueue(context.Background(), tx, []byte(`{"user_id":"u9"}`)))

	require.Len(t, writer.messages, 1)
	assert.Equal(t, "u9", string(writer.messages[0].Key))
	assert.JSONEq(t, `{"user_id":"u9"}`, string(writer.messages[0].Value))

	writer.err = errors.New("broker down")
	assert.Error(t, producer.Enqueue(context.Background(), tx, nil))
}

func TestKafkaTransactionProducer_RejectsInvalid(t *testing.T) {
	writer := &fakeWriter{}
	producer := NewKafkaTransactionProducer(writer, zaptest.NewLogger(t))

	tx := testutil.NewTransaction("u9")
	tx.DeviceID = ""

	err := producer.Enqueue(context.Background(), tx, []byte(`{"user_id":"u9"}`))
	require.Error(t, err)
	assert.True(t, domainerrors.IsInvalidTransaction(err))
	assert.Empty(t, writer.messages)
}

func TestKafkaTransactionSource(t *testing.T) {
	reader := &fakeReader{
		errs:  []error{errors.New("rebalance in progress")},
		queue: []kafka.Message{{Key: []byte("u1"), Value: []byte(`{}`), Partition: 3, Offset: 7}},
	}
	source := NewKafkaTransactionSource(reader, zaptest.NewLogger(t))
	ctx := testutil.TestContext(t)

	d, err := source.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u1", d.Key)
	assert.Equal(t, int64(7), d.Offset)
	assert.Equal(t, 3, d.Partition)
	assert.Empty(t, reader.committed, "nothing is committed before handling")

	require.NoError(t, d.Commit(ctx))
	assert.Equal(t, []int64{7}, reader.committed)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = source.Next(cancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKafkaTransactionSource_Closed(t *testing.T) {
	reader := &fakeReader{errs: []error{io.EOF}}
	source := NewKafkaTransactionSource(reader, zaptest.NewLogger(t))

	_, err := source.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}
