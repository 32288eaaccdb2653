package intake

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	domainerrors "github.com/davidleathers/fraud-alert-engine/internal/domain/errors"
	"github.com/davidleathers/fraud-alert-engine/internal/infrastructure/events"
	"github.com/davidleathers/fraud-alert-engine/internal/service/fraud"
	"github.com/davidleathers/fraud-alert-engine/internal/testutil"
)

// chanSource serves deliveries from a channel and records commits.
type chanSource struct {
	deliveries chan []byte
	err        error

	mu        sync.Mutex
	committed []string
	offset    atomic.Int64
}

func newChanSource(payloads ...string) *chanSource {
	s := &chanSource{deliveries: make(chan []byte, len(payloads))}
	for _, p := range payloads {
		s.deliveries <- []byte(p)
	}
	return s
}

func (s *chanSource) Next(ctx context.Context) (events.Delivery, error) {
	if s.err != nil {
		return events.Delivery{}, s.err
	}
	select {
	case p := <-s.deliveries:
		return events.NewDelivery(p, "k", s.offset.Add(1), func(context.Context) error {
			s.mu.Lock()
			s.committed = append(s.committed, string(p))
			s.mu.Unlock()
			return nil
		}), nil
	case <-ctx.Done():
		return events.Delivery{}, ctx.Err()
	}
}

func (s *chanSource) commits() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.committed...)
}

// scriptedHandler returns queued errors per payload before succeeding.
type scriptedHandler struct {
	mu       sync.Mutex
	failures map[string][]error
	calls    map[string]int
}

func (h *scriptedHandler) Handle(_ context.Context, payload []byte) (*fraud.EngineResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := string(payload)
	h.calls[key]++
	if errs := h.failures[key]; len(errs) > 0 {
		h.failures[key] = errs[1:]
		return nil, errs[0]
	}
	return &fraud.EngineResult{}, nil
}

func (h *scriptedHandler) callCount(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[key]
}

type countingMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (m *countingMetrics) ObserveIntake(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcome]++
}

func (m *countingMetrics) get(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[outcome]
}

func TestConsumer_Run(t *testing.T) {
	unavailable := domainerrors.NewStoreUnavailableError("velocity", "increment", "k")
	handler := &scriptedHandler{
		failures: map[string][]error{
			"retry-then-ok": {unavailable},
			"always-down":   {unavailable, unavailable, unavailable},
			"invalid":       {domainerrors.NewInvalidTransactionError("user_id", "missing")},
		},
		calls: map[string]int{},
	}
	source := newChanSource("ok", "retry-then-ok", "always-down", "invalid")
	metrics := &countingMetrics{outcomes: map[string]int{}}

	consumer := NewConsumer(source, handler, ConsumerConfig{
		Workers:      2,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	}, metrics, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	testutil.AssertEventually(t, func() bool { return len(source.commits()) == 4 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}

	assert.ElementsMatch(t, []string{"ok", "retry-then-ok", "always-down", "invalid"}, source.commits())
	assert.Equal(t, 2, handler.callCount("retry-then-ok"))
	assert.Equal(t, 3, handler.callCount("always-down"))
	assert.Equal(t, 1, handler.callCount("invalid"))

	assert.Equal(t, 2, metrics.get(OutcomeProcessed))
	assert.Equal(t, 1, metrics.get(OutcomeFailed))
	assert.Equal(t, 1, metrics.get(OutcomeInvalid))
}

func TestConsumer_SourceFailure(t *testing.T) {
	source := newChanSource()
	source.err = errors.New("reader closed")

	consumer := NewConsumer(source, &scriptedHandler{calls: map[string]int{}}, ConsumerConfig{Workers: 1}, nil, zaptest.NewLogger(t))

	err := consumer.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reader closed")
}

func TestConsumer_RateLimited(t *testing.T) {
	source := newChanSource("a", "b", "c")
	handler := &scriptedHandler{calls: map[string]int{}}

	consumer := NewConsumer(source, handler, ConsumerConfig{Workers: 3, MaxRate: 20, Burst: 1}, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	start := time.Now()
	go func() { _ = consumer.Run(ctx) }()

	testutil.AssertEventually(t, func() bool { return len(source.commits()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond, "three messages at 20/s with burst 1 take ~100ms")
}

type deadLetter struct {
	payload  string
	reason   string
	attempts int
}

type fakeDLQ struct {
	mu      sync.Mutex
	letters []deadLetter
}

func (q *fakeDLQ) Add(_ context.Context, d events.Delivery, reason string, attempts int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.letters = append(q.letters, deadLetter{payload: string(d.Payload), reason: reason, attempts: attempts})
	return nil
}

func (q *fakeDLQ) all() []deadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]deadLetter(nil), q.letters...)
}

func TestConsumer_DeadLetters(t *testing.T) {
	unavailable := domainerrors.NewStoreUnavailableError("velocity", "increment", "k")
	handler := &scriptedHandler{
		failures: map[string][]error{
			"always-down": {unavailable, unavailable, unavailable},
			"invalid":     {domainerrors.NewInvalidTransactionError("user_id", "missing")},
		},
		calls: map[string]int{},
	}
	source := newChanSource("ok", "always-down", "invalid")
	dlq := &fakeDLQ{}

	consumer := NewConsumer(source, handler, ConsumerConfig{
		Workers:      1,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	}, nil, zaptest.NewLogger(t)).WithDeadLetterQueue(dlq)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = consumer.Run(ctx) }()

	testutil.AssertEventually(t, func() bool { return len(source.commits()) == 3 }, 2*time.Second, 5*time.Millisecond)

	assert.ElementsMatch(t, []deadLetter{
		{payload: "always-down", reason: domainerrors.CodeStoreUnavailable, attempts: 3},
		{payload: "invalid", reason: domainerrors.CodeInvalidTransaction, attempts: 1},
	}, dlq.all())
}

// blockingHandler waits for cancellation and reports it.
type blockingHandler struct {
	started chan struct{}
}

func (h *blockingHandler) Handle(ctx context.Context, _ []byte) (*fraud.EngineResult, error) {
	close(h.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestConsumer_CancelledMessageStaysUncommitted(t *testing.T) {
	source := newChanSource("in-flight")
	handler := &blockingHandler{started: make(chan struct{})}
	dlq := &fakeDLQ{}

	consumer := NewConsumer(source, handler, ConsumerConfig{Workers: 1}, nil, zaptest.NewLogger(t)).
		WithDeadLetterQueue(dlq)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	select {
	case <-handler.started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never called")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}

	assert.Empty(t, source.commits())
	assert.Empty(t, dlq.all())
}

// gatedHandler holds one payload until release closes or ctx ends.
type gatedHandler struct {
	gate    string
	release chan struct{}

	mu      sync.Mutex
	handled []string
}

func newGatedHandler(gate string) *gatedHandler {
	return &gatedHandler{gate: gate, release: make(chan struct{})}
}

func (h *gatedHandler) Handle(ctx context.Context, payload []byte) (*fraud.EngineResult, error) {
	key := string(payload)
	if key == h.gate {
		select {
		case <-h.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	h.mu.Lock()
	h.handled = append(h.handled, key)
	h.mu.Unlock()
	return &fraud.EngineResult{}, nil
}

func (h *gatedHandler) handledCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled)
}

func TestConsumer_LaterMessagesWaitForEarlierOnes(t *testing.T) {
	source := newChanSource("first", "second", "third")
	handler := newGatedHandler("first")

	consumer := NewConsumer(source, handler, ConsumerConfig{Workers: 8}, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = consumer.Run(ctx) }()

	testutil.AssertEventually(t, func() bool { return handler.handledCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return len(source.commits()) > 0 }, 100*time.Millisecond, 5*time.Millisecond,
		"nothing may be committed past the unfinished first message")

	close(handler.release)

	testutil.AssertEventually(t, func() bool { return len(source.commits()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"first", "second", "third"}, source.commits())
}

func TestConsumer_ShutdownKeepsLaterMessagesUncommitted(t *testing.T) {
	source := newChanSource("first", "second")
	handler := newGatedHandler("first")

	consumer := NewConsumer(source, handler, ConsumerConfig{Workers: 8}, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	testutil.AssertEventually(t, func() bool { return handler.handledCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}

	// Committing "second" would move the group offset past "first" and lose it.
	assert.Empty(t, source.commits())
}

func TestFailureReason(t *testing.T) {
	assert.Equal(t, "unknown", failureReason(nil))
	assert.Equal(t, "boom", failureReason(errors.New("boom")))
	assert.Equal(t, domainerrors.CodeStoreUnavailable,
		failureReason(domainerrors.NewStoreUnavailableError("graph", "record", "d1")))
}
