package intake

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/fraud-alert-engine/internal/domain/errors"
	"github.com/davidleathers/fraud-alert-engine/internal/domain/transaction"
	"github.com/davidleathers/fraud-alert-engine/internal/service/fraud"
)

type mockEvaluator struct {
	mock.Mock
}

func (m *mockEvaluator) Evaluate(ctx context.Context, tx transaction.Transaction) (*fraud.EngineResult, error) {
	args := m.Called(ctx, tx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*fraud.EngineResult), args.Error(1)
}

const validPayload = `{"user_id":"u1","card_id":"c1","device_id":"dX","amount":"25.00","merchant":"acme"}`

func TestAdapter_Handle(t *testing.T) {
	t.Run("valid payload is evaluated", func(t *testing.T) {
		engine := new(mockEvaluator)
		engine.On("Evaluate", mock.Anything, mock.MatchedBy(func(tx transaction.Transaction) bool {
			return tx.UserID == "u1" && tx.DeviceID == "dX"
		})).Return(&fraud.EngineResult{Fraud: true, Reason: fraud.ReasonVelocity}, nil)

		adapter := NewAdapter(engine, zaptest.NewLogger(t))
		result, err := adapter.Handle(context.Background(), []byte(validPayload))

		require.NoError(t, err)
		assert.True(t, result.Fraud)
		engine.AssertExpectations(t)
	})

	t.Run("invalid payload never reaches the engine", func(t *testing.T) {
		engine := new(mockEvaluator)
		adapter := NewAdapter(engine, zaptest.NewLogger(t))

		_, err := adapter.Handle(context.Background(), []byte(`{"user_id":"u1"}`))

		require.Error(t, err)
		assert.True(t, errors.IsInvalidTransaction(err))
		engine.AssertNotCalled(t, "Evaluate", mock.Anything, mock.Anything)
	})

	t.Run("store errors are surfaced", func(t *testing.T) {
		engine := new(mockEvaluator)
		engine.On("Evaluate", mock.Anything, mock.Anything).
			Return(nil, errors.NewStoreUnavailableError("velocity", "increment", "k"))

		adapter := NewAdapter(engine, zaptest.NewLogger(t))
		_, err := adapter.Handle(context.Background(), []byte(validPayload))

		assert.True(t, errors.IsStoreUnavailable(err))
	})
}

func TestAdapter_CancellationDoesNotAbortEvaluation(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan error, 1)

	engine := new(mockEvaluator)
	engine.On("Evaluate", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			<-release
			finished <- ctx.Err()
		}).
		Return(&fraud.EngineResult{}, nil)

	adapter := NewAdapter(engine, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := adapter.Handle(ctx, []byte(validPayload))
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Handle did not return after cancellation")
	}

	close(release)
	select {
	case engineCtxErr := <-finished:
		assert.NoError(t, engineCtxErr, "engine context must not be cancelled by the caller")
	case <-time.After(time.Second):
		t.Fatal("evaluation did not complete")
	}
}
