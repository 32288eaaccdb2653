// Package intake turns queued transaction payloads into engine evaluations.
package intake

import (
	"context"

	"go.uber.org/zap"

	"github.com/davidleathers/fraud-alert-engine/internal/domain/transaction"
	"github.com/davidleathers/fraud-alert-engine/internal/service/fraud"
)

// Evaluator is the rule engine as seen by the intake path.
type Evaluator interface {
	Evaluate(ctx context.Context, tx transaction.Transaction) (*fraud.EngineResult, error)
}

// Adapter validates one payload and hands it to the engine.
type Adapter struct {
	engine Evaluator
	logger *zap.Logger
}

// NewAdapter creates an intake adapter.
func NewAdapter(engine Evaluator, logger *zap.Logger) *Adapter {
	return &Adapter{engine: engine, logger: logger}
}

// Handle decodes payload and evaluates it. Invalid payloads are rejected
// with an InvalidTransaction error before the engine runs. Once started, an
// evaluation always completes: cancelling ctx only stops Handle from waiting
// for the result, so store writes and alerts are never left half done.
func (a *Adapter) Handle(ctx context.Context, payload []byte) (*fraud.EngineResult, error) {
	tx, err := transaction.Decode(payload)
	if err != nil {
		a.logger.Warn("rejecting invalid transaction", zap.Error(err))
		return nil, err
	}

	type outcome struct {
		result *fraud.EngineResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		result, err := a.engine.Evaluate(context.WithoutCancel(ctx), tx)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		a.logger.Info("caller gone, evaluation continues in background",
			zap.String("user_id", tx.UserID),
			zap.Error(ctx.Err()))
		return nil, ctx.Err()
	}
}
