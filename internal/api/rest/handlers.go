package rest

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/davidleathers/fraud-alert-engine/internal/domain/errors"
	"github.com/davidleathers/fraud-alert-engine/internal/domain/transaction"
	"github.com/davidleathers/fraud-alert-engine/internal/infrastructure/telemetry"
)

// maxTransactionBody caps POST /transactions payloads.
const maxTransactionBody = 64 << 10

// TransactionQueue hands accepted transactions to the detection pipeline.
type TransactionQueue interface {
	Enqueue(ctx context.Context, tx transaction.Transaction, payload []byte) error
}

// Handler serves the transaction intake endpoint.
type Handler struct {
	queue  TransactionQueue
	logger *zap.Logger
}

// NewHandler creates a transaction handler
func NewHandler(queue TransactionQueue, logger *zap.Logger) *Handler {
	return &Handler{queue: queue, logger: logger}
}

type acceptedResponse struct {
	Status string `json:"status"`
}

// handleCreateTransaction validates the body and enqueues it unchanged. The
// detection result is not part of the response.
func (h *Handler) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTransactionBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			writeError(w, errors.NewInvalidTransactionError("", "transaction payload too large"))
			return
		}
		writeError(w, errors.NewInvalidTransactionError("", "unreadable request body").WithCause(err))
		return
	}

	tx, err := transaction.Decode(body)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.queue.Enqueue(r.Context(), tx, body); err != nil {
		if errors.IsInvalidTransaction(err) {
			writeError(w, err)
			return
		}
		telemetry.WithTrace(r.Context(), h.logger).Error("failed to enqueue transaction",
			zap.String("user_id", tx.UserID),
			zap.Error(err))
		writeError(w, errors.NewStoreUnavailableError("transaction_queue", "enqueue", tx.UserID).WithCause(err))
		return
	}

	writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "Transaction accepted for processing"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error *errors.AppError `json:"error"`
}

// writeError renders err as {"error": AppError}. Errors that are not
// AppErrors become a generic 500.
func writeError(w http.ResponseWriter, err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.NewInternalError("an internal error occurred")
	}
	writeJSON(w, appErr.StatusCode, errorResponse{Error: appErr})
}
