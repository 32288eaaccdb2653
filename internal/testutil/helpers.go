package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/fraud-alert-engine/internal/domain/transaction"
)

// TestContext creates a context with timeout for tests
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// AssertEventually asserts that a condition is met within a timeout
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, tick time.Duration, msgAndArgs ...interface{}) {
	t.Helper()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-timer.C:
			require.FailNow(t, "condition not met within timeout", msgAndArgs...)
		case <-ticker.C:
			if condition() {
				return
			}
		}
	}
}

// TransactionOption tweaks a fixture transaction.
type TransactionOption func(*transaction.Transaction)

// WithDevice sets the device id.
func WithDevice(deviceID string) TransactionOption {
	return func(tx *transaction.Transaction) { tx.DeviceID = deviceID }
}

// WithCard sets the card id.
func WithCard(cardID string) TransactionOption {
	return func(tx *transaction.Transaction) { tx.CardID = cardID }
}

// WithAmount sets the amount from a decimal string.
func WithAmount(amount string) TransactionOption {
	return func(tx *transaction.Transaction) { tx.Amount = decimal.RequireFromString(amount) }
}

// NewTransaction returns a valid transaction for userID on its own device.
func NewTransaction(userID string, opts ...TransactionOption) transaction.Transaction {
	tx := transaction.Transaction{
		UserID:   userID,
		CardID:   "card-" + userID,
		DeviceID: "device-" + userID,
		Amount:   decimal.RequireFromString("19.99"),
		Merchant: "test-merchant",
	}
	for _, opt := range opts {
		opt(&tx)
	}
	return tx
}
