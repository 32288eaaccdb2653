// Package alert defines the message broadcast when a transaction is flagged.
package alert

import (
	"encoding/json"
	"fmt"

	"github.com/davidleathers/fraud-alert-engine/internal/domain/transaction"
)

// TypeFraudAlert is the only alert type the engine emits.
const TypeFraudAlert = "FRAUD_ALERT"

// FraudAlert is produced once per detection and never stored.
type FraudAlert struct {
	Type        string                  `json:"type"`
	Reason      string                  `json:"reason"`
	Transaction transaction.Transaction `json:"transaction"`
}

// New builds a FRAUD_ALERT for tx.
func New(reason string, tx transaction.Transaction) *FraudAlert {
	return &FraudAlert{
		Type:        TypeFraudAlert,
		Reason:      reason,
		Transaction: tx,
	}
}

// Marshal encodes the alert in its broadcast wire form.
func (a *FraudAlert) Marshal() ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal fraud alert: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a broadcast alert.
func Unmarshal(data []byte) (*FraudAlert, error) {
	var a FraudAlert
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("unmarshal fraud alert: %w", err)
	}
	if a.Type != TypeFraudAlert {
		return nil, fmt.Errorf("unexpected alert type %q", a.Type)
	}
	return &a, nil
}
