package alert

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/fraud-alert-engine/internal/domain/transaction"
)

func TestFraudAlert_WireShape(t *testing.T) {
	tx := transaction.Transaction{
		UserID:   "u3",
		CardID:   "c3",
		DeviceID: "d3",
		Amount:   decimal.RequireFromString("12.5"),
		Merchant: "acme",
	}

	data, err := New("High Transaction Velocity", tx).Marshal()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "FRAUD_ALERT", raw["type"])
	assert.Equal(t, "High Transaction Velocity", raw["reason"])

	inner, ok := raw["transaction"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "u3", inner["user_id"])
	assert.Equal(t, "d3", inner["device_id"])
}

func TestUnmarshal(t *testing.T) {
	decoded, err := Unmarshal([]byte(`{"type":"FRAUD_ALERT","reason":"r","transaction":{"user_id":"u1","amount":"1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "r", decoded.Reason)
	assert.Equal(t, "u1", decoded.Transaction.UserID)

	_, err = Unmarshal([]byte(`{"type":"OTHER"}`))
	assert.ErrorContains(t, err, "unexpected alert type")

	_, err = Unmarshal([]byte(`nope`))
	assert.Error(t, err)
}
