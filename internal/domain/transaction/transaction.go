// Package transaction holds the minimal transaction shape the detection
// engine consumes, together with decoding and validation of queued payloads.
package transaction

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/davidleathers/fraud-alert-engine/internal/domain/errors"
)

// Transaction is one incoming payment event. It is immutable once decoded and
// lives only for the duration of a detection pass.
type Transaction struct {
	UserID   string          `json:"user_id"`
	CardID   string          `json:"card_id"`
	DeviceID string          `json:"device_id"`
	Amount   decimal.Decimal `json:"amount"`
	Merchant string          `json:"merchant"`
}

// payload mirrors Transaction with a pointer amount so a missing field can be
// told apart from an explicit zero.
type payload struct {
	UserID   string           `json:"user_id" validate:"required,max=128,printunicode"`
	CardID   string           `json:"card_id" validate:"required,max=128,printunicode"`
	DeviceID string           `json:"device_id" validate:"required,max=128,printunicode"`
	Amount   *decimal.Decimal `json:"amount" validate:"required"`
	Merchant string           `json:"merchant" validate:"required,max=256"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Decode parses a queued JSON message into a validated Transaction. Any
// malformed or missing field yields an InvalidTransaction error.
func Decode(data []byte) (Transaction, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Transaction{}, errors.NewInvalidTransactionError("", "empty transaction payload")
	}

	// Unmarshal rejects anything after the object as well.
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		var typeErr *json.UnmarshalTypeError
		if stderrors.As(err, &typeErr) {
			return Transaction{}, errors.NewInvalidTransactionError(typeErr.Field,
				fmt.Sprintf("field %s has the wrong type", typeErr.Field)).WithCause(err)
		}
		return Transaction{}, errors.NewInvalidTransactionError("", "malformed transaction payload").WithCause(err)
	}

	if err := validate.Struct(p); err != nil {
		return Transaction{}, validationError(err)
	}

	if p.Amount.IsNegative() {
		return Transaction{}, errors.NewInvalidTransactionError("amount", "amount must not be negative")
	}

	return Transaction{
		UserID:   p.UserID,
		CardID:   p.CardID,
		DeviceID: p.DeviceID,
		Amount:   *p.Amount,
		Merchant: p.Merchant,
	}, nil
}

// Validate checks an already constructed Transaction.
func (t Transaction) Validate() error {
	p := payload{
		UserID:   t.UserID,
		CardID:   t.CardID,
		DeviceID: t.DeviceID,
		Amount:   &t.Amount,
		Merchant: t.Merchant,
	}
	if err := validate.Struct(p); err != nil {
		return validationError(err)
	}
	if t.Amount.IsNegative() {
		return errors.NewInvalidTransactionError("amount", "amount must not be negative")
	}
	return nil
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if stderrors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return errors.NewInvalidTransactionError(fe.Field(),
			fmt.Sprintf("%s failed %q validation", fe.Field(), fe.Tag())).WithCause(err)
	}
	return errors.NewInvalidTransactionError("", "invalid transaction").WithCause(err)
}
