package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Transaction is a validated card transaction ready for scoring.
type Transaction struct {
	Amount     decimal.Decimal `json:"amount"`
	CardType   string          `json:"cardType"`
	CardLast4  string          `json:"cardLast4"`
	DeviceType string          `json:"deviceType"`
	Country    string          `json:"country"`
	ZipCode    string          `json:"zipCode"`
	Email      string          `json:"email"`
}

// EmailDomain returns the text between the first '@' and the next '@' (or the end).
func (t *Transaction) EmailDomain() (string, error) {
	parts := strings.SplitN(t.Email, "@", 3)
	if len(parts) < 2 {
		return "", &ValidationError{Fields: []FieldError{{Field: "email", Message: "must contain @"}}}
	}
	return parts[1], nil
}

// FlexString accepts a JSON string or a JSON number and keeps its literal text.
// The web form posts every field as a string while API clients send numbers.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (s *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = FlexString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("expected string or number: %w", err)
	}
	*s = FlexString(num.String())
	return nil
}

// TransactionRequest is the /predict request payload.
// Field order is the order missing fields are reported in.
type TransactionRequest struct {
	Amount     *FlexString `json:"amount" validate:"required"`
	CardType   *FlexString `json:"cardType" validate:"required"`
	CardLast4  *FlexString `json:"cardLast4" validate:"required"`
	DeviceType *FlexString `json:"deviceType" validate:"required"`
	Country    *FlexString `json:"country" validate:"required"`
	ZipCode    *FlexString `json:"zipCode" validate:"required"`
	Email      *FlexString `json:"email" validate:"required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate reports every absent or null field. A present empty string is
// accepted and scored as given.
func (r *TransactionRequest) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	fields := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, FieldError{Field: fe.Field(), Message: "missing"})
	}
	return &ValidationError{Fields: fields, Missing: true}
}

// ToTransaction validates the request and parses it into a Transaction.
func (r *TransactionRequest) ToTransaction() (*Transaction, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(string(*r.Amount)))
	if err != nil {
		return nil, &ValidationError{Fields: []FieldError{{Field: "amount", Message: "must be a decimal number"}}}
	}
	if !amount.IsPositive() {
		return nil, &ValidationError{Fields: []FieldError{{Field: "amount", Message: "must be positive"}}}
	}
	if math.IsInf(amount.InexactFloat64(), 0) {
		return nil, &ValidationError{Fields: []FieldError{{Field: "amount", Message: "is out of range"}}}
	}

	tx := &Transaction{
		Amount:     amount,
		CardType:   string(*r.CardType),
		CardLast4:  string(*r.CardLast4),
		DeviceType: string(*r.DeviceType),
		Country:    string(*r.Country),
		ZipCode:    string(*r.ZipCode),
		Email:      string(*r.Email),
	}
	if _, err := tx.EmailDomain(); err != nil {
		return nil, err
	}
	return tx, nil
}
