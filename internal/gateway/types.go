package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// FlexID decodes identifiers the gateway sends either as JSON numbers or strings.
type FlexID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = FlexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("gateway: id is neither string nor number: %w", err)
	}
	*id = FlexID(n.String())
	return nil
}

func (id FlexID) String() string { return string(id) }

// PaymentDetail is the subset of GET /v1/payments/{id} the reconciler reads.
type PaymentDetail struct {
	ID                FlexID          `json:"id" validate:"required"`
	Status            string          `json:"status" validate:"required"`
	StatusDetail      string          `json:"status_detail"`
	PreferenceID      string          `json:"preference_id"`
	ExternalReference string          `json:"external_reference"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
	CurrencyID        string          `json:"currency_id"`
	Order             struct {
		ID FlexID `json:"id"`
	} `json:"order"`
}

// IntentID returns the identifier the payment was created against.
func (p PaymentDetail) IntentID() string {
	if p.PreferenceID != "" {
		return p.PreferenceID
	}
	return p.ExternalReference
}

// MerchantOrder is the subset of GET /merchant_orders/{id} the reconciler reads.
type MerchantOrder struct {
	ID                FlexID                 `json:"id" validate:"required"`
	PreferenceID      string                 `json:"preference_id" validate:"required"`
	Status            string                 `json:"status"`
	OrderStatus       string                 `json:"order_status"`
	ExternalReference string                 `json:"external_reference"`
	TotalAmount       decimal.Decimal        `json:"total_amount"`
	Payments          []MerchantOrderPayment `json:"payments" validate:"dive"`
}

// MerchantOrderPayment is one payment attached to a merchant order.
type MerchantOrderPayment struct {
	ID                FlexID          `json:"id" validate:"required"`
	Status            string          `json:"status"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
}

// Preapproval is the subset of GET /preapproval/{id} the reconciler reads.
type Preapproval struct {
	ID                string `json:"id" validate:"required"`
	Status            string `json:"status" validate:"required"`
	ExternalReference string `json:"external_reference"`
	PayerEmail        string `json:"payer_email"`
	Reason            string `json:"reason"`
	AutoRecurring     struct {
		TransactionAmount decimal.Decimal `json:"transaction_amount"`
		CurrencyID        string          `json:"currency_id"`
	} `json:"auto_recurring"`
}
