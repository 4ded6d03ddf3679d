package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// XenditNormalizer reads Xendit invoice callbacks. The callback is complete on
// its own, so no API lookup is made.
type XenditNormalizer struct{}

type xenditInvoice struct {
	ID         string              `json:"id"`
	ExternalID string              `json:"external_id"`
	Status     string              `json:"status"`
	Amount     decimal.NullDecimal `json:"amount"`
	PaidAmount decimal.NullDecimal `json:"paid_amount"`
	PaymentID  string              `json:"payment_id"`
	Currency   string              `json:"currency"`
}

// Normalize implements Normalizer.
func (XenditNormalizer) Normalize(_ context.Context, n Notification) (Event, error) {
	if n.Topic != "" && n.Topic != TopicPayment {
		return nil, fmt.Errorf("%w: %q", ErrIgnoredTopic, n.RawTopic)
	}
	var inv xenditInvoice
	if err := json.Unmarshal(n.Body, &inv); err != nil {
		return nil, fmt.Errorf("%w: decode invoice: %v", ErrNormalizationFailed, err)
	}
	invoiceID := strings.TrimSpace(inv.ID)
	if invoiceID == "" {
		return nil, fmt.Errorf("%w: invoice without id", ErrNormalizationFailed)
	}
	intentID := strings.TrimSpace(inv.ExternalID)
	if intentID == "" {
		return nil, fmt.Errorf("%w: invoice %s has no external_id", ErrNormalizationFailed, invoiceID)
	}
	status, err := mapXenditStatus(inv.Status)
	if err != nil {
		return nil, err
	}
	amount := inv.PaidAmount
	if !amount.Valid {
		amount = inv.Amount
	}
	txID := inv.PaymentID
	if txID == "" {
		txID = invoiceID
	}
	return PaymentEvent{
		Gateway:                n.Gateway,
		GatewayEventID:         fmt.Sprintf("%s:%s", invoiceID, status),
		Topic:                  TopicPayment,
		GatewayPaymentIntentID: intentID,
		GatewayTransactionID:   txID,
		Status:                 status,
		RawStatus:              inv.Status,
		Amount:                 amount,
		Metadata: map[string]string{
			"gateway_status": inv.Status,
			"invoice_id":     invoiceID,
			"currency":       inv.Currency,
		},
	}, nil
}
