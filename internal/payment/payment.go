// Package payment holds the payment record, its lifecycle rules and the
// store used to resolve gateway intents back to payments.
package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the internal lifecycle state of a payment.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
	StatusCancelled  Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := ranks[s]
	return ok
}

// Terminal reports whether no forward transition other than a refund can follow.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Purpose says what the payment was collected for.
type Purpose string

const (
	PurposeOrder        Purpose = "order"
	PurposeSubscription Purpose = "subscription"
)

// Payment is the internal record tracking one monetary attempt.
type Payment struct {
	ID                     string
	OrganizationID         string
	OrderID                string
	Purpose                Purpose
	Gateway                string
	GatewayPaymentIntentID string
	GatewayTransactionID   string
	Status                 Status
	Amount                 decimal.Decimal
	Currency               string
	Metadata               map[string]string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// HasOrder reports whether the payment settles a customer order.
func (p Payment) HasOrder() bool { return p.OrderID != "" }
