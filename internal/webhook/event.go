package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/optik-reconciler/internal/fulfillment"
	"github.com/noah-isme/optik-reconciler/internal/ledger"
	"github.com/noah-isme/optik-reconciler/internal/payment"
)

// EventKey identifies a logical gateway event in the ledger.
type EventKey struct {
	Gateway string
	EventID string
	Topic   Topic
}

// Event is a normalized notification: either a PaymentEvent or a SubscriptionEvent.
type Event interface {
	Key() EventKey
}

// PaymentEvent reports a gateway-side payment outcome for an intent.
type PaymentEvent struct {
	Gateway                string
	GatewayEventID         string
	Topic                  Topic
	GatewayPaymentIntentID string
	GatewayTransactionID   string
	Status                 payment.Status
	RawStatus              string
	Amount                 decimal.NullDecimal
	Metadata               map[string]string
}

// Key implements Event.
func (e PaymentEvent) Key() EventKey {
	return EventKey{Gateway: e.Gateway, EventID: e.GatewayEventID, Topic: e.Topic}
}

// SubscriptionEvent reports a recurring-billing agreement change for an organization.
type SubscriptionEvent struct {
	Gateway        string
	GatewayEventID string
	Topic          Topic
	OrganizationID string
	AgreementID    string
	Status         fulfillment.SubscriptionStatus
	RawStatus      string
	Metadata       map[string]string
}

// Key implements Event.
func (e SubscriptionEvent) Key() EventKey {
	return EventKey{Gateway: e.Gateway, EventID: e.GatewayEventID, Topic: e.Topic}
}

const (
	kindPayment      = "payment"
	kindSubscription = "subscription"
)

// storedEvent is the ledger metadata shape. It carries everything needed to
// rebuild the event for a replay without calling the gateway again.
type storedEvent struct {
	Kind           string              `json:"kind"`
	Topic          Topic               `json:"topic"`
	Status         string              `json:"status"`
	RawStatus      string              `json:"rawStatus,omitempty"`
	IntentID       string              `json:"intentId,omitempty"`
	TransactionID  string              `json:"transactionId,omitempty"`
	Amount         decimal.NullDecimal `json:"amount"`
	OrganizationID string              `json:"organizationId,omitempty"`
	AgreementID    string              `json:"agreementId,omitempty"`
	Metadata       map[string]string   `json:"metadata,omitempty"`
}

// EncodeEvent serialises ev for the ledger metadata column.
func EncodeEvent(ev Event) (json.RawMessage, error) {
	var s storedEvent
	switch e := ev.(type) {
	case PaymentEvent:
		s = storedEvent{
			Kind:          kindPayment,
			Topic:         e.Topic,
			Status:        string(e.Status),
			RawStatus:     e.RawStatus,
			IntentID:      e.GatewayPaymentIntentID,
			TransactionID: e.GatewayTransactionID,
			Amount:        e.Amount,
			Metadata:      e.Metadata,
		}
	case SubscriptionEvent:
		s = storedEvent{
			Kind:           kindSubscription,
			Topic:          e.Topic,
			Status:         string(e.Status),
			RawStatus:      e.RawStatus,
			OrganizationID: e.OrganizationID,
			AgreementID:    e.AgreementID,
			Metadata:       e.Metadata,
		}
	default:
		return nil, fmt.Errorf("webhook: cannot encode %T", ev)
	}
	return json.Marshal(s)
}

// DecodeEvent rebuilds the normalized event stored with a ledger record.
func DecodeEvent(rec ledger.Record) (Event, error) {
	var s storedEvent
	if err := json.Unmarshal(rec.Metadata, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}
	switch s.Kind {
	case kindPayment:
		status := payment.Status(s.Status)
		if !status.Valid() || s.IntentID == "" {
			return nil, fmt.Errorf("%w: payment event without intent or status", ErrCorruptMetadata)
		}
		return PaymentEvent{
			Gateway:                rec.Gateway,
			GatewayEventID:         rec.GatewayEventID,
			Topic:                  s.Topic,
			GatewayPaymentIntentID: s.IntentID,
			GatewayTransactionID:   s.TransactionID,
			Status:                 status,
			RawStatus:              s.RawStatus,
			Amount:                 s.Amount,
			Metadata:               s.Metadata,
		}, nil
	case kindSubscription:
		if s.OrganizationID == "" || s.Status == "" {
			return nil, fmt.Errorf("%w: subscription event without organization or status", ErrCorruptMetadata)
		}
		return SubscriptionEvent{
			Gateway:        rec.Gateway,
			GatewayEventID: rec.GatewayEventID,
			Topic:          s.Topic,
			OrganizationID: s.OrganizationID,
			AgreementID:    s.AgreementID,
			Status:         fulfillment.SubscriptionStatus(s.Status),
			RawStatus:      s.RawStatus,
			Metadata:       s.Metadata,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrCorruptMetadata, s.Kind)
	}
}
