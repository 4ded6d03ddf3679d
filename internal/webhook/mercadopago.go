package webhook

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/optik-reconciler/internal/common"
	"github.com/noah-isme/optik-reconciler/internal/gateway"
	"github.com/noah-isme/optik-reconciler/internal/payment"
)

// MercadoPagoAPI is the read-only gateway surface the normalizer needs.
type MercadoPagoAPI interface {
	GetPayment(ctx context.Context, id string) (gateway.PaymentDetail, error)
	GetMerchantOrder(ctx context.Context, id string) (gateway.MerchantOrder, error)
	GetPreapproval(ctx context.Context, id string) (gateway.Preapproval, error)
}

// Normalizer turns a verified notification into a canonical event.
type Normalizer interface {
	Normalize(ctx context.Context, n Notification) (Event, error)
}

// MercadoPagoNormalizer handles payment, merchant_order and subscription topics.
type MercadoPagoNormalizer struct {
	API MercadoPagoAPI
}

// Normalize implements Normalizer.
func (m MercadoPagoNormalizer) Normalize(ctx context.Context, n Notification) (Event, error) {
	switch n.Topic {
	case TopicPayment:
		return m.payment(ctx, n)
	case TopicMerchantOrder:
		return m.merchantOrder(ctx, n)
	case TopicSubscription:
		return m.subscription(ctx, n)
	default:
		return nil, fmt.Errorf("%w: %q", ErrIgnoredTopic, n.RawTopic)
	}
}

// payment always asks the gateway for status and preference. x-signature
// covers the resource id only, so body fields are never trusted.
func (m MercadoPagoNormalizer) payment(ctx context.Context, n Notification) (Event, error) {
	detail, err := m.API.GetPayment(ctx, n.ResourceID)
	if err != nil {
		return nil, fmt.Errorf("%w: payment %s: %v", ErrNormalizationFailed, n.ResourceID, err)
	}
	rawStatus := detail.Status
	intentID := detail.IntentID()
	status, err := MapPaymentStatus(rawStatus)
	if err != nil {
		return nil, err
	}
	return PaymentEvent{
		Gateway:                n.Gateway,
		GatewayEventID:         eventID(n, string(status)),
		Topic:                  TopicPayment,
		GatewayPaymentIntentID: intentID,
		GatewayTransactionID:   n.ResourceID,
		Status:                 status,
		RawStatus:              rawStatus,
		Amount:                 decimal.NewNullDecimal(detail.TransactionAmount),
		Metadata: map[string]string{
			"gateway_status":  rawStatus,
			"gateway_payment": n.ResourceID,
		},
	}, nil
}

// merchantOrder emits succeeded once any contained payment is approved and
// pending otherwise. The fingerprint makes each approved set a distinct event.
func (m MercadoPagoNormalizer) merchantOrder(ctx context.Context, n Notification) (Event, error) {
	order, err := m.API.GetMerchantOrder(ctx, n.ResourceID)
	if err != nil {
		return nil, fmt.Errorf("%w: merchant order %s: %v", ErrNormalizationFailed, n.ResourceID, err)
	}
	var approved []string
	for _, p := range order.Payments {
		if strings.EqualFold(p.Status, "approved") {
			approved = append(approved, p.ID.String())
		}
	}
	sort.Strings(approved)

	ev := PaymentEvent{
		Gateway:                n.Gateway,
		Topic:                  TopicMerchantOrder,
		GatewayPaymentIntentID: order.PreferenceID,
		Status:                 payment.StatusPending,
		RawStatus:              order.OrderStatus,
		Amount:                 decimal.NewNullDecimal(order.TotalAmount),
		Metadata: map[string]string{
			"merchant_order": order.ID.String(),
			"order_status":   order.OrderStatus,
		},
	}
	fingerprint := "pending"
	if len(approved) > 0 {
		ev.Status = payment.StatusSucceeded
		ev.GatewayTransactionID = approved[0]
		fingerprint = "succeeded-" + common.Fingerprint(approved...)
	}
	ev.GatewayEventID = eventID(n, fingerprint)
	return ev, nil
}

func (m MercadoPagoNormalizer) subscription(ctx context.Context, n Notification) (Event, error) {
	pre, err := m.API.GetPreapproval(ctx, n.ResourceID)
	if err != nil {
		return nil, fmt.Errorf("%w: preapproval %s: %v", ErrNormalizationFailed, n.ResourceID, err)
	}
	orgID := strings.TrimSpace(pre.ExternalReference)
	if orgID == "" {
		return nil, fmt.Errorf("%w: preapproval %s", ErrMissingExternalReference, pre.ID)
	}
	status, err := MapSubscriptionStatus(pre.Status)
	if err != nil {
		return nil, err
	}
	return SubscriptionEvent{
		Gateway:        n.Gateway,
		GatewayEventID: eventID(n, string(status)),
		Topic:          TopicSubscription,
		OrganizationID: orgID,
		AgreementID:    pre.ID,
		Status:         status,
		RawStatus:      pre.Status,
		Metadata: map[string]string{
			"gateway_status": pre.Status,
		},
	}, nil
}

// eventID prefers the gateway's notification id. Thin notifications without one
// are keyed by resource and observed state, so a later state of the same
// resource is a new logical event while redeliveries of the same state dedupe.
func eventID(n Notification, fingerprint string) string {
	if n.NotificationID != "" {
		return n.NotificationID
	}
	return fmt.Sprintf("%s:%s:%s", n.Topic, n.ResourceID, fingerprint)
}
