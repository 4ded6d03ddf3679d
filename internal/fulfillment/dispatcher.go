// Package fulfillment performs the business side effects of a payment
// outcome: settling orders and activating organization subscriptions.
package fulfillment

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/noah-isme/optik-reconciler/internal/events"
	"github.com/noah-isme/optik-reconciler/internal/obs"
	"github.com/noah-isme/optik-reconciler/internal/payment"
)

// SubscriptionStatus is the organization subscription state set by pre-approval notifications.
type SubscriptionStatus string

const (
	SubscriptionPending   SubscriptionStatus = "pending"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// Activation carries what is recorded when a subscription payment succeeds.
type Activation struct {
	OrganizationID       string
	PaymentID            string
	GatewayIntentID      string
	GatewayTransactionID string
}

// Store performs guarded updates; each returns false when the row was
// already in the requested state or not eligible.
type Store interface {
	MarkOrderPaid(ctx context.Context, orderID, paymentID string) (bool, error)
	MarkOrderPaymentFailed(ctx context.Context, orderID, paymentID string) (bool, error)
	MarkOrderRefunded(ctx context.Context, orderID, paymentID string) (bool, error)
	ActivateSubscription(ctx context.Context, a Activation) (bool, error)
	SetSubscriptionStatus(ctx context.Context, orgID string, status SubscriptionStatus, agreementID string) (bool, error)
}

// Emitter publishes domain events.
type Emitter interface {
	Emit(ctx context.Context, topic, aggregateID string, payload any) (events.Event, error)
}

// Dispatcher triggers fulfillment exactly once per state change. Re-invoking
// any method with the same input is a no-op.
type Dispatcher struct {
	Store  Store
	Events Emitter
	Logger zerolog.Logger
}

// OnPaymentSucceeded marks the payment's order paid.
func (d Dispatcher) OnPaymentSucceeded(ctx context.Context, p payment.Payment) error {
	if !p.HasOrder() {
		return nil
	}
	changed, err := d.Store.MarkOrderPaid(ctx, p.OrderID, p.ID)
	if err != nil {
		obs.CountFulfillment("order_paid", "error")
		return fmt.Errorf("fulfillment: mark order %s paid: %w", p.OrderID, err)
	}
	d.after(ctx, "order_paid", changed, events.TopicOrderPaid, p.OrderID, map[string]any{
		"orderId":        p.OrderID,
		"paymentId":      p.ID,
		"organizationId": p.OrganizationID,
		"amount":         p.Amount.String(),
		"currency":       p.Currency,
	})
	return nil
}

// OnOrganizationPaymentSucceeded activates the organization's subscription.
func (d Dispatcher) OnOrganizationPaymentSucceeded(ctx context.Context, orgID string, p payment.Payment, intentID, txID string) error {
	if orgID == "" {
		return fmt.Errorf("fulfillment: payment %s has no organization", p.ID)
	}
	changed, err := d.Store.ActivateSubscription(ctx, Activation{
		OrganizationID:       orgID,
		PaymentID:            p.ID,
		GatewayIntentID:      intentID,
		GatewayTransactionID: txID,
	})
	if err != nil {
		obs.CountFulfillment("subscription_activated", "error")
		return fmt.Errorf("fulfillment: activate subscription for %s: %w", orgID, err)
	}
	d.after(ctx, "subscription_activated", changed, events.TopicSubscriptionActivated, orgID, map[string]any{
		"organizationId": orgID,
		"paymentId":      p.ID,
		"intentId":       intentID,
		"transactionId":  txID,
	})
	return nil
}

// OnPaymentFailed moves an order still awaiting payment to payment_failed.
func (d Dispatcher) OnPaymentFailed(ctx context.Context, p payment.Payment) error {
	if !p.HasOrder() {
		return nil
	}
	changed, err := d.Store.MarkOrderPaymentFailed(ctx, p.OrderID, p.ID)
	if err != nil {
		obs.CountFulfillment("order_payment_failed", "error")
		return fmt.Errorf("fulfillment: mark order %s payment failed: %w", p.OrderID, err)
	}
	d.after(ctx, "order_payment_failed", changed, events.TopicPaymentFailed, p.ID, map[string]any{
		"orderId":   p.OrderID,
		"paymentId": p.ID,
		"status":    string(p.Status),
	})
	return nil
}

// OnPaymentRefunded marks a paid order refunded.
func (d Dispatcher) OnPaymentRefunded(ctx context.Context, p payment.Payment) error {
	if !p.HasOrder() {
		return nil
	}
	changed, err := d.Store.MarkOrderRefunded(ctx, p.OrderID, p.ID)
	if err != nil {
		obs.CountFulfillment("order_refunded", "error")
		return fmt.Errorf("fulfillment: mark order %s refunded: %w", p.OrderID, err)
	}
	d.after(ctx, "order_refunded", changed, events.TopicOrderRefunded, p.OrderID, map[string]any{
		"orderId":   p.OrderID,
		"paymentId": p.ID,
	})
	return nil
}

// ApplySubscriptionStatus records a pre-approval state change.
func (d Dispatcher) ApplySubscriptionStatus(ctx context.Context, orgID string, status SubscriptionStatus, agreementID string) error {
	if orgID == "" {
		return fmt.Errorf("fulfillment: organization id is required")
	}
	changed, err := d.Store.SetSubscriptionStatus(ctx, orgID, status, agreementID)
	if err != nil {
		obs.CountFulfillment("subscription_status", "error")
		return fmt.Errorf("fulfillment: set subscription %s for %s: %w", status, orgID, err)
	}
	d.after(ctx, "subscription_status", changed, events.TopicSubscriptionStatusChanged, orgID, map[string]any{
		"organizationId": orgID,
		"status":         string(status),
		"agreementId":    agreementID,
	})
	return nil
}

// after records metrics and emits the domain event once the store reported a change.
// Emit failures are logged; the state change itself is already durable.
func (d Dispatcher) after(ctx context.Context, action string, changed bool, topic, aggregateID string, payload map[string]any) {
	if !changed {
		obs.CountFulfillment(action, "noop")
		d.Logger.Debug().Str("action", action).Str("aggregate_id", aggregateID).Msg("fulfillment_noop")
		return
	}
	obs.CountFulfillment(action, "applied")
	d.Logger.Info().Str("action", action).Str("aggregate_id", aggregateID).Msg("fulfillment_applied")
	if d.Events == nil {
		return
	}
	if _, err := d.Events.Emit(ctx, topic, aggregateID, payload); err != nil {
		d.Logger.Error().Err(err).Str("topic", topic).Str("aggregate_id", aggregateID).Msg("domain_event_emit_failed")
	}
}
