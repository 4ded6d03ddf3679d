package webhook

import (
	"fmt"
	"strings"

	"github.com/noah-isme/optik-reconciler/internal/fulfillment"
	"github.com/noah-isme/optik-reconciler/internal/payment"
)

var mercadoPagoPaymentStatuses = map[string]payment.Status{
	"approved":     payment.StatusSucceeded,
	"authorized":   payment.StatusSucceeded,
	"rejected":     payment.StatusFailed,
	"pending":      payment.StatusPending,
	"in_process":   payment.StatusPending,
	"in_mediation": payment.StatusPending,
	"refunded":     payment.StatusRefunded,
	"charged_back": payment.StatusRefunded,
	"cancelled":    payment.StatusCancelled,
}

var mercadoPagoPreapprovalStatuses = map[string]fulfillment.SubscriptionStatus{
	"authorized": fulfillment.SubscriptionActive,
	"cancelled":  fulfillment.SubscriptionCancelled,
	"paused":     fulfillment.SubscriptionPastDue,
	"pending":    fulfillment.SubscriptionPending,
}

var xenditStatuses = map[string]payment.Status{
	"paid":      payment.StatusSucceeded,
	"settled":   payment.StatusSucceeded,
	"succeeded": payment.StatusSucceeded,
	"pending":   payment.StatusPending,
	"expired":   payment.StatusCancelled,
	"failed":    payment.StatusFailed,
	"refunded":  payment.StatusRefunded,
}

// MapPaymentStatus translates a MercadoPago payment status.
func MapPaymentStatus(raw string) (payment.Status, error) {
	return lookupStatus(mercadoPagoPaymentStatuses, raw)
}

// MapSubscriptionStatus translates a MercadoPago pre-approval status.
func MapSubscriptionStatus(raw string) (fulfillment.SubscriptionStatus, error) {
	return lookupStatus(mercadoPagoPreapprovalStatuses, raw)
}

func mapXenditStatus(raw string) (payment.Status, error) {
	return lookupStatus(xenditStatuses, raw)
}

func lookupStatus[S ~string](table map[string]S, raw string) (S, error) {
	if s, ok := table[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return s, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnmappedStatus, raw)
}
