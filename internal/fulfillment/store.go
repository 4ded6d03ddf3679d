package fulfillment

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore applies fulfillment updates with conditional SQL so repeats change nothing.
type PGStore struct {
	Pool *pgxpool.Pool
}

// MarkOrderPaid settles an order that is awaiting payment or had a failed attempt.
func (s PGStore) MarkOrderPaid(ctx context.Context, orderID, paymentID string) (bool, error) {
	return s.exec(ctx, "mark order paid", `UPDATE orders
SET status = 'paid', paid_payment_id = $2, updated_at = now()
WHERE id = $1 AND status IN ('pending_payment', 'payment_failed')`, orderID, paymentID)
}

// MarkOrderPaymentFailed flags an order whose payment attempt failed.
func (s PGStore) MarkOrderPaymentFailed(ctx context.Context, orderID, _ string) (bool, error) {
	return s.exec(ctx, "mark order payment failed", `UPDATE orders
SET status = 'payment_failed', updated_at = now()
WHERE id = $1 AND status = 'pending_payment'`, orderID)
}

// MarkOrderRefunded flags a paid order as refunded when the refunded payment is the one that paid it.
func (s PGStore) MarkOrderRefunded(ctx context.Context, orderID, paymentID string) (bool, error) {
	return s.exec(ctx, "mark order refunded", `UPDATE orders
SET status = 'refunded', updated_at = now()
WHERE id = $1 AND status = 'paid' AND (paid_payment_id IS NULL OR paid_payment_id = $2)`, orderID, paymentID)
}

// ActivateSubscription upserts the organization subscription as active.
func (s PGStore) ActivateSubscription(ctx context.Context, a Activation) (bool, error) {
	return s.exec(ctx, "activate subscription", `INSERT INTO organization_subscriptions
    (organization_id, status, last_payment_id, last_transaction_id, activated_at, updated_at)
VALUES ($1, 'active', $2, NULLIF($3, ''), now(), now())
ON CONFLICT (organization_id) DO UPDATE
SET status = 'active',
    last_payment_id = EXCLUDED.last_payment_id,
    last_transaction_id = COALESCE(EXCLUDED.last_transaction_id, organization_subscriptions.last_transaction_id),
    activated_at = COALESCE(organization_subscriptions.activated_at, now()),
    updated_at = now()
WHERE organization_subscriptions.status <> 'active'
   OR organization_subscriptions.last_payment_id IS DISTINCT FROM EXCLUDED.last_payment_id`,
		a.OrganizationID, a.PaymentID, a.GatewayTransactionID)
}

// SetSubscriptionStatus upserts the subscription state driven by the pre-approval.
func (s PGStore) SetSubscriptionStatus(ctx context.Context, orgID string, status SubscriptionStatus, agreementID string) (bool, error) {
	return s.exec(ctx, "set subscription status", `INSERT INTO organization_subscriptions
    (organization_id, status, agreement_id, activated_at, updated_at)
VALUES ($1, $2, NULLIF($3, ''), CASE WHEN $2 = 'active' THEN now() END, now())
ON CONFLICT (organization_id) DO UPDATE
SET status = EXCLUDED.status,
    agreement_id = COALESCE(EXCLUDED.agreement_id, organization_subscriptions.agreement_id),
    activated_at = CASE WHEN EXCLUDED.status = 'active'
        THEN COALESCE(organization_subscriptions.activated_at, now())
        ELSE organization_subscriptions.activated_at END,
    updated_at = now()
WHERE organization_subscriptions.status IS DISTINCT FROM EXCLUDED.status
   OR organization_subscriptions.agreement_id IS DISTINCT FROM COALESCE(EXCLUDED.agreement_id, organization_subscriptions.agreement_id)`,
		orgID, string(status), agreementID)
}

func (s PGStore) exec(ctx context.Context, op, sql string, args ...any) (bool, error) {
	tag, err := s.Pool.Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected() > 0, nil
}
