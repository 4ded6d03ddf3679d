package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by GetByID when no payment exists.
var ErrNotFound = errors.New("payment: not found")

// PGStore reads and updates payment rows with pgx.
type PGStore struct {
	Pool *pgxpool.Pool
}

const paymentColumns = `id::text, organization_id, order_id, purpose, gateway, gateway_payment_intent_id,
gateway_transaction_id, status, amount::text, currency, metadata, created_at, updated_at`

// FindByGatewayIntentID returns the payment for a gateway intent. When several
// payments share the intent the open one wins, then the most recent.
func (s PGStore) FindByGatewayIntentID(ctx context.Context, gateway, intentID string) (Payment, bool, error) {
	q := `SELECT ` + paymentColumns + `
FROM payments
WHERE gateway = $1 AND gateway_payment_intent_id = $2
ORDER BY (status IN ('pending','processing')) DESC, created_at DESC
LIMIT 1`
	p, err := scanPayment(s.Pool.QueryRow(ctx, q, gateway, intentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, false, nil
	}
	if err != nil {
		return Payment{}, false, fmt.Errorf("find payment by intent: %w", err)
	}
	return p, true, nil
}

// GetByID loads a payment by primary key.
func (s PGStore) GetByID(ctx context.Context, id string) (Payment, error) {
	q := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	p, err := scanPayment(s.Pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

// CompareAndSetStatus writes u.To only while the row still holds u.From.
// ok is false when another writer got there first.
func (s PGStore) CompareAndSetStatus(ctx context.Context, u StatusUpdate) (Payment, bool, error) {
	meta, err := json.Marshal(nonNilMetadata(u.Metadata))
	if err != nil {
		return Payment{}, false, fmt.Errorf("encode metadata: %w", err)
	}
	q := `UPDATE payments
SET status = $3,
    gateway_transaction_id = COALESCE(NULLIF($4, ''), gateway_transaction_id),
    metadata = metadata || $5::jsonb,
    updated_at = now()
WHERE id = $1 AND status = $2
RETURNING ` + paymentColumns
	p, err := scanPayment(s.Pool.QueryRow(ctx, q, u.PaymentID, string(u.From), string(u.To), u.GatewayTransactionID, meta))
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, false, nil
	}
	if err != nil {
		return Payment{}, false, fmt.Errorf("compare and set status: %w", err)
	}
	return p, true, nil
}

func scanPayment(row pgx.Row) (Payment, error) {
	var (
		p       Payment
		orderID pgtype.Text
		txID    pgtype.Text
		purpose string
		status  string
		amount  string
		meta    []byte
	)
	err := row.Scan(&p.ID, &p.OrganizationID, &orderID, &purpose, &p.Gateway, &p.GatewayPaymentIntentID,
		&txID, &status, &amount, &p.Currency, &meta, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Payment{}, err
	}
	p.OrderID = orderID.String
	p.GatewayTransactionID = txID.String
	p.Purpose = Purpose(purpose)
	p.Status = Status(status)
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return Payment{}, fmt.Errorf("decode amount: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &p.Metadata); err != nil {
			// metadata written by checkout may hold non-string values
			p.Metadata = nil
		}
	}
	return p, nil
}

func nonNilMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
