package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/noah-isme/optik-reconciler/internal/obs"
)

// Verdict is the outcome of evaluating a requested transition.
type Verdict string

const (
	// Applied means the target is accepted; Changed tells whether a write happens.
	Applied Verdict = "applied"
	// Rejected means the target contradicts the current state.
	Rejected Verdict = "rejected"
)

// Decision is the pure result of Decide.
type Decision struct {
	From    Status
	To      Status
	Verdict Verdict
	Changed bool
	Reason  string
}

// ErrConcurrentUpdate is returned when the payment kept changing under us.
var ErrConcurrentUpdate = errors.New("payment: concurrent update")

// ranks order statuses by how far along the lifecycle they are. Terminal
// outcomes share a rank; refunded sits past succeeded.
var ranks = map[Status]int{
	StatusPending:    0,
	StatusProcessing: 1,
	StatusSucceeded:  2,
	StatusFailed:     2,
	StatusCancelled:  2,
	StatusRefunded:   3,
}

// Decide evaluates moving a payment from current to target. Regressions and
// repeats are accepted as no-ops so out-of-order deliveries stay harmless;
// contradictions between terminal outcomes are rejected.
func Decide(current, target Status) Decision {
	d := Decision{From: current, To: target, Verdict: Applied}
	if !current.Valid() || !target.Valid() {
		d.Verdict = Rejected
		d.Reason = "unknown status"
		return d
	}
	if current == target {
		d.Reason = "already in target state"
		return d
	}

	switch {
	case target == StatusSucceeded && current.Terminal():
		d.Verdict = Rejected
		d.Reason = fmt.Sprintf("success reported for %s payment", current)
		return d
	case current == StatusSucceeded && (target == StatusFailed || target == StatusCancelled):
		d.Verdict = Rejected
		d.Reason = fmt.Sprintf("%s reported for succeeded payment", target)
		return d
	case target == StatusRefunded && current != StatusSucceeded:
		d.Verdict = Rejected
		d.Reason = fmt.Sprintf("refund reported for %s payment", current)
		return d
	}

	if ranks[target] <= ranks[current] {
		d.Reason = "target is behind current state"
		return d
	}
	d.Changed = true
	return d
}

// StatusUpdate describes a compare-and-swap write of a payment status.
type StatusUpdate struct {
	PaymentID            string
	From                 Status
	To                   Status
	GatewayTransactionID string
	Metadata             map[string]string
}

// StatusWriter persists status changes guarded by the expected current status.
type StatusWriter interface {
	GetByID(ctx context.Context, id string) (Payment, error)
	CompareAndSetStatus(ctx context.Context, u StatusUpdate) (Payment, bool, error)
}

// Machine applies Decide against the store.
type Machine struct {
	Store  StatusWriter
	Logger zerolog.Logger
}

const maxTransitionAttempts = 3

// Transition moves p towards target. On a lost compare-and-swap race the
// payment is reloaded and the decision re-evaluated against the fresh state.
func (m Machine) Transition(ctx context.Context, p Payment, target Status, txID string, metadata map[string]string) (Decision, Payment, error) {
	current := p
	for attempt := 1; attempt <= maxTransitionAttempts; attempt++ {
		d := Decide(current.Status, target)
		obs.CountTransition(string(d.From), string(d.To), transitionLabel(d))
		if d.Verdict == Rejected {
			m.Logger.Warn().
				Str("payment_id", current.ID).
				Str("from", string(d.From)).
				Str("to", string(d.To)).
				Str("reason", d.Reason).
				Msg("payment_transition_rejected")
			return d, current, nil
		}
		if !d.Changed {
			return d, current, nil
		}

		updated, ok, err := m.Store.CompareAndSetStatus(ctx, StatusUpdate{
			PaymentID:            current.ID,
			From:                 current.Status,
			To:                   target,
			GatewayTransactionID: txID,
			Metadata:             metadata,
		})
		if err != nil {
			return d, current, fmt.Errorf("payment: update status: %w", err)
		}
		if ok {
			m.Logger.Info().
				Str("payment_id", updated.ID).
				Str("from", string(d.From)).
				Str("to", string(d.To)).
				Msg("payment_transition_applied")
			return d, updated, nil
		}

		current, err = m.Store.GetByID(ctx, current.ID)
		if err != nil {
			return d, p, fmt.Errorf("payment: reload after lost update: %w", err)
		}
	}
	return Decision{From: current.Status, To: target, Verdict: Applied}, current, ErrConcurrentUpdate
}

func transitionLabel(d Decision) string {
	if d.Verdict == Rejected {
		return string(Rejected)
	}
	if d.Changed {
		return string(Applied)
	}
	return "noop"
}
