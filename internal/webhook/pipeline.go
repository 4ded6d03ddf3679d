package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/noah-isme/optik-reconciler/internal/fulfillment"
	"github.com/noah-isme/optik-reconciler/internal/ledger"
	"github.com/noah-isme/optik-reconciler/internal/payment"
)

// Outcome classifies how a notification was handled.
type Outcome string

const (
	OutcomeProcessed         Outcome = "processed"
	OutcomeNoop              Outcome = "noop"
	OutcomeDuplicate         Outcome = "duplicate"
	OutcomePaymentNotFound   Outcome = "payment_not_found"
	OutcomeDeferred          Outcome = "deferred"
	OutcomeIgnored           Outcome = "ignored"
	OutcomeMissingIdentifier Outcome = "missing_identifier"
	OutcomeRejected          Outcome = "transition_rejected"
	OutcomeFulfillmentFailed Outcome = "fulfillment_failed"
	OutcomeSignatureInvalid  Outcome = "signature_invalid"
	OutcomeUnknownGateway    Outcome = "unknown_gateway"
	OutcomeInternal          Outcome = "internal_error"
)

// Result is what one pass through the pipeline produced.
type Result struct {
	Outcome   Outcome
	Gateway   string
	Topic     Topic
	EventID   string
	PaymentID string
	Decision  payment.Decision
	// Retryable is set when the claim was released so a gateway redelivery
	// can run the event again.
	Retryable bool
	Err       error

	committed bool
}

// HTTPStatus maps the outcome to the response returned to the gateway. Only
// authentication failures and faults worth a redelivery are non-2xx.
func (r Result) HTTPStatus() int {
	switch r.Outcome {
	case OutcomeSignatureInvalid:
		return http.StatusUnauthorized
	case OutcomeUnknownGateway:
		return http.StatusNotFound
	case OutcomeInternal:
		return http.StatusInternalServerError
	case OutcomeFulfillmentFailed:
		if r.Retryable {
			return http.StatusInternalServerError
		}
		return http.StatusOK
	default:
		return http.StatusOK
	}
}

// Adapter bundles the gateway-specific pieces.
type Adapter struct {
	Verifier   Verifier
	Normalizer Normalizer
}

// Ledger is the idempotency store the pipeline claims events in.
type Ledger interface {
	Claim(ctx context.Context, c ledger.Claim) (bool, error)
	MarkProcessed(ctx context.Context, gateway, eventID string) error
	Release(ctx context.Context, gateway, eventID string) error
	RecordFailure(ctx context.Context, gateway, eventID, reason string) error
}

// PaymentResolver maps a gateway intent to the internal payment.
type PaymentResolver interface {
	FindByGatewayIntentID(ctx context.Context, gateway, intentID string) (payment.Payment, bool, error)
}

// Transitioner advances a payment through its state machine.
type Transitioner interface {
	Transition(ctx context.Context, p payment.Payment, target payment.Status, txID string, metadata map[string]string) (payment.Decision, payment.Payment, error)
}

// Fulfiller performs business side effects after a state change.
type Fulfiller interface {
	OnPaymentSucceeded(ctx context.Context, p payment.Payment) error
	OnOrganizationPaymentSucceeded(ctx context.Context, orgID string, p payment.Payment, intentID, txID string) error
	OnPaymentFailed(ctx context.Context, p payment.Payment) error
	OnPaymentRefunded(ctx context.Context, p payment.Payment) error
	ApplySubscriptionStatus(ctx context.Context, orgID string, status fulfillment.SubscriptionStatus, agreementID string) error
}

// Pipeline runs Validate, Normalize, Claim, Resolve, Transition, Dispatch and
// MarkProcessed for one notification.
type Pipeline struct {
	Adapters  map[string]Adapter
	Ledger    Ledger
	Payments  PaymentResolver
	Machine   Transitioner
	Fulfiller Fulfiller
	Logger    zerolog.Logger
}

// Process handles a freshly received notification.
func (p *Pipeline) Process(ctx context.Context, n Notification) Result {
	res := p.process(ctx, n)
	p.logOutcome(ctx, res, n.ResourceID)
	return res
}

func (p *Pipeline) process(ctx context.Context, n Notification) Result {
	res := Result{Gateway: n.Gateway, Topic: n.Topic}
	adapter, ok := p.Adapters[n.Gateway]
	if !ok {
		res.Outcome = OutcomeUnknownGateway
		return res
	}

	if v := adapter.Verifier.Verify(n); !v.Valid {
		res.Outcome = OutcomeSignatureInvalid
		res.Err = v.Err
		return res
	} else if v.Skipped {
		p.log(ctx).Warn().Str("gateway", n.Gateway).Msg("webhook_signature_unchecked")
	}

	if n.ResourceID == "" {
		res.Outcome = OutcomeMissingIdentifier
		res.Err = ErrMissingIdentifier
		return res
	}

	ev, err := adapter.Normalizer.Normalize(ctx, n)
	if err != nil {
		res.Err = err
		res.Outcome = OutcomeDeferred
		if errors.Is(err, ErrIgnoredTopic) {
			res.Outcome = OutcomeIgnored
		}
		return res
	}
	key := ev.Key()
	res.EventID = key.EventID
	res.Topic = key.Topic

	meta, err := EncodeEvent(ev)
	if err != nil {
		res.Outcome = OutcomeInternal
		res.Err = err
		return res
	}
	already, err := p.Ledger.Claim(ctx, ledger.Claim{
		Gateway:        key.Gateway,
		GatewayEventID: key.EventID,
		Type:           string(key.Topic),
		Metadata:       meta,
	})
	if err != nil {
		res.Outcome = OutcomeInternal
		res.Err = err
		return res
	}
	if already {
		res.Outcome = OutcomeDuplicate
		return res
	}
	return p.settle(ctx, ev, res, false)
}

// Replay re-runs a claimed but unprocessed ledger record. Dispatch is forced
// when the payment already sits in the target state, relying on the
// fulfiller's idempotency to finish whatever a previous attempt left undone.
func (p *Pipeline) Replay(ctx context.Context, rec ledger.Record) Result {
	res := p.replay(ctx, rec)
	p.logOutcome(ctx, res, "")
	return res
}

func (p *Pipeline) replay(ctx context.Context, rec ledger.Record) Result {
	res := Result{Gateway: rec.Gateway, Topic: Topic(rec.Type), EventID: rec.GatewayEventID}
	if rec.Processed() {
		res.Outcome = OutcomeDuplicate
		return res
	}
	ev, err := DecodeEvent(rec)
	if err != nil {
		res.Outcome = OutcomeInternal
		res.Err = err
		p.recordFailure(ctx, res)
		return res
	}
	return p.settle(ctx, ev, res, true)
}

// settle runs the effectful stages and then resolves the claim: released when
// nothing was committed and the gateway may retry, annotated when processing
// stopped after a commit, stamped processed otherwise.
func (p *Pipeline) settle(ctx context.Context, ev Event, res Result, replay bool) Result {
	switch e := ev.(type) {
	case PaymentEvent:
		res = p.reconcilePayment(ctx, e, res, replay)
	case SubscriptionEvent:
		res = p.reconcileSubscription(ctx, e, res)
	default:
		res.Outcome = OutcomeInternal
		res.Err = fmt.Errorf("webhook: unsupported event %T", ev)
	}

	failed := res.Outcome == OutcomeInternal || res.Outcome == OutcomeFulfillmentFailed
	switch {
	case failed && !res.committed && !replay:
		if err := p.Ledger.Release(ctx, res.Gateway, res.EventID); err != nil {
			p.log(ctx).Error().Err(err).Str("event_id", res.EventID).Msg("webhook_claim_release_failed")
			p.recordFailure(ctx, res)
		} else {
			res.Retryable = true
		}
	case failed:
		p.recordFailure(ctx, res)
	default:
		if err := p.Ledger.MarkProcessed(ctx, res.Gateway, res.EventID); err != nil {
			res.Outcome = OutcomeInternal
			res.Err = fmt.Errorf("webhook: mark processed: %w", err)
		}
	}
	return res
}

func (p *Pipeline) reconcilePayment(ctx context.Context, ev PaymentEvent, res Result, replay bool) Result {
	log := p.log(ctx).With().
		Str("gateway", ev.Gateway).
		Str("event_id", ev.GatewayEventID).
		Str("intent_id", ev.GatewayPaymentIntentID).
		Logger()

	pay, found, err := p.Payments.FindByGatewayIntentID(ctx, ev.Gateway, ev.GatewayPaymentIntentID)
	if err != nil {
		res.Outcome = OutcomeInternal
		res.Err = fmt.Errorf("webhook: resolve payment: %w", err)
		return res
	}
	if !found {
		log.Warn().Msg("webhook_payment_not_found")
		res.Outcome = OutcomePaymentNotFound
		return res
	}
	res.PaymentID = pay.ID

	decision, updated, err := p.Machine.Transition(ctx, pay, ev.Status, ev.GatewayTransactionID, ev.Metadata)
	res.Decision = decision
	if err != nil {
		res.Outcome = OutcomeInternal
		res.Err = err
		return res
	}
	if decision.Verdict == payment.Rejected {
		log.Error().
			Str("payment_id", pay.ID).
			Str("from", string(decision.From)).
			Str("to", string(decision.To)).
			Str("reason", decision.Reason).
			Msg("payment_integrity_anomaly")
		res.Outcome = OutcomeRejected
		return res
	}
	forced := replay && !decision.Changed && updated.Status == ev.Status
	if !decision.Changed && !forced {
		res.Outcome = OutcomeNoop
		return res
	}
	res.committed = decision.Changed

	if err := p.dispatch(ctx, updated, ev); err != nil {
		log.Error().Err(err).Str("payment_id", updated.ID).Str("status", string(updated.Status)).Msg("webhook_fulfillment_failed")
		res.Outcome = OutcomeFulfillmentFailed
		res.Err = err
		// the status write is durable; only a replay may finish the side effects
		res.committed = true
		return res
	}
	res.Outcome = OutcomeProcessed
	return res
}

func (p *Pipeline) dispatch(ctx context.Context, pay payment.Payment, ev PaymentEvent) error {
	switch pay.Status {
	case payment.StatusSucceeded:
		var errs error
		if pay.HasOrder() {
			errs = errors.Join(errs, p.Fulfiller.OnPaymentSucceeded(ctx, pay))
		}
		if pay.Purpose == payment.PurposeSubscription {
			errs = errors.Join(errs, p.Fulfiller.OnOrganizationPaymentSucceeded(ctx, pay.OrganizationID, pay, ev.GatewayPaymentIntentID, ev.GatewayTransactionID))
		}
		return errs
	case payment.StatusFailed, payment.StatusCancelled:
		return p.Fulfiller.OnPaymentFailed(ctx, pay)
	case payment.StatusRefunded:
		return p.Fulfiller.OnPaymentRefunded(ctx, pay)
	default:
		return nil
	}
}

func (p *Pipeline) reconcileSubscription(ctx context.Context, ev SubscriptionEvent, res Result) Result {
	if err := p.Fulfiller.ApplySubscriptionStatus(ctx, ev.OrganizationID, ev.Status, ev.AgreementID); err != nil {
		p.log(ctx).Error().Err(err).
			Str("organization_id", ev.OrganizationID).
			Str("status", string(ev.Status)).
			Msg("webhook_fulfillment_failed")
		res.Outcome = OutcomeFulfillmentFailed
		res.Err = err
		return res
	}
	res.Outcome = OutcomeProcessed
	return res
}

func (p *Pipeline) recordFailure(ctx context.Context, res Result) {
	reason := string(res.Outcome)
	if res.Err != nil {
		reason = res.Err.Error()
	}
	if err := p.Ledger.RecordFailure(ctx, res.Gateway, res.EventID, reason); err != nil {
		p.log(ctx).Error().Err(err).Str("event_id", res.EventID).Msg("webhook_record_failure_failed")
	}
}

// logOutcome reports results the stages did not already log. Outcomes that
// reject the request or ask for a redelivery log at error level.
func (p *Pipeline) logOutcome(ctx context.Context, res Result, resourceID string) {
	var ev *zerolog.Event
	switch res.Outcome {
	case OutcomeProcessed, OutcomeNoop, OutcomeDuplicate, OutcomePaymentNotFound, OutcomeRejected, OutcomeFulfillmentFailed:
		return
	case OutcomeIgnored:
		ev = p.log(ctx).Info()
	default:
		if status := res.HTTPStatus(); status == http.StatusUnauthorized || status >= http.StatusInternalServerError {
			ev = p.log(ctx).Error()
		} else {
			ev = p.log(ctx).Warn()
		}
	}
	ev.Err(res.Err).
		Str("outcome", string(res.Outcome)).
		Str("gateway", res.Gateway).
		Str("topic", string(res.Topic)).
		Str("resource_id", resourceID).
		Str("event_id", res.EventID).
		Msg("webhook_not_processed")
}

func (p *Pipeline) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &p.Logger
}
