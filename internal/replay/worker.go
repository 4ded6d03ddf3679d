package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/optik-reconciler/internal/ledger"
	"github.com/noah-isme/optik-reconciler/internal/lock"
	"github.com/noah-isme/optik-reconciler/internal/obs"
	"github.com/noah-isme/optik-reconciler/internal/webhook"
)

// Ledger is the subset of the ledger the worker reads.
type Ledger interface {
	Get(ctx context.Context, gateway, eventID string) (ledger.Record, error)
	BeginAttempt(ctx context.Context, gateway, eventID string) error
	ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]ledger.Record, error)
}

// Replayer finishes a ledger record.
type Replayer interface {
	Replay(ctx context.Context, rec ledger.Record) webhook.Result
}

// Locker serialises work on one key across processes.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Worker executes replay and sweep tasks.
type Worker struct {
	Ledger     Ledger
	Pipeline   Replayer
	Locker     Locker
	LockTTL    time.Duration
	StaleAfter time.Duration
	SweepLimit int
	Logger     zerolog.Logger
}

// ErrNotReplayable is returned for records that are missing or already done.
var ErrNotReplayable = errors.New("replay: record not replayable")

// Run replays one record under a distributed lock so concurrent requests for
// the same event cannot interleave.
func (w Worker) Run(ctx context.Context, p Payload) (webhook.Result, error) {
	if err := p.validate(); err != nil {
		return webhook.Result{}, err
	}
	log := w.Logger.With().
		Str("gateway", p.Gateway).
		Str("event_id", p.EventID).
		Str("requested_by", p.RequestedBy).
		Logger()

	var res webhook.Result
	err := w.Locker.WithLock(ctx, p.lockKey(), w.lockTTL(), func(ctx context.Context) error {
		rec, err := w.Ledger.Get(ctx, p.Gateway, p.EventID)
		if errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("%w: %s/%s not found", ErrNotReplayable, p.Gateway, p.EventID)
		}
		if err != nil {
			return err
		}
		if rec.Processed() {
			res = webhook.Result{Outcome: webhook.OutcomeDuplicate, Gateway: rec.Gateway, EventID: rec.GatewayEventID}
			return nil
		}
		if err := w.Ledger.BeginAttempt(ctx, p.Gateway, p.EventID); err != nil {
			return err
		}
		res = w.Pipeline.Replay(log.WithContext(ctx), rec)
		return nil
	})
	if err != nil {
		obs.CountReplay("error")
		log.Error().Err(err).Msg("webhook_replay_failed")
		return res, err
	}
	obs.CountReplay(string(res.Outcome))

	ev := log.Info()
	if res.Err != nil {
		ev = log.Error().Err(res.Err)
	}
	ev.Str("outcome", string(res.Outcome)).Str("payment_id", res.PaymentID).Msg("webhook_replayed")
	return res, nil
}

// HandleReplay is the asynq handler for TypeReplay. Outcomes other than lock
// contention are final; an operator decides whether to try again.
func (w Worker) HandleReplay(ctx context.Context, t *asynq.Task) error {
	var p Payload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("replay: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	res, err := w.Run(ctx, p)
	switch {
	case errors.Is(err, lock.ErrNotObtained):
		return err
	case err != nil:
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	case res.Outcome == webhook.OutcomeInternal || res.Outcome == webhook.OutcomeFulfillmentFailed:
		return fmt.Errorf("replay %s/%s: %s: %w", p.Gateway, p.EventID, res.Outcome, asynq.SkipRetry)
	}
	return nil
}

// Sweep counts stale records per gateway, exports them as a gauge and logs
// each one. It never replays.
func (w Worker) Sweep(ctx context.Context) (map[string]int, error) {
	limit := w.SweepLimit
	if limit <= 0 {
		limit = 500
	}
	stale, err := w.Ledger.ListStale(ctx, w.staleAfter(), limit)
	if err != nil {
		return nil, fmt.Errorf("replay: list stale: %w", err)
	}
	counts := map[string]int{
		webhook.GatewayMercadoPago: 0,
		webhook.GatewayXendit:      0,
	}
	for _, rec := range stale {
		counts[rec.Gateway]++
		w.Logger.Warn().
			Str("gateway", rec.Gateway).
			Str("event_id", rec.GatewayEventID).
			Time("received_at", rec.ReceivedAt).
			Int("attempts", rec.Attempts).
			Str("last_error", rec.LastError).
			Msg("ledger_stale_event")
	}
	if obs.LedgerStaleEvents != nil {
		for gw, n := range counts {
			obs.LedgerStaleEvents.WithLabelValues(gw).Set(float64(n))
		}
	}
	return counts, nil
}

// HandleSweep is the asynq handler for TypeSweep.
func (w Worker) HandleSweep(ctx context.Context, _ *asynq.Task) error {
	_, err := w.Sweep(ctx)
	return err
}

// Mux routes task types to the worker.
func (w Worker) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeReplay, w.HandleReplay)
	mux.HandleFunc(TypeSweep, w.HandleSweep)
	return mux
}

func (w Worker) lockTTL() time.Duration {
	if w.LockTTL <= 0 {
		return 30 * time.Second
	}
	return w.LockTTL
}

func (w Worker) staleAfter() time.Duration {
	if w.StaleAfter <= 0 {
		return 15 * time.Minute
	}
	return w.StaleAfter
}
