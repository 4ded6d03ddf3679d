package app

import (
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/optik-reconciler/internal/config"
	"github.com/noah-isme/optik-reconciler/internal/events"
	"github.com/noah-isme/optik-reconciler/internal/fulfillment"
	"github.com/noah-isme/optik-reconciler/internal/gateway"
	"github.com/noah-isme/optik-reconciler/internal/ledger"
	"github.com/noah-isme/optik-reconciler/internal/lock"
	"github.com/noah-isme/optik-reconciler/internal/payment"
	"github.com/noah-isme/optik-reconciler/internal/replay"
	"github.com/noah-isme/optik-reconciler/internal/resilience"
	"github.com/noah-isme/optik-reconciler/internal/webhook"
)

// XenditSignatureHeader carries the Xendit callback HMAC.
const XenditSignatureHeader = "x-callback-signature"

// PaymentStore resolves payments and persists their transitions.
type PaymentStore interface {
	webhook.PaymentResolver
	payment.StatusWriter
}

// Services is the reconciliation graph shared by every binary.
type Services struct {
	Ledger   ledger.PGLedger
	Pipeline *webhook.Pipeline
	Tasks    *asynq.Client
	Replays  replay.Enqueuer
	Worker   replay.Worker
}

// NewServices builds the domain services on top of in.
func NewServices(in *Infra) *Services {
	cfg := in.Config
	led := ledger.PGLedger{Pool: in.Pool}
	bus := &events.Bus{
		Store:     events.PGStore{Pool: in.Pool},
		Notifiers: []events.Notifier{events.LogNotifier{Logger: in.Logger}},
	}
	dispatcher := fulfillment.Dispatcher{
		Store:  fulfillment.PGStore{Pool: in.Pool},
		Events: bus,
		Logger: in.Logger,
	}
	breakers := &resilience.Breakers{
		MinRequests:  cfg.BreakerMinRequests,
		FailureRatio: cfg.BreakerFailureRatio,
		OpenFor:      cfg.BreakerOpenFor,
		Logger:       in.Logger,
	}
	mp := gateway.NewMercadoPago(gateway.MercadoPagoConfig{
		BaseURL:     cfg.MercadoPago.BaseURL,
		AccessToken: cfg.MercadoPago.AccessToken,
		Timeout:     cfg.GatewayTimeout,
		Breaker:     breakers.For(webhook.GatewayMercadoPago),
	})
	pipeline := NewPipeline(cfg, in.Logger, led, payment.PGStore{Pool: in.Pool}, dispatcher, mp)

	tasks := asynq.NewClientFromRedisClient(in.Redis)
	return &Services{
		Ledger:   led,
		Pipeline: pipeline,
		Tasks:    tasks,
		Replays: replay.Enqueuer{
			Client: tasks,
			Queue:  cfg.ReplayQueue,
			Unique: cfg.ReplayLockTTL,
		},
		Worker: replay.Worker{
			Ledger:     led,
			Pipeline:   pipeline,
			Locker:     lock.New(in.Redis, 0),
			LockTTL:    cfg.ReplayLockTTL,
			StaleAfter: cfg.LedgerStaleAfter,
			Logger:     in.Logger.With().Str("component", "replay").Logger(),
		},
	}
}

// NewPipeline assembles the per-gateway adapters around the shared stores.
func NewPipeline(cfg *config.Config, logger zerolog.Logger, led webhook.Ledger, payments PaymentStore, fulfiller webhook.Fulfiller, api webhook.MercadoPagoAPI) *webhook.Pipeline {
	return &webhook.Pipeline{
		Adapters: map[string]webhook.Adapter{
			webhook.GatewayMercadoPago: {
				Verifier: webhook.SignatureValidator{
					Secret:    cfg.MercadoPago.WebhookSecret,
					Tolerance: cfg.SignatureTolerance,
				},
				Normalizer: webhook.MercadoPagoNormalizer{API: api},
			},
			webhook.GatewayXendit: {
				Verifier: webhook.BodySignatureValidator{
					Secret: cfg.Xendit.CallbackSecret,
					Header: XenditSignatureHeader,
				},
				Normalizer: webhook.XenditNormalizer{},
			},
		},
		Ledger:    led,
		Payments:  payments,
		Machine:   payment.Machine{Store: payments, Logger: logger},
		Fulfiller: fulfiller,
		Logger:    logger,
	}
}
