package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/optik-reconciler/internal/common"
	"github.com/noah-isme/optik-reconciler/internal/obs"
)

// Processor runs one notification through reconciliation.
type Processor interface {
	Process(ctx context.Context, n Notification) Result
}

// Handler receives gateway callbacks on /webhooks/{gateway}.
type Handler struct {
	Pipeline Processor
}

// Receive accepts GET and POST notifications. Everything except an invalid
// signature, an unknown gateway and internal faults is acknowledged with 200
// so gateways stop redelivering.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Pipeline == nil {
		common.JSONError(w, http.StatusInternalServerError, "WEBHOOK_NOT_CONFIGURED", "webhook handler unavailable", nil)
		return
	}
	started := time.Now()
	gatewayName := chi.URLParam(r, "gateway")

	ctx, span := otel.Tracer("webhook").Start(r.Context(), "webhook.receive")
	defer span.End()
	span.SetAttributes(attribute.String("webhook.gateway", gatewayName))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			common.JSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large", nil)
			return
		}
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "unable to read body", nil)
		return
	}

	n := ParseNotification(r, gatewayName, body)
	res := h.Pipeline.Process(ctx, n)

	span.SetAttributes(
		attribute.String("webhook.topic", string(res.Topic)),
		attribute.String("webhook.event_id", res.EventID),
		attribute.String("webhook.outcome", string(res.Outcome)),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
	}
	status := res.HTTPStatus()
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, string(res.Outcome))
	}

	obs.CountWebhook(metricGateway(res), metricTopic(res.Topic), string(res.Outcome))
	if obs.WebhookDuration != nil {
		obs.WebhookDuration.WithLabelValues(metricGateway(res)).Observe(obs.DurationMillis(time.Since(started)))
	}

	if appErr := resultError(res, status); appErr != nil {
		common.WriteError(w, appErr)
		return
	}
	common.Ack(w, status, string(res.Outcome))
}

// resultError maps non-acknowledged outcomes to the error body; nil means ack.
func resultError(res Result, status int) *common.AppError {
	switch {
	case res.Outcome == OutcomeSignatureInvalid:
		return common.NewAppError("SIGNATURE_INVALID", "invalid webhook signature", status, res.Err)
	case res.Outcome == OutcomeUnknownGateway:
		return common.NewAppError("UNKNOWN_GATEWAY", "unknown gateway", status, nil)
	case res.Outcome == OutcomeInternal:
		return common.NewAppError(common.CodeInternal, "webhook processing failed", status, res.Err)
	case status >= http.StatusInternalServerError:
		return common.NewAppError("FULFILLMENT_FAILED", "webhook processing failed", status, res.Err)
	default:
		return nil
	}
}

// metricGateway keeps unknown gateway names out of label cardinality.
func metricGateway(res Result) string {
	if res.Outcome == OutcomeUnknownGateway {
		return "unknown"
	}
	return res.Gateway
}

func metricTopic(t Topic) string {
	switch t {
	case TopicPayment, TopicMerchantOrder, TopicSubscription:
		return string(t)
	default:
		return "other"
	}
}
