// Package admin exposes operator endpoints over the webhook ledger.
package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/optik-reconciler/internal/common"
	"github.com/noah-isme/optik-reconciler/internal/ledger"
	"github.com/noah-isme/optik-reconciler/internal/replay"
)

// Ledger is the read side of the idempotency ledger.
type Ledger interface {
	Get(ctx context.Context, gateway, eventID string) (ledger.Record, error)
	ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]ledger.Record, error)
}

// Enqueuer schedules replays.
type Enqueuer interface {
	Enqueue(ctx context.Context, p replay.Payload) (string, error)
}

// Handler serves /admin/webhook-events.
type Handler struct {
	Ledger     Ledger
	Replays    Enqueuer
	StaleAfter time.Duration
	PageSize   int
}

// Routes mounts the handlers on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/webhook-events/stale", h.Stale)
	r.Get("/webhook-events/{gateway}/{eventID}", h.Show)
	r.Post("/webhook-events/{gateway}/{eventID}/replay", h.Replay)
}

// Stale lists claimed records still unprocessed after the grace period.
// Optional query parameters: olderThan (Go duration) and limit.
func (h *Handler) Stale(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Ledger == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "ledger unavailable", nil)
		return
	}
	olderThan := h.StaleAfter
	if raw := strings.TrimSpace(r.URL.Query().Get("olderThan")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "olderThan must be a duration such as 15m", nil)
			return
		}
		olderThan = d
	}
	limit := h.pageSize()
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be a positive integer", nil)
			return
		}
		if n < limit {
			limit = n
		}
	}

	records, err := h.Ledger.ListStale(r.Context(), olderThan, limit)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("admin_list_stale_failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to list stale events", nil)
		return
	}
	if records == nil {
		records = []ledger.Record{}
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"data":      records,
		"olderThan": olderThan.String(),
		"count":     len(records),
	})
}

// Show returns one ledger record.
func (h *Handler) Show(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Ledger == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "ledger unavailable", nil)
		return
	}
	rec, ok := h.load(w, r)
	if !ok {
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": rec})
}

// Replay enqueues a replay of an unprocessed record and answers 202.
func (h *Handler) Replay(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Ledger == nil || h.Replays == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "replay unavailable", nil)
		return
	}
	rec, ok := h.load(w, r)
	if !ok {
		return
	}
	if rec.Processed() {
		common.JSONError(w, http.StatusConflict, "ALREADY_PROCESSED", "event already processed", nil)
		return
	}
	operator, _ := common.Subject(r.Context())
	taskID, err := h.Replays.Enqueue(r.Context(), replay.Payload{
		Gateway:     rec.Gateway,
		EventID:     rec.GatewayEventID,
		RequestedBy: operator,
	})
	if errors.Is(err, replay.ErrAlreadyQueued) {
		common.JSONError(w, http.StatusConflict, "ALREADY_QUEUED", "replay already queued", nil)
		return
	}
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("event_id", rec.GatewayEventID).Msg("admin_replay_enqueue_failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to enqueue replay", nil)
		return
	}
	zerolog.Ctx(r.Context()).Info().
		Str("gateway", rec.Gateway).
		Str("event_id", rec.GatewayEventID).
		Str("task_id", taskID).
		Msg("admin_replay_enqueued")
	common.JSON(w, http.StatusAccepted, map[string]string{"taskId": taskID, "status": "queued"})
}

func (h *Handler) load(w http.ResponseWriter, r *http.Request) (ledger.Record, bool) {
	gateway := strings.TrimSpace(chi.URLParam(r, "gateway"))
	eventID := strings.TrimSpace(chi.URLParam(r, "eventID"))
	if gateway == "" || eventID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "gateway and event id are required", nil)
		return ledger.Record{}, false
	}
	rec, err := h.Ledger.Get(r.Context(), gateway, eventID)
	if errors.Is(err, ledger.ErrNotFound) {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "webhook event not found", nil)
		return ledger.Record{}, false
	}
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("admin_ledger_get_failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to load webhook event", nil)
		return ledger.Record{}, false
	}
	return rec, true
}

func (h *Handler) pageSize() int {
	if h.PageSize <= 0 {
		return 100
	}
	return h.PageSize
}
