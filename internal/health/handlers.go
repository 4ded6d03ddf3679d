// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/optik-reconciler/internal/common"
)

var draining atomic.Bool

// SetReady flips readiness. The API clears it when shutdown starts so the
// load balancer stops routing gateway callbacks before connections close.
func SetReady(v bool) { draining.Store(!v) }

// Probe checks one dependency within Timeout.
type Probe struct {
	Name    string
	Timeout time.Duration
	Check   func(ctx context.Context) error
}

// Checker lists the probes readiness runs.
type Checker interface {
	Probes() []Probe
}

// Dependencies probes the ledger database and Redis.
type Dependencies struct {
	DB    *pgxpool.Pool
	Redis redis.UniversalClient
}

// Probes implements Checker.
func (d Dependencies) Probes() []Probe {
	return []Probe{
		{Name: "db", Timeout: 500 * time.Millisecond, Check: d.DB.Ping},
		{Name: "redis", Timeout: 300 * time.Millisecond, Check: func(ctx context.Context) error {
			return d.Redis.Ping(ctx).Err()
		}},
	}
}

// Handler exposes the probe endpoints.
type Handler struct {
	Checker Checker
}

// Live answers as long as the process serves HTTP.
func (Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Ready runs every probe concurrently and answers 503 if any fails.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if draining.Load() {
		common.JSON(w, http.StatusServiceUnavailable, readiness{Status: "shutting_down"})
		return
	}
	if h.Checker == nil {
		common.JSON(w, http.StatusServiceUnavailable, readiness{Status: "unavailable"})
		return
	}

	probes := h.Checker.Probes()
	errs := make([]error, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		i, p := i, p
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), p.Timeout)
			defer cancel()
			errs[i] = p.Check(ctx)
		}()
	}
	wg.Wait()

	out := readiness{Status: "ready", Checks: make(map[string]string, len(probes))}
	code := http.StatusOK
	for i, p := range probes {
		if errs[i] == nil {
			out.Checks[p.Name] = "ok"
			continue
		}
		zerolog.Ctx(r.Context()).Warn().Err(errs[i]).Str("dependency", p.Name).Msg("readiness_probe_failed")
		out.Checks[p.Name] = errs[i].Error()
		out.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	common.JSON(w, code, out)
}
