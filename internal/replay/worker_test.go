package replay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/optik-reconciler/internal/ledger"
	"github.com/noah-isme/optik-reconciler/internal/lock"
	"github.com/noah-isme/optik-reconciler/internal/obs"
	"github.com/noah-isme/optik-reconciler/internal/webhook"
)

type stubReplayer struct {
	mu      sync.Mutex
	calls   int
	outcome webhook.Outcome
	ledger  *ledger.Memory
}

func (s *stubReplayer) Replay(ctx context.Context, rec ledger.Record) webhook.Result {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.outcome == webhook.OutcomeProcessed {
		_ = s.ledger.MarkProcessed(ctx, rec.Gateway, rec.GatewayEventID)
	}
	return webhook.Result{Outcome: s.outcome, Gateway: rec.Gateway, EventID: rec.GatewayEventID}
}

func newWorker(t *testing.T) (Worker, *ledger.Memory, *stubReplayer, redis.UniversalClient) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mem := ledger.NewMemory()
	rep := &stubReplayer{outcome: webhook.OutcomeProcessed, ledger: mem}
	w := Worker{
		Ledger:     mem,
		Pipeline:   rep,
		Locker:     lock.New(client, 10*time.Millisecond),
		LockTTL:    time.Second,
		StaleAfter: time.Minute,
		Logger:     zerolog.Nop(),
	}
	return w, mem, rep, client
}

func claim(t *testing.T, mem *ledger.Memory, gateway, eventID string) {
	t.Helper()
	_, err := mem.Claim(context.Background(), ledger.Claim{Gateway: gateway, GatewayEventID: eventID, Type: "payment", Metadata: json.RawMessage(`{}`)})
	require.NoError(t, err)
}

func TestRunReplaysUnprocessedRecord(t *testing.T) {
	w, mem, rep, _ := newWorker(t)
	claim(t, mem, webhook.GatewayMercadoPago, "n-1")

	res, err := w.Run(context.Background(), Payload{Gateway: webhook.GatewayMercadoPago, EventID: "n-1", RequestedBy: "alice"})
	require.NoError(t, err)
	require.Equal(t, webhook.OutcomeProcessed, res.Outcome)

	rec, err := mem.Get(context.Background(), webhook.GatewayMercadoPago, "n-1")
	require.NoError(t, err)
	require.True(t, rec.Processed())
	require.Equal(t, 2, rec.Attempts)

	res, err = w.Run(context.Background(), Payload{Gateway: webhook.GatewayMercadoPago, EventID: "n-1"})
	require.NoError(t, err)
	require.Equal(t, webhook.OutcomeDuplicate, res.Outcome)
	require.Equal(t, 1, rep.calls)
}

func TestRunUnknownRecord(t *testing.T) {
	w, _, _, _ := newWorker(t)
	_, err := w.Run(context.Background(), Payload{Gateway: "xendit", EventID: "missing"})
	require.ErrorIs(t, err, ErrNotReplayable)

	_, err = w.Run(context.Background(), Payload{})
	require.Error(t, err)
}

func TestConcurrentReplaysAreSerialised(t *testing.T) {
	w, mem, rep, _ := newWorker(t)
	claim(t, mem, webhook.GatewayXendit, "inv-1:succeeded")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = w.Run(context.Background(), Payload{Gateway: webhook.GatewayXendit, EventID: "inv-1:succeeded"})
		}()
	}
	wg.Wait()
	require.Equal(t, 1, rep.calls)
}

func TestHandleReplaySkipsRetryOnFailure(t *testing.T) {
	w, mem, rep, _ := newWorker(t)
	rep.outcome = webhook.OutcomeFulfillmentFailed
	claim(t, mem, webhook.GatewayMercadoPago, "n-2")

	task, err := NewReplayTask(Payload{Gateway: webhook.GatewayMercadoPago, EventID: "n-2"})
	require.NoError(t, err)
	err = w.Mux().ProcessTask(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = w.HandleReplay(context.Background(), asynq.NewTask(TypeReplay, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestSweepExportsGauge(t *testing.T) {
	obs.MustRegisterDomainMetrics("replay_test", prometheus.NewRegistry())
	w, mem, _, _ := newWorker(t)

	past := time.Now().Add(-time.Hour)
	mem.SetClock(func() time.Time { return past })
	claim(t, mem, webhook.GatewayMercadoPago, "old-1")
	claim(t, mem, webhook.GatewayMercadoPago, "old-2")
	claim(t, mem, webhook.GatewayXendit, "old-3")
	require.NoError(t, mem.MarkProcessed(context.Background(), webhook.GatewayXendit, "old-3"))
	mem.SetClock(time.Now)
	claim(t, mem, webhook.GatewayMercadoPago, "fresh")

	require.NoError(t, w.HandleSweep(context.Background(), NewSweepTask()))
	require.Equal(t, 2.0, testutil.ToFloat64(obs.LedgerStaleEvents.WithLabelValues(webhook.GatewayMercadoPago)))
	require.Equal(t, 0.0, testutil.ToFloat64(obs.LedgerStaleEvents.WithLabelValues(webhook.GatewayXendit)))
}

func TestEnqueueDeduplicates(t *testing.T) {
	_, _, _, client := newWorker(t)
	tasks := asynq.NewClientFromRedisClient(client)

	e := Enqueuer{Client: tasks, Queue: "replay", Unique: time.Minute}
	id, err := e.Enqueue(context.Background(), Payload{Gateway: webhook.GatewayMercadoPago, EventID: "n-9"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = e.Enqueue(context.Background(), Payload{Gateway: webhook.GatewayMercadoPago, EventID: "n-9"})
	require.True(t, errors.Is(err, ErrAlreadyQueued), "got %v", err)

	_, err = e.Enqueue(context.Background(), Payload{Gateway: webhook.GatewayMercadoPago})
	require.Error(t, err)
}
