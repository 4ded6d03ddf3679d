// Package replay runs operator-requested replays of unfinished ledger records
// and the periodic sweep that surfaces them.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// TypeReplay re-runs one claimed but unprocessed webhook event.
	TypeReplay = "webhook:replay"
	// TypeSweep counts stale ledger records.
	TypeSweep = "ledger:sweep_stale"
)

// ErrAlreadyQueued is returned when a replay for the same event is pending.
var ErrAlreadyQueued = errors.New("replay: already queued")

// Payload identifies the ledger record to replay.
type Payload struct {
	Gateway     string `json:"gateway"`
	EventID     string `json:"eventId"`
	RequestedBy string `json:"requestedBy,omitempty"`
}

func (p Payload) validate() error {
	if strings.TrimSpace(p.Gateway) == "" || strings.TrimSpace(p.EventID) == "" {
		return errors.New("replay: gateway and event id required")
	}
	return nil
}

func (p Payload) lockKey() string {
	return "replay:" + p.Gateway + ":" + p.EventID
}

// NewReplayTask encodes p as an asynq task.
func NewReplayTask(p Payload) (*asynq.Task, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeReplay, raw), nil
}

// NewSweepTask returns the periodic sweep task.
func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TypeSweep, nil)
}

// Enqueuer hands replays to the worker.
type Enqueuer struct {
	Client *asynq.Client
	Queue  string
	// Unique suppresses a second request for the same event while one is pending.
	Unique time.Duration
}

// Enqueue schedules a replay and returns the task id.
func (e Enqueuer) Enqueue(ctx context.Context, p Payload) (string, error) {
	if e.Client == nil {
		return "", errors.New("replay: task client not configured")
	}
	task, err := NewReplayTask(p)
	if err != nil {
		return "", err
	}
	unique := e.Unique
	if unique <= 0 {
		unique = 5 * time.Minute
	}
	opts := []asynq.Option{
		asynq.Unique(unique),
		asynq.MaxRetry(3),
		asynq.Timeout(2 * time.Minute),
	}
	if e.Queue != "" {
		opts = append(opts, asynq.Queue(e.Queue))
	}
	info, err := e.Client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return "", fmt.Errorf("%w: %s/%s", ErrAlreadyQueued, p.Gateway, p.EventID)
	}
	if err != nil {
		return "", fmt.Errorf("replay: enqueue: %w", err)
	}
	return info.ID, nil
}

// RegisterSweep schedules the sweep on cronspec, e.g. "@every 5m".
func RegisterSweep(s *asynq.Scheduler, cronspec, queue string) (string, error) {
	opts := []asynq.Option{asynq.MaxRetry(0)}
	if queue != "" {
		opts = append(opts, asynq.Queue(queue))
	}
	id, err := s.Register(cronspec, NewSweepTask(), opts...)
	if err != nil {
		return "", fmt.Errorf("replay: register sweep %q: %w", cronspec, err)
	}
	return id, nil
}
