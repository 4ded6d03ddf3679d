package events

import (
	"context"

	"github.com/rs/zerolog"
)

// LogNotifier logs each event at info level.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, ev Event) error {
	n.Logger.Info().Ctx(ctx).
		Str("event_id", ev.ID.String()).
		Str("topic", ev.Topic).
		Str("aggregate_id", ev.AggregateID).
		Msg("domain_event")
	return nil
}
