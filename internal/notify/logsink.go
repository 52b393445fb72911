package notify

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LogEvents writes every bus event to logger until ctx is cancelled.
func LogEvents(ctx context.Context, bus *Bus, logger zerolog.Logger) {
	id := "log-sink-" + uuid.NewString()
	events := bus.Subscribe(id)
	defer bus.Release(id, events)

	logger = logger.With().Str("component", "event_log").Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			logger.Info().
				Str("event", string(evt.Type)).
				Str("incident_id", evt.Incident.ID).
				Str("metric", evt.Incident.MetricName).
				Str("severity", string(evt.Incident.Severity)).
				Str("status", string(evt.Incident.Status)).
				Msg("incident event")
		}
	}
}
