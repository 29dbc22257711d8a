package notify

import (
	"context"

	"settlement-engine/internal/core/domain"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LogSink writes events to the log. Used when no broker is configured.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Notify(_ context.Context, userID uuid.UUID, event domain.SettlementEvent) error {
	s.log.Info().
		Str("user_id", userID.String()).
		Str("event_id", event.EventID.String()).
		Str("settlement_id", event.SettlementID.String()).
		Str("from", string(event.FromState)).
		Str("to", string(event.ToState)).
		Msg("settlement event")
	return nil
}
