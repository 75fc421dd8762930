package logging

import (
	"context"
	"log/slog"

	"crabstack.local/projects/crab-observer/internal/event"
)

type Subscriber struct {
	logger *slog.Logger
	level  slog.Level
}

func New(logger *slog.Logger) *Subscriber {
	return &Subscriber{logger: logger, level: slog.LevelDebug}
}

// WithLevel changes the level committed events are logged at.
func (s *Subscriber) WithLevel(level slog.Level) *Subscriber {
	s.level = level
	return s
}

func (s *Subscriber) Name() string {
	return "logging"
}

func (s *Subscriber) Handle(ctx context.Context, ev event.Event) error {
	s.logger.LogAttrs(ctx, s.level, "event committed",
		slog.String("event_id", ev.ID),
		slog.Int64("sequence", ev.Sequence),
		slog.String("platform", ev.Platform),
		slog.String("source_app", ev.SourceApp),
		slog.String("session_id", ev.SessionID),
		slog.String("event_type", ev.EventType),
		slog.String("severity", string(ev.Severity)),
	)
	return nil
}
