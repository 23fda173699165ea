// Package notify delivers stream notifications to logs, Redis and websocket
// clients.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"paystream/internal/streaming"
)

// LogSink writes every notification to a structured logger.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink returns a LogSink that writes to log.
func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log}
}

// Notify implements streaming.Notifier.
func (s *LogSink) Notify(ctx context.Context, n streaming.Notification) error {
	s.log.LogAttrs(ctx, slog.LevelWarn, "stream notification",
		slog.String("stream_id", string(n.StreamID)),
		slog.String("display_name", n.DisplayName),
		slog.String("reason", n.Reason),
		slog.String("status", string(n.Status)),
		slog.String("message", n.Message),
	)
	return nil
}

// Fanout delivers to every sink and joins their errors. A failing sink does
// not stop delivery to the rest.
type Fanout []streaming.Notifier

// Notify implements streaming.Notifier.
func (f Fanout) Notify(ctx context.Context, n streaming.Notification) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
