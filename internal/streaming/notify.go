package streaming

import (
	"context"
	"time"
)

// Notification is a user-facing message about a stream.
type Notification struct {
	StreamID    StreamID  `json:"stream_id"`
	DisplayName string    `json:"display_name"`
	Reason      string    `json:"reason"`
	Message     string    `json:"message"`
	Status      Status    `json:"status"`
	At          time.Time `json:"at"`
}

// Notifier receives notifications. Delivery failures are logged by the
// caller and never change stream state.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}
