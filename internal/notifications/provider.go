// Package notifications delivers meeting notices over pluggable channels.
package notifications

import (
	"context"
)

// Channel defines the interface for notification channels.
type Channel interface {
	// Name returns the channel name (e.g., "smtp", "ntfy").
	Name() string

	// Enabled returns whether the channel is configured and enabled.
	Enabled() bool

	// Send delivers msg. Channels decide for themselves whether that means
	// one delivery per recipient or a single push.
	Send(ctx context.Context, msg *Message) error
}
