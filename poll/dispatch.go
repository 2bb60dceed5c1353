package poll

import (
	"context"
	"log/slog"

	"bililive-notifier/message"
	"bililive-notifier/pkg/notifier"
)

// Gateway is the messaging send contract the dispatcher fans out over.
type Gateway interface {
	SendGroupMessage(ctx context.Context, groupID int64, text string) error
	SendPrivateMessage(ctx context.Context, userID int64, text string) error
}

// Dispatcher fans a notification out to its delivery targets. Targets are
// isolated from each other: every one is attempted even when an earlier one
// failed.
type Dispatcher struct {
	gateway Gateway
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher over the given gateway.
func NewDispatcher(gateway Gateway, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{gateway: gateway, logger: logger}
}

// Deliver attempts every target and reports whether at least one succeeded.
// Callers decide how to interpret partial failure.
func (d *Dispatcher) Deliver(ctx context.Context, n *notifier.Notification) bool {
	delivered := false

	for _, groupID := range n.Groups {
		text := n.Text
		if n.AtAll {
			text = message.AtAll + "\n" + text
		}
		if err := d.gateway.SendGroupMessage(ctx, groupID, text); err != nil {
			d.logger.Warn("Group delivery failed", "group_id", groupID, "kind", n.Kind, "error", err)
			continue
		}
		delivered = true
	}

	for _, userID := range n.Private {
		if err := d.gateway.SendPrivateMessage(ctx, userID, n.Text); err != nil {
			d.logger.Warn("Private delivery failed", "user_id", userID, "kind", n.Kind, "error", err)
			continue
		}
		delivered = true
	}

	return delivered
}
