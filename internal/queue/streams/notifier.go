package streams

import (
	"context"
	"fmt"
)

// Notifier publishes pipeline lifecycle events over the configured streams.
// It satisfies the orchestrator's notifier dependency.
type Notifier struct {
	pub    *Publisher
	maxLen int64
}

// NewNotifier wraps a publisher. maxLen caps stream length approximately;
// zero disables trimming.
func NewNotifier(pub *Publisher, maxLen int64) (*Notifier, error) {
	if pub == nil {
		return nil, fmt.Errorf("publisher required")
	}
	return &Notifier{pub: pub, maxLen: maxLen}, nil
}

// NotifyEnqueued signals that jobs for a media item became claimable.
func (n *Notifier) NotifyEnqueued(ctx context.Context, mediaID string, capabilities []string) error {
	_, err := n.pub.PublishRaw(ctx, StreamMediaJobs, EventMediaEnqueued, "v1",
		MediaEnqueuedPayload{MediaID: mediaID, Capabilities: capabilities},
		WithMaxLenApprox(n.maxLen))
	return err
}

// NotifySettled signals a terminal media status transition.
func (n *Notifier) NotifySettled(ctx context.Context, mediaID, status, reason string) error {
	_, err := n.pub.PublishRaw(ctx, StreamMediaLifecycle, EventMediaSettled, "v1",
		MediaSettledPayload{MediaID: mediaID, Status: status, Reason: reason},
		WithMaxLenApprox(n.maxLen))
	return err
}
