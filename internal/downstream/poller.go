package downstream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcus/taskmirror/internal/adapter"
	"github.com/marcus/taskmirror/internal/model"
)

// Poller observes the downstream system for user completions. It is the
// downstream half of the producer pair: every tick it emits one archive
// event per completed mirrored task, including ones already reported.
type Poller struct {
	client *Client
	now    func() time.Time
}

// NewPoller creates a poller over the client.
func NewPoller(client *Client) *Poller {
	return &Poller{client: client, now: time.Now}
}

// Poll lists completed mirrored tasks and returns one event each. The
// producer drops events for tasks whose canonical row is already archived,
// so re-observing the same completion across ticks is harmless.
func (p *Poller) Poll(ctx context.Context) ([]adapter.Event, error) {
	tasks, err := p.client.CompletedTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("poll completed tasks: %w", err)
	}

	now := p.now().UTC()
	events := make([]adapter.Event, 0, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			continue
		}
		ts := now
		if t.UpdatedAt != nil {
			ts = t.UpdatedAt.UTC()
		}
		events = append(events, adapter.Event{
			Source:       model.SourceDownstream,
			Timestamp:    ts,
			DownstreamID: t.ID,
			Archived:     true,
		})
	}
	if len(events) > 0 {
		slog.Debug("poll found completed tasks", "count", len(events))
	}
	return events, nil
}
