package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/marcus/taskmirror/internal/adapter"
	"github.com/marcus/taskmirror/internal/model"
	"github.com/marcus/taskmirror/internal/queue"
	"github.com/marcus/taskmirror/internal/store"
)

// Producer turns external observations into canonical diffs and enqueues
// them. Both directions share it: webhooks and backfill feed upstream
// events, the poller feeds downstream events. Producers only read the
// store; all writes happen in the consumer.
type Producer struct {
	store *store.Store
	queue *queue.Queue
	newID func() string

	// minted remembers ids handed out for upstream ids whose first diff is
	// still in flight, so a burst of events for a new issue maps to one
	// canonical id. Entries drop once the store row exists or the issue
	// goes terminal; a retired id is never reused.
	mu     sync.Mutex
	minted map[string]string
}

// NewProducer wires a producer onto the shared store and queue.
func NewProducer(st *store.Store, q *queue.Queue) *Producer {
	return &Producer{
		store:  st,
		queue:  q,
		newID:  uuid.NewString,
		minted: make(map[string]string),
	}
}

// Handle converts one event into at most one enqueued diff. Events that
// change nothing, terminal notices for issues with neither a stored row nor
// a pending id, and downstream events for tasks the store does not know
// enqueue nothing. A snapshot of an unknown upstream issue mints an id.
func (p *Producer) Handle(ctx context.Context, ev adapter.Event) error {
	switch ev.Source {
	case model.SourceUpstream:
		return p.handleUpstream(ctx, ev)
	case model.SourceDownstream:
		return p.handleDownstream(ctx, ev)
	default:
		return fmt.Errorf("event with unknown source %q", ev.Source)
	}
}

func (p *Producer) handleUpstream(ctx context.Context, ev adapter.Event) error {
	existing, err := p.store.GetByUpstreamID(ev.UpstreamID)
	if err != nil {
		return err
	}

	if ev.Terminal {
		id := ""
		if existing != nil {
			id = existing.ID
		} else {
			id = p.takeMinted(ev.UpstreamID)
		}
		if id == "" {
			slog.Debug("terminal event for unknown issue, nothing to do", "upstream_id", ev.UpstreamID)
			return nil
		}
		d := model.Diff{
			TaskID:          id,
			Status:          model.SetField(model.StatusTerminal),
			Source:          model.SourceUpstream,
			SourceTimestamp: ev.Timestamp,
		}
		return p.queue.Put(ctx, queue.Item{TaskID: id, Diff: d})
	}

	if ev.Snapshot == nil {
		return fmt.Errorf("upstream event for %s has no snapshot", ev.UpstreamID)
	}

	// An issue first seen already carrying the completion label was mirrored
	// and archived in a previous life; backfill must not resurrect it.
	if existing == nil && ev.Snapshot.Status == model.StatusArchivedInDownstream {
		slog.Debug("skipping already-archived issue", "upstream_id", ev.UpstreamID)
		return nil
	}

	var before model.Task
	var id string
	if existing != nil {
		before = *existing
		id = existing.ID
		p.takeMinted(ev.UpstreamID)
	} else {
		id = p.mintID(ev.UpstreamID)
	}

	after := *ev.Snapshot
	after.ID = id
	after.UpstreamID = ev.UpstreamID
	after.SourceName = ev.SourceName
	if after.SourceName == "" {
		after.SourceName = before.SourceName
	}
	// Fields the producer does not own carry over so they never diff.
	after.DownstreamID = before.DownstreamID
	after.Version = before.Version
	after.LastSeenSource = before.LastSeenSource

	d := model.DiffTasks(before, after, model.SourceUpstream, ev.Timestamp)
	if d.IsEmpty() {
		return nil
	}
	d.TaskID = id
	return p.queue.Put(ctx, queue.Item{TaskID: id, Diff: d})
}

// mintID returns the pending id for an upstream id, allocating on first
// sight.
func (p *Producer) mintID(upstreamID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.minted[upstreamID]; ok {
		return id
	}
	id := p.newID()
	p.minted[upstreamID] = id
	return id
}

// takeMinted removes and returns the pending id for an upstream id.
func (p *Producer) takeMinted(upstreamID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.minted[upstreamID]
	delete(p.minted, upstreamID)
	return id
}

func (p *Producer) handleDownstream(ctx context.Context, ev adapter.Event) error {
	if !ev.Archived {
		return nil
	}
	existing, err := p.store.GetByDownstreamID(ev.DownstreamID)
	if err != nil {
		return err
	}
	if existing == nil {
		slog.Debug("completed task has no canonical row", "downstream_id", ev.DownstreamID)
		return nil
	}
	if existing.Status == model.StatusArchivedInDownstream {
		return nil
	}

	d := model.Diff{
		TaskID:          existing.ID,
		Status:          model.SetField(model.StatusArchivedInDownstream),
		Source:          model.SourceDownstream,
		SourceTimestamp: ev.Timestamp,
	}
	return p.queue.Put(ctx, queue.Item{TaskID: existing.ID, Diff: d})
}
