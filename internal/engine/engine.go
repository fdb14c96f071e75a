// Package engine contains the producer that turns external events into
// canonical diffs and the single consumer that merges pending diffs and
// propagates them to the opposite system.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcus/taskmirror/internal/adapter"
	"github.com/marcus/taskmirror/internal/model"
	"github.com/marcus/taskmirror/internal/queue"
	"github.com/marcus/taskmirror/internal/store"
)

const (
	defaultMaxBatch = 32
	applyTimeout    = 30 * time.Second
)

// Engine is the consumer half: it drains the diff queue in batches,
// merges per entity, and runs the diff-the-projection propagation. It is
// the only writer to the state store.
type Engine struct {
	store      *store.Store
	queue      *queue.Queue
	downstream adapter.Downstream
	upstream   adapter.Upstream

	completedLabel string
	maxBatch       int

	// Auth failures are fatal for the owning adapter until restart.
	upstreamAuthBroken   bool
	downstreamAuthBroken bool

	// Rate-limit bookkeeping for the current Run: which entities were
	// requeued, and when each may be attempted again.
	requeued    map[string]bool
	nextAttempt map[string]time.Time
}

// New builds the engine over its collaborators. completedLabel is the
// label added upstream when a task is archived downstream.
func New(st *store.Store, q *queue.Queue, down adapter.Downstream, up adapter.Upstream, completedLabel string) *Engine {
	return &Engine{
		store:          st,
		queue:          q,
		downstream:     down,
		upstream:       up,
		completedLabel: completedLabel,
		maxBatch:       defaultMaxBatch,
	}
}

// Run consumes until the queue is closed and drained, or ctx is
// cancelled. Store failures abort: the previous canonical state is on
// disk, so a restart resumes safely.
func (e *Engine) Run(ctx context.Context) error {
	e.requeued = make(map[string]bool)
	e.nextAttempt = make(map[string]time.Time)
	for {
		first, ok := e.queue.Get(ctx)
		if !ok {
			if err := ctx.Err(); err != nil {
				return err
			}
			return nil
		}

		batch := []queue.Item{first}
		for len(batch) < e.maxBatch {
			it, ok := e.queue.TryGet()
			if !ok {
				break
			}
			batch = append(batch, it)
		}

		// Collapse the batch to one merged diff per entity; intermediate
		// states never reach the store or the wire.
		order := make([]string, 0, len(batch))
		merged := make(map[string]model.Diff, len(batch))
		for _, it := range batch {
			if d, seen := merged[it.TaskID]; seen {
				merged[it.TaskID] = model.Merge(d, it.Diff)
				continue
			}
			merged[it.TaskID] = it.Diff
			order = append(order, it.TaskID)
		}

		// During a drain, a batch made up entirely of rate-limited
		// requeues will never make progress: park it for the next
		// startup instead of spinning.
		if e.queue.Closed() {
			allRequeued := true
			for _, id := range order {
				if !e.requeued[id] {
					allRequeued = false
					break
				}
			}
			if allRequeued {
				for i := len(order) - 1; i >= 0; i-- {
					e.queue.PutFront(queue.Item{TaskID: order[i], Diff: merged[order[i]]})
				}
				slog.Warn("drain ended with rate-limited diffs pending", "count", len(order))
				return nil
			}
		}

		for _, id := range order {
			if err := e.propagate(ctx, id, merged[id]); err != nil {
				return err
			}
		}
	}
}

// propagate applies one merged diff: updates the canonical state, mirrors
// the change to the opposite system, and persists. Only store failures,
// and ctx cancellation while waiting out a Retry-After, are returned;
// remote failures are absorbed per the error policy.
func (e *Engine) propagate(ctx context.Context, id string, d model.Diff) error {
	if d.IsEmpty() {
		return nil
	}

	// Respect Retry-After for entities that were rate limited.
	if until := time.Until(e.nextAttempt[id]); until > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(until):
		}
	}

	before := model.Task{}
	if stored, err := e.store.Get(id); err != nil {
		return fmt.Errorf("load canonical state for %s: %w", id, err)
	} else if stored != nil {
		before = *stored
	}

	after := model.Apply(before, d)

	if after.Status == model.StatusTerminal {
		return e.retire(ctx, id, before, d)
	}

	callCtx, cancel := context.WithTimeout(ctx, applyTimeout)
	defer cancel()

	var remoteErr error
	switch d.Source {
	case model.SourceUpstream:
		after, remoteErr = e.propagateDownstream(callCtx, before, after)
	case model.SourceDownstream:
		remoteErr = e.propagateUpstream(callCtx, after)
	default:
		remoteErr = adapter.NewError(adapter.KindValidation, fmt.Errorf("diff with unknown source %q", d.Source))
	}
	if remoteErr != nil {
		return e.absorb(id, d, remoteErr)
	}

	if err := e.store.Put(after); err != nil {
		return fmt.Errorf("persist canonical state for %s: %w", id, err)
	}
	if err := e.store.ClearDeadLetter(id); err != nil {
		slog.Warn("clear dead letter", "id", id, "err", err)
	}
	slog.Debug("propagated", "id", id, "source", d.Source, "version", after.Version)
	return nil
}

// retire handles a terminal diff: delete the downstream mirror if one
// exists, then remove the canonical row. The id is never reused.
func (e *Engine) retire(ctx context.Context, id string, before model.Task, d model.Diff) error {
	if before.DownstreamID != "" {
		if e.downstreamAuthBroken {
			return e.absorb(id, d, adapter.NewError(adapter.KindAuth, errDownstreamAuthBroken))
		}
		callCtx, cancel := context.WithTimeout(ctx, applyTimeout)
		defer cancel()
		if err := e.downstream.Delete(callCtx, before.DownstreamID); err != nil {
			return e.absorb(id, d, err)
		}
	}
	if err := e.store.Delete(id); err != nil {
		return fmt.Errorf("retire canonical row %s: %w", id, err)
	}
	slog.Info("retired task", "id", id, "upstream_id", before.UpstreamID)
	return nil
}

var (
	errUpstreamAuthBroken   = errors.New("upstream auth failed earlier; failing fast until restart")
	errDownstreamAuthBroken = errors.New("downstream auth failed earlier; failing fast until restart")
)

// propagateDownstream mirrors an upstream-sourced change into the task
// manager by diffing the before/after projections.
func (e *Engine) propagateDownstream(ctx context.Context, before, after model.Task) (model.Task, error) {
	if e.downstreamAuthBroken {
		return after, adapter.NewError(adapter.KindAuth, errDownstreamAuthBroken)
	}

	lensBefore := e.downstream.Project(before)
	// Reactivation after a downstream archive means the old mirror is
	// gone for the user; mint a fresh task instead of patching a ghost.
	reactivated := before.Status == model.StatusArchivedInDownstream && after.Status == model.StatusActive
	if reactivated {
		after.DownstreamID = ""
	}
	// A create must carry the full payload, so diff against nothing.
	if after.DownstreamID == "" {
		lensBefore = e.downstream.Project(model.Task{})
	}

	lensAfter := e.downstream.Project(after)
	lensDiff := e.downstream.DiffLens(lensBefore, lensAfter)
	if lensDiff.IsEmpty() {
		return after, nil
	}

	handle, err := e.downstream.Apply(ctx, after.ID, lensDiff, after.DownstreamID)
	if err != nil {
		return after, err
	}
	after.DownstreamID = handle
	return after, nil
}

// propagateUpstream reflects a downstream archive back as the completion
// label. This is the only write the engine ever makes upstream.
func (e *Engine) propagateUpstream(ctx context.Context, after model.Task) error {
	if after.Status != model.StatusArchivedInDownstream {
		// Downstream owns nothing else; per the propagation policy every
		// other downstream-sourced field change is dropped.
		return nil
	}
	if e.upstreamAuthBroken {
		return adapter.NewError(adapter.KindAuth, errUpstreamAuthBroken)
	}
	return e.upstream.AddLabel(ctx, after, e.completedLabel)
}

// absorb handles a remote failure for one entity without stopping the
// consumer: rate limits re-enqueue at the head, auth trips the breaker,
// everything else dead-letters.
func (e *Engine) absorb(id string, d model.Diff, err error) error {
	switch adapter.KindOf(err) {
	case adapter.KindRateLimited:
		retryAfter := adapter.RetryAfterOf(err)
		slog.Warn("rate limited, requeueing", "id", id, "retry_after", retryAfter)
		e.requeued[id] = true
		e.nextAttempt[id] = time.Now().Add(retryAfter)
		e.queue.PutFront(queue.Item{TaskID: id, Diff: d})
		return nil
	case adapter.KindAuth:
		if d.Source == model.SourceDownstream {
			e.upstreamAuthBroken = true
		} else {
			e.downstreamAuthBroken = true
		}
		slog.Error("auth failure, adapter disabled until restart", "id", id, "err", err)
	default:
		slog.Error("propagation failed", "id", id, "err", err)
	}
	if dlErr := e.store.RecordDeadLetter(id, d, err); dlErr != nil {
		return fmt.Errorf("record dead letter for %s: %w", id, dlErr)
	}
	return nil
}
