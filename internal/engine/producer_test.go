package engine

import (
	"context"
	"testing"
	"time"

	"github.com/marcus/taskmirror/internal/adapter"
	"github.com/marcus/taskmirror/internal/model"
	"github.com/marcus/taskmirror/internal/queue"
)

func TestProducer_BurstForNewIssueSharesOneID(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	t0 := time.Date(2025, 9, 20, 8, 0, 0, 0, time.UTC)

	h.producer.Handle(ctx, issueEvent("ENG-42", t0, nil))
	h.producer.Handle(ctx, issueEvent("ENG-42", t0.Add(time.Second), func(s *model.Task) {
		s.Title = "Fix login v2"
	}))

	a, _ := h.queue.Get(ctx)
	b, _ := h.queue.Get(ctx)
	if a.TaskID != b.TaskID {
		t.Fatalf("burst forked canonical ids: %s vs %s", a.TaskID, b.TaskID)
	}
}

func TestProducer_TerminalRetiresMintedID(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	t0 := time.Date(2025, 9, 20, 8, 0, 0, 0, time.UTC)

	h.producer.Handle(ctx, issueEvent("ENG-42", t0, nil))
	h.producer.Handle(ctx, adapter.Event{
		Source:     model.SourceUpstream,
		Timestamp:  t0.Add(time.Second),
		UpstreamID: "ENG-42",
		Terminal:   true,
	})
	h.drain(t)

	if got, _ := h.store.GetByUpstreamID("ENG-42"); got != nil {
		t.Fatalf("row survived terminal: %+v", got)
	}

	// The same upstream id seen again allocates a fresh canonical id.
	h.queue = queue.New(64)
	h.producer.queue = h.queue
	h.engine.queue = h.queue
	h.producer.Handle(ctx, issueEvent("ENG-42", t0.Add(time.Minute), nil))
	it, ok := h.queue.Get(ctx)
	if !ok {
		t.Fatal("no diff enqueued for re-created issue")
	}
	if it.TaskID == "c1" {
		t.Fatalf("retired canonical id reused: %s", it.TaskID)
	}
}

func TestProducer_ArchivedBackfillSkipped(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	t0 := time.Date(2025, 9, 20, 8, 0, 0, 0, time.UTC)

	// First sight of an issue that already carries the completion label.
	ev := issueEvent("ENG-42", t0, func(s *model.Task) {
		s.Status = model.StatusArchivedInDownstream
	})
	if err := h.producer.Handle(ctx, ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if h.queue.Len() != 0 {
		t.Fatalf("archived backfill issue enqueued a diff")
	}
}

func TestProducer_DownstreamEventForUnknownTask(t *testing.T) {
	h := setup(t)
	err := h.producer.Handle(context.Background(), adapter.Event{
		Source:       model.SourceDownstream,
		Timestamp:    time.Now(),
		DownstreamID: "M-unknown",
		Archived:     true,
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if h.queue.Len() != 0 {
		t.Fatalf("unknown downstream task enqueued a diff")
	}
}
