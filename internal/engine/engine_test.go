package engine

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/marcus/taskmirror/internal/adapter"
	"github.com/marcus/taskmirror/internal/config"
	"github.com/marcus/taskmirror/internal/downstream"
	"github.com/marcus/taskmirror/internal/model"
	"github.com/marcus/taskmirror/internal/queue"
	"github.com/marcus/taskmirror/internal/store"
)

type applyCall struct {
	canonicalID string
	diff        adapter.LensDiff
	handle      string
}

// fakeDownstream reuses the real adapter's pure projection and fakes the
// network side.
type fakeDownstream struct {
	*downstream.Adapter

	applyCalls  []applyCall
	deleteCalls []string
	nextHandle  string
	applyErr    error
	deleteErr   error
}

func (f *fakeDownstream) Apply(ctx context.Context, canonicalID string, d adapter.LensDiff, handle string) (string, error) {
	f.applyCalls = append(f.applyCalls, applyCall{canonicalID, d, handle})
	if f.applyErr != nil {
		return "", f.applyErr
	}
	if handle != "" {
		return handle, nil
	}
	return f.nextHandle, nil
}

func (f *fakeDownstream) Delete(ctx context.Context, handle string) error {
	f.deleteCalls = append(f.deleteCalls, handle)
	return f.deleteErr
}

type labelCall struct {
	upstreamID string
	sourceName string
	label      string
}

type fakeUpstream struct {
	labelCalls []labelCall
	labelErr   error
}

func (f *fakeUpstream) AddLabel(ctx context.Context, t model.Task, label string) error {
	f.labelCalls = append(f.labelCalls, labelCall{t.UpstreamID, t.SourceName, label})
	return f.labelErr
}

type harness struct {
	store    *store.Store
	queue    *queue.Queue
	producer *Producer
	engine   *Engine
	down     *fakeDownstream
	up       *fakeUpstream
}

func setup(t *testing.T) *harness {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	st, err := store.New(conn)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}

	rules := config.Template().GlobalRules
	down := &fakeDownstream{
		Adapter:    downstream.NewAdapter(nil, rules),
		nextHandle: "M-7",
	}
	up := &fakeUpstream{}
	q := queue.New(64)

	h := &harness{
		store:    st,
		queue:    q,
		producer: NewProducer(st, q),
		down:     down,
		up:       up,
		engine:   New(st, q, down, up, rules.CompletedUpstreamLabel),
	}
	h.producer.newID = newSequentialIDs()
	return h
}

func newSequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return []string{"c1", "c2", "c3", "c4"}[n-1]
	}
}

// drain closes the queue and runs the consumer until empty.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	h.queue.Close()
	if err := h.engine.Run(context.Background()); err != nil {
		t.Fatalf("engine run: %v", err)
	}
}

func issueEvent(upstreamID string, ts time.Time, mutate func(*model.Task)) adapter.Event {
	due := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	est := 2.0
	snapshot := model.Task{
		UpstreamID:     upstreamID,
		Title:          "Fix login",
		Status:         model.StatusActive,
		EstimatePoints: &est,
		DueDate:        &due,
		Labels:         []string{"bug"},
	}
	if mutate != nil {
		mutate(&snapshot)
	}
	return adapter.Event{
		Source:     model.SourceUpstream,
		Timestamp:  ts,
		UpstreamID: upstreamID,
		SourceName: "ws",
		Snapshot:   &snapshot,
	}
}

func TestNewAssignment_CreatesDownstreamMirror(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	ts := time.Date(2025, 9, 20, 8, 0, 0, 0, time.UTC)

	if err := h.producer.Handle(ctx, issueEvent("ENG-42", ts, nil)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	h.drain(t)

	if len(h.down.applyCalls) != 1 {
		t.Fatalf("apply calls: got %d, want 1", len(h.down.applyCalls))
	}
	call := h.down.applyCalls[0]
	if call.handle != "" {
		t.Errorf("expected create (empty handle), got %q", call.handle)
	}
	if call.diff.Name == nil || *call.diff.Name != "Fix login" {
		t.Errorf("create name: %+v", call.diff.Name)
	}
	if call.diff.DurationMins == nil || *call.diff.DurationMins != 60 {
		t.Errorf("duration from estimate 2 should be 60, got %+v", call.diff.DurationMins)
	}
	if call.diff.DueDate == nil || *call.diff.DueDate == nil || !(**call.diff.DueDate).Equal(time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("due date missing from create")
	}

	stored, err := h.store.Get("c1")
	if err != nil || stored == nil {
		t.Fatalf("stored row: %v %v", stored, err)
	}
	if stored.Version != 1 {
		t.Errorf("version: got %d, want 1", stored.Version)
	}
	if stored.DownstreamID != "M-7" {
		t.Errorf("downstream handle not persisted: %q", stored.DownstreamID)
	}
	if stored.SourceName != "ws" {
		t.Errorf("source name not persisted: %q", stored.SourceName)
	}
}

func TestFieldUpdate_PatchesOnlyChangedFields(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	t0 := time.Date(2025, 9, 20, 8, 0, 0, 0, time.UTC)

	h.producer.Handle(ctx, issueEvent("ENG-42", t0, nil))
	h.queue.Close()
	h.engine.Run(ctx)

	// Re-arm the queue for the second pass.
	h.queue = queue.New(64)
	h.producer.queue = h.queue
	h.engine.queue = h.queue

	h.producer.Handle(ctx, issueEvent("ENG-42", t0.Add(time.Hour), func(s *model.Task) {
		est := 5.0
		s.EstimatePoints = &est
	}))
	h.drain(t)

	if len(h.down.applyCalls) != 2 {
		t.Fatalf("apply calls: got %d, want 2", len(h.down.applyCalls))
	}
	update := h.down.applyCalls[1]
	if update.handle != "M-7" {
		t.Errorf("expected update by handle, got %q", update.handle)
	}
	if update.diff.DurationMins == nil || *update.diff.DurationMins != 240 {
		t.Errorf("duration from estimate 5 should be 240, got %+v", update.diff.DurationMins)
	}
	if update.diff.Name != nil || update.diff.DueDate != nil {
		t.Errorf("unchanged fields must be absent from the patch: %+v", update.diff)
	}

	stored, _ := h.store.Get("c1")
	if stored.Version != 2 {
		t.Errorf("version: got %d, want 2", stored.Version)
	}
}

func TestTerminal_DeletesMirrorAndRetiresRow(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	t0 := time.Date(2025, 9, 20, 8, 0, 0, 0, time.UTC)

	h.producer.Handle(ctx, issueEvent("ENG-42", t0, nil))
	h.queue.Close()
	h.engine.Run(ctx)

	h.queue = queue.New(64)
	h.producer.queue = h.queue
	h.engine.queue = h.queue

	h.producer.Handle(ctx, adapter.Event{
		Source:     model.SourceUpstream,
		Timestamp:  t0.Add(time.Hour),
		UpstreamID: "ENG-42",
		Terminal:   true,
	})
	h.drain(t)

	if len(h.down.deleteCalls) != 1 || h.down.deleteCalls[0] != "M-7" {
		t.Fatalf("delete calls: %v", h.down.deleteCalls)
	}
	if got, _ := h.store.Get("c1"); got != nil {
		t.Fatalf("canonical row survived terminal: %+v", got)
	}
	if got, _ := h.store.GetByUpstreamID("ENG-42"); got != nil {
		t.Fatalf("upstream index survived terminal: %+v", got)
	}
}

func TestTerminal_UnknownIssueEnqueuesNothing(t *testing.T) {
	h := setup(t)
	err := h.producer.Handle(context.Background(), adapter.Event{
		Source:     model.SourceUpstream,
		Timestamp:  time.Now(),
		UpstreamID: "ENG-99",
		Terminal:   true,
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if h.queue.Len() != 0 {
		t.Fatalf("queue should be empty, has %d", h.queue.Len())
	}
}

func TestDownstreamArchive_AddsUpstreamLabelOnly(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	t0 := time.Date(2025, 9, 20, 8, 0, 0, 0, time.UTC)

	h.producer.Handle(ctx, issueEvent("ENG-42", t0, nil))
	h.queue.Close()
	h.engine.Run(ctx)
	downstreamWrites := len(h.down.applyCalls)

	h.queue = queue.New(64)
	h.producer.queue = h.queue
	h.engine.queue = h.queue

	h.producer.Handle(ctx, adapter.Event{
		Source:       model.SourceDownstream,
		Timestamp:    t0.Add(time.Hour),
		DownstreamID: "M-7",
		Archived:     true,
	})
	h.drain(t)

	if len(h.up.labelCalls) != 1 {
		t.Fatalf("label calls: got %d, want 1", len(h.up.labelCalls))
	}
	lc := h.up.labelCalls[0]
	if lc.upstreamID != "ENG-42" || lc.label != "motioned" {
		t.Errorf("label call: %+v", lc)
	}
	if lc.sourceName != "ws" {
		t.Errorf("label not routed by source name: %+v", lc)
	}
	if len(h.down.applyCalls) != downstreamWrites {
		t.Errorf("archive must not write downstream, got %d extra calls", len(h.down.applyCalls)-downstreamWrites)
	}

	stored, _ := h.store.Get("c1")
	if stored.Status != model.StatusArchivedInDownstream {
		t.Errorf("status: got %s", stored.Status)
	}
}

func TestArchiveEcho_SecondPollEnqueuesNothing(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	t0 := time.Date(2025, 9, 20, 8, 0, 0, 0, time.UTC)

	h.producer.Handle(ctx, issueEvent("ENG-42", t0, nil))
	h.queue.Close()
	h.engine.Run(ctx)

	h.queue = queue.New(64)
	h.producer.queue = h.queue
	h.engine.queue = h.queue

	archive := adapter.Event{
		Source:       model.SourceDownstream,
		Timestamp:    t0.Add(time.Hour),
		DownstreamID: "M-7",
		Archived:     true,
	}
	h.producer.Handle(ctx, archive)
	h.drain(t)

	h.queue = queue.New(64)
	h.producer.queue = h.queue
	h.engine.queue = h.queue

	// The next poll still reports the task as completed.
	h.producer.Handle(ctx, archive)
	if h.queue.Len() != 0 {
		t.Fatalf("repeated archive observation enqueued a diff")
	}
}

func TestReopen_AfterLabelRemoval_CreatesFreshMirror(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	t0 := time.Date(2025, 9, 20, 8, 0, 0, 0, time.UTC)

	h.producer.Handle(ctx, issueEvent("ENG-42", t0, nil))
	h.queue.Close()
	h.engine.Run(ctx)

	h.queue = queue.New(64)
	h.producer.queue = h.queue
	h.engine.queue = h.queue

	h.producer.Handle(ctx, adapter.Event{
		Source:       model.SourceDownstream,
		Timestamp:    t0.Add(time.Hour),
		DownstreamID: "M-7",
		Archived:     true,
	})
	h.drain(t)

	// The user removes the completion label upstream: the webhook snapshot
	// comes through as plain Active again.
	h.queue = queue.New(64)
	h.producer.queue = h.queue
	h.engine.queue = h.queue
	h.down.nextHandle = "M-8"

	h.producer.Handle(ctx, issueEvent("ENG-42", t0.Add(2*time.Hour), nil))
	h.drain(t)

	last := h.down.applyCalls[len(h.down.applyCalls)-1]
	if last.handle != "" {
		t.Fatalf("reopen must create, not update: handle %q", last.handle)
	}
	if last.diff.Name == nil || *last.diff.Name != "Fix login" {
		t.Errorf("create payload incomplete: %+v", last.diff)
	}

	stored, _ := h.store.Get("c1")
	if stored.DownstreamID != "M-8" {
		t.Errorf("new handle not stored: %q", stored.DownstreamID)
	}
	if stored.Status != model.StatusActive {
		t.Errorf("status: got %s", stored.Status)
	}
}

func TestCrashRecovery_ReAppliesSameUpdate(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	t0 := time.Date(2025, 9, 20, 8, 0, 0, 0, time.UTC)

	h.producer.Handle(ctx, issueEvent("ENG-42", t0, nil))
	h.queue.Close()
	h.engine.Run(ctx)

	// Simulate a crash after the downstream update succeeded but before the
	// store put: the store still holds the pre-apply state, and the tracker
	// re-delivers the webhook.
	h.queue = queue.New(64)
	h.producer.queue = h.queue
	h.engine.queue = h.queue

	update := issueEvent("ENG-42", t0.Add(time.Hour), func(s *model.Task) {
		est := 5.0
		s.EstimatePoints = &est
	})
	h.producer.Handle(ctx, update)
	h.drain(t)
	firstPatch := h.down.applyCalls[len(h.down.applyCalls)-1]

	// Roll the store back to the stale state and replay the same event.
	stale, _ := h.store.Get("c1")
	h.store.Delete("c1")
	est := 2.0
	stale.EstimatePoints = &est
	stale.Version = 1
	if err := h.store.Put(*stale); err != nil {
		t.Fatalf("reseed stale state: %v", err)
	}

	h.queue = queue.New(64)
	h.producer.queue = h.queue
	h.engine.queue = h.queue

	h.producer.Handle(ctx, update)
	h.drain(t)
	secondPatch := h.down.applyCalls[len(h.down.applyCalls)-1]

	if secondPatch.handle != firstPatch.handle {
		t.Errorf("replayed call targets a different handle: %q vs %q", secondPatch.handle, firstPatch.handle)
	}
	if *secondPatch.diff.DurationMins != *firstPatch.diff.DurationMins {
		t.Errorf("replayed call differs: %+v vs %+v", secondPatch.diff, firstPatch.diff)
	}
	stored, _ := h.store.Get("c1")
	if stored.EstimatePoints == nil || *stored.EstimatePoints != 5 {
		t.Errorf("store not reconciled: %+v", stored)
	}
}

func TestBatchMerge_OneApplyPerEntity(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	t0 := time.Date(2025, 9, 20, 8, 0, 0, 0, time.UTC)

	h.producer.Handle(ctx, issueEvent("ENG-42", t0, nil))
	h.producer.Handle(ctx, issueEvent("ENG-42", t0.Add(time.Minute), func(s *model.Task) {
		s.Title = "Fix login redirect"
	}))
	h.producer.Handle(ctx, issueEvent("ENG-42", t0.Add(2*time.Minute), func(s *model.Task) {
		s.Title = "Fix login redirect loop"
	}))
	h.drain(t)

	if len(h.down.applyCalls) != 1 {
		t.Fatalf("batch should collapse to one apply, got %d", len(h.down.applyCalls))
	}
	call := h.down.applyCalls[0]
	if call.diff.Name == nil || *call.diff.Name != "Fix login redirect loop" {
		t.Errorf("merged diff should carry the latest title: %+v", call.diff.Name)
	}
	stored, _ := h.store.Get("c1")
	if stored.Version != 1 {
		t.Errorf("intermediate states leaked: version %d", stored.Version)
	}
}

func TestRateLimited_RequeuesAtHead(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	t0 := time.Date(2025, 9, 20, 8, 0, 0, 0, time.UTC)

	h.down.applyErr = adapter.NewError(adapter.KindRateLimited, errors.New("429"))
	h.producer.Handle(ctx, issueEvent("ENG-42", t0, nil))
	h.drain(t)

	if h.queue.Len() != 1 {
		t.Fatalf("rate-limited diff not requeued, queue len %d", h.queue.Len())
	}
	if got, _ := h.store.Get("c1"); got != nil {
		t.Fatalf("store updated despite rate limit: %+v", got)
	}

	// Next run succeeds and applies the requeued diff.
	h.down.applyErr = nil
	if err := h.engine.Run(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if got, _ := h.store.Get("c1"); got == nil {
		t.Fatal("requeued diff never applied")
	}
}

func TestValidation_DeadLettersAndContinues(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	t0 := time.Date(2025, 9, 20, 8, 0, 0, 0, time.UTC)

	h.producer.Handle(ctx, issueEvent("ENG-42", t0, nil))
	h.queue.Close()
	h.engine.Run(ctx)

	// A bad update dead-letters without touching the store.
	h.down.applyErr = adapter.NewError(adapter.KindValidation, errors.New("bad due date"))
	h.queue = queue.New(64)
	h.producer.queue = h.queue
	h.engine.queue = h.queue
	badUpdate := issueEvent("ENG-42", t0.Add(time.Hour), func(s *model.Task) {
		s.Title = "Fix login again"
	})
	h.producer.Handle(ctx, badUpdate)
	h.drain(t)

	stored, _ := h.store.Get("c1")
	if stored.Version != 1 || stored.Title != "Fix login" {
		t.Fatalf("store updated despite validation failure: %+v", stored)
	}
	letters, _ := h.store.DeadLetters()
	if len(letters) != 1 || letters[0].CanonicalID != "c1" {
		t.Fatalf("dead letters: %+v", letters)
	}

	// A later successful apply for the same entity clears the dead letter.
	h.down.applyErr = nil
	h.queue = queue.New(64)
	h.producer.queue = h.queue
	h.engine.queue = h.queue
	h.producer.Handle(ctx, badUpdate)
	h.drain(t)

	letters, _ = h.store.DeadLetters()
	if len(letters) != 0 {
		t.Fatalf("dead letter not cleared: %+v", letters)
	}
}

func TestAuthFailure_FailsFastUntilRestart(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	t0 := time.Date(2025, 9, 20, 8, 0, 0, 0, time.UTC)

	h.down.applyErr = adapter.NewError(adapter.KindAuth, errors.New("401"))
	h.producer.Handle(ctx, issueEvent("ENG-42", t0, nil))
	h.drain(t)

	if len(h.down.applyCalls) != 1 {
		t.Fatalf("apply calls: got %d", len(h.down.applyCalls))
	}

	// Subsequent diffs for the broken adapter never hit the network.
	h.queue = queue.New(64)
	h.producer.queue = h.queue
	h.engine.queue = h.queue
	h.producer.Handle(ctx, issueEvent("ENG-43", t0.Add(time.Minute), nil))
	h.drain(t)

	if len(h.down.applyCalls) != 1 {
		t.Fatalf("broken adapter still called: %d calls", len(h.down.applyCalls))
	}
	letters, _ := h.store.DeadLetters()
	if len(letters) != 2 {
		t.Fatalf("both failures should dead-letter: %+v", letters)
	}
}

func TestEmptyDiff_NeverEnqueued(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	t0 := time.Date(2025, 9, 20, 8, 0, 0, 0, time.UTC)

	ev := issueEvent("ENG-42", t0, nil)
	h.producer.Handle(ctx, ev)
	h.queue.Close()
	h.engine.Run(ctx)

	h.queue = queue.New(64)
	h.producer.queue = h.queue
	h.engine.queue = h.queue

	// Identical snapshot: nothing changed, nothing enqueued.
	h.producer.Handle(ctx, issueEvent("ENG-42", t0.Add(time.Minute), nil))
	if h.queue.Len() != 0 {
		t.Fatalf("unchanged snapshot enqueued a diff")
	}
}
