package store

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/marcus/taskmirror/internal/model"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	s, err := New(conn)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	return s
}

func sampleTask(id, upstreamID string, version int64) model.Task {
	return model.Task{
		ID:         id,
		UpstreamID: upstreamID,
		Title:      "Fix login",
		Status:     model.StatusActive,
		Version:    version,
	}
}

func TestPutGet(t *testing.T) {
	s := setupStore(t)
	task := sampleTask("c1", "ENG-42", 1)
	task.DownstreamID = "M-7"
	task.Labels = []string{"bug"}

	if err := s.Put(task); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.Get("c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Title != "Fix login" || got.DownstreamID != "M-7" {
		t.Fatalf("get: %+v", got)
	}

	byUp, err := s.GetByUpstreamID("ENG-42")
	if err != nil {
		t.Fatalf("get by upstream: %v", err)
	}
	if byUp == nil || byUp.ID != "c1" {
		t.Fatalf("upstream index broken: %+v", byUp)
	}

	byDown, err := s.GetByDownstreamID("M-7")
	if err != nil {
		t.Fatalf("get by downstream: %v", err)
	}
	if byDown == nil || byDown.ID != "c1" {
		t.Fatalf("downstream lookup broken: %+v", byDown)
	}
}

func TestGet_Absent(t *testing.T) {
	s := setupStore(t)
	got, err := s.Get("nope")
	if err != nil || got != nil {
		t.Fatalf("absent get: %v %v", got, err)
	}
	got, err = s.GetByUpstreamID("nope")
	if err != nil || got != nil {
		t.Fatalf("absent upstream get: %v %v", got, err)
	}
	got, err = s.GetByDownstreamID("")
	if err != nil || got != nil {
		t.Fatalf("empty downstream id must not match: %v %v", got, err)
	}
}

func TestPut_VersionMonotonicity(t *testing.T) {
	s := setupStore(t)
	if err := s.Put(sampleTask("c1", "ENG-42", 2)); err != nil {
		t.Fatalf("put v2: %v", err)
	}
	if err := s.Put(sampleTask("c1", "ENG-42", 2)); !errors.Is(err, ErrVersionRegression) {
		t.Fatalf("equal version accepted: %v", err)
	}
	if err := s.Put(sampleTask("c1", "ENG-42", 1)); !errors.Is(err, ErrVersionRegression) {
		t.Fatalf("lower version accepted: %v", err)
	}
	if err := s.Put(sampleTask("c1", "ENG-42", 3)); err != nil {
		t.Fatalf("put v3: %v", err)
	}
}

func TestPut_RejectsTerminal(t *testing.T) {
	s := setupStore(t)
	task := sampleTask("c1", "ENG-42", 1)
	task.Status = model.StatusTerminal
	if err := s.Put(task); !errors.Is(err, ErrTerminalNotStorable) {
		t.Fatalf("terminal stored: %v", err)
	}
}

func TestDelete_RemovesRowAndIndex(t *testing.T) {
	s := setupStore(t)
	if err := s.Put(sampleTask("c1", "ENG-42", 1)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete("c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if got, _ := s.Get("c1"); got != nil {
		t.Fatalf("row survived delete: %+v", got)
	}
	if got, _ := s.GetByUpstreamID("ENG-42"); got != nil {
		t.Fatalf("index survived delete: %+v", got)
	}

	// Deleting again is a no-op.
	if err := s.Delete("c1"); err != nil {
		t.Fatalf("double delete: %v", err)
	}
}

func TestAll(t *testing.T) {
	s := setupStore(t)
	for i, id := range []string{"c1", "c2", "c3"} {
		if err := s.Put(sampleTask(id, "ENG-"+id, int64(i+1))); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	tasks, err := s.All()
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("got %d tasks, want 3", len(tasks))
	}
	for i, want := range []string{"c1", "c2", "c3"} {
		if tasks[i].ID != want {
			t.Errorf("tasks[%d]: got %s, want %s", i, tasks[i].ID, want)
		}
	}
}

func TestDeadLetters(t *testing.T) {
	s := setupStore(t)
	d := model.Diff{
		TaskID:          "c1",
		Title:           model.SetField("x"),
		Source:          model.SourceUpstream,
		SourceTimestamp: time.Now().UTC(),
	}

	if err := s.RecordDeadLetter("c1", d, errors.New("validation: bad due date")); err != nil {
		t.Fatalf("record: %v", err)
	}

	letters, err := s.DeadLetters()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("got %d letters, want 1", len(letters))
	}
	dl := letters[0]
	if dl.CanonicalID != "c1" || dl.Error != "validation: bad due date" {
		t.Errorf("dead letter: %+v", dl)
	}
	if !dl.Diff.Title.Set || dl.Diff.Title.Value != "x" {
		t.Errorf("diff not preserved: %+v", dl.Diff)
	}

	// Re-recording replaces, keyed by canonical id.
	if err := s.RecordDeadLetter("c1", d, errors.New("second")); err != nil {
		t.Fatalf("re-record: %v", err)
	}
	letters, _ = s.DeadLetters()
	if len(letters) != 1 || letters[0].Error != "second" {
		t.Fatalf("replacement broken: %+v", letters)
	}

	if err := s.ClearDeadLetter("c1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	letters, _ = s.DeadLetters()
	if len(letters) != 0 {
		t.Fatalf("clear left %d letters", len(letters))
	}
}
