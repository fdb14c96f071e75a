package downstream

import (
	"testing"
	"time"

	"github.com/marcus/taskmirror/internal/config"
	"github.com/marcus/taskmirror/internal/model"
)

func testRules() config.SyncRules {
	return config.Template().GlobalRules
}

func fp(v float64) *float64 { return &v }

func TestProject(t *testing.T) {
	a := NewAdapter(nil, testRules())
	due := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	task := model.Task{
		ID:             "c1",
		UpstreamID:     "ENG-42",
		Title:          "Fix login",
		Description:    "details",
		Status:         model.StatusActive,
		EstimatePoints: fp(2),
		DueDate:        &due,
		Labels:         []string{"bug"},
	}

	lens := a.Project(task)
	if lens.Name != "Fix login" || lens.Description != "details" {
		t.Fatalf("lens: %+v", lens)
	}
	if lens.DurationMins != 60 {
		t.Errorf("duration from Fibonacci[2]: got %d, want 60", lens.DurationMins)
	}
	if lens.DueDate == nil || !lens.DueDate.Equal(due) {
		t.Errorf("due date: %+v", lens.DueDate)
	}

	hasSync := false
	for _, l := range lens.Labels {
		if l == SyncLabel {
			hasSync = true
		}
	}
	if !hasSync {
		t.Errorf("sync label missing: %v", lens.Labels)
	}
}

func TestProject_ZeroTaskIsZeroLens(t *testing.T) {
	a := NewAdapter(nil, testRules())
	lens := a.Project(model.Task{})
	if !a.DiffLens(lens, a.Project(model.Task{})).IsEmpty() {
		t.Fatal("zero projection should be stable")
	}
	if lens.Name != "" || lens.Labels != nil {
		t.Fatalf("zero task projected to non-zero lens: %+v", lens)
	}
}

func TestProject_DurationFallbacks(t *testing.T) {
	rules := testRules()
	a := NewAdapter(nil, rules)

	tests := []struct {
		name     string
		estimate *float64
		want     int
	}{
		{"mapped estimate", fp(5), 240},
		{"unmapped estimate uses strategy default", fp(13), 60},
		{"no estimate uses rules default", nil, 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := model.Task{ID: "c1", UpstreamID: "u", Title: "t", EstimatePoints: tt.estimate}
			if got := a.Project(task).DurationMins; got != tt.want {
				t.Fatalf("duration: got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDiffLens_RoundTripLaw(t *testing.T) {
	a := NewAdapter(nil, testRules())
	due := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	task := model.Task{
		ID: "c1", UpstreamID: "ENG-42", Title: "Fix login",
		EstimatePoints: fp(3), DueDate: &due, Labels: []string{"bug"},
	}
	if !a.DiffLens(a.Project(task), a.Project(task)).IsEmpty() {
		t.Fatal("projection diffed against itself must be empty")
	}
}

func TestDiffLens_OnlyChangedFields(t *testing.T) {
	a := NewAdapter(nil, testRules())
	before := a.Project(model.Task{ID: "c1", UpstreamID: "u", Title: "old", EstimatePoints: fp(2)})
	after := a.Project(model.Task{ID: "c1", UpstreamID: "u", Title: "old", EstimatePoints: fp(5)})

	d := a.DiffLens(before, after)
	if d.DurationMins == nil || *d.DurationMins != 240 {
		t.Fatalf("duration diff: %+v", d.DurationMins)
	}
	if d.Name != nil || d.Description != nil || d.DueDate != nil || d.Labels != nil {
		t.Fatalf("unchanged fields present: %+v", d)
	}
}

func TestDiffLens_ClearedDueDate(t *testing.T) {
	a := NewAdapter(nil, testRules())
	due := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	before := a.Project(model.Task{ID: "c1", UpstreamID: "u", Title: "t", DueDate: &due})
	after := a.Project(model.Task{ID: "c1", UpstreamID: "u", Title: "t"})

	d := a.DiffLens(before, after)
	if d.DueDate == nil {
		t.Fatal("cleared due date should be present in diff")
	}
	if *d.DueDate != nil {
		t.Fatalf("cleared due date should carry nil, got %v", **d.DueDate)
	}
}
