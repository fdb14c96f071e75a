// Package upstream is the issue-tracker side of the sync: a GraphQL API
// client, the webhook payload contract, and the mapping from tracker
// issues to canonical tasks.
package upstream

import (
	"time"

	"github.com/marcus/taskmirror/internal/model"
)

// WorkflowState is the tracker's per-team issue state.
type WorkflowState struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"` // backlog, unstarted, started, completed, canceled
}

// Terminal reports whether the state means the work is over.
func (s WorkflowState) Terminal() bool {
	return s.Type == "completed" || s.Type == "canceled"
}

// User is a tracker account.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// IssueLabel is a tracker label.
type IssueLabel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Issue is one tracker issue as returned by the API and by webhooks.
type Issue struct {
	ID          string        `json:"id"`
	Identifier  string        `json:"identifier"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	State       WorkflowState `json:"state"`
	Assignee    *User         `json:"assignee,omitempty"`
	Estimate    *float64      `json:"estimate,omitempty"`
	DueDate     string        `json:"dueDate,omitempty"` // YYYY-MM-DD or RFC3339
	UpdatedAt   time.Time     `json:"updatedAt"`
	Labels      []IssueLabel  `json:"labels,omitempty"`
}

// HasLabel reports whether the issue carries the named label.
func (i Issue) HasLabel(name string) bool {
	for _, l := range i.Labels {
		if l.Name == name {
			return true
		}
	}
	return false
}

// MapIssue converts a tracker issue into the canonical snapshot the
// producer diffs against stored state. ID and Version are left zero; the
// producer fills them from the store.
//
// The configured completion label is load-bearing: it is stripped from the
// canonical label set, and its presence maps the issue to
// ArchivedInDownstream. That makes the tracker's echo of our own label-add
// diff to nothing, and makes removing the label read as reactivation.
func MapIssue(i Issue, completedLabel string) model.Task {
	t := model.Task{
		UpstreamID:  i.ID,
		Title:       i.Title,
		Description: i.Description,
		Status:      model.StatusActive,
	}
	if i.State.Terminal() {
		t.Status = model.StatusTerminal
	}
	if i.Assignee != nil {
		t.AssigneeRef = i.Assignee.ID
	}
	if i.Estimate != nil {
		v := *i.Estimate
		t.EstimatePoints = &v
	}
	if due := parseDueDate(i.DueDate); due != nil {
		t.DueDate = due
	}
	var labels []string
	for _, l := range i.Labels {
		if l.Name == completedLabel {
			if t.Status == model.StatusActive {
				t.Status = model.StatusArchivedInDownstream
			}
			continue
		}
		labels = append(labels, l.Name)
	}
	t.Labels = model.CanonicalizeLabels(labels)
	return t
}

// parseDueDate accepts the tracker's date-only form and full RFC3339.
func parseDueDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		ts = ts.UTC()
		return &ts
	}
	if ts, err := time.Parse("2006-01-02", s); err == nil {
		ts = ts.UTC()
		return &ts
	}
	return nil
}
