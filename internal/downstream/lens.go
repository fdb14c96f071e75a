// Package downstream is the calendar/task-manager side of the sync: the
// lens projection from canonical tasks to the target payload shape, the
// REST client that applies lens diffs, and the completion poller.
package downstream

import (
	"context"
	"time"

	"github.com/marcus/taskmirror/internal/adapter"
	"github.com/marcus/taskmirror/internal/config"
	"github.com/marcus/taskmirror/internal/model"
)

// SyncLabel marks every task this daemon writes. The poller only looks at
// tasks carrying it, so foreign tasks are never touched and our own writes
// are recognizable.
const SyncLabel = "taskmirror-sync"

// Adapter implements adapter.Downstream over the REST client.
type Adapter struct {
	client *Client
	rules  config.SyncRules
}

// NewAdapter pairs a client with the sync rules that drive projection.
func NewAdapter(client *Client, rules config.SyncRules) *Adapter {
	return &Adapter{client: client, rules: rules}
}

// Project maps a canonical task to the downstream payload shape. Pure; the
// zero task projects to the zero lens, so diffing against it yields a full
// create. Archived tasks project like active ones.
func (a *Adapter) Project(t model.Task) adapter.TaskLens {
	if t.IsZero() {
		return adapter.TaskLens{}
	}
	lens := adapter.TaskLens{
		Name:         t.Title,
		Description:  t.Description,
		DurationMins: a.duration(t.EstimatePoints),
	}
	if t.DueDate != nil {
		due := t.DueDate.UTC()
		lens.DueDate = &due
	}
	labels := append([]string{SyncLabel}, t.Labels...)
	lens.Labels = model.CanonicalizeLabels(labels)
	return lens
}

// duration converts the raw estimate through the configured strategy,
// falling back to the rules' default duration.
func (a *Adapter) duration(estimate *float64) int {
	if estimate != nil {
		if mins, ok := a.rules.TimeEstimateStrategy.ConvertEstimate(*estimate); ok {
			return mins
		}
	}
	return a.rules.DefaultTaskDurationMins
}

// DiffLens computes the sparse change set between two projections.
func (a *Adapter) DiffLens(before, after adapter.TaskLens) adapter.LensDiff {
	var d adapter.LensDiff
	if before.Name != after.Name {
		name := after.Name
		d.Name = &name
	}
	if before.Description != after.Description {
		desc := after.Description
		d.Description = &desc
	}
	if !equalTime(before.DueDate, after.DueDate) {
		due := after.DueDate
		d.DueDate = &due
	}
	if before.DurationMins != after.DurationMins {
		mins := after.DurationMins
		d.DurationMins = &mins
	}
	if !equalStrings(before.Labels, after.Labels) {
		labels := after.Labels
		d.Labels = &labels
	}
	return d
}

// Apply performs the remote write; see Client.Apply.
func (a *Adapter) Apply(ctx context.Context, canonicalID string, d adapter.LensDiff, handle string) (string, error) {
	return a.client.Apply(ctx, canonicalID, d, handle)
}

// Delete removes the mirrored task; a missing task is success.
func (a *Adapter) Delete(ctx context.Context, handle string) error {
	return a.client.DeleteTask(ctx, handle)
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
