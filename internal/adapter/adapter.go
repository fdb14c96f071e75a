// Package adapter defines the contracts the sync engine is generic over:
// the downstream projection/apply surface, the upstream label surface, the
// producer event shape, and the error taxonomy both API clients classify
// their failures into.
package adapter

import (
	"context"
	"time"

	"github.com/marcus/taskmirror/internal/model"
)

// TaskLens is the downstream-shaped projection of a canonical task. It is
// deliberately close to the target API payload so diffing two lenses yields
// the minimal set of remote field writes.
type TaskLens struct {
	Name         string
	Description  string
	DueDate      *time.Time
	DurationMins int
	Labels       []string
}

// LensDiff is a sparse change set over TaskLens. A nil pointer field means
// "don't touch".
type LensDiff struct {
	Name         *string
	Description  *string
	DueDate      **time.Time
	DurationMins *int
	Labels       *[]string
}

// IsEmpty reports whether the diff would write nothing.
func (d LensDiff) IsEmpty() bool {
	return d.Name == nil && d.Description == nil && d.DueDate == nil &&
		d.DurationMins == nil && d.Labels == nil
}

// Downstream is the mirrored calendar/task system. Project and DiffLens are
// pure; Apply and Delete perform the network calls.
type Downstream interface {
	// Project maps a canonical task to the downstream payload shape. The
	// zero Task projects to the zero lens, so diffing against a projection
	// of "nothing" produces a full create.
	Project(t model.Task) TaskLens

	// DiffLens computes the sparse change set between two projections.
	DiffLens(before, after TaskLens) LensDiff

	// Apply performs the remote write. An empty handle means create: the
	// call must be keyed on canonicalID so a retried create recovers the
	// existing task instead of duplicating it, and must return the
	// downstream handle. A non-empty handle means update.
	Apply(ctx context.Context, canonicalID string, d LensDiff, handle string) (string, error)

	// Delete removes the mirrored task. A missing task (404) is success.
	Delete(ctx context.Context, handle string) error
}

// Upstream is the authoritative issue tracker. The engine only ever writes
// one thing back to it: the completion label. The full task is passed so
// multi-workspace setups can route by its source name.
type Upstream interface {
	// AddLabel attaches the named label to the task's upstream issue.
	// Attaching a label that is already present is success.
	AddLabel(ctx context.Context, t model.Task, label string) error
}

// Event is one observation from an external system, normalized just enough
// for the producer to turn it into a canonical diff.
type Event struct {
	Source    model.Source
	Timestamp time.Time

	// SourceName names the configured upstream source that produced an
	// upstream event; empty for downstream events.
	SourceName string

	// UpstreamID is set on upstream events.
	UpstreamID string
	// DownstreamID is set on downstream events.
	DownstreamID string

	// Snapshot is the desired canonical state observed upstream. Nil for
	// terminal notices and downstream archive observations.
	Snapshot *model.Task

	// Terminal marks an upstream Done/Canceled/Deleted observation.
	Terminal bool
	// Archived marks a downstream completed/archived observation.
	Archived bool
}
