package model

import "time"

// Field wraps one diff slot. Set=false means "unchanged"; Set=true means
// "write Value", including writing a cleared optional (nil pointer, empty
// string, empty label set).
type Field[T any] struct {
	Set   bool `json:"set"`
	Value T    `json:"value,omitempty"`
}

// SetField builds a present Field carrying v.
func SetField[T any](v T) Field[T] {
	return Field[T]{Set: true, Value: v}
}

// Diff is a sparse record of field changes for one canonical task. It
// carries the system that observed the change and the observation time;
// merge resolves conflicts between sources by that timestamp.
type Diff struct {
	TaskID          string            `json:"task_id"`
	UpstreamID      Field[string]     `json:"upstream_id"`
	DownstreamID    Field[string]     `json:"downstream_id"`
	Title           Field[string]     `json:"title"`
	Description     Field[string]     `json:"description"`
	Status          Field[Status]     `json:"status"`
	EstimatePoints  Field[*float64]   `json:"estimate_points"`
	DueDate         Field[*time.Time] `json:"due_date"`
	AssigneeRef     Field[string]     `json:"assignee_ref"`
	Labels          Field[[]string]   `json:"labels"`
	Source          Source            `json:"source"`
	SourceTimestamp time.Time         `json:"source_timestamp"`

	// SourceName is routing bookkeeping carried alongside the diff; it
	// never makes a diff non-empty.
	SourceName string `json:"source_name,omitempty"`
}

// IsEmpty reports whether no structural field is present. Empty diffs are
// never enqueued and never applied.
func (d Diff) IsEmpty() bool {
	return !d.UpstreamID.Set &&
		!d.DownstreamID.Set &&
		!d.Title.Set &&
		!d.Description.Set &&
		!d.Status.Set &&
		!d.EstimatePoints.Set &&
		!d.DueDate.Set &&
		!d.AssigneeRef.Set &&
		!d.Labels.Set
}

// DiffTasks computes the per-field structural difference between two
// snapshots of the same canonical task. A field absent from the result is
// unchanged. Source and SourceTimestamp on the result come from the caller
// via src/ts, describing the system that observed the after snapshot.
func DiffTasks(before, after Task, src Source, ts time.Time) Diff {
	d := Diff{
		TaskID:          after.ID,
		Source:          src,
		SourceTimestamp: ts,
		SourceName:      after.SourceName,
	}
	if d.TaskID == "" {
		d.TaskID = before.ID
	}
	if before.UpstreamID != after.UpstreamID {
		d.UpstreamID = SetField(after.UpstreamID)
	}
	if before.DownstreamID != after.DownstreamID {
		d.DownstreamID = SetField(after.DownstreamID)
	}
	if before.Title != after.Title {
		d.Title = SetField(after.Title)
	}
	if before.Description != after.Description {
		d.Description = SetField(after.Description)
	}
	if before.Status != after.Status {
		d.Status = SetField(after.Status)
	}
	if !equalFloatPtr(before.EstimatePoints, after.EstimatePoints) {
		d.EstimatePoints = SetField(after.EstimatePoints)
	}
	if !equalTimePtr(before.DueDate, after.DueDate) {
		d.DueDate = SetField(after.DueDate)
	}
	if before.AssigneeRef != after.AssigneeRef {
		d.AssigneeRef = SetField(after.AssigneeRef)
	}
	if !equalLabels(CanonicalizeLabels(before.Labels), CanonicalizeLabels(after.Labels)) {
		d.Labels = SetField(CanonicalizeLabels(after.Labels))
	}
	return d
}

// Merge combines two diffs for the same canonical task. The diff with the
// later SourceTimestamp wins every contested field; fields present in only
// one input pass through. The result carries the winner's Source and
// timestamp, so merge is associative and commutative with respect to
// timestamp order rather than argument order.
func Merge(a, b Diff) Diff {
	if a.SourceTimestamp.After(b.SourceTimestamp) {
		a, b = b, a
	}
	out := Diff{
		TaskID:          a.TaskID,
		Source:          b.Source,
		SourceTimestamp: b.SourceTimestamp,
		SourceName:      b.SourceName,
	}
	if out.TaskID == "" {
		out.TaskID = b.TaskID
	}
	if out.SourceName == "" {
		out.SourceName = a.SourceName
	}
	out.UpstreamID = mergeField(a.UpstreamID, b.UpstreamID)
	out.DownstreamID = mergeField(a.DownstreamID, b.DownstreamID)
	out.Title = mergeField(a.Title, b.Title)
	out.Description = mergeField(a.Description, b.Description)
	out.Status = mergeField(a.Status, b.Status)
	out.EstimatePoints = mergeField(a.EstimatePoints, b.EstimatePoints)
	out.DueDate = mergeField(a.DueDate, b.DueDate)
	out.AssigneeRef = mergeField(a.AssigneeRef, b.AssigneeRef)
	out.Labels = mergeField(a.Labels, b.Labels)
	return out
}

func mergeField[T any](older, newer Field[T]) Field[T] {
	if newer.Set {
		return newer
	}
	return older
}

// Apply writes every present field of d onto t, bumps the version and
// records which source last touched the row. Applying the same diff twice
// yields the same field values; only Version and LastSeenSource move.
func Apply(t Task, d Diff) Task {
	if t.ID == "" {
		t.ID = d.TaskID
	}
	if d.UpstreamID.Set {
		t.UpstreamID = d.UpstreamID.Value
	}
	if d.DownstreamID.Set {
		t.DownstreamID = d.DownstreamID.Value
	}
	if d.Title.Set {
		t.Title = d.Title.Value
	}
	if d.Description.Set {
		t.Description = d.Description.Value
	}
	if d.Status.Set {
		t.Status = d.Status.Value
	}
	if d.EstimatePoints.Set {
		t.EstimatePoints = d.EstimatePoints.Value
	}
	if d.DueDate.Set {
		t.DueDate = d.DueDate.Value
	}
	if d.AssigneeRef.Set {
		t.AssigneeRef = d.AssigneeRef.Value
	}
	if d.Labels.Set {
		t.Labels = d.Labels.Value
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	if d.SourceName != "" {
		t.SourceName = d.SourceName
	}
	t.LastSeenSource = d.Source
	t.Version++
	return t
}
