// Package delta is the authoritative current-state store. It classifies
// incoming fact batches against the stored image (new, modified, unchanged,
// deleted), maintains validity windows instead of deleting records, and
// writes one ChangeRecord per classification to the ledger.
package delta

import (
	"fmt"

	"github.com/perimetra/perimetra/pkg/fact"
)

// StoredVertex is the persisted image of one vertex identity key.
// Intervals records every observation window; the record is active while the
// last interval is open. Records are closed, never removed.
type StoredVertex struct {
	Record    fact.VertexRecord `json:"record"`
	Intervals []fact.Interval   `json:"intervals"`
}

// Active reports whether the vertex is currently observed.
func (v StoredVertex) Active() bool {
	n := len(v.Intervals)
	return n > 0 && v.Intervals[n-1].Open()
}

// StoredEdge is the persisted image of one edge identity key.
type StoredEdge struct {
	Record    fact.EdgeRecord `json:"record"`
	Intervals []fact.Interval `json:"intervals"`
}

// Active reports whether the edge is currently observed.
func (e StoredEdge) Active() bool {
	n := len(e.Intervals)
	return n > 0 && e.Intervals[n-1].Open()
}

// CompareConfig selects which fields participate in change detection, per
// discriminator. Volatile attributes are simply left off the list. A nil or
// missing entry means every attribute is compared. DisplayName is always
// compared for vertices.
type CompareConfig struct {
	VertexFields map[fact.VertexKind][]string
	EdgeFields   map[fact.EdgeKind][]string
}

// ApplyOptions controls one batch application.
type ApplyOptions struct {
	// Full marks the batch as a complete observation of its partition:
	// active keys absent from the batch are closed as deleted.
	Full bool
	// CycleID tags the resulting change records.
	CycleID string
}

// Report summarizes one batch application. Mirrors the per-type counters the
// collection pipeline exposes.
type Report struct {
	Partition string             `json:"partition"`
	Total     int                `json:"total"`
	New       int                `json:"new"`
	Modified  int                `json:"modified"`
	Unchanged int                `json:"unchanged"`
	Deleted   int                `json:"deleted"`
	Rejected  int                `json:"rejected"`
	Writes    int                `json:"writes"`
	Errors    []fact.RecordError `json:"-"`
}

func (r Report) String() string {
	return fmt.Sprintf("%s: total=%d new=%d mod=%d unchanged=%d deleted=%d rejected=%d writes=%d",
		r.Partition, r.Total, r.New, r.Modified, r.Unchanged, r.Deleted, r.Rejected, r.Writes)
}

// Merge folds another report's counters into r.
func (r *Report) Merge(other Report) {
	r.Total += other.Total
	r.New += other.New
	r.Modified += other.Modified
	r.Unchanged += other.Unchanged
	r.Deleted += other.Deleted
	r.Rejected += other.Rejected
	r.Writes += other.Writes
	r.Errors = append(r.Errors, other.Errors...)
}

// CollisionError reports a conflicting-kind claim on one source identifier.
// Fatal for the record, not the batch. Both payloads are preserved for the
// cycle report.
type CollisionError struct {
	ID           string
	ExistingKind fact.VertexKind
	IncomingKind fact.VertexKind
	Incoming     fact.VertexRecord
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("identity collision on %q: stored kind %s, incoming kind %s",
		e.ID, e.ExistingKind, e.IncomingKind)
}
