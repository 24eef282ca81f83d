// Package ledger is the append-only change history. Every classification the
// delta store makes lands here as an immutable ChangeRecord; the graph
// projector is its primary consumer. Entries are never mutated and never
// expire.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// EntityKind tags which store a change record belongs to.
type EntityKind string

const (
	EntityVertex EntityKind = "vertex"
	EntityEdge   EntityKind = "edge"
)

// ChangeType classifies what happened to an identity key.
// Unchanged records are counted in cycle reports but never logged.
type ChangeType string

const (
	ChangeNew      ChangeType = "new"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
)

// Seq is the commit position of a change record: wall-clock milliseconds
// plus a tiebreak ordinal for records stamped in the same millisecond.
// Seqs are strictly monotonic within one log.
type Seq struct {
	UnixMilli int64  `json:"t"`
	Ordinal   uint32 `json:"o"`
}

// Zero is the position before the first record.
var Zero = Seq{}

// Less reports whether s commits before other.
func (s Seq) Less(other Seq) bool {
	if s.UnixMilli != other.UnixMilli {
		return s.UnixMilli < other.UnixMilli
	}
	return s.Ordinal < other.Ordinal
}

// IsZero reports whether s is the pre-log position.
func (s Seq) IsZero() bool { return s.UnixMilli == 0 && s.Ordinal == 0 }

// Encode renders the seq as a fixed-width, lexically sortable string,
// suitable for storage keys.
func (s Seq) Encode() string {
	return fmt.Sprintf("%020d-%010d", s.UnixMilli, s.Ordinal)
}

func (s Seq) String() string { return s.Encode() }

// FieldDelta holds one changed field. Only changed fields are recorded.
type FieldDelta struct {
	Old any `json:"old,omitempty"`
	New any `json:"new,omitempty"`
}

// ChangeRecord is one immutable audit entry.
type ChangeRecord struct {
	Seq        Seq                   `json:"seq"`
	EntityKind EntityKind            `json:"entityKind"`
	ChangeType ChangeType            `json:"changeType"`
	Key        string                `json:"key"`
	Deltas     map[string]FieldDelta `json:"deltas,omitempty"`
	CycleID    string                `json:"cycleId,omitempty"`
}

// Backend persists stamped change records. Implementations must keep scan
// order identical to append order and must tolerate concurrent appenders.
type Backend interface {
	Append(ctx context.Context, recs []ChangeRecord) error
	// Scan streams records with seq strictly after the given position, in
	// commit order. A limit of 0 means no limit. The callback returning an
	// error stops the scan.
	Scan(ctx context.Context, after Seq, limit int, fn func(ChangeRecord) error) error
	// Last returns the seq of the newest record, or Zero on an empty log.
	Last(ctx context.Context) (Seq, error)
}

// Log stamps records with monotonic seqs and hands them to a backend.
// Multiple producers may share one Log; stamping and persisting happen
// under one lock so seq order always matches commit order.
type Log struct {
	mu      sync.Mutex
	backend Backend
	last    Seq
	now     func() time.Time
}

// NewLog wraps a backend. The log resumes its seq clock from the backend so
// restarts never reuse a position.
func NewLog(ctx context.Context, backend Backend) (*Log, error) {
	last, err := backend.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: resume seq clock: %w", err)
	}
	return &Log{backend: backend, last: last, now: time.Now}, nil
}

// Append stamps and persists the records, returning the stamped copies.
func (l *Log) Append(ctx context.Context, recs []ChangeRecord) ([]ChangeRecord, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	// The backend write stays inside the stamping lock. A record stamped
	// earlier but persisted later would land behind a scan watermark and
	// never be seen again.
	l.mu.Lock()
	defer l.mu.Unlock()

	stamped := make([]ChangeRecord, len(recs))
	for i, rec := range recs {
		rec.Seq = l.nextLocked()
		stamped[i] = rec
	}
	if err := l.backend.Append(ctx, stamped); err != nil {
		return nil, fmt.Errorf("ledger: append: %w", err)
	}
	return stamped, nil
}

// Scan streams records after the given position in commit order.
func (l *Log) Scan(ctx context.Context, after Seq, limit int, fn func(ChangeRecord) error) error {
	return l.backend.Scan(ctx, after, limit, fn)
}

// Last returns the newest committed seq.
func (l *Log) Last(ctx context.Context) (Seq, error) {
	return l.backend.Last(ctx)
}

func (l *Log) nextLocked() Seq {
	ms := l.now().UnixMilli()
	if ms < l.last.UnixMilli {
		// Clock went backwards; hold position and burn ordinals.
		ms = l.last.UnixMilli
	}
	next := Seq{UnixMilli: ms}
	if ms == l.last.UnixMilli {
		next.Ordinal = l.last.Ordinal + 1
	}
	l.last = next
	return next
}
