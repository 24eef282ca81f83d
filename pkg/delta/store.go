package delta

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/perimetra/perimetra/pkg/fact"
	"github.com/perimetra/perimetra/pkg/ledger"
)

// KV is the minimal keyed persistence the store runs on. Implementations:
// BadgerKV (durable) and MemoryKV (tests, mock cycles).
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte) error
	ScanPrefix(ctx context.Context, prefix string, fn func(key string, val []byte) error) error
}

// Store classifies incoming batches against the stored image and emits
// change records to the ledger.
//
// Write ordering is ledger-first: the change record is appended before the
// state write commits. A crash between the two re-classifies the record on
// replay and re-appends an equivalent change record; the projector's upserts
// are idempotent, so the duplicate is harmless and no change is ever lost.
type Store struct {
	kv  KV
	log *ledger.Log
	now func() time.Time

	// One writer per partition. Cross-partition batches run in parallel.
	locks sync.Map
}

// NewStore builds a delta store over the given KV and ledger.
func NewStore(kv KV, log *ledger.Log) *Store {
	return &Store{kv: kv, log: log, now: time.Now}
}

func vertexKVKey(kind fact.VertexKind, id string) string {
	return "v/" + string(kind) + "/" + id
}

func edgeKVKey(rec fact.EdgeRecord) string {
	return "e/" + string(rec.Kind) + "/" + rec.Source + fact.KeySep + rec.Target + fact.KeySep + rec.Qualifier
}

func vertexIndexKey(id string) string { return "vid/" + id }

func (s *Store) partitionLock(name string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(name, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// ApplyVertexBatch classifies one batch of vertices of a single kind.
// Malformed records are rejected individually; the batch proceeds.
func (s *Store) ApplyVertexBatch(ctx context.Context, cfg CompareConfig, kind fact.VertexKind, recs []fact.VertexRecord, opts ApplyOptions) (Report, error) {
	report := Report{Partition: "vertex/" + string(kind)}

	mu := s.partitionLock(report.Partition)
	mu.Lock()
	defer mu.Unlock()

	// Snapshot the pre-batch active keys before any write so full-batch
	// deletion detection never races the batch's own changes.
	var prebatch map[string]bool
	if opts.Full {
		prebatch = make(map[string]bool)
		err := s.ScanVertices(ctx, kind, func(v StoredVertex) error {
			if v.Active() {
				prebatch[v.Record.Key()] = true
			}
			return nil
		})
		if err != nil {
			return report, err
		}
	}

	fields := cfg.VertexFields[kind]
	seen := make(map[string]bool, len(recs))

	for _, rec := range recs {
		report.Total++
		if rec.Kind != kind {
			report.Rejected++
			report.Errors = append(report.Errors, fact.RecordError{
				Key: rec.Key(),
				Err: fmt.Errorf("record kind %s does not belong to partition %s", rec.Kind, kind),
			})
			continue
		}
		if seen[rec.Key()] {
			// Duplicate key inside one batch: last writer would flap the
			// classification, so later duplicates are rejected instead.
			report.Rejected++
			report.Errors = append(report.Errors, fact.RecordError{
				Key: rec.Key(),
				Err: fmt.Errorf("duplicate identity key in batch"),
			})
			continue
		}
		seen[rec.Key()] = true

		if err := s.checkCollision(ctx, rec); err != nil {
			report.Rejected++
			report.Errors = append(report.Errors, fact.RecordError{Key: rec.Key(), Err: err})
			slog.Error("Identity key collision", "key", rec.Key(), "error", err)
			continue
		}

		applied, err := s.applyVertex(ctx, fields, rec, opts.CycleID)
		if err != nil {
			return report, err
		}
		switch applied {
		case ledger.ChangeNew:
			report.New++
			report.Writes++
		case ledger.ChangeModified:
			report.Modified++
			report.Writes++
		default:
			report.Unchanged++
		}
	}

	if opts.Full {
		deleted, err := s.closeAbsentVertices(ctx, kind, prebatch, seen, opts.CycleID)
		if err != nil {
			return report, err
		}
		report.Deleted = deleted
		report.Writes += deleted
	}
	return report, nil
}

func (s *Store) applyVertex(ctx context.Context, fields []string, rec fact.VertexRecord, cycleID string) (ledger.ChangeType, error) {
	key := vertexKVKey(rec.Kind, rec.ID)
	raw, found, err := s.kv.Get(ctx, key)
	if err != nil {
		return "", err
	}

	now := s.now().UTC()

	if !found {
		stored := StoredVertex{Record: rec, Intervals: []fact.Interval{{From: now}}}
		change := ledger.ChangeRecord{
			EntityKind: ledger.EntityVertex,
			ChangeType: ledger.ChangeNew,
			Key:        rec.Key(),
			Deltas:     newVertexDeltas(rec),
			CycleID:    cycleID,
		}
		if err := s.commitVertex(ctx, key, stored, &change, rec.ID); err != nil {
			return "", err
		}
		return ledger.ChangeNew, nil
	}

	var prev StoredVertex
	if err := json.Unmarshal(raw, &prev); err != nil {
		return "", fmt.Errorf("corrupt stored vertex %s: %w", rec.Key(), err)
	}

	// The tier attribute is owned by the classifier; collector batches never
	// carry it, so it rides along instead of reading as a removal.
	if prevTier, tagged := prev.Record.Attrs["tier"]; tagged {
		if _, incoming := rec.Attrs["tier"]; !incoming {
			attrs := make(map[string]any, len(rec.Attrs)+1)
			for k, v := range rec.Attrs {
				attrs[k] = v
			}
			attrs["tier"] = prevTier
			rec.Attrs = attrs
		}
	}

	deltas := diffVertex(fields, prev.Record, rec)
	reopened := !prev.Active()
	if reopened {
		if deltas == nil {
			deltas = make(map[string]ledger.FieldDelta)
		}
		n := len(prev.Intervals)
		deltas["effectiveTo"] = ledger.FieldDelta{Old: prev.Intervals[n-1].To}
	}

	if len(deltas) == 0 {
		// Unchanged. Presence in the batch is the reconfirmation; no write.
		return "", nil
	}

	next := prev
	next.Record = rec
	if reopened {
		// Reopen the same record: a fresh interval, never a duplicate key.
		next.Intervals = append(append([]fact.Interval{}, prev.Intervals...), fact.Interval{From: now})
	}

	change := ledger.ChangeRecord{
		EntityKind: ledger.EntityVertex,
		ChangeType: ledger.ChangeModified,
		Key:        rec.Key(),
		Deltas:     deltas,
		CycleID:    cycleID,
	}
	if err := s.commitVertex(ctx, key, next, &change, ""); err != nil {
		return "", err
	}
	return ledger.ChangeModified, nil
}

func (s *Store) commitVertex(ctx context.Context, kvKey string, stored StoredVertex, change *ledger.ChangeRecord, indexID string) error {
	if _, err := s.log.Append(ctx, []ledger.ChangeRecord{*change}); err != nil {
		return err
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, kvKey, data); err != nil {
		return err
	}
	if indexID != "" {
		if err := s.kv.Set(ctx, vertexIndexKey(indexID), []byte(stored.Record.Kind)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) checkCollision(ctx context.Context, rec fact.VertexRecord) error {
	raw, found, err := s.kv.Get(ctx, vertexIndexKey(rec.ID))
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	existing := fact.VertexKind(raw)
	if existing != rec.Kind {
		return &CollisionError{
			ID:           rec.ID,
			ExistingKind: existing,
			IncomingKind: rec.Kind,
			Incoming:     rec,
		}
	}
	return nil
}

func (s *Store) closeAbsentVertices(ctx context.Context, kind fact.VertexKind, prebatch, seen map[string]bool, cycleID string) (int, error) {
	absent := make([]string, 0)
	for key := range prebatch {
		if !seen[key] {
			absent = append(absent, key)
		}
	}
	sort.Strings(absent)

	closed := 0
	now := s.now().UTC()
	for _, identityKey := range absent {
		id := strings.TrimPrefix(identityKey, string(kind)+"/")
		kvKey := vertexKVKey(kind, id)
		raw, found, err := s.kv.Get(ctx, kvKey)
		if err != nil {
			return closed, err
		}
		if !found {
			continue
		}
		var stored StoredVertex
		if err := json.Unmarshal(raw, &stored); err != nil {
			return closed, fmt.Errorf("corrupt stored vertex %s: %w", identityKey, err)
		}
		if !stored.Active() {
			continue
		}
		ts := now
		stored.Intervals[len(stored.Intervals)-1].To = &ts

		change := ledger.ChangeRecord{
			EntityKind: ledger.EntityVertex,
			ChangeType: ledger.ChangeDeleted,
			Key:        identityKey,
			Deltas:     map[string]ledger.FieldDelta{"effectiveTo": {New: ts}},
			CycleID:    cycleID,
		}
		if err := s.commitVertex(ctx, kvKey, stored, &change, ""); err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

// ApplyEdgeBatch classifies one batch of edges of a single kind. Derived
// edges pass through the same logic, so regeneration reconciles them exactly
// like physical facts.
func (s *Store) ApplyEdgeBatch(ctx context.Context, cfg CompareConfig, kind fact.EdgeKind, recs []fact.EdgeRecord, opts ApplyOptions) (Report, error) {
	report := Report{Partition: "edge/" + string(kind)}

	mu := s.partitionLock(report.Partition)
	mu.Lock()
	defer mu.Unlock()

	var prebatch map[string]bool
	if opts.Full {
		prebatch = make(map[string]bool)
		err := s.ScanEdges(ctx, kind, func(e StoredEdge) error {
			if e.Active() {
				prebatch[e.Record.Key()] = true
			}
			return nil
		})
		if err != nil {
			return report, err
		}
	}

	fields := cfg.EdgeFields[kind]
	seen := make(map[string]bool, len(recs))

	for _, rec := range recs {
		report.Total++
		if rec.Kind != kind {
			report.Rejected++
			report.Errors = append(report.Errors, fact.RecordError{
				Key: rec.Key(),
				Err: fmt.Errorf("record kind %s does not belong to partition %s", rec.Kind, kind),
			})
			continue
		}
		if seen[rec.Key()] {
			report.Rejected++
			report.Errors = append(report.Errors, fact.RecordError{
				Key: rec.Key(),
				Err: fmt.Errorf("duplicate identity key in batch"),
			})
			continue
		}
		seen[rec.Key()] = true

		applied, err := s.applyEdge(ctx, fields, rec, opts.CycleID)
		if err != nil {
			return report, err
		}
		switch applied {
		case ledger.ChangeNew:
			report.New++
			report.Writes++
		case ledger.ChangeModified:
			report.Modified++
			report.Writes++
		default:
			report.Unchanged++
		}
	}

	if opts.Full {
		deleted, err := s.closeAbsentEdges(ctx, kind, prebatch, seen, opts.CycleID)
		if err != nil {
			return report, err
		}
		report.Deleted = deleted
		report.Writes += deleted
	}
	return report, nil
}

func (s *Store) applyEdge(ctx context.Context, fields []string, rec fact.EdgeRecord, cycleID string) (ledger.ChangeType, error) {
	key := edgeKVKey(rec)
	raw, found, err := s.kv.Get(ctx, key)
	if err != nil {
		return "", err
	}

	now := s.now().UTC()

	if !found {
		stored := StoredEdge{Record: rec, Intervals: []fact.Interval{{From: now}}}
		change := ledger.ChangeRecord{
			EntityKind: ledger.EntityEdge,
			ChangeType: ledger.ChangeNew,
			Key:        rec.Key(),
			Deltas:     newEdgeDeltas(rec),
			CycleID:    cycleID,
		}
		if err := s.commitEdge(ctx, key, stored, &change); err != nil {
			return "", err
		}
		return ledger.ChangeNew, nil
	}

	var prev StoredEdge
	if err := json.Unmarshal(raw, &prev); err != nil {
		return "", fmt.Errorf("corrupt stored edge %s: %w", rec.Key(), err)
	}

	deltas := diffEdge(fields, prev.Record, rec)
	reopened := !prev.Active()
	if reopened {
		if deltas == nil {
			deltas = make(map[string]ledger.FieldDelta)
		}
		n := len(prev.Intervals)
		deltas["effectiveTo"] = ledger.FieldDelta{Old: prev.Intervals[n-1].To}
	}

	if len(deltas) == 0 {
		return "", nil
	}

	next := prev
	next.Record = rec
	if reopened {
		next.Intervals = append(append([]fact.Interval{}, prev.Intervals...), fact.Interval{From: now})
	}

	change := ledger.ChangeRecord{
		EntityKind: ledger.EntityEdge,
		ChangeType: ledger.ChangeModified,
		Key:        rec.Key(),
		Deltas:     deltas,
		CycleID:    cycleID,
	}
	if err := s.commitEdge(ctx, key, next, &change); err != nil {
		return "", err
	}
	return ledger.ChangeModified, nil
}

func (s *Store) commitEdge(ctx context.Context, kvKey string, stored StoredEdge, change *ledger.ChangeRecord) error {
	if _, err := s.log.Append(ctx, []ledger.ChangeRecord{*change}); err != nil {
		return err
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, kvKey, data)
}

func (s *Store) closeAbsentEdges(ctx context.Context, kind fact.EdgeKind, prebatch, seen map[string]bool, cycleID string) (int, error) {
	absent := make([]string, 0)
	for key := range prebatch {
		if !seen[key] {
			absent = append(absent, key)
		}
	}
	sort.Strings(absent)

	closed := 0
	now := s.now().UTC()
	for _, identityKey := range absent {
		source, target, _, qualifier, err := fact.SplitEdgeKey(identityKey)
		if err != nil {
			return closed, err
		}
		kvKey := "e/" + string(kind) + "/" + source + fact.KeySep + target + fact.KeySep + qualifier
		raw, found, err := s.kv.Get(ctx, kvKey)
		if err != nil {
			return closed, err
		}
		if !found {
			continue
		}
		var stored StoredEdge
		if err := json.Unmarshal(raw, &stored); err != nil {
			return closed, fmt.Errorf("corrupt stored edge %s: %w", identityKey, err)
		}
		if !stored.Active() {
			continue
		}
		ts := now
		stored.Intervals[len(stored.Intervals)-1].To = &ts

		change := ledger.ChangeRecord{
			EntityKind: ledger.EntityEdge,
			ChangeType: ledger.ChangeDeleted,
			Key:        identityKey,
			Deltas:     map[string]ledger.FieldDelta{"effectiveTo": {New: ts}},
			CycleID:    cycleID,
		}
		if err := s.commitEdge(ctx, kvKey, stored, &change); err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

// GetVertex looks up one vertex by identity key ("kind/id"). The full
// interval history is returned with the current image.
func (s *Store) GetVertex(ctx context.Context, identityKey string) (StoredVertex, bool, error) {
	kind, id, ok := strings.Cut(identityKey, "/")
	if !ok {
		return StoredVertex{}, false, fmt.Errorf("malformed vertex key %q", identityKey)
	}
	raw, found, err := s.kv.Get(ctx, vertexKVKey(fact.VertexKind(kind), id))
	if err != nil || !found {
		return StoredVertex{}, false, err
	}
	var stored StoredVertex
	if err := json.Unmarshal(raw, &stored); err != nil {
		return StoredVertex{}, false, fmt.Errorf("corrupt stored vertex %s: %w", identityKey, err)
	}
	return stored, true, nil
}

// GetEdge looks up one edge by identity key.
func (s *Store) GetEdge(ctx context.Context, identityKey string) (StoredEdge, bool, error) {
	source, target, kind, qualifier, err := fact.SplitEdgeKey(identityKey)
	if err != nil {
		return StoredEdge{}, false, err
	}
	kvKey := "e/" + string(kind) + "/" + source + fact.KeySep + target + fact.KeySep + qualifier
	raw, found, err := s.kv.Get(ctx, kvKey)
	if err != nil || !found {
		return StoredEdge{}, false, err
	}
	var stored StoredEdge
	if err := json.Unmarshal(raw, &stored); err != nil {
		return StoredEdge{}, false, fmt.Errorf("corrupt stored edge %s: %w", identityKey, err)
	}
	return stored, true, nil
}

// ScanVertices streams stored vertices of one kind, or all kinds when kind
// is empty. Iteration order is key order, stable across runs.
func (s *Store) ScanVertices(ctx context.Context, kind fact.VertexKind, fn func(StoredVertex) error) error {
	prefix := "v/"
	if kind != "" {
		prefix = "v/" + string(kind) + "/"
	}
	return s.kv.ScanPrefix(ctx, prefix, func(_ string, val []byte) error {
		var stored StoredVertex
		if err := json.Unmarshal(val, &stored); err != nil {
			return err
		}
		return fn(stored)
	})
}

// ScanEdges streams stored edges of one kind, or all kinds when kind is
// empty. Iteration order is key order, stable across runs.
func (s *Store) ScanEdges(ctx context.Context, kind fact.EdgeKind, fn func(StoredEdge) error) error {
	prefix := "e/"
	if kind != "" {
		prefix = "e/" + string(kind) + "/"
	}
	return s.kv.ScanPrefix(ctx, prefix, func(_ string, val []byte) error {
		var stored StoredEdge
		if err := json.Unmarshal(val, &stored); err != nil {
			return err
		}
		return fn(stored)
	})
}

// ApplyTierTags writes the recomputed tier classification back onto stored
// vertices as the "tier" attribute. Vertices no longer matching any tier
// rule lose the attribute. Tier recompute is full per run, so both
// directions surface as modified change records.
func (s *Store) ApplyTierTags(ctx context.Context, tags map[string]int, cycleID string) (Report, error) {
	report := Report{Partition: "vertex/tier"}

	// Current tagged set, for removal detection.
	type tierTarget struct {
		key  string
		tier int
		has  bool
	}
	targets := make(map[string]tierTarget, len(tags))
	for key, tier := range tags {
		targets[key] = tierTarget{key: key, tier: tier, has: true}
	}
	err := s.ScanVertices(ctx, "", func(v StoredVertex) error {
		if _, tagged := v.Record.Attrs["tier"]; tagged {
			if _, keep := targets[v.Record.Key()]; !keep {
				targets[v.Record.Key()] = tierTarget{key: v.Record.Key()}
			}
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	keys := make([]string, 0, len(targets))
	for k := range targets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, identityKey := range keys {
		target := targets[identityKey]
		stored, found, err := s.GetVertex(ctx, identityKey)
		if err != nil {
			return report, err
		}
		if !found {
			continue
		}
		report.Total++

		prev, had := stored.Record.Attrs["tier"]
		var deltas map[string]ledger.FieldDelta
		switch {
		case target.has && (!had || canonical(prev) != canonical(target.tier)):
			deltas = map[string]ledger.FieldDelta{"tier": {Old: prev, New: target.tier}}
			if stored.Record.Attrs == nil {
				stored.Record.Attrs = make(map[string]any)
			}
			stored.Record.Attrs["tier"] = target.tier
		case !target.has && had:
			deltas = map[string]ledger.FieldDelta{"tier": {Old: prev}}
			delete(stored.Record.Attrs, "tier")
		default:
			report.Unchanged++
			continue
		}

		kind, id, _ := strings.Cut(identityKey, "/")
		change := ledger.ChangeRecord{
			EntityKind: ledger.EntityVertex,
			ChangeType: ledger.ChangeModified,
			Key:        identityKey,
			Deltas:     deltas,
			CycleID:    cycleID,
		}
		if err := s.commitVertex(ctx, vertexKVKey(fact.VertexKind(kind), id), stored, &change, ""); err != nil {
			return report, err
		}
		report.Modified++
		report.Writes++
	}
	return report, nil
}
