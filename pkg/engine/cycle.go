package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/perimetra/perimetra/internal/swarm"
	"github.com/perimetra/perimetra/pkg/delta"
	"github.com/perimetra/perimetra/pkg/derive"
	"github.com/perimetra/perimetra/pkg/fact"
	"github.com/perimetra/perimetra/pkg/metrics"
	"github.com/perimetra/perimetra/pkg/projector"
)

// CycleReport is the outcome of one full collection cycle: per-partition
// change counters, scopes that failed, and what the downstream stages did.
type CycleReport struct {
	CycleID   string        `json:"cycleId"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`

	// Partitions holds one counter row per observed partition.
	Partitions map[string]delta.Report `json:"partitions"`

	// FailedScopes lists partitions whose fetch failed; their previous
	// state stays in force and nothing was closed against them.
	FailedScopes []string `json:"failedScopes,omitempty"`

	DerivedEdges int               `json:"derivedEdges"`
	TieredNodes  int               `json:"tieredNodes"`
	Projection   *projector.Report `json:"projection,omitempty"`
	SnapshotID   string            `json:"snapshotId,omitempty"`
	Shipped      int               `json:"shipped"`
}

// Totals folds every partition row into one.
func (r *CycleReport) Totals() delta.Report {
	total := delta.Report{Partition: "total"}
	keys := make([]string, 0, len(r.Partitions))
	for k := range r.Partitions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		total.Merge(r.Partitions[k])
	}
	return total
}

// RunCycle executes one full cycle against the given source: ingest every
// partition, rerun derivation, project the ledger into the graph and
// publish a snapshot. Partial fetch failures degrade the cycle, they do not
// abort it; StrictMode turns them into an error after everything else ran.
func (e *Engine) RunCycle(ctx context.Context, source Source) (*CycleReport, error) {
	e.reloadRules()

	ctx, span := e.Tracer.Start(ctx, "cycle.run")
	defer span.End()

	report := &CycleReport{
		CycleID:    uuid.NewString(),
		StartedAt:  time.Now().UTC(),
		Partitions: make(map[string]delta.Report),
	}
	span.SetAttributes(attribute.String("cycle.id", report.CycleID))
	e.Logger.Info("Cycle started", "cycle", report.CycleID, "source", source.Name())

	e.ingest(ctx, source, report)

	if err := e.derive(ctx, report); err != nil {
		span.SetStatus(codes.Error, err.Error())
		metrics.CycleRuns.WithLabelValues("error").Inc()
		return report, err
	}

	if err := e.project(ctx, report); err != nil {
		span.SetStatus(codes.Error, err.Error())
		metrics.CycleRuns.WithLabelValues("error").Inc()
		return report, err
	}

	if err := e.publish(ctx, report); err != nil {
		// Artifacts are rebuilt next cycle; state is already consistent.
		e.Logger.Error("Snapshot publication failed", "cycle", report.CycleID, "error", err)
	}

	report.Duration = time.Since(report.StartedAt)
	e.observe(report)

	total := report.Totals()
	e.Logger.Info("Cycle finished",
		"cycle", report.CycleID,
		"duration", report.Duration.Round(time.Millisecond),
		"total", total.Total,
		"new", total.New,
		"modified", total.Modified,
		"unchanged", total.Unchanged,
		"deleted", total.Deleted,
		"rejected", total.Rejected,
		"writes", total.Writes,
		"failed_scopes", len(report.FailedScopes),
	)

	if e.config.StrictMode && len(report.FailedScopes) > 0 {
		metrics.CycleRuns.WithLabelValues("partial").Inc()
		return report, fmt.Errorf("cycle %s: %d scopes failed", report.CycleID, len(report.FailedScopes))
	}
	metrics.CycleRuns.WithLabelValues("ok").Inc()
	return report, nil
}

// ingest fans partition fetches out over the swarm and applies each batch
// to the delta store. Every batch is a full observation of its partition.
func (e *Engine) ingest(ctx context.Context, source Source, report *CycleReport) {
	ctx, span := e.Tracer.Start(ctx, "cycle.ingest")
	defer span.End()

	var mu sync.Mutex
	opts := delta.ApplyOptions{Full: true, CycleID: report.CycleID}
	cmp := e.rules.Compare

	var tasks []swarm.Task
	for _, kind := range fact.VertexKinds() {
		kind := kind
		partition := "vertex/" + string(kind)
		tasks = append(tasks, swarm.Task{
			Partition: partition,
			Run: func(ctx context.Context) error {
				recs, recErrs, err := source.Vertices(ctx, kind)
				if err != nil {
					return err
				}
				rep, err := e.Store.ApplyVertexBatch(ctx, cmp, kind, recs, opts)
				if err != nil {
					return err
				}
				rep.Rejected += len(recErrs)
				rep.Errors = append(rep.Errors, recErrs...)
				mu.Lock()
				report.Partitions[partition] = rep
				mu.Unlock()
				return nil
			},
		})
	}
	for _, kind := range fact.EdgeKinds() {
		kind := kind
		partition := "edge/" + string(kind)
		tasks = append(tasks, swarm.Task{
			Partition: partition,
			Run: func(ctx context.Context) error {
				recs, recErrs, err := source.Edges(ctx, kind)
				if err != nil {
					return err
				}
				rep, err := e.Store.ApplyEdgeBatch(ctx, cmp, kind, recs, opts)
				if err != nil {
					return err
				}
				rep.Rejected += len(recErrs)
				rep.Errors = append(rep.Errors, recErrs...)
				mu.Lock()
				report.Partitions[partition] = rep
				mu.Unlock()
				return nil
			},
		})
	}

	for _, f := range e.Swarm.Run(ctx, tasks) {
		if errors.Is(f.Err, ErrNotObserved) {
			continue
		}
		e.Logger.Warn("Partition fetch failed, keeping previous state",
			"partition", f.Partition, "error", f.Err)
		report.FailedScopes = append(report.FailedScopes, f.Partition)
	}
	sort.Strings(report.FailedScopes)

	for partition, rep := range report.Partitions {
		entity, _, _ := strings.Cut(partition, "/")
		metrics.Changes.WithLabelValues(entity, "new").Add(float64(rep.New))
		metrics.Changes.WithLabelValues(entity, "modified").Add(float64(rep.Modified))
		metrics.Changes.WithLabelValues(entity, "deleted").Add(float64(rep.Deleted))
		metrics.RejectedRecords.WithLabelValues(partition).Add(float64(rep.Rejected))
	}
}

// derive reruns the full derivation pass and applies its output as one more
// full batch, so stale derived edges close through the ordinary delta path.
func (e *Engine) derive(ctx context.Context, report *CycleReport) error {
	ctx, span := e.Tracer.Start(ctx, "cycle.derive")
	defer span.End()

	result, err := derive.Run(ctx, e.rules.Rules, e.Store)
	if err != nil {
		return fmt.Errorf("derivation: %w", err)
	}
	report.DerivedEdges = len(result.Edges)
	report.TieredNodes = len(result.Tiers)
	metrics.DerivedEdges.Set(float64(len(result.Edges)))

	opts := delta.ApplyOptions{Full: true, CycleID: report.CycleID}
	rep, err := e.Store.ApplyEdgeBatch(ctx, e.rules.Compare, fact.EdgeCanAbuse, result.Edges, opts)
	if err != nil {
		return fmt.Errorf("apply derived edges: %w", err)
	}
	report.Partitions["edge/"+string(fact.EdgeCanAbuse)] = rep

	tierRep, err := e.Store.ApplyTierTags(ctx, result.Tiers, report.CycleID)
	if err != nil {
		return fmt.Errorf("apply tier tags: %w", err)
	}
	if tierRep.Writes > 0 {
		report.Partitions["vertex/tier"] = tierRep
	}
	return nil
}

func (e *Engine) project(ctx context.Context, report *CycleReport) error {
	ctx, span := e.Tracer.Start(ctx, "cycle.project")
	defer span.End()

	rep, err := e.Projector.Sync(ctx)
	if err != nil {
		return fmt.Errorf("projection: %w", err)
	}
	report.Projection = rep

	nodes, edges := e.Graph.Stats()
	metrics.GraphNodes.Set(float64(nodes))
	metrics.GraphEdges.Set(float64(edges))
	metrics.DeferredEdges.Set(float64(rep.Deferred))
	for _, w := range rep.Warnings {
		e.Logger.Warn("Edge still dangling after retry budget", "edge", w)
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, report *CycleReport) error {
	if e.Snapshots == nil {
		return nil
	}
	ctx, span := e.Tracer.Start(ctx, "cycle.publish")
	defer span.End()

	manifest, err := e.Snapshots.Write(ctx, e.Graph, e.rules.Templates, report.Projection.Watermark, report.CycleID)
	if err != nil {
		return err
	}
	report.SnapshotID = manifest.ID
	for _, entry := range manifest.Entries {
		if entry.Truncated {
			metrics.TraversalTruncations.WithLabelValues(entry.Template).Inc()
		}
	}

	if e.Shipper != nil {
		shipped, err := e.Shipper.ShipClosed(ctx)
		if err != nil {
			return fmt.Errorf("ship ledger: %w", err)
		}
		report.Shipped = shipped
	}
	return nil
}

func (e *Engine) observe(report *CycleReport) {
	metrics.CycleDuration.Observe(report.Duration.Seconds())
}

