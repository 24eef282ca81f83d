package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/perimetra/perimetra/pkg/fact"
	"github.com/perimetra/perimetra/pkg/metrics"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	cfg.SkipTelemetry = true
	e, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func TestMockCycleEndToEnd(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	src := NewMockSource(42, 60)

	report, err := e.RunCycle(ctx, src)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(report.FailedScopes) != 0 {
		t.Fatalf("failed scopes: %v", report.FailedScopes)
	}

	users := report.Partitions["vertex/user"]
	if users.New != 60 || users.Modified != 0 || users.Deleted != 0 {
		t.Fatalf("user partition: %s", users)
	}

	// GA role, PA role and the app-credential grant derive one edge each.
	if report.DerivedEdges != 3 {
		t.Errorf("derived edges = %d, want 3", report.DerivedEdges)
	}
	// Three privileged roles plus the key vault classify as tier 0.
	if report.TieredNodes != 4 {
		t.Errorf("tiered nodes = %d, want 4", report.TieredNodes)
	}

	if report.Projection == nil || report.Projection.Applied == 0 {
		t.Fatalf("projection: %+v", report.Projection)
	}
	if len(report.Projection.Warnings) != 0 {
		t.Errorf("dangling edges: %v", report.Projection.Warnings)
	}

	admin := e.Graph.NodeByKey("user/u0000")
	if admin == nil || !admin.Active {
		t.Fatal("seeded admin not projected")
	}
	if n := e.Graph.NodeByKey("roleDefinition/role-ga"); n == nil || n.Tier != 0 {
		t.Errorf("privileged role not tiered: %+v", n)
	}

	abuse := false
	for _, edge := range e.Graph.OutEdges(admin.Index) {
		if edge.Label == string(fact.EdgeCanAbuse) {
			abuse = true
			if !edge.Derived || edge.Severity != fact.SeverityCritical {
				t.Errorf("derived edge projection: %+v", edge)
			}
		}
	}
	if !abuse {
		t.Error("derived capability edge missing from graph")
	}
}

func TestSecondCycleIsQuiescent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	src := NewMockSource(42, 60)

	if _, err := e.RunCycle(ctx, src); err != nil {
		t.Fatal(err)
	}
	report, err := e.RunCycle(ctx, src)
	if err != nil {
		t.Fatal(err)
	}

	total := report.Totals()
	if total.New != 0 || total.Modified != 0 || total.Deleted != 0 || total.Writes != 0 {
		t.Fatalf("identical observation produced changes: %s", total)
	}
	if report.Projection.Applied != 0 {
		t.Errorf("quiescent cycle projected %d records", report.Projection.Applied)
	}
}

func TestChurnSurfacesAsChanges(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	src := NewMockSource(42, 60)

	if _, err := e.RunCycle(ctx, src); err != nil {
		t.Fatal(err)
	}
	src.Churn()
	report, err := e.RunCycle(ctx, src)
	if err != nil {
		t.Fatal(err)
	}

	users := report.Partitions["vertex/user"]
	if users.New != 1 {
		t.Errorf("new hire not detected: %s", users)
	}
	if users.Deleted != 1 {
		t.Errorf("departure not detected: %s", users)
	}
	if users.Modified > 2 {
		t.Errorf("modified count out of range: %s", users)
	}
}

type failingSource struct {
	inner *MockSource
}

func (f *failingSource) Name() string { return "failing" }

func (f *failingSource) Vertices(ctx context.Context, kind fact.VertexKind) ([]fact.VertexRecord, []fact.RecordError, error) {
	if kind == fact.KindUser {
		return nil, nil, errors.New("directory throttled")
	}
	return f.inner.Vertices(ctx, kind)
}

func (f *failingSource) Edges(ctx context.Context, kind fact.EdgeKind) ([]fact.EdgeRecord, []fact.RecordError, error) {
	return f.inner.Edges(ctx, kind)
}

func TestFailedScopeKeepsPreviousState(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	src := NewMockSource(42, 30)

	if _, err := e.RunCycle(ctx, src); err != nil {
		t.Fatal(err)
	}

	report, err := e.RunCycle(ctx, &failingSource{inner: src})
	if err != nil {
		t.Fatalf("non-strict cycle errored: %v", err)
	}
	if len(report.FailedScopes) != 1 || report.FailedScopes[0] != "vertex/user" {
		t.Fatalf("failed scopes: %v", report.FailedScopes)
	}

	// No close ran against the failed partition: the users survive.
	users := report.Partitions["vertex/user"]
	if users.Deleted != 0 {
		t.Errorf("failed scope closed records: %s", users)
	}
	if n := e.Graph.NodeByKey("user/u0000"); n == nil || !n.Active {
		t.Error("previous state lost after fetch failure")
	}
}

func TestStrictModeFailsCycleOnFailedScope(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{StrictMode: true})
	src := NewMockSource(42, 30)

	report, err := e.RunCycle(ctx, &failingSource{inner: src})
	if err == nil {
		t.Fatal("strict cycle with failed scope returned nil error")
	}
	// The rest of the cycle still ran.
	if report.Projection == nil {
		t.Error("strict failure aborted projection")
	}
}

func TestCyclePublishesSnapshot(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{SnapshotURL: t.TempDir()})
	src := NewMockSource(42, 30)

	report, err := e.RunCycle(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if report.SnapshotID == "" {
		t.Fatal("no snapshot id in report")
	}

	latest, err := e.Snapshots.Latest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || latest.ID != report.SnapshotID {
		t.Fatalf("latest manifest: %+v", latest)
	}
	if len(latest.Entries) != len(e.Rules().Templates) {
		t.Errorf("manifest entries = %d, templates = %d", len(latest.Entries), len(e.Rules().Templates))
	}
}

func TestExportStreamsJSONL(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	src := NewMockSource(42, 20)

	if _, err := e.RunCycle(ctx, src); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := e.Export(ctx, &buf, ExportOptions{Derived: true}); err != nil {
		t.Fatal(err)
	}

	lines := 0
	derived := 0
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		lines++
		if strings.Contains(sc.Text(), `"canAbuse"`) {
			derived++
		}
	}
	if lines == 0 {
		t.Fatal("empty export")
	}
	if derived == 0 {
		t.Error("derived edges missing from export")
	}

	var physical bytes.Buffer
	if err := e.Export(ctx, &physical, ExportOptions{}); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(physical.String(), `"derived":`) {
		t.Error("derived edge leaked into physical-only export")
	}
}

func TestExportCSV(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	src := NewMockSource(42, 20)

	if _, err := e.RunCycle(ctx, src); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := e.Export(ctx, &buf, ExportOptions{Derived: true, Format: FormatCSV}); err != nil {
		t.Fatal(err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) < 2 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[0][0] != "record" || rows[0][2] != "key" {
		t.Fatalf("header = %v", rows[0])
	}
	vertices, edges := 0, 0
	for _, row := range rows[1:] {
		switch row[0] {
		case "vertex":
			vertices++
			if edges > 0 {
				t.Fatal("vertex row after edge rows")
			}
		case "edge":
			edges++
		default:
			t.Fatalf("record column = %q", row[0])
		}
	}
	if vertices == 0 || edges == 0 {
		t.Fatalf("vertices = %d, edges = %d", vertices, edges)
	}

	if err := e.Export(ctx, io.Discard, ExportOptions{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestCycleCountsTraversalTruncations(t *testing.T) {
	rules := `traversals:
  - name: tight
    source: kind == "user"
    target: tier == 0
    maxDepth: 3
    maxResults: 5
    visitBudget: 1
`
	dir := t.TempDir()
	rulesFile := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(rulesFile, []byte(rules), 0o644); err != nil {
		t.Fatal(err)
	}

	before := testutil.ToFloat64(metrics.TraversalTruncations.WithLabelValues("tight"))

	e := newTestEngine(t, Config{RulesFile: rulesFile, SnapshotURL: filepath.Join(dir, "snaps")})
	report, err := e.RunCycle(context.Background(), NewMockSource(42, 20))
	if err != nil {
		t.Fatal(err)
	}
	if report.SnapshotID == "" {
		t.Fatal("no snapshot published")
	}

	after := testutil.ToFloat64(metrics.TraversalTruncations.WithLabelValues("tight"))
	if after != before+1 {
		t.Fatalf("truncation counter moved by %v, want 1", after-before)
	}
}
