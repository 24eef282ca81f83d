// Package engine orchestrates the collection cycle: ingest, change
// detection, derivation, projection and snapshot publication.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/perimetra/perimetra/internal/swarm"
	appconfig "github.com/perimetra/perimetra/pkg/config"
	"github.com/perimetra/perimetra/pkg/delta"
	"github.com/perimetra/perimetra/pkg/graph"
	"github.com/perimetra/perimetra/pkg/ledger"
	"github.com/perimetra/perimetra/pkg/projector"
	"github.com/perimetra/perimetra/pkg/snapshot"
	"github.com/perimetra/perimetra/pkg/storage"
	"github.com/perimetra/perimetra/pkg/telemetry"
	"github.com/perimetra/perimetra/pkg/version"
)

// Config holds engine settings.
type Config struct {
	// DataDir roots the local state: badger KV, ledger partitions and
	// watermarks. Empty means fully in-memory (mock and tests).
	DataDir string

	// RulesFile is the YAML rule file; empty uses the built-in defaults.
	RulesFile string

	// WatchRules reloads the rule file at cycle boundaries when it changes.
	WatchRules bool

	// MockMode replaces the collector source with a generated tenant.
	MockMode bool

	// SnapshotURL is where snapshot artifacts and shipped ledger
	// partitions go: "s3://bucket/prefix" or a local directory.
	SnapshotURL string

	// DynamoTable holds projection watermarks when set; empty uses the
	// file store under DataDir.
	DynamoTable string

	// StrictMode forces a cycle error when any partition failed.
	StrictMode bool

	// Telemetry config.
	OtelEndpoint  string
	SkipTelemetry bool

	Logger *slog.Logger
}

// Engine is the runtime core.
type Engine struct {
	Store     *delta.Store
	Log       *ledger.Log
	Graph     *graph.Graph
	Projector *projector.Projector
	Swarm     *swarm.Engine
	Snapshots *snapshot.Writer
	Shipper   *ledger.Shipper
	Logger    *slog.Logger
	Tracer    trace.Tracer

	config  Config
	rules   *appconfig.Config
	watcher *appconfig.Watcher

	shutdownTelemetry func(context.Context) error
	closeKV           func() error
}

// New initializes the engine and opens its stores.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		Graph:  graph.New(),
		Swarm:  swarm.NewEngine(),
		Logger: logger,
		Tracer: otel.Tracer("perimetra/engine"),
		config: cfg,
	}

	if !cfg.SkipTelemetry {
		shutdown, err := telemetry.Init(ctx, version.AppName, version.Current, cfg.OtelEndpoint)
		if err != nil {
			logger.Warn("Telemetry init failed", "error", err)
		} else {
			e.shutdownTelemetry = shutdown
		}
	}

	if err := e.openStores(ctx); err != nil {
		return nil, err
	}
	if err := e.loadRules(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) openStores(ctx context.Context) error {
	cfg := e.config

	var kv delta.KV
	var backend ledger.Backend
	var marks projector.WatermarkStore

	if cfg.DataDir == "" {
		kv = delta.NewMemoryKV()
		backend = ledger.NewMemoryBackend()
		marks = projector.NewMemoryWatermarks()
	} else {
		bkv, err := delta.OpenBadger(filepath.Join(cfg.DataDir, "state"), e.Logger)
		if err != nil {
			return fmt.Errorf("open state store: %w", err)
		}
		e.closeKV = bkv.Close
		kv = bkv

		backend = ledger.NewFileBackend(filepath.Join(cfg.DataDir, "ledger"))
		marks = projector.NewFileWatermarks(filepath.Join(cfg.DataDir, "marks"))
	}

	if cfg.DynamoTable != "" {
		dm, err := projector.OpenDynamoWatermarks(ctx, cfg.DynamoTable)
		if err != nil {
			return fmt.Errorf("open watermark table: %w", err)
		}
		marks = dm
	}

	log, err := ledger.NewLog(ctx, backend)
	if err != nil {
		return fmt.Errorf("resume ledger: %w", err)
	}
	e.Log = log
	e.Store = delta.NewStore(kv, log)
	e.Projector = projector.New(log, e.Graph, marks, "graph")

	if cfg.SnapshotURL != "" {
		store, err := openBlobStore(ctx, cfg.SnapshotURL)
		if err != nil {
			return err
		}
		e.Snapshots = snapshot.New(store, "snapshots")
		if fb, ok := backend.(*ledger.FileBackend); ok {
			e.Shipper = &ledger.Shipper{Backend: fb, Store: store, Prefix: "ledger"}
		}
	}
	return nil
}

func openBlobStore(ctx context.Context, target string) (storage.BlobStore, error) {
	if strings.HasPrefix(target, "s3://") {
		return storage.OpenS3(ctx, target)
	}
	return storage.NewLocalStore(target), nil
}

func (e *Engine) loadRules() error {
	if e.config.RulesFile == "" {
		e.rules = appconfig.Default()
		return nil
	}
	rules, err := appconfig.Load(e.config.RulesFile)
	if err != nil {
		return err
	}
	e.rules = rules

	if e.config.WatchRules {
		w, err := appconfig.Watch(e.config.RulesFile)
		if err != nil {
			e.Logger.Warn("Rule file watch failed, hot reload disabled", "error", err)
			return nil
		}
		e.watcher = w
	}
	return nil
}

// Rules returns the active configuration.
func (e *Engine) Rules() *appconfig.Config { return e.rules }

// reloadRules swaps in a changed rule file at a cycle boundary. A broken
// file keeps the previous rules in force.
func (e *Engine) reloadRules() {
	if e.watcher == nil {
		return
	}
	rules, err := e.watcher.Reload()
	if err != nil {
		e.Logger.Error("Rule reload failed, keeping previous rules", "error", err)
		return
	}
	if rules != nil {
		e.rules = rules
		e.Logger.Info("Rules reloaded", "file", e.config.RulesFile)
	}
}

// Close releases stores and flushes telemetry.
func (e *Engine) Close(ctx context.Context) error {
	if e.watcher != nil {
		e.watcher.Stop()
	}
	var firstErr error
	if e.closeKV != nil {
		if err := e.closeKV(); err != nil {
			firstErr = err
		}
	}
	if e.shutdownTelemetry != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := e.shutdownTelemetry(shutdownCtx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
