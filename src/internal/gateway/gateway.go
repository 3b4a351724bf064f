package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"bioact-main/src/internal/archive"
	"bioact-main/src/internal/config"
	"bioact-main/src/internal/cron"
	"bioact-main/src/internal/descriptor"
	"bioact-main/src/internal/faults"
	"bioact-main/src/internal/feature"
	"bioact-main/src/internal/history"
	"bioact-main/src/internal/metrics"
	"bioact-main/src/internal/model"
	"bioact-main/src/internal/pipeline"
	"bioact-main/src/internal/result"
	"bioact-main/src/internal/storage"
)

// ErrArchiveDisabled is returned by Download when no archive is configured.
var ErrArchiveDisabled = errors.New("result archive is disabled")

// Deps are the long-lived components a Gateway serves requests with.
// History and Archive may be nil.
type Deps struct {
	Pipeline *pipeline.Pipeline
	History  *history.Store
	Archive  archive.Store
	Metrics  *metrics.Metrics
}

type Gateway struct {
	Config   *config.Config
	Storage  *storage.Storage
	Pipeline *pipeline.Pipeline
	History  *history.Store
	Archive  archive.Store
	Metrics  *metrics.Metrics

	cronMgr *cron.CronManager
	header  result.Header
	started time.Time
}

// deployment is persisted in the data directory to spot model swaps across
// restarts.
type deployment struct {
	Model    model.Info `json:"model"`
	Features int        `json:"features"`
	LoadedAt time.Time  `json:"loaded_at"`
}

func New(cfg *config.Config, st *storage.Storage, deps Deps) *Gateway {
	gw := &Gateway{
		Config:   cfg,
		Storage:  st,
		Pipeline: deps.Pipeline,
		History:  deps.History,
		Archive:  deps.Archive,
		Metrics:  deps.Metrics,
		cronMgr:  cron.NewCronManager(),
		header:   result.Header{ID: cfg.Result.IDHeader, Score: cfg.Result.ScoreHeader},
		started:  time.Now(),
	}
	gw.recordDeployment()
	return gw
}

// Open loads the manifest and model, builds the engine and opens the
// history and archive stores named by cfg. Any failure is fatal for the
// service.
func Open(ctx context.Context, cfg *config.Config) (*Gateway, error) {
	st, err := storage.New(cfg.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	p, err := BuildPipeline(cfg, metrics.New())
	if err != nil {
		return nil, err
	}
	hist, err := history.Open(cfg.History.Path)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	arc, err := archive.Open(ctx, archive.Config{
		Driver: cfg.Archive.Driver,
		Dir:    cfg.Archive.Dir,
		S3:     cfg.Archive.S3,
	})
	if err != nil {
		_ = hist.Close()
		return nil, fmt.Errorf("archive: %w", err)
	}
	return New(cfg, st, Deps{Pipeline: p, History: hist, Archive: arc, Metrics: p.Metrics()}), nil
}

// BuildPipeline loads the read-only artifacts and wires the engine.
func BuildPipeline(cfg *config.Config, m *metrics.Metrics) (*pipeline.Pipeline, error) {
	manifest, err := feature.LoadManifest(cfg.Model.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("feature manifest: %w", err)
	}
	predictor, err := model.Load(cfg.Model.ArtifactPath)
	if err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}
	policy, err := feature.ParseImputation(cfg.Features.Imputation)
	if err != nil {
		return nil, err
	}
	return pipeline.New(pipeline.Options{
		Manifest:      manifest,
		Predictor:     predictor,
		Engine:        BuildEngine(cfg.Engine),
		Imputation:    policy,
		WorkspaceRoot: cfg.Workspace.Root,
		Metrics:       m,
	})
}

// BuildEngine returns the configured command engine, or PaDEL when no
// explicit command is set.
func BuildEngine(ec config.EngineConfig) *descriptor.ProcessEngine {
	var e *descriptor.ProcessEngine
	if ec.Command != "" {
		e = descriptor.NewProcessEngine(ec.Command, ec.Args, ec.Timeout, ec.MaxConcurrent)
	} else {
		e = descriptor.NewPaDEL(descriptor.PaDELOptions{
			Java:             ec.Java,
			Home:             ec.Home,
			Jar:              ec.Jar,
			DescriptorTypes:  ec.DescriptorTypes,
			Heap:             ec.Heap,
			Threads:          ec.Threads,
			RemoveSalt:       ec.RemoveSalt,
			StandardizeNitro: ec.StandardizeNitro,
			Fingerprints:     ec.Fingerprints,
		}, ec.Timeout, ec.MaxConcurrent)
	}
	if ec.IDColumn != "" {
		e.IDColumn = ec.IDColumn
	}
	return e
}

func (gw *Gateway) recordDeployment() {
	if gw.Storage == nil || gw.Pipeline == nil {
		return
	}
	cur := deployment{
		Model:    gw.Pipeline.ModelInfo(),
		Features: gw.Pipeline.Manifest().Len(),
		LoadedAt: gw.started.UTC(),
	}
	var prev deployment
	if ok, err := gw.Storage.LoadState("deployment", &prev); err != nil {
		slog.Warn("failed to read previous deployment", "error", err)
	} else if ok && (prev.Model != cur.Model || prev.Features != cur.Features) {
		slog.Info("model changed since last start",
			"previous", prev.Model.Name+"@"+prev.Model.Version,
			"current", cur.Model.Name+"@"+cur.Model.Version,
		)
	}
	if err := gw.Storage.SaveState("deployment", cur); err != nil {
		slog.Warn("failed to save deployment state", "error", err)
	}
}

// Start schedules housekeeping: stale workspace sweeps and history pruning.
func (gw *Gateway) Start() error {
	ws := gw.Config.Workspace
	if _, err := gw.cronMgr.AddWorkspaceJanitor(ws.Janitor, ws.Root, ws.MaxAge); err != nil {
		return err
	}
	if gw.History != nil && gw.Config.History.Retention > 0 {
		retention := gw.Config.History.Retention
		if _, err := gw.cronMgr.AddJob("history-prune", "0 0 * * * *", func() {
			n, err := gw.History.Prune(context.Background(), time.Now().Add(-retention))
			if err != nil {
				slog.Error("history prune failed", "error", err)
				return
			}
			if n > 0 {
				slog.Info("pruned run history", "removed", n)
			}
		}); err != nil {
			return err
		}
	}
	// Leftovers from a crashed process are swept once before serving.
	cron.SweepWorkspaces(ws.Root, ws.MaxAge)
	gw.cronMgr.Start()
	slog.Info("housekeeping scheduled", "jobs", gw.cronMgr.Jobs())
	return nil
}

// Close stops housekeeping and releases the history database.
func (gw *Gateway) Close() error {
	gw.cronMgr.Stop()
	if gw.History != nil {
		return gw.History.Close()
	}
	return nil
}

func (gw *Gateway) Uptime() time.Duration { return time.Since(gw.started) }

func (gw *Gateway) Header() result.Header { return gw.header }

// Outcome is a finished prediction with its rendered CSV.
type Outcome struct {
	*pipeline.Report
	CSV        []byte
	ArchiveKey string
}

// Predict runs the pipeline for one upload, then records and archives the
// outcome. Archive and history failures are logged, never returned.
func (gw *Gateway) Predict(ctx context.Context, upload io.Reader) (*Outcome, error) {
	started := time.Now()
	rep, err := gw.Pipeline.Run(ctx, upload)
	if err != nil {
		gw.Metrics.ObserveRun(outcomeLabel(err))
		gw.recordFailure(started, err)
		return nil, err
	}
	gw.Metrics.ObserveRun("ok")

	var buf bytes.Buffer
	if err := result.WriteCSV(&buf, rep.Predictions, gw.header); err != nil {
		return nil, faults.New(faults.KindInternal, "write results", err)
	}
	out := &Outcome{Report: rep, CSV: buf.Bytes()}

	if gw.Archive != nil {
		key := archive.ResultKey(rep.RunID, result.DownloadFilename)
		// The request may already be gone; archiving still completes.
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		if _, err := gw.Archive.Put(actx, key, bytes.NewReader(out.CSV), "text/csv"); err != nil {
			slog.Warn("failed to archive results", "run_id", rep.RunID, "key", key, "error", err)
		} else {
			out.ArchiveKey = key
		}
		cancel()
	}

	gw.record(history.Run{
		ID:         rep.RunID,
		StartedAt:  started.UTC(),
		FinishedAt: time.Now().UTC(),
		Molecules:  rep.Molecules,
		Status:     history.StatusOK,
		Stage:      string(rep.Stage),
		ArchiveKey: out.ArchiveKey,
	})
	return out, nil
}

func (gw *Gateway) recordFailure(started time.Time, err error) {
	var se *pipeline.StageError
	if !errors.As(err, &se) {
		return
	}
	gw.record(history.Run{
		ID:         se.RunID,
		StartedAt:  started.UTC(),
		FinishedAt: time.Now().UTC(),
		Status:     history.StatusFailed,
		Kind:       string(faults.KindOf(err)),
		Stage:      string(se.Stage),
		Message:    se.Err.Error(),
	})
}

func (gw *Gateway) record(r history.Run) {
	if gw.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.History.Record(ctx, r); err != nil {
		slog.Warn("failed to record run", "run_id", r.ID, "error", err)
	}
}

func outcomeLabel(err error) string {
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return string(faults.KindOf(err))
}

// Download opens the archived result table of a run.
func (gw *Gateway) Download(ctx context.Context, runID string) (archive.Info, io.ReadCloser, error) {
	if gw.Archive == nil {
		return archive.Info{}, nil, ErrArchiveDisabled
	}
	key := archive.ResultKey(runID, result.DownloadFilename)
	if gw.History != nil {
		r, err := gw.History.Get(ctx, runID)
		switch {
		case errors.Is(err, history.ErrNotFound):
			return archive.Info{}, nil, archive.ErrNotFound
		case err != nil:
			return archive.Info{}, nil, err
		case r.ArchiveKey == "":
			return archive.Info{}, nil, archive.ErrNotFound
		}
		key = r.ArchiveKey
	}
	return gw.Archive.Get(ctx, key)
}

func (gw *Gateway) ListRuns(ctx context.Context, limit int) ([]history.Run, error) {
	if gw.History == nil {
		return nil, nil
	}
	return gw.History.List(ctx, limit)
}
