// Package pipeline runs one prediction request through every stage:
// ingest, descriptor computation, feature alignment, prediction and result
// assembly. Stages run in order and the first failure ends the run with no
// partial output.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"bioact-main/src/internal/descriptor"
	"bioact-main/src/internal/faults"
	"bioact-main/src/internal/feature"
	"bioact-main/src/internal/metrics"
	"bioact-main/src/internal/model"
	"bioact-main/src/internal/molecule"
	"bioact-main/src/internal/result"
	"bioact-main/src/internal/workspace"

	"github.com/google/uuid"
)

// Stage is the last state a run reached.
type Stage string

const (
	StageStarted             Stage = "started"
	StageIngested            Stage = "ingested"
	StageDescriptorsComputed Stage = "descriptors_computed"
	StageFeaturesAligned     Stage = "features_aligned"
	StagePredicted           Stage = "predicted"
	StageAssembled           Stage = "assembled"
)

// StageError reports the stage a failed run had completed and the cause.
type StageError struct {
	RunID string
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("run %s failed after %s: %v", e.RunID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

type Options struct {
	Manifest      *feature.Manifest
	Predictor     *model.Predictor
	Engine        descriptor.Engine
	Imputation    feature.Imputation
	WorkspaceRoot string
	Metrics       *metrics.Metrics
}

// Pipeline holds the process-wide read-only state shared by every run.
type Pipeline struct {
	manifest  *feature.Manifest
	predictor *model.Predictor
	engine    descriptor.Engine
	aligner   feature.Aligner
	root      string
	metrics   *metrics.Metrics
}

func New(opts Options) (*Pipeline, error) {
	if opts.Manifest == nil {
		return nil, errors.New("pipeline: feature manifest is required")
	}
	if opts.Predictor == nil {
		return nil, errors.New("pipeline: predictor is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("pipeline: descriptor engine is required")
	}
	root := opts.WorkspaceRoot
	if root == "" {
		root = os.TempDir()
	}

	// Artifacts carry no version negotiation; a mismatch surfaces as a model
	// error on every run.
	if n := opts.Predictor.NFeatures(); n != opts.Manifest.Len() {
		slog.Warn("feature manifest and model disagree on input width", "manifest", opts.Manifest.Len(), "model", n)
	} else if names := opts.Predictor.Features(); len(names) > 0 && !slices.Equal(names, opts.Manifest.Names()) {
		slog.Warn("feature manifest and model disagree on feature order")
	}

	return &Pipeline{
		manifest:  opts.Manifest,
		predictor: opts.Predictor,
		engine:    opts.Engine,
		aligner:   feature.Aligner{Policy: opts.Imputation},
		root:      root,
		metrics:   opts.Metrics,
	}, nil
}

func (p *Pipeline) Manifest() *feature.Manifest { return p.manifest }

func (p *Pipeline) ModelInfo() model.Info { return p.predictor.Info() }

func (p *Pipeline) Imputation() feature.Imputation { return p.aligner.Policy }

func (p *Pipeline) Metrics() *metrics.Metrics { return p.metrics }

// Report is the outcome of a successful run.
type Report struct {
	RunID             string
	Molecules         int
	DescriptorColumns int
	FeatureRows       int
	FeatureCols       int
	Imputed           int
	Predictions       []result.Prediction
	Stage             Stage
	Durations         map[Stage]time.Duration
}

type run struct {
	p      *Pipeline
	id     string
	stage  Stage
	mark   time.Time
	report *Report
}

func (r *run) advance(s Stage) {
	now := time.Now()
	d := now.Sub(r.mark)
	r.report.Durations[s] = d
	r.p.metrics.ObserveStage(string(s), d)
	r.stage = s
	r.mark = now
}

func (r *run) fail(err error) error {
	slog.Warn("prediction run failed", "run_id", r.id, "stage", r.stage, "kind", faults.KindOf(err), "error", err)
	return &StageError{RunID: r.id, Stage: r.stage, Err: err}
}

// Run executes one request. The upload is read fully before any external
// process starts.
func (p *Pipeline) Run(ctx context.Context, upload io.Reader) (*Report, error) {
	r := &run{
		p:     p,
		id:    uuid.NewString(),
		stage: StageStarted,
		mark:  time.Now(),
		report: &Report{
			Durations: make(map[Stage]time.Duration, 5),
		},
	}
	r.report.RunID = r.id
	slog.Info("prediction run started", "run_id", r.id)

	recs, err := molecule.Parse(upload)
	if err != nil {
		return nil, r.fail(err)
	}
	r.report.Molecules = len(recs)
	r.advance(StageIngested)

	table, err := p.computeDescriptors(ctx, recs)
	if err != nil {
		return nil, r.fail(err)
	}
	r.report.DescriptorColumns = len(table.Columns)
	r.advance(StageDescriptorsComputed)

	if err := ctx.Err(); err != nil {
		return nil, r.fail(err)
	}
	matrix, err := p.aligner.Align(table, p.manifest)
	if err != nil {
		return nil, r.fail(err)
	}
	r.report.FeatureRows, r.report.FeatureCols = matrix.Dims()
	r.report.Imputed = matrix.Imputed
	if r.report.FeatureRows != len(recs) {
		return nil, r.fail(faults.New(faults.KindInternal, "align features", fmt.Errorf("%d rows for %d molecules", r.report.FeatureRows, len(recs))))
	}
	r.advance(StageFeaturesAligned)

	scores, err := p.predictor.Predict(ctx, matrix)
	if err != nil {
		return nil, r.fail(err)
	}
	r.advance(StagePredicted)

	preds, err := result.Assemble(recs, scores)
	if err != nil {
		return nil, r.fail(err)
	}
	r.report.Predictions = preds
	r.advance(StageAssembled)
	r.report.Stage = r.stage

	p.metrics.AddMolecules(len(preds))
	slog.Info("prediction run finished",
		"run_id", r.id,
		"molecules", len(preds),
		"descriptor_columns", r.report.DescriptorColumns,
		"imputed", r.report.Imputed,
	)
	return r.report, nil
}

// computeDescriptors runs the engine inside a fresh workspace that is
// removed before returning.
func (p *Pipeline) computeDescriptors(ctx context.Context, recs []molecule.Record) (*descriptor.Table, error) {
	ws, err := workspace.New(p.root)
	if err != nil {
		return nil, faults.Engine("prepare workspace", err)
	}
	defer ws.Close()

	f, err := os.Create(ws.InputPath())
	if err != nil {
		return nil, faults.Engine("write canonical input", err)
	}
	if err := molecule.WriteCanonical(f, recs); err != nil {
		f.Close()
		return nil, faults.Engine("write canonical input", err)
	}
	if err := f.Close(); err != nil {
		return nil, faults.Engine("write canonical input", err)
	}

	done := p.metrics.EngineStarted()
	table, err := p.engine.Compute(ctx, ws.InputPath(), ws.OutputPath())
	done()
	if err != nil {
		var fe *faults.Error
		if !errors.As(err, &fe) {
			err = faults.Engine("compute descriptors", err)
		}
		return nil, err
	}
	if err := table.Reorder(molecule.IDs(recs)); err != nil {
		return nil, err
	}
	return table, nil
}
