// Package model applies a persisted regression model to aligned feature
// matrices. A Predictor is loaded once and is safe for concurrent use.
package model

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"

	"bioact-main/src/internal/faults"
	"bioact-main/src/internal/feature"
	"bioact-main/src/internal/system"

	"gonum.org/v1/gonum/mat"
)

// Predictor never mutates its artifact after Load.
type Predictor struct {
	a    *Artifact
	coef *mat.VecDense
}

// Info describes the loaded model for status endpoints.
type Info struct {
	Name      string `json:"name"`
	Target    string `json:"target"`
	Version   string `json:"version"`
	Kind      string `json:"kind"`
	NFeatures int    `json:"n_features"`
	Trees     int    `json:"trees,omitempty"`
}

func Load(path string) (*Predictor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model artifact: %w", err)
	}
	a, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("model artifact %s: %w", path, err)
	}
	p := New(a)
	slog.Info("loaded model artifact", "path", path, "kind", a.Kind, "features", a.NFeatures, "trees", len(a.Trees))
	system.LogMemoryUsage("model_load")
	return p, nil
}

// New wraps an already validated artifact.
func New(a *Artifact) *Predictor {
	p := &Predictor{a: a}
	if a.Kind == KindLinear {
		p.coef = mat.NewVecDense(len(a.Coef), append([]float64(nil), a.Coef...))
	}
	return p
}

func (p *Predictor) Info() Info {
	return Info{
		Name:      p.a.Name,
		Target:    p.a.Target,
		Version:   p.a.Version,
		Kind:      p.a.Kind,
		NFeatures: p.a.NFeatures,
		Trees:     len(p.a.Trees),
	}
}

func (p *Predictor) NFeatures() int { return p.a.NFeatures }

// Features returns the artifact's input names, or nil when the artifact was
// saved without them.
func (p *Predictor) Features() []string { return append([]string(nil), p.a.Features...) }

// Predict returns one score per matrix row, in row order.
func (p *Predictor) Predict(ctx context.Context, m *feature.Matrix) ([]float64, error) {
	const op = "predict"

	rows, cols := m.Dims()
	if cols != p.a.NFeatures {
		return nil, faults.Model(op, "matrix has %d columns, model expects %d", cols, p.a.NFeatures)
	}
	if len(p.a.Features) > 0 {
		if len(m.Columns) != cols {
			return nil, faults.Model(op, "matrix names %d columns but holds %d", len(m.Columns), cols)
		}
		for j, name := range p.a.Features {
			if m.Columns[j] != name {
				return nil, faults.Model(op, "column %d is %q, model expects %q", j, m.Columns[j], name)
			}
		}
	}

	scores := make([]float64, rows)
	row := make([]float64, cols)
	for i := 0; i < rows; i++ {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		mat.Row(row, i, m.Data)
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, faults.Model(op, "row %d column %d is not finite", i+1, j+1)
			}
		}
		scores[i] = p.predictRow(row)
	}
	return scores, nil
}

func (p *Predictor) predictRow(row []float64) float64 {
	switch p.a.Kind {
	case KindLinear:
		return p.a.Intercept + mat.Dot(mat.NewVecDense(len(row), row), p.coef)
	default:
		var sum float64
		for i := range p.a.Trees {
			sum += p.a.Trees[i].predict(row)
		}
		return sum / float64(len(p.a.Trees))
	}
}
