package model

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"bioact-main/src/internal/faults"
	"bioact-main/src/internal/feature"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func linearArtifact() *Artifact {
	return &Artifact{
		Name:      "ache-linear",
		Target:    "pIC50",
		Kind:      KindLinear,
		Features:  []string{"A", "B", "C"},
		Intercept: 1,
		Coef:      []float64{2, -1, 0.5},
	}
}

// stump splits on B <= 0.5; a second tree is a constant.
func forestArtifact() *Artifact {
	return &Artifact{
		Name:     "ache-rf",
		Target:   "pIC50",
		Kind:     KindForest,
		Features: []string{"A", "B", "C"},
		Trees: []Tree{
			{
				Feature:       []int{1, -2, -2},
				Threshold:     []float64{0.5, -2, -2},
				ChildrenLeft:  []int{1, -1, -1},
				ChildrenRight: []int{2, -1, -1},
				Value:         []float64{5, 4, 8},
			},
			{
				Feature:       []int{-2},
				Threshold:     []float64{-2},
				ChildrenLeft:  []int{-1},
				ChildrenRight: []int{-1},
				Value:         []float64{6},
			},
		},
	}
}

func matrix(cols []string, rows int, data ...float64) *feature.Matrix {
	return &feature.Matrix{Columns: cols, Data: mat.NewDense(rows, len(cols), data)}
}

func mustNew(t *testing.T, a *Artifact) *Predictor {
	t.Helper()
	require.NoError(t, a.Validate())
	return New(a)
}

func saveArtifact(t *testing.T, a *Artifact) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.msgpack")
	require.NoError(t, Save(path, a))
	return path
}

func TestLoadAndPredictLinear(t *testing.T) {
	t.Parallel()

	p, err := Load(saveArtifact(t, linearArtifact()))
	require.NoError(t, err)
	assert.Equal(t, 3, p.NFeatures())
	assert.Equal(t, "pIC50", p.Info().Target)

	scores, err := p.Predict(context.Background(), matrix([]string{"A", "B", "C"}, 2, 1, 1, 2, 0, 4, 0))
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.InDelta(t, 1+2-1+1, scores[0], 1e-12)
	assert.InDelta(t, 1-4, scores[1], 1e-12)
}

func TestPredictForestAveragesTrees(t *testing.T) {
	t.Parallel()

	p, err := Load(saveArtifact(t, forestArtifact()))
	require.NoError(t, err)
	assert.Equal(t, 2, p.Info().Trees)

	scores, err := p.Predict(context.Background(), matrix([]string{"A", "B", "C"}, 3,
		0, 0, 0,
		0, 1, 0,
		9, 0.5, 9,
	))
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 7, 5}, scores)
}

func TestPredictForestComparesAsFloat32(t *testing.T) {
	t.Parallel()

	// float32(0.1) rounds up past the threshold, so 0.1 goes right.
	thr := 0.1000000005
	require.Greater(t, float64(float32(0.1)), thr)
	a := forestArtifact()
	a.Trees = a.Trees[:1]
	a.Trees[0].Threshold[0] = thr

	p := mustNew(t, a)
	scores, err := p.Predict(context.Background(), matrix([]string{"A", "B", "C"}, 2,
		0, 0.1, 0,
		0, 0.1000000001, 0,
	))
	require.NoError(t, err)
	assert.Equal(t, []float64{8, 8}, scores)
}

func TestPredictShapeMismatch(t *testing.T) {
	t.Parallel()

	p := mustNew(t, linearArtifact())

	tests := []struct {
		name string
		m    *feature.Matrix
	}{
		{"too few columns", matrix([]string{"A", "B"}, 1, 1, 2)},
		{"too many columns", matrix([]string{"A", "B", "C", "D"}, 1, 1, 2, 3, 4)},
		{"wrong order", matrix([]string{"B", "A", "C"}, 1, 1, 2, 3)},
		{"wrong name", matrix([]string{"A", "B", "X"}, 1, 1, 2, 3)},
		{"non-finite", matrix([]string{"A", "B", "C"}, 1, 1, math.NaN(), 3)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			scores, err := p.Predict(context.Background(), tt.m)
			require.ErrorIs(t, err, faults.ErrModel)
			assert.Nil(t, scores)
		})
	}
}

func TestPredictWithoutFeatureNamesChecksCountOnly(t *testing.T) {
	t.Parallel()

	a := linearArtifact()
	a.Features = nil
	p := mustNew(t, a)

	_, err := p.Predict(context.Background(), matrix([]string{"X", "Y", "Z"}, 1, 0, 0, 0))
	require.NoError(t, err)
	_, err = p.Predict(context.Background(), matrix([]string{"X", "Y"}, 1, 0, 0))
	require.ErrorIs(t, err, faults.ErrModel)
}

func TestPredictHonoursCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := mustNew(t, linearArtifact()).Predict(ctx, matrix([]string{"A", "B", "C"}, 1, 0, 0, 0))
	require.ErrorIs(t, err, context.Canceled)
}

func TestValidateRejectsBrokenArtifacts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(a *Artifact)
	}{
		{"unknown kind", func(a *Artifact) { a.Kind = "svm" }},
		{"no trees", func(a *Artifact) { a.Trees = nil }},
		{"duplicate feature", func(a *Artifact) { a.Features = []string{"A", "A", "C"} }},
		{"feature count", func(a *Artifact) { a.NFeatures = 4 }},
		{"ragged tree", func(a *Artifact) { a.Trees[0].Threshold = a.Trees[0].Threshold[:2] }},
		{"child cycle", func(a *Artifact) { a.Trees[0].ChildrenLeft[0] = 0 }},
		{"one child", func(a *Artifact) { a.Trees[0].ChildrenRight[1] = 2 }},
		{"split feature out of range", func(a *Artifact) { a.Trees[0].Feature[0] = 3 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := forestArtifact()
			tt.mutate(a)
			assert.Error(t, a.Validate())
		})
	}

	lin := linearArtifact()
	lin.Coef = lin.Coef[:2]
	assert.Error(t, lin.Validate())
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.msgpack"))
	assert.Error(t, err)

	garbage := filepath.Join(t.TempDir(), "garbage.msgpack")
	require.NoError(t, os.WriteFile(garbage, []byte("not msgpack"), 0o644))
	_, err = Load(garbage)
	assert.Error(t, err)
}

func TestDecodeDerivesFeatureCount(t *testing.T) {
	t.Parallel()

	a := linearArtifact()
	a.Features = nil
	data, err := Encode(a)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 3, got.NFeatures)
}
