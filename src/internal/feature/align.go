// Package feature turns a descriptor table into the exact matrix a trained
// model expects: the manifest's columns, in manifest order, with every
// missing value imputed.
package feature

import (
	"fmt"
	"log/slog"
	"math"
	"strings"

	"bioact-main/src/internal/descriptor"
	"bioact-main/src/internal/faults"

	"gonum.org/v1/gonum/mat"
)

// Imputation selects how missing descriptor values are filled.
type Imputation string

const (
	// ImputeBatchMean fills with the column mean over the current request's
	// molecules. A column with no observed value in the batch cannot be
	// filled and fails alignment.
	ImputeBatchMean Imputation = "batch-mean"
	ImputeZero      Imputation = "zero"
	// ImputeReject fails alignment on any missing value.
	ImputeReject Imputation = "reject"
)

func ParseImputation(s string) (Imputation, error) {
	switch Imputation(strings.ToLower(strings.TrimSpace(s))) {
	case "", ImputeBatchMean:
		return ImputeBatchMean, nil
	case ImputeZero:
		return ImputeZero, nil
	case ImputeReject:
		return ImputeReject, nil
	}
	return "", fmt.Errorf("unknown imputation policy %q (want batch-mean, zero or reject)", s)
}

// Matrix is the aligned model input. Rows follow the descriptor table's row
// order; Columns equals the manifest.
type Matrix struct {
	Columns []string
	Data    *mat.Dense
	// Imputed counts the cells that were filled.
	Imputed int
}

func (m *Matrix) Dims() (rows, cols int) { return m.Data.Dims() }

type Aligner struct {
	Policy Imputation
}

const maxListedColumns = 10

// Align validates t against manifest by column name before touching any
// values, then imputes and selects the manifest columns in order. On error
// no matrix is returned.
func (a Aligner) Align(t *descriptor.Table, manifest *Manifest) (*Matrix, error) {
	const op = "align features"

	rows := t.NumRows()
	if rows == 0 {
		return nil, faults.Schema(op, "descriptor table has no rows")
	}
	for i, r := range t.Rows {
		if len(r) != len(t.Columns) {
			return nil, faults.Schema(op, "descriptor row %d has %d values for %d columns", i+1, len(r), len(t.Columns))
		}
	}

	index := t.ColumnIndex()
	positions := make([]int, manifest.Len())
	var missing, ambiguous []string
	for j := 0; j < manifest.Len(); j++ {
		name := manifest.Name(j)
		switch p := index[name]; len(p) {
		case 0:
			missing = append(missing, name)
		case 1:
			positions[j] = p[0]
		default:
			ambiguous = append(ambiguous, name)
		}
	}
	if len(missing) > 0 {
		return nil, faults.Schema(op, "descriptor output lacks %d of %d required features: %s", len(missing), manifest.Len(), listNames(missing))
	}
	if len(ambiguous) > 0 {
		return nil, faults.Schema(op, "descriptor output repeats required features: %s", listNames(ambiguous))
	}

	cols := manifest.Len()
	data := make([]float64, rows*cols)
	imputed := 0
	for j, src := range positions {
		fill, n, err := a.fillValue(t, src)
		if err != nil {
			return nil, faults.Schema(op, "feature %q: %v", manifest.Name(j), err)
		}
		imputed += n
		for i := 0; i < rows; i++ {
			v := t.Rows[i][src]
			if math.IsNaN(v) {
				v = fill
			}
			data[i*cols+j] = v
		}
	}

	return &Matrix{
		Columns: manifest.Names(),
		Data:    mat.NewDense(rows, cols, data),
		Imputed: imputed,
	}, nil
}

// fillValue returns the replacement for missing cells of column src and how
// many cells are missing.
func (a Aligner) fillValue(t *descriptor.Table, src int) (float64, int, error) {
	var sum float64
	observed, missingCount := 0, 0
	for _, r := range t.Rows {
		v := r[src]
		if math.IsNaN(v) {
			missingCount++
			continue
		}
		sum += v
		observed++
	}
	if missingCount == 0 {
		return 0, 0, nil
	}

	switch a.Policy {
	case ImputeZero:
		return 0, missingCount, nil
	case ImputeReject:
		return 0, missingCount, fmt.Errorf("%d missing values", missingCount)
	default:
		if observed == 0 {
			if len(t.Rows) == 1 {
				slog.Warn("batch-mean imputation has no donor rows in a single-molecule batch", "column", t.Columns[src])
			}
			return 0, missingCount, fmt.Errorf("no observed values in this batch to impute from")
		}
		return sum / float64(observed), missingCount, nil
	}
}

func listNames(names []string) string {
	if len(names) <= maxListedColumns {
		return strings.Join(names, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(names[:maxListedColumns], ", "), len(names)-maxListedColumns)
}
