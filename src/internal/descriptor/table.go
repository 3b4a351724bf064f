package descriptor

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"bioact-main/src/internal/faults"
)

// DefaultIDColumn is the identifier column the descriptor engine writes.
const DefaultIDColumn = "Name"

// Table is the engine's descriptor output. Columns excludes the identifier
// column, whose values are held in Names (nil when the engine wrote none).
// Missing cells are NaN.
type Table struct {
	Columns []string
	Names   []string
	Rows    [][]float64
}

func (t *Table) NumRows() int { return len(t.Rows) }

// ColumnIndex maps every column name to its positions. More than one
// position means the engine emitted a duplicate header.
func (t *Table) ColumnIndex() map[string][]int {
	idx := make(map[string][]int, len(t.Columns))
	for i, c := range t.Columns {
		idx[c] = append(idx[c], i)
	}
	return idx
}

// ReadCSV parses descriptor CSV output with a header row. idColumn is split
// off into Names; an empty idColumn means DefaultIDColumn.
func ReadCSV(r io.Reader, idColumn string) (*Table, error) {
	if idColumn == "" {
		idColumn = DefaultIDColumn
	}
	cr := csv.NewReader(r)

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, faults.Engine("read descriptors", errors.New("descriptor output is empty"))
		}
		return nil, faults.Engine("read descriptors", fmt.Errorf("header: %w", err))
	}

	idPos := -1
	cols := make([]string, 0, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if h == idColumn && idPos < 0 {
			idPos = i
			continue
		}
		cols = append(cols, h)
	}

	t := &Table{Columns: cols}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, faults.Engine("read descriptors", fmt.Errorf("row %d: %w", len(t.Rows)+1, err))
		}
		row := make([]float64, 0, len(cols))
		for i, cell := range rec {
			if i == idPos {
				t.Names = append(t.Names, strings.TrimSpace(cell))
				continue
			}
			row = append(row, parseCell(cell))
		}
		t.Rows = append(t.Rows, row)
	}
	if len(t.Rows) == 0 {
		return nil, faults.Engine("read descriptors", errors.New("descriptor output has no rows"))
	}
	return t, nil
}

// parseCell maps blanks, non-numeric text and infinities to NaN.
func parseCell(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(v, 0) {
		return math.NaN()
	}
	return v
}

// Reorder puts rows into the order of ids. With unique ids rows are matched
// by identifier, which tolerates an engine that reorders its output. With
// repeated ids only positional correspondence can be checked. Any row count
// difference or unmatched identifier is an engine error.
func (t *Table) Reorder(ids []string) error {
	const op = "match descriptor rows"
	if len(t.Rows) != len(ids) {
		return faults.Engine(op, fmt.Errorf("engine returned %d rows for %d molecules", len(t.Rows), len(ids)))
	}
	if t.Names == nil {
		return nil
	}
	if len(t.Names) != len(t.Rows) {
		return faults.Engine(op, fmt.Errorf("%d identifiers for %d rows", len(t.Names), len(t.Rows)))
	}

	if !unique(ids) {
		for i, id := range ids {
			if t.Names[i] != id {
				return faults.Engine(op, fmt.Errorf("row %d is %q, want %q; duplicate identifiers require engine order to be retained", i+1, t.Names[i], id))
			}
		}
		return nil
	}

	byName := make(map[string]int, len(t.Names))
	for i, n := range t.Names {
		if _, dup := byName[n]; dup {
			return faults.Engine(op, fmt.Errorf("engine returned identifier %q more than once", n))
		}
		byName[n] = i
	}
	rows := make([][]float64, len(ids))
	for i, id := range ids {
		j, ok := byName[id]
		if !ok {
			return faults.Engine(op, fmt.Errorf("no descriptor row for molecule %q", id))
		}
		rows[i] = t.Rows[j]
	}
	t.Rows = rows
	t.Names = append([]string(nil), ids...)
	return nil
}

func unique(ids []string) bool {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return false
		}
		seen[id] = struct{}{}
	}
	return true
}
