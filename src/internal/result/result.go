package result

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"bioact-main/src/internal/faults"
	"bioact-main/src/internal/molecule"
)

// DownloadFilename is the attachment name offered for exported results.
const DownloadFilename = "predictions.csv"

// Header names the two exported columns.
type Header struct {
	ID    string
	Score string
}

var DefaultHeader = Header{ID: "molecule_name", Score: "pIC50"}

type Prediction struct {
	ID    string  `json:"molecule_name"`
	Score float64 `json:"score"`
}

// Assemble pairs record identifiers with scores by position.
func Assemble(recs []molecule.Record, scores []float64) ([]Prediction, error) {
	if len(recs) != len(scores) {
		return nil, faults.New(faults.KindInternal, "assemble results", fmt.Errorf("%d molecules but %d scores", len(recs), len(scores)))
	}
	out := make([]Prediction, len(recs))
	for i, rec := range recs {
		out[i] = Prediction{ID: rec.ID, Score: scores[i]}
	}
	return out, nil
}

// WriteCSV writes a header row and one row per prediction.
func WriteCSV(w io.Writer, preds []Prediction, h Header) error {
	if h.ID == "" || h.Score == "" {
		h = DefaultHeader
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{h.ID, h.Score}); err != nil {
		return err
	}
	for _, p := range preds {
		if err := cw.Write([]string{p.ID, strconv.FormatFloat(p.Score, 'g', -1, 64)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
