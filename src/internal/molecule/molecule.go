package molecule

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"bioact-main/src/internal/faults"
)

// Record is one uploaded molecule. Position in the parsed slice is the
// molecule's identity for the rest of the pipeline.
type Record struct {
	ID       string `json:"id"`
	Notation string `json:"notation"`
}

const maxLineBytes = 1 << 20

// Parse reads whitespace-delimited "notation identifier" lines with no
// header. Blank lines are ignored; every other line must hold exactly two
// fields.
func Parse(r io.Reader) ([]Record, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var recs []Record
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, faults.Format("parse upload", "line %d: expected 2 fields (notation identifier), got %d", lineNo, len(fields))
		}
		recs = append(recs, Record{Notation: fields[0], ID: fields[1]})
	}
	if err := sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, faults.Format("parse upload", "line %d: exceeds %d bytes", lineNo+1, maxLineBytes)
		}
		return nil, faults.New(faults.KindFormat, "parse upload", err)
	}
	if len(recs) == 0 {
		return nil, faults.Format("parse upload", "no molecules in upload")
	}
	return recs, nil
}

// WriteCanonical writes one "notation<TAB>identifier" line per record, in
// order, which is the input layout the descriptor engine reads.
func WriteCanonical(w io.Writer, recs []Record) error {
	bw := bufio.NewWriter(w)
	for _, rec := range recs {
		if _, err := fmt.Fprintf(bw, "%s\t%s\n", rec.Notation, rec.ID); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// IDs returns the identifiers in record order.
func IDs(recs []Record) []string {
	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID
	}
	return ids
}
