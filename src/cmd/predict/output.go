package main

import (
	"encoding/json"
	"io"
	"os"

	"bioact-main/src/internal/result"
)

// writeResults writes preds to out ("-" for stdout) as csv or json. A
// failed close of the output file is reported like a failed write.
func writeResults(out, format string, preds []result.Prediction, h result.Header) (err error) {
	var dst io.Writer = os.Stdout
	if out != "-" {
		f, cerr := os.Create(out)
		if cerr != nil {
			return cerr
		}
		defer func() {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}()
		dst = f
	}

	switch format {
	case "json":
		enc := json.NewEncoder(dst)
		enc.SetIndent("", "  ")
		return enc.Encode(preds)
	default:
		return result.WriteCSV(dst, preds, h)
	}
}
