// Package export writes profile records for spreadsheets and scripts.
package export

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"github.com/kilianp07/wqforecast/core/profile"
)

// Header is the first CSV row.
var Header = []string{"run_id", "task", "op", "chunk_lat", "chunk_lon", "start", "duration_ms", "heap_bytes", "error"}

// WriteJSON writes the records to w as one JSON array.
func WriteJSON(w io.Writer, recs []profile.Record) error {
	if recs == nil {
		recs = []profile.Record{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(recs)
}

// WriteCSV writes the records to w in CSV format, durations in milliseconds.
func WriteCSV(w io.Writer, recs []profile.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, r := range recs {
		rec := []string{
			r.RunID,
			r.Task,
			r.Op,
			strconv.Itoa(r.ChunkLat),
			strconv.Itoa(r.ChunkLon),
			r.Start.UTC().Format(time.RFC3339Nano),
			strconv.FormatFloat(float64(r.Duration)/float64(time.Millisecond), 'f', -1, 64),
			strconv.FormatUint(r.HeapBytes, 10),
			r.Error,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
