package report

import (
	"encoding/json"
	"io"
	"time"
)

// Record is one line of the newline-delimited JSON results file.
type Record struct {
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
	Labels    string  `json:"labels"`
	Timestamp float64 `json:"timestamp"`
	RunURI    string  `json:"run_uri,omitempty"`
	Failed    bool    `json:"failed,omitempty"`
}

func NewRecords(samples []Sample, runURI string, now time.Time) []Record {
	ts := float64(now.UnixNano()) / 1e9
	records := make([]Record, 0, len(samples))
	for _, s := range samples {
		records = append(records, Record{
			Metric:    s.Metric,
			Value:     s.Value,
			Unit:      s.Unit,
			Labels:    s.Metadata.Labels(),
			Timestamp: ts,
			RunURI:    runURI,
			Failed:    s.Failed,
		})
	}
	return records
}

func WriteRecords(w io.Writer, records []Record) error {
	enc := json.NewEncoder(w)
	for _, r := range records {
		err := enc.Encode(r)
		if err != nil {
			return err
		}
	}
	return nil
}
