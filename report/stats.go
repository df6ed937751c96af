package report

import (
	"fmt"
	"math"
	"slices"
	"sort"
)

// ResultSummary holds a statistical summary of a set of values.
type ResultSummary struct {
	Min           float64 `json:"min,omitempty"`
	Max           float64 `json:"max,omitempty"`
	Average       float64 `json:"avg,omitempty"`
	P50           float64 `json:"P50,omitempty"`
	P90           float64 `json:"P90,omitempty"`
	P99           float64 `json:"P99,omitempty"`
	NumDataPoints int     `json:"datapoints,omitempty"`
}

func SummarizeValues(values []float64) (ResultSummary, error) {
	summary := ResultSummary{NumDataPoints: len(values)}
	if len(values) == 0 {
		return summary, fmt.Errorf("no results to summarize")
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)

	summary.Min = sorted[0]
	summary.Max = sorted[len(sorted)-1]
	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	summary.Average = sum / float64(len(sorted))
	summary.P50 = percentile(sorted, 50)
	summary.P90 = percentile(sorted, 90)
	summary.P99 = percentile(sorted, 99)
	return summary, nil
}

// percentile uses the nearest rank method. sorted must be in ascending order.
func percentile(sorted []float64, percent float64) float64 {
	if percent < 0 || percent > 100 {
		return math.NaN()
	}
	pos := int(math.Ceil(float64(len(sorted)) * percent / 100))
	if pos == 0 {
		return sorted[0]
	}
	return sorted[pos-1]
}

// MetricSummary aggregates every sample of one metric at one concurrency level, across directions.
type MetricSummary struct {
	Metric             string
	Unit               string
	SendingThreadCount int
	Failures           int // failure samples of cells that could not be measured
	Summary            ResultSummary
}

// Summarize groups samples by metric and concurrency level. Failure samples (Failed set) are counted and left out of
// the statistics. Groups are ordered by first appearance of the metric, then by concurrency level.
func Summarize(samples []Sample) []MetricSummary {
	type key struct {
		metric  string
		threads int
	}
	metricOrder := map[string]int{}
	units := map[string]string{}
	values := map[key][]float64{}
	failures := map[key]int{}
	seen := map[key]bool{}
	keys := []key{}

	for _, s := range samples {
		if _, ok := metricOrder[s.Metric]; !ok {
			metricOrder[s.Metric] = len(metricOrder)
			units[s.Metric] = s.Unit
		}
		k := key{s.Metric, s.Metadata.SendingThreadCount}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
		if s.Failed {
			failures[k]++
			continue
		}
		values[k] = append(values[k], s.Value)
	}

	sort.SliceStable(keys, func(i, j int) bool {
		if keys[i].metric != keys[j].metric {
			return metricOrder[keys[i].metric] < metricOrder[keys[j].metric]
		}
		return keys[i].threads < keys[j].threads
	})

	out := make([]MetricSummary, 0, len(keys))
	for _, k := range keys {
		ms := MetricSummary{
			Metric:             k.metric,
			Unit:               units[k.metric],
			SendingThreadCount: k.threads,
			Failures:           failures[k],
		}
		if len(values[k]) > 0 {
			ms.Summary, _ = SummarizeValues(values[k])
		}
		out = append(out, ms)
	}
	return out
}
