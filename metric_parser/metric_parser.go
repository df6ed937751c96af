// Package metricparser turns the text a benchmark tool prints into samples. Tools only print human-readable reports,
// so extraction is regex scraping. Each output dialect lives behind its own Parser.
package metricparser

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/Octogonapus/NetBenchmark/report"
)

const (
	MetricThroughput   = "Throughput"
	UnitThroughput     = "Mbits/sec"
	MetricRequests     = "Requests per sec"
	UnitRequests       = "#/sec"
	MetricLongestWait  = "Longest waiting time"
	UnitLongestWaitMs  = "ms"
	failedRequestValue = -1
)

var ErrIncompleteParse = errors.New("incomplete parse")

// IncompleteParseError means some of the expected per-thread reports were missing from the output.
type IncompleteParseError struct {
	Tool     string
	Found    int
	Expected int
}

func (e *IncompleteParseError) Error() string {
	return fmt.Sprintf("%s: only %d out of %d threads reported a value", e.Tool, e.Found, e.Expected)
}

func (e *IncompleteParseError) Is(target error) bool {
	return target == ErrIncompleteParse
}

type Parser interface {
	// Parse extracts samples from stdout. expectedThreads is the concurrency the tool was run with; meta is attached to
	// every returned sample.
	Parse(stdout string, expectedThreads int, meta report.Metadata) ([]report.Sample, error)
}

var (
	iperfSumRe    = regexp.MustCompile(`\[SUM\].*\s+(\d+\.?\d*).Mbits/sec`)
	iperfThreadRe = regexp.MustCompile(`\[.*\d+\].*\s+(\d+\.?\d*).Mbits/sec`)
)

// Iperf parses `iperf --format m` client output (iperf 2).
//
//	[  4]  0.0-60.0 sec  3730 MBytes  521.1 Mbits/sec
//	[  5]  0.0-60.0 sec  3499 MBytes   489 Mbits/sec
//	[SUM]  0.0-60.0 sec  14010 MBytes  1957 Mbits/sec
//
// The [SUM] line is used when present. iperf omits it when threads start at different times or when there is only
// one thread, in which case the per-thread lines are added up and must account for every thread.
type Iperf struct{}

func (Iperf) Parse(stdout string, expectedThreads int, meta report.Metadata) ([]report.Sample, error) {
	values, err := captureFloats(iperfSumRe, stdout)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		values, err = captureFloats(iperfThreadRe, stdout)
		if err != nil {
			return nil, err
		}
		if len(values) != expectedThreads {
			return nil, &IncompleteParseError{Tool: "iperf", Found: len(values), Expected: expectedThreads}
		}
	}
	return []report.Sample{report.NewSample(MetricThroughput, sum(values), UnitThroughput, meta)}, nil
}

// FailureSample stands in for a throughput measurement that could not be taken.
func (Iperf) FailureSample(meta report.Metadata) report.Sample {
	return report.NewFailureSample(MetricThroughput, 0, UnitThroughput, meta)
}

var (
	abRequestsRe = regexp.MustCompile(`Requests per second:.*\s+(\d+\.?\d*).\[#/sec\] \(mean\)`)
	abP99Re      = regexp.MustCompile(`99%\s+(\d+\.?\d*)`)
)

// ApacheBench parses the report printed by ab. A missing line yields 0 for that metric: ab drops the percentile table
// when every request failed, and the sweep should keep going.
type ApacheBench struct{}

func (ApacheBench) Parse(stdout string, expectedThreads int, meta report.Metadata) ([]report.Sample, error) {
	requests, err := firstFloat(abRequestsRe, stdout)
	if err != nil {
		return nil, err
	}
	p99, err := firstFloat(abP99Re, stdout)
	if err != nil {
		return nil, err
	}
	return []report.Sample{
		report.NewSample(MetricRequests, requests, UnitRequests, meta),
		report.NewSample(MetricLongestWait, p99, UnitLongestWaitMs, meta),
	}, nil
}

func (ApacheBench) FailureSample(meta report.Metadata) report.Sample {
	return report.NewFailureSample(MetricRequests, failedRequestValue, UnitRequests, meta)
}

func captureFloats(re *regexp.Regexp, s string) ([]float64, error) {
	matches := re.FindAllStringSubmatch(s, -1)
	out := make([]float64, 0, len(matches))
	for _, m := range matches {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return nil, fmt.Errorf("parsing %q: %w", m[1], err)
		}
		out = append(out, v)
	}
	return out, nil
}

func firstFloat(re *regexp.Regexp, s string) (float64, error) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return 0, nil
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %q: %w", m[1], err)
	}
	return v, nil
}

func sum(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total
}
