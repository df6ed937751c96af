// Package systemmonitor reads CPU and network counters from a machine's /proc around a benchmark cell so the tool's
// own numbers can be checked against what the hosts saw.
package systemmonitor

import (
	"context"
	"fmt"
	"time"

	"github.com/Octogonapus/NetBenchmark/report"
	"github.com/Octogonapus/NetBenchmark/target"
)

const (
	MetricSenderCPU     = "Sender CPU busy"
	MetricReceiverCPU   = "Receiver CPU busy"
	MetricSenderNICTx   = "Sender NIC transmit"
	MetricReceiverNICRx = "Receiver NIC receive"
	UnitPercent         = "%"
	UnitMbitsPerSec     = "Mbits/sec"
)

const snapshotCommand = "cat /proc/stat /proc/net/dev"

var snapshotTimeout = 30 * time.Second

// Snapshot is one reading of a machine's counters.
type Snapshot struct {
	At  time.Time
	cpu *cpuTimeStat
	net map[string]netCounters
}

// Take reads the counters of t.
func Take(ctx context.Context, t target.Target) (*Snapshot, error) {
	res, err := t.RunCommand(ctx, snapshotCommand, snapshotTimeout)
	if err != nil {
		return nil, fmt.Errorf("reading counters: %w", err)
	}
	return parseSnapshot(res.Stdout, time.Now())
}

func parseSnapshot(out string, at time.Time) (*Snapshot, error) {
	cpu := parseCPUTimeStat(out)
	if cpu == nil {
		return nil, fmt.Errorf("no cpu line in output")
	}
	return &Snapshot{At: at, cpu: cpu, net: parseNetDev(out)}, nil
}

// Watch holds the readings of both machines of a cell taken before it ran.
type Watch struct {
	sender, receiver         *target.Machine
	senderPrev, receiverPrev *Snapshot
}

// Start takes the first reading of sender and receiver.
func Start(ctx context.Context, sender, receiver *target.Machine) (*Watch, error) {
	sp, err := Take(ctx, sender.Target)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", sender.Name, err)
	}
	rp, err := Take(ctx, receiver.Target)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", receiver.Name, err)
	}
	return &Watch{sender: sender, receiver: receiver, senderPrev: sp, receiverPrev: rp}, nil
}

// Stop takes the second reading and returns the host samples of the cell.
func (w *Watch) Stop(ctx context.Context, meta report.Metadata) ([]report.Sample, error) {
	sc, err := Take(ctx, w.sender.Target)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", w.sender.Name, err)
	}
	rc, err := Take(ctx, w.receiver.Target)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", w.receiver.Name, err)
	}
	return cellSamples(w.senderPrev, sc, w.receiverPrev, rc, meta), nil
}

func cellSamples(senderPrev, senderCurr, receiverPrev, receiverCurr *Snapshot, meta report.Metadata) []report.Sample {
	samples := []report.Sample{}
	if v, ok := busyPercent(senderPrev.cpu, senderCurr.cpu); ok {
		samples = append(samples, report.NewSample(MetricSenderCPU, v, UnitPercent, meta))
	}
	if v, ok := busyPercent(receiverPrev.cpu, receiverCurr.cpu); ok {
		samples = append(samples, report.NewSample(MetricReceiverCPU, v, UnitPercent, meta))
	}

	if secs := senderCurr.At.Sub(senderPrev.At).Seconds(); secs > 0 {
		_, sent := deltaBytes(senderPrev.net, senderCurr.net)
		samples = append(samples, report.NewSample(MetricSenderNICTx, mbitsPerSec(sent, secs), UnitMbitsPerSec, meta))
	}
	if secs := receiverCurr.At.Sub(receiverPrev.At).Seconds(); secs > 0 {
		recv, _ := deltaBytes(receiverPrev.net, receiverCurr.net)
		samples = append(samples, report.NewSample(MetricReceiverNICRx, mbitsPerSec(recv, secs), UnitMbitsPerSec, meta))
	}
	return samples
}

func mbitsPerSec(bytes int, secs float64) float64 {
	return float64(bytes) * 8 / 1e6 / secs
}
