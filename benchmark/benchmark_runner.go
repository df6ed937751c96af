package benchmark

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	metricparser "github.com/Octogonapus/NetBenchmark/metric_parser"
	"github.com/Octogonapus/NetBenchmark/report"
	systemmonitor "github.com/Octogonapus/NetBenchmark/system_monitor"
	"github.com/Octogonapus/NetBenchmark/target"
	"github.com/Octogonapus/NetBenchmark/util"
	"github.com/alitto/pond"
	"github.com/sethvargo/go-retry"
)

// Pair is two machines that benchmark each other. Traffic is sent A to B, then B to A.
type Pair struct {
	A *target.Machine
	B *target.Machine
}

func (p Pair) String() string {
	return p.A.Name + "/" + p.B.Name
}

// SweepRunner drives one tool across both directions of a pair and a list of concurrency levels. Cells run one after
// another: the server workload on each machine is shared, so concurrent cells would skew each other.
type SweepRunner struct {
	Tool        Tool
	IPType      target.IPType
	RuntimeSec  int
	CellRetries int

	// Overrides the tool's timeout buffer when positive.
	TimeoutBufferSec int

	// How long to wait before retrying a failed cell.
	RetryDelay time.Duration

	// Adds host CPU and NIC samples to every successful cell. A failed reading only drops those samples.
	MonitorHosts bool

	// Called after every cell with the samples it produced (real or failure). err is the cell's failure, if any. May
	// be called from several goroutines when running pairs concurrently.
	OnCell func(spec RunSpec, samples []report.Sample, err error)
}

// isCellFailure reports whether err is a failure confined to one cell. Anything else aborts the sweep.
func isCellFailure(err error) bool {
	return target.IsExecutionFailure(err) || errors.Is(err, metricparser.ErrIncompleteParse)
}

// Run sweeps the pair. levels defaults to the tool's concurrency levels when nil. Each cell yields either the parsed
// samples or one failure sample. An error is returned only when the sweep cannot start, ctx is cancelled, or a cell
// fails in an unexpected way; the samples gathered up to that point are returned with it.
func (r *SweepRunner) Run(ctx context.Context, pair Pair, levels []int) ([]report.Sample, error) {
	if pair.A == nil || pair.B == nil {
		return nil, fmt.Errorf("pair needs two machines")
	}
	if pair.A.Name == pair.B.Name {
		return nil, fmt.Errorf("pair needs two distinct machines, got %s twice", pair.A.Name)
	}
	for _, m := range []*target.Machine{pair.A, pair.B} {
		if m.Target == nil {
			return nil, fmt.Errorf("machine %s has no target to run commands on", m.Name)
		}
	}
	if levels == nil {
		levels = r.Tool.GetConcurrencyLevels()
	}

	addrA, err := pair.A.Address(r.IPType)
	if err != nil {
		return nil, fmt.Errorf("resolving receiver address: %w", err)
	}
	addrB, err := pair.B.Address(r.IPType)
	if err != nil {
		return nil, fmt.Errorf("resolving receiver address: %w", err)
	}

	directions := []struct {
		sender, receiver *target.Machine
		addr             string
	}{
		{pair.A, pair.B, addrB},
		{pair.B, pair.A, addrA},
	}

	slog.Info("starting sweep", slog.String("tool", r.Tool.GetName()), slog.String("pair", pair.String()), slog.Any("levels", levels))
	results := []report.Sample{}
	for _, d := range directions {
		for _, level := range levels {
			spec := RunSpec{
				Sender:           d.sender,
				Receiver:         d.receiver,
				ReceiverAddress:  d.addr,
				IPType:           r.IPType,
				Concurrency:      level,
				RuntimeSec:       r.RuntimeSec,
				TimeoutBufferSec: r.timeoutBufferSec(level),
			}

			samples, err := r.runCellWithRetries(ctx, spec)
			if err != nil && (ctx.Err() != nil || !isCellFailure(err)) {
				return results, fmt.Errorf("%s %s -> %s at concurrency %d: %w", r.Tool.GetName(), d.sender.Name, d.receiver.Name, level, err)
			}
			if err != nil {
				slog.Warn("benchmark cell failed, recording failure sample",
					slog.String("tool", r.Tool.GetName()),
					slog.String("sender", d.sender.Name),
					slog.String("receiver", d.receiver.Name),
					slog.Int("concurrency", level),
					slog.String("error", err.Error()))
				samples = []report.Sample{r.Tool.FailureSample(spec)}
			}
			results = append(results, samples...)
			if r.OnCell != nil {
				r.OnCell(spec, samples, err)
			}
		}
	}
	slog.Info("finished sweep", slog.String("tool", r.Tool.GetName()), slog.String("pair", pair.String()), slog.Int("samples", len(results)))
	return results, nil
}

func (r *SweepRunner) timeoutBufferSec(level int) int {
	if r.TimeoutBufferSec > 0 {
		return r.TimeoutBufferSec
	}
	return int(r.Tool.TimeoutBuffer(level) / time.Second)
}

func (r *SweepRunner) runCellWithRetries(ctx context.Context, spec RunSpec) ([]report.Sample, error) {
	var samples []report.Sample
	attempt := 0
	err := retry.Do(ctx, util.ConstantBackoff(r.CellRetries+1, r.RetryDelay), func(ctx context.Context) error {
		attempt++
		var err error
		samples, err = r.runCell(ctx, spec)
		if err != nil && ctx.Err() == nil && isCellFailure(err) {
			if attempt <= r.CellRetries {
				slog.Debug("benchmark cell failed, will try again", slog.String("tool", r.Tool.GetName()), slog.Int("attempt", attempt), slog.String("error", err.Error()))
			}
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return samples, nil
}

func (r *SweepRunner) runCell(ctx context.Context, spec RunSpec) ([]report.Sample, error) {
	cmd, err := r.Tool.GetCommand(spec)
	if err != nil {
		return nil, fmt.Errorf("getting benchmark command failed: %w", err)
	}
	slog.Debug("benchmark command", slog.String("tool", r.Tool.GetName()), slog.String("sender", spec.Sender.Name), slog.String("command", cmd))

	var watch *systemmonitor.Watch
	if r.MonitorHosts {
		watch, err = systemmonitor.Start(ctx, spec.Sender, spec.Receiver)
		if err != nil {
			slog.Warn("host monitoring unavailable for cell", slog.String("tool", r.Tool.GetName()), slog.String("error", err.Error()))
		}
	}

	res, err := spec.Sender.Target.RunCommand(ctx, cmd, spec.Timeout())
	if err != nil {
		if res != nil {
			slog.Debug("benchmark command failed", slog.String("tool", r.Tool.GetName()), slog.String("command output", res.Stdout+res.Stderr))
		}
		return nil, fmt.Errorf("running benchmark failed: %w", err)
	}
	slog.Debug("benchmark command finished", slog.String("tool", r.Tool.GetName()), slog.Duration("elapsed", res.Elapsed), slog.String("command output", res.Stdout))

	samples, err := r.Tool.ParseCommandOutput(res.Stdout, spec)
	if err != nil {
		return nil, fmt.Errorf("parsing benchmark output failed: %w", err)
	}

	if watch != nil {
		host, err := watch.Stop(ctx, spec.Metadata())
		if err != nil {
			slog.Warn("host monitoring unavailable for cell", slog.String("tool", r.Tool.GetName()), slog.String("error", err.Error()))
		} else {
			samples = append(samples, host...)
		}
	}
	return samples, nil
}

// RunPairs sweeps several pairs, up to concurrency at a time. Pairs that share a machine never run at the same time.
// Samples are returned in pair order; errors from individual pairs are joined.
func (r *SweepRunner) RunPairs(ctx context.Context, pairs []Pair, levels []int, concurrency int) ([]report.Sample, error) {
	locks := map[string]*sync.Mutex{}
	for _, p := range pairs {
		if p.A == nil || p.B == nil {
			return nil, fmt.Errorf("pair needs two machines")
		}
		for _, m := range []*target.Machine{p.A, p.B} {
			if _, ok := locks[m.Name]; !ok {
				locks[m.Name] = &sync.Mutex{}
			}
		}
	}

	results := make([][]report.Sample, len(pairs))
	errs := make([]error, len(pairs))
	concurrency = max(concurrency, 1)
	pool := pond.New(concurrency, 0, pond.MinWorkers(concurrency))
	for i, p := range pairs {
		pool.Submit(func() {
			// Always lock in name order so two pairs sharing machines cannot deadlock.
			names := []string{p.A.Name, p.B.Name}
			slices.Sort(names)
			names = slices.Compact(names)
			for _, n := range names {
				locks[n].Lock()
				defer locks[n].Unlock()
			}

			results[i], errs[i] = r.Run(ctx, p, levels)
			if errs[i] != nil {
				slog.Error("sweep failed", slog.String("tool", r.Tool.GetName()), slog.String("pair", p.String()), slog.String("error", errs[i].Error()))
				errs[i] = fmt.Errorf("pair %s: %w", p, errs[i])
			}
		})
	}
	pool.StopAndWait()

	all := []report.Sample{}
	for _, res := range results {
		all = append(all, res...)
	}
	return all, errors.Join(errs...)
}
