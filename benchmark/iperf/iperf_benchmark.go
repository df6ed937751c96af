package iperf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/Octogonapus/NetBenchmark/benchmark"
	metricparser "github.com/Octogonapus/NetBenchmark/metric_parser"
	"github.com/Octogonapus/NetBenchmark/report"
	"github.com/Octogonapus/NetBenchmark/target"
	"github.com/Octogonapus/NetBenchmark/util"
	"github.com/hashicorp/go-version"
	"github.com/mitchellh/mapstructure"
)

const (
	DefaultPort = 5000

	// The parser understands the iperf 2 report format only. iperf3 prints a different table.
	DefaultVersionConstraint = ">= 2.0, < 3.0"
)

var DefaultConcurrencyLevels = []int{1, 10, 20, 40}

var versionRe = regexp.MustCompile(`iperf version (\d+\.\d+(?:\.\d+)?)`)

type IperfInput struct {
	Name              string
	Port              int
	ConcurrencyLevels []int
	TimeoutBufferSec  int // 0 means 30 seconds plus one per thread
	VersionConstraint string
}

type tool struct {
	input      *IperfInput
	constraint version.Constraints
	parser     metricparser.Iperf
}

func init() {
	benchmark.RegisterTool("iperf", func(a map[string]any) (benchmark.Tool, error) {
		input := &IperfInput{}
		err := mapstructure.Decode(a, input)
		if err != nil {
			return nil, fmt.Errorf("can't convert input to IperfInput: %w", err)
		}
		return NewIperfTool(input)
	})
}

func NewIperfTool(input *IperfInput) (benchmark.Tool, error) {
	if input.Name == "" {
		input.Name = "iperf"
	}
	if input.Port == 0 {
		input.Port = DefaultPort
	}
	if len(input.ConcurrencyLevels) == 0 {
		input.ConcurrencyLevels = DefaultConcurrencyLevels
	}
	for _, c := range input.ConcurrencyLevels {
		if c < 1 {
			return nil, fmt.Errorf("iperf concurrency levels must be at least 1, got %d", c)
		}
	}
	if input.VersionConstraint == "" {
		input.VersionConstraint = DefaultVersionConstraint
	}
	constraint, err := version.NewConstraint(input.VersionConstraint)
	if err != nil {
		return nil, fmt.Errorf("can't parse iperf version constraint: %w", err)
	}
	return &tool{input: input, constraint: constraint}, nil
}

func (t *tool) SetUp(ctx context.Context, m *target.Machine) (string, error) {
	err := benchmark.InstallPackages(ctx, m, "iperf")
	if err != nil {
		return "", err
	}

	err = t.checkVersion(ctx, m)
	if err != nil {
		return "", err
	}

	return benchmark.StartServer(ctx, m, fmt.Sprintf("iperf --server --port %d", t.input.Port))
}

func (t *tool) checkVersion(ctx context.Context, m *target.Machine) error {
	// Some iperf 2 releases exit 1 after printing the version, so only transport failures matter here.
	res, err := m.Target.RunCommand(ctx, "iperf --version", time.Minute)
	var nonZero *target.NonZeroExitError
	if res == nil || (err != nil && !errors.As(err, &nonZero)) {
		return fmt.Errorf("checking iperf version on %s: %w", m.Name, err)
	}

	match := versionRe.FindStringSubmatch(res.Stdout + res.Stderr)
	if match == nil {
		return fmt.Errorf("checking iperf version on %s: no version in %q", m.Name, util.LastNonEmptyLine(res.Stdout+res.Stderr))
	}
	v, err := version.NewVersion(match[1])
	if err != nil {
		return fmt.Errorf("can't parse iperf version: %w", err)
	}
	if !t.constraint.Check(v) {
		return fmt.Errorf("iperf %s on %s does not satisfy %s", v, m.Name, t.constraint)
	}
	slog.Debug("found iperf", slog.String("machine", m.Name), slog.String("version", v.String()))
	return nil
}

func (t *tool) TearDown(ctx context.Context, m *target.Machine, handle string) error {
	return benchmark.KillServer(ctx, m, handle)
}

func (t *tool) GetCommand(spec benchmark.RunSpec) (string, error) {
	if spec.ReceiverAddress == "" {
		return "", fmt.Errorf("no receiver address")
	}
	return fmt.Sprintf(
		"iperf --client %s --port %d --format m --time %d -P %d",
		spec.ReceiverAddress,
		t.input.Port,
		spec.RuntimeSec,
		spec.Concurrency,
	), nil
}

func (t *tool) ParseCommandOutput(stdout string, spec benchmark.RunSpec) ([]report.Sample, error) {
	return t.parser.Parse(stdout, spec.Concurrency, spec.Metadata())
}

func (t *tool) FailureSample(spec benchmark.RunSpec) report.Sample {
	return t.parser.FailureSample(spec.Metadata())
}

// Covers iperf starting up and tearing down its threads on top of the runtime.
func (t *tool) TimeoutBuffer(concurrency int) time.Duration {
	if t.input.TimeoutBufferSec > 0 {
		return time.Duration(t.input.TimeoutBufferSec) * time.Second
	}
	return time.Duration(30+concurrency) * time.Second
}

func (t *tool) GetConcurrencyLevels() []int {
	return t.input.ConcurrencyLevels
}

func (t *tool) GetName() string {
	return t.input.Name
}

func (t *tool) GetInput() map[string]any {
	return util.StructMap(t.input)
}
