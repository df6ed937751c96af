package benchmarkorchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Octogonapus/NetBenchmark/benchmark"
	"github.com/Octogonapus/NetBenchmark/config"
	"github.com/Octogonapus/NetBenchmark/report"
	"github.com/Octogonapus/NetBenchmark/target"
)

// Runs benchmarks against machines someone else provisioned.
type BenchmarkOrchestrator interface {
	// Add a tool to be ran later. Tools run in the order they were added.
	AddTool(benchmark.Tool) error

	// Install and start every tool's server workload on the machines.
	Prepare(ctx context.Context, machines []*target.Machine) error

	// Sweep every tool and return all samples.
	Run(ctx context.Context) ([]report.Sample, error)

	// Stop the server workloads. Safe to call more than once and from any state.
	Cleanup(ctx context.Context) error
}

var ErrPrecondition = errors.New("precondition failed")

// PreconditionError means the benchmark cannot run at all with what it was given.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", ErrPrecondition.Error(), e.Reason)
}

func (e *PreconditionError) Is(target error) bool {
	return target == ErrPrecondition
}

type State int

const (
	NotPrepared State = iota
	Prepared
	Running
	Completed
	Failed
	CleanedUp
)

func (s State) String() string {
	switch s {
	case NotPrepared:
		return "not prepared"
	case Prepared:
		return "prepared"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case CleanedUp:
		return "cleaned up"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// A server workload started during Prepare.
type server struct {
	tool    benchmark.Tool
	machine *target.Machine
	handle  string
}

type Controller struct {
	cfg  *config.Config
	mesh bool

	// Called after every sweep cell. See benchmark.SweepRunner.OnCell.
	OnCell func(spec benchmark.RunSpec, samples []report.Sample, err error)

	mu      sync.Mutex
	state   State
	tools   []benchmark.Tool
	pairs   []benchmark.Pair
	servers []server
}

// NewController returns a controller for exactly one pair of machines.
func NewController(cfg *config.Config) *Controller {
	return &Controller{cfg: cfg}
}

// NewMeshController returns a controller that benchmarks every pair of two or more machines. Pairs run concurrently up
// to cfg.PairConcurrency, never two at once on the same machine.
func NewMeshController(cfg *config.Config) *Controller {
	return &Controller{cfg: cfg, mesh: true}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) AddTool(t benchmark.Tool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != NotPrepared {
		return fmt.Errorf("can't add tool %s when %s", t.GetName(), c.state)
	}
	c.tools = append(c.tools, t)
	return nil
}

// NumCells is how many sweep cells Run will execute.
func (c *Controller) NumCells() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tools {
		n += 2 * len(t.GetConcurrencyLevels()) * len(c.pairs)
	}
	return n
}

func (c *Controller) Prepare(ctx context.Context, machines []*target.Machine) error {
	c.mu.Lock()
	if c.state != NotPrepared {
		defer c.mu.Unlock()
		return fmt.Errorf("can't prepare when %s", c.state)
	}
	pairs, err := c.makePairs(machines)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if len(c.tools) == 0 {
		c.mu.Unlock()
		return &PreconditionError{Reason: "no tools to run"}
	}
	c.pairs = pairs
	tools := append([]benchmark.Tool(nil), c.tools...)
	c.mu.Unlock()

	for _, t := range tools {
		for _, m := range machines {
			slog.Info("starting tool setup", slog.String("tool", t.GetName()), slog.String("machine", m.Name))
			handle, err := t.SetUp(ctx, m)
			if err != nil {
				slog.Error("tool setup failed", slog.String("tool", t.GetName()), slog.String("machine", m.Name), slog.String("error", err.Error()))
				return fmt.Errorf("setting up %s on %s failed: %w", t.GetName(), m.Name, err)
			}
			// Recorded as soon as it exists so Cleanup can stop it even if a later setup fails.
			c.mu.Lock()
			c.servers = append(c.servers, server{tool: t, machine: m, handle: handle})
			c.mu.Unlock()
			slog.Info("finished tool setup", slog.String("tool", t.GetName()), slog.String("machine", m.Name), slog.String("handle", handle))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == NotPrepared {
		c.state = Prepared
	}
	return nil
}

// Must be called with c.mu held.
func (c *Controller) makePairs(machines []*target.Machine) ([]benchmark.Pair, error) {
	if !c.mesh && len(machines) != 2 {
		return nil, &PreconditionError{Reason: fmt.Sprintf("benchmark requires exactly two machines, found %d", len(machines))}
	}
	if c.mesh && len(machines) < 2 {
		return nil, &PreconditionError{Reason: fmt.Sprintf("benchmark requires at least two machines, found %d", len(machines))}
	}
	names := map[string]bool{}
	for _, m := range machines {
		if m == nil || m.Target == nil {
			return nil, &PreconditionError{Reason: "machine has no target to run commands on"}
		}
		if names[m.Name] {
			return nil, &PreconditionError{Reason: fmt.Sprintf("machine %s given more than once", m.Name)}
		}
		names[m.Name] = true
	}

	pairs := []benchmark.Pair{}
	for i := range machines {
		for j := i + 1; j < len(machines); j++ {
			pairs = append(pairs, benchmark.Pair{A: machines[i], B: machines[j]})
		}
	}
	return pairs, nil
}

func (c *Controller) Run(ctx context.Context) ([]report.Sample, error) {
	c.mu.Lock()
	if c.state != Prepared {
		defer c.mu.Unlock()
		return nil, fmt.Errorf("can't run when %s", c.state)
	}
	c.state = Running
	tools := append([]benchmark.Tool(nil), c.tools...)
	pairs := c.pairs
	c.mu.Unlock()

	results := []report.Sample{}
	errs := []error{}
	for _, t := range tools {
		runner := &benchmark.SweepRunner{
			Tool:             t,
			IPType:           target.IPType(c.cfg.IPType),
			RuntimeSec:       c.cfg.RuntimeSeconds,
			TimeoutBufferSec: c.cfg.TimeoutSeconds,
			CellRetries:      c.cfg.CellRetries,
			MonitorHosts:     c.cfg.MonitorHosts,
			OnCell:           c.OnCell,
		}

		var samples []report.Sample
		var err error
		if len(pairs) == 1 {
			samples, err = runner.Run(ctx, pairs[0], nil)
		} else {
			samples, err = runner.RunPairs(ctx, pairs, nil, c.cfg.PairConcurrency)
		}
		results = append(results, samples...)
		if err != nil {
			slog.Error("tool sweep failed", slog.String("tool", t.GetName()), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("running %s failed: %w", t.GetName(), err))
		}
		if ctx.Err() != nil {
			break
		}
	}

	err := errors.Join(errs...)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Running {
		if err != nil {
			c.state = Failed
		} else {
			c.state = Completed
		}
	}
	return results, err
}

func (c *Controller) Cleanup(ctx context.Context) error {
	c.mu.Lock()
	servers := c.servers
	c.servers = nil
	alreadyClean := c.state == CleanedUp
	c.state = CleanedUp
	c.mu.Unlock()

	if alreadyClean && len(servers) == 0 {
		return nil
	}

	errs := []error{}
	for i := len(servers) - 1; i >= 0; i-- {
		s := servers[i]
		err := s.tool.TearDown(ctx, s.machine, s.handle)
		if err != nil {
			slog.Error("tool teardown failed", slog.String("tool", s.tool.GetName()), slog.String("machine", s.machine.Name), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("tearing down %s on %s: %w", s.tool.GetName(), s.machine.Name, err))
			continue
		}
		slog.Info("finished tool teardown", slog.String("tool", s.tool.GetName()), slog.String("machine", s.machine.Name))
	}
	return errors.Join(errs...)
}
