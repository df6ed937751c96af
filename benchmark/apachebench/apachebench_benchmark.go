package apachebench

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"text/template"
	"time"

	"github.com/Octogonapus/NetBenchmark/benchmark"
	metricparser "github.com/Octogonapus/NetBenchmark/metric_parser"
	"github.com/Octogonapus/NetBenchmark/report"
	"github.com/Octogonapus/NetBenchmark/target"
	"github.com/Octogonapus/NetBenchmark/util"
	"github.com/mitchellh/mapstructure"
)

//go:embed index.html
var indexPage []byte

//go:embed nginx.conf.tmpl
var nginxConfText string

var nginxConf = template.Must(template.New("nginx.conf").Parse(nginxConfText))

const (
	DefaultPort         = 8080
	DefaultRequests     = 2000
	DefaultDocumentRoot = "netbenchmark-www"

	// Matches the default net.core.somaxconn of recent kernels, which caps the backlog anyway.
	DefaultBacklog = 4096
)

var DefaultConcurrencyLevels = []int{5, 10, 50, 100, 200, 500, 1000}

type ApacheBenchInput struct {
	Name              string
	Port              int
	Requests          int
	ConcurrencyLevels []int
	TimeoutBufferSec  int // 0 means 10 seconds
	DocumentRoot      string // nginx prefix directory, relative to the login directory
	Backlog           int    // listen queue of the HTTP server
}

type tool struct {
	input  *ApacheBenchInput
	parser metricparser.ApacheBench
}

func init() {
	benchmark.RegisterTool("apachebench", func(a map[string]any) (benchmark.Tool, error) {
		input := &ApacheBenchInput{}
		err := mapstructure.Decode(a, input)
		if err != nil {
			return nil, fmt.Errorf("can't convert input to ApacheBenchInput: %w", err)
		}
		return NewApacheBenchTool(input)
	})
}

func NewApacheBenchTool(input *ApacheBenchInput) (benchmark.Tool, error) {
	if input.Name == "" {
		input.Name = "apachebench"
	}
	if input.Port == 0 {
		input.Port = DefaultPort
	}
	if input.Requests == 0 {
		input.Requests = DefaultRequests
	}
	if input.Requests < 0 {
		return nil, fmt.Errorf("request count must be positive, got %d", input.Requests)
	}
	if len(input.ConcurrencyLevels) == 0 {
		input.ConcurrencyLevels = DefaultConcurrencyLevels
	}
	for _, c := range input.ConcurrencyLevels {
		if c < 1 {
			return nil, fmt.Errorf("apachebench concurrency levels must be at least 1, got %d", c)
		}
	}
	if input.DocumentRoot == "" {
		input.DocumentRoot = DefaultDocumentRoot
	}
	if input.Backlog == 0 {
		input.Backlog = DefaultBacklog
	}
	if input.Backlog < 0 {
		return nil, fmt.Errorf("backlog must be positive, got %d", input.Backlog)
	}
	return &tool{input: input}, nil
}

func (t *tool) SetUp(ctx context.Context, m *target.Machine) (string, error) {
	err := benchmark.InstallPackages(ctx, m, "apache2-utils", "nginx")
	if err != nil {
		return "", err
	}

	conf, err := t.renderConf()
	if err != nil {
		return "", err
	}
	files := map[string][]byte{
		path.Join(t.input.DocumentRoot, "html", "index.html"): indexPage,
		path.Join(t.input.DocumentRoot, "nginx.conf"):         conf,
	}
	for dst, content := range files {
		err = m.Target.CopyFileTo(bytes.NewReader(content), dst)
		if err != nil {
			slog.Error("failed to copy web server file", slog.String("machine", m.Name), slog.String("file", dst), slog.String("error", err.Error()))
			return "", fmt.Errorf("copying %s to %s: %w", dst, m.Name, err)
		}
	}

	// Copied files land relative to the login directory. nginx needs an absolute prefix.
	prefix := t.input.DocumentRoot
	if !path.IsAbs(prefix) {
		prefix = path.Join("$HOME", prefix)
	}
	return benchmark.StartServer(ctx, m, fmt.Sprintf("nginx -p %s/ -c %s/nginx.conf", prefix, prefix))
}

// renderConf sizes the connection limits for the highest concurrency level.
func (t *tool) renderConf() ([]byte, error) {
	connections := max(1024, 2*slices.Max(t.input.ConcurrencyLevels))
	buf := &bytes.Buffer{}
	err := nginxConf.Execute(buf, map[string]int{
		"Port":              t.input.Port,
		"Backlog":           t.input.Backlog,
		"WorkerConnections": connections,
		"OpenFiles":         2 * connections,
	})
	if err != nil {
		return nil, fmt.Errorf("rendering nginx.conf: %w", err)
	}
	return buf.Bytes(), nil
}

func (t *tool) TearDown(ctx context.Context, m *target.Machine, handle string) error {
	return benchmark.KillServer(ctx, m, handle)
}

func (t *tool) GetCommand(spec benchmark.RunSpec) (string, error) {
	if spec.ReceiverAddress == "" {
		return "", fmt.Errorf("no receiver address")
	}
	// ab refuses to run with fewer requests than concurrent clients.
	requests := max(t.input.Requests, spec.Concurrency)
	return fmt.Sprintf("ab -k -c %d -n %d http://%s:%d/", spec.Concurrency, requests, spec.ReceiverAddress, t.input.Port), nil
}

func (t *tool) ParseCommandOutput(stdout string, spec benchmark.RunSpec) ([]report.Sample, error) {
	return t.parser.Parse(stdout, spec.Concurrency, spec.Metadata())
}

func (t *tool) FailureSample(spec benchmark.RunSpec) report.Sample {
	return t.parser.FailureSample(spec.Metadata())
}

func (t *tool) TimeoutBuffer(concurrency int) time.Duration {
	if t.input.TimeoutBufferSec > 0 {
		return time.Duration(t.input.TimeoutBufferSec) * time.Second
	}
	return 10 * time.Second
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
