package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"text/tabwriter"
	"time"

	"github.com/Octogonapus/NetBenchmark/benchmark"
	"github.com/Octogonapus/NetBenchmark/benchmark/apachebench"
	"github.com/Octogonapus/NetBenchmark/benchmark/iperf"
	benchmarkorchestrator "github.com/Octogonapus/NetBenchmark/benchmark_orchestrator"
	"github.com/Octogonapus/NetBenchmark/config"
	"github.com/Octogonapus/NetBenchmark/provisioner"
	"github.com/Octogonapus/NetBenchmark/report"
	"github.com/Octogonapus/NetBenchmark/target"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/crypto/ssh"
)

// Stopping servers must still work after the run was interrupted.
const cleanupTimeout = 5 * time.Minute

func main() {
	cfg, err := config.New()
	if err != nil {
		panic(err)
	}

	flag.StringVar(&cfg.MachineType, "machine-type", cfg.MachineType, "The EC2 instance type of provisioned machines.")
	flag.StringVar(&cfg.Zone, "zone", cfg.Zone, "The availability zone to provision machines in.")
	flag.IntVar(&cfg.NodeCount, "node-count", cfg.NodeCount, "How many machines to provision. Must be 2 unless -mesh is set.")
	flag.StringVar(&cfg.Project, "project", cfg.Project, "Name prefix and Project tag of provisioned resources.")
	flag.StringVar(&cfg.ImageID, "image", cfg.ImageID, "The AMI of provisioned machines. Required unless -inventory is given.")
	flag.IntVar(&cfg.DiskSizeGB, "disk-size", cfg.DiskSizeGB, "Also create a gp3 volume of this many GB. No volume is created by default.")
	flag.StringVar(&cfg.DiskName, "disk-name", cfg.DiskName, "The name of the volume created with -disk-size.")
	flag.StringVar(&cfg.InventoryFile, "inventory", cfg.InventoryFile, "A JSON file listing existing machines to benchmark instead of provisioning new ones.")
	flag.StringVar(&cfg.ToolsFile, "tools", cfg.ToolsFile, "A JSON file of tool configurations. Runs iperf then ApacheBench with default settings when empty.")
	flag.StringVar(&cfg.SSHUser, "ssh-user", cfg.SSHUser, "The user to log in as.")
	flag.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "The private key used to log into inventory machines.")
	flag.StringVar(&cfg.IPType, "ip-type", cfg.IPType, "Which address of the receiver the client connects to: internal or external.")
	flag.IntVar(&cfg.RuntimeSeconds, "runtime", cfg.RuntimeSeconds, "How long each iperf cell runs, in seconds.")
	flag.IntVar(&cfg.TimeoutSeconds, "timeout-buffer", cfg.TimeoutSeconds, "Seconds allowed past the runtime before a cell is killed. Each tool's own buffer is used when 0.")
	flag.IntVar(&cfg.CellRetries, "retries", cfg.CellRetries, "How many times to retry a failed cell.")
	flag.BoolVar(&cfg.Mesh, "mesh", cfg.Mesh, "Benchmark every pair of machines instead of exactly one pair.")
	flag.IntVar(&cfg.PairConcurrency, "pair-concurrency", cfg.PairConcurrency, "How many pairs can be benchmarked at once with -mesh.")
	flag.BoolVar(&cfg.MonitorHosts, "monitor-hosts", cfg.MonitorHosts, "Also record CPU and NIC usage of both machines for every cell.")
	flag.StringVar(&cfg.ResultsPath, "results", cfg.ResultsPath, "Append result records to this file.")
	flag.StringVar(&cfg.ResultsBucket, "bucket", cfg.ResultsBucket, "Also upload result records to this S3 bucket.")
	flag.StringVar(&cfg.RunURI, "run-uri", cfg.RunURI, "Identifies this run in every result record.")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "One of debug, info, warn, error.")
	flag.Parse()

	err = cfg.Validate()
	if err != nil {
		panic(err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err = run(ctx, cfg)
	if err != nil {
		panic(err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	tools, err := loadTools(cfg.ToolsFile)
	if err != nil {
		return err
	}

	machines, err := loadMachines(ctx, cfg, tools)
	if err != nil {
		return err
	}
	defer func() {
		for _, m := range machines {
			m.Target.Close()
		}
	}()

	var ctrl *benchmarkorchestrator.Controller
	if cfg.Mesh {
		ctrl = benchmarkorchestrator.NewMeshController(cfg)
	} else {
		ctrl = benchmarkorchestrator.NewController(cfg)
	}
	for _, t := range tools {
		err = ctrl.AddTool(t)
		if err != nil {
			return err
		}
	}

	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		err := ctrl.Cleanup(cleanupCtx)
		if err != nil {
			slog.Error("cleanup failed, servers may still be running", slog.String("error", err.Error()))
		}
	}()
	err = ctrl.Prepare(ctx, machines)
	if err != nil {
		return err
	}

	bar := progressbar.Default(int64(ctrl.NumCells()), "benchmarking")
	ctrl.OnCell = func(spec benchmark.RunSpec, samples []report.Sample, err error) {
		bar.Add(1)
	}
	samples, runErr := ctrl.Run(ctx)
	bar.Finish()
	if runErr != nil {
		slog.Error("benchmark run failed, writing partial results", slog.String("error", runErr.Error()))
	}

	err = writeResults(ctx, cfg, samples)
	if err != nil {
		return err
	}
	printSummary(samples)
	return runErr
}

func loadTools(toolsFile string) ([]benchmark.Tool, error) {
	if toolsFile == "" {
		ip, err := iperf.NewIperfTool(&iperf.IperfInput{})
		if err != nil {
			return nil, err
		}
		ab, err := apachebench.NewApacheBenchTool(&apachebench.ApacheBenchInput{})
		if err != nil {
			return nil, err
		}
		return []benchmark.Tool{ip, ab}, nil
	}

	buf, err := os.ReadFile(toolsFile)
	if err != nil {
		return nil, err
	}
	toolFile := benchmark.ToolFile{}
	err = json.Unmarshal(buf, &toolFile)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", toolsFile, err)
	}
	tools := []benchmark.Tool{}
	for _, st := range toolFile {
		t, err := benchmark.DeserializeTool(&st)
		if err != nil {
			return nil, err
		}
		tools = append(tools, t)
	}
	return tools, nil
}

func loadMachines(ctx context.Context, cfg *config.Config, tools []benchmark.Tool) ([]*target.Machine, error) {
	if cfg.InventoryFile != "" {
		buf, err := os.ReadFile(cfg.InventoryFile)
		if err != nil {
			return nil, err
		}
		auths := []ssh.AuthMethod{}
		if cfg.SSHKeyPath != "" {
			key, err := os.ReadFile(cfg.SSHKeyPath)
			if err != nil {
				return nil, err
			}
			signer, err := ssh.ParsePrivateKey(key)
			if err != nil {
				return nil, fmt.Errorf("parsing %s: %w", cfg.SSHKeyPath, err)
			}
			auths = append(auths, ssh.PublicKeys(signer))
		}
		return target.LoadInventory(buf, cfg.SSHUser, cfg.SSHPort, auths)
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	prov := provisioner.NewEC2Provisioner(awsCfg, cfg.SSHUser, cfg.SSHPort)

	if cfg.DiskSizeGB > 0 {
		_, err = prov.CreateDisk(ctx, provisioner.DiskSpec{
			Project: cfg.Project,
			Zone:    cfg.Zone,
			SizeGB:  cfg.DiskSizeGB,
			Name:    cfg.DiskName,
		})
		if err != nil {
			return nil, err
		}
	}

	clusterID, err := prov.CreateCluster(ctx, provisioner.ClusterSpec{
		Project:     cfg.Project,
		Zone:        cfg.Zone,
		MachineType: cfg.MachineType,
		NodeCount:   cfg.NodeCount,
		ImageID:     cfg.ImageID,
		Ports:       toolPorts(tools),
	})
	if err != nil {
		return nil, err
	}
	return prov.Machines(ctx, clusterID)
}

// toolPorts collects the server ports tools listen on.
func toolPorts(tools []benchmark.Tool) []int {
	ports := []int{}
	for _, t := range tools {
		if p, ok := t.GetInput()["Port"].(int); ok && p > 0 {
			ports = append(ports, p)
		}
	}
	return ports
}

func loadAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	region, err := cfg.Region()
	if err != nil {
		return awsconfig.LoadDefaultConfig(ctx, awsconfig.WithEC2IMDSRegion())
	}
	return awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
}

func writeResults(ctx context.Context, cfg *config.Config, samples []report.Sample) error {
	records := report.NewRecords(samples, cfg.RunURI, time.Now())
	sinks := []report.Sink{&report.FileSink{Path: cfg.ResultsPath}}
	if cfg.ResultsBucket != "" {
		awsCfg, err := loadAWSConfig(ctx, cfg)
		if err != nil {
			return err
		}
		key := path.Join(cfg.Project, fmt.Sprintf("%d.json", time.Now().Unix()))
		if cfg.RunURI != "" {
			key = path.Join(cfg.Project, cfg.RunURI+".json")
		}
		sinks = append(sinks, report.NewS3Sink(awsCfg, cfg.ResultsBucket, key))
	}

	// Results are written even when the run was interrupted.
	writeCtx := context.WithoutCancel(ctx)
	for _, s := range sinks {
		err := s.Write(writeCtx, records)
		if err != nil {
			return err
		}
	}
	return nil
}

func printSummary(samples []report.Sample) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "METRIC\tUNIT\tCONCURRENCY\tMIN\tAVG\tP50\tP90\tP99\tMAX\tOK\tFAILED")
	for _, s := range report.Summarize(samples) {
		fmt.Fprintf(w, "%s\t%s\t%d\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%d\t%d\n",
			s.Metric, s.Unit, s.SendingThreadCount,
			s.Summary.Min, s.Summary.Average, s.Summary.P50, s.Summary.P90, s.Summary.P99, s.Summary.Max,
			s.Summary.NumDataPoints, s.Failures)
	}
	w.Flush()
}
