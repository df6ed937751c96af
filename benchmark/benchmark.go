package benchmark

import (
	"context"
	"fmt"
	"time"

	"github.com/Octogonapus/NetBenchmark/report"
	"github.com/Octogonapus/NetBenchmark/target"
)

// A tool is a client/server benchmark that runs between two machines: a server workload on the receiver and a client
// command on the sender.
type Tool interface {
	// Install the tool and start its server workload on the machine. Returns an opaque handle (e.g. the server's
	// pid) that TearDown needs to stop it.
	SetUp(ctx context.Context, m *target.Machine) (string, error)

	// Stop the server workload started by SetUp. A workload that is already gone is not an error.
	TearDown(ctx context.Context, m *target.Machine, handle string) error

	// Return the client command to run on the sender for one sweep cell.
	GetCommand(spec RunSpec) (string, error)

	// Parse the entire standard output of the client command.
	ParseCommandOutput(stdout string, spec RunSpec) ([]report.Sample, error)

	// The sample recorded in place of real results when a cell fails.
	FailureSample(spec RunSpec) report.Sample

	// Extra time on top of the runtime before the client command is killed.
	TimeoutBuffer(concurrency int) time.Duration

	// The concurrency levels to sweep, in order.
	GetConcurrencyLevels() []int

	// A human-friendly name the user can set for this tool. Only used for logging.
	GetName() string

	// Any input given to this tool by the user.
	GetInput() map[string]any
}

type toolType string

type toolFactory func(map[string]any) (Tool, error)

var tools map[toolType]toolFactory

// All tools must register themselves at module load time so that deserialization can create a tool of that type.
func RegisterTool(ttype string, f toolFactory) {
	if tools == nil {
		tools = map[toolType]toolFactory{}
	}
	tools[toolType(ttype)] = f
}

type SerializedTool struct {
	Type  toolType
	Input map[string]any
}

type ToolFile []SerializedTool

func DeserializeTool(st *SerializedTool) (Tool, error) {
	f, ok := tools[st.Type]
	if !ok {
		return nil, fmt.Errorf("unknown tool type: %s", st.Type)
	}
	return f(st.Input)
}

// RunSpec is one cell of a sweep. It is passed by value and never modified once built.
type RunSpec struct {
	Sender   *target.Machine
	Receiver *target.Machine

	// Where the sender reaches the receiver, resolved from IPType before the sweep starts.
	ReceiverAddress string
	IPType          target.IPType

	Concurrency      int
	RuntimeSec       int
	TimeoutBufferSec int
}

// Timeout is how long the client command may run before it is killed.
func (s RunSpec) Timeout() time.Duration {
	return time.Duration(s.RuntimeSec+s.TimeoutBufferSec) * time.Second
}

// Metadata describes the environment of this cell. Failure samples carry it too.
func (s RunSpec) Metadata() report.Metadata {
	return report.Metadata{
		ReceivingMachineType: s.Receiver.MachineType,
		ReceivingZone:        s.Receiver.Zone,
		SendingMachineType:   s.Sender.MachineType,
		SendingZone:          s.Sender.Zone,
		SendingThreadCount:   s.Concurrency,
		RuntimeInSeconds:     s.RuntimeSec,
		IPType:               string(s.IPType),
	}
}
