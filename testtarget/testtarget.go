// Package testtarget implements a target.Target that runs nothing. Commands are answered from scripted responses,
// which lets the sweep and lifecycle code be tested without machines.
package testtarget

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/Octogonapus/NetBenchmark/target"
)

// Response is what the target answers to a matching command. A non-zero ExitCode without Err is reported as a
// *target.NonZeroExitError.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

type rule struct {
	substr    string
	responses []Response
}

type Target struct {
	// Delay is how long each command "runs". The context is honoured while waiting.
	Delay time.Duration

	mu       sync.Mutex
	rules    []*rule
	commands []string
	files    map[string][]byte
	running  int
	peak     int
	closed   bool
}

func New() *Target {
	return &Target{files: map[string][]byte{}}
}

// NewMachine returns a machine backed by a new Target.
func NewMachine(name string) (*target.Machine, *Target) {
	t := New()
	return &target.Machine{
		Name:        name,
		InternalIP:  "10.0.0." + fmt.Sprint(len(name)),
		ExternalIP:  name + ".example.com",
		MachineType: "t3.micro",
		Zone:        "us-east-1a",
		Target:      t,
	}, t
}

// On answers commands containing substr with responses in order. The last response repeats once the others have been
// used. Rules are checked in the order they were added; commands matching no rule succeed with empty output.
func (t *Target) On(substr string, responses ...Response) {
	if len(responses) == 0 {
		responses = []Response{{}}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = append(t.rules, &rule{substr: substr, responses: responses})
}

func (t *Target) RunCommand(ctx context.Context, cmd string, timeout time.Duration) (*target.CommandResult, error) {
	if strings.TrimSpace(cmd) == "" || timeout <= 0 {
		return nil, fmt.Errorf("invalid command %q with timeout %s", cmd, timeout)
	}

	t.mu.Lock()
	t.commands = append(t.commands, cmd)
	resp := t.match(cmd)
	t.running++
	t.peak = max(t.peak, t.running)
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.running--
		t.mu.Unlock()
	}()

	if t.Delay > 0 {
		select {
		case <-time.After(t.Delay):
		case <-ctx.Done():
			return &target.CommandResult{ExitCode: -1}, ctx.Err()
		}
	}

	result := &target.CommandResult{Stdout: resp.Stdout, Stderr: resp.Stderr, ExitCode: resp.ExitCode, Elapsed: t.Delay}
	if resp.Err != nil {
		return result, resp.Err
	}
	if resp.ExitCode != 0 {
		return result, &target.NonZeroExitError{Command: cmd, ExitCode: resp.ExitCode, Stderr: resp.Stderr}
	}
	return result, nil
}

func (t *Target) match(cmd string) Response {
	for _, r := range t.rules {
		if !strings.Contains(cmd, r.substr) {
			continue
		}
		resp := r.responses[0]
		if len(r.responses) > 1 {
			r.responses = r.responses[1:]
		}
		return resp
	}
	return Response{}
}

func (t *Target) CopyFileTo(src io.Reader, remotePath string) error {
	buf := &bytes.Buffer{}
	_, err := buf.ReadFrom(src)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files[remotePath] = buf.Bytes()
	return nil
}

func (t *Target) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Commands returns every command run so far, in order.
func (t *Target) Commands() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.commands...)
}

// CommandsContaining returns the commands run so far that contain substr.
func (t *Target) CommandsContaining(substr string) []string {
	out := []string{}
	for _, c := range t.Commands() {
		if strings.Contains(c, substr) {
			out = append(out, c)
		}
	}
	return out
}

func (t *Target) File(path string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf, ok := t.files[path]
	return buf, ok
}

// PeakConcurrency is the largest number of commands that were running at once.
func (t *Target) PeakConcurrency() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peak
}

func (t *Target) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
