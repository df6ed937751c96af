package benchmark

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Octogonapus/NetBenchmark/target"
	"github.com/Octogonapus/NetBenchmark/util"
	"github.com/sethvargo/go-retry"
)

var (
	installAttempts   = 3
	installRetryDelay = 30 * time.Second
	installTimeout    = 10 * time.Minute
	serverTimeout     = time.Minute
)

// InstallPackages installs apt packages on the machine, trying a few times because package mirrors are flaky right
// after boot.
func InstallPackages(ctx context.Context, m *target.Machine, packages ...string) error {
	cmd := "sudo DEBIAN_FRONTEND=noninteractive apt-get update -y && sudo DEBIAN_FRONTEND=noninteractive apt-get install -y " + strings.Join(packages, " ")
	var res *target.CommandResult
	attempt := 0
	err := retry.Do(ctx, util.ConstantBackoff(installAttempts, installRetryDelay), func(ctx context.Context) error {
		attempt++
		var err error
		res, err = m.Target.RunCommand(ctx, cmd, installTimeout)
		if err == nil || ctx.Err() != nil {
			return err
		}
		if attempt < installAttempts {
			slog.Debug("failed to install dependencies, will try again", slog.String("machine", m.Name), slog.String("command output", output(res)), slog.String("error", err.Error()))
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		slog.Error("failed to install dependencies", slog.String("machine", m.Name), slog.String("command output", output(res)), slog.String("error", err.Error()))
		return fmt.Errorf("installing %s on %s: %w", strings.Join(packages, " "), m.Name, err)
	}
	return nil
}

// StartServer runs cmd in the background on the machine, detached from the session, and returns its pid.
func StartServer(ctx context.Context, m *target.Machine, cmd string) (string, error) {
	res, err := m.Target.RunCommand(ctx, fmt.Sprintf("nohup %s > /dev/null 2>&1 & echo $!", cmd), serverTimeout)
	if err != nil {
		slog.Error("failed to start server", slog.String("machine", m.Name), slog.String("command output", output(res)), slog.String("error", err.Error()))
		return "", fmt.Errorf("starting server on %s: %w", m.Name, err)
	}
	pid := strings.TrimSpace(util.LastNonEmptyLine(res.Stdout))
	_, err = strconv.Atoi(pid)
	if err != nil {
		return "", fmt.Errorf("starting server on %s: unexpected pid %q", m.Name, pid)
	}
	slog.Info("started server", slog.String("machine", m.Name), slog.String("pid", pid))
	return pid, nil
}

// KillServer kills a process started by StartServer. A process that no longer exists counts as killed.
func KillServer(ctx context.Context, m *target.Machine, pid string) error {
	if pid == "" {
		return nil
	}
	_, err := strconv.Atoi(pid)
	if err != nil {
		return fmt.Errorf("refusing to kill %q on %s: not a pid", pid, m.Name)
	}
	_, err = m.Target.RunCommand(ctx, "kill -9 "+pid, serverTimeout)
	var nonZero *target.NonZeroExitError
	if errors.As(err, &nonZero) && strings.Contains(nonZero.Stderr, "No such process") {
		slog.Debug("server already gone", slog.String("machine", m.Name), slog.String("pid", pid))
		return nil
	}
	if err != nil {
		return fmt.Errorf("killing server %s on %s: %w", pid, m.Name, err)
	}
	slog.Info("killed server", slog.String("machine", m.Name), slog.String("pid", pid))
	return nil
}

func output(res *target.CommandResult) string {
	if res == nil {
		return ""
	}
	return res.Stdout + res.Stderr
}
