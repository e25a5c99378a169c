package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bjsi/vibe-controller/internal/agentstate"
	"github.com/bjsi/vibe-controller/internal/debug"
	"github.com/bjsi/vibe-controller/internal/recording"
	"github.com/bjsi/vibe-controller/internal/store"
	"github.com/bjsi/vibe-controller/internal/stream"
	"github.com/bjsi/vibe-controller/internal/telemetry"
)

const (
	simPrefix         = "[sim] "
	flushTimeout      = 10 * time.Second
	simulatorWaitTime = 5 * time.Second
)

// simulate runs the controller script in staged. Failures are reported as
// error messages; the caller decides the final status.
func (r *Runner) simulate(ctx context.Context, rn *run, id, staged string) {
	script := filepath.Join(staged, r.settings.ControllerScript)
	info, err := os.Stat(script)
	if err != nil || info.IsDir() {
		r.reg.AddMessage(id, fmt.Sprintf("Controller script not found: %s", script), agentstate.TypeError)
		return
	}
	python, err := lookupExecutable(r.settings.Python)
	if err != nil {
		r.reg.AddMessage(id, fmt.Sprintf("Cannot run simulation: %v", err), agentstate.TypeError)
		return
	}

	r.reg.AddMessage(id, "Running drone simulation...", agentstate.TypeInfo)

	cmd := exec.CommandContext(ctx, python, script)
	cmd.Dir = filepath.Dir(script)
	setupProcessGroup(cmd)
	cmd.WaitDelay = simulatorWaitTime
	env := map[string]string{"PYTHONUNBUFFERED": "1"}
	for k, v := range r.settings.Env {
		env[k] = v
	}
	setupEnv(cmd, env)

	rec := recording.New(id, rn.id, recording.SourceSimulator, r.transcript)
	rec.RecordMeta("command", python+" "+script)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.reg.AddMessage(id, fmt.Sprintf("Simulation failed: %v", err), agentstate.TypeError)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.reg.AddMessage(id, fmt.Sprintf("Simulation failed: %v", err), agentstate.TypeError)
		return
	}
	if err := cmd.Start(); err != nil {
		r.reg.AddMessage(id, fmt.Sprintf("Simulation failed to start: %v", err), agentstate.TypeError)
		return
	}
	debug.LogKV("agent", "simulator started", "id", id, "pid", cmd.Process.Pid, "script", script)

	batcher := telemetry.NewBatcher(r.sink(), id, func(points, total int, err error) {
		r.logger.Warn("telemetry batch dropped", "id", id, "points", points, "dropped_total", total, "err", err)
		r.reg.Update(id, agentstate.Patch{DroppedTelemetry: agentstate.Ptr(total)})
	})

	var g errgroup.Group
	g.Go(func() error {
		return scanLines(stdout, func(line string, err error) {
			if err != nil {
				r.reg.AddMessage(id, fmt.Sprintf("%sreading output: %v", simPrefix, err), agentstate.TypeWarning)
				return
			}
			rec.RecordStdout(line)
			if p, ok := stream.ParseTelemetryLine(line); ok {
				batcher.Add(p)
				return
			}
			r.reg.AddMessage(id, simPrefix+line, agentstate.TypeInfo)
		})
	})
	g.Go(func() error {
		return scanLines(stderr, func(line string, err error) {
			if err != nil {
				r.reg.AddMessage(id, fmt.Sprintf("%sreading stderr: %v", simPrefix, err), agentstate.TypeWarning)
				return
			}
			rec.RecordStderr(line)
			r.reg.AddMessage(id, simPrefix+line, agentstate.TypeWarning)
		})
	})
	if err := g.Wait(); err != nil {
		debug.LogKV("agent", "simulator output scan ended with error", "id", id, "error", err)
	}
	waitErr := cmd.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	batcher.Close(flushCtx)
	cancel()
	if dropped := batcher.Dropped(); dropped > 0 {
		r.reg.Update(id, agentstate.Patch{DroppedTelemetry: agentstate.Ptr(dropped)})
	}

	exitCode, err := extractExitCode(waitErr)
	rec.RecordMeta("exit_code", fmt.Sprintf("%d", exitCode))
	debug.LogKV("agent", "simulator exited", "id", id, "exit_code", exitCode,
		"forwarded", batcher.Forwarded(), "dropped", batcher.Dropped())

	switch {
	case rn.forced.Load():
		r.reg.AddMessage(id, "Simulation terminated", agentstate.TypeInfo)
	case err != nil:
		r.reg.AddMessage(id, fmt.Sprintf("Simulation failed: %v", err), agentstate.TypeError)
	case exitCode != 0:
		r.reg.AddMessage(id, fmt.Sprintf("Simulation exited with code %d", exitCode), agentstate.TypeError)
	default:
		r.reg.AddMessage(id, fmt.Sprintf("Simulation completed (%d telemetry points forwarded)", batcher.Forwarded()), agentstate.TypeSuccess)
	}
}

func (r *Runner) sink() telemetry.Sink {
	if r.telemetry != nil {
		return r.telemetry
	}
	return telemetry.SinkFunc(func(context.Context, string, []store.TestDataPoint) error { return nil })
}
