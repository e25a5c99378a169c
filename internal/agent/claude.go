package agent

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bjsi/vibe-controller/internal/agentstate"
	"github.com/bjsi/vibe-controller/internal/debug"
	"github.com/bjsi/vibe-controller/internal/recording"
	"github.com/bjsi/vibe-controller/internal/stream"
)

// buildArgs returns the agent argv after the binary name.
func buildArgs(instructions string, extra []string) []string {
	args := []string{
		"--print", instructions,
		"--dangerously-skip-permissions",
		"--output-format", "stream-json",
		"--verbose",
	}
	return append(args, extra...)
}

// runAgent spawns the agent in staged and streams its output into the
// registry until it exits. It returns the exit code, or an error when the
// process could not be started or waited on.
func (r *Runner) runAgent(ctx context.Context, id, instructions, staged string, rec *recording.Recorder) (int, error) {
	path, err := lookupExecutable(r.settings.Command)
	if err != nil {
		return 0, err
	}

	args := buildArgs(instructions, r.settings.Args)
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = staged
	setupProcessGroup(cmd)
	cmd.WaitDelay = 5 * time.Second
	setupEnv(cmd, r.settings.Env)

	rec.RecordMeta("command", path)
	rec.RecordMeta("args", strings.Join(args[2:], " "))
	rec.RecordMeta("workdir", staged)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("creating stderr pipe: %w", err)
	}

	debug.LogKV("agent", "starting agent process", "id", id, "binary", path, "dir", staged, "extra_args", len(r.settings.Args))
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting agent: %w", err)
	}
	debug.LogKV("agent", "agent process started", "id", id, "pid", cmd.Process.Pid)

	var g errgroup.Group
	g.Go(func() error {
		r.consumeAgentStream(ctx, id, stream.Parse(ctx, stdout), rec)
		return nil
	})
	g.Go(func() error {
		return scanLines(stderr, func(line string, err error) {
			if err != nil {
				r.reg.AddMessage(id, fmt.Sprintf("Reading agent stderr: %v", err), agentstate.TypeWarning)
				return
			}
			rec.RecordStderr(line)
			r.reg.AddMessage(id, line, agentstate.TypeWarning)
		})
	})
	if err := g.Wait(); err != nil {
		debug.LogKV("agent", "stderr scan ended with error", "id", id, "error", err)
	}

	waitErr := cmd.Wait()
	exitCode, err := extractExitCode(waitErr)
	rec.RecordMeta("exit_code", fmt.Sprintf("%d", exitCode))
	debug.LogKV("agent", "agent process exited", "id", id, "exit_code", exitCode, "wait_error", waitErr)
	if err != nil {
		return 0, fmt.Errorf("waiting for agent: %w", err)
	}
	return exitCode, nil
}

// consumeAgentStream drains events until the parser closes the channel.
func (r *Runner) consumeAgentStream(ctx context.Context, id string, events <-chan stream.RawEvent, rec *recording.Recorder) {
	for ev := range events {
		if ev.Err != nil && len(ev.Raw) == 0 {
			r.reg.AddMessage(id, fmt.Sprintf("Reading agent output: %v", ev.Err), agentstate.TypeWarning)
			continue
		}
		rec.RecordStdout(string(ev.Raw))
		if !ev.LooksJSON {
			continue
		}
		if ev.Err != nil {
			r.reg.AddMessage(id, fmt.Sprintf("Failed to parse agent output: %v", ev.Err), agentstate.TypeWarning)
			continue
		}
		if text := ev.Parsed.Text(); text != "" {
			r.reg.AddMessage(id, text, agentstate.TypeInfo)
		}
		if ev.Parsed.Type == "result" && ev.Parsed.IsError {
			msg := strings.TrimSpace(ev.Parsed.ResultText)
			if msg == "" {
				msg = "agent reported an error result"
			}
			r.reg.AddMessage(id, msg, agentstate.TypeWarning)
		}
	}
	if err := ctx.Err(); err != nil {
		debug.LogKV("agent", "agent stream closed by context", "id", id, "error", err)
	}
}
