package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/bjsi/vibe-controller/internal/agentstate"
	"github.com/bjsi/vibe-controller/internal/debug"
	"github.com/bjsi/vibe-controller/internal/recording"
	"github.com/bjsi/vibe-controller/internal/telemetry"
)

// Runner launches agent runs and tracks the active one per experiment.
type Runner struct {
	reg        *agentstate.Registry
	settings   Settings
	telemetry  telemetry.Sink
	transcript recording.Appender
	onStatus   func(id, status string)
	logger     *log.Logger

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	id      string
	cancel  context.CancelFunc
	stopped atomic.Bool
	forced  atomic.Bool
	done    chan struct{}
}

// NewRunner creates a Runner. opts.Registry is required.
func NewRunner(opts Options) *Runner {
	if opts.Registry == nil {
		panic("agent: NewRunner requires a registry")
	}
	settings := opts.Settings
	settings.applyDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Runner{
		reg:        opts.Registry,
		settings:   settings,
		telemetry:  opts.Telemetry,
		transcript: opts.Transcript,
		onStatus:   opts.OnStatus,
		logger:     logger,
		runs:       make(map[string]*run),
	}
}

// Settings returns the launch settings in effect.
func (r *Runner) Settings() Settings {
	return r.settings
}

// Start launches a run in the background. The agent state for id exists
// when Start returns.
func (r *Runner) Start(id, instructions, directory string) error {
	ctx, rn, err := r.register(context.Background(), id)
	if err != nil {
		return err
	}
	r.reg.Create(id)
	go func() {
		defer r.release(id, rn)
		r.execute(ctx, rn, id, instructions, directory)
	}()
	return nil
}

// Run is the blocking form of Start.
func (r *Runner) Run(ctx context.Context, id, instructions, directory string) error {
	ctx, rn, err := r.register(ctx, id)
	if err != nil {
		return err
	}
	defer r.release(id, rn)
	r.reg.Create(id)
	r.execute(ctx, rn, id, instructions, directory)
	return nil
}

// StartSimulation runs only the simulation stage in the background.
func (r *Runner) StartSimulation(id, directory string) error {
	ctx, rn, err := r.register(context.Background(), id)
	if err != nil {
		return err
	}
	r.ensureState(id)
	go func() {
		defer r.release(id, rn)
		r.executeSimulation(ctx, rn, id, directory)
	}()
	return nil
}

// RunSimulation is the blocking form of StartSimulation.
func (r *Runner) RunSimulation(ctx context.Context, id, directory string) error {
	ctx, rn, err := r.register(ctx, id)
	if err != nil {
		return err
	}
	defer r.release(id, rn)
	r.ensureState(id)
	r.executeSimulation(ctx, rn, id, directory)
	return nil
}

// Stop marks the run ended. The process keeps running unless force is set
// or the runner is configured to kill on stop. It returns false when id has
// no state.
func (r *Runner) Stop(id string, force bool) bool {
	if _, ok := r.reg.Get(id); !ok {
		return false
	}
	r.reg.AddMessage(id, "Experiment stopped by user", agentstate.TypeInfo)
	r.reg.Update(id, agentstate.Patch{Status: agentstate.Ptr(agentstate.StatusEnded)})
	r.notify(id, agentstate.StatusEnded)

	r.mu.Lock()
	rn := r.runs[id]
	r.mu.Unlock()
	if rn != nil {
		rn.stopped.Store(true)
	}

	if force || r.settings.StopKillsProcess {
		if rn != nil {
			debug.LogKV("agent", "killing run on stop", "id", id, "run", rn.id)
			rn.forced.Store(true)
			rn.cancel()
		}
	}
	return true
}

// Active reports whether a run for id is in progress.
func (r *Runner) Active(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[id]
	return ok
}

// Wait blocks until the active run for id, if any, has finished.
func (r *Runner) Wait(ctx context.Context, id string) error {
	r.mu.Lock()
	rn := r.runs[id]
	r.mu.Unlock()
	if rn == nil {
		return nil
	}
	select {
	case <-rn.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) register(parent context.Context, id string) (context.Context, *run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[id]; ok {
		return nil, nil, ErrAlreadyRunning
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if r.settings.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, r.settings.Timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	rn := &run{id: uuid.NewString(), cancel: cancel, done: make(chan struct{})}
	r.runs[id] = rn
	debug.LogKV("agent", "run registered", "id", id, "run", rn.id, "timeout", r.settings.Timeout)
	return ctx, rn, nil
}

func (r *Runner) release(id string, rn *run) {
	rn.cancel()
	r.mu.Lock()
	if r.runs[id] == rn {
		delete(r.runs, id)
	}
	r.mu.Unlock()
	close(rn.done)
	debug.LogKV("agent", "run released", "id", id, "run", rn.id)
}

func (r *Runner) ensureState(id string) {
	if _, ok := r.reg.Get(id); !ok {
		r.reg.Create(id)
	}
}

func (r *Runner) execute(ctx context.Context, rn *run, id, instructions, directory string) {
	dir, err := filepath.Abs(directory)
	if err != nil {
		r.fail(id, fmt.Sprintf("resolving directory %q: %v", directory, err))
		return
	}
	staged, err := stageTemplate(r.settings.TemplateDir, dir, r.settings.StagedDirName)
	if err != nil {
		r.fail(id, fmt.Sprintf("staging failed: %v", err))
		return
	}
	debug.LogKV("agent", "template staged", "id", id, "dir", staged)

	r.reg.AddMessage(id, "Starting agent...", agentstate.TypeInfo)
	if !rn.stopped.Load() {
		r.notify(id, agentstate.StatusRunning)
	}

	rec := recording.New(id, rn.id, recording.SourceAgent, r.transcript)
	exitCode, err := r.runAgent(ctx, id, instructions, staged, rec)
	switch {
	case rn.forced.Load():
		r.reg.AddMessage(id, "Agent process terminated", agentstate.TypeInfo)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		r.fail(id, fmt.Sprintf("agent timed out after %s", r.settings.Timeout))
	case err != nil:
		r.fail(id, err.Error())
	case exitCode != 0:
		r.fail(id, fmt.Sprintf("agent exited with code %d", exitCode))
	default:
		r.reg.AddMessage(id, "Agent finished successfully", agentstate.TypeSuccess)
		r.simulate(ctx, rn, id, staged)
		r.finalize(rn, id, agentstate.StatusCompleted)
	}
}

func (r *Runner) executeSimulation(ctx context.Context, rn *run, id, directory string) {
	dir, err := filepath.Abs(directory)
	if err != nil {
		r.fail(id, fmt.Sprintf("resolving directory %q: %v", directory, err))
		return
	}
	r.reg.AddMessage(id, "Starting simulation...", agentstate.TypeInfo)
	if !rn.stopped.Load() {
		r.notify(id, agentstate.StatusRunning)
	}
	r.simulate(ctx, rn, id, filepath.Join(dir, r.settings.StagedDirName))
	r.finalize(rn, id, agentstate.StatusCompleted)
}

// fail records msg as an error and marks the run failed.
func (r *Runner) fail(id, msg string) {
	debug.LogKV("agent", "run failed", "id", id, "error", msg)
	r.reg.AddMessage(id, msg, agentstate.TypeError)
	r.reg.Update(id, agentstate.Patch{
		Status: agentstate.Ptr(agentstate.StatusError),
		Error:  agentstate.Ptr(msg),
	})
	r.notify(id, agentstate.StatusError)
}

// finalize sets the terminal status. A stopped run keeps its status.
func (r *Runner) finalize(rn *run, id, status string) {
	if rn.stopped.Load() {
		return
	}
	if _, ok := r.reg.Update(id, agentstate.Patch{Status: agentstate.Ptr(status)}); !ok {
		return
	}
	r.notify(id, status)
}

func (r *Runner) notify(id, status string) {
	if r.onStatus != nil {
		r.onStatus(id, status)
	}
}
