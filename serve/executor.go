package serve

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/dshills/graphserve-go/serve/store"
)

// Step is one unit of executor progress. Each step carries the opaque state
// snapshot to persist as a checkpoint alongside the output to stream to
// subscribers.
type Step struct {
	// Output is the step's streamable result payload.
	Output json.RawMessage

	// Checkpoint is the opaque state snapshot to persist for this step.
	Checkpoint json.RawMessage

	// Suspended marks a step at which execution paused awaiting external
	// input. The run finalizes as interrupted after persisting it.
	Suspended bool
}

// StepStream yields executor steps one at a time.
type StepStream interface {
	// Next returns the next step, io.EOF when execution completed normally,
	// or the failure that ended execution. Implementations must honor ctx
	// cancellation for long-running steps.
	Next(ctx context.Context) (Step, error)
}

// Executor is the pluggable computation engine driven by workers. The
// scheduler is agnostic to what the executor computes; it only persists the
// checkpoints and streams the outputs the executor yields.
//
// Implementations must be safe for concurrent use: a pool drives many runs at
// once, each with its own StepStream.
type Executor interface {
	// Execute starts a computation. start is the checkpoint to begin from,
	// or nil to start fresh from input alone.
	Execute(ctx context.Context, start *store.Checkpoint, input json.RawMessage) (StepStream, error)

	// Resume continues a computation that suspended at the given checkpoint.
	Resume(ctx context.Context, from *store.Checkpoint, input json.RawMessage) (StepStream, error)
}

// ScriptedExecutor is an Executor for tests and examples: it replays a fixed
// script of steps and can inject failures at chosen positions.
type ScriptedExecutor struct {
	mu sync.Mutex

	// Steps is the script replayed by every Execute call.
	Steps []Step

	// FailAt injects an error before yielding the step at this zero-based
	// index. Negative disables injection.
	FailAt int

	// FailWith is the injected error. A TransientError here exercises the
	// retry path.
	FailWith error

	// FailOnce clears the injection after the first trigger, so a retry of
	// the same run succeeds.
	FailOnce bool

	executeCalls int
	resumeCalls  int
}

// NewScriptedExecutor creates an executor that yields the given steps in
// order and then ends the stream.
func NewScriptedExecutor(steps ...Step) *ScriptedExecutor {
	return &ScriptedExecutor{Steps: steps, FailAt: -1}
}

// Execute replays the script from the beginning (implements Executor).
func (e *ScriptedExecutor) Execute(_ context.Context, _ *store.Checkpoint, _ json.RawMessage) (StepStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executeCalls++
	return &scriptedStream{exec: e}, nil
}

// Resume replays the script from the step after the suspension point. The
// suspension point is located by matching the checkpoint payload against the
// script (implements Executor).
func (e *ScriptedExecutor) Resume(_ context.Context, from *store.Checkpoint, _ json.RawMessage) (StepStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resumeCalls++
	pos := 0
	if from != nil {
		for i, step := range e.Steps {
			if string(step.Checkpoint) == string(from.Payload) {
				pos = i + 1
				break
			}
		}
	}
	return &scriptedStream{exec: e, pos: pos}, nil
}

// ExecuteCalls reports how many times Execute ran.
func (e *ScriptedExecutor) ExecuteCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executeCalls
}

// ResumeCalls reports how many times Resume ran.
func (e *ScriptedExecutor) ResumeCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resumeCalls
}

type scriptedStream struct {
	exec *ScriptedExecutor
	pos  int
}

func (s *scriptedStream) Next(ctx context.Context) (Step, error) {
	if err := ctx.Err(); err != nil {
		return Step{}, err
	}
	s.exec.mu.Lock()
	defer s.exec.mu.Unlock()

	if s.exec.FailWith != nil && s.exec.FailAt == s.pos {
		err := s.exec.FailWith
		if s.exec.FailOnce {
			s.exec.FailAt = -1
		}
		return Step{}, err
	}
	if s.pos >= len(s.exec.Steps) {
		return Step{}, io.EOF
	}
	step := s.exec.Steps[s.pos]
	s.pos++
	return step, nil
}

var (
	_ Executor   = (*ScriptedExecutor)(nil)
	_ StepStream = (*scriptedStream)(nil)
)
