// Package pipeline implements the generic multi-stage work-pipeline
// primitive the job-server proxy builds every query execution on.
//
// A Pipeline is a typed chain of 1-6 stages. Each stage runs a fixed number
// of instances; each instance repeatedly invokes the stage's Execute step
// until it reports completion, optionally suspending on an external call in
// between. Once every instance of a stage has completed, that stage's Merge
// function runs exactly once, and the next stage begins. The final stage's
// completion invokes the pipeline's completion callback exactly once.
//
// Values crossing stage boundaries are carried as `any` rather than through
// generic type parameters: a stage chain mixes as many distinct (input,
// sub-result, output) types as it has stages, and Go generics do not admit
// heterogeneous chains of arbitrary length without resorting to the same
// runtime type assertions this package makes explicit.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// MaxStages bounds the length of a pipeline chain (spec: 1 <= n <= 6).
const MaxStages = 6

var (
	// ErrNoStages is returned by New when given an empty stage list.
	ErrNoStages = errors.New("pipeline: at least one stage is required")
	// ErrTooManyStages is returned by New when given more than MaxStages stages.
	ErrTooManyStages = errors.New("pipeline: at most 6 stages are supported")
	// ErrMissingMerge is returned by New when a stage has more than one
	// instance and no Merge function.
	ErrMissingMerge = errors.New("pipeline: stage requires a merge function")
)

// Outcome is what Execute reports after one invocation.
type Outcome int

const (
	// Done means the instance finished; its sub-result is final.
	Done Outcome = iota
	// Yield means the step produced no side-call and should be re-invoked
	// (used to break long computations into smaller tasks).
	Yield
	// Await means the instance is suspended on an external call; the
	// ExternalCall field of StepResult must be set.
	Await
)

// ExternalCall is invoked by the runtime; its result (or error) is appended
// to the instance's prior-externals vector and Execute is re-invoked.
type ExternalCall func(ctx context.Context) (any, error)

// StepResult is what an Execute function returns for one invocation.
type StepResult struct {
	Outcome  Outcome
	SubResult any // valid when Outcome == Done
	Call     ExternalCall // valid when Outcome == Await
}

// ExecuteFunc runs one step of one stage instance.
//
// instance is this instance's 0-based index within its stage.
// priorExternals accumulates every ExternalCall result delivered so far,
// in delivery order, across all invocations of this instance.
type ExecuteFunc func(ctx context.Context, instance int, priorExternals []any, input any) (StepResult, error)

// MergeFunc combines every instance sub-result of a stage into that stage's
// single output, which becomes the next stage's input. Runs exactly once,
// after every instance of the stage has reached Done.
type MergeFunc func(ctx context.Context, subResults []any, input any) (any, error)

// Stage is one link of the chain.
type Stage struct {
	// Name identifies the stage for logging and diagnostics.
	Name string
	// Instances is the number of parallel instances this stage runs.
	Instances int
	// Execute is invoked once per step, per instance.
	Execute ExecuteFunc
	// Merge combines instance sub-results into the stage output. Optional
	// when Instances == 1: the sole sub-result is then promoted directly.
	Merge MergeFunc
}

// Pipeline is a constructed, not-yet-run chain of stages.
type Pipeline struct {
	stages []Stage
}

// New validates and constructs a Pipeline from 1-6 stages.
func New(stages ...Stage) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, ErrNoStages
	}
	if len(stages) > MaxStages {
		return nil, ErrTooManyStages
	}
	for i, s := range stages {
		if s.Instances <= 0 {
			return nil, fmt.Errorf("pipeline: stage %d (%s): instances must be >= 1", i, s.Name)
		}
		if s.Instances > 1 && s.Merge == nil {
			return nil, fmt.Errorf("%w: stage %d (%s) has %d instances", ErrMissingMerge, i, s.Name, s.Instances)
		}
		if s.Execute == nil {
			return nil, fmt.Errorf("pipeline: stage %d (%s): Execute is required", i, s.Name)
		}
	}
	return &Pipeline{stages: stages}, nil
}

// CompletionFunc is invoked exactly once, when the pipeline finishes or fails.
type CompletionFunc func(result any, ok bool)

// Run drives the pipeline to completion. It blocks the calling goroutine; the
// embedding job-server proxy runs pipelines on scheduler-owned goroutines, not
// inline on the result-bus read loop.
//
// A cancelled ctx aborts every running stage instance and fails the pipeline
// (downstream stages are not started). If any instance returns an error, the
// pipeline fails and downstream stages are not started, matching spec.md's
// "a pipeline never aborts a peer pipeline" invariant: failure is local to
// this Run call.
func (p *Pipeline) Run(ctx context.Context, input any, done CompletionFunc) {
	cur := input
	for _, stage := range p.stages {
		out, err := p.runStage(ctx, stage, cur)
		if err != nil {
			done(nil, false)
			return
		}
		cur = out
	}
	done(cur, true)
}

// runStage runs every instance of stage to completion and then its merge.
func (p *Pipeline) runStage(ctx context.Context, stage Stage, input any) (any, error) {
	subResults := make([]any, stage.Instances)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < stage.Instances; i++ {
		i := i
		g.Go(func() error {
			sub, err := runInstance(gctx, stage.Execute, i, input)
			if err != nil {
				return fmt.Errorf("stage %s instance %d: %w", stage.Name, i, err)
			}
			subResults[i] = sub
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if stage.Merge == nil {
		// Instances == 1 was enforced by New when Merge is nil.
		return subResults[0], nil
	}
	return stage.Merge(ctx, subResults, input)
}

// runInstance drives one instance's cooperative Execute loop: Yield
// re-invokes immediately, Await invokes the external call and re-invokes
// with its result appended, Done returns the final sub-result.
func runInstance(ctx context.Context, execute ExecuteFunc, instance int, input any) (any, error) {
	var priorExternals []any
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := execute(ctx, instance, priorExternals, input)
		if err != nil {
			return nil, err
		}

		switch res.Outcome {
		case Done:
			return res.SubResult, nil
		case Yield:
			continue
		case Await:
			if res.Call == nil {
				return nil, fmt.Errorf("pipeline: instance %d: Await outcome without a call", instance)
			}
			ext, err := res.Call(ctx)
			if err != nil {
				return nil, err
			}
			priorExternals = append(priorExternals, ext)
		default:
			return nil, fmt.Errorf("pipeline: instance %d: unknown outcome %d", instance, res.Outcome)
		}
	}
}
