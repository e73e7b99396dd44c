package gate

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/foremanlabs/foreman/internal/logging"
)

// CommandRunner executes one stage command and returns its combined output.
// Abstracted so tests can substitute deterministic outcomes for real
// processes.
type CommandRunner interface {
	RunCommand(ctx context.Context, dir string, argv []string) (output string, ok bool, err error)
}

// execRunner runs commands with os/exec.
type execRunner struct{}

func (execRunner) RunCommand(ctx context.Context, dir string, argv []string) (string, bool, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return string(out), false, ctx.Err()
	}
	if err != nil {
		if _, isExit := err.(*exec.ExitError); isExit {
			// Non-zero exit is a gate verdict, not an infrastructure error.
			return string(out), false, nil
		}
		return string(out), false, err
	}
	return string(out), true, nil
}

// Runner executes a pipeline against a worktree.
type Runner struct {
	pipeline *Pipeline
	cmd      CommandRunner
	logger   *logging.Logger
}

// NewRunner creates a gate runner for the given pipeline.
func NewRunner(pipeline *Pipeline, logger *logging.Logger) *Runner {
	return &Runner{pipeline: pipeline, cmd: execRunner{}, logger: logger}
}

// NewRunnerWithCommand creates a runner with a custom command executor.
func NewRunnerWithCommand(pipeline *Pipeline, cmd CommandRunner, logger *logging.Logger) *Runner {
	return &Runner{pipeline: pipeline, cmd: cmd, logger: logger}
}

// Run executes the pipeline in dir. Type-check and lint stages run
// concurrently; tests and custom stages run afterward in declared order,
// and are skipped once a blocking failure has occurred (their results are
// marked skipped rather than guessed). changedFiles feeds the per-stage
// path filters.
func (r *Runner) Run(ctx context.Context, dir string, changedFiles []string) (*Result, error) {
	results := make([]StageResult, len(r.pipeline.Stages))

	var checkIdx, laterIdx []int
	for i, st := range r.pipeline.Stages {
		switch st.Kind {
		case KindTypeCheck, KindLint:
			checkIdx = append(checkIdx, i)
		default:
			laterIdx = append(laterIdx, i)
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, i := range checkIdx {
		i := i
		g.Go(func() error {
			res, err := r.runStage(gctx, dir, &r.pipeline.Stages[i], changedFiles)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	blocked := false
	for _, i := range checkIdx {
		if results[i].Blocking && !results[i].Skipped && !results[i].Passed {
			blocked = true
		}
	}

	for _, i := range laterIdx {
		st := &r.pipeline.Stages[i]
		if blocked {
			results[i] = StageResult{Name: st.Name, Kind: st.Kind,
				Blocking: st.Blocking, Skipped: true}
			continue
		}
		res, err := r.runStage(ctx, dir, st, changedFiles)
		if err != nil {
			return nil, err
		}
		results[i] = res
		if res.Blocking && !res.Skipped && !res.Passed {
			blocked = true
		}
	}

	return &Result{Stages: results}, nil
}

func (r *Runner) runStage(ctx context.Context, dir string, st *Stage, changedFiles []string) (StageResult, error) {
	res := StageResult{Name: st.Name, Kind: st.Kind, Blocking: st.Blocking}

	if !st.appliesTo(changedFiles) {
		res.Skipped = true
		r.logger.Debug("gate stage skipped by path filter", "stage", st.Name)
		return res, nil
	}

	runCtx := ctx
	if st.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, st.Timeout)
		defer cancel()
	}

	start := time.Now()
	output, ok, err := r.cmd.RunCommand(runCtx, dir, st.Command)
	res.Duration = time.Since(start)
	res.Output = output

	if err != nil {
		// A stage timeout is a verdict; anything else is infrastructure.
		if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			res.Passed = false
			r.logger.Warn("gate stage timed out", "stage", st.Name, "timeout", st.Timeout)
			return res, nil
		}
		return res, err
	}

	res.Passed = ok
	r.logger.Debug("gate stage finished",
		"stage", st.Name, "passed", ok, "duration", res.Duration)
	return res, nil
}
