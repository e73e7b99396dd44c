// Package worker executes sections through a bounded pool of agent
// processes. The pool enforces the parallelism ceiling, assigns worker IDs,
// and republishes agent lifecycle events to the engine.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Task is the unit of work handed to an agent: one attempt at one section.
type Task struct {
	RunID     string
	SectionID string

	// Prompt is the section description, plus prior gate failure output on
	// retry attempts.
	Prompt string

	// Dir is the isolated worktree the agent operates in.
	Dir string

	// Timeout bounds the attempt. Zero means no per-attempt ceiling.
	Timeout time.Duration
}

// Usage is the resource consumption of one attempt.
type Usage struct {
	CostUSD      float64 `json:"cost_usd"`
	TokensInput  int64   `json:"tokens_input"`
	TokensOutput int64   `json:"tokens_output"`
	Turns        int     `json:"turns"`
}

// Add accumulates another sample.
func (u *Usage) Add(other Usage) {
	u.CostUSD += other.CostUSD
	u.TokensInput += other.TokensInput
	u.TokensOutput += other.TokensOutput
	u.Turns += other.Turns
}

// Agent runs one task to completion. emit streams output as it is produced;
// implementations must call it from a single goroutine. The returned Usage
// is valid even on error.
type Agent interface {
	Execute(ctx context.Context, task Task, emit func(line string)) (Usage, error)
}

// -----------------------------------------------------------------------------
// CommandAgent
// -----------------------------------------------------------------------------

// CommandAgent runs an external agent process per task. The task prompt goes
// to stdin; stdout is streamed line by line. Lines that parse as a usage
// record update the attempt's accumulated usage instead of being emitted.
type CommandAgent struct {
	// Argv is the agent command and its fixed arguments. The worktree
	// directory is the process working directory.
	Argv []string
}

// NewCommandAgent creates an agent that shells out to argv.
func NewCommandAgent(argv []string) *CommandAgent {
	return &CommandAgent{Argv: argv}
}

// usageLine is the structured record agents may interleave with output.
type usageLine struct {
	Type  string `json:"type"`
	Usage Usage  `json:"usage"`
}

// Execute implements Agent.
func (a *CommandAgent) Execute(ctx context.Context, task Task, emit func(string)) (Usage, error) {
	var usage Usage
	if len(a.Argv) == 0 {
		return usage, fmt.Errorf("agent command not configured")
	}

	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, a.Argv[0], a.Argv[1:]...)
	cmd.Dir = task.Dir
	cmd.Stdin = strings.NewReader(task.Prompt)
	cmd.Env = append(cmd.Environ(),
		"FOREMAN_RUN_ID="+task.RunID,
		"FOREMAN_SECTION_ID="+task.SectionID,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return usage, err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return usage, fmt.Errorf("failed to start agent: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		var ul usageLine
		if json.Unmarshal([]byte(line), &ul) == nil && ul.Type == "usage" {
			usage.Add(ul.Usage)
			continue
		}
		emit(line)
	}

	waitErr := cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		return usage, context.DeadlineExceeded
	}
	if ctx.Err() != nil {
		return usage, ctx.Err()
	}
	if waitErr != nil {
		return usage, fmt.Errorf("agent exited abnormally: %w", waitErr)
	}
	return usage, nil
}
