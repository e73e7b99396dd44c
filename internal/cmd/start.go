package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/foremanlabs/foreman/internal/engine"
)

var startSections []string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new execution run",
	Long: `Start validates the plan, creates a run over the selected sections
(the whole plan by default), and streams progress until the run settles.
Interrupting with Ctrl-C pauses the run; resume it later with 'foreman
resume'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		runID, err := service.StartExecutionWithSelection(ctx, planPath, startSections)
		if err != nil {
			return err
		}
		fmt.Printf("run %s started\n", runID)
		return followRun(ctx)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a paused run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := service.ResumeExecutionRun(ctx, planPath, args[0]); err != nil {
			return err
		}
		fmt.Printf("run %s resumed\n", args[0])
		return followRun(ctx)
	},
}

// followRun streams engine events to stdout until the run settles. SIGINT
// pauses the run instead of killing the process mid-merge. External edits of
// the plan file are watched so the operator hears when an edit is rejected.
func followRun(ctx context.Context) error {
	events, cancel, err := service.Subscribe()
	if err != nil {
		return err
	}
	defer cancel()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	watcher, err := service.WatchPlan(watchCtx, planPath)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
			fmt.Println("\npausing run...")
			if err := service.PauseExecution("interrupted by operator"); err != nil {
				fmt.Fprintln(os.Stderr, "pause failed:", err)
			}
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			printEvent(ev)
			if ev.Type == engine.EventRunFinished {
				return nil
			}
		case p := <-watcher.Updates:
			fmt.Printf("plan file reloaded (%d sections); the running plan is unchanged\n",
				p.SectionCount())
		case err := <-watcher.Rejected:
			fmt.Fprintln(os.Stderr, "plan edit rejected:", err)
		}
	}
}

func printEvent(ev engine.Event) {
	switch ev.Type {
	case engine.EventSectionUpdate:
		fmt.Printf("[%s] %s\n", ev.SectionID, ev.Status)
	case engine.EventWorkerOutput:
		fmt.Printf("  %s | %s\n", ev.SectionID, ev.Line)
	case engine.EventWorkerUpdate:
		if ev.WorkerState == "running" && ev.Progress > 0 {
			fmt.Printf("[%s] %d%%\n", ev.SectionID, ev.Progress)
		}
	case engine.EventGateResult:
		verdict := "passed"
		if !ev.GatePass {
			verdict = "failed"
		}
		fmt.Printf("[%s] gates %s\n", ev.SectionID, verdict)
	case engine.EventMergeConflict:
		fmt.Printf("[%s] merge conflict: %s\n",
			ev.SectionID, strings.Join(ev.Conflicts, ", "))
	case engine.EventBudgetWarning:
		fmt.Printf("budget: %s\n", ev.Reason)
	case engine.EventRunFinished:
		fmt.Printf("run %s: %s", ev.RunID, ev.RunStatus)
		if ev.Reason != "" {
			fmt.Printf(" (%s)", ev.Reason)
		}
		fmt.Println()
	}
}

func init() {
	startCmd.Flags().StringSliceVar(&startSections, "sections", nil,
		"section IDs to execute (default: all)")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(resumeCmd)
}
