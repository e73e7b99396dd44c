package cmd

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foremanlabs/foreman/internal/merge"
	"github.com/foremanlabs/foreman/internal/run"
	"github.com/foremanlabs/foreman/internal/store"
)

var runsProjectID string

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and manage execution runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		summaries, err := service.ListExecutionRuns(runsProjectID)
		if err != nil {
			return err
		}
		return printSummaries(cmd.OutOrStdout(), summaries)
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List execution sessions across all projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		summaries, err := service.ListExecutionSessions()
		if err != nil {
			return err
		}
		return printSummaries(cmd.OutOrStdout(), summaries)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the plan's active run",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := service.ActiveExecutionRun(planPath)
		if err != nil {
			return err
		}
		return printRun(cmd.OutOrStdout(), r)
	},
}

func printSummaries(out io.Writer, summaries []store.RunSummary) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tPROJECT\tSTATUS\tCOST\tTURNS\tUPDATED")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%s\t$%.2f\t%d\t%s\n",
			s.ID, s.ProjectID, s.Status, s.Totals.CostUSD, s.Totals.TurnsUsed,
			s.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func printRun(out io.Writer, r *run.Run) error {
	ids := make([]string, 0, len(r.Sections))
	for id := range r.Sections {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Fprintf(out, "run %s: %s\n", r.ID, r.Status)
	if r.PausedFor != "" {
		fmt.Fprintf(out, "paused for: %s\n", r.PausedFor)
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SECTION\tSTATUS\tATTEMPTS\tCOST\tNOTE")
	for _, id := range ids {
		st := r.Sections[id]
		fmt.Fprintf(w, "%s\t%s\t%d\t$%.2f\t%s\n",
			id, st.Status, st.Attempts, st.Metrics.CostUSD, st.FailureNote)
	}
	return w.Flush()
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run's per-section state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := service.GetExecutionRun(args[0])
		if err != nil {
			return err
		}
		return printRun(cmd.OutOrStdout(), r)
	},
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a finished run's record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := service.DeleteExecutionRun(args[0]); err != nil {
			return err
		}
		fmt.Printf("run %s deleted\n", args[0])
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <run-id> <section-id>",
	Short: "Reset a failed section of a paused run",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := service.RetrySection(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("section %s reset; resume the run to retry it\n", args[1])
		return nil
	},
}

var skipOverride bool

var skipCmd = &cobra.Command{
	Use:   "skip <run-id> <section-id>",
	Short: "Skip a section of a paused run",
	Long: `Skip marks a section as skipped. Without --override its dependents
stay blocked; with --override they may proceed as if the section had
completed.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := service.SkipSection(args[0], args[1], skipOverride); err != nil {
			return err
		}
		fmt.Printf("section %s skipped (override=%v)\n", args[1], skipOverride)
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:       "resolve <keep_ours|keep_theirs|manual>",
	Short:     "Resolve the held merge conflict",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"keep_ours", "keep_theirs", "manual"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := service.ResolveConflict(cmd.Context(), merge.Resolution(args[0])); err != nil {
			return err
		}
		fmt.Println("conflict resolved")
		return nil
	},
}

var gatesCmd = &cobra.Command{
	Use:   "gates <run-id> <section-id>",
	Short: "Show a section's gate history",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		history, err := service.GateHistory(args[0], args[1])
		if err != nil {
			return err
		}
		for _, rec := range history {
			verdict := "PASS"
			if !rec.Passed {
				verdict = "FAIL"
			}
			fmt.Printf("attempt %d  %-12s %s  (%s)\n",
				rec.Attempt, rec.Stage, verdict, rec.Duration)
			if !rec.Passed && rec.Output != "" {
				fmt.Println(rec.Output)
			}
		}
		return nil
	},
}

func init() {
	runsListCmd.Flags().StringVar(&runsProjectID, "project", "", "filter by project ID")
	skipCmd.Flags().BoolVar(&skipOverride, "override", false,
		"let dependents proceed despite the skip")

	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsDeleteCmd)
	rootCmd.AddCommand(runsCmd, sessionsCmd, statusCmd, retryCmd, skipCmd, resolveCmd, gatesCmd)
}
