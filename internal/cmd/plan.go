package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foremanlabs/foreman/internal/plan"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Validate, analyze, and edit the execution plan",
}

var planValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the plan's structure",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := service.ValidatePlan(planPath)
		if err != nil {
			return err
		}
		printFindings(result.Messages)
		if !result.Valid {
			return fmt.Errorf("plan is invalid")
		}
		fmt.Println("plan is valid")
		return nil
	},
}

var planAnalyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Report plan health and shape",
	RunE: func(cmd *cobra.Command, args []string) error {
		issues, err := service.AnalyzePlan(planPath)
		if err != nil {
			return err
		}
		printFindings(issues.Validation.Messages)
		fmt.Printf("levels: %d, widest level: %d sections\n",
			issues.LevelCount, issues.MaxWidth)
		if len(issues.WideLevels) > 0 {
			fmt.Printf("levels wider than 3x the worker pool: %v\n", issues.WideLevels)
		}
		if len(issues.OrphanSections) > 0 {
			fmt.Printf("sections with no dependency relations: %v\n", issues.OrphanSections)
		}
		return nil
	},
}

var planApplyCmd = &cobra.Command{
	Use:   "apply <changes.json>",
	Short: "Apply a batch of edits to the plan",
	Long: `Apply reads a JSON array of plan changes, applies them to a copy of
the plan, and commits the result only if it validates. A rejected batch
leaves the plan file untouched and reports the offending sections.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var changes []plan.Change
		if err := json.Unmarshal(data, &changes); err != nil {
			return fmt.Errorf("failed to parse changes: %w", err)
		}

		next, err := service.ApplyPlanChanges(planPath, changes)
		if err != nil {
			return err
		}
		fmt.Printf("applied %d changes; plan now has %d sections\n",
			len(changes), next.SectionCount())
		return nil
	},
}

func printFindings(messages []plan.Message) {
	for _, m := range messages {
		fmt.Printf("%s: %s\n", m.Severity, m.Text)
	}
}

func init() {
	planCmd.AddCommand(planValidateCmd, planAnalyzeCmd, planApplyCmd)
	rootCmd.AddCommand(planCmd)
}
