package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mplewis/vibe-agency-sub002/internal/logging"
	"github.com/mplewis/vibe-agency-sub002/internal/manifest"
)

type appBuilder func(cmd *cobra.Command) (*app, error)

// withApp builds the app, runs fn with the project id tagged on the
// context, and closes the app.
func withApp(build appBuilder, fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		a, err := build(cmd)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, a.Close())
		}()
		if len(args) > 0 {
			cmd.SetContext(logging.WithProjectID(cmd.Context(), args[0]))
		}
		return fn(cmd, a, args)
	}
}

func newInitCmd(build appBuilder) *cobra.Command {
	var budget float64
	cmd := &cobra.Command{
		Use:   "init <project-id>",
		Short: "Create a project at PLANNING.RESEARCH",
		Long: `Create a project manifest at PLANNING.RESEARCH.

Examples:
  # Create a project with the configured default budget
  vibe init shop

  # Cap the project's spend at 40 USD
  vibe init shop --budget 40`,
		Args: cobra.ExactArgs(1),
	}
	cmd.Flags().Float64Var(&budget, "budget", 0, "budget ceiling in USD (0 uses orchestrator.default_budget_usd)")
	cmd.RunE = withApp(build, func(cmd *cobra.Command, a *app, args []string) error {
		mf, err := a.machine.Init(cmd.Context(), args[0], budget)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), mf)
	})
	return cmd
}

func newStatusCmd(build appBuilder) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [project-id]",
		Short: "Show a project's manifest, or list projects",
		Args:  cobra.MaximumNArgs(1),
	}
	cmd.RunE = withApp(build, func(cmd *cobra.Command, a *app, args []string) error {
		if len(args) == 0 {
			return listProjects(cmd, a)
		}
		mf, err := a.machine.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), mf)
	})
	return cmd
}

// projectSummary is one row of the project listing.
type projectSummary struct {
	ProjectID      string  `json:"project_id"`
	Position       string  `json:"position"`
	RepairAttempts int     `json:"repair_attempts"`
	SpentUSD       float64 `json:"spent_usd"`
	Archived       bool    `json:"archived,omitempty"`
}

func listProjects(cmd *cobra.Command, a *app) error {
	ids, err := a.store.List(cmd.Context())
	if err != nil {
		return err
	}
	rows := make([]projectSummary, 0, len(ids))
	for _, id := range ids {
		mf, err := a.store.Load(cmd.Context(), id)
		if err != nil {
			return err
		}
		rows = append(rows, summarize(mf))
	}
	return printJSON(cmd.OutOrStdout(), rows)
}

func summarize(mf *manifest.Manifest) projectSummary {
	return projectSummary{
		ProjectID:      mf.ProjectID,
		Position:       mf.Position(),
		RepairAttempts: mf.RepairAttempts(),
		SpentUSD:       mf.Budget.CurrentCostUSD,
		Archived:       mf.Archived,
	}
}

func newPlanCmd(build appBuilder) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <project-id>",
		Short: "Dry-run the workflow of the project's current phase",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = withApp(build, func(cmd *cobra.Command, a *app, args []string) error {
		plan, err := a.machine.Plan(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), plan)
	})
	return cmd
}

func newAdvanceCmd(build appBuilder) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "advance [project-id]",
		Short: "Run the current phase's work and move to the next phase",
		Long: `Run the workflow of the project's current phase, evaluate the
quality gates of the transition, and persist the next phase.

Examples:
  # Advance one project
  vibe advance shop

  # Advance every non-archived project concurrently
  vibe advance --all`,
		Args: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return fmt.Errorf("--all takes no project id")
			}
			if !all && len(args) != 1 {
				return fmt.Errorf("requires a project id or --all")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "advance every non-archived project")
	cmd.RunE = withApp(build, func(cmd *cobra.Command, a *app, args []string) error {
		if all {
			return advanceAll(cmd, a)
		}
		out, err := a.machine.Advance(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	})
	return cmd
}

type advanceRow struct {
	ProjectID string `json:"project_id"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Repaired  bool   `json:"repaired,omitempty"`
	Error     string `json:"error,omitempty"`
}

func advanceAll(cmd *cobra.Command, a *app) error {
	ctx := cmd.Context()
	ids, err := a.store.List(ctx)
	if err != nil {
		return err
	}
	active := ids[:0]
	for _, id := range ids {
		mf, err := a.store.Load(ctx, id)
		if err != nil {
			return err
		}
		if !mf.Archived {
			active = append(active, id)
		}
	}

	results, err := a.machine.AdvanceAll(ctx, active, a.cfg.Orchestrator.AdvanceConcurrency)
	if err != nil {
		return err
	}
	rows := make([]advanceRow, 0, len(results))
	failed := 0
	for _, r := range results {
		row := advanceRow{ProjectID: r.ProjectID}
		if r.Outcome != nil {
			row.From, row.To, row.Repaired = r.Outcome.From, r.Outcome.To, r.Outcome.Repaired
		}
		if r.Err != nil {
			failed++
			row.Error = r.Err.Error()
			a.logger.Warn(logging.WithProjectID(ctx, r.ProjectID), "advance failed", zap.Error(r.Err))
		}
		rows = append(rows, row)
	}
	if err := printJSON(cmd.OutOrStdout(), rows); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d projects failed to advance", failed, len(results))
	}
	return nil
}

func newSkipResearchCmd(build appBuilder) *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "skip-research <project-id>",
		Short: "Leave PLANNING.RESEARCH without running research",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm that research is skipped")
	cmd.RunE = withApp(build, func(cmd *cobra.Command, a *app, args []string) error {
		mf, err := a.machine.SkipResearch(cmd.Context(), args[0], confirm)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), summarize(mf))
	})
	return cmd
}

func newApproveCmd(build appBuilder) *cobra.Command {
	var approver string
	cmd := &cobra.Command{
		Use:   "approve <project-id>",
		Short: "Record QA approval for a project awaiting it",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().StringVar(&approver, "by", "", "who approves (required)")
	_ = cmd.MarkFlagRequired("by")
	cmd.RunE = withApp(build, func(cmd *cobra.Command, a *app, args []string) error {
		mf, err := a.machine.Approve(cmd.Context(), args[0], approver)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), summarize(mf))
	})
	return cmd
}

func newRejectCmd(build appBuilder) *cobra.Command {
	var approver, reason string
	cmd := &cobra.Command{
		Use:   "reject <project-id>",
		Short: "Reject QA and send the project back to CODING",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().StringVar(&approver, "by", "", "who rejects (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "why the build was rejected (required)")
	_ = cmd.MarkFlagRequired("by")
	_ = cmd.MarkFlagRequired("reason")
	cmd.RunE = withApp(build, func(cmd *cobra.Command, a *app, args []string) error {
		mf, err := a.machine.Reject(cmd.Context(), args[0], approver, reason)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), summarize(mf))
	})
	return cmd
}

func newDefectCmd(build appBuilder) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "defect <project-id> <report>",
		Short: "Report a production defect and move the project to MAINTENANCE",
		Args:  cobra.ExactArgs(2),
	}
	cmd.RunE = withApp(build, func(cmd *cobra.Command, a *app, args []string) error {
		mf, err := a.machine.ReportDefect(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), summarize(mf))
	})
	return cmd
}

func newArchiveCmd(build appBuilder) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <project-id>",
		Short: "Archive a project so it can no longer move",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = withApp(build, func(cmd *cobra.Command, a *app, args []string) error {
		mf, err := a.machine.Archive(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), summarize(mf))
	})
	return cmd
}
