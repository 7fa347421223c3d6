// Package main implements the vibe CLI: it drives projects through the
// phase state machine locally or serves the same operations over HTTP.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. opts customize the app each
// subcommand builds.
func newRootCmd(opts ...appOption) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "vibe",
		Short: "Drive software projects through planning, coding, testing and deployment",
		Long: `vibe moves projects through a fixed lifecycle of phases:

  PLANNING (RESEARCH, BUSINESS_VALIDATION, FEATURE_SPECIFICATION)
  → CODING → TESTING → AWAITING_QA_APPROVAL → DEPLOYMENT → PRODUCTION
  → MAINTENANCE

Each phase runs a workflow of agent actions. Quality gates guard the
transitions and every project's state lives in its manifest.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, gitCommit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "vibe.yaml", "path to the config file")

	build := func(cmd *cobra.Command) (*app, error) {
		return newApp(cmd.Context(), configPath, opts...)
	}
	root.AddCommand(
		newInitCmd(build),
		newStatusCmd(build),
		newPlanCmd(build),
		newAdvanceCmd(build),
		newSkipResearchCmd(build),
		newApproveCmd(build),
		newRejectCmd(build),
		newDefectCmd(build),
		newArchiveCmd(build),
		newServeCmd(build),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
