// cmd/list.go
package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/trysandbar/ai-aml-agent/internal/observability"
	"github.com/trysandbar/ai-aml-agent/internal/workflow"
)

func newListCmd() *cobra.Command {
	var showHints bool

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Lists the stored workflows with their replay counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			rt, err := newRuntime(cfg, observability.GetLogger())
			if err != nil {
				return err
			}
			defer rt.Shutdown()

			store, err := rt.workflowStore(ctx)
			if err != nil {
				return err
			}
			names, err := store.List(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(names) == 0 {
				fmt.Fprintln(out, "No stored workflows.")
				return nil
			}
			for _, name := range names {
				wf, err := store.Load(ctx, name)
				if err != nil {
					return fmt.Errorf("failed to load workflow %q: %w", name, err)
				}
				printWorkflow(out, wf, showHints)
			}
			return nil
		},
	}
	listCmd.Flags().BoolVar(&showHints, "hints", false, "Also print the hints given during training.")
	return listCmd
}

func printWorkflow(w io.Writer, wf *workflow.LearnedWorkflow, showHints bool) {
	trained := "never"
	if !wf.LastTrained.IsZero() {
		trained = wf.LastTrained.UTC().Format("2006-01-02 15:04")
	}
	fmt.Fprintf(w, "%s  steps: %d  successes: %d  failures: %d  trained: %s\n",
		wf.Name, len(wf.Steps), wf.SuccessCount, wf.FailureCount, trained)
	if !showHints {
		return
	}
	for _, hint := range wf.Hints() {
		fmt.Fprintf(w, "  hint: %s\n", hint)
	}
}
