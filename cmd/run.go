// cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trysandbar/ai-aml-agent/internal/agent"
	"github.com/trysandbar/ai-aml-agent/internal/config"
	"github.com/trysandbar/ai-aml-agent/internal/observability"
	"github.com/trysandbar/ai-aml-agent/internal/workflow"
)

// runOptions holds the flags of the run command.
type runOptions struct {
	goals            []string
	taskFiles        []string
	vars             []string
	initialURL       string
	maxIterations    int
	parallel         int
	headful          bool
	saveStorageState string
	metricsAddr      string
}

// goalSpec is one rendered goal and where it came from.
type goalSpec struct {
	Goal   string
	Source string
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the agent against one or more goals",
		Long: `Runs one agent per goal. Each goal gets its own browser tab, decision
client and conversation; with --parallel N up to N goals run at once.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			applyRunOverrides(cmd, cfg, opts)
			specs, vars, err := collectGoals(opts.goals, opts.taskFiles, opts.vars)
			if err != nil {
				return err
			}
			if len(specs) == 0 {
				return errors.New("at least one --goal or --task-file is required")
			}

			parallel := cfg.Agent().Parallelism
			if cmd.Flags().Changed("parallel") {
				parallel = opts.parallel
			}
			if parallel > 1 && opts.saveStorageState != "" {
				logger.Warn("Several runs will write the same storage state file; the last to finish wins.",
					zap.String("path", opts.saveStorageState))
			}

			rt, err := newRuntime(cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Shutdown()
			if opts.metricsAddr != "" {
				if err := rt.serveMetrics(opts.metricsAddr); err != nil {
					return err
				}
			}

			outcomes := runGoals(ctx, rt, specs, vars, parallel, rt.sessions(opts.saveStorageState))
			return reportOutcomes(cmd.OutOrStdout(), outcomes)
		},
	}

	flags := runCmd.Flags()
	flags.StringArrayVarP(&opts.goals, "goal", "g", nil, "Goal in natural language. Repeat for several goals.")
	flags.StringArrayVar(&opts.taskFiles, "task-file", nil, "File holding a goal. Repeatable.")
	flags.StringArrayVar(&opts.vars, "var", nil, "Template variable KEY=VALUE replacing {{KEY}} in goals. Repeatable.")
	flags.StringVarP(&opts.initialURL, "url", "u", "", "URL to open before the first iteration. (Overrides config/env)")
	flags.IntVarP(&opts.maxIterations, "max-iterations", "n", 0, "Maximum iterations per goal. (Overrides config/env)")
	flags.IntVarP(&opts.parallel, "parallel", "p", 1, "Number of goals to run concurrently. (Overrides config/env)")
	flags.BoolVar(&opts.headful, "headful", false, "Show the browser window.")
	flags.StringVar(&opts.saveStorageState, "save-storage-state", "", "Save cookies and localStorage to this file when each run ends.")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running, e.g. :9090.")
	return runCmd
}

// applyRunOverrides copies explicitly set flags over the loaded configuration.
func applyRunOverrides(cmd *cobra.Command, cfg config.Interface, opts *runOptions) {
	flags := cmd.Flags()
	if flags.Changed("max-iterations") && opts.maxIterations > 0 {
		cfg.SetAgentMaxIterations(opts.maxIterations)
	}
	if flags.Changed("url") {
		cfg.SetAgentInitialURL(opts.initialURL)
	}
	if flags.Changed("headful") {
		cfg.SetBrowserHeadless(!opts.headful)
	}
}

// collectGoals renders inline goals and task files with the template
// variables.
func collectGoals(goals, taskFiles, rawVars []string) ([]goalSpec, map[string]string, error) {
	parsed, err := workflow.ParseVars(rawVars)
	if err != nil {
		return nil, nil, err
	}
	vars := workflow.EnvVars(parsed)

	var specs []goalSpec
	for _, g := range goals {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		rendered, err := workflow.RenderTask(g, vars)
		if err != nil {
			return nil, nil, fmt.Errorf("goal %q %w", g, err)
		}
		specs = append(specs, goalSpec{Goal: rendered})
	}
	for _, path := range taskFiles {
		task, err := workflow.LoadTask(path, vars)
		if err != nil {
			return nil, nil, err
		}
		specs = append(specs, goalSpec{Goal: task, Source: path})
	}
	return specs, vars, nil
}

// runGoals runs every goal through its own Driver. Specs are matched by
// position, so identical goals from different task files keep their source.
func runGoals(ctx context.Context, rt *runtime, specs []goalSpec, vars map[string]string, parallel int, sessions agent.SessionFactory) []agent.BatchOutcome {
	goals := make([]string, len(specs))
	for i, s := range specs {
		goals[i] = s.Goal
	}
	return agent.RunBatch(ctx, rt.logger, goals, parallel, func(i int, goal string) (*agent.Driver, error) {
		driver, _, err := rt.newDriver(ctx, runSpec{Name: runName(goal), Source: specs[i].Source, Vars: vars}, sessions)
		return driver, err
	})
}

// reportOutcomes prints one block per goal and fails when any goal did not
// complete.
func reportOutcomes(w io.Writer, outcomes []agent.BatchOutcome) error {
	failed := 0
	for i, o := range outcomes {
		res := o.Result
		if res == nil {
			res = &agent.Result{Status: agent.StatusFailed}
		}
		fmt.Fprintf(w, "[%d] %s\n", i+1, firstLine(o.Goal))
		fmt.Fprintf(w, "    status: %s  steps: %d  action errors: %d\n", res.Status, res.StepsTaken, res.ActionErrors)
		if res.Summary != "" {
			fmt.Fprintf(w, "    summary: %s\n", res.Summary)
		}
		if res.Stuck != nil {
			fmt.Fprintf(w, "    stuck: %s (%s)\n", res.Stuck.Reason, res.Stuck.Detail)
		}
		switch {
		case o.Err != nil:
			fmt.Fprintf(w, "    error: %v\n", o.Err)
		case res.Error != "":
			fmt.Fprintf(w, "    error: %s\n", res.Error)
		}
		if !res.Success {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d goals did not complete", failed, len(outcomes))
	}
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	if r := []rune(line); len(r) > 100 {
		return string(r[:100]) + "..."
	}
	return line
}
