// cmd/train.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trysandbar/ai-aml-agent/internal/config"
	"github.com/trysandbar/ai-aml-agent/internal/observability"
	"github.com/trysandbar/ai-aml-agent/internal/trainer"
	"github.com/trysandbar/ai-aml-agent/internal/workflow"
)

// guidancePrompter is a HumanPrompter holding a terminal.
type guidancePrompter interface {
	trainer.HumanPrompter
	Close() error
}

var newPrompter = func(cfg config.TrainerConfig, cmd *cobra.Command) (guidancePrompter, error) {
	return trainer.NewReadlinePrompter(cfg.HistoryFile, io.NopCloser(cmd.InOrStdin()), cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// supervisorSession bundles what the training commands share.
type supervisorSession struct {
	rt         *runtime
	supervisor *trainer.Supervisor
	prompter   guidancePrompter
}

func (s *supervisorSession) Close() {
	if s.prompter != nil {
		_ = s.prompter.Close()
	}
	s.rt.Shutdown()
}

// openSupervisor wires a Supervisor over a fresh Driver. interactive opens
// the guidance prompt.
func openSupervisor(cmd *cobra.Command, name string, vars map[string]string, interactive bool) (*supervisorSession, error) {
	ctx := cmd.Context()
	cfg, err := getConfigFromContext(ctx)
	if err != nil {
		return nil, err
	}
	logger := observability.GetLogger()

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return nil, err
	}
	sess := &supervisorSession{rt: rt}

	store, err := rt.workflowStore(ctx)
	if err != nil {
		sess.Close()
		return nil, err
	}
	driver, sink, err := rt.newDriver(ctx, runSpec{Name: name, Vars: vars}, rt.sessions(""))
	if err != nil {
		sess.Close()
		return nil, err
	}
	if interactive {
		if sess.prompter, err = newPrompter(cfg.Trainer(), cmd); err != nil {
			sess.Close()
			return nil, err
		}
	}

	var prompter trainer.HumanPrompter
	if sess.prompter != nil {
		prompter = sess.prompter
	}
	sess.supervisor = trainer.NewSupervisor(logger, driver, store, prompter,
		trainer.WithEventSink(sink),
		trainer.WithMaxAttempts(cfg.Trainer().MaxAttempts),
		trainer.WithVars(vars),
	)
	return sess, nil
}

func parseTemplateVars(raw []string) (map[string]string, error) {
	parsed, err := workflow.ParseVars(raw)
	if err != nil {
		return nil, err
	}
	return workflow.EnvVars(parsed), nil
}

func newTrainCmd() *cobra.Command {
	var (
		task     string
		taskFile string
		name     string
		vars     []string
	)

	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Learns a reusable workflow with human guidance",
		Long: `Runs the agent on a task. When it gets stuck, training pauses and asks
for a hint, then retries with every hint given so far. The learned
workflow is saved under --name.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (task == "") == (taskFile == "") {
				return errors.New("exactly one of --task or --task-file is required")
			}
			if taskFile != "" {
				text, err := workflow.ReadTask(taskFile)
				if err != nil {
					return err
				}
				task = text
				if name == "" {
					name = strings.TrimSuffix(filepath.Base(taskFile), filepath.Ext(taskFile))
				}
			}
			if name == "" {
				return errors.New("--name is required with --task")
			}
			templateVars, err := parseTemplateVars(vars)
			if err != nil {
				return err
			}

			sess, err := openSupervisor(cmd, name, templateVars, true)
			if err != nil {
				return err
			}
			defer sess.Close()

			res, err := sess.supervisor.Train(cmd.Context(), name, task)
			if res != nil {
				printTraining(cmd.OutOrStdout(), res)
			}
			if err != nil {
				return err
			}
			return trainingError(res)
		},
	}

	trainCmd.Flags().StringVarP(&task, "task", "t", "", "Task in natural language.")
	trainCmd.Flags().StringVarP(&taskFile, "task-file", "f", "", "File holding the task.")
	trainCmd.Flags().StringVar(&name, "name", "", "Workflow name. Defaults to the task file's name.")
	trainCmd.Flags().StringArrayVar(&vars, "var", nil, "Template variable KEY=VALUE. Repeatable.")
	return trainCmd
}

func newRetrainCmd() *cobra.Command {
	var vars []string

	retrainCmd := &cobra.Command{
		Use:   "retrain <workflow>",
		Short: "Re-trains a stored workflow from its description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			templateVars, err := parseTemplateVars(vars)
			if err != nil {
				return err
			}
			sess, err := openSupervisor(cmd, workflowName(args[0]), templateVars, true)
			if err != nil {
				return err
			}
			defer sess.Close()

			res, err := sess.supervisor.Retrain(cmd.Context(), args[0])
			if res != nil {
				printTraining(cmd.OutOrStdout(), res)
			}
			if err != nil {
				return err
			}
			return trainingError(res)
		},
	}
	retrainCmd.Flags().StringArrayVar(&vars, "var", nil, "Template variable KEY=VALUE. Repeatable.")
	return retrainCmd
}

func newReplayCmd() *cobra.Command {
	var vars []string

	replayCmd := &cobra.Command{
		Use:   "replay <workflow>",
		Short: "Replays a stored workflow without pausing for guidance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			templateVars, err := parseTemplateVars(vars)
			if err != nil {
				return err
			}
			sess, err := openSupervisor(cmd, workflowName(args[0]), templateVars, false)
			if err != nil {
				return err
			}
			defer sess.Close()

			res, err := sess.supervisor.Replay(cmd.Context(), args[0])
			if res != nil {
				printReplay(cmd.OutOrStdout(), res)
			}
			if err != nil {
				if errors.Is(err, context.Canceled) {
					observability.GetLogger().Warn("Replay aborted", zap.String("workflow", args[0]))
				}
				return err
			}
			if !res.Success {
				return fmt.Errorf("replay of %q did not complete", res.Workflow.Name)
			}
			return nil
		},
	}
	replayCmd.Flags().StringArrayVar(&vars, "var", nil, "Template variable KEY=VALUE. Repeatable.")
	return replayCmd
}

// workflowName turns a workflow reference, name or path, into a run name.
func workflowName(ref string) string {
	return strings.TrimSuffix(filepath.Base(ref), filepath.Ext(ref))
}

func trainingError(res *trainer.TrainingResult) error {
	switch res.Outcome {
	case trainer.OutcomeCompleted, trainer.OutcomeCancelled:
		return nil
	case trainer.OutcomeIncomplete:
		return fmt.Errorf("training of %q did not complete after %d attempts", res.Workflow.Name, res.Attempts)
	default:
		return fmt.Errorf("training of %q failed", res.Workflow.Name)
	}
}

func printTraining(w io.Writer, res *trainer.TrainingResult) {
	wf := res.Workflow
	fmt.Fprintf(w, "Training %s: %s after %d attempt(s)\n", wf.Name, res.Outcome, res.Attempts)
	for _, hint := range res.Guidance {
		fmt.Fprintf(w, "  hint: %s\n", hint)
	}
	for _, step := range wf.Steps {
		fmt.Fprintf(w, "  %d. [%s] %s\n", step.StepNumber, step.Action, step.Description)
	}
}

func printReplay(w io.Writer, res *trainer.ReplayResult) {
	wf := res.Workflow
	status := "FAILED"
	if res.Success {
		status = "COMPLETED"
	}
	if res.Run != nil {
		status = string(res.Run.Status)
	}
	fmt.Fprintf(w, "Replay %s: %s (successes: %d, failures: %d)\n", wf.Name, status, wf.SuccessCount, wf.FailureCount)
	if res.Run != nil && res.Run.Summary != "" {
		fmt.Fprintf(w, "  summary: %s\n", res.Run.Summary)
	}
}
