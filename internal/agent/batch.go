package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DriverFactory builds an independent Driver, with its own session factory
// and decision client, for the goal at index i of the batch.
type DriverFactory func(i int, goal string) (*Driver, error)

// BatchOutcome pairs a goal with its run result.
type BatchOutcome struct {
	Goal   string
	Result *Result
	Err    error
}

// RunBatch runs several goals with at most parallel concurrent Drivers. Every
// goal gets a fresh Driver; nothing is shared between runs. A fatal failure in
// one goal does not cancel the others.
func RunBatch(ctx context.Context, logger *zap.Logger, goals []string, parallel int, newDriver DriverFactory) []BatchOutcome {
	if parallel <= 0 {
		parallel = 1
	}
	logger = logger.Named("batch")
	outcomes := make([]BatchOutcome, len(goals))

	var g errgroup.Group
	g.SetLimit(parallel)
	for i, goal := range goals {
		g.Go(func() error {
			outcomes[i].Goal = goal
			driver, err := newDriver(i, goal)
			if err != nil {
				outcomes[i].Err = fmt.Errorf("failed to build driver: %w", err)
				outcomes[i].Result = &Result{Status: StatusFailed, FinalState: AgentState{Goal: goal, Status: StatusFailed}, Error: outcomes[i].Err.Error()}
				return nil
			}
			res, err := driver.Run(ctx, goal)
			outcomes[i].Result, outcomes[i].Err = res, err
			logger.Info("Goal finished", zap.Int("index", i), zap.String("status", string(res.Status)))
			return nil
		})
	}
	// Goroutines never return errors; failures live in the outcomes.
	_ = g.Wait()
	return outcomes
}
