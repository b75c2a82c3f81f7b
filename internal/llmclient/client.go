// internal/llmclient/client.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/trysandbar/ai-aml-agent/internal/agent"
	"github.com/trysandbar/ai-aml-agent/internal/config"
	"github.com/trysandbar/ai-aml-agent/internal/llmutil"
)

// NewClient is a factory function that creates a DecisionClient based on the configuration.
func NewClient(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (agent.DecisionClient, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI, "":
		return NewOpenAIClient(cfg, logger)
	case config.ProviderGemini:
		if cfg.BaseURL == config.DefaultBaseURL {
			cfg.BaseURL = ""
		}
		return NewGeminiClient(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s]",
			cfg.Provider, config.ProviderOpenAI, config.ProviderGemini)
	}
}

// caller holds what every provider shares: retry policy, rate limiting and
// the call counter used for synthetic tool call ids.
type caller struct {
	logger         *zap.Logger
	limiter        *rate.Limiter
	backoffFactory func() backoff.BackOff
	turns          int
}

func newCaller(cfg config.LLMConfig, logger *zap.Logger) caller {
	c := caller{logger: logger}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	retry := cfg.Retry
	c.backoffFactory = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		if retry.InitialInterval > 0 {
			b.InitialInterval = retry.InitialInterval
		}
		b.MaxInterval = 15 * time.Second
		if retry.MaxInterval > 0 {
			b.MaxInterval = retry.MaxInterval
		}
		b.MaxElapsedTime = 2 * time.Minute
		if retry.MaxElapsedTime > 0 {
			b.MaxElapsedTime = retry.MaxElapsedTime
		}
		return b
	}
	return c
}

// do runs op under the retry policy. op returns backoff.Permanent for
// failures that retrying cannot fix.
func (c *caller) do(ctx context.Context, op func() error) (int, error) {
	attempts := 0
	operation := func() error {
		attempts++
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		err := op()
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("Decision call failed, retrying...", zap.Error(err), zap.Duration("backoff", wait), zap.Int("attempt", attempts))
	}
	err := backoff.RetryNotify(operation, backoff.WithContext(c.backoffFactory(), ctx), notify)
	return attempts, err
}

// nextTurn advances the call counter.
func (c *caller) nextTurn() int {
	c.turns++
	return c.turns
}

// syntheticID names a tool call the provider left unnamed.
func syntheticID(turn, index int) string {
	return fmt.Sprintf("call_%d_%d", turn, index)
}

// decodeCall turns a raw provider call into an agent.ToolCall.
func decodeCall(id, name, rawArgs string) (agent.ToolCall, error) {
	args, normalized, err := llmutil.ParseArguments(rawArgs)
	if err != nil {
		return agent.ToolCall{}, fmt.Errorf("tool call %q: %w", name, err)
	}
	return agent.ToolCall{ID: id, Name: name, Arguments: args, RawArguments: normalized}, nil
}

// rawArguments returns the JSON to resend for an earlier call.
func rawArguments(tc agent.ToolCall) string {
	if tc.RawArguments != "" {
		return tc.RawArguments
	}
	return llmutil.MarshalArguments(tc.Arguments)
}

// errMalformed marks a response the model can be asked to redo.
var errMalformed = errors.New("malformed model response")

// decisionError wraps the final failure of a decision call.
func decisionError(attempts int, err error) error {
	op := "complete"
	if errors.Is(err, errMalformed) {
		op = "parse"
	}
	var pe *backoff.PermanentError
	if errors.As(err, &pe) {
		err = pe.Err
	}
	return &agent.DecisionError{
		Op:       op,
		Attempts: attempts,
		Timeout:  errors.Is(err, context.DeadlineExceeded),
		Err:      err,
	}
}

// recordTurn appends a successful exchange to the transcript. Images are not kept.
func recordTurn(tr *agent.Transcript, turn agent.UserTurn, d *agent.Decision) {
	tr.Append(agent.Message{Role: agent.RoleUser, Content: turn.Text})
	tr.Append(agent.Message{Role: agent.RoleAssistant, Content: d.Content, ToolCalls: d.ToolCalls})
}
