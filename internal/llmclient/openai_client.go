// internal/llmclient/openai_client.go
package llmclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/trysandbar/ai-aml-agent/internal/agent"
	"github.com/trysandbar/ai-aml-agent/internal/config"
)

// OpenAIClient implements agent.DecisionClient over any OpenAI-compatible
// chat completion endpoint (OpenAI, Together, vLLM).
type OpenAIClient struct {
	caller
	client *openai.Client
	config config.LLMConfig
}

var _ agent.DecisionClient = (*OpenAIClient)(nil)

// NewOpenAIClient initializes the client.
func NewOpenAIClient(cfg config.LLMConfig, logger *zap.Logger) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for the OpenAI-compatible provider")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = cfg.BaseURL
	if oc.BaseURL == "" {
		oc.BaseURL = config.DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	oc.HTTPClient = &http.Client{Timeout: timeout}

	return &OpenAIClient{
		caller: newCaller(cfg, logger.Named("llm_client.openai")),
		client: openai.NewClientWithConfig(oc),
		config: cfg,
	}, nil
}

// Decide sends the transcript plus the current observation and returns the
// model's content and tool calls.
func (c *OpenAIClient) Decide(ctx context.Context, tr *agent.Transcript, turn agent.UserTurn, tools []agent.ToolSpec) (*agent.Decision, error) {
	req := c.buildRequest(tr, turn, tools)
	turnNo := c.nextTurn()

	var decision *agent.Decision
	attempts, err := c.do(ctx, func() error {
		startTime := time.Now()
		resp, err := c.client.CreateChatCompletion(ctx, req)
		duration := time.Since(startTime)
		if err != nil {
			return classifyOpenAIError(err)
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("%w: no choices returned", errMalformed)
		}

		msg := resp.Choices[0].Message
		d := &agent.Decision{Content: msg.Content}
		for i, tc := range msg.ToolCalls {
			id := tc.ID
			if id == "" {
				id = syntheticID(turnNo, i)
			}
			call, err := decodeCall(id, tc.Function.Name, tc.Function.Arguments)
			if err != nil {
				return fmt.Errorf("%w: %v", errMalformed, err)
			}
			d.ToolCalls = append(d.ToolCalls, call)
		}

		c.logger.Info("LLM generation complete (OpenAI)",
			zap.Duration("duration", duration),
			zap.Int("prompt_tokens", resp.Usage.PromptTokens),
			zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			zap.Int("tool_calls", len(d.ToolCalls)),
			zap.String("finish_reason", string(resp.Choices[0].FinishReason)),
		)
		decision = d
		return nil
	})
	if err != nil {
		return nil, decisionError(attempts, err)
	}

	recordTurn(tr, turn, decision)
	return decision, nil
}

func (c *OpenAIClient) buildRequest(tr *agent.Transcript, turn agent.UserTurn, tools []agent.ToolSpec) openai.ChatCompletionRequest {
	history := tr.Messages()
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	if sys := tr.System(); sys != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: sys})
	}
	for _, m := range history {
		messages = append(messages, toOpenAIMessage(m))
	}
	messages = append(messages, userTurnMessage(turn))

	return openai.ChatCompletionRequest{
		Model:       c.config.Model,
		Messages:    messages,
		Tools:       toOpenAITools(tools),
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
	}
}

func toOpenAIMessage(m agent.Message) openai.ChatCompletionMessage {
	switch m.Role {
	case agent.RoleAssistant:
		msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: rawArguments(tc),
				},
			})
		}
		return msg
	case agent.RoleTool:
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleTool, Content: m.Content, ToolCallID: m.ToolCallID}
	default:
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content}
	}
}

// userTurnMessage attaches the screenshot as a data URL when present.
func userTurnMessage(turn agent.UserTurn) openai.ChatCompletionMessage {
	if len(turn.Image) == 0 {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: turn.Text}
	}
	return openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: turn.Text},
			{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(turn.Image),
				},
			},
		},
	}
}

func toOpenAITools(tools []agent.ToolSpec) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, t := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		}
	}
	return result
}

// classifyOpenAIError marks client errors as permanent; rate limits and
// server errors stay retryable.
func classifyOpenAIError(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if permanentStatus(status) {
		return backoff.Permanent(err)
	}
	return err
}

func permanentStatus(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusUnprocessableEntity:
		return true
	}
	return false
}
