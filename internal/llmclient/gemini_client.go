// internal/llmclient/gemini_client.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/trysandbar/ai-aml-agent/internal/agent"
	"github.com/trysandbar/ai-aml-agent/internal/config"
	"github.com/trysandbar/ai-aml-agent/internal/llmutil"
)

// GeminiClient implements agent.DecisionClient for Google Gemini APIs.
type GeminiClient struct {
	caller
	client *genai.Client
	config config.LLMConfig
}

var _ agent.DecisionClient = (*GeminiClient)(nil)

// NewGeminiClient initializes the client.
func NewGeminiClient(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API Key is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: timeout},
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Gemini client: %w", err)
	}
	return &GeminiClient{
		caller: newCaller(cfg, logger.Named("llm_client.gemini")),
		client: client,
		config: cfg,
	}, nil
}

// Decide sends the transcript plus the current observation and returns the
// model's content and function calls.
func (c *GeminiClient) Decide(ctx context.Context, tr *agent.Transcript, turn agent.UserTurn, tools []agent.ToolSpec) (*agent.Decision, error) {
	contents := c.buildContents(tr, turn)
	genConfig := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(c.config.Temperature),
		MaxOutputTokens: int32(c.config.MaxTokens),
		Tools:           toGeminiTools(tools),
	}
	if sys := tr.System(); sys != "" {
		genConfig.SystemInstruction = genai.NewContentFromText(sys, genai.RoleUser)
	}
	turnNo := c.nextTurn()

	var decision *agent.Decision
	attempts, err := c.do(ctx, func() error {
		startTime := time.Now()
		resp, err := c.client.Models.GenerateContent(ctx, c.config.Model, contents, genConfig)
		duration := time.Since(startTime)
		if err != nil {
			return classifyGeminiError(err)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			return fmt.Errorf("%w: gemini API returned no candidates", errMalformed)
		}
		candidate := resp.Candidates[0]
		if candidate.FinishReason == genai.FinishReasonSafety || candidate.FinishReason == genai.FinishReasonBlocklist {
			return backoff.Permanent(fmt.Errorf("gemini API blocked the request (Reason: %s)", candidate.FinishReason))
		}

		d := &agent.Decision{}
		var text strings.Builder
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" && !part.Thought {
				text.WriteString(part.Text)
			}
			if fc := part.FunctionCall; fc != nil {
				id := fc.ID
				if id == "" {
					id = syntheticID(turnNo, len(d.ToolCalls))
				}
				args := fc.Args
				if args == nil {
					args = map[string]any{}
				}
				d.ToolCalls = append(d.ToolCalls, agent.ToolCall{
					ID:           id,
					Name:         fc.Name,
					Arguments:    args,
					RawArguments: llmutil.MarshalArguments(args),
				})
			}
		}
		d.Content = text.String()

		fields := []zap.Field{zap.Duration("duration", duration), zap.Int("tool_calls", len(d.ToolCalls))}
		if u := resp.UsageMetadata; u != nil {
			fields = append(fields,
				zap.Int32("prompt_tokens", u.PromptTokenCount),
				zap.Int32("completion_tokens", u.CandidatesTokenCount),
				zap.Int32("total_tokens", u.TotalTokenCount))
		}
		c.logger.Info("LLM generation complete (Gemini)", fields...)
		decision = d
		return nil
	})
	if err != nil {
		return nil, decisionError(attempts, err)
	}

	recordTurn(tr, turn, decision)
	return decision, nil
}

func (c *GeminiClient) buildContents(tr *agent.Transcript, turn agent.UserTurn) []*genai.Content {
	history := tr.Messages()
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, m := range history {
		switch m.Role {
		case agent.RoleAssistant:
			content := &genai.Content{Role: genai.RoleModel}
			if m.Content != "" {
				content.Parts = append(content.Parts, genai.NewPartFromText(m.Content))
			}
			for _, tc := range m.ToolCalls {
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: tc.Arguments},
				})
			}
			if len(content.Parts) == 0 {
				content.Parts = append(content.Parts, genai.NewPartFromText(""))
			}
			contents = append(contents, content)
		case agent.RoleTool:
			// Gemini expects tool results as user turns.
			contents = append(contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       m.ToolCallID,
						Name:     tr.ToolName(m.ToolCallID),
						Response: map[string]any{"result": m.Content},
					},
				}},
			})
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	current := &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{genai.NewPartFromText(turn.Text)}}
	if len(turn.Image) > 0 {
		current.Parts = append(current.Parts, genai.NewPartFromBytes(turn.Image, "image/png"))
	}
	return append(contents, current)
}

// toGeminiTools converts the catalogue into function declarations.
func toGeminiTools(tools []agent.ToolSpec) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  toGeminiSchema(t.Parameters),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// toGeminiSchema converts a JSON-schema map into a genai.Schema.
func toGeminiSchema(params map[string]any) *genai.Schema {
	schema := &genai.Schema{Type: genai.TypeObject}
	if t, ok := params["type"].(string); ok {
		schema.Type = mapToGeminiType(t)
	}
	if d, ok := params["description"].(string); ok {
		schema.Description = d
	}
	switch req := params["required"].(type) {
	case []string:
		schema.Required = append([]string(nil), req...)
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if props, ok := params["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if pm, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(pm)
			}
		}
	}
	if schema.Type == genai.TypeArray {
		schema.Items = &genai.Schema{Type: genai.TypeString}
		if items, ok := params["items"].(map[string]any); ok {
			schema.Items = toGeminiSchema(items)
		}
	}
	return schema
}

func mapToGeminiType(t string) genai.Type {
	switch t {
	case "string":
		return genai.TypeString
	case "integer", "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

// classifyGeminiError marks client errors as permanent.
func classifyGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && permanentStatus(apiErr.Code) {
		return backoff.Permanent(err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && permanentStatus(apiErrPtr.Code) {
		return backoff.Permanent(err)
	}
	return err
}
