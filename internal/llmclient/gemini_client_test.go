package llmclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/trysandbar/ai-aml-agent/internal/agent"
	"github.com/trysandbar/ai-aml-agent/internal/config"
)

// setupGeminiClient rigs up a GeminiClient pointed at a mock HTTP server.
func setupGeminiClient(t *testing.T, handler http.HandlerFunc) *GeminiClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger, _ := setupTestLogger(t)
	client, err := NewGeminiClient(context.Background(), getValidLLMConfig(config.ProviderGemini, server.URL), logger)
	require.NoError(t, err, "NewGeminiClient initialization failed")
	client.backoffFactory = fastBackoff
	return client
}

func TestNewGeminiClient_RequiresAPIKey(t *testing.T) {
	logger, _ := setupTestLogger(t)
	cfg := getValidLLMConfig(config.ProviderGemini, "")
	cfg.APIKey = ""
	client, err := NewGeminiClient(context.Background(), cfg, logger)
	assert.Error(t, err)
	assert.Nil(t, client)
	assert.Contains(t, err.Error(), "Gemini API Key is required")
}

func TestGeminiClient_Decide(t *testing.T) {
	var captured map[string]any
	client := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "models/test-model:generateContent"), r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
		  "candidates": [{
		    "content": {"role": "model", "parts": [
		      {"text": "Searching for the customer."},
		      {"functionCall": {"name": "fill", "args": {"selector": "#search", "value": "ACME Ltd"}}}
		    ]},
		    "finishReason": "STOP"
		  }],
		  "usageMetadata": {"promptTokenCount": 100, "candidatesTokenCount": 20, "totalTokenCount": 120}
		}`)
	})

	tr := agent.NewTranscript("system prompt")
	d, err := client.Decide(context.Background(), tr, agent.UserTurn{Text: "observe", Image: []byte("png")}, agent.Catalogue())
	require.NoError(t, err)

	assert.Equal(t, "Searching for the customer.", d.Content)
	require.Len(t, d.ToolCalls, 1)
	assert.Equal(t, "fill", d.ToolCalls[0].Name)
	assert.Equal(t, "call_1_0", d.ToolCalls[0].ID)
	assert.Equal(t, "ACME Ltd", d.ToolCalls[0].Arguments["value"])

	contents := captured["contents"].([]any)
	require.Len(t, contents, 1)
	parts := contents[0].(map[string]any)["parts"].([]any)
	assert.Len(t, parts, 2, "text plus inline image")
	assert.NotNil(t, captured["systemInstruction"])
	assert.Equal(t, 2, tr.Len())
}

func TestGeminiClient_ClientErrorIsPermanent(t *testing.T) {
	hits := 0
	client := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error": {"code": 400, "message": "bad request", "status": "INVALID_ARGUMENT"}}`)
	})

	_, err := client.Decide(context.Background(), agent.NewTranscript(""), agent.UserTurn{Text: "x"}, nil)
	var de *agent.DecisionError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 1, hits)
}

func TestGeminiClient_BuildContentsReplaysToolResults(t *testing.T) {
	client := &GeminiClient{}
	tr := agent.NewTranscript("sys")
	tr.Append(agent.Message{Role: agent.RoleUser, Content: "first"})
	tr.Append(agent.Message{Role: agent.RoleAssistant, ToolCalls: []agent.ToolCall{{ID: "c1", Name: "click", Arguments: map[string]any{"selector": "#a"}}}})
	tr.AppendToolResult("c1", "Clicked element: #a")

	contents := client.buildContents(tr, agent.UserTurn{Text: "next"})
	require.Len(t, contents, 4)
	assert.Equal(t, genai.RoleModel, contents[1].Role)
	assert.Equal(t, "click", contents[1].Parts[0].FunctionCall.Name)
	resp := contents[2].Parts[0].FunctionResponse
	require.NotNil(t, resp)
	assert.Equal(t, "click", resp.Name)
	assert.Equal(t, "c1", resp.ID)
	assert.Equal(t, "Clicked element: #a", resp.Response["result"])
	assert.Equal(t, "next", contents[3].Parts[0].Text)
}

func TestToGeminiTools(t *testing.T) {
	tools := toGeminiTools(agent.Catalogue())
	require.Len(t, tools, 1)
	decls := tools[0].FunctionDeclarations
	require.Len(t, decls, 5)

	fill := decls[2]
	assert.Equal(t, "fill", fill.Name)
	assert.Equal(t, genai.TypeObject, fill.Parameters.Type)
	assert.ElementsMatch(t, []string{"selector", "value"}, fill.Parameters.Required)
	assert.Equal(t, genai.TypeString, fill.Parameters.Properties["value"].Type)

	wait := decls[4]
	assert.Equal(t, genai.TypeNumber, wait.Parameters.Properties["seconds"].Type)

	assert.Nil(t, toGeminiTools(nil))
}
