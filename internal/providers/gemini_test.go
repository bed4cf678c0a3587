package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/modelbridge/internal/chat"
	"github.com/Davincible/modelbridge/internal/config"
)

func TestScrubSchema(t *testing.T) {
	schema := map[string]any{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"city": map[string]any{"type": "string"},
			"nested": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"$ref":                 "#/$defs/thing",
			},
		},
		"$defs": map[string]any{"thing": map[string]any{}},
	}

	got := scrubSchema(schema, schemaScrubFields).(map[string]any)

	assert.NotContains(t, got, "$schema")
	assert.NotContains(t, got, "additionalProperties")
	assert.NotContains(t, got, "$defs")
	assert.Equal(t, "object", got["type"])

	nested := got["properties"].(map[string]any)["nested"].(map[string]any)
	assert.NotContains(t, nested, "additionalProperties")
	assert.NotContains(t, nested, "$ref")
	assert.Equal(t, "object", nested["type"])

	// original untouched
	assert.Contains(t, schema, "$schema")
}

func TestBuildGeminiRequest(t *testing.T) {
	req := &chat.Request{
		Model:     "gemini-2.5-pro",
		MaxTokens: 2048,
		Thinking:  &chat.ThinkingConfig{BudgetTokens: 4096},
		Messages: []chat.Message{
			{Role: chat.RoleSystem, Parts: []chat.Part{chat.TextPart{Text: "be helpful"}}},
			{Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart{Text: "weather?"}}},
			{Role: chat.RoleAssistant, Parts: []chat.Part{
				chat.TextPart{Text: "Checking."},
				chat.ThinkingPart{Text: "need the tool", Meta: &chat.ThinkingMeta{Signature: "tsig"}},
				chat.ToolCallPart{CallID: "call_1", Name: "get_weather", Input: json.RawMessage(`{"city":"Oslo"}`)},
			}},
			{Role: chat.RoleUser, Parts: []chat.Part{
				chat.ToolResultPart{CallID: "call_1", Content: "sunny"},
			}},
		},
		Tools: []chat.Tool{
			{Name: "get_weather", InputSchema: map[string]any{"type": "object", "additionalProperties": false}},
		},
	}

	wire, err := buildGeminiRequest(req)
	require.NoError(t, err)

	require.NotNil(t, wire.SystemInstruction)
	assert.Equal(t, "be helpful", wire.SystemInstruction.Parts[0].Text)

	require.NotNil(t, wire.GenerationConfig)
	assert.Equal(t, 2048, wire.GenerationConfig.MaxOutputTokens)
	require.NotNil(t, wire.GenerationConfig.ThinkingConfig)
	assert.Equal(t, 4096, wire.GenerationConfig.ThinkingConfig.ThinkingBudget)
	assert.True(t, wire.GenerationConfig.ThinkingConfig.IncludeThoughts)

	require.Len(t, wire.Tools, 1)
	decl := wire.Tools[0].FunctionDeclarations[0]
	assert.Equal(t, "get_weather", decl.Name)
	assert.NotContains(t, decl.Parameters, "additionalProperties")

	// system message does not appear in contents
	require.Len(t, wire.Contents, 3)

	// assistant turn: thought part leads despite arriving mid-message
	model := wire.Contents[1]
	assert.Equal(t, "model", model.Role)
	require.Len(t, model.Parts, 3)
	assert.True(t, model.Parts[0].Thought)
	assert.Equal(t, "tsig", model.Parts[0].ThoughtSignature)
	assert.Equal(t, "Checking.", model.Parts[1].Text)

	call := model.Parts[2].FunctionCall
	require.NotNil(t, call)
	assert.Equal(t, "call_1", call.ID)
	assert.Equal(t, "get_weather", call.Name)
	assert.Equal(t, "Oslo", call.Args["city"])

	// tool result references the original call's name and id
	resp := wire.Contents[2].Parts[0].FunctionResponse
	require.NotNil(t, resp)
	assert.Equal(t, "call_1", resp.ID)
	assert.Equal(t, "get_weather", resp.Name)
	assert.Equal(t, map[string]any{"content": "sunny"}, resp.Response)
}

func TestConvertGeminiMessage_SynthesizesCallID(t *testing.T) {
	msg := chat.Message{
		Role: chat.RoleAssistant,
		Parts: []chat.Part{
			chat.ToolCallPart{Name: "lookup", Input: json.RawMessage(`{}`)},
		},
	}

	content, err := convertGeminiMessage(msg, nil)
	require.NoError(t, err)

	require.Len(t, content.Parts, 1)
	require.NotNil(t, content.Parts[0].FunctionCall)
	assert.NotEmpty(t, content.Parts[0].FunctionCall.ID)
}

func TestConvertGeminiMessage_UnsignedThinkingDropped(t *testing.T) {
	msg := chat.Message{
		Role: chat.RoleAssistant,
		Parts: []chat.Part{
			chat.ThinkingPart{Text: "no signature"},
			chat.TextPart{Text: "answer"},
		},
	}

	content, err := convertGeminiMessage(msg, nil)
	require.NoError(t, err)

	require.Len(t, content.Parts, 1)
	assert.Equal(t, "answer", content.Parts[0].Text)
}

func feedGemini(t *testing.T, events []string) []chat.StreamDelta {
	t.Helper()

	parser := newGeminiStreamParser()

	var out []chat.StreamDelta

	for _, data := range events {
		deltas, err := parser.parse(sseEvent{Data: data})
		require.NoError(t, err)

		out = append(out, deltas...)
	}

	return out
}

func TestGeminiStreamParser_ThoughtsThenText(t *testing.T) {
	deltas := feedGemini(t, []string{
		`{"candidates":[{"content":{"parts":[{"text":"consider ","thought":true}]}}]}`,
		`{"candidates":[{"content":{"parts":[{"text":"the request","thought":true,"thoughtSignature":"gsig"}]}}]}`,
		`{"candidates":[{"content":{"parts":[{"text":"Sunny today."}]}}]}`,
		`{"candidates":[{"finishReason":"STOP"}]}`,
	})

	kinds := make([]chat.DeltaKind, 0, len(deltas))
	for _, d := range deltas {
		kinds = append(kinds, d.Kind)
	}

	// thinking finalizes when the first non-thought part arrives
	assert.Equal(t, []chat.DeltaKind{
		chat.DeltaThinking,
		chat.DeltaThinking,
		chat.DeltaThinkingSignature,
		chat.DeltaThinkingDone,
		chat.DeltaText,
		chat.DeltaDone,
	}, kinds)

	require.NotNil(t, deltas[3].Thinking)
	assert.Equal(t, "consider the request", deltas[3].Thinking.Text)
	require.NotNil(t, deltas[3].Thinking.Meta)
	assert.Equal(t, "gsig", deltas[3].Thinking.Meta.Signature)

	assert.Equal(t, "end_turn", deltas[5].FinishReason)
}

func TestGeminiStreamParser_ThinkingFinalizedAtFinish(t *testing.T) {
	deltas := feedGemini(t, []string{
		`{"candidates":[{"content":{"parts":[{"text":"only thoughts","thought":true}]}}]}`,
		`{"candidates":[{"finishReason":"MAX_TOKENS"}]}`,
	})

	require.Len(t, deltas, 3)
	assert.Equal(t, chat.DeltaThinkingDone, deltas[1].Kind)
	assert.Equal(t, chat.DeltaDone, deltas[2].Kind)
	assert.Equal(t, "max_tokens", deltas[2].FinishReason)
}

func TestGeminiStreamParser_FunctionCall(t *testing.T) {
	deltas := feedGemini(t, []string{
		`{"candidates":[{"content":{"parts":[{"functionCall":{"id":"fc_1","name":"get_weather","args":{"city":"Oslo"}}}]}}]}`,
		`{"candidates":[{"finishReason":"STOP"}]}`,
	})

	require.Len(t, deltas, 4)
	assert.Equal(t, chat.DeltaToolCallStart, deltas[0].Kind)
	assert.Equal(t, "fc_1", deltas[0].CallID)
	assert.Equal(t, chat.DeltaToolCallArgs, deltas[1].Kind)
	assert.JSONEq(t, `{"city":"Oslo"}`, deltas[1].Args)
	assert.Equal(t, chat.DeltaToolCallEnd, deltas[2].Kind)
	assert.Equal(t, chat.DeltaDone, deltas[3].Kind)
}

func TestGeminiStreamParser_FunctionCallWithoutID(t *testing.T) {
	deltas := feedGemini(t, []string{
		`{"candidates":[{"content":{"parts":[{"functionCall":{"name":"lookup"}}]}}]}`,
	})

	require.Len(t, deltas, 3)
	assert.NotEmpty(t, deltas[0].CallID)
	assert.Equal(t, deltas[0].CallID, deltas[1].CallID)
	assert.Equal(t, deltas[0].CallID, deltas[2].CallID)
}

func TestGeminiStreamParser_UpstreamError(t *testing.T) {
	parser := newGeminiStreamParser()

	_, err := parser.parse(sseEvent{Data: `{"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED"}}`})
	require.Error(t, err)

	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Contains(t, protoErr.Error(), "quota exceeded")
}

func TestGeminiListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models", r.URL.Path)
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]any{
				{
					"name":                       "models/gemini-2.5-pro",
					"displayName":                "Gemini 2.5 Pro",
					"inputTokenLimit":            1048576,
					"outputTokenLimit":           65536,
					"supportedGenerationMethods": []string{"generateContent", "countTokens"},
				},
				{
					"name":                       "models/embedding-001",
					"displayName":                "Embedding 001",
					"supportedGenerationMethods": []string{"embedContent"},
				},
			},
		})
	}))
	defer srv.Close()

	provider, err := New(config.Provider{
		Name:    "test-gemini",
		BaseURL: srv.URL,
		Format:  config.FormatGemini,
		APIKey:  "test-key",
	}, nil)
	require.NoError(t, err)

	models, err := provider.ListModels(context.Background())
	require.NoError(t, err)

	require.Len(t, models, 1)
	assert.Equal(t, "gemini-2.5-pro", models[0].ID)
	assert.Equal(t, "Gemini 2.5 Pro", models[0].DisplayName)
	assert.Equal(t, 1048576, models[0].MaxInputTokens)
	assert.Equal(t, 65536, models[0].MaxOutputTokens)
	assert.True(t, models[0].SupportsThinking)
}
