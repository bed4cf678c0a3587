package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Davincible/modelbridge/internal/chat"
	"github.com/Davincible/modelbridge/internal/config"
)

type openAIChatProvider struct {
	client *client
}

func newOpenAIChatProvider(cl *client) *openAIChatProvider {
	return &openAIChatProvider{client: cl}
}

func (p *openAIChatProvider) Name() string          { return p.client.cfg.Name }
func (p *openAIChatProvider) Format() config.Format { return config.FormatOpenAIChat }

func (p *openAIChatProvider) headers() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + p.client.apiKey(),
	}
}

func (p *openAIChatProvider) CountTokens(messages []chat.Message) (int, error) {
	return countTokens(messages)
}

// OpenAI Chat Completions wire types.

type oaChatRequest struct {
	Model               string          `json:"model"`
	Messages            []oaChatMessage `json:"messages"`
	Tools               []oaTool        `json:"tools,omitempty"`
	MaxTokens           int             `json:"max_tokens,omitempty"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	Stream              bool            `json:"stream"`
}

type oaChatMessage struct {
	Role       string       `json:"role"`
	Content    any          `json:"content"`
	ToolCalls  []oaToolCall `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
}

type oaToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function oaFunctionCall `json:"function"`
}

type oaFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type oaTool struct {
	Type     string        `json:"type"`
	Function oaFunctionDef `json:"function"`
}

type oaFunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type oaContentPart struct {
	Type     string      `json:"type"`
	Text     string      `json:"text,omitempty"`
	ImageURL *oaImageURL `json:"image_url,omitempty"`
}

type oaImageURL struct {
	URL string `json:"url"`
}

// needsMaxCompletionTokens: o-series and gpt-5 endpoints reject max_tokens.
func needsMaxCompletionTokens(model string) bool {
	lower := strings.ToLower(model)

	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}

	return false
}

// buildOpenAIChatRequest maps the internal conversation to the Chat
// Completions schema. Thinking parts have no representation in this format
// and are dropped on the way out.
func buildOpenAIChatRequest(req *chat.Request) (*oaChatRequest, error) {
	out := &oaChatRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      true,
	}

	if needsMaxCompletionTokens(req.Model) {
		out.MaxCompletionTokens = req.MaxTokens
	} else {
		out.MaxTokens = req.MaxTokens
	}

	for _, msg := range req.Messages {
		converted, err := convertOpenAIChatMessage(msg)
		if err != nil {
			return nil, err
		}

		out.Messages = append(out.Messages, converted...)
	}

	for _, tool := range req.Tools {
		if tool.Name == "" {
			return nil, &RequestError{Format: "openai-chat", Reason: "tool with empty name"}
		}

		out.Tools = append(out.Tools, oaTool{
			Type: "function",
			Function: oaFunctionDef{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}

	return out, nil
}

// convertOpenAIChatMessage can fan one internal message out to several wire
// messages: every tool result becomes its own role:tool message keyed by
// call id.
func convertOpenAIChatMessage(msg chat.Message) ([]oaChatMessage, error) {
	switch msg.Role {
	case chat.RoleSystem:
		return []oaChatMessage{{Role: "system", Content: collectText(msg)}}, nil
	case chat.RoleUser:
		return convertOpenAIChatUser(msg)
	case chat.RoleAssistant:
		converted, err := convertOpenAIChatAssistant(msg)
		if err != nil {
			return nil, err
		}

		return []oaChatMessage{converted}, nil
	default:
		return nil, &RequestError{Format: "openai-chat", Reason: fmt.Sprintf("unsupported role %q", msg.Role)}
	}
}

func convertOpenAIChatUser(msg chat.Message) ([]oaChatMessage, error) {
	var (
		out      []oaChatMessage
		parts    []oaContentPart
		hasImage bool
	)

	for _, part := range msg.Parts {
		switch p := part.(type) {
		case chat.TextPart:
			parts = append(parts, oaContentPart{Type: "text", Text: p.Text})
		case chat.ImagePart:
			url := p.URL
			if url == "" {
				url = fmt.Sprintf("data:%s;base64,%s", p.MIME, p.Data)
			}

			hasImage = true
			parts = append(parts, oaContentPart{Type: "image_url", ImageURL: &oaImageURL{URL: url}})
		case chat.ToolResultPart:
			if p.CallID == "" {
				return nil, &RequestError{Format: "openai-chat", Reason: "tool result without call id"}
			}

			out = append(out, oaChatMessage{
				Role:       "tool",
				ToolCallID: p.CallID,
				Content:    toolResultText(p.Content),
			})
		default:
			return nil, &RequestError{Format: "openai-chat", Reason: fmt.Sprintf("unsupported user part %T", part)}
		}
	}

	if len(parts) > 0 {
		if hasImage {
			out = append(out, oaChatMessage{Role: "user", Content: parts})
		} else {
			var text strings.Builder
			for _, p := range parts {
				text.WriteString(p.Text)
			}

			out = append(out, oaChatMessage{Role: "user", Content: text.String()})
		}
	}

	return out, nil
}

func convertOpenAIChatAssistant(msg chat.Message) (oaChatMessage, error) {
	var (
		text      strings.Builder
		toolCalls []oaToolCall
	)

	for _, part := range msg.Parts {
		if _, ok := chat.AsThinkingPart(part); ok {
			continue // no thinking representation in this format
		}

		if tc, ok := chat.AsToolCallPart(part); ok {
			if tc.CallID == "" || tc.Name == "" {
				return oaChatMessage{}, &RequestError{Format: "openai-chat", Reason: "tool call without id or name"}
			}

			args := string(tc.Input)
			if args == "" {
				args = "{}"
			}

			toolCalls = append(toolCalls, oaToolCall{
				ID:       tc.CallID,
				Type:     "function",
				Function: oaFunctionCall{Name: tc.Name, Arguments: args},
			})

			continue
		}

		if p, ok := part.(chat.TextPart); ok {
			text.WriteString(p.Text)
			continue
		}

		return oaChatMessage{}, &RequestError{Format: "openai-chat", Reason: fmt.Sprintf("unsupported assistant part %T", part)}
	}

	return oaChatMessage{
		Role:      "assistant",
		Content:   text.String(),
		ToolCalls: toolCalls,
	}, nil
}

func collectText(msg chat.Message) string {
	var b strings.Builder

	for _, part := range msg.Parts {
		if p, ok := part.(chat.TextPart); ok {
			b.WriteString(p.Text)
		}
	}

	return b.String()
}

func toolResultText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case nil:
		return ""
	default:
		raw, err := json.Marshal(c)
		if err != nil {
			return fmt.Sprint(c)
		}

		return string(raw)
	}
}

func (p *openAIChatProvider) StreamChat(ctx context.Context, req *chat.Request) (<-chan chat.StreamDelta, error) {
	wireReq, err := buildOpenAIChatRequest(req)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("marshal openai-chat request: %w", err)
	}

	stream, err := p.client.postStream(ctx, p.client.url("/v1/chat/completions"), p.headers(), body)
	if err != nil {
		return nil, err
	}

	out := make(chan chat.StreamDelta)
	go consumeStream(ctx, stream, newOpenAIChatStreamParser(), out)

	return out, nil
}

// openAIChatStreamParser tracks tool calls by their wire index. The format
// has no per-call end marker, so open calls are closed when another index
// starts streaming or when finish_reason arrives.
type openAIChatStreamParser struct {
	calls     map[int]string // wire index -> call id
	openIndex int
	hasOpen   bool
}

func newOpenAIChatStreamParser() *openAIChatStreamParser {
	return &openAIChatStreamParser{calls: make(map[int]string)}
}

type oaChatChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (op *openAIChatStreamParser) parse(ev sseEvent) ([]chat.StreamDelta, error) {
	var chunk oaChatChunk
	if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
		return nil, &ProtocolError{Format: "openai-chat", Context: "decode stream chunk", Err: err}
	}

	if chunk.Error != nil {
		return nil, &ProtocolError{Format: "openai-chat", Context: "upstream error: " + chunk.Error.Message}
	}

	if len(chunk.Choices) == 0 {
		return nil, nil
	}

	choice := chunk.Choices[0]

	var deltas []chat.StreamDelta

	for _, tc := range choice.Delta.ToolCalls {
		if tc.ID != "" {
			// New call starting; close the previous one first.
			if op.hasOpen && op.openIndex != tc.Index {
				deltas = append(deltas, chat.StreamDelta{Kind: chat.DeltaToolCallEnd, CallID: op.calls[op.openIndex]})
			}

			op.calls[tc.Index] = tc.ID
			op.openIndex = tc.Index
			op.hasOpen = true

			deltas = append(deltas, chat.StreamDelta{
				Kind:     chat.DeltaToolCallStart,
				CallID:   tc.ID,
				ToolName: tc.Function.Name,
			})
		}

		if tc.Function.Arguments != "" {
			callID, ok := op.calls[tc.Index]
			if !ok {
				return nil, &ProtocolError{Format: "openai-chat", Context: fmt.Sprintf("arguments for unknown tool call index %d", tc.Index)}
			}

			deltas = append(deltas, chat.StreamDelta{
				Kind:   chat.DeltaToolCallArgs,
				CallID: callID,
				Args:   tc.Function.Arguments,
			})
		}
	}

	if choice.Delta.Content != "" && len(choice.Delta.ToolCalls) == 0 {
		deltas = append(deltas, chat.TextDelta(choice.Delta.Content))
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		if op.hasOpen {
			deltas = append(deltas, chat.StreamDelta{Kind: chat.DeltaToolCallEnd, CallID: op.calls[op.openIndex]})
			op.hasOpen = false
		}

		deltas = append(deltas, chat.DoneDelta(mapOpenAIFinishReason(*choice.FinishReason)))
	}

	return deltas, nil
}

func mapOpenAIFinishReason(reason string) string {
	mapping := map[string]string{
		"stop":           "end_turn",
		"length":         "max_tokens",
		"tool_calls":     "tool_use",
		"function_call":  "tool_use",
		"content_filter": "stop_sequence",
	}

	if mapped, ok := mapping[reason]; ok {
		return mapped
	}

	return "end_turn"
}

// oaModelList is the GET /v1/models payload.
type oaModelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (p *openAIChatProvider) ListModels(ctx context.Context) ([]chat.Model, error) {
	return listOpenAIModels(ctx, p.client, p.Name(), config.FormatOpenAIChat)
}

// listOpenAIModels is shared by both OpenAI-style formats; the endpoint and
// payload are identical, only the format filter differs.
func listOpenAIModels(ctx context.Context, cl *client, name string, format config.Format) ([]chat.Model, error) {
	headers := map[string]string{"Authorization": "Bearer " + cl.apiKey()}

	body, err := cl.getJSON(ctx, cl.url("/v1/models"), headers)
	if err != nil {
		return nil, &DiscoveryError{Provider: name, Err: err}
	}

	var list oaModelList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, &DiscoveryError{Provider: name, Err: &ProtocolError{Format: string(format), Context: "decode model list", Err: err}}
	}

	models := make([]chat.Model, 0, len(list.Data))

	for _, m := range list.Data {
		if !MatchesFormat(m.ID, format) {
			continue
		}

		models = append(models, chat.Model{
			ID:               m.ID,
			DisplayName:      m.ID,
			MaxInputTokens:   128000,
			MaxOutputTokens:  16384,
			SupportsTools:    DetectTools(nil, m.ID),
			SupportsVision:   DetectVision(nil, m.ID),
			SupportsThinking: DetectThinking(nil, m.ID),
		})
	}

	return models, nil
}
