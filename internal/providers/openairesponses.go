package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Davincible/modelbridge/internal/chat"
	"github.com/Davincible/modelbridge/internal/config"
)

type openAIResponsesProvider struct {
	client *client
}

func newOpenAIResponsesProvider(cl *client) *openAIResponsesProvider {
	return &openAIResponsesProvider{client: cl}
}

func (p *openAIResponsesProvider) Name() string          { return p.client.cfg.Name }
func (p *openAIResponsesProvider) Format() config.Format { return config.FormatOpenAIResponses }

func (p *openAIResponsesProvider) headers() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + p.client.apiKey(),
	}
}

func (p *openAIResponsesProvider) CountTokens(messages []chat.Message) (int, error) {
	return countTokens(messages)
}

// OpenAI Responses wire types. The request carries an input[] item list
// instead of messages[]; tool definitions are flat rather than nested under
// a "function" object.

type oaRespRequest struct {
	Model           string           `json:"model"`
	Input           []oaRespItem     `json:"input"`
	Tools           []oaRespTool     `json:"tools,omitempty"`
	Reasoning       *oaRespReasoning `json:"reasoning,omitempty"`
	MaxOutputTokens int              `json:"max_output_tokens,omitempty"`
	Temperature     *float64         `json:"temperature,omitempty"`
	TopP            *float64         `json:"top_p,omitempty"`
	Stream          bool             `json:"stream"`
}

type oaRespReasoning struct {
	Effort  string `json:"effort,omitempty"`
	Summary string `json:"summary,omitempty"`
}

type oaRespItem struct {
	// role-content items
	Role    string          `json:"role,omitempty"`
	Content []oaRespContent `json:"content,omitempty"`

	// function_call / function_call_output items
	Type      string `json:"type,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

type oaRespContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type oaRespTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

func buildOpenAIResponsesRequest(req *chat.Request) (*oaRespRequest, error) {
	out := &oaRespRequest{
		Model:           req.Model,
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		Stream:          true,
	}

	if req.Thinking != nil {
		reasoning := &oaRespReasoning{
			Effort:  req.Thinking.Effort,
			Summary: req.Thinking.Summary,
		}

		if reasoning.Summary == "" {
			reasoning.Summary = "auto"
		}

		out.Reasoning = reasoning
	}

	for _, msg := range req.Messages {
		items, err := convertResponsesMessage(msg)
		if err != nil {
			return nil, err
		}

		out.Input = append(out.Input, items...)
	}

	for _, tool := range req.Tools {
		if tool.Name == "" {
			return nil, &RequestError{Format: "openai-responses", Reason: "tool with empty name"}
		}

		out.Tools = append(out.Tools, oaRespTool{
			Type:        "function",
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.InputSchema,
		})
	}

	return out, nil
}

func convertResponsesMessage(msg chat.Message) ([]oaRespItem, error) {
	var (
		items   []oaRespItem
		content []oaRespContent
	)

	textType := "input_text"
	if msg.Role == chat.RoleAssistant {
		textType = "output_text"
	}

	flushContent := func() {
		if len(content) > 0 {
			items = append(items, oaRespItem{Role: string(msg.Role), Content: content})
			content = nil
		}
	}

	for _, part := range msg.Parts {
		if _, ok := chat.AsThinkingPart(part); ok {
			// Reasoning replay is endpoint-managed in this format; local
			// thinking parts have no input representation.
			continue
		}

		if tc, ok := chat.AsToolCallPart(part); ok {
			if tc.CallID == "" || tc.Name == "" {
				return nil, &RequestError{Format: "openai-responses", Reason: "tool call without id or name"}
			}

			args := string(tc.Input)
			if args == "" {
				args = "{}"
			}

			flushContent()
			items = append(items, oaRespItem{
				Type:      "function_call",
				CallID:    tc.CallID,
				Name:      tc.Name,
				Arguments: args,
			})

			continue
		}

		switch p := part.(type) {
		case chat.TextPart:
			content = append(content, oaRespContent{Type: textType, Text: p.Text})
		case chat.ImagePart:
			url := p.URL
			if url == "" {
				url = fmt.Sprintf("data:%s;base64,%s", p.MIME, p.Data)
			}

			content = append(content, oaRespContent{Type: "input_image", ImageURL: url})
		case chat.ToolResultPart:
			if p.CallID == "" {
				return nil, &RequestError{Format: "openai-responses", Reason: "tool result without call id"}
			}

			flushContent()
			items = append(items, oaRespItem{
				Type:   "function_call_output",
				CallID: p.CallID,
				Output: toolResultText(p.Content),
			})
		default:
			return nil, &RequestError{Format: "openai-responses", Reason: fmt.Sprintf("unsupported part %T", part)}
		}
	}

	flushContent()

	return items, nil
}

func (p *openAIResponsesProvider) StreamChat(ctx context.Context, req *chat.Request) (<-chan chat.StreamDelta, error) {
	wireReq, err := buildOpenAIResponsesRequest(req)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("marshal openai-responses request: %w", err)
	}

	stream, err := p.client.postStream(ctx, p.client.url("/v1/responses"), p.headers(), body)
	if err != nil {
		return nil, err
	}

	out := make(chan chat.StreamDelta)
	go consumeStream(ctx, stream, newResponsesStreamParser(), out)

	return out, nil
}

// responsesStreamParser demultiplexes the typed response.* event stream.
// Reasoning-summary deltas and output-text deltas arrive as distinct event
// types and must map to thinking vs text deltas respectively.
type responsesStreamParser struct {
	callIDs   map[string]string // item id -> call id
	reasoning []byte
	sawTool   bool
}

func newResponsesStreamParser() *responsesStreamParser {
	return &responsesStreamParser{callIDs: make(map[string]string)}
}

type oaRespStreamEvent struct {
	Type   string `json:"type"`
	Delta  string `json:"delta"`
	ItemID string `json:"item_id"`

	Item *struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		CallID string `json:"call_id"`
		Name   string `json:"name"`
	} `json:"item"`

	Response *struct {
		Status            string `json:"status"`
		IncompleteDetails *struct {
			Reason string `json:"reason"`
		} `json:"incomplete_details"`
	} `json:"response"`

	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (rp *responsesStreamParser) parse(ev sseEvent) ([]chat.StreamDelta, error) {
	var event oaRespStreamEvent
	if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
		return nil, &ProtocolError{Format: "openai-responses", Context: "decode stream event", Err: err}
	}

	eventType := event.Type
	if eventType == "" {
		eventType = ev.Event
	}

	switch eventType {
	case "response.output_text.delta":
		return []chat.StreamDelta{chat.TextDelta(event.Delta)}, nil

	case "response.reasoning_summary_text.delta":
		rp.reasoning = append(rp.reasoning, event.Delta...)
		return []chat.StreamDelta{{Kind: chat.DeltaThinking, Text: event.Delta}}, nil

	case "response.reasoning_summary_text.done":
		return rp.finalizeReasoning(), nil

	case "response.output_item.added":
		if event.Item == nil || event.Item.Type != "function_call" {
			return nil, nil
		}

		rp.callIDs[event.Item.ID] = event.Item.CallID
		rp.sawTool = true

		return []chat.StreamDelta{{
			Kind:     chat.DeltaToolCallStart,
			CallID:   event.Item.CallID,
			ToolName: event.Item.Name,
		}}, nil

	case "response.function_call_arguments.delta":
		callID, ok := rp.callIDs[event.ItemID]
		if !ok {
			return nil, &ProtocolError{Format: "openai-responses", Context: "arguments for unknown item " + event.ItemID}
		}

		return []chat.StreamDelta{{
			Kind:   chat.DeltaToolCallArgs,
			CallID: callID,
			Args:   event.Delta,
		}}, nil

	case "response.function_call_arguments.done":
		// carries the full argument string already streamed via deltas
		return nil, nil

	case "response.output_item.done":
		if event.Item == nil || event.Item.Type != "function_call" {
			return nil, nil
		}

		return []chat.StreamDelta{{Kind: chat.DeltaToolCallEnd, CallID: event.Item.CallID}}, nil

	case "response.completed", "response.incomplete":
		deltas := rp.finalizeReasoning()

		reason := "end_turn"
		if rp.sawTool {
			reason = "tool_use"
		}

		if event.Response != nil && event.Response.IncompleteDetails != nil &&
			event.Response.IncompleteDetails.Reason == "max_output_tokens" {
			reason = "max_tokens"
		}

		return append(deltas, chat.DoneDelta(reason)), nil

	case "response.failed", "error":
		msg := "upstream failure"
		if event.Error != nil {
			msg = event.Error.Message
		}

		return nil, &ProtocolError{Format: "openai-responses", Context: "upstream error: " + msg}

	default:
		return nil, nil
	}
}

func (rp *responsesStreamParser) finalizeReasoning() []chat.StreamDelta {
	if len(rp.reasoning) == 0 {
		return nil
	}

	text := string(rp.reasoning)
	rp.reasoning = nil

	// Reasoning summaries carry no signature; the endpoint owns replay.
	return []chat.StreamDelta{{
		Kind:     chat.DeltaThinkingDone,
		Thinking: &chat.ThinkingPart{Text: text, Meta: &chat.ThinkingMeta{}},
	}}
}

func (p *openAIResponsesProvider) ListModels(ctx context.Context) ([]chat.Model, error) {
	return listOpenAIModels(ctx, p.client, p.Name(), config.FormatOpenAIResponses)
}
