package chat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartFromMap_Tagged(t *testing.T) {
	tests := []struct {
		name string
		obj  map[string]any
		want string
	}{
		{
			name: "text",
			obj:  map[string]any{"type": "text", "text": "hi"},
			want: "text",
		},
		{
			name: "tool call",
			obj:  map[string]any{"type": "tool_call", "callId": "c1", "name": "f", "input": map[string]any{}},
			want: "tool_call",
		},
		{
			name: "thinking",
			obj:  map[string]any{"type": "thinking", "value": "hmm"},
			want: "thinking",
		},
		{
			name: "image",
			obj:  map[string]any{"type": "image", "mime": "image/png", "data": "xx"},
			want: "image",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			part, err := PartFromMap(tt.obj)
			require.NoError(t, err)
			assert.Equal(t, tt.want, part.PartType())
		})
	}
}

// Parts that crossed a serialization boundary may arrive without their type
// tag; classification then relies on field shape alone.
func TestPartFromMap_Structural(t *testing.T) {
	tests := []struct {
		name string
		obj  map[string]any
		want string
	}{
		{
			name: "thinking via value and metadata",
			obj:  map[string]any{"value": "reasoning", "metadata": map[string]any{"signature": "s"}},
			want: "thinking",
		},
		{
			name: "thinking via value with null metadata",
			obj:  map[string]any{"value": "reasoning", "metadata": nil},
			want: "thinking",
		},
		{
			name: "thinking via lone value",
			obj:  map[string]any{"value": "reasoning"},
			want: "thinking",
		},
		{
			name: "tool call via callId name input",
			obj:  map[string]any{"callId": "c1", "name": "get_weather", "input": map[string]any{"city": "Oslo"}},
			want: "tool_call",
		},
		{
			name: "tool result via callId content",
			obj:  map[string]any{"callId": "c1", "content": "ok"},
			want: "tool_result",
		},
		{
			name: "text",
			obj:  map[string]any{"text": "hello"},
			want: "text",
		},
		{
			name: "image via mime",
			obj:  map[string]any{"mime": "image/jpeg", "data": "xx"},
			want: "image",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			part, err := PartFromMap(tt.obj)
			require.NoError(t, err)
			assert.Equal(t, tt.want, part.PartType())
		})
	}
}

func TestPartFromMap_Unknown(t *testing.T) {
	_, err := PartFromMap(map[string]any{"whatever": 1})
	assert.ErrorIs(t, err, ErrUnknownPart)

	_, err = PartFromMap(map[string]any{"type": "nonsense"})
	assert.ErrorIs(t, err, ErrUnknownPart)
}

func TestAsThinkingPart(t *testing.T) {
	concrete := ThinkingPart{Text: "t", Meta: &ThinkingMeta{Signature: "s"}}

	got, ok := AsThinkingPart(concrete)
	require.True(t, ok)
	assert.Equal(t, "t", got.Text)

	got, ok = AsThinkingPart(&concrete)
	require.True(t, ok)
	assert.Equal(t, "s", got.Meta.Signature)

	got, ok = AsThinkingPart(map[string]any{"value": "t2", "metadata": map[string]any{"redacted": true, "data": "blob"}})
	require.True(t, ok)
	assert.Equal(t, "t2", got.Text)
	require.NotNil(t, got.Meta)
	assert.True(t, got.Meta.Redacted)
	assert.Equal(t, "blob", got.Meta.Data)

	_, ok = AsThinkingPart(TextPart{Text: "nope"})
	assert.False(t, ok)

	_, ok = AsThinkingPart(map[string]any{"callId": "c", "name": "f", "input": map[string]any{}})
	assert.False(t, ok)
}

func TestAsToolCallPart(t *testing.T) {
	concrete := ToolCallPart{CallID: "c1", Name: "f", Input: json.RawMessage(`{}`)}

	got, ok := AsToolCallPart(concrete)
	require.True(t, ok)
	assert.Equal(t, "c1", got.CallID)

	got, ok = AsToolCallPart(map[string]any{"callId": "c2", "name": "g", "input": map[string]any{"a": 1}})
	require.True(t, ok)
	assert.Equal(t, "c2", got.CallID)
	assert.Equal(t, "g", got.Name)

	_, ok = AsToolCallPart(map[string]any{"callId": "c3", "content": "result"})
	assert.False(t, ok)

	_, ok = AsToolCallPart(ThinkingPart{Text: "t"})
	assert.False(t, ok)
}
