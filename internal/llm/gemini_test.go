package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestToContentsMapsRoles(t *testing.T) {
	t.Parallel()
	contents, err := toContents([]Message{
		{Role: RoleUser, Content: "I want a payment link"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "create_payment_link", Arguments: json.RawMessage(`{"amount_minor":5000}`)}}},
		{Role: RoleTool, ToolCallID: "c1", ToolName: "create_payment_link", Content: `{"url":"https://pay.example/abc"}`},
		{Role: RoleTool, ToolCallID: "c2", ToolName: "book_appointment", Content: "not json"},
	})
	require.NoError(t, err)
	require.Len(t, contents, 4)
	assert.Equal(t, string(genai.RoleUser), contents[0].Role)
	assert.Equal(t, string(genai.RoleModel), contents[1].Role)
	call := contents[1].Parts[0].FunctionCall
	require.NotNil(t, call)
	assert.Equal(t, "create_payment_link", call.Name)
	assert.Equal(t, "c1", call.ID)
	assert.EqualValues(t, 5000, call.Args["amount_minor"])
	resp := contents[2].Parts[0].FunctionResponse
	require.NotNil(t, resp)
	assert.Equal(t, "https://pay.example/abc", resp.Response["url"])
	assert.Equal(t, "not json", contents[3].Parts[0].FunctionResponse.Response["result"])
}

func TestToContentsRejectsUnknownRole(t *testing.T) {
	t.Parallel()
	_, err := toContents([]Message{{Role: "system", Content: "x"}})
	assert.Error(t, err)
}

func TestFromResponse(t *testing.T) {
	t.Parallel()
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{
				Role: string(genai.RoleModel),
				Parts: []*genai.Part{
					{Text: "thinking...", Thought: true},
					{Text: "Let me book that. "},
					{FunctionCall: &genai.FunctionCall{ID: "c9", Name: "book_appointment", Args: map[string]any{"treatment": "implant"}}},
				},
			},
		}},
	}
	out, err := fromResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, "Let me book that.", out.Text)
	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, "book_appointment", out.ToolCalls[0].Name)
	assert.JSONEq(t, `{"treatment":"implant"}`, string(out.ToolCalls[0].Arguments))

	_, err = fromResponse(&genai.GenerateContentResponse{})
	assert.Error(t, err)
}

func TestToDeclarations(t *testing.T) {
	t.Parallel()
	decls := toDeclarations([]ToolSpec{{Name: "request_human_handoff", Description: "d", Parameters: map[string]any{"type": "object"}}})
	require.Len(t, decls, 1)
	assert.Equal(t, "request_human_handoff", decls[0].Name)
	assert.NotNil(t, decls[0].ParametersJsonSchema)
}
