package anthropic

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/keygate/internal"
)

// anthropicRequest is the Anthropic Messages API request body.
type anthropicRequest struct {
	Model       string         `json:"model"`
	MaxTokens   int            `json:"max_tokens"`
	Messages    []anthropicMsg `json:"messages"`
	System      string         `json:"system,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	TopP        *float64       `json:"top_p,omitempty"`
	StopSeqs    []string       `json:"stop_sequences,omitempty"`
	Metadata    *anthropicMeta `json:"metadata,omitempty"`
}

type anthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicMeta struct {
	UserID string `json:"user_id"`
}

// translateRequest converts an OpenAI-format ChatRequest to an Anthropic
// Messages API request. System messages are lifted into the top-level field.
func translateRequest(req *gateway.ChatRequest, defaultMaxTokens int) *anthropicRequest {
	out := &anthropicRequest{
		Model:       req.Model,
		MaxTokens:   defaultMaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		StopSeqs:    stopSequences(req.Stop),
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	if req.User != "" {
		out.Metadata = &anthropicMeta{UserID: req.User}
	}

	var system []string
	for _, m := range req.Messages {
		text := extractText(m.Content)
		switch m.Role {
		case "system", "developer":
			system = append(system, text)
		case "assistant":
			out.Messages = append(out.Messages, anthropicMsg{Role: "assistant", Content: text})
		default:
			out.Messages = append(out.Messages, anthropicMsg{Role: "user", Content: text})
		}
	}
	out.System = strings.Join(system, "\n\n")
	return out
}

// translateResponse converts an Anthropic Messages API JSON response to an
// OpenAI-format ChatResponse. ok is false when no text block exists.
func translateResponse(data []byte, requestModel string) (resp *gateway.ChatResponse, ok bool) {
	result := gjson.ParseBytes(data)

	var text strings.Builder
	found := false
	result.Get("content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			text.WriteString(block.Get("text").String())
			found = true
		}
		return true
	})
	if !found {
		return nil, false
	}

	content, _ := json.Marshal(text.String())
	in := int(result.Get("usage.input_tokens").Int())
	outTok := int(result.Get("usage.output_tokens").Int())

	model := result.Get("model").String()
	if model == "" {
		model = requestModel
	}

	return &gateway.ChatResponse{
		ID:     result.Get("id").String(),
		Object: "chat.completion",
		Model:  model,
		Choices: []gateway.Choice{{
			Index:        0,
			Message:      gateway.Message{Role: "assistant", Content: content},
			FinishReason: mapStopReason(result.Get("stop_reason").String()),
		}},
		Usage: &gateway.Usage{PromptTokens: in, CompletionTokens: outTok, TotalTokens: in + outTok},
	}, true
}

// mapStopReason converts Anthropic stop reasons to OpenAI finish reasons.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence", "":
		return "stop"
	case "max_tokens":
		return "length"
	case "refusal":
		return "content_filter"
	default:
		return reason
	}
}

func stopSequences(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return []string{s}
	}
	var ss []string
	if json.Unmarshal(raw, &ss) == nil {
		return ss
	}
	return nil
}

// extractText flattens a string or content-part array into plain text.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var b strings.Builder
	gjson.ParseBytes(raw).ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" {
			b.WriteString(part.Get("text").String())
		}
		return true
	})
	return b.String()
}
