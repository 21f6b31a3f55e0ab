package gemini

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/keygate/internal"
)

// geminiRequest is the Gemini generateContent request body.
type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature        *float64            `json:"temperature,omitempty"`
	TopP               *float64            `json:"topP,omitempty"`
	MaxOutputTokens    *int                `json:"maxOutputTokens,omitempty"`
	StopSequences      []string            `json:"stopSequences,omitempty"`
	PresencePenalty    *float64            `json:"presencePenalty,omitempty"`
	FrequencyPenalty   *float64            `json:"frequencyPenalty,omitempty"`
	Seed               *int                `json:"seed,omitempty"`
	ResponseMimeType   string              `json:"responseMimeType,omitempty"`
	ResponseModalities []string            `json:"responseModalities,omitempty"`
	ImageConfig        *geminiImageConfig  `json:"imageConfig,omitempty"`
	SpeechConfig       *geminiSpeechConfig `json:"speechConfig,omitempty"`
}

type geminiImageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
	ImageSize   string `json:"imageSize,omitempty"`
}

type geminiSpeechConfig struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

// translateChat converts an OpenAI ChatRequest to a Gemini generateContent request.
func translateChat(req *gateway.ChatRequest) *geminiRequest {
	out := &geminiRequest{}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil || len(req.Stop) > 0 ||
		req.PresencePenalty != nil || req.FrequencyPenalty != nil || req.Seed != nil || len(req.ResponseFormat) > 0 {
		out.GenerationConfig = &geminiGenerationConfig{
			Temperature:      req.Temperature,
			TopP:             req.TopP,
			MaxOutputTokens:  req.MaxTokens,
			StopSequences:    stopSequences(req.Stop),
			PresencePenalty:  req.PresencePenalty,
			FrequencyPenalty: req.FrequencyPenalty,
			Seed:             req.Seed,
		}
		if gjson.GetBytes(req.ResponseFormat, "type").String() == "json_object" {
			out.GenerationConfig.ResponseMimeType = "application/json"
		}
	}

	var system []string
	for _, m := range req.Messages {
		text := extractText(m.Content)
		switch m.Role {
		case "system", "developer":
			system = append(system, text)
		case "assistant":
			out.Contents = append(out.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: text}}})
		default:
			out.Contents = append(out.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: text}}})
		}
	}
	if len(system) > 0 {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: strings.Join(system, "\n\n")}}}
	}
	return out
}

// translateImage builds a generateContent request that asks for image output.
func translateImage(req *gateway.ImageRequest) *geminiRequest {
	cfg := &geminiGenerationConfig{ResponseModalities: []string{"TEXT", "IMAGE"}}
	ar := req.AspectRatio
	if ar == "" {
		ar = aspectRatio(req.Size)
	}
	if ar != "" || req.Resolution != "" {
		cfg.ImageConfig = &geminiImageConfig{AspectRatio: ar, ImageSize: req.Resolution}
	}
	return &geminiRequest{
		Contents:         []geminiContent{{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}}},
		GenerationConfig: cfg,
	}
}

// translateSpeech builds a generateContent request that asks for audio output.
func translateSpeech(req *gateway.SpeechRequest) *geminiRequest {
	text := req.Input
	if req.Instructions != "" {
		text = req.Instructions + ": " + req.Input
	}
	cfg := &geminiGenerationConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig:       &geminiSpeechConfig{},
	}
	cfg.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName = voiceName(req.Voice)
	return &geminiRequest{
		Contents:         []geminiContent{{Role: "user", Parts: []geminiPart{{Text: text}}}},
		GenerationConfig: cfg,
	}
}

// translateChatResponse converts a Gemini generateContent JSON response to an
// OpenAI-format ChatResponse. ok is false when no candidate text exists.
func translateChatResponse(data []byte, requestModel string) (resp *gateway.ChatResponse, ok bool) {
	r := gjson.ParseBytes(data)

	var text strings.Builder
	found := false
	r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() {
			text.WriteString(t.String())
			found = true
		}
		return true
	})
	if !found {
		return nil, false
	}

	content, _ := json.Marshal(text.String())
	usage := &gateway.Usage{}
	if u := r.Get("usageMetadata"); u.Exists() {
		usage.PromptTokens = int(u.Get("promptTokenCount").Int())
		usage.CompletionTokens = int(u.Get("candidatesTokenCount").Int())
		usage.TotalTokens = int(u.Get("totalTokenCount").Int())
	}

	model := requestModel
	if v := r.Get("modelVersion").String(); v != "" {
		model = v
	}

	return &gateway.ChatResponse{
		Object: "chat.completion",
		Model:  model,
		Choices: []gateway.Choice{{
			Index:        0,
			Message:      gateway.Message{Role: "assistant", Content: content},
			FinishReason: mapStopReason(r.Get("candidates.0.finishReason").String()),
		}},
		Usage: usage,
	}, true
}

// inlineData is the first candidate part carrying binary data with the given
// MIME prefix.
type inlineData struct {
	MimeType string
	Data     string // base64
}

func findInlineData(data []byte, mimePrefix string) (inlineData, bool) {
	var out inlineData
	found := false
	gjson.GetBytes(data, "candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		d := part.Get("inlineData")
		if !d.Exists() {
			return true
		}
		mime := d.Get("mimeType").String()
		b64 := d.Get("data").String()
		if b64 == "" || !strings.HasPrefix(mime, mimePrefix) {
			return true
		}
		out = inlineData{MimeType: mime, Data: b64}
		found = true
		return false
	})
	return out, found
}

// mapStopReason converts Gemini finish reasons to OpenAI finish reasons.
func mapStopReason(reason string) string {
	switch reason {
	case "STOP", "":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return "content_filter"
	default:
		return strings.ToLower(reason)
	}
}

// aspectRatio maps an OpenAI size ("WxH") to the nearest Gemini aspect ratio.
func aspectRatio(size string) string {
	switch size {
	case "1024x1024", "512x512", "256x256":
		return "1:1"
	case "1792x1024", "1536x1024":
		return "16:9"
	case "1024x1792", "1024x1536":
		return "9:16"
	default:
		return ""
	}
}

// voiceName maps OpenAI voice names onto Gemini prebuilt voices; unknown
// names pass through so callers can pick Gemini voices directly.
func voiceName(voice string) string {
	switch voice {
	case "":
		return "Kore"
	case "alloy":
		return "Zephyr"
	case "echo":
		return "Charon"
	case "fable":
		return "Fenrir"
	case "onyx":
		return "Orus"
	case "nova":
		return "Aoede"
	case "shimmer":
		return "Leda"
	default:
		return voice
	}
}

// stopSequences accepts the OpenAI stop field as a string or string array.
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

// extractText extracts a text string from a JSON content field which may be
// a raw string or a structured content array.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &parts) == nil {
		var b strings.Builder
		for _, p := range parts {
			if p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}
	return string(raw)
}
