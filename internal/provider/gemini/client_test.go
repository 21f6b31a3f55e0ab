package gemini

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	gateway "github.com/eugener/keygate/internal"
)

func TestTranslateChat(t *testing.T) {
	t.Parallel()

	temp := 0.5
	maxTok := 100
	req := &gateway.ChatRequest{
		Model: "gemini-2.0-flash",
		Messages: []gateway.Message{
			{Role: "system", Content: json.RawMessage(`"be brief"`)},
			{Role: "user", Content: json.RawMessage(`"hi"`)},
			{Role: "assistant", Content: json.RawMessage(`[{"type":"text","text":"hello"}]`)},
		},
		Temperature: &temp,
		MaxTokens:   &maxTok,
		Stop:        json.RawMessage(`"END"`),
	}

	got := translateChat(req)
	if got.SystemInstruction == nil || got.SystemInstruction.Parts[0].Text != "be brief" {
		t.Errorf("systemInstruction = %+v", got.SystemInstruction)
	}
	if len(got.Contents) != 2 {
		t.Fatalf("contents len = %d, want 2", len(got.Contents))
	}
	if got.Contents[1].Role != "model" || got.Contents[1].Parts[0].Text != "hello" {
		t.Errorf("assistant content = %+v", got.Contents[1])
	}
	if *got.GenerationConfig.MaxOutputTokens != 100 || *got.GenerationConfig.Temperature != 0.5 {
		t.Errorf("generationConfig = %+v", got.GenerationConfig)
	}
	if len(got.GenerationConfig.StopSequences) != 1 || got.GenerationConfig.StopSequences[0] != "END" {
		t.Errorf("stopSequences = %v", got.GenerationConfig.StopSequences)
	}
}

func TestTranslateImage(t *testing.T) {
	t.Parallel()

	got := translateImage(&gateway.ImageRequest{Prompt: "a fox", Size: "1792x1024"})
	mods := got.GenerationConfig.ResponseModalities
	if len(mods) != 2 || mods[0] != "TEXT" || mods[1] != "IMAGE" {
		t.Errorf("responseModalities = %v", mods)
	}
	if got.GenerationConfig.ImageConfig == nil || got.GenerationConfig.ImageConfig.AspectRatio != "16:9" {
		t.Errorf("imageConfig = %+v", got.GenerationConfig.ImageConfig)
	}
	if got.Contents[0].Parts[0].Text != "a fox" {
		t.Errorf("prompt = %q", got.Contents[0].Parts[0].Text)
	}

	if noSize := translateImage(&gateway.ImageRequest{Prompt: "x"}); noSize.GenerationConfig.ImageConfig != nil {
		t.Error("imageConfig should be omitted without size")
	}

	native := translateImage(&gateway.ImageRequest{Prompt: "x", Size: "1024x1024", AspectRatio: "4:3", Resolution: "2K"})
	if ic := native.GenerationConfig.ImageConfig; ic == nil || ic.AspectRatio != "4:3" || ic.ImageSize != "2K" {
		t.Errorf("native imageConfig = %+v", ic)
	}
}

func TestSupportsAndImageCap(t *testing.T) {
	t.Parallel()

	c := New(nil)
	for _, k := range []gateway.CallKind{gateway.KindChat, gateway.KindImage, gateway.KindSpeech} {
		if !c.Supports(k) {
			t.Errorf("Supports(%s) = false", k)
		}
	}
	if c.Supports(gateway.KindTranscription) {
		t.Error("Supports(transcription) = true")
	}
	if c.MaxImagesPerCall() != 1 {
		t.Errorf("MaxImagesPerCall = %d, want 1", c.MaxImagesPerCall())
	}
}

func TestChat(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-2.0-flash:generateContent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("x-goog-api-key"); got != "g-key" {
			t.Errorf("x-goog-api-key = %q", got)
		}
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"Hel"},{"text":"lo"}]},"finishReason":"MAX_TOKENS"}],
			"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":2,"totalTokenCount":7}}`)
	}))
	defer srv.Close()

	resp, err := New(srv.Client()).Chat(context.Background(), gateway.Upstream{APIKey: "g-key", BaseURL: srv.URL},
		&gateway.ChatRequest{Model: "gemini-2.0-flash", Messages: []gateway.Message{{Role: "user", Content: json.RawMessage(`"hi"`)}}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.ID == "" || resp.Created == 0 || resp.Object != "chat.completion" {
		t.Errorf("required fields missing: %+v", resp)
	}
	if string(resp.Choices[0].Message.Content) != `"Hello"` {
		t.Errorf("content = %s", resp.Choices[0].Message.Content)
	}
	if resp.Choices[0].FinishReason != "length" {
		t.Errorf("finish_reason = %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage.TotalTokens != 7 {
		t.Errorf("total_tokens = %d", resp.Usage.TotalTokens)
	}
}

func TestChat_NoCandidates(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"candidates":[]}`)
	}))
	defer srv.Close()

	_, err := New(srv.Client()).Chat(context.Background(), gateway.Upstream{BaseURL: srv.URL},
		&gateway.ChatRequest{Model: "m", Messages: []gateway.Message{{Role: "user", Content: json.RawMessage(`"hi"`)}}})
	if !errors.Is(err, gateway.ErrNoPayload) {
		t.Fatalf("err = %v, want ErrNoPayload", err)
	}
}

func TestImage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		gc := body["generationConfig"].(map[string]any)
		if mods := gc["responseModalities"].([]any); len(mods) != 2 {
			t.Errorf("responseModalities = %v", mods)
		}
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[
			{"text":"here is your image"},
			{"inlineData":{"mimeType":"image/png","data":"iVBORw0KGgo="}}]}}]}`)
	}))
	defer srv.Close()

	resp, err := New(srv.Client()).Image(context.Background(), gateway.Upstream{BaseURL: srv.URL},
		&gateway.ImageRequest{Model: "gemini-3-pro-image-preview", Prompt: "a fox"})
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	if resp.Created == 0 || len(resp.Data) != 1 || resp.Data[0].B64JSON != "iVBORw0KGgo=" || resp.Data[0].MIMEType != "image/png" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestImage_TextOnlyIsNoPayload(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"I cannot draw that"}]}}]}`)
	}))
	defer srv.Close()

	_, err := New(srv.Client()).Image(context.Background(), gateway.Upstream{BaseURL: srv.URL},
		&gateway.ImageRequest{Model: "m", Prompt: "x"})
	if !errors.Is(err, gateway.ErrNoPayload) {
		t.Fatalf("err = %v, want ErrNoPayload", err)
	}
	if c := gateway.Classify(err); c.Status != http.StatusBadGateway {
		t.Errorf("Classify status = %d, want 502", c.Status)
	}
}

func TestSpeech_WrapsPCM(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 0, 2, 0, 3, 0}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if got := body.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Kore" {
			t.Errorf("voiceName = %q", got)
		}
		fmt.Fprintf(w, `{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"audio/L16;codec=pcm;rate=24000","data":%q}}]}}]}`,
			base64.StdEncoding.EncodeToString(pcm))
	}))
	defer srv.Close()

	resp, err := New(srv.Client()).Speech(context.Background(), gateway.Upstream{BaseURL: srv.URL},
		&gateway.SpeechRequest{Model: "gemini-2.5-flash-preview-tts", Input: "hello"})
	if err != nil {
		t.Fatalf("Speech: %v", err)
	}
	if resp.ContentType != "audio/wav" {
		t.Errorf("content type = %q", resp.ContentType)
	}
	if len(resp.Audio) != 44+len(pcm) || string(resp.Audio[:4]) != "RIFF" {
		t.Fatalf("audio len = %d", len(resp.Audio))
	}
	if rate := binary.LittleEndian.Uint32(resp.Audio[24:]); rate != 24000 {
		t.Errorf("sample rate = %d", rate)
	}
}

func TestSpeech_NoAudio(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"no"}]}}]}`)
	}))
	defer srv.Close()

	_, err := New(srv.Client()).Speech(context.Background(), gateway.Upstream{BaseURL: srv.URL},
		&gateway.SpeechRequest{Model: "m", Input: "x"})
	if !errors.Is(err, gateway.ErrNoPayload) {
		t.Fatalf("err = %v, want ErrNoPayload", err)
	}
}

func TestMapStopReason(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"STOP":       "stop",
		"":           "stop",
		"MAX_TOKENS": "length",
		"SAFETY":     "content_filter",
		"RECITATION": "content_filter",
		"OTHER":      "other",
	}
	for in, want := range tests {
		if got := mapStopReason(in); got != want {
			t.Errorf("mapStopReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPCMRate(t *testing.T) {
	t.Parallel()

	if rate, ok := pcmRate("audio/L16;codec=pcm;rate=16000"); !ok || rate != 16000 {
		t.Errorf("pcmRate = %d, %v", rate, ok)
	}
	if _, ok := pcmRate("audio/mpeg"); ok {
		t.Error("mpeg should not be treated as PCM")
	}
}
