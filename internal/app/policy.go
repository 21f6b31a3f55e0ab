package app

import (
	"fmt"
	"unicode/utf8"

	gateway "github.com/eugener/keygate/internal"
)

// Policy defaults.
const (
	DefaultMaxTokensCeiling = 2048
	DefaultTemperatureMin   = 0.0
	DefaultTemperatureMax   = 1.0
	DefaultMaxImages        = 10
	DefaultMaxSpeechInput   = 4096
	DefaultMaxAudioBytes    = 25 << 20
)

// PolicyConfig bounds the parameters callers may send. Zero ints and nil
// temperature bounds take the package defaults; a bound set to 0 is kept.
type PolicyConfig struct {
	MaxTokensCeiling int
	TemperatureMin   *float64
	TemperatureMax   *float64
	MaxImages        int
	MaxSpeechInput   int
	MaxAudioBytes    int
}

// Policy validates canonical requests against a product and the configured
// bounds. It may fill in defaults (max_tokens) but never rewrites values the
// caller supplied.
type Policy struct {
	cfg            PolicyConfig
	tempLo, tempHi float64
}

// NewPolicy returns a Policy with defaults applied to unset fields.
func NewPolicy(cfg PolicyConfig) *Policy {
	if cfg.MaxTokensCeiling <= 0 {
		cfg.MaxTokensCeiling = DefaultMaxTokensCeiling
	}
	if cfg.MaxImages <= 0 {
		cfg.MaxImages = DefaultMaxImages
	}
	if cfg.MaxSpeechInput <= 0 {
		cfg.MaxSpeechInput = DefaultMaxSpeechInput
	}
	if cfg.MaxAudioBytes <= 0 {
		cfg.MaxAudioBytes = DefaultMaxAudioBytes
	}
	p := &Policy{cfg: cfg, tempLo: DefaultTemperatureMin, tempHi: DefaultTemperatureMax}
	if cfg.TemperatureMin != nil {
		p.tempLo = *cfg.TemperatureMin
	}
	if cfg.TemperatureMax != nil {
		p.tempHi = *cfg.TemperatureMax
	}
	return p
}

var chatRoles = map[string]bool{
	"system":    true,
	"developer": true,
	"user":      true,
	"assistant": true,
}

// ValidateChat checks req and injects max_tokens when absent.
func (p *Policy) ValidateChat(product *gateway.ProductConfig, req *gateway.ChatRequest) error {
	if err := p.checkModel(product, req.Model); err != nil {
		return err
	}
	if len(req.Messages) == 0 {
		return badRequest("messages must not be empty")
	}
	for i, m := range req.Messages {
		if !chatRoles[m.Role] {
			return badRequest("messages[%d]: unknown role %q", i, m.Role)
		}
	}

	if req.MaxTokens == nil {
		n := p.cfg.MaxTokensCeiling
		req.MaxTokens = &n
	} else if *req.MaxTokens < 1 || *req.MaxTokens > p.cfg.MaxTokensCeiling {
		return badRequest("max_tokens must be between 1 and %d", p.cfg.MaxTokensCeiling)
	}

	if err := inRange("temperature", req.Temperature, p.tempLo, p.tempHi); err != nil {
		return err
	}
	if err := inRange("top_p", req.TopP, 0, 1); err != nil {
		return err
	}
	if err := inRange("presence_penalty", req.PresencePenalty, -2, 2); err != nil {
		return err
	}
	if err := inRange("frequency_penalty", req.FrequencyPenalty, -2, 2); err != nil {
		return err
	}
	if req.N != nil && *req.N != 1 {
		return badRequest("n must be 1")
	}
	return nil
}

// ValidateImage checks an image generation request.
func (p *Policy) ValidateImage(product *gateway.ProductConfig, req *gateway.ImageRequest) error {
	if err := p.checkModel(product, req.Model); err != nil {
		return err
	}
	if req.Prompt == "" {
		return badRequest("prompt must not be empty")
	}
	if req.N != nil && (*req.N < 1 || *req.N > p.cfg.MaxImages) {
		return badRequest("n must be between 1 and %d", p.cfg.MaxImages)
	}
	return nil
}

// ValidateSpeech checks a text-to-speech request.
func (p *Policy) ValidateSpeech(product *gateway.ProductConfig, req *gateway.SpeechRequest) error {
	if err := p.checkModel(product, req.Model); err != nil {
		return err
	}
	if req.Input == "" {
		return badRequest("input must not be empty")
	}
	if utf8.RuneCountInString(req.Input) > p.cfg.MaxSpeechInput {
		return badRequest("input exceeds %d characters", p.cfg.MaxSpeechInput)
	}
	return inRange("speed", req.Speed, 0.25, 4.0)
}

var transcriptFormats = map[string]bool{
	"json":         true,
	"text":         true,
	"srt":          true,
	"verbose_json": true,
	"vtt":          true,
}

// ValidateTranscription checks an audio upload.
func (p *Policy) ValidateTranscription(product *gateway.ProductConfig, req *gateway.TranscriptionRequest) error {
	if err := p.checkModel(product, req.Model); err != nil {
		return err
	}
	if len(req.File) == 0 {
		return badRequest("file is empty")
	}
	if len(req.File) > p.cfg.MaxAudioBytes {
		return badRequest("file exceeds %d MB", p.cfg.MaxAudioBytes>>20)
	}
	if req.ResponseFormat != "" && !transcriptFormats[req.ResponseFormat] {
		return badRequest("unknown response_format %q", req.ResponseFormat)
	}
	return inRange("temperature", req.Temperature, 0, 1)
}

// checkImageCap rejects n beyond what the adapter can return in one call.
func checkImageCap(a gateway.Adapter, req *gateway.ImageRequest) error {
	c, ok := a.(gateway.ImageCapper)
	if !ok || req.N == nil || *req.N <= c.MaxImagesPerCall() {
		return nil
	}
	return badRequest("n must be at most %d for %s", c.MaxImagesPerCall(), a.Name())
}

func (p *Policy) checkModel(product *gateway.ProductConfig, model string) error {
	if model == "" {
		return badRequest("model is required")
	}
	if !product.AllowsModel(model) {
		return fmt.Errorf("%w: %q", gateway.ErrModelNotAllowed, model)
	}
	return nil
}

func inRange(name string, v *float64, lo, hi float64) error {
	if v == nil {
		return nil
	}
	if *v < lo || *v > hi {
		return badRequest("%s must be between %g and %g", name, lo, hi)
	}
	return nil
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{gateway.ErrBadRequest}, args...)...)
}
