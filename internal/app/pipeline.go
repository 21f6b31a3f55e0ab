// Package app holds the request pipeline and the services it drives: product
// routing and parameter policy.
package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/eugener/keygate/internal"
	"github.com/eugener/keygate/internal/ratelimit"
	"github.com/eugener/keygate/internal/telemetry"
)

// DefaultUpstreamTimeout bounds one upstream call when the product sets none.
const DefaultUpstreamTimeout = 30 * time.Second

// UsageRecorder receives one record per admitted request. Record must not block.
type UsageRecorder interface {
	Record(gateway.UsageRecord)
}

// Inbound is a call as received by the transport: the path product plus the
// raw credentials, whose Body holds the JSON request. For multipart uploads
// Upload carries the parsed form and Body holds auth.FormBody of its fields.
type Inbound struct {
	Product     string
	Credentials gateway.Credentials
	Upload      *gateway.TranscriptionRequest
}

// PipelineDeps holds the collaborators of a Pipeline.
type PipelineDeps struct {
	Auth           gateway.Authenticator
	Router         *RouterService
	Policy         *Policy            // nil = package defaults
	Limiter        ratelimit.Limiter
	Usage          UsageRecorder      // nil = no usage log
	Metrics        *telemetry.Metrics // nil = no metrics
	DefaultTimeout time.Duration      // 0 = DefaultUpstreamTimeout
}

// Pipeline runs every call through the same sequence of stages:
//
//	Received -> Authenticated -> ProductResolved -> ParamsValidated ->
//	RateLimitChecked -> UpstreamInvoked -> Succeeded | Failed
//
// Any failing stage ends the call. The upstream adapter is invoked at most
// once; there is no retry and no fallback to another provider.
type Pipeline struct {
	deps   PipelineDeps
	tracer trace.Tracer
	now    func() time.Time
}

// NewPipeline creates a Pipeline.
func NewPipeline(d PipelineDeps) *Pipeline {
	if d.Policy == nil {
		d.Policy = NewPolicy(PolicyConfig{})
	}
	if d.DefaultTimeout <= 0 {
		d.DefaultTimeout = DefaultUpstreamTimeout
	}
	return &Pipeline{deps: d, tracer: telemetry.Tracer("keygate/pipeline"), now: time.Now}
}

// Chat runs a chat completion call.
func (p *Pipeline) Chat(ctx context.Context, in Inbound) (*gateway.ChatResponse, error) {
	return run(ctx, p, in, chatCall)
}

// Image runs an image generation call.
func (p *Pipeline) Image(ctx context.Context, in Inbound) (*gateway.ImageResponse, error) {
	return run(ctx, p, in, imageCall)
}

// Speech runs a text-to-speech call.
func (p *Pipeline) Speech(ctx context.Context, in Inbound) (*gateway.SpeechResponse, error) {
	return run(ctx, p, in, speechCall)
}

// Transcribe runs an audio transcription call. in.Upload must be set.
func (p *Pipeline) Transcribe(ctx context.Context, in Inbound) (*gateway.TranscriptionResponse, error) {
	return run(ctx, p, in, transcriptionCall)
}

// GeminiImage runs the Gemini-native image call. The body is
// {"model","prompt","config":{"resolution","aspect_ratio","model"}} and the
// selected provider must use the gemini adapter.
func (p *Pipeline) GeminiImage(ctx context.Context, in Inbound) (*GeminiImage, error) {
	resolution := DefaultGeminiResolution
	plan := imageCall
	plan.adapter = "gemini"
	plan.decode = func(raw Inbound, req *gateway.ImageRequest) error {
		if err := decodeGeminiImage(raw.Credentials.Body, req); err != nil {
			return err
		}
		if req.Resolution != "" {
			resolution = req.Resolution
		}
		return nil
	}

	resp, err := run(ctx, p, in, plan)
	if err != nil {
		return nil, err
	}
	img := resp.Data[0]
	if img.B64JSON == "" {
		return nil, fmt.Errorf("%w: no inline image data", gateway.ErrNoPayload)
	}
	return &GeminiImage{Format: imageFormat(img.MIMEType), Data: img.B64JSON, Resolution: pixelSize(resolution)}, nil
}

// callPlan binds the kind-specific pieces of a call to the shared stages.
type callPlan[Req, Resp any] struct {
	kind     gateway.CallKind
	adapter  string // required adapter tag; empty = any
	decode   func(Inbound, *Req) error
	model    func(*Req) string
	stream   func(*Req) bool
	validate func(*Policy, *gateway.ProductConfig, *Req) error
	check    func(gateway.Adapter, *Req) error // nil = no adapter-specific limits
	invoke   func(gateway.Adapter, context.Context, gateway.Upstream, *Req) (*Resp, error)
	usage    func(*Resp) *gateway.Usage
}

var chatCall = callPlan[gateway.ChatRequest, gateway.ChatResponse]{
	kind:     gateway.KindChat,
	decode:   decodeJSON[gateway.ChatRequest],
	model:    func(r *gateway.ChatRequest) string { return r.Model },
	stream:   func(r *gateway.ChatRequest) bool { return r.Stream },
	validate: (*Policy).ValidateChat,
	invoke:   gateway.Adapter.Chat,
	usage:    func(r *gateway.ChatResponse) *gateway.Usage { return r.Usage },
}

var imageCall = callPlan[gateway.ImageRequest, gateway.ImageResponse]{
	kind:     gateway.KindImage,
	decode:   decodeJSON[gateway.ImageRequest],
	model:    func(r *gateway.ImageRequest) string { return r.Model },
	stream:   func(r *gateway.ImageRequest) bool { return r.Stream },
	validate: (*Policy).ValidateImage,
	check:    checkImageCap,
	invoke:   gateway.Adapter.Image,
	usage:    func(*gateway.ImageResponse) *gateway.Usage { return nil },
}

var speechCall = callPlan[gateway.SpeechRequest, gateway.SpeechResponse]{
	kind:     gateway.KindSpeech,
	decode:   decodeJSON[gateway.SpeechRequest],
	model:    func(r *gateway.SpeechRequest) string { return r.Model },
	stream:   func(r *gateway.SpeechRequest) bool { return r.Stream },
	validate: (*Policy).ValidateSpeech,
	invoke:   gateway.Adapter.Speech,
	usage:    func(*gateway.SpeechResponse) *gateway.Usage { return nil },
}

var transcriptionCall = callPlan[gateway.TranscriptionRequest, gateway.TranscriptionResponse]{
	kind:     gateway.KindTranscription,
	decode:   decodeUpload,
	model:    func(r *gateway.TranscriptionRequest) string { return r.Model },
	stream:   func(r *gateway.TranscriptionRequest) bool { return r.Stream },
	validate: (*Policy).ValidateTranscription,
	check: func(a gateway.Adapter, _ *gateway.TranscriptionRequest) error {
		if _, ok := a.(gateway.Transcriber); !ok {
			return fmt.Errorf("%w: %s does not transcribe audio", gateway.ErrUnsupportedCall, a.Name())
		}
		return nil
	},
	invoke: func(a gateway.Adapter, ctx context.Context, up gateway.Upstream, req *gateway.TranscriptionRequest) (*gateway.TranscriptionResponse, error) {
		t, ok := a.(gateway.Transcriber)
		if !ok {
			return nil, fmt.Errorf("%w: %s does not transcribe audio", gateway.ErrUnsupportedCall, a.Name())
		}
		return t.Transcribe(ctx, up, req)
	},
	usage: func(r *gateway.TranscriptionResponse) *gateway.Usage { return r.Usage },
}

// outcome accumulates what the stages learned for logging and usage.
type outcome struct {
	kind     gateway.CallKind
	product  string
	model    string
	provider string
	auth     *gateway.AuthContext
	admitted bool
	usage    *gateway.Usage
	upstream time.Duration
}

func run[Req, Resp any](ctx context.Context, p *Pipeline, in Inbound, plan callPlan[Req, Resp]) (_ *Resp, err error) {
	start := p.now()
	ctx, span := p.tracer.Start(ctx, "pipeline."+string(plan.kind),
		trace.WithAttributes(attribute.String("keygate.product", in.Product)))
	out := &outcome{kind: plan.kind, product: in.Product}
	defer func() {
		endSpan(span, err)
		p.finish(ctx, out, start, err)
	}()

	// Received
	req := new(Req)
	if err := plan.decode(in, req); err != nil {
		return nil, err
	}
	out.model = plan.model(req)
	if plan.stream(req) {
		return nil, gateway.ErrStreamingUnsupported
	}

	// Authenticated
	sctx, s := p.tracer.Start(ctx, "pipeline.authenticate")
	ac, err := p.deps.Auth.Verify(sctx, in.Credentials)
	if err == nil && ac.ProductScope != "" && ac.ProductScope != in.Product {
		err = fmt.Errorf("%w: credential scoped to product %q", gateway.ErrForbidden, ac.ProductScope)
	}
	endSpan(s, err)
	if err != nil {
		return nil, err
	}
	out.auth = ac
	ctx = gateway.ContextWithAuth(ctx, ac)

	// ProductResolved
	product, err := p.deps.Router.Product(in.Product)
	if err != nil {
		return nil, err
	}
	adapter, pc, err := p.deps.Router.Select(in.Product, out.model)
	if err != nil {
		return nil, err
	}
	out.provider = pc.Name
	span.SetAttributes(attribute.String("keygate.provider", pc.Name), attribute.String("keygate.model", out.model))

	// ParamsValidated
	if err := plan.validate(p.deps.Policy, product, req); err != nil {
		return nil, err
	}
	if !adapter.Supports(plan.kind) {
		return nil, fmt.Errorf("%w: %s does not serve %s", gateway.ErrUnsupportedCall, pc.Name, plan.kind)
	}
	if plan.adapter != "" && adapter.Name() != plan.adapter {
		return nil, fmt.Errorf("%w: %s is not a %s provider", gateway.ErrUnsupportedCall, pc.Name, plan.adapter)
	}
	if plan.check != nil {
		if err := plan.check(adapter, req); err != nil {
			return nil, err
		}
	}

	// RateLimitChecked
	_, s = p.tracer.Start(ctx, "pipeline.ratelimit")
	res, err := ratelimit.CheckAndConsume(ctx, p.deps.Limiter, ratelimit.Key{Product: in.Product, Identity: ac.Identity})
	endSpan(s, err)
	if err != nil {
		if !res.Allowed && res.Reason != ratelimit.ReasonNone && p.deps.Metrics != nil {
			p.deps.Metrics.RateLimitRejects.WithLabelValues(res.Reason.String()).Inc()
		}
		return nil, err
	}
	out.admitted = true

	// UpstreamInvoked
	timeout := product.Timeout
	if timeout <= 0 {
		timeout = p.deps.DefaultTimeout
	}
	uctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	uctx, s = p.tracer.Start(uctx, "pipeline.upstream",
		trace.WithAttributes(attribute.String("keygate.adapter", adapter.Name())))
	upStart := p.now()
	resp, err := plan.invoke(adapter, uctx, gateway.Upstream{APIKey: pc.APIKey, BaseURL: pc.BaseURL}, req)
	out.upstream = p.now().Sub(upStart)
	if err == nil && resp == nil {
		err = gateway.ErrNoPayload
	}
	if err != nil && errors.Is(uctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%w after %s: %w", gateway.ErrUpstreamTimeout, timeout, err)
	}
	endSpan(s, err)
	p.observeUpstream(pc.Name, plan.kind, out.upstream, err)
	if err != nil {
		return nil, err
	}

	out.usage = plan.usage(resp)
	return resp, nil
}

func decodeJSON[Req any](in Inbound, req *Req) error {
	return decodeStrict(in.Credentials.Body, req)
}

func decodeUpload(in Inbound, req *gateway.TranscriptionRequest) error {
	if in.Upload == nil {
		return fmt.Errorf("%w: multipart/form-data upload required", gateway.ErrBadRequest)
	}
	*req = *in.Upload
	return nil
}

// decodeStrict unmarshals one JSON value and rejects anything after it.
func decodeStrict(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", gateway.ErrBadRequest, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid request body: trailing data", gateway.ErrBadRequest)
	}
	return nil
}

// Gemini-native image defaults.
const (
	DefaultGeminiImageModel = "gemini-3-pro-image-preview"
	DefaultGeminiResolution = "1K"
)

// GeminiImage is the result of the Gemini-native image call.
type GeminiImage struct {
	Format     string // png, jpeg, ...
	Data       string // base64
	Resolution string // e.g. 1024x1024
}

type geminiImageBody struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Config *struct {
		Resolution  string `json:"resolution"`
		AspectRatio string `json:"aspect_ratio"`
		Model       string `json:"model"`
	} `json:"config"`
}

var geminiResolutions = map[string]string{
	"1K": "1024x1024",
	"2K": "2048x2048",
	"4K": "4096x4096",
}

// decodeGeminiImage maps the native body onto a canonical ImageRequest.
// config.model overrides model; an absent model uses DefaultGeminiImageModel.
func decodeGeminiImage(body []byte, req *gateway.ImageRequest) error {
	var b geminiImageBody
	if err := decodeStrict(body, &b); err != nil {
		return err
	}
	*req = gateway.ImageRequest{Model: b.Model, Prompt: b.Prompt, Stream: b.Stream}
	if c := b.Config; c != nil {
		if c.Model != "" {
			req.Model = c.Model
		}
		if c.Resolution != "" {
			if _, ok := geminiResolutions[c.Resolution]; !ok {
				return fmt.Errorf("%w: resolution must be 1K, 2K or 4K", gateway.ErrBadRequest)
			}
		}
		req.Resolution = c.Resolution
		req.AspectRatio = c.AspectRatio
	}
	if req.Model == "" {
		req.Model = DefaultGeminiImageModel
	}
	return nil
}

func pixelSize(resolution string) string {
	if px, ok := geminiResolutions[resolution]; ok {
		return px
	}
	return resolution
}

// imageFormat turns a MIME type such as image/png into png.
func imageFormat(mime string) string {
	if _, sub, ok := strings.Cut(mime, "/"); ok && sub != "" {
		return sub
	}
	return "png"
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (p *Pipeline) observeUpstream(provider string, kind gateway.CallKind, d time.Duration, err error) {
	m := p.deps.Metrics
	if m == nil {
		return
	}
	m.UpstreamDuration.WithLabelValues(provider, string(kind)).Observe(d.Seconds())
	if err != nil {
		m.UpstreamErrors.WithLabelValues(provider, string(kind)).Inc()
	}
}

// finish logs the outcome, counts tokens and enqueues a usage record for
// admitted calls.
func (p *Pipeline) finish(ctx context.Context, out *outcome, start time.Time, err error) {
	status := http.StatusOK
	var cls gateway.Classification
	if err != nil {
		cls = gateway.Classify(err)
		status = cls.Status
	}
	latency := p.now().Sub(start)

	identity, method := "", ""
	if out.auth != nil {
		identity, method = out.auth.Identity, string(out.auth.Method)
	}

	attrs := []slog.Attr{
		slog.String("request_id", gateway.RequestIDFromContext(ctx)),
		slog.String("kind", string(out.kind)),
		slog.String("product", out.product),
		slog.String("model", out.model),
		slog.String("provider", out.provider),
		slog.String("identity", identity),
		slog.Int("status", status),
		slog.Int64("latency_ms", latency.Milliseconds()),
	}
	switch {
	case err == nil:
		slog.LogAttrs(ctx, slog.LevelInfo, "call completed", attrs...)
	case cls.Kind == gateway.ErrorInternal || cls.Kind == gateway.ErrorUpstream || cls.Kind == gateway.ErrorTimeout:
		slog.LogAttrs(ctx, slog.LevelWarn, "call failed", append(attrs, slog.String("error", err.Error()))...)
	default:
		slog.LogAttrs(ctx, slog.LevelInfo, "call rejected", append(attrs, slog.String("error", err.Error()))...)
	}

	if out.usage != nil && p.deps.Metrics != nil {
		p.deps.Metrics.TokensProcessed.WithLabelValues(out.model, "prompt").Add(float64(out.usage.PromptTokens))
		p.deps.Metrics.TokensProcessed.WithLabelValues(out.model, "completion").Add(float64(out.usage.CompletionTokens))
	}

	if !out.admitted || p.deps.Usage == nil {
		return
	}
	rec := gateway.UsageRecord{
		RequestID:  gateway.RequestIDFromContext(ctx),
		Product:    out.product,
		Identity:   identity,
		AuthMethod: method,
		CallKind:   string(out.kind),
		Model:      out.model,
		Provider:   out.provider,
		StatusCode: status,
		LatencyMs:  int(latency.Milliseconds()),
		CreatedAt:  start.UTC(),
	}
	if out.usage != nil {
		rec.PromptTokens = out.usage.PromptTokens
		rec.CompletionTokens = out.usage.CompletionTokens
		rec.TotalTokens = out.usage.TotalTokens
	}
	p.deps.Usage.Record(rec)
}
