// Package pipeline runs one chat completion end to end: validation,
// authentication, admission, cache lookup, fallback dispatch and accounting.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/apierror"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/ledger"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/metrics"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/router"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/tokens"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/config"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultCompletionAllowance = 256
	DefaultUpstreamTimeout     = 30 * time.Second
)

// Recorder receives finalized request records
type Recorder interface {
	Submit(rec models.RequestRecord) bool
}

// Config wires the pipeline's collaborators. Cache and Recorder are optional.
type Config struct {
	Router    *router.Router
	Ledger    *ledger.Ledger
	Providers *providers.Manager
	Counter   *tokens.Counter
	Cache     cache.Cache
	Recorder  Recorder

	CompletionAllowance int
	UpstreamTimeout     time.Duration
	CacheHitFeeUSD      float64
	Logger              *slog.Logger
}

// Pipeline handles chat completion requests
type Pipeline struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// New creates a pipeline
func New(cfg Config) *Pipeline {
	if cfg.CompletionAllowance <= 0 {
		cfg.CompletionAllowance = DefaultCompletionAllowance
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if cfg.Providers == nil {
		cfg.Providers = providers.NewManager(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("github.com/mrmushfiq/llm0-gateway/pipeline"),
		now:    time.Now,
	}
}

// Result describes a completed request
type Result struct {
	RequestID string
	// Response is nil for streamed requests
	Response *openai.ChatCompletionResponse
	Binding  string
	Provider string
	CacheHit bool
	Failover bool
	CostUSD  float64
	Usage    openai.Usage
	Latency  time.Duration
}

// call is the per-request state shared by the pipeline stages
type call struct {
	key          models.APIKey
	req          *ChatRequest
	msgs         []models.Message
	rec          models.RequestRecord
	start        time.Time
	logger       *slog.Logger
	candidates   []models.ModelBinding
	promptTokens int
	estimate     ledger.Estimate
	adm          *ledger.Admission
	fingerprint  string
}

// Handle authenticates token and runs a non-streaming request
func (p *Pipeline) Handle(ctx context.Context, token string, req *ChatRequest) (*Result, error) {
	key, err := p.authorize(token, "", req)
	if err != nil {
		return nil, err
	}
	return p.run(ctx, key, req, nil)
}

// HandleAs runs a non-streaming request billed to keyID without a token
func (p *Pipeline) HandleAs(ctx context.Context, keyID string, req *ChatRequest) (*Result, error) {
	key, err := p.authorize("", keyID, req)
	if err != nil {
		return nil, err
	}
	return p.run(ctx, key, req, nil)
}

// authorize validates the request, then resolves the key from a bearer
// token or, when token is empty, from keyID
func (p *Pipeline) authorize(token, keyID string, req *ChatRequest) (models.APIKey, error) {
	if err := req.Validate(); err != nil {
		return models.APIKey{}, err
	}
	if keyID != "" {
		return p.cfg.Ledger.Key(keyID)
	}
	if token == "" {
		return models.APIKey{}, apierror.Unauthorized("missing API key")
	}
	return p.cfg.Ledger.Authenticate(config.HashKey(token))
}

func (p *Pipeline) run(ctx context.Context, key models.APIKey, req *ChatRequest, sink StreamSink) (res *Result, err error) {
	c := p.begin(key, req)

	ctx, span := p.tracer.Start(ctx, "gateway.chat", trace.WithAttributes(
		attribute.String("gateway.request_id", c.rec.ID),
		attribute.String("gateway.key_id", key.ID),
		attribute.String("gateway.model", req.Model),
		attribute.Bool("gateway.stream", req.Stream),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in request pipeline",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			res, err = nil, apierror.Internal(fmt.Errorf("panic: %v", r), "internal error")
		}
		p.finish(ctx, c, res, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(apierror.From(err).Kind))
		}
	}()

	if err := p.admit(ctx, c); err != nil {
		return nil, err
	}
	if sink != nil {
		return p.dispatchStream(ctx, c, sink)
	}
	if res, ok := p.lookupCache(ctx, c); ok {
		return res, nil
	}
	return p.dispatch(ctx, c)
}

func (p *Pipeline) begin(key models.APIKey, req *ChatRequest) *call {
	c := &call{
		key:   key,
		req:   req,
		msgs:  req.messages(),
		start: p.now(),
	}
	c.rec = models.RequestRecord{
		ID:         uuid.NewString(),
		APIKeyID:   key.ID,
		ModelAlias: req.Model,
		Messages:   c.msgs,
		CreatedAt:  c.start,
		Status:     models.StatusPending,
		Stream:     req.Stream,
	}
	c.logger = p.logger.With(
		slog.String("request_id", c.rec.ID),
		slog.String("key_id", key.ID),
		slog.String("model", req.Model),
	)
	return c
}

// admit resolves candidates, estimates the request and reserves budget
func (p *Pipeline) admit(ctx context.Context, c *call) error {
	candidates, err := p.cfg.Router.Resolve(c.req.Model)
	if err != nil {
		return err
	}
	c.candidates = candidates

	c.promptTokens = p.cfg.Counter.CountMessages(c.msgs)
	allowance := p.cfg.CompletionAllowance
	if c.req.MaxTokens != nil {
		allowance = *c.req.MaxTokens
	}
	// price at the most expensive candidate, since any of them may serve it
	var cost float64
	for _, b := range candidates {
		cost = max(cost, b.Pricing.Cost(c.promptTokens, allowance))
	}
	c.estimate = ledger.Estimate{Tokens: c.promptTokens + allowance, CostUSD: cost}

	adm, err := p.cfg.Ledger.CheckAdmission(ctx, c.key.ID, c.estimate)
	if err != nil {
		metrics.AdmissionRejections.WithLabelValues(string(apierror.From(err).Kind)).Inc()
		return err
	}
	c.adm = adm
	return nil
}

func cacheable(bindings []models.ModelBinding) bool {
	for _, b := range bindings {
		if b.Cacheable {
			return true
		}
	}
	return false
}

func (p *Pipeline) lookupCache(ctx context.Context, c *call) (*Result, bool) {
	if p.cfg.Cache == nil || !cacheable(c.candidates) {
		return nil, false
	}
	fp, err := cache.Fingerprint(c.req.Model, c.msgs, cache.Params{
		Temperature: c.req.Temperature,
		TopP:        c.req.TopP,
		MaxTokens:   c.req.MaxTokens,
	})
	if err != nil {
		c.logger.Warn("failed to fingerprint request", slog.String("error", err.Error()))
		return nil, false
	}
	c.fingerprint = fp

	entry, ok, err := p.cfg.Cache.Lookup(ctx, fp)
	if err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		c.logger.Warn("cache lookup failed", slog.String("error", err.Error()))
		return nil, false
	}
	if !ok || entry.Response == nil {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()

	fee := p.cfg.CacheHitFeeUSD
	// no upstream tokens were consumed
	c.adm.Settle(ctx, fee, 0)

	resp := *entry.Response
	provider := ""
	for _, b := range c.candidates {
		if b.ID == entry.Binding {
			provider = b.Provider
			break
		}
	}

	c.rec.CacheHit = true
	c.rec.Binding = entry.Binding
	c.rec.Provider = provider
	c.rec.PromptTokens = resp.Usage.PromptTokens
	c.rec.CompletionTokens = resp.Usage.CompletionTokens
	c.rec.CostUSD = fee

	return &Result{
		Response: &resp,
		Binding:  entry.Binding,
		Provider: provider,
		CacheHit: true,
		CostUSD:  fee,
		Usage:    resp.Usage,
	}, true
}

// dispatch tries candidates in order and stops at the first success or the
// first non-retryable failure
func (p *Pipeline) dispatch(ctx context.Context, c *call) (*Result, error) {
	var lastErr error
	allTimedOut := true

	for i, b := range c.candidates {
		if err := ctx.Err(); err != nil {
			return nil, cancelled(err)
		}

		resp, err := p.attempt(ctx, c, b)
		if err == nil {
			return p.complete(ctx, c, b, i > 0, resp), nil
		}

		lastErr = err
		if !providers.IsTimeout(err) {
			allTimedOut = false
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, cancelled(ctxErr)
		}
		if !providers.Retryable(err) {
			return nil, apierror.UpstreamUnavailable(err, false, "upstream %s rejected the request", b.ID)
		}
		if i < len(c.candidates)-1 {
			c.logger.Warn("upstream attempt failed, trying next binding",
				slog.String("binding", b.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil, apierror.UpstreamUnavailable(lastErr, allTimedOut,
		"all %d upstream bindings failed for model %s", len(c.candidates), c.req.Model)
}

func cancelled(err error) error {
	return apierror.UpstreamUnavailable(err, errors.Is(err, context.DeadlineExceeded),
		"request cancelled before an upstream answered")
}

func (p *Pipeline) timeout(b models.ModelBinding) time.Duration {
	if b.Timeout > 0 {
		return b.Timeout
	}
	return p.cfg.UpstreamTimeout
}

// attempt performs one upstream call under its own timeout
func (p *Pipeline) attempt(ctx context.Context, c *call, b models.ModelBinding) (*openai.ChatCompletionResponse, error) {
	start := p.now()
	actx, cancel := context.WithTimeout(ctx, p.timeout(b))
	defer cancel()

	actx, span := p.tracer.Start(actx, "gateway.upstream", trace.WithAttributes(
		attribute.String("gateway.binding", b.ID),
		attribute.String("gateway.provider", b.Provider),
		attribute.String("gateway.upstream_model", b.UpstreamModel),
	))
	defer span.End()

	var resp *openai.ChatCompletionResponse
	prov, err := p.cfg.Providers.Get(b)
	if err == nil {
		resp, err = prov.ChatCompletion(actx, upstreamRequest(c.req, c.msgs, b))
		if err == nil && resp == nil {
			err = errors.New("empty upstream response")
		}
	}
	p.recordAttempt(c, b, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream attempt failed")
	}
	return resp, err
}

func (p *Pipeline) recordAttempt(c *call, b models.ModelBinding, start time.Time, err error) {
	latency := p.now().Sub(start)
	a := models.AttemptRecord{Binding: b.ID, Provider: b.Provider, LatencyMs: latency.Milliseconds()}
	outcome := "success"
	if err != nil {
		a.Error = err.Error()
		outcome = "error"
		if providers.IsTimeout(err) {
			outcome = "timeout"
		}
	}
	c.rec.Attempts = append(c.rec.Attempts, a)
	metrics.UpstreamAttempts.WithLabelValues(b.ID, b.Provider, outcome).Inc()
	metrics.UpstreamLatency.WithLabelValues(b.ID).Observe(latency.Seconds())
}

// usage returns the reported usage, or an estimate when the upstream
// reported none
func (p *Pipeline) usage(c *call, reported *openai.Usage, completion string) openai.Usage {
	if reported != nil && (reported.PromptTokens > 0 || reported.CompletionTokens > 0) {
		u := *reported
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
		return u
	}
	u := openai.Usage{PromptTokens: c.promptTokens, CompletionTokens: p.cfg.Counter.CountText(completion)}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

// charge settles the admission at the cost of u on binding b
func (p *Pipeline) charge(ctx context.Context, c *call, b models.ModelBinding, u openai.Usage) float64 {
	cost := b.Pricing.Cost(u.PromptTokens, u.CompletionTokens)
	c.adm.Settle(ctx, cost, u.TotalTokens)
	if cost > 0 {
		metrics.SpendUSD.WithLabelValues(c.key.ID).Add(cost)
	}
	c.rec.Binding = b.ID
	c.rec.Provider = b.Provider
	c.rec.PromptTokens = u.PromptTokens
	c.rec.CompletionTokens = u.CompletionTokens
	c.rec.CostUSD = cost
	return cost
}

func (p *Pipeline) complete(ctx context.Context, c *call, b models.ModelBinding, failover bool, resp *openai.ChatCompletionResponse) *Result {
	var text strings.Builder
	for _, choice := range resp.Choices {
		text.WriteString(choice.Message.Content)
	}
	u := p.usage(c, &resp.Usage, text.String())
	resp.Usage = u
	cost := p.charge(ctx, c, b, u)

	if b.Cacheable && c.fingerprint != "" {
		entry := &models.CacheEntry{Response: resp, Binding: b.ID, TokensUsed: u.TotalTokens}
		if err := p.cfg.Cache.Store(context.WithoutCancel(ctx), c.fingerprint, entry, b.CacheTTL); err != nil {
			c.logger.Warn("failed to store response in cache", slog.String("error", err.Error()))
		}
	}

	return &Result{
		Response: resp,
		Binding:  b.ID,
		Provider: b.Provider,
		Failover: failover,
		CostUSD:  cost,
		Usage:    u,
	}
}

// finish finalizes the record exactly once: a reservation still held is
// released, then the record is handed to the recorder
func (p *Pipeline) finish(ctx context.Context, c *call, res *Result, err error) {
	latency := p.now().Sub(c.start)
	c.rec.LatencyMs = latency.Milliseconds()
	if c.adm != nil {
		c.adm.Release(ctx)
	}

	status := models.StatusCompleted
	kind := ""
	if err != nil {
		apiErr := apierror.From(err)
		status = models.StatusFailed
		kind = string(apiErr.Kind)
		c.rec.ErrorKind = kind
		c.rec.ErrorMessage = apiErr.ToBody().Error.Message
		c.rec.StatusCode = apiErr.StatusCode()

		attrs := []any{
			slog.String("error_kind", kind),
			slog.String("error", err.Error()),
			slog.Int("attempts", len(c.rec.Attempts)),
		}
		if c.rec.StatusCode >= 500 {
			c.logger.Error("chat request failed", attrs...)
		} else {
			c.logger.Info("chat request rejected", attrs...)
		}
	} else {
		c.rec.StatusCode = 200
		res.RequestID = c.rec.ID
		res.Latency = latency
		c.logger.Info("chat request completed",
			slog.String("binding", c.rec.Binding),
			slog.Bool("cache_hit", c.rec.CacheHit),
			slog.Float64("cost_usd", c.rec.CostUSD),
			slog.Int("total_tokens", c.rec.TotalTokens()),
			slog.Int64("latency_ms", c.rec.LatencyMs),
		)
	}
	c.rec.Status = status

	model := c.req.Model
	if c.candidates == nil {
		model = "unknown"
	}
	metrics.Requests.WithLabelValues(model, string(status), kind).Inc()
	metrics.RequestLatency.WithLabelValues(model).Observe(latency.Seconds())
	if c.rec.PromptTokens > 0 {
		metrics.Tokens.WithLabelValues(model, "prompt").Add(float64(c.rec.PromptTokens))
	}
	if c.rec.CompletionTokens > 0 {
		metrics.Tokens.WithLabelValues(model, "completion").Add(float64(c.rec.CompletionTokens))
	}

	if p.cfg.Recorder != nil {
		p.cfg.Recorder.Submit(c.rec)
	}
}
