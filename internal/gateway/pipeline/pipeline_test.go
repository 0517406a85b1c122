package pipeline

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/apierror"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/ledger"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/router"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/tokens"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/config"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "sk-test"

type fakeProvider struct {
	calls   atomic.Int32
	respond func(ctx context.Context, req providers.ChatRequest) (*openai.ChatCompletionResponse, error)
	stream  func(ctx context.Context) (providers.StreamReader, error)
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) ChatCompletion(ctx context.Context, req providers.ChatRequest) (*openai.ChatCompletionResponse, error) {
	f.calls.Add(1)
	return f.respond(ctx, req)
}

func (f *fakeProvider) ChatCompletionStream(ctx context.Context, _ providers.ChatRequest) (providers.StreamReader, error) {
	f.calls.Add(1)
	return f.stream(ctx)
}

type fakeStream struct {
	chunks []openai.ChatCompletionStreamResponse
	err    error
	i      int
}

func (s *fakeStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	if s.i < len(s.chunks) {
		s.i++
		return s.chunks[s.i-1], nil
	}
	if s.err != nil {
		return openai.ChatCompletionStreamResponse{}, s.err
	}
	return openai.ChatCompletionStreamResponse{}, io.EOF
}

func (s *fakeStream) Close() error { return nil }

func reply(content string, prompt, completion int) func(context.Context, providers.ChatRequest) (*openai.ChatCompletionResponse, error) {
	return func(_ context.Context, req providers.ChatRequest) (*openai.ChatCompletionResponse, error) {
		return &openai.ChatCompletionResponse{
			ID:    "chatcmpl-1",
			Model: req.Model,
			Choices: []openai.ChatCompletionChoice{{
				Message:      openai.ChatCompletionMessage{Role: "assistant", Content: content},
				FinishReason: openai.FinishReasonStop,
			}},
			Usage: openai.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion},
		}, nil
	}
}

func fail(status int) func(context.Context, providers.ChatRequest) (*openai.ChatCompletionResponse, error) {
	return func(context.Context, providers.ChatRequest) (*openai.ChatCompletionResponse, error) {
		return nil, &providers.UpstreamError{Provider: "fake", StatusCode: status, Message: "boom"}
	}
}

func hang(ctx context.Context, _ providers.ChatRequest) (*openai.ChatCompletionResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type captureRecorder struct {
	mu   sync.Mutex
	recs []models.RequestRecord
}

func (r *captureRecorder) Submit(rec models.RequestRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return true
}

func (r *captureRecorder) records() []models.RequestRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.RequestRecord(nil), r.recs...)
}

type harness struct {
	p        *Pipeline
	ledger   *ledger.Ledger
	recorder *captureRecorder
}

// price charges $0.05 per 1k tokens in both directions
var price = models.Pricing{InputPer1K: 0.05, OutputPer1K: 0.05}

func binding(id string, priority int) models.ModelBinding {
	return models.ModelBinding{ID: id, Alias: "gpt-x", Provider: "fake", UpstreamModel: id + "-model", Priority: priority, Pricing: price}
}

func newHarness(t *testing.T, bindings []models.ModelBinding, fakes map[string]*fakeProvider, key models.APIKey, opts ...func(*Config)) *harness {
	t.Helper()
	counter, err := tokens.NewCounter()
	require.NoError(t, err)

	if key.ID == "" {
		key.ID = "team-a"
	}
	key.KeyHash = config.HashKey(testToken)
	l := ledger.New()
	l.Sync([]models.APIKey{key})

	rec := &captureRecorder{}
	cfg := Config{
		Router: router.New(bindings),
		Ledger: l,
		Providers: providers.NewManager(func(b models.ModelBinding) (providers.Provider, error) {
			return fakes[b.ID], nil
		}),
		Counter:  counter,
		Recorder: rec,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &harness{p: New(cfg), ledger: l, recorder: rec}
}

func userRequest(content string) *ChatRequest {
	return &ChatRequest{Model: "gpt-x", Messages: []Message{{Role: "user", Content: &content}}}
}

func TestFallbackToNextBinding(t *testing.T) {
	a := &fakeProvider{respond: fail(503)}
	b := &fakeProvider{respond: reply("from b", 5, 5)}
	h := newHarness(t, []models.ModelBinding{binding("a", 1), binding("b", 2)},
		map[string]*fakeProvider{"a": a, "b": b}, models.APIKey{})

	res, err := h.p.Handle(context.Background(), testToken, userRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, "b", res.Binding)
	assert.True(t, res.Failover)
	assert.Equal(t, "from b", res.Response.Choices[0].Message.Content)
	assert.Equal(t, int32(1), a.calls.Load())

	recs := h.recorder.records()
	require.Len(t, recs, 1)
	assert.Equal(t, models.StatusCompleted, recs[0].Status)
	require.Len(t, recs[0].Attempts, 2)
	assert.Equal(t, "a", recs[0].Attempts[0].Binding)
	assert.NotEmpty(t, recs[0].Attempts[0].Error)
	assert.Empty(t, recs[0].Attempts[1].Error)
}

func TestCompletedRequestIsChargedAndRecorded(t *testing.T) {
	prov := &fakeProvider{respond: reply("hello", 10, 10)}
	h := newHarness(t, []models.ModelBinding{binding("a", 1)},
		map[string]*fakeProvider{"a": prov}, models.APIKey{BudgetLimitUSD: 1})

	res, err := h.p.Handle(context.Background(), testToken, userRequest("say hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Response.Choices[0].Message.Content)
	assert.InDelta(t, 0.001, res.CostUSD, 1e-9)
	assert.NotEmpty(t, res.RequestID)

	usage, err := h.ledger.Usage(context.Background(), "team-a")
	require.NoError(t, err)
	assert.InDelta(t, 0.001, usage.SpentUSD, 1e-9)
	assert.Zero(t, usage.ReservedUSD)
	assert.Zero(t, usage.InFlight)

	recs := h.recorder.records()
	require.Len(t, recs, 1)
	assert.Equal(t, res.RequestID, recs[0].ID)
	assert.Equal(t, models.StatusCompleted, recs[0].Status)
	assert.Equal(t, 200, recs[0].StatusCode)
	assert.Equal(t, 10, recs[0].PromptTokens)
	assert.Equal(t, 10, recs[0].CompletionTokens)
	assert.InDelta(t, 0.001, recs[0].CostUSD, 1e-9)
	assert.Equal(t, "say hello", recs[0].Messages[0].Content)
}

func TestMissingUsageIsEstimated(t *testing.T) {
	prov := &fakeProvider{respond: reply("hello there", 0, 0)}
	h := newHarness(t, []models.ModelBinding{binding("a", 1)},
		map[string]*fakeProvider{"a": prov}, models.APIKey{})

	res, err := h.p.Handle(context.Background(), testToken, userRequest("hi"))
	require.NoError(t, err)
	assert.Positive(t, res.Usage.PromptTokens)
	assert.Positive(t, res.Usage.CompletionTokens)
	assert.Positive(t, res.CostUSD)
}

func TestCacheHitIsFree(t *testing.T) {
	prov := &fakeProvider{respond: reply("cached answer", 10, 10)}
	b := binding("a", 1)
	b.Cacheable = true
	b.CacheTTL = time.Minute

	mem, err := cache.NewMemory(16)
	require.NoError(t, err)
	h := newHarness(t, []models.ModelBinding{b}, map[string]*fakeProvider{"a": prov},
		models.APIKey{BudgetLimitUSD: 1}, func(c *Config) { c.Cache = mem })

	first, err := h.p.Handle(context.Background(), testToken, userRequest("same question"))
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := h.p.Handle(context.Background(), testToken, userRequest("same question"))
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Zero(t, second.CostUSD)
	assert.Equal(t, "cached answer", second.Response.Choices[0].Message.Content)
	assert.Equal(t, int32(1), prov.calls.Load())

	usage, err := h.ledger.Usage(context.Background(), "team-a")
	require.NoError(t, err)
	assert.InDelta(t, 0.001, usage.SpentUSD, 1e-9)

	recs := h.recorder.records()
	require.Len(t, recs, 2)
	assert.True(t, recs[1].CacheHit)
	assert.Zero(t, recs[1].CostUSD)
	assert.Equal(t, "a", recs[1].Binding)

	// a different prompt misses
	third, err := h.p.Handle(context.Background(), testToken, userRequest("other question"))
	require.NoError(t, err)
	assert.False(t, third.CacheHit)
	assert.Equal(t, int32(2), prov.calls.Load())
}

func TestCacheKeyIncludesTopP(t *testing.T) {
	prov := &fakeProvider{respond: reply("answer", 10, 10)}
	b := binding("a", 1)
	b.Cacheable = true
	b.CacheTTL = time.Minute

	mem, err := cache.NewMemory(16)
	require.NoError(t, err)
	h := newHarness(t, []models.ModelBinding{b}, map[string]*fakeProvider{"a": prov},
		models.APIKey{BudgetLimitUSD: 1}, func(c *Config) { c.Cache = mem })

	focused, wide := float32(0.1), float32(0.9)
	req := userRequest("same question")
	req.TopP = &focused
	first, err := h.p.Handle(context.Background(), testToken, req)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	req = userRequest("same question")
	req.TopP = &wide
	second, err := h.p.Handle(context.Background(), testToken, req)
	require.NoError(t, err)
	assert.False(t, second.CacheHit)
	assert.Equal(t, int32(2), prov.calls.Load())

	req = userRequest("same question")
	req.TopP = &wide
	third, err := h.p.Handle(context.Background(), testToken, req)
	require.NoError(t, err)
	assert.True(t, third.CacheHit)
	assert.Equal(t, int32(2), prov.calls.Load())
}

func TestValidationErrors(t *testing.T) {
	h := newHarness(t, []models.ModelBinding{binding("a", 1)},
		map[string]*fakeProvider{"a": {respond: reply("x", 1, 1)}}, models.APIKey{})

	empty := ""
	hot := float32(2.5)
	zero := 0
	tests := []struct {
		name string
		req  *ChatRequest
	}{
		{"missing model", &ChatRequest{Messages: []Message{{Role: "user", Content: &empty}}}},
		{"no messages", &ChatRequest{Model: "gpt-x"}},
		{"bad role", &ChatRequest{Model: "gpt-x", Messages: []Message{{Role: "tool", Content: &empty}}}},
		{"null content", &ChatRequest{Model: "gpt-x", Messages: []Message{{Role: "user"}}}},
		{"temperature", &ChatRequest{Model: "gpt-x", Messages: []Message{{Role: "user", Content: &empty}}, Temperature: &hot}},
		{"max tokens", &ChatRequest{Model: "gpt-x", Messages: []Message{{Role: "user", Content: &empty}}, MaxTokens: &zero}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.p.Handle(context.Background(), testToken, tt.req)
			assert.True(t, apierror.Is(err, apierror.KindInvalidRequest), "got %v", err)
		})
	}
	assert.Empty(t, h.recorder.records())
}

func TestUnauthorized(t *testing.T) {
	prov := &fakeProvider{respond: reply("x", 1, 1)}
	h := newHarness(t, []models.ModelBinding{binding("a", 1)},
		map[string]*fakeProvider{"a": prov}, models.APIKey{})

	_, err := h.p.Handle(context.Background(), "sk-wrong", userRequest("hi"))
	assert.True(t, apierror.Is(err, apierror.KindUnauthorized))

	_, err = h.p.Handle(context.Background(), "", userRequest("hi"))
	assert.True(t, apierror.Is(err, apierror.KindUnauthorized))

	_, err = h.p.HandleAs(context.Background(), "nobody", userRequest("hi"))
	assert.True(t, apierror.Is(err, apierror.KindUnauthorized))

	assert.Zero(t, prov.calls.Load())
	assert.Empty(t, h.recorder.records())
}

func TestUnknownModelIsRecorded(t *testing.T) {
	h := newHarness(t, []models.ModelBinding{binding("a", 1)},
		map[string]*fakeProvider{"a": {respond: reply("x", 1, 1)}}, models.APIKey{})

	req := userRequest("hi")
	req.Model = "no-such-model"
	_, err := h.p.Handle(context.Background(), testToken, req)
	require.True(t, apierror.Is(err, apierror.KindUnknownModel))

	recs := h.recorder.records()
	require.Len(t, recs, 1)
	assert.Equal(t, models.StatusFailed, recs[0].Status)
	assert.Equal(t, string(apierror.KindUnknownModel), recs[0].ErrorKind)
	assert.Equal(t, 404, recs[0].StatusCode)
	assert.Zero(t, recs[0].CostUSD)
}

func TestNonRetryableErrorStopsFallback(t *testing.T) {
	a := &fakeProvider{respond: fail(400)}
	b := &fakeProvider{respond: reply("never", 1, 1)}
	h := newHarness(t, []models.ModelBinding{binding("a", 1), binding("b", 2)},
		map[string]*fakeProvider{"a": a, "b": b}, models.APIKey{BudgetLimitUSD: 1})

	_, err := h.p.Handle(context.Background(), testToken, userRequest("hi"))
	require.True(t, apierror.Is(err, apierror.KindUpstreamUnavailable))
	assert.Equal(t, 502, apierror.From(err).StatusCode())
	assert.Zero(t, b.calls.Load())

	usage, err := h.ledger.Usage(context.Background(), "team-a")
	require.NoError(t, err)
	assert.Zero(t, usage.SpentUSD)
	assert.Zero(t, usage.ReservedUSD)

	recs := h.recorder.records()
	require.Len(t, recs, 1)
	assert.Len(t, recs[0].Attempts, 1)
}

func TestAllBindingsTimeOut(t *testing.T) {
	a, b := binding("a", 1), binding("b", 2)
	a.Timeout = 20 * time.Millisecond
	b.Timeout = 20 * time.Millisecond
	h := newHarness(t, []models.ModelBinding{a, b},
		map[string]*fakeProvider{"a": {respond: hang}, "b": {respond: hang}}, models.APIKey{})

	_, err := h.p.Handle(context.Background(), testToken, userRequest("hi"))
	require.True(t, apierror.Is(err, apierror.KindUpstreamUnavailable))
	apiErr := apierror.From(err)
	assert.True(t, apiErr.Timeout)
	assert.Equal(t, 504, apiErr.StatusCode())

	recs := h.recorder.records()
	require.Len(t, recs, 1)
	assert.Len(t, recs[0].Attempts, 2)
}

func TestCancelledRequestStopsDispatch(t *testing.T) {
	prov := &fakeProvider{respond: reply("x", 1, 1)}
	h := newHarness(t, []models.ModelBinding{binding("a", 1)},
		map[string]*fakeProvider{"a": prov}, models.APIKey{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.p.Handle(ctx, testToken, userRequest("hi"))
	require.Error(t, err)
	assert.Zero(t, prov.calls.Load())

	usage, err := h.ledger.Usage(context.Background(), "team-a")
	require.NoError(t, err)
	assert.Zero(t, usage.InFlight)
}

func TestBudgetExceededIsRecorded(t *testing.T) {
	prov := &fakeProvider{respond: reply("x", 1, 1)}
	h := newHarness(t, []models.ModelBinding{binding("a", 1)},
		map[string]*fakeProvider{"a": prov}, models.APIKey{BudgetLimitUSD: 0.000001})

	_, err := h.p.Handle(context.Background(), testToken, userRequest("a fairly long prompt"))
	require.True(t, apierror.Is(err, apierror.KindBudgetExceeded))
	assert.Zero(t, prov.calls.Load())

	recs := h.recorder.records()
	require.Len(t, recs, 1)
	assert.Equal(t, 402, recs[0].StatusCode)
}

type captureSink struct {
	meta   *StreamMeta
	chunks []openai.ChatCompletionStreamResponse
}

func (s *captureSink) Start(meta StreamMeta) error {
	s.meta = &meta
	return nil
}

func (s *captureSink) Chunk(chunk openai.ChatCompletionStreamResponse) error {
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *captureSink) text() string {
	var out string
	for _, c := range s.chunks {
		for _, choice := range c.Choices {
			out += choice.Delta.Content
		}
	}
	return out
}

func deltaChunk(content string) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		ID:      "chatcmpl-1",
		Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Content: content}}},
	}
}

func usageChunk(prompt, completion int) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		ID:    "chatcmpl-1",
		Usage: &openai.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion},
	}
}

func TestStreamFallsBackBeforeFirstChunk(t *testing.T) {
	a := &fakeProvider{stream: func(context.Context) (providers.StreamReader, error) {
		return nil, &providers.UpstreamError{Provider: "fake", StatusCode: 503, Message: "busy"}
	}}
	b := &fakeProvider{stream: func(context.Context) (providers.StreamReader, error) {
		return &fakeStream{chunks: []openai.ChatCompletionStreamResponse{
			deltaChunk("hel"), deltaChunk("lo"), usageChunk(10, 10),
		}}, nil
	}}
	h := newHarness(t, []models.ModelBinding{binding("a", 1), binding("b", 2)},
		map[string]*fakeProvider{"a": a, "b": b}, models.APIKey{BudgetLimitUSD: 1})

	req := userRequest("hi")
	req.Stream = true
	sink := &captureSink{}
	res, err := h.p.Stream(context.Background(), testToken, req, sink)
	require.NoError(t, err)

	require.NotNil(t, sink.meta)
	assert.Equal(t, "b", sink.meta.Binding)
	assert.True(t, sink.meta.Failover)
	assert.Equal(t, "hello", sink.text())
	// usage is withheld unless the client asked for it
	assert.Len(t, sink.chunks, 2)
	for _, c := range sink.chunks {
		assert.Nil(t, c.Usage)
	}
	assert.InDelta(t, 0.001, res.CostUSD, 1e-9)

	recs := h.recorder.records()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Stream)
	assert.Equal(t, "b", recs[0].Binding)
	assert.Len(t, recs[0].Attempts, 2)
}

func TestStreamIncludesUsageWhenRequested(t *testing.T) {
	prov := &fakeProvider{stream: func(context.Context) (providers.StreamReader, error) {
		return &fakeStream{chunks: []openai.ChatCompletionStreamResponse{deltaChunk("hi"), usageChunk(3, 1)}}, nil
	}}
	h := newHarness(t, []models.ModelBinding{binding("a", 1)},
		map[string]*fakeProvider{"a": prov}, models.APIKey{})

	req := userRequest("hi")
	req.Stream = true
	req.StreamOptions = &StreamOptions{IncludeUsage: true}
	sink := &captureSink{}
	_, err := h.p.Stream(context.Background(), testToken, req, sink)
	require.NoError(t, err)
	require.Len(t, sink.chunks, 2)
	require.NotNil(t, sink.chunks[1].Usage)
	assert.Equal(t, 4, sink.chunks[1].Usage.TotalTokens)
}

func TestStreamInterruptedAfterFirstChunkDoesNotFallBack(t *testing.T) {
	a := &fakeProvider{stream: func(context.Context) (providers.StreamReader, error) {
		return &fakeStream{
			chunks: []openai.ChatCompletionStreamResponse{deltaChunk("partial")},
			err:    io.ErrUnexpectedEOF,
		}, nil
	}}
	b := &fakeProvider{stream: func(context.Context) (providers.StreamReader, error) {
		return &fakeStream{chunks: []openai.ChatCompletionStreamResponse{deltaChunk("never")}}, nil
	}}
	h := newHarness(t, []models.ModelBinding{binding("a", 1), binding("b", 2)},
		map[string]*fakeProvider{"a": a, "b": b}, models.APIKey{BudgetLimitUSD: 1})

	req := userRequest("hi")
	req.Stream = true
	sink := &captureSink{}
	_, err := h.p.Stream(context.Background(), testToken, req, sink)
	require.True(t, apierror.Is(err, apierror.KindUpstreamUnavailable))
	assert.Equal(t, "partial", sink.text())
	assert.Zero(t, b.calls.Load())

	// the partial output is still billed
	usage, err := h.ledger.Usage(context.Background(), "team-a")
	require.NoError(t, err)
	assert.Positive(t, usage.SpentUSD)
	assert.Zero(t, usage.ReservedUSD)

	recs := h.recorder.records()
	require.Len(t, recs, 1)
	assert.Equal(t, models.StatusFailed, recs[0].Status)
	assert.Positive(t, recs[0].CompletionTokens)
}

func TestStreamFirstChunkTimeout(t *testing.T) {
	a := binding("a", 1)
	a.Timeout = 20 * time.Millisecond
	prov := &fakeProvider{stream: func(ctx context.Context) (providers.StreamReader, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(t, []models.ModelBinding{a}, map[string]*fakeProvider{"a": prov}, models.APIKey{})

	req := userRequest("hi")
	req.Stream = true
	sink := &captureSink{}
	_, err := h.p.Stream(context.Background(), testToken, req, sink)
	require.True(t, apierror.Is(err, apierror.KindUpstreamUnavailable))
	assert.True(t, apierror.From(err).Timeout)
	assert.Nil(t, sink.meta)
}
