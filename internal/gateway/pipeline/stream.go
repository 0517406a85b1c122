package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/apierror"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StreamMeta describes the binding that serves a stream
type StreamMeta struct {
	RequestID string
	Binding   string
	Provider  string
	Failover  bool
}

// StreamSink receives a streamed completion. Start is called once, right
// before the first chunk. An error from the sink aborts the stream.
type StreamSink interface {
	Start(meta StreamMeta) error
	Chunk(chunk openai.ChatCompletionStreamResponse) error
}

// Stream authenticates token and streams the completion into sink
func (p *Pipeline) Stream(ctx context.Context, token string, req *ChatRequest, sink StreamSink) (*Result, error) {
	key, err := p.authorize(token, "", req)
	if err != nil {
		return nil, err
	}
	return p.run(ctx, key, req, sink)
}

// StreamAs streams a completion billed to keyID without a token
func (p *Pipeline) StreamAs(ctx context.Context, keyID string, req *ChatRequest, sink StreamSink) (*Result, error) {
	key, err := p.authorize("", keyID, req)
	if err != nil {
		return nil, err
	}
	return p.run(ctx, key, req, sink)
}

type streamCandidate struct {
	binding  models.ModelBinding
	streamer providers.Streamer
}

func (p *Pipeline) streamCandidates(c *call) []streamCandidate {
	var out []streamCandidate
	for _, b := range c.candidates {
		prov, err := p.cfg.Providers.Get(b)
		if err != nil {
			c.logger.Warn("skipping binding without a provider",
				slog.String("binding", b.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if s, ok := prov.(providers.Streamer); ok {
			out = append(out, streamCandidate{binding: b, streamer: s})
		}
	}
	return out
}

// dispatchStream falls back between candidates only until the first chunk
// reaches the client. Streamed responses are never cached.
func (p *Pipeline) dispatchStream(ctx context.Context, c *call, sink StreamSink) (*Result, error) {
	candidates := p.streamCandidates(c)
	if len(candidates) == 0 {
		return nil, apierror.InvalidRequest("model %s does not support streaming", c.req.Model)
	}

	var lastErr error
	allTimedOut := true

	for i, sc := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, cancelled(err)
		}

		meta := StreamMeta{RequestID: c.rec.ID, Binding: sc.binding.ID, Provider: sc.binding.Provider, Failover: i > 0}
		out, err := p.streamAttempt(ctx, c, sc, meta, sink)
		if out.started {
			u := p.usage(c, out.usage, out.content)
			cost := p.charge(ctx, c, sc.binding, u)
			if err != nil {
				return nil, apierror.UpstreamUnavailable(err, providers.IsTimeout(err), "stream from %s interrupted", sc.binding.ID)
			}
			return &Result{
				Binding:  sc.binding.ID,
				Provider: sc.binding.Provider,
				Failover: i > 0,
				CostUSD:  cost,
				Usage:    u,
			}, nil
		}

		lastErr = err
		if !providers.IsTimeout(err) {
			allTimedOut = false
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, cancelled(ctxErr)
		}
		if !providers.Retryable(err) {
			return nil, apierror.UpstreamUnavailable(err, false, "upstream %s rejected the request", sc.binding.ID)
		}
		if i < len(candidates)-1 {
			c.logger.Warn("stream attempt failed before first chunk, trying next binding",
				slog.String("binding", sc.binding.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil, apierror.UpstreamUnavailable(lastErr, allTimedOut,
		"all %d upstream bindings failed for model %s", len(candidates), c.req.Model)
}

type streamOutcome struct {
	started bool
	content string
	usage   *openai.Usage
}

// streamAttempt relays one upstream stream. The binding timeout bounds the
// time to the first chunk only.
func (p *Pipeline) streamAttempt(ctx context.Context, c *call, sc streamCandidate, meta StreamMeta, sink StreamSink) (out streamOutcome, err error) {
	b := sc.binding
	start := p.now()

	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	actx, span := p.tracer.Start(actx, "gateway.upstream.stream", trace.WithAttributes(
		attribute.String("gateway.binding", b.ID),
		attribute.String("gateway.provider", b.Provider),
	))
	defer span.End()

	timeout := p.timeout(b)
	var timedOut atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer timer.Stop()

	defer func() {
		if !out.started {
			if timedOut.Load() {
				err = fmt.Errorf("no first chunk from %s within %s: %w", b.ID, timeout, context.DeadlineExceeded)
			}
			p.recordAttempt(c, b, start, err)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "stream attempt failed")
		}
	}()

	stream, err := sc.streamer.ChatCompletionStream(actx, upstreamRequest(c.req, c.msgs, b))
	if err != nil {
		return out, err
	}
	defer stream.Close()

	var content strings.Builder
	defer func() { out.content = content.String() }()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if !out.started {
				return out, fmt.Errorf("stream from %s ended before the first chunk: %w", b.ID, io.ErrUnexpectedEOF)
			}
			return out, nil
		}
		if err != nil {
			return out, err
		}

		if !out.started {
			if !timer.Stop() {
				return out, context.DeadlineExceeded
			}
			out.started = true
			p.recordAttempt(c, b, start, nil)
			if err := sink.Start(meta); err != nil {
				return out, fmt.Errorf("client write failed: %w", err)
			}
		}

		for _, choice := range chunk.Choices {
			content.WriteString(choice.Delta.Content)
		}
		if chunk.Usage != nil {
			u := *chunk.Usage
			out.usage = &u
		}
		if !c.req.includeUsage() {
			chunk.Usage = nil
			if len(chunk.Choices) == 0 {
				continue
			}
		}
		if err := sink.Chunk(chunk); err != nil {
			return out, fmt.Errorf("client write failed: %w", err)
		}
	}
}
