package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/apierror"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/pipeline"
	"github.com/sashabaranov/go-openai"
)

// ChatPipeline is the part of the request pipeline the chat handler drives
type ChatPipeline interface {
	Handle(ctx context.Context, token string, req *pipeline.ChatRequest) (*pipeline.Result, error)
	HandleAs(ctx context.Context, keyID string, req *pipeline.ChatRequest) (*pipeline.Result, error)
	Stream(ctx context.Context, token string, req *pipeline.ChatRequest, sink pipeline.StreamSink) (*pipeline.Result, error)
}

// LegacyChat configures POST /chat. Requests without a bearer token are billed
// to KeyID; with KeyID empty they must authenticate.
type LegacyChat struct {
	Model string
	KeyID string
}

type ChatHandler struct {
	pipeline ChatPipeline
	legacy   LegacyChat
	logger   *slog.Logger
}

func NewChatHandler(p ChatPipeline, legacy LegacyChat, logger *slog.Logger) *ChatHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandler{
		pipeline: p,
		legacy:   legacy,
		logger:   logger,
	}
}

// HandleChatCompletion handles POST /v1/chat/completions
func (h *ChatHandler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req pipeline.ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	// Handle streaming separately
	if req.Stream {
		h.handleStreamingChat(w, r, &req)
		return
	}

	res, err := h.pipeline.Handle(r.Context(), bearerToken(r), &req)
	if err != nil {
		writeError(w, err)
		return
	}

	setResultHeaders(w, res)
	writeJSON(w, http.StatusOK, res.Response)
}

func setResultHeaders(w http.ResponseWriter, res *pipeline.Result) {
	w.Header().Set("X-Request-ID", res.RequestID)
	w.Header().Set("X-Cache-Hit", strconv.FormatBool(res.CacheHit))
	w.Header().Set("X-Cost-USD", fmt.Sprintf("%.6f", res.CostUSD))
	w.Header().Set("X-Provider", res.Provider)
	w.Header().Set("X-Binding", res.Binding)
	w.Header().Set("X-Latency-Ms", strconv.FormatInt(res.Latency.Milliseconds(), 10))
	if res.Failover {
		w.Header().Set("X-Failover", "true")
	}
}

// sseWriter relays pipeline chunks as server-sent events
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseWriter) Start(meta pipeline.StreamMeta) error {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Request-ID", meta.RequestID)
	h.Set("X-Provider", meta.Provider)
	h.Set("X-Binding", meta.Binding)
	h.Set("X-Cache-Hit", "false")
	if meta.Failover {
		h.Set("X-Failover", "true")
	}
	s.w.WriteHeader(http.StatusOK)
	s.started = true
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) Chunk(chunk openai.ChatCompletionStreamResponse) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	return s.event(data)
}

func (s *sseWriter) event(data []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// handleStreamingChat handles streaming chat completions
func (h *ChatHandler) handleStreamingChat(w http.ResponseWriter, r *http.Request, req *pipeline.ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apierror.Internal(nil, "streaming not supported"))
		return
	}

	sink := &sseWriter{w: w, flusher: flusher}
	_, err := h.pipeline.Stream(r.Context(), bearerToken(r), req, sink)
	if err == nil {
		_ = sink.event([]byte("[DONE]"))
		return
	}
	if !sink.started {
		writeError(w, err)
		return
	}

	// headers are gone; report the failure in-band
	data, mErr := json.Marshal(apierror.From(err).ToBody())
	if mErr != nil {
		h.logger.Error("failed to encode stream error", slog.String("error", mErr.Error()))
		return
	}
	_ = sink.event(data)
}

type legacyChatRequest struct {
	Message string `json:"message"`
}

type legacyChatResponse struct {
	Response string `json:"response"`
}

type legacyError struct {
	Detail string `json:"detail"`
}

// HandleLegacyChat handles POST /chat {message} -> {response}
func (h *ChatHandler) HandleLegacyChat(w http.ResponseWriter, r *http.Request) {
	var body legacyChatRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, legacyError{Detail: apierror.From(err).Message})
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeJSON(w, http.StatusBadRequest, legacyError{Detail: "Message cannot be empty"})
		return
	}

	content := body.Message
	req := &pipeline.ChatRequest{
		Model:    h.legacy.Model,
		Messages: []pipeline.Message{{Role: openai.ChatMessageRoleUser, Content: &content}},
	}

	var (
		res *pipeline.Result
		err error
	)
	if token := bearerToken(r); token != "" || h.legacy.KeyID == "" {
		res, err = h.pipeline.Handle(r.Context(), token, req)
	} else {
		res, err = h.pipeline.HandleAs(r.Context(), h.legacy.KeyID, req)
	}
	if err != nil {
		apiErr := apierror.From(err)
		writeJSON(w, apiErr.StatusCode(), legacyError{
			Detail: "Failed to get response from LLM: " + apiErr.ToBody().Error.Message,
		})
		return
	}

	setResultHeaders(w, res)
	var text string
	if len(res.Response.Choices) > 0 {
		text = res.Response.Choices[0].Message.Content
	}
	writeJSON(w, http.StatusOK, legacyChatResponse{Response: text})
}
