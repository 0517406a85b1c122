package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/metrics"
	"github.com/sashabaranov/go-openai"
)

// ModelLister lists the model aliases currently routable
type ModelLister interface {
	Aliases() []string
}

// Routes collects everything the HTTP surface is built from
type Routes struct {
	Chat           *ChatHandler
	Admin          *AdminHandler
	Models         ModelLister
	Middleware     *Middleware
	RequestTimeout time.Duration
}

// NewRouter builds the gateway's HTTP handler
func NewRouter(rt Routes) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(rt.Middleware.LoggingMiddleware)
	r.Use(chimiddleware.Recoverer)
	r.Use(rt.Middleware.CORSMiddleware)

	// Health check (no auth required)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if rt.RequestTimeout > 0 {
			r.Use(chimiddleware.Timeout(rt.RequestTimeout))
		}
		r.Post("/v1/chat/completions", rt.Chat.HandleChatCompletion)
		r.Post("/chat/completions", rt.Chat.HandleChatCompletion)
		r.Post("/chat", rt.Chat.HandleLegacyChat)
	})
	r.Get("/v1/models", listModels(rt.Models))

	r.Group(func(r chi.Router) {
		r.Use(rt.Middleware.AdminAuth)

		r.Get("/logs", rt.Admin.HandleLogs)
		r.Get("/usage", rt.Admin.HandleUsage)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/logs", rt.Admin.HandleLogs)
			r.Get("/logs/export", rt.Admin.HandleExport)
			r.Get("/usage", rt.Admin.HandleUsage)
			r.Post("/reload", rt.Admin.HandleReload)
			r.Post("/keys/{id}/revoke", rt.Admin.HandleRevoke)
			r.Put("/keys/{id}/budget", rt.Admin.HandleSetBudget)
			r.Delete("/cache", rt.Admin.HandlePurgeCache)
			r.Delete("/cache/{fingerprint}", rt.Admin.HandlePurgeCache)
		})
	})

	return r
}

// listModels handles GET /v1/models in the OpenAI list shape
func listModels(models ModelLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := openai.ModelsList{Models: []openai.Model{}}
		for _, alias := range models.Aliases() {
			list.Models = append(list.Models, openai.Model{ID: alias, Object: "model", OwnedBy: "llm0-gateway"})
		}
		writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": list.Models})
	}
}
