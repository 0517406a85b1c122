package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/apierror"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/ledger"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/telemetry"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// KeyLedger is the part of the ledger the admin surface reads and mutates
type KeyLedger interface {
	Usage(ctx context.Context, keyID string) (ledger.KeyUsage, error)
	Revoke(ctx context.Context, keyID string) error
	SetBudget(ctx context.Context, keyID string, limitUSD float64) error
}

type AdminHandler struct {
	store  telemetry.Store
	ledger KeyLedger
	cache  cache.Cache
	reload func() error
	logger *slog.Logger
}

// NewAdminHandler creates the admin handler. cache and reload may be nil.
func NewAdminHandler(store telemetry.Store, l KeyLedger, c cache.Cache, reload func() error, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{store: store, ledger: l, cache: c, reload: reload, logger: logger}
}

func parseTime(q url.Values, name string) (time.Time, error) {
	v := q.Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, apierror.InvalidRequest("%s must be an RFC3339 timestamp", name)
	}
	return t, nil
}

func recordFilter(r *http.Request) (models.RecordFilter, error) {
	q := r.URL.Query()
	var f models.RecordFilter
	var err error
	if f.Since, err = parseTime(q, "since"); err != nil {
		return f, err
	}
	if f.Until, err = parseTime(q, "until"); err != nil {
		return f, err
	}
	f.APIKeyID = q.Get("keyId")
	f.Model = q.Get("model")
	if s := q.Get("status"); s != "" {
		f.Status = models.RequestStatus(s)
		if !f.Status.Valid() {
			return f, apierror.InvalidRequest("status must be pending, completed or failed")
		}
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			return f, apierror.InvalidRequest("limit must be a positive integer")
		}
		f.Limit = n
	}
	if c := q.Get("cursor"); c != "" {
		if _, err := models.DecodeCursor(c); err != nil {
			return f, apierror.InvalidRequest("invalid cursor")
		}
		f.Cursor = c
	}
	return f, nil
}

// HandleLogs handles GET /admin/logs
func (h *AdminHandler) HandleLogs(w http.ResponseWriter, r *http.Request) {
	f, err := recordFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := h.store.Query(r.Context(), f)
	if err != nil {
		writeError(w, apierror.Internal(err, "failed to query request records"))
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// HandleExport handles GET /admin/logs/export, writing every matching
// record as newline-delimited JSON
func (h *AdminHandler) HandleExport(w http.ResponseWriter, r *http.Request) {
	f, err := recordFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	f.Limit = models.MaxPageSize

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	n := 0
	for rec, err := range telemetry.All(r.Context(), h.store, f) {
		if err != nil {
			h.logger.Error("record export failed", slog.Int("exported", n), slog.String("error", err.Error()))
			if n == 0 {
				writeError(w, apierror.Internal(err, "failed to query request records"))
			}
			return
		}
		if err := enc.Encode(rec); err != nil {
			return
		}
		n++
	}
}

type usageResponse struct {
	models.UsageSummary
	Key *ledger.KeyUsage `json:"key,omitempty"`
}

// HandleUsage handles GET /admin/usage
func (h *AdminHandler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	f, err := recordFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	uf := models.UsageFilter{APIKeyID: f.APIKeyID, Since: f.Since, Until: f.Until}
	summary, err := h.store.Usage(r.Context(), uf)
	if err != nil {
		writeError(w, apierror.Internal(err, "failed to aggregate usage"))
		return
	}
	if summary.ByModel == nil {
		summary.ByModel = map[string]models.ModelUsage{}
	}

	resp := usageResponse{UsageSummary: summary}
	if uf.APIKeyID != "" {
		ku, err := h.ledger.Usage(r.Context(), uf.APIKeyID)
		switch {
		case err == nil:
			resp.Key = &ku
		case apierror.Is(err, apierror.KindInvalidRequest):
			// key no longer configured; historical usage is still returned
		default:
			h.logger.Warn("live key usage unavailable", slog.String("key_id", uf.APIKeyID), slog.String("error", err.Error()))
			resp.Key = &ku
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleReload handles POST /admin/reload
func (h *AdminHandler) HandleReload(w http.ResponseWriter, r *http.Request) {
	if h.reload == nil {
		writeError(w, apierror.InvalidRequest("configuration reload is not available"))
		return
	}
	if err := h.reload(); err != nil {
		writeError(w, apierror.InvalidRequest("reload failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// HandleRevoke handles POST /admin/keys/{id}/revoke
func (h *AdminHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.ledger.Revoke(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info("api key revoked", slog.String("key_id", id))
	h.writeKeyUsage(w, r, id)
}

type budgetRequest struct {
	BudgetUSD *float64 `json:"budget_usd"`
}

// HandleSetBudget handles PUT /admin/keys/{id}/budget
func (h *AdminHandler) HandleSetBudget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body budgetRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.BudgetUSD == nil {
		writeError(w, apierror.InvalidRequest("budget_usd is required"))
		return
	}
	if err := h.ledger.SetBudget(r.Context(), id, *body.BudgetUSD); err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info("api key budget updated", slog.String("key_id", id), slog.Float64("budget_usd", *body.BudgetUSD))
	h.writeKeyUsage(w, r, id)
}

func (h *AdminHandler) writeKeyUsage(w http.ResponseWriter, r *http.Request, id string) {
	ku, err := h.ledger.Usage(r.Context(), id)
	if err != nil && apierror.Is(err, apierror.KindInvalidRequest) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ku)
}

// HandlePurgeCache handles DELETE /admin/cache and DELETE /admin/cache/{fingerprint}
func (h *AdminHandler) HandlePurgeCache(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		writeJSON(w, http.StatusOK, map[string]int{"purged": 0})
		return
	}
	if fp := chi.URLParam(r, "fingerprint"); fp != "" {
		if err := h.cache.Purge(r.Context(), fp); err != nil {
			writeError(w, apierror.Internal(err, "failed to purge cache entry"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"purged": fp})
		return
	}
	n, err := h.cache.PurgeAll(r.Context())
	if err != nil {
		writeError(w, apierror.Internal(err, "failed to purge cache"))
		return
	}
	h.logger.Info("response cache purged", slog.Int("entries", n))
	writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}
