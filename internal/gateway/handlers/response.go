package handlers

import (
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/apierror"
)

// maxBodyBytes caps inbound JSON bodies
const maxBodyBytes = 8 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err in the gateway error envelope
func writeError(w http.ResponseWriter, err error) {
	apiErr := apierror.From(err)
	if apiErr.Kind == apierror.KindRateLimited {
		w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfterSeconds()))
	}
	writeJSON(w, apiErr.StatusCode(), apiErr.ToBody())
}

// decodeJSON reads a JSON body into v
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apierror.InvalidRequest("invalid request body: %v", err)
	}
	return nil
}
