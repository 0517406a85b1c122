package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCodes(t *testing.T) {
	tests := []struct {
		err  *Error
		want int
	}{
		{InvalidRequest("bad"), http.StatusBadRequest},
		{Unauthorized("who"), http.StatusUnauthorized},
		{BudgetExceeded(0.5, "over"), http.StatusPaymentRequired},
		{RateLimited(time.Second, "slow down"), http.StatusTooManyRequests},
		{UnknownModel("nope"), http.StatusNotFound},
		{UpstreamUnavailable(errors.New("boom"), false, "down"), http.StatusBadGateway},
		{UpstreamUnavailable(errors.New("slow"), true, "down"), http.StatusGatewayTimeout},
		{Internal(errors.New("x"), "oops"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.err.Kind), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.StatusCode())
		})
	}
}

func TestFromWrapped(t *testing.T) {
	wrapped := fmt.Errorf("handling: %w", UnknownModel("gpt-x"))
	got := From(wrapped)
	require.NotNil(t, got)
	assert.Equal(t, KindUnknownModel, got.Kind)
	assert.True(t, Is(wrapped, KindUnknownModel))

	plain := From(errors.New("disk on fire"))
	assert.Equal(t, KindInternal, plain.Kind)
	assert.Nil(t, From(nil))
}

func TestBodyHints(t *testing.T) {
	body := RateLimited(1500*time.Millisecond, "rpm exceeded").ToBody()
	require.NotNil(t, body.Error.RetryAfterSeconds)
	assert.Equal(t, 2, *body.Error.RetryAfterSeconds)

	body = BudgetExceeded(-3, "spent").ToBody()
	require.NotNil(t, body.Error.RemainingBudgetUSD)
	assert.Equal(t, 0.0, *body.Error.RemainingBudgetUSD)

	body = Internal(errors.New("secret dsn"), "unexpected error").ToBody()
	assert.Equal(t, "unexpected error", body.Error.Message)
}
