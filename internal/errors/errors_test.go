package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerguard/brokerguard/internal/core"
)

func TestCodeForKindStatus(t *testing.T) {
	tests := []struct {
		kind   core.ErrorKind
		code   string
		status int
	}{
		{core.KindAuthentication, CodeAuthFailed, http.StatusUnauthorized},
		{core.KindSessionExpired, CodeSessionExpired, http.StatusUnauthorized},
		{core.KindRateLimited, CodeRateLimited, http.StatusTooManyRequests},
		{core.KindTimeout, CodeTimeout, http.StatusGatewayTimeout},
		{core.KindNetwork, CodeExternalService, http.StatusBadGateway},
		{core.KindMalformedResponse, CodeMalformedResponse, http.StatusBadGateway},
		{core.KindInvalidRequest, CodeInvalidInput, http.StatusBadRequest},
		{core.KindSuppressed, CodeSuppressed, http.StatusServiceUnavailable},
		{core.KindConfiguration, CodeConfigInvalid, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			code := CodeForKind(tt.kind)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.status, HTTPStatusFromCode(code))
		})
	}
}

func TestFromDomainCarriesContext(t *testing.T) {
	cause := fmt.Errorf("dial tcp: refused")
	err := fmt.Errorf("invoke: %w", &core.Error{
		Kind:     core.KindNetwork,
		Op:       "orders.list",
		Message:  "broker unreachable",
		Attempts: 3,
		Err:      cause,
	})

	envelope := FromDomain(context.Background(), err)
	require.NotNil(t, envelope)
	assert.Equal(t, CodeExternalService, envelope.Code)
	assert.Equal(t, "broker unreachable", envelope.Message)
	assert.Equal(t, "orders.list", envelope.Context["op"])
	assert.Equal(t, "network", envelope.Context["kind"])
	assert.EqualValues(t, 3, envelope.Context["attempts"])

	plain := FromDomain(context.Background(), stderrors.New("boom"))
	assert.Equal(t, CodeInternal, plain.Code)
}

func TestRespondWithErrorSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)

	RespondWithError(rec, req, &core.Error{
		Kind:       core.KindRateLimited,
		Op:         "orders.list",
		Message:    "limit reached",
		RetryAfter: 2200 * time.Millisecond,
	})

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("Retry-After"))

	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, CodeRateLimited, body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestEnsureEnvelopeWrapsPlainErrors(t *testing.T) {
	envelope := EnsureEnvelope(stderrors.New("disk full"))
	assert.Equal(t, CodeInternal, envelope.Code)
	assert.Equal(t, "disk full", envelope.Context["wrapped_error"])

	assert.Equal(t, CodeInternal, EnsureEnvelope(nil).Code)
}
