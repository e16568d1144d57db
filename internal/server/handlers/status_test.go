package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusRejectsBadWindowThroughErrorResponder(t *testing.T) {
	h := NewStatusHandlers(nil)

	t.Run("DefaultResponder", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Status(rec, httptest.NewRequest(http.MethodGet, "/status?window=-5m", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "INVALID_INPUT")
	})

	t.Run("InstalledResponder", func(t *testing.T) {
		var got error
		ErrorResponder = func(w http.ResponseWriter, r *http.Request, err error) {
			got = err
			w.WriteHeader(http.StatusTeapot)
		}
		t.Cleanup(func() { ErrorResponder = nil })

		rec := httptest.NewRecorder()
		h.Status(rec, httptest.NewRequest(http.MethodGet, "/status?window=soon", nil))
		require.Error(t, got)
		assert.Equal(t, http.StatusTeapot, rec.Code)
	})
}
