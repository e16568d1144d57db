package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/brokerguard/brokerguard/internal/core"
	apperrors "github.com/brokerguard/brokerguard/internal/errors"
	"github.com/brokerguard/brokerguard/internal/keeper"
)

const (
	defaultStatusAlerts = 10
	defaultAlertLimit   = 50
	maxAlertLimit       = 500
)

// ErrorResponder writes the error envelope for a failed request. The server
// installs its logging responder; nil falls back to apperrors.RespondWithError.
var ErrorResponder func(http.ResponseWriter, *http.Request, error)

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	if ErrorResponder != nil {
		ErrorResponder(w, r, err)
		return
	}
	apperrors.RespondWithError(w, r, err)
}

// StatusSource is the running client whose state /status reports.
type StatusSource interface {
	Status(ctx context.Context, window time.Duration, alerts int) (keeper.Status, error)
	AlertHistory(ctx context.Context, limit int) ([]core.Alert, error)
}

// StatusHandlers serves the status endpoints for one source.
type StatusHandlers struct {
	source StatusSource
}

// NewStatusHandlers binds the status endpoints to source.
func NewStatusHandlers(source StatusSource) *StatusHandlers {
	return &StatusHandlers{source: source}
}

// Status reports session, statistics, rate limit and pacing state.
// Query parameters: window (Go duration, default monitor window) and alerts
// (number of recent alerts to include).
func (h *StatusHandlers) Status(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var window time.Duration
	if raw := query.Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			respondWithError(w, r, apperrors.NewInvalidInputError("window must be a positive duration such as 5m"))
			return
		}
		window = parsed
	}

	alerts, ok := intParam(w, r, "alerts", defaultStatusAlerts)
	if !ok {
		return
	}

	status, err := h.source.Status(r.Context(), window, alerts)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// AlertsResponse lists fired alerts, newest first.
type AlertsResponse struct {
	Alerts []core.Alert `json:"alerts"`
	Count  int          `json:"count"`
}

// Alerts lists alert history. Query parameter: limit.
func (h *StatusHandlers) Alerts(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit", defaultAlertLimit)
	if !ok {
		return
	}
	if limit > maxAlertLimit {
		limit = maxAlertLimit
	}

	alerts, err := h.source.AlertHistory(r.Context(), limit)
	if err != nil {
		respondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "failed to load alert history"))
		return
	}
	if alerts == nil {
		alerts = []core.Alert{}
	}
	writeJSON(w, http.StatusOK, AlertsResponse{Alerts: alerts, Count: len(alerts)})
}

func intParam(w http.ResponseWriter, r *http.Request, name string, fallback int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		respondWithError(w, r, apperrors.NewInvalidInputError(name+" must be a non-negative integer"))
		return 0, false
	}
	return value, true
}
