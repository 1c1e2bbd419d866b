// Package api provides HTTP endpoints for administering the metering
// subsystem: limit configuration, usage inspection, history, summaries,
// status control, resets, and reports.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/crmforge/metering/pkg/metering"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// Handler provides HTTP endpoints for metering administration.
type Handler struct {
	config Config
}

// Routes returns a chi router with all metering endpoints mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	if h.config.Authorize != nil {
		r.Use(h.authorize)
	}

	r.Route("/companies/{companyID}", func(r chi.Router) {
		r.Put("/limits", h.ConfigureLimits)
		r.Get("/limits", h.GetLimits)

		r.Post("/usage/{resource}", h.TrackUsage)
		r.Get("/usage/{resource}", h.GetUsage)
		r.Put("/usage/{resource}/status", h.SetStatus)
		r.Post("/usage/{resource}/reset", h.ResetUsage)

		r.Get("/history", h.GetHistory)
		r.Get("/summary", h.GetSummary)
		r.Get("/report", h.GetReport)
	})

	return r
}

func (h *Handler) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.config.Authorize(r) {
			h.writeError(w, r, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ConfigureLimits handles PUT /companies/{companyID}/limits.
func (h *Handler) ConfigureLimits(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")

	var req ConfigureLimitsRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	limits := make([]metering.ResourceLimit, 0, len(req.Limits))
	for _, l := range req.Limits {
		limits = append(limits, metering.ResourceLimit{
			Resource:       metering.ResourceType(l.Resource),
			Limit:          l.Limit,
			Unit:           metering.PeriodUnit(l.Unit),
			ResetPolicy:    metering.ResetPolicy(l.ResetPolicy),
			AlertThreshold: l.AlertThreshold,
		})
	}

	if err := h.config.Manager.ConfigureResourceLimits(r.Context(), companyID, limits); err != nil {
		h.handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetLimits handles GET /companies/{companyID}/limits.
func (h *Handler) GetLimits(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")

	limits, err := h.config.Manager.GetResourceLimits(r.Context(), companyID)
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}

	out := make([]LimitPayload, 0, len(limits))
	for _, l := range limits {
		out = append(out, limitPayload(l))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// TrackUsage handles POST /companies/{companyID}/usage/{resource}.
func (h *Handler) TrackUsage(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")
	resource := metering.ResourceType(chi.URLParam(r, "resource"))

	var req TrackUsageRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	var opts []metering.TrackOption
	if len(req.Metadata) > 0 {
		opts = append(opts, metering.WithMetadata(req.Metadata))
	}
	if req.UserID != "" {
		opts = append(opts, metering.WithUserID(req.UserID))
	}

	admitted, err := h.config.Manager.TrackUsage(r.Context(), companyID, resource, req.Amount, opts...)
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}

	status := http.StatusOK
	if !admitted {
		status = http.StatusTooManyRequests
	}
	h.writeJSON(w, status, TrackUsageResponse{Admitted: admitted, Resource: string(resource)})
}

// GetUsage handles GET /companies/{companyID}/usage/{resource}.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")
	resource := metering.ResourceType(chi.URLParam(r, "resource"))

	usage, err := h.config.Manager.GetResourceUsage(r.Context(), companyID, resource)
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, usagePayload(usage))
}

// SetStatus handles PUT /companies/{companyID}/usage/{resource}/status.
func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")
	resource := metering.ResourceType(chi.URLParam(r, "resource"))

	var req SetStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	err := h.config.Manager.SetMeteringStatus(r.Context(), companyID, resource, metering.MeteringStatus(req.Status))
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResetUsage handles POST /companies/{companyID}/usage/{resource}/reset.
func (h *Handler) ResetUsage(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")
	resource := metering.ResourceType(chi.URLParam(r, "resource"))

	if err := h.config.Manager.ResetUsage(r.Context(), companyID, resource); err != nil {
		h.handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetHistory handles GET /companies/{companyID}/history.
// Query parameters: resource, start, end (RFC 3339), limit.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	filter := metering.RecordFilter{
		CompanyID: chi.URLParam(r, "companyID"),
	}

	query := r.URL.Query()
	if resource := query.Get("resource"); resource != "" {
		filter.Resource = metering.ResourceType(resource)
	}
	if raw := query.Get("start"); raw != "" {
		start, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, errors.New("invalid start time"))
			return
		}
		filter.StartTime = &start
	}
	if raw := query.Get("end"); raw != "" {
		end, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, errors.New("invalid end time"))
			return
		}
		filter.EndTime = &end
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.writeError(w, r, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		filter.Limit = limit
	}

	records, err := h.config.Manager.GetUsageHistory(r.Context(), filter)
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}

	out := make([]RecordPayload, 0, len(records))
	for _, rec := range records {
		out = append(out, recordPayload(rec))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// GetSummary handles GET /companies/{companyID}/summary.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")

	summary, err := h.config.Manager.GetUsageSummary(r.Context(), companyID)
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summaryPayload(summary))
}

// GetReport handles GET /companies/{companyID}/report.
// Query parameters: unit, start, end (RFC 3339).
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")
	query := r.URL.Query()

	unit := metering.PeriodUnit(query.Get("unit"))
	if unit == "" {
		unit = metering.UnitMonthly
	}

	start, err := time.Parse(time.RFC3339, query.Get("start"))
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, errors.New("invalid start time"))
		return
	}
	end, err := time.Parse(time.RFC3339, query.Get("end"))
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, errors.New("invalid end time"))
		return
	}

	report, err := h.config.Manager.GetUsageReport(r.Context(), companyID, unit, start, end)
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, metering.ErrCompanyNotFound),
		errors.Is(err, metering.ErrUsageNotFound),
		errors.Is(err, metering.ErrSummaryNotFound):
		h.writeError(w, r, http.StatusNotFound, err)
	case errors.Is(err, metering.ErrUnknownResource),
		errors.Is(err, metering.ErrInvalidAmount),
		errors.Is(err, metering.ErrInvalidLimit),
		errors.Is(err, metering.ErrInvalidThreshold),
		errors.Is(err, metering.ErrInvalidUnit),
		errors.Is(err, metering.ErrInvalidStatus):
		h.writeError(w, r, http.StatusBadRequest, err)
	case errors.Is(err, metering.ErrReportFailed):
		h.writeError(w, r, http.StatusBadGateway, err)
	default:
		if h.config.OnError != nil {
			h.config.OnError(w, r, err)
			return
		}
		h.config.Logger.Error("metering api internal error",
			metering.Field{Key: "path", Value: r.URL.Path},
			metering.Field{Key: "error", Value: err.Error()})
		h.writeError(w, r, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	h.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.config.Logger.Error("failed to encode response",
			metering.Field{Key: "error", Value: err.Error()})
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
