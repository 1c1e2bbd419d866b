package api

import (
	"time"

	"github.com/crmforge/metering/pkg/metering"
)

// LimitPayload is the wire form of one resource limit.
type LimitPayload struct {
	Resource       string   `json:"resource"`
	Limit          int64    `json:"limit"`
	Unit           string   `json:"unit"`
	ResetPolicy    string   `json:"resetPolicy"`
	AlertThreshold *float64 `json:"alertThreshold,omitempty"`
}

// ConfigureLimitsRequest is the body of PUT /companies/{companyID}/limits.
type ConfigureLimitsRequest struct {
	Limits []LimitPayload `json:"limits"`
}

// TrackUsageRequest is the body of POST /companies/{companyID}/usage/{resource}.
type TrackUsageRequest struct {
	Amount   int64          `json:"amount"`
	UserID   string         `json:"userId,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TrackUsageResponse reports the admission decision.
type TrackUsageResponse struct {
	Admitted bool   `json:"admitted"`
	Resource string `json:"resource"`
}

// SetStatusRequest is the body of PUT /companies/{companyID}/usage/{resource}/status.
type SetStatusRequest struct {
	Status string `json:"status"`
}

// UsagePayload is the wire form of one ledger entry.
type UsagePayload struct {
	CompanyID    string    `json:"companyId"`
	TenantID     string    `json:"tenantId"`
	Resource     string    `json:"resource"`
	CurrentValue int64     `json:"currentValue"`
	MaxValue     int64     `json:"maxValue"`
	Unit         string    `json:"unit"`
	ResetPolicy  string    `json:"resetPolicy"`
	PeriodStart  time.Time `json:"periodStart"`
	PeriodEnd    time.Time `json:"periodEnd"`
	Status       string    `json:"status"`
	LastUpdated  time.Time `json:"lastUpdated"`
}

// RecordPayload is the wire form of one audit record.
type RecordPayload struct {
	CompanyID string         `json:"companyId"`
	TenantID  string         `json:"tenantId"`
	Resource  string         `json:"resource"`
	Value     int64          `json:"value"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	UserID    string         `json:"userId,omitempty"`
}

// ResourceSummaryPayload is the wire form of one summary entry.
type ResourceSummaryPayload struct {
	CurrentUsage   int64   `json:"currentUsage"`
	Limit          int64   `json:"limit"`
	PercentUsed    float64 `json:"percentUsed"`
	RemainingUsage int64   `json:"remainingUsage"`
	OverageUsage   int64   `json:"overageUsage"`
	Status         string  `json:"status"`
}

// SummaryPayload is the wire form of a company usage summary.
type SummaryPayload struct {
	CompanyID            string                            `json:"companyId"`
	TenantID             string                            `json:"tenantId"`
	PeriodStart          time.Time                         `json:"periodStart"`
	PeriodEnd            time.Time                         `json:"periodEnd"`
	Resources            map[string]ResourceSummaryPayload `json:"resources"`
	TotalUsagePercentage float64                           `json:"totalUsagePercentage"`
	LastUpdated          time.Time                         `json:"lastUpdated"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

func limitPayload(l metering.ResourceLimit) LimitPayload {
	return LimitPayload{
		Resource:       string(l.Resource),
		Limit:          l.Limit,
		Unit:           string(l.Unit),
		ResetPolicy:    string(l.ResetPolicy),
		AlertThreshold: l.AlertThreshold,
	}
}

func usagePayload(u *metering.ResourceUsage) UsagePayload {
	return UsagePayload{
		CompanyID:    u.CompanyID,
		TenantID:     u.TenantID,
		Resource:     string(u.Resource),
		CurrentValue: u.CurrentValue,
		MaxValue:     u.MaxValue,
		Unit:         string(u.Unit),
		ResetPolicy:  string(u.ResetPolicy),
		PeriodStart:  u.Period.Start,
		PeriodEnd:    u.Period.End,
		Status:       string(u.Status),
		LastUpdated:  u.LastUpdated,
	}
}

func summaryPayload(s *metering.UsageSummary) SummaryPayload {
	out := SummaryPayload{
		CompanyID:            s.CompanyID,
		TenantID:             s.TenantID,
		PeriodStart:          s.Period.Start,
		PeriodEnd:            s.Period.End,
		Resources:            make(map[string]ResourceSummaryPayload, len(s.Resources)),
		TotalUsagePercentage: s.TotalUsagePercentage,
		LastUpdated:          s.LastUpdated,
	}
	for name, rs := range s.Resources {
		out.Resources[string(name)] = ResourceSummaryPayload{
			CurrentUsage:   rs.CurrentUsage,
			Limit:          rs.Limit,
			PercentUsed:    rs.PercentUsed,
			RemainingUsage: rs.RemainingUsage,
			OverageUsage:   rs.OverageUsage,
			Status:         string(rs.Status),
		}
	}
	return out
}

func recordPayload(r *metering.UsageRecord) RecordPayload {
	return RecordPayload{
		CompanyID: r.CompanyID,
		TenantID:  r.TenantID,
		Resource:  string(r.Resource),
		Value:     r.Value,
		Timestamp: r.Timestamp,
		Metadata:  r.Metadata,
		UserID:    r.UserID,
	}
}
