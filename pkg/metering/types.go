package metering

import (
	"time"
)

// ResourceType identifies a metered resource within a company's account.
type ResourceType string

const (
	ResourceStorage              ResourceType = "storage"
	ResourceAPICalls             ResourceType = "api_calls"
	ResourceUserSeats            ResourceType = "user_seats"
	ResourceDocuments            ResourceType = "documents"
	ResourceExports              ResourceType = "exports"
	ResourceImports              ResourceType = "imports"
	ResourceEmailNotifications   ResourceType = "email_notifications"
	ResourceSMSNotifications     ResourceType = "sms_notifications"
	ResourceAutomationExecutions ResourceType = "automation_executions"
	ResourceCustomReports        ResourceType = "custom_reports"
	ResourceAIRecommendations    ResourceType = "ai_recommendations"
	ResourceWebhooks             ResourceType = "webhooks"
	ResourceCalendarIntegrations ResourceType = "calendar_integrations"
)

var knownResources = map[ResourceType]bool{
	ResourceStorage:              true,
	ResourceAPICalls:             true,
	ResourceUserSeats:            true,
	ResourceDocuments:            true,
	ResourceExports:              true,
	ResourceImports:              true,
	ResourceEmailNotifications:   true,
	ResourceSMSNotifications:     true,
	ResourceAutomationExecutions: true,
	ResourceCustomReports:        true,
	ResourceAIRecommendations:    true,
	ResourceWebhooks:             true,
	ResourceCalendarIntegrations: true,
}

// ParseResourceType validates a raw string against the known resource types.
// Unknown resource names are rejected at the boundary rather than stored.
func ParseResourceType(s string) (ResourceType, error) {
	rt := ResourceType(s)
	if !knownResources[rt] {
		return "", ErrUnknownResource
	}
	return rt, nil
}

// IsValid reports whether the resource type is one of the known types.
func (r ResourceType) IsValid() bool {
	return knownResources[r]
}

// PeriodUnit defines the granularity of a metering window.
type PeriodUnit string

const (
	UnitDaily   PeriodUnit = "daily"
	UnitWeekly  PeriodUnit = "weekly"
	UnitMonthly PeriodUnit = "monthly"
	UnitYearly  PeriodUnit = "yearly"
)

// IsValid reports whether the unit is a known period unit.
func (u PeriodUnit) IsValid() bool {
	switch u {
	case UnitDaily, UnitWeekly, UnitMonthly, UnitYearly:
		return true
	}
	return false
}

// ResetPolicy determines how a metering window is anchored.
type ResetPolicy string

const (
	// ResetRolling anchors the window at the moment of the triggering call.
	ResetRolling ResetPolicy = "rolling"
	// ResetCalendar aligns the window to natural day/week/month/year boundaries.
	ResetCalendar ResetPolicy = "calendar"
)

// IsValid reports whether the policy is a known reset policy.
func (p ResetPolicy) IsValid() bool {
	return p == ResetRolling || p == ResetCalendar
}

// MeteringStatus is the enforcement state of a ledger entry.
type MeteringStatus string

const (
	// StatusActive enforces limits normally.
	StatusActive MeteringStatus = "active"
	// StatusPaused admits and counts usage without rejecting over-limit calls.
	StatusPaused MeteringStatus = "paused"
	// StatusStopped admits usage without touching the counters at all.
	StatusStopped MeteringStatus = "stopped"
)

// IsValid reports whether the status is a known metering status.
func (s MeteringStatus) IsValid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusStopped:
		return true
	}
	return false
}

// Period represents a metering window as a half-open interval [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Expired reports whether the window has ended as of now.
func (p Period) Expired(now time.Time) bool {
	return !now.Before(p.End)
}

// ResourceLimit is the configured limit for one resource type of a company.
// A Limit <= 0 means unlimited. One limit per resource type per company.
type ResourceLimit struct {
	Resource    ResourceType
	Limit       int64
	Unit        PeriodUnit
	ResetPolicy ResetPolicy

	// AlertThreshold is an optional early-warning percentage (0-100).
	// When set, an "approaching limit" alert is dispatched whenever usage
	// reaches or exceeds this percentage of the limit.
	AlertThreshold *float64
}

// Unlimited reports whether this limit places no cap on usage.
func (l ResourceLimit) Unlimited() bool {
	return l.Limit <= 0
}

// ResourceUsage is the mutable per-(company, resource) ledger entry.
// It is created on first configuration or first untracked usage and is
// never deleted, only reset.
type ResourceUsage struct {
	CompanyID    string
	TenantID     string
	Resource     ResourceType
	CurrentValue int64
	MaxValue     int64
	Unit         PeriodUnit
	ResetPolicy  ResetPolicy
	Period       Period
	Status       MeteringStatus
	LastUpdated  time.Time
}

// UsageRecord is one immutable audit entry, appended once per TrackUsage
// invocation regardless of the admission outcome.
type UsageRecord struct {
	CompanyID string
	TenantID  string
	Resource  ResourceType
	Value     int64
	Timestamp time.Time
	Metadata  map[string]any
	UserID    string
}

// Audit metadata keys attached to rejected usage records.
const (
	MetaLimitExceeded = "limitExceeded"
	MetaLimit         = "limit"
	MetaTotalUsage    = "totalUsage"
)

// SummaryStatus classifies a resource inside a usage summary.
type SummaryStatus string

const (
	SummaryNormal   SummaryStatus = "normal"
	SummaryWarning  SummaryStatus = "warning"
	SummaryExceeded SummaryStatus = "exceeded"
)

// ResourceSummary is the derived cross-resource view of one ledger entry.
// Limit is -1 for unlimited resources.
type ResourceSummary struct {
	CurrentUsage   int64
	Limit          int64
	PercentUsed    float64
	RemainingUsage int64
	OverageUsage   int64
	Status         SummaryStatus
}

// UsageSummary is the derived per-company summary, regenerated after every
// ledger mutation and never partially patched.
type UsageSummary struct {
	CompanyID string
	TenantID  string
	Period    Period
	Resources map[ResourceType]ResourceSummary

	// TotalUsagePercentage is the arithmetic mean of PercentUsed over
	// resources with a finite limit; 0 if none have one.
	TotalUsagePercentage float64
	LastUpdated          time.Time
}

// AlertKind distinguishes threshold warnings from overage notifications.
type AlertKind string

const (
	AlertApproaching AlertKind = "approaching"
	AlertOverage     AlertKind = "overage"
)

// Alert is the payload handed to the alert-dispatch collaborator.
type Alert struct {
	CompanyID    string
	TenantID     string
	Resource     ResourceType
	CurrentValue int64
	MaxValue     int64
	Kind         AlertKind

	// Amount is the usage amount of the triggering call (overage alerts).
	Amount int64
}

// UsageReport is the result of the delegated report-generation job.
type UsageReport struct {
	CompanyID   string
	Unit        PeriodUnit
	Start       time.Time
	End         time.Time
	GeneratedAt time.Time
	Data        map[string]any
}

// RecordFilter selects audit records for history queries.
type RecordFilter struct {
	CompanyID string
	Resource  ResourceType
	StartTime *time.Time
	EndTime   *time.Time

	// Limit caps the number of results (default: 100).
	Limit int
}
