package metering

import (
	"context"
	"time"
)

// MutateFunc is applied to the current ledger entry inside an atomic
// conditional update. current is nil when no entry exists yet. Returning a
// non-nil entry writes it; returning (nil, nil) leaves storage untouched.
// Returning an error aborts the transaction and propagates to the caller.
type MutateFunc func(current *ResourceUsage) (*ResourceUsage, error)

// Storage defines the persistence collaborator for the metering subsystem.
// All methods use concrete types from this package to avoid import cycles.
//
// Implementations must make MutateResourceUsage atomic per
// (companyID, resource) key: either a true storage transaction or an
// optimistic compare-and-swap with retry. Everything else is plain
// document access.
type Storage interface {
	// GetResourceLimits returns the configured limits for a company.
	// A company that was never configured yields an empty slice, not an error.
	GetResourceLimits(ctx context.Context, companyID string) ([]ResourceLimit, error)

	// ReplaceResourceLimits replaces the full limit set for a company.
	ReplaceResourceLimits(ctx context.Context, companyID, tenantID string, limits []ResourceLimit) error

	// GetResourceUsage returns the ledger entry for (companyID, resource),
	// or (nil, nil) when none exists.
	GetResourceUsage(ctx context.Context, companyID string, resource ResourceType) (*ResourceUsage, error)

	// ListResourceUsage returns all ledger entries for a company.
	ListResourceUsage(ctx context.Context, companyID string) ([]*ResourceUsage, error)

	// MutateResourceUsage runs fn against the current ledger entry for
	// (companyID, resource) as a single atomic unit and returns the entry
	// that was written (nil when fn declined to write).
	MutateResourceUsage(ctx context.Context, companyID string, resource ResourceType, fn MutateFunc) (*ResourceUsage, error)

	// AppendUsageRecord appends one immutable audit record.
	AppendUsageRecord(ctx context.Context, rec *UsageRecord) error

	// ListUsageRecords returns audit records matching the filter,
	// newest first.
	ListUsageRecords(ctx context.Context, filter RecordFilter) ([]*UsageRecord, error)

	// GetUsageSummary returns the stored summary for a company, or
	// ErrSummaryNotFound when none has been generated.
	GetUsageSummary(ctx context.Context, companyID string) (*UsageSummary, error)

	// PutUsageSummary stores or replaces the summary for a company.
	PutUsageSummary(ctx context.Context, summary *UsageSummary) error
}

// TimeSource defines an interface for getting time from the storage engine.
// Using storage engine time instead of application server time keeps period
// rollover consistent across distributed callers and makes it injectable in
// tests.
type TimeSource interface {
	// Now returns the current time. Storage adapters backed by an engine
	// with a clock (e.g. Redis TIME) should return the engine's time.
	Now(ctx context.Context) (time.Time, error)
}

// SystemTimeSource is a TimeSource backed by the local wall clock in UTC.
type SystemTimeSource struct{}

func (SystemTimeSource) Now(ctx context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}

// Directory resolves a company to its owning tenant. Companies unknown to
// the directory fail loud with ErrCompanyNotFound.
type Directory interface {
	ResolveTenantID(ctx context.Context, companyID string) (string, error)
}

// StaticDirectory is a Directory backed by a fixed company-to-tenant map.
// Useful for tests and single-tenant deployments.
type StaticDirectory map[string]string

func (d StaticDirectory) ResolveTenantID(ctx context.Context, companyID string) (string, error) {
	tenantID, ok := d[companyID]
	if !ok {
		return "", ErrCompanyNotFound
	}
	return tenantID, nil
}

// AlertDispatcher is the alert-transport collaborator. Dispatch is
// fire-and-forget from the ledger's point of view: at-least-once delivery
// is acceptable and failures never affect the admission decision.
type AlertDispatcher interface {
	DispatchAlert(ctx context.Context, alert Alert) error
}

// NoopAlertDispatcher drops all alerts.
type NoopAlertDispatcher struct{}

func (NoopAlertDispatcher) DispatchAlert(ctx context.Context, alert Alert) error { return nil }

// LogAlertDispatcher writes alerts to a Logger instead of delivering them.
// Useful for development and as a fallback when no transport is configured.
type LogAlertDispatcher struct {
	Logger Logger
}

func (d LogAlertDispatcher) DispatchAlert(ctx context.Context, alert Alert) error {
	logger := d.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	logger.Warn("usage alert",
		Field{Key: "kind", Value: string(alert.Kind)},
		Field{Key: "companyId", Value: alert.CompanyID},
		Field{Key: "resource", Value: string(alert.Resource)},
		Field{Key: "currentValue", Value: alert.CurrentValue},
		Field{Key: "maxValue", Value: alert.MaxValue},
	)
	return nil
}

// Reporter is the delegated report-generation collaborator.
type Reporter interface {
	GenerateUsageReport(ctx context.Context, companyID string, unit PeriodUnit, start, end time.Time) (*UsageReport, error)
}
