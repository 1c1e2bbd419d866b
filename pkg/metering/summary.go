package metering

import (
	"context"
	"errors"
	"fmt"
)

// Summary status thresholds, in percent used.
const (
	warningPercent  = 80.0
	exceededPercent = 100.0
)

// unlimitedSentinel is the Limit value recorded in summaries for resources
// without a finite limit.
const unlimitedSentinel = -1

// SummaryAggregator derives the cross-resource usage summary of a company
// from its ledger entries.
type SummaryAggregator struct {
	storage Storage
	clock   TimeSource
	logger  Logger
}

// NewSummaryAggregator creates an aggregator bound to the given storage.
func NewSummaryAggregator(storage Storage, clock TimeSource, logger Logger) *SummaryAggregator {
	return &SummaryAggregator{storage: storage, clock: clock, logger: logger}
}

// summarizeEntry computes the derived view of one ledger entry.
func summarizeEntry(entry *ResourceUsage) ResourceSummary {
	if entry.MaxValue <= 0 {
		return ResourceSummary{
			CurrentUsage:   entry.CurrentValue,
			Limit:          unlimitedSentinel,
			PercentUsed:    0,
			RemainingUsage: 0,
			OverageUsage:   0,
			Status:         SummaryNormal,
		}
	}

	percent := float64(entry.CurrentValue) / float64(entry.MaxValue) * 100

	remaining := entry.MaxValue - entry.CurrentValue
	if remaining < 0 {
		remaining = 0
	}
	overage := entry.CurrentValue - entry.MaxValue
	if overage < 0 {
		overage = 0
	}

	status := SummaryNormal
	switch {
	case percent >= exceededPercent:
		status = SummaryExceeded
	case percent >= warningPercent:
		status = SummaryWarning
	}

	return ResourceSummary{
		CurrentUsage:   entry.CurrentValue,
		Limit:          entry.MaxValue,
		PercentUsed:    percent,
		RemainingUsage: remaining,
		OverageUsage:   overage,
		Status:         status,
	}
}

// BuildSummary computes a summary from ledger entries without touching
// storage. The summary period is taken from an arbitrary entry: all
// resources of a company share period unit granularity by configuration.
func BuildSummary(companyID, tenantID string, entries []*ResourceUsage) *UsageSummary {
	summary := &UsageSummary{
		CompanyID: companyID,
		TenantID:  tenantID,
		Resources: make(map[ResourceType]ResourceSummary, len(entries)),
	}

	var finiteSum float64
	var finiteCount int
	for _, entry := range entries {
		rs := summarizeEntry(entry)
		summary.Resources[entry.Resource] = rs
		if rs.Limit != unlimitedSentinel {
			finiteSum += rs.PercentUsed
			finiteCount++
		}
		summary.Period = entry.Period
		if summary.TenantID == "" {
			summary.TenantID = entry.TenantID
		}
	}

	if finiteCount > 0 {
		summary.TotalUsagePercentage = finiteSum / float64(finiteCount)
	}
	return summary
}

// Update regenerates and persists the summary for a company from its
// current ledger state. The summary is recomputed whole, never patched.
func (a *SummaryAggregator) Update(ctx context.Context, companyID, tenantID string) (*UsageSummary, error) {
	entries, err := a.storage.ListResourceUsage(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource usage: %w", err)
	}

	now, err := a.clock.Now(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read clock: %w", err)
	}

	summary := BuildSummary(companyID, tenantID, entries)
	summary.LastUpdated = now

	if err := a.storage.PutUsageSummary(ctx, summary); err != nil {
		return nil, fmt.Errorf("failed to store usage summary: %w", err)
	}
	return summary, nil
}

// Get returns the stored summary for a company, lazily regenerating it once
// when absent.
func (a *SummaryAggregator) Get(ctx context.Context, companyID, tenantID string) (*UsageSummary, error) {
	summary, err := a.storage.GetUsageSummary(ctx, companyID)
	if err == nil {
		return summary, nil
	}
	if !errors.Is(err, ErrSummaryNotFound) {
		return nil, fmt.Errorf("failed to load usage summary: %w", err)
	}
	return a.Update(ctx, companyID, tenantID)
}
