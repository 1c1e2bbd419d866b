package metering

import (
	"context"
	"time"
)

// UsageRecorder appends immutable audit records of individual usage events.
// Recording is a secondary concern: failures are logged and swallowed so
// they can never change an admission decision already made by the ledger.
type UsageRecorder struct {
	storage Storage
	logger  Logger
}

// NewUsageRecorder creates a recorder bound to the given storage.
func NewUsageRecorder(storage Storage, logger Logger) *UsageRecorder {
	return &UsageRecorder{storage: storage, logger: logger}
}

// Record appends one audit entry. Best effort: an error is reported to the
// caller's logger, never returned.
func (r *UsageRecorder) Record(ctx context.Context, companyID, tenantID string, resource ResourceType, value int64, metadata map[string]any, userID string, ts time.Time) {
	rec := &UsageRecord{
		CompanyID: companyID,
		TenantID:  tenantID,
		Resource:  resource,
		Value:     value,
		Timestamp: ts,
		Metadata:  metadata,
		UserID:    userID,
	}
	if err := r.storage.AppendUsageRecord(ctx, rec); err != nil {
		r.logger.Warn("failed to append usage record",
			Field{Key: "companyId", Value: companyID},
			Field{Key: "resource", Value: string(resource)},
			Field{Key: "error", Value: err.Error()},
		)
	}
}

// History returns audit records matching the filter, newest first.
func (r *UsageRecorder) History(ctx context.Context, filter RecordFilter) ([]*UsageRecord, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	return r.storage.ListUsageRecords(ctx, filter)
}
