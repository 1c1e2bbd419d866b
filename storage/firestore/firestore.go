// Package firestore provides a Firestore implementation of the
// metering.Storage interface. Ledger mutations run inside Firestore
// transactions, which gives the per-(company, resource) conditional update
// its atomicity.
package firestore

import (
	"context"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/crmforge/metering/pkg/metering"
)

// Storage implements metering.Storage using Google Cloud Firestore.
type Storage struct {
	client              *firestore.Client
	limitsCollection    string
	usageCollection     string
	recordsCollection   string
	summariesCollection string
}

// Config holds Firestore storage configuration.
type Config struct {
	// LimitsCollection holds one document per company with its limit set
	// Default: "metering_limits"
	LimitsCollection string

	// UsageCollection holds one document per (company, resource) ledger entry
	// Default: "metering_usage"
	UsageCollection string

	// RecordsCollection holds append-only audit records
	// Default: "metering_records"
	RecordsCollection string

	// SummariesCollection holds one derived summary document per company
	// Default: "metering_summaries"
	SummariesCollection string
}

// New creates a new Firestore storage adapter.
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.LimitsCollection == "" {
		config.LimitsCollection = "metering_limits"
	}
	if config.UsageCollection == "" {
		config.UsageCollection = "metering_usage"
	}
	if config.RecordsCollection == "" {
		config.RecordsCollection = "metering_records"
	}
	if config.SummariesCollection == "" {
		config.SummariesCollection = "metering_summaries"
	}

	return &Storage{
		client:              client,
		limitsCollection:    config.LimitsCollection,
		usageCollection:     config.UsageCollection,
		recordsCollection:   config.RecordsCollection,
		summariesCollection: config.SummariesCollection,
	}, nil
}

// GetResourceLimits implements metering.Storage.
func (s *Storage) GetResourceLimits(ctx context.Context, companyID string) ([]metering.ResourceLimit, error) {
	snap, err := s.client.Collection(s.limitsCollection).Doc(companyID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return []metering.ResourceLimit{}, nil
		}
		return nil, fmt.Errorf("failed to get resource limits: %w", err)
	}
	if !snap.Exists() {
		return []metering.ResourceLimit{}, nil
	}

	return limitsFromData(snap.Data()), nil
}

// ReplaceResourceLimits implements metering.Storage.
func (s *Storage) ReplaceResourceLimits(ctx context.Context, companyID, tenantID string, limits []metering.ResourceLimit) error {
	items := make([]map[string]interface{}, 0, len(limits))
	for _, l := range limits {
		item := map[string]interface{}{
			"resourceType": string(l.Resource),
			"limit":        l.Limit,
			"unit":         string(l.Unit),
			"resetPolicy":  string(l.ResetPolicy),
		}
		if l.AlertThreshold != nil {
			item["alertThreshold"] = *l.AlertThreshold
		}
		items = append(items, item)
	}

	// Full replace, not a merge: the document is overwritten.
	_, err := s.client.Collection(s.limitsCollection).Doc(companyID).Set(ctx, map[string]interface{}{
		"companyId": companyID,
		"tenantId":  tenantID,
		"limits":    items,
		"updatedAt": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to replace resource limits: %w", err)
	}
	return nil
}

// GetResourceUsage implements metering.Storage.
func (s *Storage) GetResourceUsage(ctx context.Context, companyID string, resource metering.ResourceType) (*metering.ResourceUsage, error) {
	snap, err := s.usageDoc(companyID, resource).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil // No entry yet is not an error
		}
		return nil, fmt.Errorf("failed to get resource usage: %w", err)
	}
	if !snap.Exists() {
		return nil, nil
	}
	return usageFromData(snap.Data()), nil
}

// ListResourceUsage implements metering.Storage.
func (s *Storage) ListResourceUsage(ctx context.Context, companyID string) ([]*metering.ResourceUsage, error) {
	snaps, err := s.client.Collection(s.usageCollection).
		Where("companyId", "==", companyID).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list resource usage: %w", err)
	}

	out := make([]*metering.ResourceUsage, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, usageFromData(snap.Data()))
	}
	return out, nil
}

// MutateResourceUsage implements metering.Storage. The Firestore transaction
// re-reads the entry and retries on contention, so fn may run more than once.
func (s *Storage) MutateResourceUsage(ctx context.Context, companyID string, resource metering.ResourceType, fn metering.MutateFunc) (*metering.ResourceUsage, error) {
	doc := s.usageDoc(companyID, resource)
	var written *metering.ResourceUsage

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		written = nil

		snap, err := tx.Get(doc)
		var current *metering.ResourceUsage
		if err != nil {
			if status.Code(err) != codes.NotFound {
				return err
			}
		} else if snap.Exists() {
			current = usageFromData(snap.Data())
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}

		if err := tx.Set(doc, usageToData(next)); err != nil {
			return err
		}
		written = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return written, nil
}

// AppendUsageRecord implements metering.Storage.
func (s *Storage) AppendUsageRecord(ctx context.Context, rec *metering.UsageRecord) error {
	data := map[string]interface{}{
		"companyId": rec.CompanyID,
		"tenantId":  rec.TenantID,
		"resource":  string(rec.Resource),
		"value":     rec.Value,
		"timestamp": rec.Timestamp,
	}
	if len(rec.Metadata) > 0 {
		data["metadata"] = rec.Metadata
	}
	if rec.UserID != "" {
		data["userId"] = rec.UserID
	}

	_, err := s.client.Collection(s.recordsCollection).NewDoc().Create(ctx, data)
	if err != nil {
		return fmt.Errorf("failed to append usage record: %w", err)
	}
	return nil
}

// ListUsageRecords implements metering.Storage.
func (s *Storage) ListUsageRecords(ctx context.Context, filter metering.RecordFilter) ([]*metering.UsageRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := s.client.Collection(s.recordsCollection).
		Where("companyId", "==", filter.CompanyID)
	if filter.Resource != "" {
		query = query.Where("resource", "==", string(filter.Resource))
	}
	if filter.StartTime != nil {
		query = query.Where("timestamp", ">=", *filter.StartTime)
	}
	if filter.EndTime != nil {
		query = query.Where("timestamp", "<=", *filter.EndTime)
	}
	query = query.OrderBy("timestamp", firestore.Desc).Limit(limit)

	snaps, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}

	out := make([]*metering.UsageRecord, 0, len(snaps))
	for _, snap := range snaps {
		data := snap.Data()
		rec := &metering.UsageRecord{
			CompanyID: getString(data, "companyId"),
			TenantID:  getString(data, "tenantId"),
			Resource:  metering.ResourceType(getString(data, "resource")),
			Value:     getInt64(data, "value"),
			Timestamp: getTime(data, "timestamp"),
			UserID:    getString(data, "userId"),
		}
		if meta, ok := data["metadata"].(map[string]interface{}); ok {
			rec.Metadata = meta
		}
		out = append(out, rec)
	}
	return out, nil
}

// GetUsageSummary implements metering.Storage.
func (s *Storage) GetUsageSummary(ctx context.Context, companyID string) (*metering.UsageSummary, error) {
	snap, err := s.client.Collection(s.summariesCollection).Doc(companyID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, metering.ErrSummaryNotFound
		}
		return nil, fmt.Errorf("failed to get usage summary: %w", err)
	}
	if !snap.Exists() {
		return nil, metering.ErrSummaryNotFound
	}

	data := snap.Data()
	summary := &metering.UsageSummary{
		CompanyID:            getString(data, "companyId"),
		TenantID:             getString(data, "tenantId"),
		Period:               metering.Period{Start: getTime(data, "periodStart"), End: getTime(data, "periodEnd")},
		Resources:            make(map[metering.ResourceType]metering.ResourceSummary),
		TotalUsagePercentage: getFloat(data, "totalUsagePercentage"),
		LastUpdated:          getTime(data, "lastUpdated"),
	}

	if resources, ok := data["resources"].(map[string]interface{}); ok {
		for name, raw := range resources {
			item, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			summary.Resources[metering.ResourceType(name)] = metering.ResourceSummary{
				CurrentUsage:   getInt64(item, "currentUsage"),
				Limit:          getInt64(item, "limit"),
				PercentUsed:    getFloat(item, "percentUsed"),
				RemainingUsage: getInt64(item, "remainingUsage"),
				OverageUsage:   getInt64(item, "overageUsage"),
				Status:         metering.SummaryStatus(getString(item, "status")),
			}
		}
	}
	return summary, nil
}

// PutUsageSummary implements metering.Storage.
func (s *Storage) PutUsageSummary(ctx context.Context, summary *metering.UsageSummary) error {
	resources := make(map[string]interface{}, len(summary.Resources))
	for name, rs := range summary.Resources {
		resources[string(name)] = map[string]interface{}{
			"currentUsage":   rs.CurrentUsage,
			"limit":          rs.Limit,
			"percentUsed":    rs.PercentUsed,
			"remainingUsage": rs.RemainingUsage,
			"overageUsage":   rs.OverageUsage,
			"status":         string(rs.Status),
		}
	}

	_, err := s.client.Collection(s.summariesCollection).Doc(summary.CompanyID).Set(ctx, map[string]interface{}{
		"companyId":            summary.CompanyID,
		"tenantId":             summary.TenantID,
		"periodStart":          summary.Period.Start,
		"periodEnd":            summary.Period.End,
		"resources":            resources,
		"totalUsagePercentage": summary.TotalUsagePercentage,
		"lastUpdated":          summary.LastUpdated,
	})
	if err != nil {
		return fmt.Errorf("failed to store usage summary: %w", err)
	}
	return nil
}

func (s *Storage) usageDoc(companyID string, resource metering.ResourceType) *firestore.DocumentRef {
	return s.client.Collection(s.usageCollection).Doc(fmt.Sprintf("%s_%s", companyID, resource))
}

func usageToData(u *metering.ResourceUsage) map[string]interface{} {
	return map[string]interface{}{
		"companyId":    u.CompanyID,
		"tenantId":     u.TenantID,
		"resource":     string(u.Resource),
		"currentValue": u.CurrentValue,
		"maxValue":     u.MaxValue,
		"unit":         string(u.Unit),
		"resetPolicy":  string(u.ResetPolicy),
		"periodStart":  u.Period.Start,
		"periodEnd":    u.Period.End,
		"status":       string(u.Status),
		"lastUpdated":  u.LastUpdated,
	}
}

func usageFromData(data map[string]interface{}) *metering.ResourceUsage {
	return &metering.ResourceUsage{
		CompanyID:    getString(data, "companyId"),
		TenantID:     getString(data, "tenantId"),
		Resource:     metering.ResourceType(getString(data, "resource")),
		CurrentValue: getInt64(data, "currentValue"),
		MaxValue:     getInt64(data, "maxValue"),
		Unit:         metering.PeriodUnit(getString(data, "unit")),
		ResetPolicy:  metering.ResetPolicy(getString(data, "resetPolicy")),
		Period:       metering.Period{Start: getTime(data, "periodStart"), End: getTime(data, "periodEnd")},
		Status:       metering.MeteringStatus(getString(data, "status")),
		LastUpdated:  getTime(data, "lastUpdated"),
	}
}

func limitsFromData(data map[string]interface{}) []metering.ResourceLimit {
	raw, ok := data["limits"].([]interface{})
	if !ok {
		return []metering.ResourceLimit{}
	}

	out := make([]metering.ResourceLimit, 0, len(raw))
	for _, entry := range raw {
		item, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		limit := metering.ResourceLimit{
			Resource:    metering.ResourceType(getString(item, "resourceType")),
			Limit:       getInt64(item, "limit"),
			Unit:        metering.PeriodUnit(getString(item, "unit")),
			ResetPolicy: metering.ResetPolicy(getString(item, "resetPolicy")),
		}
		if _, present := item["alertThreshold"]; present {
			threshold := getFloat(item, "alertThreshold")
			limit.AlertThreshold = &threshold
		}
		out = append(out, limit)
	}
	return out
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(math.Round(v))
	default:
		return 0
	}
}

func getFloat(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
