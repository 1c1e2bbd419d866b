// Package redis provides a Redis implementation of the metering.Storage
// interface. Ledger mutations use optimistic WATCH/MULTI transactions with
// retry, and the adapter exposes Redis server time as a metering.TimeSource.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crmforge/metering/pkg/metering"
)

// Storage implements metering.Storage using Redis.
type Storage struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis storage configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "metering:")
	KeyPrefix string

	// MaxRetries is the maximum number of transaction retry attempts on
	// contention (default: 3)
	MaxRetries int

	// RecordsPerCompany caps the audit list per company; older records are
	// trimmed away (0 = unbounded)
	RecordsPerCompany int64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:         "metering:",
		MaxRetries:        3,
		RecordsPerCompany: 10000,
	}
}

// New creates a new Redis storage adapter.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	// Set defaults
	if config.KeyPrefix == "" {
		config.KeyPrefix = "metering:"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	return &Storage{client: client, config: config}, nil
}

// limitsDoc is the stored form of a company's limit configuration.
type limitsDoc struct {
	CompanyID string     `json:"companyId"`
	TenantID  string     `json:"tenantId"`
	Limits    []limitDoc `json:"limits"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

type limitDoc struct {
	Resource       string   `json:"resourceType"`
	Limit          int64    `json:"limit"`
	Unit           string   `json:"unit"`
	ResetPolicy    string   `json:"resetPolicy"`
	AlertThreshold *float64 `json:"alertThreshold,omitempty"`
}

type usageDoc struct {
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

type recordDoc struct {
	CompanyID string         `json:"companyId"`
	TenantID  string         `json:"tenantId"`
	Resource  string         `json:"resource"`
	Value     int64          `json:"value"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	UserID    string         `json:"userId,omitempty"`
}

type summaryDoc struct {
	CompanyID            string                        `json:"companyId"`
	TenantID             string                        `json:"tenantId"`
	PeriodStart          time.Time                     `json:"periodStart"`
	PeriodEnd            time.Time                     `json:"periodEnd"`
	Resources            map[string]resourceSummaryDoc `json:"resources"`
	TotalUsagePercentage float64                       `json:"totalUsagePercentage"`
	LastUpdated          time.Time                     `json:"lastUpdated"`
}

type resourceSummaryDoc struct {
	CurrentUsage   int64   `json:"currentUsage"`
	Limit          int64   `json:"limit"`
	PercentUsed    float64 `json:"percentUsed"`
	RemainingUsage int64   `json:"remainingUsage"`
	OverageUsage   int64   `json:"overageUsage"`
	Status         string  `json:"status"`
}

// GetResourceLimits implements metering.Storage.
func (s *Storage) GetResourceLimits(ctx context.Context, companyID string) ([]metering.ResourceLimit, error) {
	data, err := s.client.Get(ctx, s.limitsKey(companyID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []metering.ResourceLimit{}, nil
		}
		return nil, fmt.Errorf("failed to get resource limits: %w", err)
	}

	var doc limitsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resource limits: %w", err)
	}

	out := make([]metering.ResourceLimit, 0, len(doc.Limits))
	for _, l := range doc.Limits {
		out = append(out, metering.ResourceLimit{
			Resource:       metering.ResourceType(l.Resource),
			Limit:          l.Limit,
			Unit:           metering.PeriodUnit(l.Unit),
			ResetPolicy:    metering.ResetPolicy(l.ResetPolicy),
			AlertThreshold: l.AlertThreshold,
		})
	}
	return out, nil
}

// ReplaceResourceLimits implements metering.Storage.
func (s *Storage) ReplaceResourceLimits(ctx context.Context, companyID, tenantID string, limits []metering.ResourceLimit) error {
	doc := limitsDoc{
		CompanyID: companyID,
		TenantID:  tenantID,
		Limits:    make([]limitDoc, 0, len(limits)),
		UpdatedAt: time.Now().UTC(),
	}
	for _, l := range limits {
		doc.Limits = append(doc.Limits, limitDoc{
			Resource:       string(l.Resource),
			Limit:          l.Limit,
			Unit:           string(l.Unit),
			ResetPolicy:    string(l.ResetPolicy),
			AlertThreshold: l.AlertThreshold,
		})
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal resource limits: %w", err)
	}
	if err := s.client.Set(ctx, s.limitsKey(companyID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set resource limits: %w", err)
	}
	return nil
}

// GetResourceUsage implements metering.Storage.
func (s *Storage) GetResourceUsage(ctx context.Context, companyID string, resource metering.ResourceType) (*metering.ResourceUsage, error) {
	data, err := s.client.Get(ctx, s.usageKey(companyID, resource)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // No entry yet is not an error
		}
		return nil, fmt.Errorf("failed to get resource usage: %w", err)
	}
	return decodeUsage(data)
}

// ListResourceUsage implements metering.Storage. The per-company resource
// index set avoids a SCAN over the whole keyspace.
func (s *Storage) ListResourceUsage(ctx context.Context, companyID string) ([]*metering.ResourceUsage, error) {
	resources, err := s.client.SMembers(ctx, s.usageIndexKey(companyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list usage index: %w", err)
	}

	out := make([]*metering.ResourceUsage, 0, len(resources))
	for _, resource := range resources {
		usage, err := s.GetResourceUsage(ctx, companyID, metering.ResourceType(resource))
		if err != nil {
			return nil, err
		}
		if usage != nil {
			out = append(out, usage)
		}
	}
	return out, nil
}

// MutateResourceUsage implements metering.Storage using an optimistic
// WATCH/MULTI transaction. fn may run more than once on contention.
func (s *Storage) MutateResourceUsage(ctx context.Context, companyID string, resource metering.ResourceType, fn metering.MutateFunc) (*metering.ResourceUsage, error) {
	key := s.usageKey(companyID, resource)
	var written *metering.ResourceUsage

	txf := func(tx *redis.Tx) error {
		written = nil

		var current *metering.ResourceUsage
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				return err
			}
		} else {
			current, err = decodeUsage(data)
			if err != nil {
				return err
			}
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}

		encoded, err := json.Marshal(encodeUsage(next))
		if err != nil {
			return fmt.Errorf("failed to marshal resource usage: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			pipe.SAdd(ctx, s.usageIndexKey(companyID), string(resource))
			return nil
		})
		if err != nil {
			return err
		}
		written = next
		return nil
	}

	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return written, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue // Key changed under us, retry
		}
		return nil, err
	}
	return nil, fmt.Errorf("usage mutation for %s/%s: %w", companyID, resource, metering.ErrConflict)
}

// AppendUsageRecord implements metering.Storage. Records live in a per-company
// list with the newest entry at the head.
func (s *Storage) AppendUsageRecord(ctx context.Context, rec *metering.UsageRecord) error {
	doc := recordDoc{
		CompanyID: rec.CompanyID,
		TenantID:  rec.TenantID,
		Resource:  string(rec.Resource),
		Value:     rec.Value,
		Timestamp: rec.Timestamp,
		Metadata:  rec.Metadata,
		UserID:    rec.UserID,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal usage record: %w", err)
	}

	key := s.recordsKey(rec.CompanyID)
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, key, data)
	if s.config.RecordsPerCompany > 0 {
		pipe.LTrim(ctx, key, 0, s.config.RecordsPerCompany-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append usage record: %w", err)
	}
	return nil
}

// ListUsageRecords implements metering.Storage. The list is already newest
// first; filters are applied while walking it.
func (s *Storage) ListUsageRecords(ctx context.Context, filter metering.RecordFilter) ([]*metering.UsageRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	raw, err := s.client.LRange(ctx, s.recordsKey(filter.CompanyID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}

	out := make([]*metering.UsageRecord, 0, limit)
	for _, item := range raw {
		var doc recordDoc
		if err := json.Unmarshal([]byte(item), &doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal usage record: %w", err)
		}
		if filter.Resource != "" && doc.Resource != string(filter.Resource) {
			continue
		}
		if filter.StartTime != nil && doc.Timestamp.Before(*filter.StartTime) {
			continue
		}
		if filter.EndTime != nil && doc.Timestamp.After(*filter.EndTime) {
			continue
		}
		out = append(out, &metering.UsageRecord{
			CompanyID: doc.CompanyID,
			TenantID:  doc.TenantID,
			Resource:  metering.ResourceType(doc.Resource),
			Value:     doc.Value,
			Timestamp: doc.Timestamp,
			Metadata:  doc.Metadata,
			UserID:    doc.UserID,
		})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GetUsageSummary implements metering.Storage.
func (s *Storage) GetUsageSummary(ctx context.Context, companyID string) (*metering.UsageSummary, error) {
	data, err := s.client.Get(ctx, s.summaryKey(companyID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, metering.ErrSummaryNotFound
		}
		return nil, fmt.Errorf("failed to get usage summary: %w", err)
	}

	var doc summaryDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal usage summary: %w", err)
	}

	summary := &metering.UsageSummary{
		CompanyID:            doc.CompanyID,
		TenantID:             doc.TenantID,
		Period:               metering.Period{Start: doc.PeriodStart, End: doc.PeriodEnd},
		Resources:            make(map[metering.ResourceType]metering.ResourceSummary, len(doc.Resources)),
		TotalUsagePercentage: doc.TotalUsagePercentage,
		LastUpdated:          doc.LastUpdated,
	}
	for name, rs := range doc.Resources {
		summary.Resources[metering.ResourceType(name)] = metering.ResourceSummary{
			CurrentUsage:   rs.CurrentUsage,
			Limit:          rs.Limit,
			PercentUsed:    rs.PercentUsed,
			RemainingUsage: rs.RemainingUsage,
			OverageUsage:   rs.OverageUsage,
			Status:         metering.SummaryStatus(rs.Status),
		}
	}
	return summary, nil
}

// PutUsageSummary implements metering.Storage.
func (s *Storage) PutUsageSummary(ctx context.Context, summary *metering.UsageSummary) error {
	doc := summaryDoc{
		CompanyID:            summary.CompanyID,
		TenantID:             summary.TenantID,
		PeriodStart:          summary.Period.Start,
		PeriodEnd:            summary.Period.End,
		Resources:            make(map[string]resourceSummaryDoc, len(summary.Resources)),
		TotalUsagePercentage: summary.TotalUsagePercentage,
		LastUpdated:          summary.LastUpdated,
	}
	for name, rs := range summary.Resources {
		doc.Resources[string(name)] = resourceSummaryDoc{
			CurrentUsage:   rs.CurrentUsage,
			Limit:          rs.Limit,
			PercentUsed:    rs.PercentUsed,
			RemainingUsage: rs.RemainingUsage,
			OverageUsage:   rs.OverageUsage,
			Status:         string(rs.Status),
		}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal usage summary: %w", err)
	}
	if err := s.client.Set(ctx, s.summaryKey(summary.CompanyID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set usage summary: %w", err)
	}
	return nil
}

// Now implements metering.TimeSource using Redis server time, so that period
// rollover decisions agree across application instances.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	serverTime, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get redis server time: %w", err)
	}
	return serverTime.UTC(), nil
}

// Ping verifies connectivity to Redis.
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) limitsKey(companyID string) string {
	return fmt.Sprintf("%slimits:%s", s.config.KeyPrefix, companyID)
}

func (s *Storage) usageKey(companyID string, resource metering.ResourceType) string {
	return fmt.Sprintf("%susage:%s:%s", s.config.KeyPrefix, companyID, resource)
}

func (s *Storage) usageIndexKey(companyID string) string {
	return fmt.Sprintf("%susage_idx:%s", s.config.KeyPrefix, companyID)
}

func (s *Storage) recordsKey(companyID string) string {
	return fmt.Sprintf("%srecords:%s", s.config.KeyPrefix, companyID)
}

func (s *Storage) summaryKey(companyID string) string {
	return fmt.Sprintf("%ssummary:%s", s.config.KeyPrefix, companyID)
}

func encodeUsage(u *metering.ResourceUsage) usageDoc {
	return usageDoc{
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

func decodeUsage(data []byte) (*metering.ResourceUsage, error) {
	var doc usageDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resource usage: %w", err)
	}
	return &metering.ResourceUsage{
		CompanyID:    doc.CompanyID,
		TenantID:     doc.TenantID,
		Resource:     metering.ResourceType(doc.Resource),
		CurrentValue: doc.CurrentValue,
		MaxValue:     doc.MaxValue,
		Unit:         metering.PeriodUnit(doc.Unit),
		ResetPolicy:  metering.ResetPolicy(doc.ResetPolicy),
		Period:       metering.Period{Start: doc.PeriodStart, End: doc.PeriodEnd},
		Status:       metering.MeteringStatus(doc.Status),
		LastUpdated:  doc.LastUpdated,
	}, nil
}
