// Package memory provides an in-memory implementation of the metering.Storage
// interface. This implementation is primarily intended for testing and
// development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crmforge/metering/pkg/metering"
)

// Storage implements metering.Storage using in-memory maps. All mutations
// run under one mutex, which gives MutateResourceUsage its atomicity.
type Storage struct {
	mu        sync.RWMutex
	limits    map[string][]metering.ResourceLimit
	tenants   map[string]string
	usage     map[string]*metering.ResourceUsage
	records   []*metering.UsageRecord
	summaries map[string]*metering.UsageSummary
}

// New creates a new in-memory storage adapter.
func New() *Storage {
	return &Storage{
		limits:    make(map[string][]metering.ResourceLimit),
		tenants:   make(map[string]string),
		usage:     make(map[string]*metering.ResourceUsage),
		summaries: make(map[string]*metering.UsageSummary),
	}
}

// Now implements metering.TimeSource.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}

// GetResourceLimits implements metering.Storage.
func (s *Storage) GetResourceLimits(ctx context.Context, companyID string) ([]metering.ResourceLimit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.limits[companyID]
	out := make([]metering.ResourceLimit, len(stored))
	copy(out, stored)
	return out, nil
}

// ReplaceResourceLimits implements metering.Storage.
func (s *Storage) ReplaceResourceLimits(ctx context.Context, companyID, tenantID string, limits []metering.ResourceLimit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]metering.ResourceLimit, len(limits))
	copy(stored, limits)
	s.limits[companyID] = stored
	s.tenants[companyID] = tenantID
	return nil
}

// GetResourceUsage implements metering.Storage.
func (s *Storage) GetResourceUsage(ctx context.Context, companyID string, resource metering.ResourceType) (*metering.ResourceUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.usage[usageKey(companyID, resource)]
	if !ok {
		return nil, nil // No entry yet is not an error
	}

	// Return a copy to prevent external mutations
	entryCopy := *entry
	return &entryCopy, nil
}

// ListResourceUsage implements metering.Storage.
func (s *Storage) ListResourceUsage(ctx context.Context, companyID string) ([]*metering.ResourceUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := companyID + ":"
	var out []*metering.ResourceUsage
	for key, entry := range s.usage {
		if strings.HasPrefix(key, prefix) {
			entryCopy := *entry
			out = append(out, &entryCopy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out, nil
}

// MutateResourceUsage implements metering.Storage. The mutex makes the
// read-modify-write atomic; no retry loop is needed.
func (s *Storage) MutateResourceUsage(ctx context.Context, companyID string, resource metering.ResourceType, fn metering.MutateFunc) (*metering.ResourceUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey(companyID, resource)

	var current *metering.ResourceUsage
	if entry, ok := s.usage[key]; ok {
		entryCopy := *entry
		current = &entryCopy
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, nil
	}

	stored := *next
	s.usage[key] = &stored
	result := stored
	return &result, nil
}

// AppendUsageRecord implements metering.Storage.
func (s *Storage) AppendUsageRecord(ctx context.Context, rec *metering.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recCopy := *rec
	if rec.Metadata != nil {
		recCopy.Metadata = make(map[string]any, len(rec.Metadata))
		for k, v := range rec.Metadata {
			recCopy.Metadata[k] = v
		}
	}
	s.records = append(s.records, &recCopy)
	return nil
}

// ListUsageRecords implements metering.Storage. Records are returned newest
// first.
func (s *Storage) ListUsageRecords(ctx context.Context, filter metering.RecordFilter) ([]*metering.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var out []*metering.UsageRecord
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		rec := s.records[i]
		if filter.CompanyID != "" && rec.CompanyID != filter.CompanyID {
			continue
		}
		if filter.Resource != "" && rec.Resource != filter.Resource {
			continue
		}
		if filter.StartTime != nil && rec.Timestamp.Before(*filter.StartTime) {
			continue
		}
		if filter.EndTime != nil && rec.Timestamp.After(*filter.EndTime) {
			continue
		}
		recCopy := *rec
		out = append(out, &recCopy)
	}
	return out, nil
}

// GetUsageSummary implements metering.Storage.
func (s *Storage) GetUsageSummary(ctx context.Context, companyID string) (*metering.UsageSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary, ok := s.summaries[companyID]
	if !ok {
		return nil, metering.ErrSummaryNotFound
	}

	summaryCopy := *summary
	summaryCopy.Resources = make(map[metering.ResourceType]metering.ResourceSummary, len(summary.Resources))
	for k, v := range summary.Resources {
		summaryCopy.Resources[k] = v
	}
	return &summaryCopy, nil
}

// PutUsageSummary implements metering.Storage.
func (s *Storage) PutUsageSummary(ctx context.Context, summary *metering.UsageSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	summaryCopy := *summary
	summaryCopy.Resources = make(map[metering.ResourceType]metering.ResourceSummary, len(summary.Resources))
	for k, v := range summary.Resources {
		summaryCopy.Resources[k] = v
	}
	s.summaries[summary.CompanyID] = &summaryCopy
	return nil
}

// Clear removes all data (useful for testing).
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.limits = make(map[string][]metering.ResourceLimit)
	s.tenants = make(map[string]string)
	s.usage = make(map[string]*metering.ResourceUsage)
	s.records = nil
	s.summaries = make(map[string]*metering.UsageSummary)
}

func usageKey(companyID string, resource metering.ResourceType) string {
	return companyID + ":" + string(resource)
}
