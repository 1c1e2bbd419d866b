package metering

import (
	"context"
	"fmt"
)

// LimitRegistry stores and retrieves the resource limits configured for a
// company and maintains the ledger entries derived from them.
type LimitRegistry struct {
	storage Storage
	clock   TimeSource
	logger  Logger
}

// NewLimitRegistry creates a registry bound to the given storage.
func NewLimitRegistry(storage Storage, clock TimeSource, logger Logger) *LimitRegistry {
	return &LimitRegistry{storage: storage, clock: clock, logger: logger}
}

// ValidateLimits checks a limit set at the boundary: known resource types,
// valid units and reset policies, thresholds within 0-100, and at most one
// limit per resource type.
func ValidateLimits(limits []ResourceLimit) error {
	seen := make(map[ResourceType]bool, len(limits))
	for _, l := range limits {
		if !l.Resource.IsValid() {
			return fmt.Errorf("%w: %q", ErrUnknownResource, l.Resource)
		}
		if seen[l.Resource] {
			return fmt.Errorf("%w: duplicate limit for %q", ErrInvalidLimit, l.Resource)
		}
		seen[l.Resource] = true
		if !l.Unit.IsValid() {
			return fmt.Errorf("%w: %q", ErrInvalidUnit, l.Unit)
		}
		if !l.ResetPolicy.IsValid() {
			return fmt.Errorf("%w: invalid reset policy %q", ErrInvalidLimit, l.ResetPolicy)
		}
		if l.AlertThreshold != nil && (*l.AlertThreshold < 0 || *l.AlertThreshold > 100) {
			return fmt.Errorf("%w: %v", ErrInvalidThreshold, *l.AlertThreshold)
		}
	}
	return nil
}

// Configure replaces the full limit set for a company. It is an upsert, not
// a merge, and calling it twice with identical input yields identical stored
// state.
func (r *LimitRegistry) Configure(ctx context.Context, companyID, tenantID string, limits []ResourceLimit) error {
	if err := ValidateLimits(limits); err != nil {
		return err
	}
	if err := r.storage.ReplaceResourceLimits(ctx, companyID, tenantID, limits); err != nil {
		return fmt.Errorf("failed to store resource limits: %w", err)
	}
	return nil
}

// Limits returns the configured limits for a company. A company that was
// never configured yields an empty slice.
func (r *LimitRegistry) Limits(ctx context.Context, companyID string) ([]ResourceLimit, error) {
	limits, err := r.storage.GetResourceLimits(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load resource limits: %w", err)
	}
	if limits == nil {
		limits = []ResourceLimit{}
	}
	return limits, nil
}

// limitFor returns the configured limit for one resource, or nil when the
// resource is not configured.
func (r *LimitRegistry) limitFor(ctx context.Context, companyID string, resource ResourceType) (*ResourceLimit, error) {
	limits, err := r.Limits(ctx, companyID)
	if err != nil {
		return nil, err
	}
	for i := range limits {
		if limits[i].Resource == resource {
			return &limits[i], nil
		}
	}
	return nil, nil
}

// InitializeUsage ensures a ledger entry exists for each configured limit.
// A missing entry is created at zero. An entry whose period has expired is
// reset to zero with a freshly computed period. An entry still inside its
// period only has MaxValue refreshed when the configured limit changed;
// CurrentValue is left untouched.
func (r *LimitRegistry) InitializeUsage(ctx context.Context, companyID, tenantID string, limits []ResourceLimit) error {
	now, err := r.clock.Now(ctx)
	if err != nil {
		return fmt.Errorf("failed to read clock: %w", err)
	}

	for _, limit := range limits {
		limit := limit
		period, err := CalculatePeriod(now, limit.Unit, limit.ResetPolicy)
		if err != nil {
			return err
		}

		_, err = r.storage.MutateResourceUsage(ctx, companyID, limit.Resource, func(current *ResourceUsage) (*ResourceUsage, error) {
			if current == nil {
				return &ResourceUsage{
					CompanyID:    companyID,
					TenantID:     tenantID,
					Resource:     limit.Resource,
					CurrentValue: 0,
					MaxValue:     limit.Limit,
					Unit:         limit.Unit,
					ResetPolicy:  limit.ResetPolicy,
					Period:       period,
					Status:       StatusActive,
					LastUpdated:  now,
				}, nil
			}

			if current.Period.Expired(now) {
				next := *current
				next.CurrentValue = 0
				next.MaxValue = limit.Limit
				next.Unit = limit.Unit
				next.ResetPolicy = limit.ResetPolicy
				next.Period = period
				next.LastUpdated = now
				return &next, nil
			}

			if current.MaxValue != limit.Limit || current.Unit != limit.Unit || current.ResetPolicy != limit.ResetPolicy {
				next := *current
				next.MaxValue = limit.Limit
				next.Unit = limit.Unit
				next.ResetPolicy = limit.ResetPolicy
				next.LastUpdated = now
				return &next, nil
			}

			// In-progress entry with an unchanged limit: nothing to do.
			return nil, nil
		})
		if err != nil {
			return fmt.Errorf("failed to initialize usage for %s: %w", limit.Resource, err)
		}
	}
	return nil
}
