package metering

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Config holds manager configuration. All collaborators are optional except
// the storage and directory passed to NewManager; missing ones default to
// no-op implementations.
type Config struct {
	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking metering operations (default: NoopMetrics).
	Metrics Metrics

	// Alerts receives threshold and overage notifications
	// (default: NoopAlertDispatcher).
	Alerts AlertDispatcher

	// Reporter handles delegated usage-report generation (optional).
	Reporter Reporter

	// TimeSource overrides the clock used for period arithmetic. When nil,
	// a storage adapter implementing TimeSource is preferred over the
	// system clock.
	TimeSource TimeSource
}

// Manager is the usage ledger: it holds current consumption per
// (company, resource), enforces limits, and coordinates the audit recorder,
// summary aggregator, and alert dispatcher around each admission decision.
type Manager struct {
	storage   Storage
	directory Directory
	logger    Logger
	metrics   Metrics
	alerts    AlertDispatcher
	reporter  Reporter
	clock     TimeSource

	registry   *LimitRegistry
	recorder   *UsageRecorder
	aggregator *SummaryAggregator
}

// NewManager creates a manager wired to its persistence, directory, and
// alert collaborators. There is no hidden process-wide state: every
// dependency is explicit.
func NewManager(storage Storage, directory Directory, config Config) (*Manager, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if directory == nil {
		return nil, ErrDirectoryUnavailable
	}

	logger := config.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	alerts := config.Alerts
	if alerts == nil {
		alerts = NoopAlertDispatcher{}
	}
	clock := config.TimeSource
	if clock == nil {
		if ts, ok := storage.(TimeSource); ok {
			clock = ts
		} else {
			clock = SystemTimeSource{}
		}
	}

	return &Manager{
		storage:    storage,
		directory:  directory,
		logger:     logger,
		metrics:    metrics,
		alerts:     alerts,
		reporter:   config.Reporter,
		clock:      clock,
		registry:   NewLimitRegistry(storage, clock, logger),
		recorder:   NewUsageRecorder(storage, logger),
		aggregator: NewSummaryAggregator(storage, clock, logger),
	}, nil
}

// TrackOption configures a single TrackUsage call.
type TrackOption func(*trackOptions)

type trackOptions struct {
	metadata map[string]any
	userID   string
}

// WithMetadata attaches free-form metadata to the audit record of this call.
func WithMetadata(metadata map[string]any) TrackOption {
	return func(o *trackOptions) { o.metadata = metadata }
}

// WithUserID attributes this usage event to a user.
func WithUserID(userID string) TrackOption {
	return func(o *trackOptions) { o.userID = userID }
}

// trackOutcome classifies what the ledger mutation decided.
type trackOutcome int

const (
	outcomeNoEntry trackOutcome = iota
	outcomeFrozen
	outcomeRollover
	outcomeRejected
	outcomeAdmitted
)

// TrackUsage reports consumption of amount units of a resource by a company
// and returns whether the operation is admitted.
//
// The ledger mutation runs as one atomic conditional update keyed on
// (companyID, resource); a storage failure there is the admission decision
// failing and propagates to the caller. Audit recording, summary
// regeneration, and alert dispatch happen after the decision and are best
// effort: their failures are logged and swallowed.
func (m *Manager) TrackUsage(ctx context.Context, companyID string, resource ResourceType, amount int64, opts ...TrackOption) (bool, error) {
	if !resource.IsValid() {
		return false, fmt.Errorf("%w: %q", ErrUnknownResource, resource)
	}
	if amount < 0 {
		return false, ErrInvalidAmount
	}

	var options trackOptions
	for _, opt := range opts {
		opt(&options)
	}

	tenantID, err := m.directory.ResolveTenantID(ctx, companyID)
	if err != nil {
		return false, fmt.Errorf("failed to resolve company %s: %w", companyID, err)
	}

	now, err := m.clock.Now(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read clock: %w", err)
	}

	var (
		outcome  trackOutcome
		snapshot *ResourceUsage
	)

	start := time.Now()
	_, err = m.storage.MutateResourceUsage(ctx, companyID, resource, func(current *ResourceUsage) (*ResourceUsage, error) {
		if current == nil {
			outcome = outcomeNoEntry
			snapshot = nil
			return nil, nil
		}

		if current.Status == StatusStopped {
			// Counters are frozen; the call is admitted but nothing moves.
			outcome = outcomeFrozen
			snap := *current
			snapshot = &snap
			return nil, nil
		}

		if current.Period.Expired(now) {
			period, perr := CalculatePeriod(now, current.Unit, current.ResetPolicy)
			if perr != nil {
				return nil, perr
			}
			next := *current
			next.Period = period
			next.CurrentValue = amount
			next.LastUpdated = now
			outcome = outcomeRollover
			snapshot = &next
			return &next, nil
		}

		if current.MaxValue > 0 && current.CurrentValue+amount > current.MaxValue && current.Status == StatusActive {
			outcome = outcomeRejected
			snap := *current
			snapshot = &snap
			return nil, nil
		}

		next := *current
		next.CurrentValue += amount
		next.LastUpdated = now
		outcome = outcomeAdmitted
		snapshot = &next
		return &next, nil
	})
	m.metrics.RecordStorageOperation("mutate_usage", time.Since(start), err)
	if err != nil {
		return false, fmt.Errorf("failed to apply usage mutation: %w", err)
	}

	admitted := outcome != outcomeRejected
	m.metrics.RecordTrack(resource, admitted, amount)

	switch outcome {
	case outcomeNoEntry:
		m.logger.Warn("usage tracked without ledger entry",
			Field{Key: "companyId", Value: companyID},
			Field{Key: "resource", Value: string(resource)},
		)
		m.recorder.Record(ctx, companyID, tenantID, resource, amount, options.metadata, options.userID, now)

	case outcomeFrozen:
		m.logger.Warn("usage tracked on stopped resource",
			Field{Key: "companyId", Value: companyID},
			Field{Key: "resource", Value: string(resource)},
		)
		m.recorder.Record(ctx, companyID, tenantID, resource, amount, options.metadata, options.userID, now)

	case outcomeRollover:
		m.metrics.RecordRollover(resource)
		m.recorder.Record(ctx, companyID, tenantID, resource, amount, options.metadata, options.userID, now)
		m.refreshSummary(ctx, companyID, tenantID)

	case outcomeRejected:
		meta := cloneMetadata(options.metadata)
		meta[MetaLimitExceeded] = true
		meta[MetaLimit] = snapshot.MaxValue
		meta[MetaTotalUsage] = snapshot.CurrentValue + amount
		m.recorder.Record(ctx, companyID, tenantID, resource, amount, meta, options.userID, now)
		m.refreshSummary(ctx, companyID, tenantID)
		m.dispatchAlert(ctx, Alert{
			CompanyID:    companyID,
			TenantID:     tenantID,
			Resource:     resource,
			CurrentValue: snapshot.CurrentValue,
			MaxValue:     snapshot.MaxValue,
			Kind:         AlertOverage,
			Amount:       amount,
		})

	case outcomeAdmitted:
		m.recorder.Record(ctx, companyID, tenantID, resource, amount, options.metadata, options.userID, now)
		m.refreshSummary(ctx, companyID, tenantID)
		m.maybeAlertThreshold(ctx, companyID, tenantID, snapshot)
	}

	return admitted, nil
}

// maybeAlertThreshold dispatches an "approaching limit" alert when the
// post-increment usage sits at or above the configured threshold. It fires
// on every call above the threshold, not only on the crossing call. The
// limits lookup happens only on this path.
func (m *Manager) maybeAlertThreshold(ctx context.Context, companyID, tenantID string, entry *ResourceUsage) {
	if entry == nil || entry.MaxValue <= 0 {
		return
	}

	limit, err := m.registry.limitFor(ctx, companyID, entry.Resource)
	if err != nil {
		m.logger.Warn("failed to load limits for threshold check",
			Field{Key: "companyId", Value: companyID},
			Field{Key: "error", Value: err.Error()},
		)
		return
	}
	if limit == nil || limit.AlertThreshold == nil {
		return
	}

	percentUsed := float64(entry.CurrentValue) / float64(entry.MaxValue) * 100
	if percentUsed < *limit.AlertThreshold {
		return
	}

	m.dispatchAlert(ctx, Alert{
		CompanyID:    companyID,
		TenantID:     tenantID,
		Resource:     entry.Resource,
		CurrentValue: entry.CurrentValue,
		MaxValue:     entry.MaxValue,
		Kind:         AlertApproaching,
	})
}

func (m *Manager) dispatchAlert(ctx context.Context, alert Alert) {
	if err := m.alerts.DispatchAlert(ctx, alert); err != nil {
		m.logger.Warn("failed to dispatch alert",
			Field{Key: "companyId", Value: alert.CompanyID},
			Field{Key: "resource", Value: string(alert.Resource)},
			Field{Key: "kind", Value: string(alert.Kind)},
			Field{Key: "error", Value: err.Error()},
		)
		return
	}
	m.metrics.RecordAlert(alert.Kind, alert.Resource)
}

// refreshSummary regenerates the company summary after a ledger mutation.
// Best effort: failures are logged, never returned.
func (m *Manager) refreshSummary(ctx context.Context, companyID, tenantID string) {
	if _, err := m.aggregator.Update(ctx, companyID, tenantID); err != nil {
		m.logger.Warn("failed to regenerate usage summary",
			Field{Key: "companyId", Value: companyID},
			Field{Key: "error", Value: err.Error()},
		)
	}
}

// ConfigureResourceLimits replaces the full limit set for a company and
// initializes ledger entries for each limit. The replace is idempotent:
// repeating it with identical limits leaves stored state, including any
// in-progress counters, unchanged.
func (m *Manager) ConfigureResourceLimits(ctx context.Context, companyID string, limits []ResourceLimit) error {
	tenantID, err := m.directory.ResolveTenantID(ctx, companyID)
	if err != nil {
		return fmt.Errorf("failed to resolve company %s: %w", companyID, err)
	}

	if err := m.registry.Configure(ctx, companyID, tenantID, limits); err != nil {
		return err
	}
	if err := m.registry.InitializeUsage(ctx, companyID, tenantID, limits); err != nil {
		return err
	}

	m.refreshSummary(ctx, companyID, tenantID)
	return nil
}

// GetResourceLimits returns the configured limits for a company; an empty
// slice when never configured.
func (m *Manager) GetResourceLimits(ctx context.Context, companyID string) ([]ResourceLimit, error) {
	return m.registry.Limits(ctx, companyID)
}

// InitializeResourceUsage ensures ledger entries exist for the given limits,
// resetting expired periods and refreshing changed limits.
func (m *Manager) InitializeResourceUsage(ctx context.Context, companyID, tenantID string, limits []ResourceLimit) error {
	if err := ValidateLimits(limits); err != nil {
		return err
	}
	return m.registry.InitializeUsage(ctx, companyID, tenantID, limits)
}

// GetResourceUsage returns the ledger entry for one resource of a company.
func (m *Manager) GetResourceUsage(ctx context.Context, companyID string, resource ResourceType) (*ResourceUsage, error) {
	if !resource.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownResource, resource)
	}
	usage, err := m.storage.GetResourceUsage(ctx, companyID, resource)
	if err != nil {
		return nil, fmt.Errorf("failed to load resource usage: %w", err)
	}
	if usage == nil {
		return nil, ErrUsageNotFound
	}
	return usage, nil
}

// GetUsageHistory returns audit records matching the filter, newest first.
func (m *Manager) GetUsageHistory(ctx context.Context, filter RecordFilter) ([]*UsageRecord, error) {
	if filter.Resource != "" && !filter.Resource.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownResource, filter.Resource)
	}
	return m.recorder.History(ctx, filter)
}

// GetUsageSummary returns the stored summary for a company, regenerating it
// once when absent.
func (m *Manager) GetUsageSummary(ctx context.Context, companyID string) (*UsageSummary, error) {
	tenantID, err := m.directory.ResolveTenantID(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve company %s: %w", companyID, err)
	}
	return m.aggregator.Get(ctx, companyID, tenantID)
}

// SetMeteringStatus transitions the enforcement status of a ledger entry.
// It persists the status and nothing else.
func (m *Manager) SetMeteringStatus(ctx context.Context, companyID string, resource ResourceType, status MeteringStatus) error {
	if !resource.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownResource, resource)
	}
	if !status.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	now, err := m.clock.Now(ctx)
	if err != nil {
		return fmt.Errorf("failed to read clock: %w", err)
	}

	_, err = m.storage.MutateResourceUsage(ctx, companyID, resource, func(current *ResourceUsage) (*ResourceUsage, error) {
		if current == nil {
			return nil, ErrUsageNotFound
		}
		next := *current
		next.Status = status
		next.LastUpdated = now
		return &next, nil
	})
	if err != nil {
		return fmt.Errorf("failed to set metering status: %w", err)
	}
	return nil
}

// ResetUsage zeroes the counter of a ledger entry without touching its
// period, then regenerates the summary.
func (m *Manager) ResetUsage(ctx context.Context, companyID string, resource ResourceType) error {
	if !resource.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownResource, resource)
	}

	now, err := m.clock.Now(ctx)
	if err != nil {
		return fmt.Errorf("failed to read clock: %w", err)
	}

	var tenantID string
	_, err = m.storage.MutateResourceUsage(ctx, companyID, resource, func(current *ResourceUsage) (*ResourceUsage, error) {
		if current == nil {
			return nil, ErrUsageNotFound
		}
		tenantID = current.TenantID
		next := *current
		next.CurrentValue = 0
		next.LastUpdated = now
		return &next, nil
	})
	if err != nil {
		return fmt.Errorf("failed to reset usage: %w", err)
	}

	m.refreshSummary(ctx, companyID, tenantID)
	return nil
}

// GetUsageReport delegates report generation to the reporting collaborator
// and surfaces its failure as a generic report error.
func (m *Manager) GetUsageReport(ctx context.Context, companyID string, unit PeriodUnit, start, end time.Time) (*UsageReport, error) {
	if m.reporter == nil {
		return nil, fmt.Errorf("%w: no reporter configured", ErrReportFailed)
	}
	report, err := m.reporter.GenerateUsageReport(ctx, companyID, unit, start, end)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReportFailed, err)
	}
	return report, nil
}

// IsCompanyNotFound reports whether err stems from an unknown company.
func IsCompanyNotFound(err error) bool {
	return errors.Is(err, ErrCompanyNotFound)
}

func cloneMetadata(metadata map[string]any) map[string]any {
	out := make(map[string]any, len(metadata)+3)
	for k, v := range metadata {
		out[k] = v
	}
	return out
}
