// Package postgres provides a PostgreSQL implementation of the
// metering.Storage interface. Ledger mutations run in SQL transactions with
// SELECT FOR UPDATE, so concurrent trackers serialize per (company, resource)
// row.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crmforge/metering/pkg/metering"
)

// Schema contains the DDL for all metering tables. Run it once at deploy
// time, or call EnsureSchema from application startup.
const Schema = `
CREATE TABLE IF NOT EXISTS metering_limits (
	company_id TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	limits     JSONB NOT NULL DEFAULT '[]',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS metering_usage (
	company_id    TEXT NOT NULL,
	resource      TEXT NOT NULL,
	tenant_id     TEXT NOT NULL,
	current_value BIGINT NOT NULL DEFAULT 0,
	max_value     BIGINT NOT NULL DEFAULT 0,
	unit          TEXT NOT NULL,
	reset_policy  TEXT NOT NULL,
	period_start  TIMESTAMPTZ NOT NULL,
	period_end    TIMESTAMPTZ NOT NULL,
	status        TEXT NOT NULL,
	last_updated  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (company_id, resource)
);

CREATE TABLE IF NOT EXISTS metering_records (
	id         BIGSERIAL PRIMARY KEY,
	company_id TEXT NOT NULL,
	tenant_id  TEXT NOT NULL,
	resource   TEXT NOT NULL,
	value      BIGINT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	metadata   JSONB,
	user_id    TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_metering_records_company_time
	ON metering_records (company_id, recorded_at DESC);

CREATE TABLE IF NOT EXISTS metering_summaries (
	company_id             TEXT PRIMARY KEY,
	tenant_id              TEXT NOT NULL,
	period_start           TIMESTAMPTZ NOT NULL,
	period_end             TIMESTAMPTZ NOT NULL,
	resources              JSONB NOT NULL DEFAULT '{}',
	total_usage_percentage DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_updated           TIMESTAMPTZ NOT NULL
);
`

// Storage implements metering.Storage using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter and verifies connectivity.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// EnsureSchema creates the metering tables if they do not exist.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Storage) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity.
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Now implements metering.TimeSource using database time, so period rollover
// decisions agree across application instances.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, "SELECT NOW()").Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("failed to get database time: %w", err)
	}
	return now.UTC(), nil
}

type limitRow struct {
	Resource       string   `json:"resourceType"`
	Limit          int64    `json:"limit"`
	Unit           string   `json:"unit"`
	ResetPolicy    string   `json:"resetPolicy"`
	AlertThreshold *float64 `json:"alertThreshold,omitempty"`
}

// GetResourceLimits implements metering.Storage.
func (s *Storage) GetResourceLimits(ctx context.Context, companyID string) ([]metering.ResourceLimit, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT limits FROM metering_limits WHERE company_id = $1`,
		companyID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return []metering.ResourceLimit{}, nil
		}
		return nil, fmt.Errorf("failed to get resource limits: %w", err)
	}

	var rows []limitRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resource limits: %w", err)
	}

	out := make([]metering.ResourceLimit, 0, len(rows))
	for _, r := range rows {
		out = append(out, metering.ResourceLimit{
			Resource:       metering.ResourceType(r.Resource),
			Limit:          r.Limit,
			Unit:           metering.PeriodUnit(r.Unit),
			ResetPolicy:    metering.ResetPolicy(r.ResetPolicy),
			AlertThreshold: r.AlertThreshold,
		})
	}
	return out, nil
}

// ReplaceResourceLimits implements metering.Storage.
func (s *Storage) ReplaceResourceLimits(ctx context.Context, companyID, tenantID string, limits []metering.ResourceLimit) error {
	rows := make([]limitRow, 0, len(limits))
	for _, l := range limits {
		rows = append(rows, limitRow{
			Resource:       string(l.Resource),
			Limit:          l.Limit,
			Unit:           string(l.Unit),
			ResetPolicy:    string(l.ResetPolicy),
			AlertThreshold: l.AlertThreshold,
		})
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("failed to marshal resource limits: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO metering_limits (company_id, tenant_id, limits, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (company_id)
			DO UPDATE SET tenant_id = $2, limits = $3, updated_at = NOW()`,
		companyID, tenantID, data)
	if err != nil {
		return fmt.Errorf("failed to replace resource limits: %w", err)
	}
	return nil
}

const usageColumns = `company_id, resource, tenant_id, current_value, max_value,
	unit, reset_policy, period_start, period_end, status, last_updated`

func scanUsage(row pgx.Row) (*metering.ResourceUsage, error) {
	var u metering.ResourceUsage
	var resource, unit, resetPolicy, status string
	err := row.Scan(&u.CompanyID, &resource, &u.TenantID, &u.CurrentValue,
		&u.MaxValue, &unit, &resetPolicy, &u.Period.Start, &u.Period.End,
		&status, &u.LastUpdated)
	if err != nil {
		return nil, err
	}
	u.Resource = metering.ResourceType(resource)
	u.Unit = metering.PeriodUnit(unit)
	u.ResetPolicy = metering.ResetPolicy(resetPolicy)
	u.Status = metering.MeteringStatus(status)
	return &u, nil
}

// GetResourceUsage implements metering.Storage.
func (s *Storage) GetResourceUsage(ctx context.Context, companyID string, resource metering.ResourceType) (*metering.ResourceUsage, error) {
	usage, err := scanUsage(s.pool.QueryRow(ctx,
		`SELECT `+usageColumns+` FROM metering_usage
			WHERE company_id = $1 AND resource = $2`,
		companyID, string(resource)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // No entry yet is not an error
		}
		return nil, fmt.Errorf("failed to get resource usage: %w", err)
	}
	return usage, nil
}

// ListResourceUsage implements metering.Storage.
func (s *Storage) ListResourceUsage(ctx context.Context, companyID string) ([]*metering.ResourceUsage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+usageColumns+` FROM metering_usage
			WHERE company_id = $1 ORDER BY resource`,
		companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource usage: %w", err)
	}
	defer rows.Close()

	var out []*metering.ResourceUsage
	for rows.Next() {
		usage, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource usage: %w", err)
		}
		out = append(out, usage)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate resource usage: %w", err)
	}
	return out, nil
}

// MutateResourceUsage implements metering.Storage. The row lock taken by
// SELECT FOR UPDATE serializes concurrent mutations of the same entry.
func (s *Storage) MutateResourceUsage(ctx context.Context, companyID string, resource metering.ResourceType, fn metering.MutateFunc) (*metering.ResourceUsage, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Advisory lock on the (company, resource) pair covers the
	// entry-does-not-exist-yet case, where there is no row to lock.
	_, err = tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1 || ':' || $2))`,
		companyID, string(resource))
	if err != nil {
		return nil, fmt.Errorf("failed to acquire advisory lock: %w", err)
	}

	current, err := scanUsage(tx.QueryRow(ctx,
		`SELECT `+usageColumns+` FROM metering_usage
			WHERE company_id = $1 AND resource = $2
			FOR UPDATE`,
		companyID, string(resource)))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to get usage for update: %w", err)
		}
		current = nil
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		return nil, nil
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO metering_usage (`+usageColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (company_id, resource)
			DO UPDATE SET tenant_id = $3, current_value = $4, max_value = $5,
				unit = $6, reset_policy = $7, period_start = $8,
				period_end = $9, status = $10, last_updated = $11`,
		next.CompanyID, string(next.Resource), next.TenantID, next.CurrentValue,
		next.MaxValue, string(next.Unit), string(next.ResetPolicy),
		next.Period.Start, next.Period.End, string(next.Status), next.LastUpdated)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert resource usage: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return next, nil
}

// AppendUsageRecord implements metering.Storage.
func (s *Storage) AppendUsageRecord(ctx context.Context, rec *metering.UsageRecord) error {
	var metadata []byte
	if len(rec.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal record metadata: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO metering_records
			(company_id, tenant_id, resource, value, recorded_at, metadata, user_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.CompanyID, rec.TenantID, string(rec.Resource), rec.Value,
		rec.Timestamp, metadata, rec.UserID)
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

	query := `SELECT company_id, tenant_id, resource, value, recorded_at, metadata, user_id
		FROM metering_records WHERE company_id = $1`
	args := []any{filter.CompanyID}

	if filter.Resource != "" {
		args = append(args, string(filter.Resource))
		query += fmt.Sprintf(" AND resource = $%d", len(args))
	}
	if filter.StartTime != nil {
		args = append(args, *filter.StartTime)
		query += fmt.Sprintf(" AND recorded_at >= $%d", len(args))
	}
	if filter.EndTime != nil {
		args = append(args, *filter.EndTime)
		query += fmt.Sprintf(" AND recorded_at <= $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY recorded_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	defer rows.Close()

	var out []*metering.UsageRecord
	for rows.Next() {
		var rec metering.UsageRecord
		var resource string
		var metadata []byte
		err := rows.Scan(&rec.CompanyID, &rec.TenantID, &resource, &rec.Value,
			&rec.Timestamp, &metadata, &rec.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		rec.Resource = metering.ResourceType(resource)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal record metadata: %w", err)
			}
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate usage records: %w", err)
	}
	return out, nil
}

type summaryResourceRow struct {
	CurrentUsage   int64   `json:"currentUsage"`
	Limit          int64   `json:"limit"`
	PercentUsed    float64 `json:"percentUsed"`
	RemainingUsage int64   `json:"remainingUsage"`
	OverageUsage   int64   `json:"overageUsage"`
	Status         string  `json:"status"`
}

// GetUsageSummary implements metering.Storage.
func (s *Storage) GetUsageSummary(ctx context.Context, companyID string) (*metering.UsageSummary, error) {
	var summary metering.UsageSummary
	var resourceData []byte
	err := s.pool.QueryRow(ctx,
		`SELECT company_id, tenant_id, period_start, period_end, resources,
			total_usage_percentage, last_updated
			FROM metering_summaries WHERE company_id = $1`,
		companyID).Scan(&summary.CompanyID, &summary.TenantID,
		&summary.Period.Start, &summary.Period.End, &resourceData,
		&summary.TotalUsagePercentage, &summary.LastUpdated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, metering.ErrSummaryNotFound
		}
		return nil, fmt.Errorf("failed to get usage summary: %w", err)
	}

	var resources map[string]summaryResourceRow
	if err := json.Unmarshal(resourceData, &resources); err != nil {
		return nil, fmt.Errorf("failed to unmarshal summary resources: %w", err)
	}
	summary.Resources = make(map[metering.ResourceType]metering.ResourceSummary, len(resources))
	for name, rs := range resources {
		summary.Resources[metering.ResourceType(name)] = metering.ResourceSummary{
			CurrentUsage:   rs.CurrentUsage,
			Limit:          rs.Limit,
			PercentUsed:    rs.PercentUsed,
			RemainingUsage: rs.RemainingUsage,
			OverageUsage:   rs.OverageUsage,
			Status:         metering.SummaryStatus(rs.Status),
		}
	}
	return &summary, nil
}

// PutUsageSummary implements metering.Storage.
func (s *Storage) PutUsageSummary(ctx context.Context, summary *metering.UsageSummary) error {
	resources := make(map[string]summaryResourceRow, len(summary.Resources))
	for name, rs := range summary.Resources {
		resources[string(name)] = summaryResourceRow{
			CurrentUsage:   rs.CurrentUsage,
			Limit:          rs.Limit,
			PercentUsed:    rs.PercentUsed,
			RemainingUsage: rs.RemainingUsage,
			OverageUsage:   rs.OverageUsage,
			Status:         string(rs.Status),
		}
	}
	data, err := json.Marshal(resources)
	if err != nil {
		return fmt.Errorf("failed to marshal summary resources: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO metering_summaries
			(company_id, tenant_id, period_start, period_end, resources,
				total_usage_percentage, last_updated)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (company_id)
			DO UPDATE SET tenant_id = $2, period_start = $3, period_end = $4,
				resources = $5, total_usage_percentage = $6, last_updated = $7`,
		summary.CompanyID, summary.TenantID, summary.Period.Start,
		summary.Period.End, data, summary.TotalUsagePercentage,
		summary.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to store usage summary: %w", err)
	}
	return nil
}
