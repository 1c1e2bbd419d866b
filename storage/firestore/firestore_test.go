package firestore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/crmforge/metering/pkg/metering"
)

const (
	testProjectID = "test-project"
	emulatorHost  = "localhost:8080"
)

// setupStorage creates a storage adapter against the Firestore emulator with
// unique collection names per test, and skips when the emulator is not
// reachable.
func setupStorage(t *testing.T) (*Storage, *firestore.Client) {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		os.Setenv("FIRESTORE_EMULATOR_HOST", emulatorHost)
	}

	ctx := context.Background()
	client, err := firestore.NewClient(ctx, testProjectID)
	if err != nil {
		t.Fatalf("Failed to create Firestore client: %v", err)
	}

	// Probe the emulator before running the test proper
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Collection("probe").Doc("probe").Get(probeCtx); err != nil && probeCtx.Err() != nil {
		client.Close()
		t.Skipf("Firestore emulator not available: %v", err)
	}

	suffix := time.Now().UnixNano()
	store, err := New(client, Config{
		LimitsCollection:    fmt.Sprintf("test_limits_%s_%d", t.Name(), suffix),
		UsageCollection:     fmt.Sprintf("test_usage_%s_%d", t.Name(), suffix),
		RecordsCollection:   fmt.Sprintf("test_records_%s_%d", t.Name(), suffix),
		SummariesCollection: fmt.Sprintf("test_summaries_%s_%d", t.Name(), suffix),
	})
	if err != nil {
		client.Close()
		t.Fatalf("Failed to create storage: %v", err)
	}

	t.Cleanup(func() {
		cleanup(client, store)
		client.Close()
	})

	return store, client
}

func cleanup(client *firestore.Client, store *Storage) {
	ctx := context.Background()
	for _, coll := range []string{
		store.limitsCollection,
		store.usageCollection,
		store.recordsCollection,
		store.summariesCollection,
	} {
		docs, _ := client.Collection(coll).Documents(ctx).GetAll()
		bw := client.BulkWriter(ctx)
		for _, doc := range docs {
			_, _ = bw.Delete(doc.Ref)
		}
		bw.Flush()
	}
}

func TestNew_NilClient(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Fatal("Expected error for nil client")
	}
}

func TestFirestore_LimitsRoundTrip(t *testing.T) {
	store, _ := setupStorage(t)
	ctx := context.Background()

	threshold := 75.0
	limits := []metering.ResourceLimit{
		{
			Resource:       metering.ResourceAPICalls,
			Limit:          1000,
			Unit:           metering.UnitMonthly,
			ResetPolicy:    metering.ResetCalendar,
			AlertThreshold: &threshold,
		},
		{
			Resource:    metering.ResourceStorage,
			Limit:       -1,
			Unit:        metering.UnitMonthly,
			ResetPolicy: metering.ResetRolling,
		},
	}

	if err := store.ReplaceResourceLimits(ctx, "company-1", "tenant-1", limits); err != nil {
		t.Fatalf("ReplaceResourceLimits failed: %v", err)
	}

	got, err := store.GetResourceLimits(ctx, "company-1")
	if err != nil {
		t.Fatalf("GetResourceLimits failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 limits, got %d", len(got))
	}

	byResource := make(map[metering.ResourceType]metering.ResourceLimit)
	for _, l := range got {
		byResource[l.Resource] = l
	}

	api := byResource[metering.ResourceAPICalls]
	if api.Limit != 1000 || api.Unit != metering.UnitMonthly || api.ResetPolicy != metering.ResetCalendar {
		t.Errorf("API calls limit mismatch: %+v", api)
	}
	if api.AlertThreshold == nil || *api.AlertThreshold != 75.0 {
		t.Errorf("Expected alert threshold 75.0, got %v", api.AlertThreshold)
	}

	storage := byResource[metering.ResourceStorage]
	if storage.Limit != -1 || storage.AlertThreshold != nil {
		t.Errorf("Storage limit mismatch: %+v", storage)
	}
}

func TestFirestore_LimitsNotConfigured(t *testing.T) {
	store, _ := setupStorage(t)

	got, err := store.GetResourceLimits(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("GetResourceLimits failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected empty limits, got %d", len(got))
	}
}

func TestFirestore_MutateCreatesAndUpdates(t *testing.T) {
	store, _ := setupStorage(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	period := metering.Period{Start: now, End: now.AddDate(0, 1, 0)}

	created, err := store.MutateResourceUsage(ctx, "company-1", metering.ResourceAPICalls, func(current *metering.ResourceUsage) (*metering.ResourceUsage, error) {
		if current != nil {
			t.Fatal("Expected no existing entry")
		}
		return &metering.ResourceUsage{
			CompanyID:    "company-1",
			TenantID:     "tenant-1",
			Resource:     metering.ResourceAPICalls,
			CurrentValue: 0,
			MaxValue:     100,
			Unit:         metering.UnitMonthly,
			ResetPolicy:  metering.ResetRolling,
			Period:       period,
			Status:       metering.StatusActive,
			LastUpdated:  now,
		}, nil
	})
	if err != nil {
		t.Fatalf("MutateResourceUsage(create) failed: %v", err)
	}
	if created == nil || created.CurrentValue != 0 {
		t.Fatalf("Unexpected created entry: %+v", created)
	}

	updated, err := store.MutateResourceUsage(ctx, "company-1", metering.ResourceAPICalls, func(current *metering.ResourceUsage) (*metering.ResourceUsage, error) {
		if current == nil {
			t.Fatal("Expected existing entry")
		}
		next := *current
		next.CurrentValue += 25
		return &next, nil
	})
	if err != nil {
		t.Fatalf("MutateResourceUsage(update) failed: %v", err)
	}
	if updated.CurrentValue != 25 {
		t.Errorf("Expected CurrentValue 25, got %d", updated.CurrentValue)
	}

	got, err := store.GetResourceUsage(ctx, "company-1", metering.ResourceAPICalls)
	if err != nil {
		t.Fatalf("GetResourceUsage failed: %v", err)
	}
	if got == nil || got.CurrentValue != 25 {
		t.Fatalf("Unexpected persisted entry: %+v", got)
	}
	if !got.Period.Start.Equal(period.Start) || !got.Period.End.Equal(period.End) {
		t.Errorf("Period mismatch: got %+v, want %+v", got.Period, period)
	}
}

func TestFirestore_MutateDeclineLeavesState(t *testing.T) {
	store, _ := setupStorage(t)
	ctx := context.Background()

	written, err := store.MutateResourceUsage(ctx, "company-1", metering.ResourceExports, func(current *metering.ResourceUsage) (*metering.ResourceUsage, error) {
		return nil, nil // Decline the write
	})
	if err != nil {
		t.Fatalf("MutateResourceUsage failed: %v", err)
	}
	if written != nil {
		t.Errorf("Expected nil result for declined mutation, got %+v", written)
	}

	got, err := store.GetResourceUsage(ctx, "company-1", metering.ResourceExports)
	if err != nil {
		t.Fatalf("GetResourceUsage failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected no entry, got %+v", got)
	}
}

func TestFirestore_GetUsageMissing(t *testing.T) {
	store, _ := setupStorage(t)

	got, err := store.GetResourceUsage(context.Background(), "company-1", metering.ResourceDocuments)
	if err != nil {
		t.Fatalf("GetResourceUsage failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil for missing entry, got %+v", got)
	}
}

func TestFirestore_ConcurrentMutations(t *testing.T) {
	store, _ := setupStorage(t)
	ctx := context.Background()

	now := time.Now().UTC()
	_, err := store.MutateResourceUsage(ctx, "company-1", metering.ResourceAPICalls, func(current *metering.ResourceUsage) (*metering.ResourceUsage, error) {
		return &metering.ResourceUsage{
			CompanyID:   "company-1",
			TenantID:    "tenant-1",
			Resource:    metering.ResourceAPICalls,
			MaxValue:    -1,
			Unit:        metering.UnitMonthly,
			ResetPolicy: metering.ResetRolling,
			Period:      metering.Period{Start: now, End: now.AddDate(0, 1, 0)},
			Status:      metering.StatusActive,
			LastUpdated: now,
		}, nil
	})
	if err != nil {
		t.Fatalf("Seeding entry failed: %v", err)
	}

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.MutateResourceUsage(ctx, "company-1", metering.ResourceAPICalls, func(current *metering.ResourceUsage) (*metering.ResourceUsage, error) {
				next := *current
				next.CurrentValue++
				return &next, nil
			})
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Concurrent mutation failed: %v", err)
	}

	got, err := store.GetResourceUsage(ctx, "company-1", metering.ResourceAPICalls)
	if err != nil {
		t.Fatalf("GetResourceUsage failed: %v", err)
	}
	if got.CurrentValue != workers {
		t.Errorf("Expected %d after concurrent increments, got %d", workers, got.CurrentValue)
	}
}

func TestFirestore_RecordsNewestFirst(t *testing.T) {
	store, _ := setupStorage(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		err := store.AppendUsageRecord(ctx, &metering.UsageRecord{
			CompanyID: "company-1",
			TenantID:  "tenant-1",
			Resource:  metering.ResourceAPICalls,
			Value:     int64(i + 1),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Metadata:  map[string]interface{}{"index": i},
		})
		if err != nil {
			t.Fatalf("AppendUsageRecord failed: %v", err)
		}
	}

	records, err := store.ListUsageRecords(ctx, metering.RecordFilter{CompanyID: "company-1"})
	if err != nil {
		t.Fatalf("ListUsageRecords failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(records))
	}
	if records[0].Value != 3 || records[2].Value != 1 {
		t.Errorf("Expected newest-first ordering, got values %d, %d, %d",
			records[0].Value, records[1].Value, records[2].Value)
	}

	// Resource filter
	filtered, err := store.ListUsageRecords(ctx, metering.RecordFilter{
		CompanyID: "company-1",
		Resource:  metering.ResourceStorage,
	})
	if err != nil {
		t.Fatalf("ListUsageRecords with filter failed: %v", err)
	}
	if len(filtered) != 0 {
		t.Errorf("Expected no storage records, got %d", len(filtered))
	}

	// Limit
	limited, err := store.ListUsageRecords(ctx, metering.RecordFilter{CompanyID: "company-1", Limit: 2})
	if err != nil {
		t.Fatalf("ListUsageRecords with limit failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("Expected 2 records with limit, got %d", len(limited))
	}
}

func TestFirestore_SummaryRoundTrip(t *testing.T) {
	store, _ := setupStorage(t)
	ctx := context.Background()

	if _, err := store.GetUsageSummary(ctx, "company-1"); err != metering.ErrSummaryNotFound {
		t.Fatalf("Expected ErrSummaryNotFound, got %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	summary := &metering.UsageSummary{
		CompanyID: "company-1",
		TenantID:  "tenant-1",
		Period:    metering.Period{Start: now, End: now.AddDate(0, 1, 0)},
		Resources: map[metering.ResourceType]metering.ResourceSummary{
			metering.ResourceAPICalls: {
				CurrentUsage:   85,
				Limit:          100,
				PercentUsed:    85,
				RemainingUsage: 15,
				Status:         metering.SummaryWarning,
			},
		},
		TotalUsagePercentage: 85,
		LastUpdated:          now,
	}

	if err := store.PutUsageSummary(ctx, summary); err != nil {
		t.Fatalf("PutUsageSummary failed: %v", err)
	}

	got, err := store.GetUsageSummary(ctx, "company-1")
	if err != nil {
		t.Fatalf("GetUsageSummary failed: %v", err)
	}
	if got.TotalUsagePercentage != 85 {
		t.Errorf("Expected total percentage 85, got %f", got.TotalUsagePercentage)
	}
	rs, ok := got.Resources[metering.ResourceAPICalls]
	if !ok {
		t.Fatal("Expected api_calls summary entry")
	}
	if rs.CurrentUsage != 85 || rs.Limit != 100 || rs.Status != metering.SummaryWarning {
		t.Errorf("Summary entry mismatch: %+v", rs)
	}
}
