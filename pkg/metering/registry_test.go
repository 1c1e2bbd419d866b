package metering_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crmforge/metering/pkg/metering"
	"github.com/crmforge/metering/storage/memory"
)

func TestConfigureResourceLimits_UnknownCompanyFailsLoud(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)

	err := mgr.ConfigureResourceLimits(context.Background(), "nobody", []metering.ResourceLimit{
		{Resource: metering.ResourceAPICalls, Limit: 100, Unit: metering.UnitMonthly, ResetPolicy: metering.ResetCalendar},
	})
	assert.ErrorIs(t, err, metering.ErrCompanyNotFound)
}

func TestConfigureResourceLimits_Validation(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	err := mgr.ConfigureResourceLimits(ctx, companyID, []metering.ResourceLimit{
		{Resource: metering.ResourceType("minutes_of_fame"), Limit: 1, Unit: metering.UnitMonthly, ResetPolicy: metering.ResetCalendar},
	})
	assert.ErrorIs(t, err, metering.ErrUnknownResource)

	err = mgr.ConfigureResourceLimits(ctx, companyID, []metering.ResourceLimit{
		{Resource: metering.ResourceAPICalls, Limit: 1, Unit: metering.PeriodUnit("hourly"), ResetPolicy: metering.ResetCalendar},
	})
	assert.ErrorIs(t, err, metering.ErrInvalidUnit)

	bad := 150.0
	err = mgr.ConfigureResourceLimits(ctx, companyID, []metering.ResourceLimit{
		{Resource: metering.ResourceAPICalls, Limit: 1, Unit: metering.UnitMonthly, ResetPolicy: metering.ResetCalendar, AlertThreshold: &bad},
	})
	assert.ErrorIs(t, err, metering.ErrInvalidThreshold)

	err = mgr.ConfigureResourceLimits(ctx, companyID, []metering.ResourceLimit{
		{Resource: metering.ResourceAPICalls, Limit: 1, Unit: metering.UnitMonthly, ResetPolicy: metering.ResetCalendar},
		{Resource: metering.ResourceAPICalls, Limit: 2, Unit: metering.UnitMonthly, ResetPolicy: metering.ResetCalendar},
	})
	assert.ErrorIs(t, err, metering.ErrInvalidLimit)
}

func TestConfigureResourceLimits_ReplacesFullSet(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.ConfigureResourceLimits(ctx, companyID, []metering.ResourceLimit{
		{Resource: metering.ResourceAPICalls, Limit: 100, Unit: metering.UnitMonthly, ResetPolicy: metering.ResetCalendar},
		{Resource: metering.ResourceStorage, Limit: 500, Unit: metering.UnitMonthly, ResetPolicy: metering.ResetCalendar},
	}))

	// Reconfiguring with a single limit replaces, not merges.
	require.NoError(t, mgr.ConfigureResourceLimits(ctx, companyID, []metering.ResourceLimit{
		{Resource: metering.ResourceAPICalls, Limit: 200, Unit: metering.UnitMonthly, ResetPolicy: metering.ResetCalendar},
	}))

	limits, err := mgr.GetResourceLimits(ctx, companyID)
	require.NoError(t, err)
	require.Len(t, limits, 1)
	assert.EqualValues(t, 200, limits[0].Limit)
}

func TestConfigureResourceLimits_IdempotentKeepsCounters(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	limits := []metering.ResourceLimit{
		{Resource: metering.ResourceAPICalls, Limit: 100, Unit: metering.UnitMonthly, ResetPolicy: metering.ResetCalendar},
	}
	require.NoError(t, mgr.ConfigureResourceLimits(ctx, companyID, limits))

	admitted, err := mgr.TrackUsage(ctx, companyID, metering.ResourceAPICalls, 30)
	require.NoError(t, err)
	require.True(t, admitted)

	first, err := mgr.GetResourceLimits(ctx, companyID)
	require.NoError(t, err)

	require.NoError(t, mgr.ConfigureResourceLimits(ctx, companyID, limits))

	second, err := mgr.GetResourceLimits(ctx, companyID)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	usage, err := mgr.GetResourceUsage(ctx, companyID, metering.ResourceAPICalls)
	require.NoError(t, err)
	assert.EqualValues(t, 30, usage.CurrentValue, "in-progress counter survives reconfiguration")
}

func TestConfigureResourceLimits_RefreshesChangedMaxValue(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.ConfigureResourceLimits(ctx, companyID, []metering.ResourceLimit{
		{Resource: metering.ResourceAPICalls, Limit: 100, Unit: metering.UnitMonthly, ResetPolicy: metering.ResetCalendar},
	}))

	_, err := mgr.TrackUsage(ctx, companyID, metering.ResourceAPICalls, 30)
	require.NoError(t, err)

	require.NoError(t, mgr.ConfigureResourceLimits(ctx, companyID, []metering.ResourceLimit{
		{Resource: metering.ResourceAPICalls, Limit: 500, Unit: metering.UnitMonthly, ResetPolicy: metering.ResetCalendar},
	}))

	usage, err := mgr.GetResourceUsage(ctx, companyID, metering.ResourceAPICalls)
	require.NoError(t, err)
	assert.EqualValues(t, 500, usage.MaxValue)
	assert.EqualValues(t, 30, usage.CurrentValue, "counter untouched by limit change")
}

func TestInitializeResourceUsage_ResetsExpiredPeriod(t *testing.T) {
	mgr, _, clock, _ := newTestManager(t)
	ctx := context.Background()

	limits := []metering.ResourceLimit{
		{Resource: metering.ResourceAPICalls, Limit: 100, Unit: metering.UnitMonthly, ResetPolicy: metering.ResetCalendar},
	}
	require.NoError(t, mgr.ConfigureResourceLimits(ctx, companyID, limits))

	_, err := mgr.TrackUsage(ctx, companyID, metering.ResourceAPICalls, 60)
	require.NoError(t, err)

	// Jump past the end of the calendar month.
	clock.Set(clock.Current().AddDate(0, 2, 0))

	require.NoError(t, mgr.InitializeResourceUsage(ctx, companyID, tenantID, limits))

	usage, err := mgr.GetResourceUsage(ctx, companyID, metering.ResourceAPICalls)
	require.NoError(t, err)
	assert.EqualValues(t, 0, usage.CurrentValue)
	assert.True(t, usage.Period.Contains(clock.Current()))
}

func TestInitializeResourceUsage_CreatesMissingEntries(t *testing.T) {
	store := memory.New()
	clock := newFakeClock()
	mgr, err := metering.NewManager(store, metering.StaticDirectory{companyID: tenantID}, metering.Config{TimeSource: clock})
	require.NoError(t, err)
	ctx := context.Background()

	limits := []metering.ResourceLimit{
		{Resource: metering.ResourceDocuments, Limit: 50, Unit: metering.UnitWeekly, ResetPolicy: metering.ResetRolling},
	}
	require.NoError(t, mgr.InitializeResourceUsage(ctx, companyID, tenantID, limits))

	usage, err := mgr.GetResourceUsage(ctx, companyID, metering.ResourceDocuments)
	require.NoError(t, err)
	assert.EqualValues(t, 0, usage.CurrentValue)
	assert.EqualValues(t, 50, usage.MaxValue)
	assert.Equal(t, metering.StatusActive, usage.Status)
	assert.Equal(t, clock.Current().AddDate(0, 0, 7), usage.Period.End)
}

func TestGetResourceLimits_NeverConfiguredIsEmptyNotError(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)

	limits, err := mgr.GetResourceLimits(context.Background(), companyID)
	require.NoError(t, err)
	assert.Empty(t, limits)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, time.June, 10, 12, 0, 0, 0, time.UTC)}
}
