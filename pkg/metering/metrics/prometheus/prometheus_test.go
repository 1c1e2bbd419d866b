package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/crmforge/metering/pkg/metering"
)

func TestMetrics_RecordTrack(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordTrack(metering.ResourceAPICalls, true, 5)
	metrics.RecordTrack(metering.ResourceAPICalls, false, 20)
	metrics.RecordTrack(metering.ResourceStorage, true, 1024)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	var trackMetric *dto.MetricFamily
	for _, m := range families {
		if m.GetName() == "test_usage_track_total" {
			trackMetric = m
			break
		}
	}

	if trackMetric == nil {
		t.Fatal("Expected to find usage track metric")
	}
	if len(trackMetric.Metric) < 3 {
		t.Errorf("Expected at least 3 time series, got %d", len(trackMetric.Metric))
	}
}

func TestMetrics_RecordRolloverAndAlerts(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordRollover(metering.ResourceAPICalls)
	metrics.RecordAlert(metering.AlertApproaching, metering.ResourceAPICalls)
	metrics.RecordAlert(metering.AlertOverage, metering.ResourceStorage)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) < 2 {
		t.Errorf("Expected rollover and alert metrics, got %d families", len(families))
	}
}

func TestMetrics_RecordStorageOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordStorageOperation("mutate_usage", 10*time.Millisecond, nil)
	metrics.RecordStorageOperation("mutate_usage", 20*time.Millisecond, errors.New("storage error"))

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	var errMetric *dto.MetricFamily
	for _, m := range families {
		if m.GetName() == "test_storage_operation_errors_total" {
			errMetric = m
			break
		}
	}
	if errMetric == nil {
		t.Fatal("Expected to find storage error metric")
	}
	if errMetric.Metric[0].GetCounter().GetValue() != 1 {
		t.Errorf("Expected 1 storage error, got %v", errMetric.Metric[0].GetCounter().GetValue())
	}
}
