package zerolog

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"

	"github.com/crmforge/metering/pkg/metering"
)

func TestLogger_WritesAllLevels(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output))

	logger.Debug("debug message", metering.Field{Key: "key", Value: "value"})
	logger.Info("info message", metering.Field{Key: "key", Value: "value"})
	logger.Warn("warn message", metering.Field{Key: "key", Value: "value"})
	logger.Error("error message", metering.Field{Key: "key", Value: "value"})

	if output.Len() == 0 {
		t.Error("Expected logs to be written")
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output).Level(zerolog.WarnLevel))

	// Debug and Info should be filtered out
	logger.Debug("debug message")
	logger.Info("info message")

	if output.Len() != 0 {
		t.Error("Expected debug and info to be filtered out")
	}

	logger.Warn("warn message")
	logger.Error("error message")

	if output.Len() == 0 {
		t.Error("Expected warn and error to be logged")
	}
}

func TestLogger_MultipleFields(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output))

	logger.Info("usage tracked",
		metering.Field{Key: "companyId", Value: "company-1"},
		metering.Field{Key: "resource", Value: "api_calls"},
		metering.Field{Key: "amount", Value: 5},
	)

	if output.Len() == 0 {
		t.Error("Expected log with multiple fields to be written")
	}
}
