package api

import (
	"fmt"
	"net/http"

	"github.com/crmforge/metering/pkg/metering"
)

// Config holds configuration for the metering API handler.
type Config struct {
	// Manager is the metering manager instance (required)
	Manager *metering.Manager

	// Authorize optionally guards every request. Return false to reject
	// with 401. If nil, all requests are allowed.
	Authorize func(*http.Request) bool

	// OnError handles internal errors
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is optional; defaults to a no-op logger
	Logger metering.Logger
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	return nil
}

// NewHandler creates a new metering API handler with the given configuration.
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &metering.NoopLogger{}
	}
	return &Handler{config: config}, nil
}
